package chall

import (
	"fmt"
	"regexp"
	"strings"
)

// FlagPolicy selects how literal flags are checked.
type FlagPolicy int

const (
	// FlagAny accepts any non-empty flag.
	FlagAny FlagPolicy = iota
	// FlagPrefix requires the competition wrapper "<comp>{...}".
	FlagPrefix
	// FlagRegex requires a full match of a custom pattern.
	FlagRegex
)

// PointsPolicy selects how point values are checked.
type PointsPolicy int

const (
	// PointsAny accepts any value.
	PointsAny PointsPolicy = iota
	// PointsMultipleOf requires the value to be a multiple of N.
	PointsMultipleOf
	// PointsCustom runs a caller-supplied predicate.
	PointsCustom
)

// Correctness layers competition policy checks on top of an already-verified
// Challenge. It never inspects raw YAML, only the parsed shape.
type Correctness struct {
	FlagPolicy FlagPolicy
	CompName   string         // flag prefix for FlagPrefix
	FlagRe     *regexp.Regexp // pattern for FlagRegex

	// Categories is the allow-list; nil disables the check.
	Categories    []string
	CaseSensitive bool

	PointsPolicy PointsPolicy
	PointsMult   uint64            // divisor for PointsMultipleOf
	PointsFn     func(uint64) bool // predicate for PointsCustom
}

// CorrectnessError reports every failed aspect of a policy check.
type CorrectnessError struct {
	Aspects []string
}

func (e *CorrectnessError) Error() string {
	return "chall.yaml fails competition policy: " + strings.Join(e.Aspects, "; ")
}

// Check validates c against the policy. A nil return means fully compliant;
// otherwise the error lists every failed aspect (flag, categories, points).
func (p *Correctness) Check(c *Challenge) error {
	var aspects []string

	if a := p.checkFlag(c.Flag); a != "" {
		aspects = append(aspects, a)
	}
	if a := p.checkCategories(c.Categories); a != "" {
		aspects = append(aspects, a)
	}
	if a := p.checkPoints(c.Points); a != "" {
		aspects = append(aspects, a)
	}

	if len(aspects) == 0 {
		return nil
	}
	return &CorrectnessError{Aspects: aspects}
}

func (p *Correctness) checkFlag(f Flag) string {
	// File-based flags are resolved at deploy time; only literals are checked.
	if f.Kind != FlagLiteral {
		return ""
	}
	switch p.FlagPolicy {
	case FlagPrefix:
		want := p.CompName + "{"
		if !strings.HasPrefix(f.Value, want) || !strings.HasSuffix(f.Value, "}") {
			return fmt.Sprintf("flag must look like %s...}", want)
		}
	case FlagRegex:
		if p.FlagRe == nil || !p.FlagRe.MatchString(f.Value) {
			return "flag does not match the required pattern"
		}
	}
	return ""
}

func (p *Correctness) checkCategories(categories []string) string {
	if p.Categories == nil {
		return ""
	}
	allowed := make(map[string]bool, len(p.Categories))
	for _, c := range p.Categories {
		if !p.CaseSensitive {
			c = strings.ToLower(c)
		}
		allowed[c] = true
	}
	var bad []string
	for _, c := range categories {
		key := c
		if !p.CaseSensitive {
			key = strings.ToLower(key)
		}
		if !allowed[key] {
			bad = append(bad, c)
		}
	}
	if len(bad) > 0 {
		return fmt.Sprintf("categories not allowed: %s", strings.Join(bad, ", "))
	}
	return ""
}

func (p *Correctness) checkPoints(points uint64) string {
	switch p.PointsPolicy {
	case PointsMultipleOf:
		if p.PointsMult == 0 || points%p.PointsMult != 0 {
			return fmt.Sprintf("points must be a multiple of %d", p.PointsMult)
		}
	case PointsCustom:
		if p.PointsFn == nil || !p.PointsFn(points) {
			return "points fail the configured predicate"
		}
	}
	return ""
}
