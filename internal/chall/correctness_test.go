package chall

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseChallenge() *Challenge {
	return &Challenge{
		Name:       "pwn-intro",
		Points:     100,
		Categories: []string{"pwn"},
		Flag:       Flag{Kind: FlagLiteral, Value: "ARCS{x}"},
	}
}

func TestCorrectness_EmptyPolicyAcceptsEverything(t *testing.T) {
	p := &Correctness{}
	assert.NoError(t, p.Check(baseChallenge()))
}

func TestCorrectness_FlagPrefix(t *testing.T) {
	p := &Correctness{FlagPolicy: FlagPrefix, CompName: "ARCS"}

	assert.NoError(t, p.Check(baseChallenge()))

	c := baseChallenge()
	c.Flag = Flag{Kind: FlagLiteral, Value: "CTF{x}"}
	err := p.Check(c)
	var cerr *CorrectnessError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Aspects[0], "ARCS{")
}

func TestCorrectness_FlagFileSkipsFlagCheck(t *testing.T) {
	p := &Correctness{FlagPolicy: FlagPrefix, CompName: "ARCS"}
	c := baseChallenge()
	c.Flag = Flag{Kind: FlagFile, Value: "flag.txt"}
	assert.NoError(t, p.Check(c))
}

func TestCorrectness_FlagRegex(t *testing.T) {
	p := &Correctness{FlagPolicy: FlagRegex, FlagRe: regexp.MustCompile(`^ARCS\{[a-z_]+\}$`)}
	assert.NoError(t, p.Check(baseChallenge()))

	c := baseChallenge()
	c.Flag = Flag{Kind: FlagLiteral, Value: "ARCS{NOT LOWER}"}
	assert.Error(t, p.Check(c))
}

func TestCorrectness_CategoriesCaseInsensitive(t *testing.T) {
	p := &Correctness{Categories: []string{"Pwn", "Web"}}

	c := baseChallenge()
	c.Categories = []string{"pwn", "WEB"}
	assert.NoError(t, p.Check(c))

	c.Categories = []string{"pwn", "forensics"}
	err := p.Check(c)
	var cerr *CorrectnessError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Aspects[0], "forensics")
}

func TestCorrectness_CategoriesCaseSensitive(t *testing.T) {
	p := &Correctness{Categories: []string{"pwn"}, CaseSensitive: true}

	c := baseChallenge()
	c.Categories = []string{"Pwn"}
	assert.Error(t, p.Check(c))
}

func TestCorrectness_PointsMultipleOf(t *testing.T) {
	p := &Correctness{PointsPolicy: PointsMultipleOf, PointsMult: 25}
	assert.NoError(t, p.Check(baseChallenge()))

	c := baseChallenge()
	c.Points = 110
	assert.Error(t, p.Check(c))
}

func TestCorrectness_PointsCustom(t *testing.T) {
	p := &Correctness{PointsPolicy: PointsCustom, PointsFn: func(v uint64) bool { return v >= 50 }}
	assert.NoError(t, p.Check(baseChallenge()))

	c := baseChallenge()
	c.Points = 10
	assert.Error(t, p.Check(c))
}

func TestCorrectness_AggregatesAllAspects(t *testing.T) {
	p := &Correctness{
		FlagPolicy:   FlagPrefix,
		CompName:     "ARCS",
		Categories:   []string{"web"},
		PointsPolicy: PointsMultipleOf,
		PointsMult:   50,
	}
	c := baseChallenge()
	c.Flag = Flag{Kind: FlagLiteral, Value: "nope"}
	c.Categories = []string{"pwn"}
	c.Points = 99

	err := p.Check(c)
	var cerr *CorrectnessError
	require.ErrorAs(t, err, &cerr)
	assert.Len(t, cerr.Aspects, 3)
}
