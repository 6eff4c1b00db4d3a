package chall

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/arcs-ctf/deployd/internal/domain"
	"gopkg.in/yaml.v3"
)

// NodeKind is the closed set of YAML value kinds used in error messages.
type NodeKind string

const (
	KindNull     NodeKind = "null"
	KindBool     NodeKind = "bool"
	KindNumber   NodeKind = "number"
	KindString   NodeKind = "string"
	KindSequence NodeKind = "sequence"
	KindMapping  NodeKind = "mapping"
	KindTagged   NodeKind = "tagged"
)

// kindOf classifies a yaml node into the closed NodeKind enum.
func kindOf(n *yaml.Node) NodeKind {
	switch n.Kind {
	case yaml.SequenceNode:
		return KindSequence
	case yaml.MappingNode:
		return KindMapping
	case yaml.AliasNode:
		return KindTagged
	case yaml.ScalarNode:
		switch n.Tag {
		case "!!null", "":
			if n.Tag == "" && n.Value != "" {
				return KindString
			}
			return KindNull
		case "!!bool":
			return KindBool
		case "!!int", "!!float":
			return KindNumber
		case "!!str":
			return KindString
		default:
			return KindTagged
		}
	}
	return KindTagged
}

// FieldErrorKind distinguishes the per-field verification failures.
type FieldErrorKind string

const (
	ErrWrongType       FieldErrorKind = "wrong type"
	ErrMissingField    FieldErrorKind = "missing field"
	ErrInvalidCategory FieldErrorKind = "invalid category"
	ErrInvalidFlag     FieldErrorKind = "invalid flag"
	ErrInvalidFiles    FieldErrorKind = "invalid files"
	ErrInvalidDeploy   FieldErrorKind = "invalid deploy"
	ErrInvalidValue    FieldErrorKind = "invalid value"
)

// FieldError is one verification failure for a top-level field.
type FieldError struct {
	Field  string
	Kind   FieldErrorKind
	Detail string
}

func (e FieldError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Field, e.Kind, e.Detail)
}

// VerifyError aggregates every field error found in one document.
// Errors are collected, never short-circuited: the caller sees all top-level
// problems at once.
type VerifyError struct {
	Fields []FieldError
}

func (e *VerifyError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Error()
	}
	return "chall.yaml invalid: " + strings.Join(msgs, "; ")
}

func (e *VerifyError) add(field string, kind FieldErrorKind, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Kind: kind, Detail: fmt.Sprintf(format, args...)})
}

func (e *VerifyError) wrongType(field string, want NodeKind, got *yaml.Node) {
	e.add(field, ErrWrongType, "want %s, got %s", want, kindOf(got))
}

func (e *VerifyError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Verify parses a chall.yaml document into a Challenge shape.
//
// Parse failures and a non-mapping root are fatal and returned alone; once the
// root mapping is available, every top-level field is checked and all failures
// are aggregated into a single VerifyError.
func Verify(data []byte) (*Challenge, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse chall.yaml: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("parse chall.yaml: empty document")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("chall.yaml root must be a mapping, got %s", kindOf(root))
	}
	return verifyMapping(root)
}

func verifyMapping(root *yaml.Node) (*Challenge, error) {
	verr := &VerifyError{}
	c := &Challenge{}

	fields := topLevelFields(root)

	c.Name = requireString(fields, "name", verr)
	c.Description = requireString(fields, "description", verr)
	// Point value lives under the "value" key on disk.
	c.Points = requireUint(fields, "value", verr)
	c.Visible = requireBool(fields, "visible", verr)
	c.Categories = verifyCategories(fields["categories"], verr)
	c.Authors = optionalStringSeq(fields, "authors", verr)
	c.Hints = optionalStringSeq(fields, "hints", verr)
	c.Flag = verifyFlag(fields["flag"], verr)
	c.Files = verifyFiles(fields["files"], verr)
	c.Deploy = verifyDeploy(fields["deploy"], verr)

	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return c, nil
}

// topLevelFields indexes the root mapping's key/value pairs by key.
func topLevelFields(root *yaml.Node) map[string]*yaml.Node {
	out := make(map[string]*yaml.Node, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		out[root.Content[i].Value] = root.Content[i+1]
	}
	return out
}

func requireString(fields map[string]*yaml.Node, name string, verr *VerifyError) string {
	n, ok := fields[name]
	if !ok {
		verr.add(name, ErrMissingField, "")
		return ""
	}
	if kindOf(n) != KindString {
		verr.wrongType(name, KindString, n)
		return ""
	}
	return n.Value
}

func requireUint(fields map[string]*yaml.Node, name string, verr *VerifyError) uint64 {
	n, ok := fields[name]
	if !ok {
		verr.add(name, ErrMissingField, "")
		return 0
	}
	if kindOf(n) != KindNumber {
		verr.wrongType(name, KindNumber, n)
		return 0
	}
	v, err := strconv.ParseUint(n.Value, 10, 64)
	if err != nil {
		verr.add(name, ErrInvalidValue, "must be a non-negative integer")
		return 0
	}
	return v
}

func requireBool(fields map[string]*yaml.Node, name string, verr *VerifyError) bool {
	n, ok := fields[name]
	if !ok {
		verr.add(name, ErrMissingField, "")
		return false
	}
	if kindOf(n) != KindBool {
		verr.wrongType(name, KindBool, n)
		return false
	}
	return n.Value == "true"
}

func optionalStringSeq(fields map[string]*yaml.Node, name string, verr *VerifyError) []string {
	n, ok := fields[name]
	if !ok {
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		verr.wrongType(name, KindSequence, n)
		return nil
	}
	out := make([]string, 0, len(n.Content))
	for i, item := range n.Content {
		if kindOf(item) != KindString {
			verr.add(name, ErrWrongType, "item %d: want string, got %s", i, kindOf(item))
			continue
		}
		out = append(out, item.Value)
	}
	return out
}

// verifyCategories parses the required non-empty category set.
// Each name is reported individually when invalid.
func verifyCategories(n *yaml.Node, verr *VerifyError) []string {
	if n == nil {
		verr.add("categories", ErrMissingField, "")
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		verr.wrongType("categories", KindSequence, n)
		return nil
	}
	if len(n.Content) == 0 {
		verr.add("categories", ErrInvalidValue, "must not be empty")
		return nil
	}
	seen := make(map[string]bool, len(n.Content))
	out := make([]string, 0, len(n.Content))
	for _, item := range n.Content {
		if kindOf(item) != KindString || item.Value == "" {
			verr.add("categories", ErrInvalidCategory, "%q is not a category name", item.Value)
			continue
		}
		if seen[item.Value] {
			verr.add("categories", ErrInvalidCategory, "%q listed twice", item.Value)
			continue
		}
		seen[item.Value] = true
		out = append(out, item.Value)
	}
	return out
}

// verifyFlag parses the required flag field: either a literal string or a
// mapping {file: <relative path>}.
func verifyFlag(n *yaml.Node, verr *VerifyError) Flag {
	if n == nil {
		verr.add("flag", ErrMissingField, "")
		return Flag{}
	}
	switch n.Kind {
	case yaml.ScalarNode:
		if kindOf(n) != KindString || n.Value == "" {
			verr.add("flag", ErrInvalidFlag, "bad flag string")
			return Flag{}
		}
		return Flag{Kind: FlagLiteral, Value: n.Value}
	case yaml.MappingNode:
		fields := topLevelFields(n)
		fileNode, ok := fields["file"]
		if !ok {
			verr.add("flag", ErrInvalidFlag, "mapping is missing the file key")
			return Flag{}
		}
		if kindOf(fileNode) != KindString {
			verr.add("flag", ErrInvalidFlag, "file must be a string, got %s", kindOf(fileNode))
			return Flag{}
		}
		p := fileNode.Value
		if p == "" || path.IsAbs(p) || strings.Contains(p, "..") {
			verr.add("flag", ErrInvalidFlag, "bad flag path %q: must be relative inside the challenge", p)
			return Flag{}
		}
		return Flag{Kind: FlagFile, Value: p}
	default:
		verr.add("flag", ErrInvalidFlag, "want string or mapping, got %s", kindOf(n))
		return Flag{}
	}
}

// verifyFiles parses the optional files list. Failures are reported per index.
func verifyFiles(n *yaml.Node, verr *VerifyError) []File {
	if n == nil {
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		verr.wrongType("files", KindSequence, n)
		return nil
	}
	out := make([]File, 0, len(n.Content))
	for i, item := range n.Content {
		if item.Kind != yaml.MappingNode {
			verr.add("files", ErrInvalidFiles, "entry %d is not a mapping", i)
			continue
		}
		fields := topLevelFields(item)
		srcNode, ok := fields["src"]
		if !ok {
			verr.add("files", ErrInvalidFiles, "entry %d is missing src", i)
			continue
		}
		if kindOf(srcNode) != KindString {
			verr.add("files", ErrInvalidFiles, "entry %d: src must be a string, got %s", i, kindOf(srcNode))
			continue
		}
		src := srcNode.Value
		if src == "" || path.IsAbs(src) || strings.Contains(src, "..") {
			verr.add("files", ErrInvalidFiles, "entry %d: bad path %q", i, src)
			continue
		}
		f := File{Src: src}
		if ctNode, ok := fields["container"]; ok {
			ct := domain.ContainerType(strings.ToLower(ctNode.Value))
			if kindOf(ctNode) != KindString || !domain.ValidContainerType(ct) {
				verr.add("files", ErrInvalidFiles, "entry %d: unknown container type %q", i, ctNode.Value)
				continue
			}
			f.Container = ct
		}
		out = append(out, f)
	}
	return out
}

// verifyDeploy parses the optional deploy mapping, keyed by target type.
func verifyDeploy(n *yaml.Node, verr *VerifyError) map[domain.TargetType]*DeployTarget {
	if n == nil {
		return nil
	}
	if n.Kind != yaml.MappingNode {
		verr.wrongType("deploy", KindMapping, n)
		return nil
	}
	out := make(map[domain.TargetType]*DeployTarget)
	for i := 0; i+1 < len(n.Content); i += 2 {
		keyNode, valNode := n.Content[i], n.Content[i+1]
		target := domain.TargetType(strings.ToLower(keyNode.Value))
		switch target {
		case domain.TargetWeb, domain.TargetAdmin, domain.TargetNc:
		default:
			verr.add("deploy", ErrInvalidDeploy, "unknown target %q", keyNode.Value)
			continue
		}
		if valNode.Kind != yaml.MappingNode {
			verr.add("deploy", ErrInvalidDeploy, "%s: want mapping, got %s", target, kindOf(valNode))
			continue
		}

		dt := &DeployTarget{Replicas: 1, Build: "."}
		fields := topLevelFields(valNode)

		exposeNode, ok := fields["expose"]
		if !ok {
			verr.add("deploy", ErrInvalidDeploy, "%s: missing expose", target)
			continue
		}
		if kindOf(exposeNode) != KindString {
			verr.add("deploy", ErrInvalidDeploy, "%s: expose must be a string, got %s", target, kindOf(exposeNode))
			continue
		}
		expose, err := ParseExpose(exposeNode.Value)
		if err != nil {
			verr.add("deploy", ErrInvalidDeploy, "%s: %v", target, err)
			continue
		}
		dt.Expose = expose

		if repNode, ok := fields["replicas"]; ok {
			rep, err := strconv.ParseUint(repNode.Value, 10, 8)
			if kindOf(repNode) != KindNumber || err != nil || rep < 1 {
				verr.add("deploy", ErrInvalidDeploy, "%s: replicas must be in [1, 255]", target)
				continue
			}
			dt.Replicas = uint8(rep)
		}

		if buildNode, ok := fields["build"]; ok {
			if kindOf(buildNode) != KindString || buildNode.Value == "" ||
				path.IsAbs(buildNode.Value) || strings.Contains(buildNode.Value, "..") {
				verr.add("deploy", ErrInvalidDeploy, "%s: build must be a relative path", target)
				continue
			}
			dt.Build = buildNode.Value
		}

		out[target] = dt
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
