package chall

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrCannotApply is wrapped by every editor failure: unparseable source, a key
// that exists but cannot be located, or a printing failure.
var ErrCannotApply = errors.New("unable to apply modifications")

// Modifications describes an in-place edit of selected top-level keys.
//
// Nil pointers mean "leave alone". Tags is a double option: the outer pointer
// decides whether the field is touched at all, the inner decides the new
// value. An empty (or nil) inner slice deletes the tags key entirely.
type Modifications struct {
	Name        *string
	Description *string
	Points      *uint64
	Categories  *[]string
	Tags        **[]string
}

// Empty reports whether the modification set touches nothing.
func (m *Modifications) Empty() bool {
	return m.Name == nil && m.Description == nil && m.Points == nil &&
		m.Categories == nil && m.Tags == nil
}

// edit is one single-key change. The point value is stored under the
// top-level "value" key on disk.
type edit struct {
	key   string
	value *yaml.Node // nil means delete the key
}

// edits expands the modification set into ordered single-key edits.
func (m *Modifications) edits() []edit {
	var out []edit
	if m.Name != nil {
		out = append(out, edit{key: "name", value: scalarNode(*m.Name)})
	}
	if m.Description != nil {
		out = append(out, edit{key: "description", value: scalarNode(*m.Description)})
	}
	if m.Points != nil {
		out = append(out, edit{key: "value", value: intNode(*m.Points)})
	}
	if m.Categories != nil {
		out = append(out, edit{key: "categories", value: seqNode(*m.Categories)})
	}
	if m.Tags != nil {
		inner := *m.Tags
		if inner == nil || len(*inner) == 0 {
			out = append(out, edit{key: "tags", value: nil})
		} else {
			out = append(out, edit{key: "tags", value: seqNode(**m.Tags)})
		}
	}
	return out
}

func scalarNode(s string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
	if strings.Contains(s, "\n") {
		// Multi-line strings print in block style.
		n.Style = yaml.LiteralStyle
	}
	return n
}

func intNode(v uint64) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatUint(v, 10)}
}

func seqNode(items []string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, item := range items {
		n.Content = append(n.Content, scalarNode(item))
	}
	return n
}

// Apply edits the original document text, preserving the bytes of every
// untouched region. For each modified key the replaced span runs from the
// start of the key's line to the byte immediately before the next top-level
// key, right-trimmed of whitespace (to end of file for the last key). Absent
// keys with a new value are appended at end of document with a leading
// newline; deleting an absent key is a no-op.
func Apply(source []byte, mods *Modifications) ([]byte, error) {
	// Each edit shifts byte positions, so the document is re-parsed per edit.
	out := source
	var err error
	for _, e := range mods.edits() {
		out, err = applyOne(out, e)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func applyOne(source []byte, e edit) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(source, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrCannotApply, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 ||
		doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: document root is not a mapping", ErrCannotApply)
	}
	root := doc.Content[0]
	offsets := lineOffsets(source)

	// Locate the key among the top-level pairs.
	keyIdx := -1
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == e.key {
			keyIdx = i
			break
		}
	}

	if keyIdx == -1 {
		if e.value == nil {
			// Deleting a key that is not there: nothing to do.
			return source, nil
		}
		return appendKey(source, e)
	}

	start, err := byteOffset(offsets, root.Content[keyIdx].Line, len(source))
	if err != nil {
		return nil, fmt.Errorf("%w: locate %s: %v", ErrCannotApply, e.key, err)
	}

	end := len(source)
	if next := keyIdx + 2; next < len(root.Content) {
		end, err = byteOffset(offsets, root.Content[next].Line, len(source))
		if err != nil {
			return nil, fmt.Errorf("%w: locate key after %s: %v", ErrCannotApply, e.key, err)
		}
	}

	// Right-trim whitespace off the span; the trimmed tail stays in place.
	span := source[start:end]
	trimmed := bytes.TrimRight(span, " \t\r\n")
	tail := span[len(trimmed):]

	var block []byte
	if e.value != nil {
		block, err = printKeyValue(e.key, e.value)
		if err != nil {
			return nil, err
		}
	} else if len(tail) > 0 && tail[0] == '\n' {
		// Deleting the key: drop the span and one trailing newline.
		tail = tail[1:]
	}

	out := make([]byte, 0, len(source)-len(span)+len(block)+len(tail))
	out = append(out, source[:start]...)
	out = append(out, block...)
	out = append(out, tail...)
	out = append(out, source[end:]...)
	return out, nil
}

// appendKey adds a new key at end of document with a leading newline.
func appendKey(source []byte, e edit) ([]byte, error) {
	block, err := printKeyValue(e.key, e.value)
	if err != nil {
		return nil, err
	}
	out := bytes.TrimRight(source, " \t\r\n")
	out = append(out, '\n')
	out = append(out, block...)
	out = append(out, '\n')
	return out, nil
}

// printKeyValue renders one "key: value" block without a trailing newline.
// Output is non-compact (block style, two-space indent).
func printKeyValue(key string, value *yaml.Node) ([]byte, error) {
	pair := &yaml.Node{
		Kind: yaml.MappingNode,
		Tag:  "!!map",
		Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
			value,
		},
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(pair); err != nil {
		return nil, fmt.Errorf("%w: print %s: %v", ErrCannotApply, key, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("%w: print %s: %v", ErrCannotApply, key, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// lineOffsets returns the byte offset of the start of each 1-based line.
func lineOffsets(source []byte) []int {
	offsets := []int{0}
	for i, b := range source {
		if b == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

// byteOffset maps a 1-based line number to its starting byte offset.
func byteOffset(offsets []int, line, max int) (int, error) {
	if line < 1 || line > len(offsets) {
		return 0, fmt.Errorf("line %d out of range", line)
	}
	off := offsets[line-1]
	if off > max {
		return 0, fmt.Errorf("line %d beyond end of file", line)
	}
	return off, nil
}
