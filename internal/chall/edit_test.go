package chall

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string       { return &s }
func uintPtr(v uint64) *uint64      { return &v }
func seqPtr(s []string) *[]string   { return &s }
func tagsPtr(s *[]string) **[]string { return &s }

const editSource = `name: "X"
value: 50
description: an old description
visible: true
categories:
  - web
flag: ARCS{flag}
`

func TestApply_EmptyModificationsIsNoOp(t *testing.T) {
	out, err := Apply([]byte(editSource), &Modifications{})
	require.NoError(t, err)
	assert.Equal(t, editSource, string(out))
}

func TestApply_NameAndPoints(t *testing.T) {
	out, err := Apply([]byte(editSource), &Modifications{
		Name:   strPtr("Y"),
		Points: uintPtr(75),
	})
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, "name: Y")
	assert.Contains(t, s, "value: 75")
	assert.NotContains(t, s, `"X"`)
	assert.NotContains(t, s, "value: 50")

	// Untouched keys are byte-identical.
	assert.Contains(t, s, "description: an old description\n")
	assert.Contains(t, s, "visible: true\n")
	assert.Contains(t, s, "flag: ARCS{flag}\n")
}

// Editor locality: everything before the value key and after its next sibling
// stays byte-identical when only the points change.
func TestApply_PointsEditIsLocal(t *testing.T) {
	src := []byte(editSource)
	out, err := Apply(src, &Modifications{Points: uintPtr(75)})
	require.NoError(t, err)

	valueAt := strings.Index(editSource, "value:")
	descAt := strings.Index(editSource, "description:")
	require.Greater(t, descAt, valueAt)

	assert.Equal(t, editSource[:valueAt], string(out[:valueAt]))
	wantSuffix := editSource[descAt:]
	assert.True(t, strings.HasSuffix(string(out), wantSuffix),
		"suffix after the edited key changed")
}

func TestApply_ReverifiesAfterEdit(t *testing.T) {
	out, err := Apply([]byte(editSource), &Modifications{
		Name:       strPtr("renamed"),
		Points:     uintPtr(300),
		Categories: seqPtr([]string{"crypto", "misc"}),
	})
	require.NoError(t, err)

	c, err := Verify(out)
	require.NoError(t, err)
	assert.Equal(t, "renamed", c.Name)
	assert.Equal(t, uint64(300), c.Points)
	assert.Equal(t, []string{"crypto", "misc"}, c.Categories)
}

func TestApply_EditsLastKeySpanToEOF(t *testing.T) {
	src := "name: x\nvalue: 10"
	out, err := Apply([]byte(src), &Modifications{Points: uintPtr(20)})
	require.NoError(t, err)
	assert.Equal(t, "name: x\nvalue: 20", string(out))
}

func TestApply_MultilineDescriptionUsesBlockStyle(t *testing.T) {
	out, err := Apply([]byte(editSource), &Modifications{
		Description: strPtr("line one\nline two\n"),
	})
	require.NoError(t, err)
	assert.Contains(t, string(out), "description: |")

	c, err := Verify(out)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", c.Description)
}

func TestApply_AppendsAbsentKeyAtEOF(t *testing.T) {
	tags := []string{"beginner", "stack"}
	out, err := Apply([]byte(editSource), &Modifications{Tags: tagsPtr(&tags)})
	require.NoError(t, err)

	s := string(out)
	assert.True(t, strings.HasPrefix(s, editSource[:len(editSource)-1]),
		"original document must be preserved before the appended key")
	assert.Contains(t, s, "tags:")
	assert.Contains(t, s, "beginner")
	assert.Contains(t, s, "stack")
}

func TestApply_TagsDoubleOption(t *testing.T) {
	withTags := editSource + "tags:\n  - old\n"

	t.Run("outer nil leaves tags alone", func(t *testing.T) {
		out, err := Apply([]byte(withTags), &Modifications{Name: strPtr("z")})
		require.NoError(t, err)
		assert.Contains(t, string(out), "- old")
	})

	t.Run("inner nil deletes the key", func(t *testing.T) {
		out, err := Apply([]byte(withTags), &Modifications{Tags: tagsPtr(nil)})
		require.NoError(t, err)
		assert.NotContains(t, string(out), "tags:")
		assert.NotContains(t, string(out), "- old")
	})

	t.Run("inner empty deletes the key", func(t *testing.T) {
		empty := []string{}
		out, err := Apply([]byte(withTags), &Modifications{Tags: tagsPtr(&empty)})
		require.NoError(t, err)
		assert.NotContains(t, string(out), "tags:")
	})

	t.Run("inner value replaces", func(t *testing.T) {
		tags := []string{"new"}
		out, err := Apply([]byte(withTags), &Modifications{Tags: tagsPtr(&tags)})
		require.NoError(t, err)
		assert.NotContains(t, string(out), "- old")
		assert.Contains(t, string(out), "new")
	})

	t.Run("deleting absent key is a no-op", func(t *testing.T) {
		out, err := Apply([]byte(editSource), &Modifications{Tags: tagsPtr(nil)})
		require.NoError(t, err)
		assert.Equal(t, editSource, string(out))
	})
}

func TestApply_UnparseableSource(t *testing.T) {
	_, err := Apply([]byte("a: [b,\n"), &Modifications{Name: strPtr("x")})
	assert.ErrorIs(t, err, ErrCannotApply)
}

func TestApply_NonMappingRoot(t *testing.T) {
	_, err := Apply([]byte("- a\n- b\n"), &Modifications{Name: strPtr("x")})
	assert.ErrorIs(t, err, ErrCannotApply)
}

func TestModifications_Empty(t *testing.T) {
	assert.True(t, (&Modifications{}).Empty())
	assert.False(t, (&Modifications{Name: strPtr("x")}).Empty())
	assert.False(t, (&Modifications{Tags: tagsPtr(nil)}).Empty())
}
