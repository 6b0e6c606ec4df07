package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID_New(t *testing.T) {
	t.Run("Should generate unique parseable ids", func(t *testing.T) {
		a := MustNewID()
		b := MustNewID()
		assert.NotEqual(t, a, b)
		assert.False(t, a.IsZero())
		parsed, err := ParseID(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, parsed)
	})
	t.Run("Should reject malformed ids", func(t *testing.T) {
		_, err := ParseID("not-a-ksuid")
		require.Error(t, err)
	})
}

func TestInput_Clone(t *testing.T) {
	t.Run("Should deep copy nested values", func(t *testing.T) {
		original := Input{"order": map[string]any{"id": "o-1"}}
		clone := original.Clone()
		clone["order"].(map[string]any)["id"] = "mutated"
		assert.Equal(t, "o-1", original["order"].(map[string]any)["id"])
	})
	t.Run("Should keep nil inputs nil", func(t *testing.T) {
		var in Input
		assert.Nil(t, in.Clone())
	})
}
