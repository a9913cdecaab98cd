package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	got, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got, 1e-9)

	got, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, got, 1e-9)

	got, err = CosineSimilarity([]float32{0, 0}, []float32{1, 1})
	require.NoError(t, err)
	assert.Zero(t, got)

	_, err = CosineSimilarity(nil, []float32{1})
	assert.ErrorIs(t, err, ErrEmptyVector)
	_, err = CosineSimilarity([]float32{1}, []float32{1, 2})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestTopK(t *testing.T) {
	items := []Scored[string]{{"a", 0.2}, {"b", 0.9}, {"c", 0.75}, {"d", 0.9}}
	got := TopK(items, 2, 0.5)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Item)
	assert.Equal(t, "d", got[1].Item)

	assert.Len(t, TopK(items, 10, 0.5), 3)
	assert.Empty(t, TopK(items, 3, 0.95))
}
