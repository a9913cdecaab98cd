package utils

import (
	"errors"
	"math"
	"sort"
)

var (
	ErrEmptyVector       = errors.New("vectors cannot be empty")
	ErrDimensionMismatch = errors.New("vectors must have the same dimension")
)

// CosineSimilarity returns 0 when either vector has zero magnitude.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, ErrEmptyVector
	}
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

type Scored[T any] struct {
	Item  T
	Score float64
}

// TopK keeps items scoring at least threshold, best first, at most k of them.
// Ties keep input order.
func TopK[T any](items []Scored[T], k int, threshold float64) []Scored[T] {
	kept := make([]Scored[T], 0, len(items))
	for _, it := range items {
		if it.Score >= threshold {
			kept = append(kept, it)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	if k >= 0 && len(kept) > k {
		kept = kept[:k]
	}
	return kept
}
