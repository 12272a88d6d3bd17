package knowledge

import (
	"errors"
	"fmt"
	"math"
)

var ErrDimensionMismatch = errors.New("knowledge: vector dimension mismatch")

// CosineSimilarity returns dot(a,b) / (|a|·|b|). A zero-norm input scores 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	if len(a) == 0 {
		return 0, errors.New("knowledge: cannot compare empty vectors")
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

// ValidateVector checks length and that every component is finite.
func ValidateVector(vector []float32, dimension int) error {
	if len(vector) == 0 {
		return errors.New("knowledge: empty embedding")
	}
	if dimension > 0 && len(vector) != dimension {
		return fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(vector), dimension)
	}
	for i, value := range vector {
		f := float64(value)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("knowledge: embedding component %d is not finite", i)
		}
	}
	return nil
}
