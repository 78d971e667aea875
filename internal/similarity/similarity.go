// Package similarity scores two embeddings and applies the match threshold.
package similarity

import (
	"errors"
	"fmt"
	"math"
)

// MatchThreshold is the score a comparison must strictly exceed to count as a match.
const MatchThreshold = 70.0

var ErrDimensionMismatch = errors.New("embedding dimensions differ")

// Result is the outcome of comparing two embeddings.
type Result struct {
	Cosine float64
	Score  float64
	Match  bool
}

// Cosine returns dot(a, b) / (|a| * |b|). It is 0 when either vector has zero
// magnitude.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
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

	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if math.IsNaN(cos) {
		return 0, nil
	}
	return math.Max(-1, math.Min(1, cos)), nil
}

// Score floors cos at zero, scales it to a percentage and rounds to two decimals.
func Score(cos float64) float64 {
	pct := math.Max(0, cos) * 100
	pct = math.Round(pct*100) / 100
	return math.Min(100, pct)
}

func IsMatch(score float64) bool {
	return score > MatchThreshold
}

// Compare runs the full scoring pipeline on two embeddings.
func Compare(a, b []float32) (Result, error) {
	cos, err := Cosine(a, b)
	if err != nil {
		return Result{}, err
	}
	score := Score(cos)
	return Result{Cosine: cos, Score: score, Match: IsMatch(score)}, nil
}
