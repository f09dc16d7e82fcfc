package artifact

import (
	"math"

	"github.com/aretw0/orchestra/pkg/domain"
)

// Scorer computes the quality score of an artifact at store time.
type Scorer interface {
	Score(size int64, meta domain.ArtifactMeta) float64
}

// DefaultScorer weighs producer confidence, validation passes and payload size.
// Scores fall in [0, 1].
type DefaultScorer struct {
	ConfidenceWeight float64
	ValidationWeight float64
	SizeWeight       float64
	// MaxPasses is the validation-pass count that earns the full validation weight.
	MaxPasses int
}

// NewDefaultScorer returns the scorer used when none is configured.
func NewDefaultScorer() DefaultScorer {
	return DefaultScorer{
		ConfidenceWeight: 0.5,
		ValidationWeight: 0.3,
		SizeWeight:       0.2,
		MaxPasses:        5,
	}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Score implements Scorer.
func (s DefaultScorer) Score(size int64, meta domain.ArtifactMeta) float64 {
	conf := clamp01(meta.Confidence)

	passes := 0.0
	if s.MaxPasses > 0 {
		passes = clamp01(float64(meta.ValidationPasses) / float64(s.MaxPasses))
	}

	// log-scaled: empty payloads score 0, ~1 MB and above score 1
	sz := 0.0
	if size > 0 {
		sz = clamp01(math.Log10(float64(size)+1) / 6)
	}

	return clamp01(s.ConfidenceWeight*conf + s.ValidationWeight*passes + s.SizeWeight*sz)
}
