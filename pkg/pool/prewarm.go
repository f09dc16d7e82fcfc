package pool

import (
	"sort"
	"sync"

	"github.com/aretw0/orchestra/pkg/domain"
)

// Prewarmer predicts which resources will be requested next.
// Implementations are called off the allocation hot path.
type Prewarmer interface {
	// Observe records a requested spec.
	Observe(spec domain.ResourceSpec)
	// Predict returns specs likely to be requested after current.
	Predict(current domain.ResourceSpec) []domain.ResourceSpec
}

// NopPrewarmer disables predictive pre-warming.
type NopPrewarmer struct{}

func (NopPrewarmer) Observe(domain.ResourceSpec)                         {}
func (NopPrewarmer) Predict(domain.ResourceSpec) []domain.ResourceSpec { return nil }

// FrequencyPrewarmer keeps a sliding window of the last N requested specs and
// predicts the specs that most often followed the current one inside it.
type FrequencyPrewarmer struct {
	mu         sync.Mutex
	window     []domain.ResourceSpec
	next       int
	filled     bool
	minSupport int
	fanout     int
}

// NewFrequencyPrewarmer creates a predictor over a window of size entries.
// A successor must appear at least minSupport times to be predicted; at most
// fanout specs are returned per prediction.
func NewFrequencyPrewarmer(size, minSupport, fanout int) *FrequencyPrewarmer {
	if size < 2 {
		size = 2
	}
	if minSupport < 1 {
		minSupport = 1
	}
	if fanout < 1 {
		fanout = 1
	}
	return &FrequencyPrewarmer{
		window:     make([]domain.ResourceSpec, size),
		minSupport: minSupport,
		fanout:     fanout,
	}
}

// Observe appends spec to the window, overwriting the oldest entry when full.
func (p *FrequencyPrewarmer) Observe(spec domain.ResourceSpec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.window[p.next] = spec
	p.next = (p.next + 1) % len(p.window)
	if p.next == 0 {
		p.filled = true
	}
}

// ordered returns the window contents oldest first. Caller holds p.mu.
func (p *FrequencyPrewarmer) ordered() []domain.ResourceSpec {
	if !p.filled {
		return append([]domain.ResourceSpec(nil), p.window[:p.next]...)
	}
	out := make([]domain.ResourceSpec, 0, len(p.window))
	out = append(out, p.window[p.next:]...)
	return append(out, p.window[:p.next]...)
}

// Predict counts successors of current within the window.
func (p *FrequencyPrewarmer) Predict(current domain.ResourceSpec) []domain.ResourceSpec {
	p.mu.Lock()
	seq := p.ordered()
	p.mu.Unlock()

	key := current.Key()
	counts := make(map[string]int)
	specs := make(map[string]domain.ResourceSpec)
	for i := 0; i+1 < len(seq); i++ {
		if seq[i].Key() != key {
			continue
		}
		succ := seq[i+1]
		sk := succ.Key()
		if sk == key {
			continue
		}
		counts[sk]++
		specs[sk] = succ
	}

	type candidate struct {
		key   string
		count int
	}
	cands := make([]candidate, 0, len(counts))
	for k, c := range counts {
		if c >= p.minSupport {
			cands = append(cands, candidate{k, c})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].count != cands[j].count {
			return cands[i].count > cands[j].count
		}
		return cands[i].key < cands[j].key
	})
	if len(cands) > p.fanout {
		cands = cands[:p.fanout]
	}

	out := make([]domain.ResourceSpec, len(cands))
	for i, c := range cands {
		out[i] = specs[c.key]
	}
	return out
}
