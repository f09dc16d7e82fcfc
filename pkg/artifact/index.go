package artifact

import (
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/aretw0/orchestra/pkg/domain"
)

// Index is an append-only inverted index from metadata tokens to artifact IDs.
type Index struct {
	mu       sync.RWMutex
	postings map[string]map[domain.ArtifactID]struct{}
	corrupt  bool

	rebuild sync.Mutex
	journal []domain.Artifact // Adds seen while a rebuild is running; nil otherwise
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{postings: make(map[string]map[domain.ArtifactID]struct{})}
}

// Tokenize lowercases s and splits it on anything that is not a letter or digit.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokensFor returns the searchable tokens of an artifact.
func tokensFor(a domain.Artifact) []string {
	var toks []string
	toks = append(toks, Tokenize(a.ContentType)...)
	toks = append(toks, Tokenize(a.Producer)...)
	for k, v := range a.Metadata {
		toks = append(toks, Tokenize(k)...)
		toks = append(toks, Tokenize(v)...)
	}
	return toks
}

// Add indexes a under each of its tokens.
func (ix *Index) Add(a domain.Artifact) {
	toks := tokensFor(a)
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.journal != nil {
		ix.journal = append(ix.journal, a)
	}
	ix.insert(a.ID, toks)
}

func (ix *Index) insert(id domain.ArtifactID, toks []string) {
	for _, tok := range toks {
		set, ok := ix.postings[tok]
		if !ok {
			set = make(map[domain.ArtifactID]struct{})
			ix.postings[tok] = set
		}
		set[id] = struct{}{}
	}
}

// Search returns the IDs that carry every token of query, sorted.
// An empty query matches nothing.
func (ix *Index) Search(query string) []domain.ArtifactID {
	toks := Tokenize(query)
	if len(toks) == 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	// intersect starting from the smallest posting list
	sets := make([]map[domain.ArtifactID]struct{}, 0, len(toks))
	for _, tok := range toks {
		set, ok := ix.postings[tok]
		if !ok {
			return nil
		}
		sets = append(sets, set)
	}
	sort.Slice(sets, func(i, j int) bool { return len(sets[i]) < len(sets[j]) })

	var out []domain.ArtifactID
outer:
	for id := range sets[0] {
		for _, set := range sets[1:] {
			if _, ok := set[id]; !ok {
				continue outer
			}
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarkCorrupt flags the index for a rebuild on next use.
func (ix *Index) MarkCorrupt() {
	ix.mu.Lock()
	ix.corrupt = true
	ix.mu.Unlock()
}

// Corrupt reports whether the index needs a rebuild.
func (ix *Index) Corrupt() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.corrupt
}

// Rebuild replaces the contents of the index with the artifacts snapshot
// returns. Adds that land while the rebuild runs are carried into the new
// postings, so nothing stored after the snapshot goes missing.
func (ix *Index) Rebuild(snapshot func() []domain.Artifact) {
	ix.rebuild.Lock()
	defer ix.rebuild.Unlock()

	ix.mu.Lock()
	ix.journal = make([]domain.Artifact, 0)
	ix.mu.Unlock()

	fresh := NewIndex()
	for _, a := range snapshot() {
		fresh.Add(a)
	}

	ix.mu.Lock()
	for _, a := range ix.journal {
		fresh.insert(a.ID, tokensFor(a))
	}
	ix.postings = fresh.postings
	ix.journal = nil
	ix.corrupt = false
	ix.mu.Unlock()
}

// Tokens returns the number of distinct tokens.
func (ix *Index) Tokens() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.postings)
}
