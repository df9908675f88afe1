package cache

import (
	"math"
	"time"

	"github.com/tierflow/tierflow/core"
)

type semanticEntry struct {
	fingerprint string
	vector      []float32
	norm        float64
	model       string
	tier        core.Tier
	createdAt   time.Time
}

// semanticIndex is a brute-force cosine similarity index over cached
// prompt embeddings. Entry counts track the LRU cache, which is
// bounded by bytes, so linear scans stay cheap in practice.
// Not safe for concurrent use; the owning Cache serializes access.
type semanticIndex struct {
	threshold float64
	ageLimit  time.Duration
	entries   map[string]*semanticEntry
}

func newSemanticIndex(threshold float64, ageLimit time.Duration) *semanticIndex {
	return &semanticIndex{
		threshold: threshold,
		ageLimit:  ageLimit,
		entries:   make(map[string]*semanticEntry),
	}
}

func (s *semanticIndex) add(fingerprint string, vector []float32, model string, tier core.Tier, createdAt time.Time) {
	s.entries[fingerprint] = &semanticEntry{
		fingerprint: fingerprint,
		vector:      vector,
		norm:        vectorNorm(vector),
		model:       model,
		tier:        tier,
		createdAt:   createdAt,
	}
}

func (s *semanticIndex) remove(fingerprint string) {
	delete(s.entries, fingerprint)
}

func (s *semanticIndex) clear() {
	s.entries = make(map[string]*semanticEntry)
}

// lookup returns the fingerprint of the most similar entry at or
// above the threshold, restricted to the same model and tier and to
// entries younger than the age limit. Returns "" when nothing
// qualifies.
func (s *semanticIndex) lookup(vector []float32, model string, tier core.Tier, now time.Time) string {
	queryNorm := vectorNorm(vector)
	if queryNorm == 0 {
		return ""
	}

	best := ""
	bestScore := s.threshold
	for _, e := range s.entries {
		if e.model != model || e.tier != tier {
			continue
		}
		if s.ageLimit > 0 && now.Sub(e.createdAt) > s.ageLimit {
			continue
		}
		score := cosine(vector, queryNorm, e.vector, e.norm)
		if score >= bestScore {
			best = e.fingerprint
			bestScore = score
		}
	}
	return best
}

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, normA float64, b []float32, normB float64) float64 {
	if len(a) != len(b) || normA == 0 || normB == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (normA * normB)
}
