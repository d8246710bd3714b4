package hivemind

import (
	"context"
	"sort"
	"sync"
)

type (
	// Index is a vector index over payload documents. The production
	// implementation is RediSearch (redis.go); the in-memory implementation
	// serves tests and single-process runs.
	Index interface {
		// Upsert stores or replaces the document under key.
		Upsert(ctx context.Context, key string, vec []float32, payload map[string]string) error
		// Search returns the k nearest documents by cosine similarity,
		// best first.
		Search(ctx context.Context, vec []float32, k int) ([]Hit, error)
	}

	// Hit is one search result.
	Hit struct {
		Key        string
		Similarity float64
		Payload    map[string]string
	}

	// MemIndex is a mutex-guarded brute-force Index.
	MemIndex struct {
		mu   sync.RWMutex
		docs map[string]memDoc
	}

	memDoc struct {
		vec     []float32
		payload map[string]string
	}
)

// NewMemIndex creates an empty in-memory index.
func NewMemIndex() *MemIndex {
	return &MemIndex{docs: make(map[string]memDoc)}
}

// Upsert stores a copy of the vector and payload under key.
func (m *MemIndex) Upsert(_ context.Context, key string, vec []float32, payload map[string]string) error {
	v := append([]float32(nil), vec...)
	p := make(map[string]string, len(payload))
	for k, val := range payload {
		p[k] = val
	}
	m.mu.Lock()
	m.docs[key] = memDoc{vec: v, payload: p}
	m.mu.Unlock()
	return nil
}

// Search scans all documents and returns the k most similar.
func (m *MemIndex) Search(_ context.Context, vec []float32, k int) ([]Hit, error) {
	m.mu.RLock()
	hits := make([]Hit, 0, len(m.docs))
	for key, doc := range m.docs {
		p := make(map[string]string, len(doc.payload))
		for pk, pv := range doc.payload {
			p[pk] = pv
		}
		hits = append(hits, Hit{Key: key, Similarity: Cosine(vec, doc.vec), Payload: p})
	}
	m.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}
