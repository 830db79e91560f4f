package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/orcha/pkg/models"
)

// MemoryStore keeps artifacts in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	items    []models.Artifact
	byID     map[string]int
	bySource map[string]int
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]int),
		bySource: make(map[string]int),
		now:      time.Now,
	}
}

// Create records an artifact unless source already has one.
func (m *MemoryStore) Create(_ context.Context, kind models.ArtifactKind, payload json.RawMessage, source models.SourceRef) (models.Artifact, error) {
	if err := validate(kind, source); err != nil {
		return models.Artifact{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if i, ok := m.bySource[source.Key()]; ok {
		return models.Artifact{}, fmt.Errorf("%s (existing %s): %w", source.Key(), m.items[i].ID, ErrDuplicateArtifact)
	}

	a := models.Artifact{
		ID:           uuid.New().String(),
		Kind:         kind,
		Payload:      slices.Clone(payload),
		SourceNodeID: source.NodeID,
		GraphID:      source.GraphID,
		SessionID:    source.SessionID,
		CreatedAt:    m.now().UTC(),
	}
	// Appends keep items in creation order even if the clock steps back.
	if n := len(m.items); n > 0 && a.CreatedAt.Before(m.items[n-1].CreatedAt) {
		a.CreatedAt = m.items[n-1].CreatedAt
	}
	m.items = append(m.items, a)
	m.byID[a.ID] = len(m.items) - 1
	m.bySource[source.Key()] = len(m.items) - 1
	return clone(a), nil
}

// Get returns the artifact with id.
func (m *MemoryStore) Get(_ context.Context, id string) (models.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[id]
	if !ok {
		return models.Artifact{}, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	return clone(m.items[i]), nil
}

// BySource returns the artifact produced by graphID/nodeID.
func (m *MemoryStore) BySource(_ context.Context, graphID, nodeID string) (models.Artifact, error) {
	key := models.SourceRef{GraphID: graphID, NodeID: nodeID}.Key()
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.bySource[key]
	if !ok {
		return models.Artifact{}, fmt.Errorf("artifact for %s: %w", key, ErrNotFound)
	}
	return clone(m.items[i]), nil
}

// ListByKind yields artifacts of kind in creation order. The lock is taken
// per step, so artifacts created during iteration may be observed.
func (m *MemoryStore) ListByKind(ctx context.Context, kind models.ArtifactKind) iter.Seq2[models.Artifact, error] {
	return func(yield func(models.Artifact, error) bool) {
		for i := 0; ; i++ {
			if err := ctx.Err(); err != nil {
				yield(models.Artifact{}, err)
				return
			}
			a, ok := m.at(i)
			if !ok {
				return
			}
			if a.Kind != kind {
				continue
			}
			if !yield(a, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) at(i int) (models.Artifact, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i >= len(m.items) {
		return models.Artifact{}, false
	}
	return clone(m.items[i]), true
}

// Len returns the number of stored artifacts.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func clone(a models.Artifact) models.Artifact {
	a.Payload = slices.Clone(a.Payload)
	return a
}
