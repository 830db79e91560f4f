// Package artifact stores the durable outputs of approved task nodes.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/ShayCichocki/orcha/pkg/models"
)

var (
	// ErrDuplicateArtifact is returned when the source node already has an artifact.
	ErrDuplicateArtifact = errors.New("artifact already exists for source node")
	// ErrNotFound is returned when no artifact matches a lookup.
	ErrNotFound = errors.New("artifact not found")
)

// Store is an append-only artifact store. Create is create-if-absent per
// source node and is the only operation that mutates state.
type Store interface {
	// Create records a new artifact for source. It fails with
	// ErrDuplicateArtifact when source already produced one.
	Create(ctx context.Context, kind models.ArtifactKind, payload json.RawMessage, source models.SourceRef) (models.Artifact, error)
	// Get returns the artifact with the given ID.
	Get(ctx context.Context, id string) (models.Artifact, error)
	// BySource returns the artifact produced by a node.
	BySource(ctx context.Context, graphID, nodeID string) (models.Artifact, error)
	// ListByKind yields artifacts of kind ordered by creation time. Each
	// range over the sequence starts a fresh pass.
	ListByKind(ctx context.Context, kind models.ArtifactKind) iter.Seq2[models.Artifact, error]
}

func validate(kind models.ArtifactKind, source models.SourceRef) error {
	if !kind.Valid() {
		return fmt.Errorf("invalid artifact kind %q", kind)
	}
	if source.GraphID == "" || source.NodeID == "" {
		return fmt.Errorf("artifact source requires graph and node ids, got %q", source.Key())
	}
	return nil
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[models.Artifact, error]) ([]models.Artifact, error) {
	var out []models.Artifact
	for a, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, a)
	}
	return out, nil
}
