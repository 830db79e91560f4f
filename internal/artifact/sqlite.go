package artifact

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/orcha/internal/state"
	"github.com/ShayCichocki/orcha/pkg/models"
)

// SQLiteStore keeps artifacts in the artifacts table of a state database.
// The (graph_id, source_node_id) unique constraint enforces one artifact
// per node across processes sharing the file.
type SQLiteStore struct {
	db  *state.DB
	now func() time.Time
}

// NewSQLiteStore creates a store over db. The caller must have run db.Migrate.
func NewSQLiteStore(db *state.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

const artifactColumns = "id, kind, payload, session_id, graph_id, source_node_id, created_at"

// Create inserts an artifact unless source already has one.
func (s *SQLiteStore) Create(ctx context.Context, kind models.ArtifactKind, payload json.RawMessage, source models.SourceRef) (models.Artifact, error) {
	if err := validate(kind, source); err != nil {
		return models.Artifact{}, err
	}

	a := models.Artifact{
		ID:           uuid.New().String(),
		Kind:         kind,
		Payload:      payload,
		SourceNodeID: source.NodeID,
		GraphID:      source.GraphID,
		SessionID:    source.SessionID,
		CreatedAt:    s.now().UTC(),
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (`+artifactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(graph_id, source_node_id) DO NOTHING
	`, a.ID, string(a.Kind), []byte(a.Payload), a.SessionID, a.GraphID, a.SourceNodeID, state.FormatTime(a.CreatedAt))
	if err != nil {
		return models.Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return models.Artifact{}, fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return models.Artifact{}, fmt.Errorf("%s: %w", source.Key(), ErrDuplicateArtifact)
	}
	return a, nil
}

// Get returns the artifact with id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (models.Artifact, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+artifactColumns+" FROM artifacts WHERE id = ?", id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Artifact{}, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	return a, err
}

// BySource returns the artifact produced by graphID/nodeID.
func (s *SQLiteStore) BySource(ctx context.Context, graphID, nodeID string) (models.Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+artifactColumns+" FROM artifacts WHERE graph_id = ? AND source_node_id = ?",
		graphID, nodeID)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Artifact{}, fmt.Errorf("artifact for %s/%s: %w", graphID, nodeID, ErrNotFound)
	}
	return a, err
}

// ListByKind streams artifacts of kind from the database in creation order.
// Rows are read as the caller pulls them; breaking out of the loop closes
// the cursor.
func (s *SQLiteStore) ListByKind(ctx context.Context, kind models.ArtifactKind) iter.Seq2[models.Artifact, error] {
	return func(yield func(models.Artifact, error) bool) {
		rows, err := s.db.QueryContext(ctx,
			"SELECT "+artifactColumns+" FROM artifacts WHERE kind = ? ORDER BY created_at, seq",
			string(kind))
		if err != nil {
			yield(models.Artifact{}, fmt.Errorf("list artifacts: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			a, err := scanArtifact(rows)
			if !yield(a, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(models.Artifact{}, fmt.Errorf("list artifacts: %w", err))
		}
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(sc scanner) (models.Artifact, error) {
	var (
		a         models.Artifact
		kind      string
		payload   []byte
		createdAt string
	)
	if err := sc.Scan(&a.ID, &kind, &payload, &a.SessionID, &a.GraphID, &a.SourceNodeID, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Artifact{}, err
		}
		return models.Artifact{}, fmt.Errorf("scan artifact: %w", err)
	}
	a.Kind = models.ArtifactKind(kind)
	if len(payload) > 0 {
		a.Payload = json.RawMessage(payload)
	}
	t, err := state.ParseTime(createdAt)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("parse created_at for %s: %w", a.ID, err)
	}
	a.CreatedAt = t
	return a, nil
}

// Compile-time verification that both backends implement Store.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
