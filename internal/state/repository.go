package state

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/ShayCichocki/orcha/pkg/models"
)

const (
	sessionPrefix = "sessions/"
	graphPrefix   = "graphs/"
)

func sessionKey(id string) string { return sessionPrefix + id }

func graphKey(sessionID, graphID string) string {
	return graphPrefix + sessionID + "/" + graphID
}

// Repository saves and loads session snapshots through a KV.
// Each graph is stored under its own key so a tick only rewrites the
// graphs it touched.
type Repository struct {
	kv KV
}

// NewRepository creates a repository over kv.
func NewRepository(kv KV) *Repository {
	return &Repository{kv: kv}
}

// SaveSession writes the session record and every graph it carries.
func (r *Repository) SaveSession(ctx context.Context, s models.SessionSnapshot) error {
	for _, g := range s.Graphs {
		if err := r.SaveGraph(ctx, g); err != nil {
			return err
		}
	}
	rec := s
	rec.Graphs = nil
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return r.kv.Put(ctx, sessionKey(s.ID), data)
}

// SaveGraph writes a single graph snapshot.
func (r *Repository) SaveGraph(ctx context.Context, g models.GraphSnapshot) error {
	if g.SessionID == "" {
		return fmt.Errorf("save graph %s: missing session id", g.ID)
	}
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode graph %s: %w", g.ID, err)
	}
	return r.kv.Put(ctx, graphKey(g.SessionID, g.ID), data)
}

// LoadSession reads a session and its graphs, ordered as in GraphIDs.
// Graph records not listed in GraphIDs are ignored.
func (r *Repository) LoadSession(ctx context.Context, id string) (models.SessionSnapshot, error) {
	data, err := r.kv.Get(ctx, sessionKey(id))
	if err != nil {
		return models.SessionSnapshot{}, fmt.Errorf("load session %s: %w", id, err)
	}
	var s models.SessionSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return models.SessionSnapshot{}, fmt.Errorf("decode session %s: %w", id, err)
	}

	entries, err := r.kv.List(ctx, graphPrefix+id+"/")
	if err != nil {
		return models.SessionSnapshot{}, fmt.Errorf("load graphs for %s: %w", id, err)
	}
	byID := make(map[string]models.GraphSnapshot, len(entries))
	for _, e := range entries {
		var g models.GraphSnapshot
		if err := json.Unmarshal(e.Value, &g); err != nil {
			return models.SessionSnapshot{}, fmt.Errorf("decode graph %s: %w", e.Key, err)
		}
		byID[g.ID] = g
	}
	s.Graphs = make([]models.GraphSnapshot, 0, len(s.GraphIDs))
	for _, gid := range s.GraphIDs {
		g, ok := byID[gid]
		if !ok {
			return models.SessionSnapshot{}, fmt.Errorf("load session %s: graph %s: %w", id, gid, ErrNotFound)
		}
		s.Graphs = append(s.Graphs, g)
	}
	return s, nil
}

// ListSessions returns every stored session record without its graphs,
// ordered by creation time.
func (r *Repository) ListSessions(ctx context.Context) ([]models.SessionSnapshot, error) {
	entries, err := r.kv.List(ctx, sessionPrefix)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sessions := make([]models.SessionSnapshot, 0, len(entries))
	for _, e := range entries {
		var s models.SessionSnapshot
		if err := json.Unmarshal(e.Value, &s); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", strings.TrimPrefix(e.Key, sessionPrefix), err)
		}
		sessions = append(sessions, s)
	}
	slices.SortStableFunc(sessions, func(a, b models.SessionSnapshot) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return sessions, nil
}

// DeleteSession removes a session and its graphs.
func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("delete session: empty id")
	}
	if _, err := r.kv.Delete(ctx, graphPrefix+id+"/"); err != nil {
		return fmt.Errorf("delete graphs for %s: %w", id, err)
	}
	if err := r.kv.Remove(ctx, sessionKey(id)); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}
