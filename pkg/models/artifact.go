package models

import (
	"encoding/json"
	"time"
)

// ArtifactKind classifies durable outputs.
type ArtifactKind string

const (
	ArtifactRule    ArtifactKind = "rule"
	ArtifactFeature ArtifactKind = "feature"
	ArtifactContact ArtifactKind = "contact"
	ArtifactVariant ArtifactKind = "variant"
	ArtifactOther   ArtifactKind = "other"
)

// Valid returns true if the kind is a known value.
func (k ArtifactKind) Valid() bool {
	switch k {
	case ArtifactRule, ArtifactFeature, ArtifactContact, ArtifactVariant, ArtifactOther:
		return true
	default:
		return false
	}
}

// SourceRef identifies the node that produced an artifact.
// Node IDs are only unique within a graph, so the graph ID is part of the key.
type SourceRef struct {
	SessionID string `json:"session_id"`
	GraphID   string `json:"graph_id"`
	NodeID    string `json:"node_id"`
}

// Key returns the uniqueness key used by artifact stores.
func (r SourceRef) Key() string {
	return r.GraphID + "/" + r.NodeID
}

// Artifact is an approved output recorded for audit and downstream use.
type Artifact struct {
	ID           string          `json:"id"`
	Kind         ArtifactKind    `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	SourceNodeID string          `json:"source_node_id"`
	GraphID      string          `json:"graph_id"`
	SessionID    string          `json:"session_id"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Source returns the artifact's source reference.
func (a Artifact) Source() SourceRef {
	return SourceRef{SessionID: a.SessionID, GraphID: a.GraphID, NodeID: a.SourceNodeID}
}

// ApprovalRecord is one entry of the append-only approval audit log.
type ApprovalRecord struct {
	GraphID   string    `json:"graph_id"`
	NodeID    string    `json:"node_id"`
	Decision  bool      `json:"decision"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	// Override marks an explicit correction of an earlier rejection.
	Override bool   `json:"override,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
