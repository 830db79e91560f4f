package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNodeState_Valid(t *testing.T) {
	tests := []struct {
		name  string
		state NodeState
		want  bool
	}{
		{"pending is valid", NodeStatePending, true},
		{"running is valid", NodeStateRunning, true},
		{"awaiting_approval is valid", NodeStateAwaitingApproval, true},
		{"approved is valid", NodeStateApproved, true},
		{"rejected is valid", NodeStateRejected, true},
		{"done is valid", NodeStateDone, true},
		{"failed is valid", NodeStateFailed, true},
		{"empty string is invalid", NodeState(""), false},
		{"typo state is invalid", NodeState("runing"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.Valid(); got != tt.want {
				t.Errorf("NodeState(%q).Valid() = %v, want %v", tt.state, got, tt.want)
			}
		})
	}
}

func TestNodeState_Terminal(t *testing.T) {
	terminal := map[NodeState]bool{
		NodeStateDone:     true,
		NodeStateFailed:   true,
		NodeStateRejected: true,
	}
	for _, s := range []NodeState{
		NodeStatePending, NodeStateRunning, NodeStateAwaitingApproval,
		NodeStateApproved, NodeStateRejected, NodeStateDone, NodeStateFailed,
	} {
		if got := s.Terminal(); got != terminal[s] {
			t.Errorf("NodeState(%q).Terminal() = %v, want %v", s, got, terminal[s])
		}
	}
}

func TestKinds_Valid(t *testing.T) {
	if !NodeKindSerial.Valid() || !NodeKindConcurrent.Valid() || NodeKind("parallel").Valid() {
		t.Error("unexpected NodeKind validity")
	}
	if !ApprovalApproveReject.Valid() || !ApprovalAcceptDecline.Valid() || ApprovalKind("yes_no").Valid() {
		t.Error("unexpected ApprovalKind validity")
	}
	for _, k := range []ArtifactKind{ArtifactRule, ArtifactFeature, ArtifactContact, ArtifactVariant, ArtifactOther} {
		if !k.Valid() {
			t.Errorf("ArtifactKind(%q) should be valid", k)
		}
	}
	if ArtifactKind("policy").Valid() {
		t.Error("unknown ArtifactKind should be invalid")
	}
}

func TestStatus_Terminal(t *testing.T) {
	if GraphRunning.Terminal() || GraphAwaitingApproval.Terminal() {
		t.Error("running graphs are not terminal")
	}
	if !GraphDone.Terminal() || !GraphFailed.Terminal() || !GraphCancelled.Terminal() {
		t.Error("done, failed and cancelled graphs are terminal")
	}
	if SessionActive.Terminal() {
		t.Error("active session is not terminal")
	}
	if !SessionCompleted.Terminal() || !SessionCompletedWithFailures.Terminal() || !SessionCancelled.Terminal() {
		t.Error("finished sessions are terminal")
	}
}

func TestTaskNode_Clone(t *testing.T) {
	decision := true
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := &TaskNode{
		ID:               "s3",
		DependsOn:        []string{"s2"},
		ApprovalDecision: &decision,
		StartedAt:        &started,
		ArtifactKind:     ArtifactRule,
		Result: &NodeResult{
			Summary: "2 rules",
			Payload: json.RawMessage(`{"rules":2}`),
			Metrics: map[string]float64{"lift": 0.42},
		},
	}

	c := n.Clone()
	c.DependsOn[0] = "changed"
	*c.ApprovalDecision = false
	*c.StartedAt = started.Add(time.Hour)
	c.Result.Payload[2] = 'X'
	c.Result.Metrics["lift"] = 0

	if n.DependsOn[0] != "s2" || !*n.ApprovalDecision || !n.StartedAt.Equal(started) {
		t.Error("clone shares node fields with the original")
	}
	if string(n.Result.Payload) != `{"rules":2}` || n.Result.Metrics["lift"] != 0.42 {
		t.Error("clone shares the result with the original")
	}
	if !n.ProducesArtifact() || !n.Decided() {
		t.Error("expected artifact-producing decided node")
	}
	if (*TaskNode)(nil).Clone() != nil {
		t.Error("nil clone should be nil")
	}
}

func TestSourceRef_Key(t *testing.T) {
	a := Artifact{ID: "a1", SessionID: "s", GraphID: "g", SourceNodeID: "n"}
	if got := a.Source().Key(); got != "g/n" {
		t.Errorf("Key() = %q, want g/n", got)
	}
}
