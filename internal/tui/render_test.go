package tui

import (
	"strings"
	"testing"

	"github.com/ShayCichocki/orcha/pkg/models"
)

func TestRenderEvent(t *testing.T) {
	names := map[string]string{NodeKey("g1", "s1"): "Request data access"}
	tests := []struct {
		name  string
		event models.Event
		want  string
	}{
		{
			name:  "started uses node name",
			event: models.Event{Type: models.EventNodeStarted, GraphID: "g1", NodeID: "s1"},
			want:  "▶ Request data access started",
		},
		{
			name:  "recovered start shows reason",
			event: models.Event{Type: models.EventNodeStarted, GraphID: "g1", NodeID: "s1", Reason: "recovered"},
			want:  "▶ Request data access started (recovered)",
		},
		{
			name:  "unknown node falls back to id",
			event: models.Event{Type: models.EventNodeAwaitingApproval, GraphID: "g2", NodeID: "s1"},
			want:  "? s1 needs approval",
		},
		{
			name:  "approval",
			event: models.Event{Type: models.EventNodeDone, GraphID: "g1", NodeID: "s1", Actor: "analyst1"},
			want:  "✓ Request data access done (approved by analyst1)",
		},
		{
			name:  "failure",
			event: models.Event{Type: models.EventNodeFailed, GraphID: "g1", NodeID: "s1", Reason: "timeout"},
			want:  "✗ Request data access failed: timeout",
		},
		{
			name:  "artifact",
			event: models.Event{Type: models.EventArtifactCreated, GraphID: "g1", NodeID: "s1", ArtifactID: "a-1", ArtifactKind: models.ArtifactRule},
			want:  "◆ rule artifact a-1 from Request data access",
		},
		{
			name:  "session",
			event: models.Event{Type: models.EventSessionCompleted, SessionStatus: models.SessionCompleted},
			want:  "■ session completed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderEvent(tt.event, names); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderSession(t *testing.T) {
	snap := testSnapshot()
	snap.Graphs[0].Nodes[1].Error = "rejected by analyst1"
	out := RenderSession(snap)
	for _, want := range []string{"Fraud review", "sess-1", "analysis", "Request data access", "rejected by analyst1"} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}
}

func TestNodeNames(t *testing.T) {
	names := NodeNames(testSnapshot())
	if names[NodeKey("g1", "s2")] != "Draft rules" {
		t.Errorf("unexpected names %v", names)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdefgh", 5); got != "ab..." {
		t.Errorf("got %q", got)
	}
	if got := truncate("abc", 5); got != "abc" {
		t.Errorf("got %q", got)
	}
}
