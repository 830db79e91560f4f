package graph

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ShayCichocki/orcha/pkg/models"
)

// scenarioNodes builds A,B (concurrent) -> C (serial) -> D (serial, gated rule).
func scenarioNodes() []*models.TaskNode {
	return []*models.TaskNode{
		{ID: "A", Name: "Fetch events", Kind: models.NodeKindConcurrent},
		{ID: "B", Name: "Derive pattern", Kind: models.NodeKindConcurrent},
		{ID: "C", Name: "Draft rules", Kind: models.NodeKindSerial, DependsOn: []string{"A", "B"}},
		{
			ID: "D", Name: "Create rules", Kind: models.NodeKindSerial, DependsOn: []string{"C"},
			RequiresApproval: true, ApprovalKind: models.ApprovalAcceptDecline, ArtifactKind: models.ArtifactRule,
		},
	}
}

func newScenarioGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := New(Spec{ID: "g1", SessionID: "s1", Label: "scenario", Nodes: scenarioNodes()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return g
}

// runToCompletion starts the node and drives it to 100.
func runToCompletion(t *testing.T, g *Graph, id string) models.NodeState {
	t.Helper()
	if err := g.Start(id); err != nil {
		t.Fatalf("Start(%s) failed: %v", id, err)
	}
	state, err := g.ApplyProgress(id, 100)
	if err != nil {
		t.Fatalf("ApplyProgress(%s) failed: %v", id, err)
	}
	return state
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		nodes   []*models.TaskNode
		wantErr error
	}{
		{
			name:    "empty graph",
			nodes:   nil,
			wantErr: ErrInvalidGraph,
		},
		{
			name: "duplicate ids",
			nodes: []*models.TaskNode{
				{ID: "a", Kind: models.NodeKindConcurrent},
				{ID: "a", Kind: models.NodeKindConcurrent},
			},
			wantErr: ErrInvalidGraph,
		},
		{
			name: "unknown dependency",
			nodes: []*models.TaskNode{
				{ID: "a", Kind: models.NodeKindSerial, DependsOn: []string{"missing"}},
			},
			wantErr: ErrInvalidGraph,
		},
		{
			name: "concurrent node with dependency",
			nodes: []*models.TaskNode{
				{ID: "a", Kind: models.NodeKindConcurrent},
				{ID: "b", Kind: models.NodeKindConcurrent, DependsOn: []string{"a"}},
			},
			wantErr: ErrInvalidGraph,
		},
		{
			name: "approval without kind",
			nodes: []*models.TaskNode{
				{ID: "a", Kind: models.NodeKindConcurrent, RequiresApproval: true},
			},
			wantErr: ErrInvalidGraph,
		},
		{
			name: "artifact without gate",
			nodes: []*models.TaskNode{
				{ID: "a", Kind: models.NodeKindConcurrent, ArtifactKind: models.ArtifactRule},
			},
			wantErr: ErrInvalidGraph,
		},
		{
			name: "unknown kind",
			nodes: []*models.TaskNode{
				{ID: "a", Kind: "parallel"},
			},
			wantErr: ErrInvalidGraph,
		},
		{
			name: "cycle",
			nodes: []*models.TaskNode{
				{ID: "root", Kind: models.NodeKindConcurrent},
				{ID: "x", Kind: models.NodeKindSerial, DependsOn: []string{"root", "y"}},
				{ID: "y", Kind: models.NodeKindSerial, DependsOn: []string{"x"}},
			},
			wantErr: ErrCycleDetected,
		},
		{
			name: "self dependency",
			nodes: []*models.TaskNode{
				{ID: "x", Kind: models.NodeKindSerial, DependsOn: []string{"x"}},
			},
			wantErr: ErrCycleDetected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Spec{ID: "g", Nodes: tt.nodes})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_ResetsRuntimeFields(t *testing.T) {
	nodes := scenarioNodes()
	nodes[0].State = models.NodeStateDone
	nodes[0].Progress = 80
	nodes[0].ArtifactRef = "stale"

	g, err := New(Spec{ID: "g", Nodes: nodes})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	a, _ := g.Node("A")
	if a.State != models.NodeStatePending || a.Progress != 0 || a.ArtifactRef != "" {
		t.Errorf("node A not reset: %+v", a)
	}

	// Mutating the caller's slice must not leak into the graph.
	nodes[1].Name = "changed"
	b, _ := g.Node("B")
	if b.Name == "changed" {
		t.Error("graph shares node memory with caller")
	}
}

func TestReadyNodes_InsertionOrder(t *testing.T) {
	g := newScenarioGraph(t)

	got := g.ReadyNodes()
	want := []string{"A", "B"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ReadyNodes() = %v, want %v", got, want)
	}
}

func TestReadyNodes_NeverReturnsBlockedNode(t *testing.T) {
	g := newScenarioGraph(t)

	runToCompletion(t, g, "A")
	for _, id := range g.ReadyNodes() {
		if id == "C" {
			t.Fatal("C ready while B is incomplete")
		}
	}

	if err := g.Start("B"); err != nil {
		t.Fatalf("Start(B) failed: %v", err)
	}
	if _, err := g.ApplyProgress("B", 60); err != nil {
		t.Fatalf("ApplyProgress failed: %v", err)
	}
	if got := g.ReadyNodes(); len(got) != 0 {
		t.Errorf("ReadyNodes() = %v while B is running, want none", got)
	}

	if _, err := g.ApplyProgress("B", 40); err != nil {
		t.Fatalf("ApplyProgress failed: %v", err)
	}
	if got := g.ReadyNodes(); !reflect.DeepEqual(got, []string{"C"}) {
		t.Errorf("ReadyNodes() = %v, want [C]", got)
	}
}

func TestStart_RequiresSatisfiedDependencies(t *testing.T) {
	g := newScenarioGraph(t)

	err := g.Start("C")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Start(C) error = %v, want ErrInvalidTransition", err)
	}

	if err := g.Start("A"); err != nil {
		t.Fatalf("Start(A) failed: %v", err)
	}
	if err := g.Start("A"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Start(A) error = %v, want ErrInvalidTransition", err)
	}

	if err := g.Start("nope"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("Start(nope) error = %v, want ErrUnknownNode", err)
	}
}

func TestApplyProgress(t *testing.T) {
	g := newScenarioGraph(t)

	if _, err := g.ApplyProgress("A", 10); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("ApplyProgress on pending node error = %v, want ErrInvalidTransition", err)
	}

	if err := g.Start("A"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := g.ApplyProgress("A", -5); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("negative delta error = %v, want ErrInvalidTransition", err)
	}

	state, err := g.ApplyProgress("A", 45)
	if err != nil {
		t.Fatalf("ApplyProgress failed: %v", err)
	}
	if state != models.NodeStateRunning {
		t.Errorf("state = %s, want running", state)
	}

	state, err = g.ApplyProgress("A", 80)
	if err != nil {
		t.Fatalf("ApplyProgress failed: %v", err)
	}
	if state != models.NodeStateDone {
		t.Errorf("state = %s, want done", state)
	}
	a, _ := g.Node("A")
	if a.Progress != 100 {
		t.Errorf("progress = %v, want clamp to 100", a.Progress)
	}
	if a.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	// Progress reaches 100 exactly once.
	if _, err := g.ApplyProgress("A", 1); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("ApplyProgress after done error = %v, want ErrInvalidTransition", err)
	}
}

func TestComplete_StoresResult(t *testing.T) {
	g := newScenarioGraph(t)
	runToCompletion(t, g, "A")
	runToCompletion(t, g, "B")
	if err := g.Start("C"); err != nil {
		t.Fatalf("Start(C) failed: %v", err)
	}

	result := &models.NodeResult{Summary: "3 drafts", Metrics: map[string]float64{"lift": 0.42}}
	state, err := g.Complete("C", result)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if state != models.NodeStateDone {
		t.Errorf("state = %s, want done", state)
	}

	result.Metrics["lift"] = 0
	c, _ := g.Node("C")
	if c.Result == nil || c.Result.Metrics["lift"] != 0.42 {
		t.Errorf("result not copied: %+v", c.Result)
	}
}

func TestGatedNodeAwaitsApproval(t *testing.T) {
	g := newScenarioGraph(t)
	for _, id := range []string{"A", "B", "C"} {
		runToCompletion(t, g, id)
	}

	state := runToCompletion(t, g, "D")
	if state != models.NodeStateAwaitingApproval {
		t.Errorf("D state = %s, want awaiting_approval", state)
	}
	if got := g.Status(); got != models.GraphAwaitingApproval {
		t.Errorf("Status() = %s, want awaiting_approval", got)
	}
}

func TestFailAndRetry(t *testing.T) {
	g := newScenarioGraph(t)
	if err := g.Start("A"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := g.ApplyProgress("A", 30); err != nil {
		t.Fatalf("ApplyProgress failed: %v", err)
	}
	if err := g.Fail("A", "runner crashed"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	runToCompletion(t, g, "B")

	// C stays pending behind the failed node and the graph is stuck.
	for _, id := range g.ReadyNodes() {
		if id == "C" {
			t.Fatal("C became ready behind a failed dependency")
		}
	}
	if got := g.Status(); got != models.GraphFailed {
		t.Errorf("Status() = %s, want failed", got)
	}

	if err := g.Retry("A"); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	a, _ := g.Node("A")
	if a.State != models.NodeStatePending || a.Progress != 0 || a.ApprovalDecision != nil || a.Error != "" {
		t.Errorf("node not reset: %+v", a)
	}
	if got := g.ReadyNodes(); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("ReadyNodes() = %v, want [A]", got)
	}

	runToCompletion(t, g, "A")
	a, _ = g.Node("A")
	if a.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", a.Attempts)
	}

	if err := g.Retry("A"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Retry on done node error = %v, want ErrInvalidTransition", err)
	}
}

func TestCancel(t *testing.T) {
	g := newScenarioGraph(t)
	runToCompletion(t, g, "A")
	if err := g.Start("B"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cancelled := g.Cancel("operator cancelled")
	if !reflect.DeepEqual(cancelled, []string{"B", "C", "D"}) {
		t.Errorf("Cancel() = %v, want [B C D]", cancelled)
	}
	if again := g.Cancel("again"); again != nil {
		t.Errorf("second Cancel() = %v, want nil", again)
	}

	a, _ := g.Node("A")
	if a.State != models.NodeStateDone {
		t.Errorf("done node changed by cancel: %s", a.State)
	}
	b, _ := g.Node("B")
	if b.State != models.NodeStateFailed || b.Error != "operator cancelled" {
		t.Errorf("B = %s (%q), want failed with reason", b.State, b.Error)
	}
	if _, err := g.ApplyProgress("B", 10); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("ApplyProgress after cancel error = %v", err)
	}
	if got := g.Status(); got != models.GraphCancelled {
		t.Errorf("Status() = %s, want cancelled", got)
	}
	if err := g.Retry("B"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Retry after cancel error = %v, want ErrInvalidTransition", err)
	}
	if got := g.ReadyNodes(); got != nil {
		t.Errorf("ReadyNodes() after cancel = %v", got)
	}
}

func TestStatus_NonLoadBearingFailure(t *testing.T) {
	nodes := []*models.TaskNode{
		{ID: "cohorts", Kind: models.NodeKindConcurrent},
		{ID: "side", Kind: models.NodeKindConcurrent},
		{ID: "select", Kind: models.NodeKindSerial, DependsOn: []string{"cohorts"}},
	}
	g, err := New(Spec{ID: "g", Nodes: nodes})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := g.Start("side"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := g.Fail("side", "boom"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	runToCompletion(t, g, "cohorts")
	if got := g.Status(); got != models.GraphRunning {
		t.Errorf("Status() = %s, want running", got)
	}
	runToCompletion(t, g, "select")

	// The failed leaf blocks nothing, and a sink finished.
	if got := g.Status(); got != models.GraphDone {
		t.Errorf("Status() = %s, want done", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	g := newScenarioGraph(t)
	runToCompletion(t, g, "A")
	if err := g.Start("B"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := g.ApplyProgress("B", 37.5); err != nil {
		t.Fatalf("ApplyProgress failed: %v", err)
	}

	snap := g.Snapshot()
	restored, err := FromSnapshot(snap)
	if err != nil {
		t.Fatalf("FromSnapshot failed: %v", err)
	}

	if !reflect.DeepEqual(restored.Snapshot(), snap) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", restored.Snapshot(), snap)
	}
	b, _ := restored.Node("B")
	if b.State != models.NodeStateRunning || b.Progress != 37.5 {
		t.Errorf("restored B = %s/%v, want running/37.5", b.State, b.Progress)
	}
}

func TestFromSnapshot_RejectsUnknownState(t *testing.T) {
	snap := models.GraphSnapshot{
		ID:    "g",
		Nodes: []*models.TaskNode{{ID: "a", Kind: models.NodeKindConcurrent, State: "exploded"}},
	}
	if _, err := FromSnapshot(snap); !errors.Is(err, ErrInvalidGraph) {
		t.Errorf("FromSnapshot error = %v, want ErrInvalidGraph", err)
	}
}

func TestDependents(t *testing.T) {
	g := newScenarioGraph(t)
	if got := g.Dependents("A"); !reflect.DeepEqual(got, []string{"C"}) {
		t.Errorf("Dependents(A) = %v, want [C]", got)
	}
	if got := g.Dependents("D"); got != nil {
		t.Errorf("Dependents(D) = %v, want none", got)
	}
	if got := g.Dependencies("C"); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Errorf("Dependencies(C) = %v, want [A B]", got)
	}
}

func TestAwaitingRetry(t *testing.T) {
	g := awaitingScenario(t)
	if g.AwaitingRetry() {
		t.Error("graph without failures awaits retry")
	}
	if _, err := g.RecordApproval("D", false, "analyst1", nil); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if g.AwaitingRetry() {
		t.Error("a rejection is not a runner failure")
	}

	g = newScenarioGraph(t)
	if err := g.Start("A"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := g.Fail("A", "runner crashed"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	runToCompletion(t, g, "B")
	if !g.AwaitingRetry() {
		t.Error("runner failure should await retry")
	}
	g.Cancel("abandoned")
	if g.AwaitingRetry() {
		t.Error("cancelled graph awaits retry")
	}
}
