package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/orcha/internal/artifact"
	"github.com/ShayCichocki/orcha/internal/graph"
	"github.com/ShayCichocki/orcha/internal/runner"
	"github.com/ShayCichocki/orcha/internal/state"
	"github.com/ShayCichocki/orcha/pkg/models"
)

// chainNodes builds A, B (concurrent) -> C (serial) -> D (approval, rule).
func chainNodes() []*models.TaskNode {
	return []*models.TaskNode{
		{ID: "A", Name: "Fetch transactions", Kind: models.NodeKindConcurrent},
		{ID: "B", Name: "Fetch chargebacks", Kind: models.NodeKindConcurrent},
		{ID: "C", Name: "Analyze patterns", Kind: models.NodeKindSerial, DependsOn: []string{"A", "B"}},
		{
			ID: "D", Name: "Draft rule", Kind: models.NodeKindSerial, DependsOn: []string{"C"},
			RequiresApproval: true, ApprovalKind: models.ApprovalAcceptDecline, ArtifactKind: models.ArtifactRule,
		},
	}
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%d", n.Add(1)) }
}

type fixture struct {
	svc    *Service
	runner *runner.Scripted
	sid    string
	gid    string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	r := runner.NewScripted(runner.DefaultStep, 0)
	opts = append([]Option{WithIDGenerator(sequentialIDs())}, opts...)
	svc := NewService(r, opts...)
	t.Cleanup(svc.Close)

	snap, err := svc.CreateSession(context.Background(), SessionSpec{
		Title:  "Fraud Pattern Analysis",
		Owner:  "analyst1",
		Graphs: []GraphSpec{{Label: "fraud", Nodes: chainNodes()}},
	})
	require.NoError(t, err)
	require.Len(t, snap.GraphIDs, 1)
	return &fixture{svc: svc, runner: r, sid: snap.ID, gid: snap.GraphIDs[0]}
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, f.svc.Scheduler().TickSession(context.Background(), f.sid))
}

func (f *fixture) drive(t *testing.T) models.SessionSnapshot {
	t.Helper()
	snap, err := f.svc.Drive(context.Background(), f.sid, 0)
	require.NoError(t, err)
	return snap
}

func (f *fixture) node(t *testing.T, id string) *models.TaskNode {
	t.Helper()
	snap, err := f.svc.Session(f.sid)
	require.NoError(t, err)
	for _, n := range snap.Graphs[0].Nodes {
		if n.ID == id {
			return n
		}
	}
	t.Fatalf("node %s not found", id)
	return nil
}

func (f *fixture) graphStatus(t *testing.T) models.GraphStatus {
	t.Helper()
	snap, err := f.svc.Session(f.sid)
	require.NoError(t, err)
	return snap.Graphs[0].Status
}

func (f *fixture) artifacts(t *testing.T) []models.Artifact {
	t.Helper()
	arts, err := artifact.Collect(f.svc.Artifacts().ListByKind(context.Background(), models.ArtifactRule))
	require.NoError(t, err)
	return arts
}

func eventTypes(events []models.Event) []models.EventType {
	out := make([]models.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func findEvent(events []models.Event, typ models.EventType, nodeID string) (models.Event, bool) {
	for _, e := range events {
		if e.Type == typ && e.NodeID == nodeID {
			return e, true
		}
	}
	return models.Event{}, false
}

func TestService_ApprovePath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.tick(t)
	assert.Equal(t, models.NodeStateRunning, f.node(t, "A").State)
	assert.Equal(t, models.NodeStateRunning, f.node(t, "B").State)
	assert.Equal(t, models.NodeStatePending, f.node(t, "C").State)

	f.tick(t)
	assert.Equal(t, models.NodeStateDone, f.node(t, "A").State)
	assert.Equal(t, models.NodeStateDone, f.node(t, "B").State)
	assert.Equal(t, 100.0, f.node(t, "A").Progress)
	assert.Equal(t, models.NodeStateRunning, f.node(t, "C").State)

	f.tick(t)
	f.tick(t)
	d := f.node(t, "D")
	assert.Equal(t, models.NodeStateAwaitingApproval, d.State)
	assert.Equal(t, models.GraphAwaitingApproval, f.graphStatus(t))
	assert.Empty(t, f.artifacts(t))

	dec, err := f.svc.Decide(ctx, f.sid, f.gid, "D", "analyst1", true)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStateDone, dec.State)
	require.NotEmpty(t, dec.ArtifactID)

	arts := f.artifacts(t)
	require.Len(t, arts, 1)
	assert.Equal(t, "D", arts[0].SourceNodeID)
	assert.Equal(t, f.gid, arts[0].GraphID)
	assert.Equal(t, dec.ArtifactID, arts[0].ID)
	assert.Equal(t, dec.ArtifactID, f.node(t, "D").ArtifactRef)

	assert.Equal(t, models.GraphDone, f.graphStatus(t))
	snap, err := f.svc.Session(f.sid)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, snap.Status)
	assert.NotNil(t, snap.ClosedAt)

	events, err := f.svc.Events(f.sid)
	require.NoError(t, err)
	tail := eventTypes(events[len(events)-4:])
	assert.Equal(t, []models.EventType{
		models.EventArtifactCreated,
		models.EventNodeDone,
		models.EventGraphCompleted,
		models.EventSessionCompleted,
	}, tail)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, f.sid, e.SessionID)
	}
}

func TestService_ProgressNeverReaches100BeforeResult(t *testing.T) {
	f := newFixture(t)
	f.runner.SetPlan("A", runner.Plan{Steps: []float64{60, 60, 60}})
	f.tick(t)
	f.tick(t)

	events, err := f.svc.Events(f.sid)
	require.NoError(t, err)
	for _, e := range events {
		if e.Type == models.EventNodeProgress {
			assert.Less(t, e.Progress, 100.0, "progress event for %s", e.NodeID)
		}
	}
	assert.Equal(t, 100.0, f.node(t, "A").Progress)
}

func TestService_RejectPath(t *testing.T) {
	f := newFixture(t)
	f.drive(t)
	require.Equal(t, models.NodeStateAwaitingApproval, f.node(t, "D").State)

	dec, err := f.svc.Decide(context.Background(), f.sid, f.gid, "D", "analyst1", false)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStateRejected, dec.State)
	assert.Empty(t, dec.ArtifactID)
	assert.Empty(t, f.artifacts(t))
	assert.Equal(t, models.GraphFailed, f.graphStatus(t))

	snap, err := f.svc.Session(f.sid)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompletedWithFailures, snap.Status)

	e, ok := findEvent(snap.Events, models.EventNodeRejected, "D")
	require.True(t, ok)
	assert.Equal(t, "analyst1", e.Actor)
	assert.NotEmpty(t, e.Reason)
}

func TestService_DecideIsIdempotent(t *testing.T) {
	f := newFixture(t, WithHoldOpen(true))
	ctx := context.Background()
	f.drive(t)

	_, err := f.svc.Decide(ctx, f.sid, f.gid, "D", "analyst1", true)
	require.NoError(t, err)
	dec, err := f.svc.Decide(ctx, f.sid, f.gid, "D", "analyst1", true)
	require.NoError(t, err)
	assert.True(t, dec.Duplicate)
	assert.Equal(t, models.NodeStateDone, dec.State)

	snap, err := f.svc.Session(f.sid)
	require.NoError(t, err)
	assert.Len(t, snap.Graphs[0].Approvals, 1)
	assert.Len(t, f.artifacts(t), 1)
}

func TestService_ConflictingDecision(t *testing.T) {
	f := newFixture(t, WithHoldOpen(true))
	ctx := context.Background()
	f.drive(t)

	_, err := f.svc.Decide(ctx, f.sid, f.gid, "D", "analyst1", true)
	require.NoError(t, err)

	_, err = f.svc.Decide(ctx, f.sid, f.gid, "D", "analyst2", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrConflictingDecision)
	assert.ErrorIs(t, err, graph.ErrAlreadyDecided)

	var conflict *graph.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "analyst1", conflict.DecidedBy)

	events, err := f.svc.Events(f.sid)
	require.NoError(t, err)
	e, ok := findEvent(events, models.EventApprovalConflict, "D")
	require.True(t, ok)
	require.NotNil(t, e.OriginalDecision)
	require.NotNil(t, e.RejectedDecision)
	assert.True(t, *e.OriginalDecision)
	assert.False(t, *e.RejectedDecision)
	assert.Equal(t, "analyst2", e.Actor)

	assert.Equal(t, models.NodeStateDone, f.node(t, "D").State)
	assert.Len(t, f.artifacts(t), 1)
}

func TestService_DecideBeforeAwaiting(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Decide(context.Background(), f.sid, f.gid, "D", "analyst1", true)
	assert.ErrorIs(t, err, graph.ErrNotAwaitingApproval)

	_, err = f.svc.Decide(context.Background(), f.sid, "nope", "D", "analyst1", true)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Decide(context.Background(), "nope", f.gid, "D", "analyst1", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_RunnerFailureIsLocal(t *testing.T) {
	f := newFixture(t, WithHoldOpen(true))
	f.runner.SetPlan("A", runner.Plan{Fail: "warehouse timeout"})
	f.drive(t)

	a := f.node(t, "A")
	assert.Equal(t, models.NodeStateFailed, a.State)
	assert.Contains(t, a.Error, "warehouse timeout")
	assert.Equal(t, models.NodeStateDone, f.node(t, "B").State)
	assert.Equal(t, models.NodeStatePending, f.node(t, "C").State)
	assert.Equal(t, models.GraphFailed, f.graphStatus(t))

	events, err := f.svc.Events(f.sid)
	require.NoError(t, err)
	e, ok := findEvent(events, models.EventNodeFailed, "A")
	require.True(t, ok)
	assert.Contains(t, e.Reason, "warehouse timeout")
}

func TestService_Retry(t *testing.T) {
	f := newFixture(t, WithHoldOpen(true))
	ctx := context.Background()
	f.runner.SetPlan("C", runner.Plan{FailAttempts: 1})
	f.drive(t)

	require.Equal(t, models.NodeStateFailed, f.node(t, "C").State)
	require.Equal(t, models.GraphFailed, f.graphStatus(t))

	require.NoError(t, f.svc.Retry(ctx, f.sid, f.gid, "C"))
	c := f.node(t, "C")
	assert.Equal(t, models.NodeStatePending, c.State)
	assert.Equal(t, 0.0, c.Progress)
	assert.Nil(t, c.ApprovalDecision)
	assert.Equal(t, models.GraphRunning, f.graphStatus(t))

	f.drive(t)
	assert.Equal(t, models.NodeStateDone, f.node(t, "C").State)
	assert.Equal(t, 2, f.node(t, "C").Attempts)
	assert.Equal(t, models.NodeStateAwaitingApproval, f.node(t, "D").State)

	_, err := f.svc.Decide(ctx, f.sid, f.gid, "D", "analyst1", true)
	require.NoError(t, err)

	events, err := f.svc.Events(f.sid)
	require.NoError(t, err)
	completions := 0
	for _, e := range events {
		if e.Type == models.EventGraphCompleted {
			completions++
		}
	}
	assert.Equal(t, 2, completions, "failed then done")
	_, ok := findEvent(events, models.EventNodeRetried, "C")
	assert.True(t, ok)

	status, err := f.svc.CloseSession(ctx, f.sid)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, status)
}

func TestService_RetryWithoutHoldOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.runner.SetPlan("C", runner.Plan{FailAttempts: 1})
	snap := f.drive(t)

	require.Equal(t, models.NodeStateFailed, f.node(t, "C").State)
	assert.Equal(t, models.GraphFailed, f.graphStatus(t))
	assert.Equal(t, models.SessionActive, snap.Status, "runner failure must leave the session open")
	_, ok := findEvent(snap.Events, models.EventGraphCompleted, "")
	assert.True(t, ok, "failed graph is still announced")
	_, ok = findEvent(snap.Events, models.EventSessionCompleted, "")
	assert.False(t, ok)

	require.NoError(t, f.svc.Retry(ctx, f.sid, f.gid, "C"))
	f.drive(t)
	assert.Equal(t, models.NodeStateDone, f.node(t, "C").State)
	assert.Equal(t, models.NodeStateAwaitingApproval, f.node(t, "D").State)

	_, err := f.svc.Decide(ctx, f.sid, f.gid, "D", "analyst1", true)
	require.NoError(t, err)
	got, err := f.svc.Session(f.sid)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, got.Status)
}

func TestService_RunnerFailureThenClose(t *testing.T) {
	f := newFixture(t)
	f.runner.SetPlan("A", runner.Plan{Fail: "warehouse timeout"})
	snap := f.drive(t)
	require.Equal(t, models.SessionActive, snap.Status)

	status, err := f.svc.CloseSession(context.Background(), f.sid)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompletedWithFailures, status)

	err = f.svc.Retry(context.Background(), f.sid, f.gid, "A")
	assert.ErrorIs(t, err, ErrSessionTerminated)
}

func TestService_ConflictOnCompletedSession(t *testing.T) {
	m := NewMetrics()
	f := newFixture(t, WithMetrics(m))
	ctx := context.Background()
	f.drive(t)

	_, err := f.svc.Decide(ctx, f.sid, f.gid, "D", "analyst1", false)
	require.NoError(t, err)
	snap, err := f.svc.Session(f.sid)
	require.NoError(t, err)
	require.Equal(t, models.SessionCompletedWithFailures, snap.Status)

	dec, err := f.svc.Decide(ctx, f.sid, f.gid, "D", "analyst2", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrConflictingDecision)
	assert.NotErrorIs(t, err, ErrSessionTerminated)
	assert.Equal(t, models.NodeStateRejected, dec.State)

	var conflict *graph.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.False(t, conflict.Original)
	assert.True(t, conflict.Rejected)
	assert.Equal(t, "analyst1", conflict.DecidedBy)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts))

	events, err := f.svc.Events(f.sid)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, models.EventApprovalConflict, last.Type)
	assert.Equal(t, "D", last.NodeID)
	assert.Equal(t, "analyst2", last.Actor)
	require.NotNil(t, last.OriginalDecision)
	require.NotNil(t, last.RejectedDecision)
	assert.False(t, *last.OriginalDecision)
	assert.True(t, *last.RejectedDecision)

	// The decision itself is untouched.
	assert.Equal(t, models.NodeStateRejected, f.node(t, "D").State)
	assert.Empty(t, f.artifacts(t))

	// Repeating the recorded decision is not a conflict.
	_, err = f.svc.Decide(ctx, f.sid, f.gid, "D", "analyst1", false)
	assert.ErrorIs(t, err, ErrSessionTerminated)
}

func TestService_RetryRejected(t *testing.T) {
	f := newFixture(t, WithHoldOpen(true))
	ctx := context.Background()
	f.drive(t)
	_, err := f.svc.Decide(ctx, f.sid, f.gid, "D", "analyst1", false)
	require.NoError(t, err)

	require.NoError(t, f.svc.Retry(ctx, f.sid, f.gid, "D"))
	assert.Nil(t, f.node(t, "D").ApprovalDecision)

	f.drive(t)
	_, err = f.svc.Decide(ctx, f.sid, f.gid, "D", "analyst1", true)
	require.NoError(t, err)
	assert.Len(t, f.artifacts(t), 1)
}

func TestService_Override(t *testing.T) {
	f := newFixture(t, WithHoldOpen(true))
	ctx := context.Background()
	f.drive(t)

	_, err := f.svc.Decide(ctx, f.sid, f.gid, "D", "analyst1", false)
	require.NoError(t, err)

	dec, err := f.svc.Override(ctx, f.sid, f.gid, "D", "lead", "rule reviewed offline")
	require.NoError(t, err)
	assert.Equal(t, models.NodeStateDone, dec.State)
	require.NotNil(t, dec.Record)
	assert.True(t, dec.Record.Override)
	assert.Len(t, f.artifacts(t), 1)
	assert.Equal(t, models.GraphDone, f.graphStatus(t))

	_, err = f.svc.Override(ctx, f.sid, f.gid, "D", "lead", "again")
	assert.ErrorIs(t, err, graph.ErrInvalidTransition)
}

func TestService_CancelSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.runner.SetPlan("A", runner.Plan{Block: true})
	f.tick(t)
	f.tick(t)

	require.NoError(t, f.svc.CancelSession(ctx, f.sid, "operator request"))
	snap, err := f.svc.Session(f.sid)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCancelled, snap.Status)
	assert.Equal(t, models.GraphCancelled, snap.Graphs[0].Status)
	for _, n := range snap.Graphs[0].Nodes {
		assert.True(t, n.State.Terminal(), "node %s is %s", n.ID, n.State)
	}
	assert.Equal(t, models.NodeStateDone, f.node(t, "B").State)
	assert.Equal(t, models.NodeStateFailed, f.node(t, "A").State)
	assert.Empty(t, f.artifacts(t))

	types := eventTypes(snap.Events)
	assert.Contains(t, types, models.EventSessionCancelled)

	require.NoError(t, f.svc.CancelSession(ctx, f.sid, "again"))
	again, err := f.svc.Events(f.sid)
	require.NoError(t, err)
	assert.Len(t, again, len(snap.Events))

	_, err = f.svc.Decide(ctx, f.sid, f.gid, "D", "analyst1", true)
	assert.ErrorIs(t, err, ErrSessionTerminated)
}

func TestService_CancelCompletedSession(t *testing.T) {
	f := newFixture(t, WithAutoApprove("auto"))
	snap := f.drive(t)
	require.Equal(t, models.SessionCompleted, snap.Status)

	err := f.svc.CancelSession(context.Background(), f.sid, "late")
	assert.ErrorIs(t, err, ErrSessionTerminated)
}

func TestService_CancelGraph(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tick(t)

	require.NoError(t, f.svc.CancelGraph(ctx, f.sid, f.gid, "wrong data"))
	require.NoError(t, f.svc.CancelGraph(ctx, f.sid, f.gid, "wrong data"))

	snap, err := f.svc.Session(f.sid)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompletedWithFailures, snap.Status)
	assert.Equal(t, models.GraphCancelled, snap.Graphs[0].Status)
}

func TestService_MaxConcurrentNodesPerGraph(t *testing.T) {
	r := runner.NewScripted(runner.DefaultStep, 0)
	r.SetPlan("slow", runner.Plan{Block: true})
	svc := NewService(r, WithMaxConcurrentNodesPerGraph(2))
	t.Cleanup(svc.Close)

	var nodes []*models.TaskNode
	for i := range 5 {
		nodes = append(nodes, &models.TaskNode{ID: fmt.Sprintf("n%d", i), Name: "scan", Agent: "slow", Kind: models.NodeKindConcurrent})
	}
	snap, err := svc.CreateSession(context.Background(), SessionSpec{Graphs: []GraphSpec{{Label: "scan", Nodes: nodes}}})
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, svc.Scheduler().TickSession(context.Background(), snap.ID))
	}
	got, err := svc.Session(snap.ID)
	require.NoError(t, err)
	running := 0
	for _, n := range got.Graphs[0].Nodes {
		if n.State == models.NodeStateRunning {
			running++
		}
	}
	assert.Equal(t, 2, running)
	assert.Len(t, r.Invocations(), 2)
}

func TestService_AutoApprove(t *testing.T) {
	f := newFixture(t, WithAutoApprove("auto"))
	snap := f.drive(t)

	assert.Equal(t, models.SessionCompleted, snap.Status)
	require.Len(t, snap.Graphs[0].Approvals, 1)
	assert.Equal(t, "auto", snap.Graphs[0].Approvals[0].Actor)
	assert.Len(t, f.artifacts(t), 1)
}

func TestService_CloseSession(t *testing.T) {
	f := newFixture(t, WithHoldOpen(true))
	ctx := context.Background()
	f.drive(t)

	_, err := f.svc.CloseSession(ctx, f.sid)
	assert.ErrorIs(t, err, ErrSessionBusy)

	_, err = f.svc.Decide(ctx, f.sid, f.gid, "D", "analyst1", false)
	require.NoError(t, err)
	snap, err := f.svc.Session(f.sid)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, snap.Status)

	status, err := f.svc.CloseSession(ctx, f.sid)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompletedWithFailures, status)

	_, err = f.svc.CloseSession(ctx, f.sid)
	assert.ErrorIs(t, err, ErrSessionTerminated)
}

func TestService_AddGraph(t *testing.T) {
	f := newFixture(t, WithHoldOpen(true))
	ctx := context.Background()

	g, err := f.svc.AddGraph(ctx, f.sid, GraphSpec{Label: "velocity", Nodes: []*models.TaskNode{
		{ID: "v1", Name: "Assemble", Kind: models.NodeKindConcurrent},
	}})
	require.NoError(t, err)
	assert.Equal(t, models.GraphRunning, g.Status)

	snap := f.drive(t)
	require.Len(t, snap.Graphs, 2)
	assert.Equal(t, models.GraphDone, snap.Graphs[1].Status)

	_, err = f.svc.AddGraph(ctx, f.sid, GraphSpec{Label: "bad", Nodes: []*models.TaskNode{
		{ID: "x", Kind: models.NodeKindSerial, DependsOn: []string{"x"}},
	}})
	assert.ErrorIs(t, err, graph.ErrCycleDetected)
}

func TestService_CreateSessionValidation(t *testing.T) {
	svc := NewService(runner.NewScripted(0, 0))
	t.Cleanup(svc.Close)

	_, err := svc.CreateSession(context.Background(), SessionSpec{})
	assert.ErrorIs(t, err, ErrNoGraphs)

	_, err = svc.CreateSession(context.Background(), SessionSpec{Graphs: []GraphSpec{{Nodes: []*models.TaskNode{
		{ID: "a", Kind: models.NodeKindConcurrent, DependsOn: []string{"b"}},
		{ID: "b", Kind: models.NodeKindConcurrent},
	}}}})
	assert.ErrorIs(t, err, graph.ErrInvalidGraph)
	assert.Empty(t, svc.Sessions())
}

func TestService_PersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := state.NewRepository(state.NewMemoryKV())

	f := newFixture(t, WithRepository(repo))
	f.drive(t)
	want, err := f.svc.Session(f.sid)
	require.NoError(t, err)

	svc2 := NewService(runner.NewScripted(0, 0), WithRepository(repo))
	t.Cleanup(svc2.Close)
	n, err := svc2.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc2.Session(f.sid)
	require.NoError(t, err)
	require.Len(t, got.Graphs, 1)
	for i, node := range want.Graphs[0].Nodes {
		assert.Equal(t, node.State, got.Graphs[0].Nodes[i].State, node.ID)
		assert.Equal(t, node.Progress, got.Graphs[0].Nodes[i].Progress, node.ID)
	}
	assert.Equal(t, want.Events, got.Events)

	_, err = svc2.Decide(ctx, f.sid, f.gid, "D", "analyst1", true)
	require.NoError(t, err)

	// A second load finds nothing new.
	n, err = svc2.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := repo.LoadSession(ctx, f.sid)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, stored.Status)
}

func TestService_RecoversRunningNodes(t *testing.T) {
	ctx := context.Background()
	repo := state.NewRepository(state.NewMemoryKV())

	f := newFixture(t, WithRepository(repo))
	f.runner.SetPlan("A", runner.Plan{Block: true})
	f.tick(t)
	f.tick(t)
	require.Equal(t, models.NodeStateRunning, f.node(t, "A").State)
	f.svc.Close()

	r2 := runner.NewScripted(runner.DefaultStep, 0)
	svc2 := NewService(r2, WithRepository(repo))
	t.Cleanup(svc2.Close)
	_, err := svc2.Load(ctx)
	require.NoError(t, err)

	snap, err := svc2.Drive(ctx, f.sid, 0)
	require.NoError(t, err)

	invs := r2.Invocations()
	require.NotEmpty(t, invs)
	assert.Equal(t, "A", invs[0].Node.ID)
	assert.Equal(t, 1, invs[0].Attempt)

	e, ok := findEvent(snap.Events, models.EventNodeStarted, "A")
	require.True(t, ok)
	assert.Empty(t, e.Reason, "first start is not a recovery")
	var recovered bool
	for _, e := range snap.Events {
		if e.Type == models.EventNodeStarted && e.NodeID == "A" && e.Reason == "recovered" {
			recovered = true
		}
	}
	assert.True(t, recovered)
	assert.Equal(t, models.NodeStateAwaitingApproval, snap.Graphs[0].Nodes[3].State)
}

func TestService_EmitterReusesExistingArtifact(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemoryStore()
	f := newFixture(t, WithArtifactStore(store), WithHoldOpen(true))
	f.drive(t)

	existing, err := store.Create(ctx, models.ArtifactRule, []byte(`{"rule":"prior"}`),
		models.SourceRef{SessionID: f.sid, GraphID: f.gid, NodeID: "D"})
	require.NoError(t, err)

	dec, err := f.svc.Decide(ctx, f.sid, f.gid, "D", "analyst1", true)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, f.node(t, "D").ArtifactRef)
	assert.Equal(t, 1, store.Len())

	events, err := f.svc.Events(f.sid)
	require.NoError(t, err)
	_, created := findEvent(events, models.EventArtifactCreated, "D")
	assert.False(t, created)
	assert.Equal(t, existing.ID, dec.ArtifactID)
}

func TestService_Subscribe(t *testing.T) {
	f := newFixture(t, WithAutoApprove("auto"))
	ch, unsubscribe := f.svc.Subscribe(512)
	defer unsubscribe()

	f.drive(t)
	want, err := f.svc.Events(f.sid)
	require.NoError(t, err)

	var got []models.Event
	for range want {
		got = append(got, <-ch)
	}
	assert.Equal(t, want, got)
}

func TestService_Metrics(t *testing.T) {
	m := NewMetrics()
	f := newFixture(t, WithMetrics(m), WithAutoApprove("auto"))
	f.drive(t)
	require.NoError(t, f.svc.Scheduler().Tick(context.Background()))

	assert.Equal(t, 4.0, testutil.ToFloat64(m.nodesStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.approvals.WithLabelValues("approve")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.artifacts.WithLabelValues(string(models.ArtifactRule))))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.nodesFinished.WithLabelValues(string(models.NodeStateDone))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticks))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeSessions))
}
