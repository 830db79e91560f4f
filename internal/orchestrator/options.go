package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/orcha/internal/artifact"
	"github.com/ShayCichocki/orcha/internal/state"
)

// Option configures a Service. Use With* functions to create Options.
type Option func(*serviceOptions)

// serviceOptions holds all optional configuration.
type serviceOptions struct {
	store       artifact.Store
	repo        *state.Repository
	logger      *DebugLogger
	metrics     *Metrics
	sinks       []EventSink
	now         func() time.Time
	newID       func() string
	maxPerGraph int
	workers     int
	backoffMax  time.Duration
	holdOpen    bool
	autoApprove string
}

func defaultOptions() serviceOptions {
	return serviceOptions{
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
		workers:    4,
		backoffMax: 30 * time.Second,
	}
}

// WithArtifactStore sets the artifact store. Defaults to an in-memory store.
func WithArtifactStore(s artifact.Store) Option {
	return func(o *serviceOptions) { o.store = s }
}

// WithRepository persists sessions after every change.
func WithRepository(r *state.Repository) Option {
	return func(o *serviceOptions) { o.repo = r }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *serviceOptions) { o.logger = l }
}

// WithMetrics records scheduler metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *serviceOptions) { o.metrics = m }
}

// WithEventSink forwards every event to s.
func WithEventSink(s EventSink) Option {
	return func(o *serviceOptions) { o.sinks = append(o.sinks, s) }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) { o.now = now }
}

// WithIDGenerator overrides session and graph ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(o *serviceOptions) { o.newID = fn }
}

// WithMaxConcurrentNodesPerGraph caps running nodes per graph. Zero means unbounded.
func WithMaxConcurrentNodesPerGraph(n int) Option {
	return func(o *serviceOptions) { o.maxPerGraph = n }
}

// WithWorkers sets how many sessions are ticked in parallel.
func WithWorkers(n int) Option {
	return func(o *serviceOptions) { o.workers = n }
}

// WithBackoffMax caps the retry delay after a failed tick.
func WithBackoffMax(d time.Duration) Option {
	return func(o *serviceOptions) { o.backoffMax = d }
}

// WithHoldOpen keeps sessions active after all their graphs settle, until
// CloseSession is called. Failed nodes stay retryable in the meantime.
func WithHoldOpen(b bool) Option {
	return func(o *serviceOptions) { o.holdOpen = b }
}

// WithAutoApprove approves every gated node as actor when it reaches
// awaiting_approval. Intended for demos and unattended runs.
func WithAutoApprove(actor string) Option {
	return func(o *serviceOptions) { o.autoApprove = actor }
}
