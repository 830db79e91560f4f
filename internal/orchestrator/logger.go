package orchestrator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// active is the logger behind debugLog. Graphs get debugLog through
// SetDebugLog so the graph package stays free of logging concerns.
var active atomic.Pointer[DebugLogger]

func setPackageLogger(l *DebugLogger) {
	active.Store(l)
}

func debugLog(format string, args ...interface{}) {
	active.Load().Log(format, args...)
}

// DebugLogger appends timestamped trace lines for scheduler, session and
// graph activity. A nil or writer-less logger discards everything.
type DebugLogger struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	now    func() time.Time
}

// DefaultLogPath is $XDG_DATA_HOME/orcha/logs/orchestrator-debug.log,
// falling back to ~/.local/share.
func DefaultLogPath() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "orcha", "logs", "orchestrator-debug.log")
}

// NewDebugLogger opens logPath for appending, creating parent directories.
// An empty path yields a logger that discards.
func NewDebugLogger(logPath string) (*DebugLogger, error) {
	if logPath == "" {
		return &DebugLogger{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open debug log %s: %w", logPath, err)
	}
	l := &DebugLogger{w: f, closer: f}
	l.Log("--- orcha pid %d started %s ---", os.Getpid(), l.clock().Format(time.RFC3339))
	return l, nil
}

// NewWriterLogger logs to w. The caller owns w.
func NewWriterLogger(w io.Writer) *DebugLogger {
	return &DebugLogger{w: w}
}

func (l *DebugLogger) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}

// Log writes one line prefixed with a millisecond wall-clock stamp.
func (l *DebugLogger) Log(format string, args ...interface{}) {
	if l == nil || l.w == nil {
		return
	}
	line := fmt.Sprintf(format, args...)

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "%s %s\n", l.clock().Format("15:04:05.000"), line)
	if f, ok := l.w.(*os.File); ok {
		_ = f.Sync()
	}
}

// Close releases the log file, if the logger opened one.
func (l *DebugLogger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.closer.Close()
	l.w, l.closer = nil, nil
	return err
}
