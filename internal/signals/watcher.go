// Package signals lets operators steer a running scheduler by dropping
// files into a signals directory: "pause", "resume", and "stop".
package signals

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Signal file names.
const (
	Pause  = "pause"
	Resume = "resume"
	Stop   = "stop"
)

// Controller is the part of the scheduler a Watcher drives.
// orchestrator.PauseController satisfies it.
type Controller interface {
	Pause()
	Resume()
	Stop()
}

// Watcher watches a directory for signal files and forwards them to a
// Controller. Signal files are consumed (removed) once applied.
type Watcher struct {
	dir  string
	ctrl Controller

	mu      sync.Mutex
	applied []string

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// DefaultDir returns the signals directory for a working directory.
func DefaultDir(workDir string) string {
	return filepath.Join(workDir, ".orcha", "signals")
}

// NewWatcher creates the signals directory if needed, applies any signal
// files already present, and starts watching for new ones.
func NewWatcher(dir string, ctrl Controller) (*Watcher, error) {
	if ctrl == nil {
		return nil, errors.New("signals: nil controller")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signals dir: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		dir:     dir,
		ctrl:    ctrl,
		watcher: fw,
		done:    make(chan struct{}),
	}

	// Files written before the watcher started would otherwise be missed.
	for _, name := range []string{Stop, Pause, Resume} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			w.apply(name)
		}
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.apply(filepath.Base(event.Name))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[signals] watcher error: %v", err)
		}
	}
}

func (w *Watcher) apply(name string) {
	switch name {
	case Pause:
		w.ctrl.Pause()
	case Resume:
		w.ctrl.Resume()
	case Stop:
		w.ctrl.Stop()
	default:
		return
	}
	log.Printf("[signals] applied %s", name)
	os.Remove(filepath.Join(w.dir, name))

	w.mu.Lock()
	w.applied = append(w.applied, name)
	w.mu.Unlock()
}

// Applied returns the signals applied so far, oldest first.
func (w *Watcher) Applied() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.applied...)
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Send writes a signal file into dir. It is what `orcha signal` uses to
// reach a running `orcha serve`.
func Send(dir, name string) error {
	switch name {
	case Pause, Resume, Stop:
	default:
		return fmt.Errorf("unknown signal %q", name)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create signals dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(time.Now().UTC().Format(time.RFC3339)), 0644)
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
