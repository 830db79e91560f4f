package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/orcha/internal/signals"
	"github.com/ShayCichocki/orcha/internal/tui"
	"github.com/ShayCichocki/orcha/pkg/models"
)

var (
	serveMetricsAddr string
	serveRescan      time.Duration
	serveLogEvents   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler until stopped",
	Long: `Run the tick loop over every persisted session, serving Prometheus
metrics on /metrics.

Sessions created by other invocations are picked up every --rescan.
Drop a file named pause, resume, or stop into .orcha/signals (or run
'orcha signal <name>') to control the loop. When nats.events is set,
every event is also published to NATS.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Metrics listen address (default metrics.addr)")
	serveCmd.Flags().DurationVar(&serveRescan, "rescan", 5*time.Second, "How often to load new sessions from storage")
	serveCmd.Flags().BoolVar(&serveLogEvents, "log-events", true, "Log every event")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	watcher, err := signals.NewWatcher(signalsDir(), a.svc.PauseController())
	if err != nil {
		return err
	}
	defer watcher.Close()

	addr := serveMetricsAddr
	if addr == "" {
		addr = a.cfg.Metrics.Addr
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.metrics.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	log.Printf("[serve] %d session(s) loaded, metrics on %s, signals in %s", len(a.svc.Sessions()), addr, watcher.Dir())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Loop returns nil on a stop signal; end the group either way.
		defer stop()
		err := a.svc.Scheduler().Loop(gctx, a.cfg.Scheduler.TickInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		rescan(gctx, a, serveRescan)
		return nil
	})
	if serveLogEvents {
		events, unsubscribe := a.svc.Subscribe(256)
		defer unsubscribe()
		g.Go(func() error {
			logEvents(gctx, a, events)
			return nil
		})
	}

	err = g.Wait()
	log.Printf("[serve] stopped")
	return err
}

func rescan(ctx context.Context, a *app, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := a.svc.Load(ctx)
			if err != nil {
				log.Printf("[serve] rescan failed: %v", err)
			} else if n > 0 {
				log.Printf("[serve] picked up %d new session(s)", n)
			}
		}
	}
}

func logEvents(ctx context.Context, a *app, events <-chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			var names map[string]string
			if snap, err := a.svc.Session(e.SessionID); err == nil {
				names = tui.NodeNames(snap)
			}
			log.Printf("[%s] %s", e.SessionID, tui.RenderEvent(e, names))
		}
	}
}
