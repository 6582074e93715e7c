// Command pgflowd is the pooler's entry point: it loads a YAML config,
// spawns one worker per configured listener, and serves an admin HTTP
// endpoint exposing Prometheus metrics alongside a health/stats summary.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pgflowd/pgflow/internal/config"
	"github.com/pgflowd/pgflow/internal/machine"
	"github.com/pgflowd/pgflow/internal/metrics"
	"github.com/pgflowd/pgflow/internal/netio"
	"github.com/pgflowd/pgflow/internal/proxy"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "pgflowd",
		Short: "Cooperative PostgreSQL connection pooler.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "pgflowd.yaml", "path to the pooler's YAML config")
	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pooler until interrupted.",
		RunE:  serve,
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pgflowd version.",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}

func serve(cmd *cobra.Command, args []string) error {
	watcher, err := config.NewWatcher(configPath, newLogger("info"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer watcher.Close()

	cfg := watcher.Current()
	log := newLogger(cfg.LogLevel)

	reg := metrics.NewRegistry()
	rt := machine.NewRuntime(log)

	var poolsMu sync.Mutex
	pools := make(map[string]*proxy.BackendSet)

	// roots lets shutdown cancel each listener's accept-loop coroutine
	// directly: it's parked indefinitely in Listener.Accept, so nothing
	// short of cancellation will ever return it to acceptLoop's defers.
	type listenerRoot struct {
		sched  *machine.Scheduler
		rootID uint64
	}
	var rootsMu sync.Mutex
	var roots []listenerRoot

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, ln := range cfg.Listen {
		poolCfg, ok := findPool(cfg, ln.Pool)
		if !ok {
			return fmt.Errorf("listener %s references unknown pool %q", ln.Address, ln.Pool)
		}
		listenCfg := ln
		workerName := "listener-" + ln.Address
		_, err := rt.SpawnWorker(workerName, func(co *machine.Coroutine) error {
			bs := proxy.NewBackendSet(co.Scheduler(), poolCfg)
			poolsMu.Lock()
			pools[poolCfg.Name] = bs
			poolsMu.Unlock()

			rootsMu.Lock()
			roots = append(roots, listenerRoot{sched: co.Scheduler(), rootID: co.ID()})
			rootsMu.Unlock()

			return acceptLoop(co, listenCfg, poolCfg, bs, reg, log)
		})
		if err != nil {
			return fmt.Errorf("spawn worker for %s: %w", ln.Address, err)
		}
	}

	admin := newAdminServer(cfg.Admin.Address, reg, &poolsMu, pools)
	go func() {
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("admin server exited")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	admin.Shutdown(shutdownCtx)

	poolsMu.Lock()
	for _, bs := range pools {
		bs.Close()
	}
	poolsMu.Unlock()

	rootsMu.Lock()
	for _, r := range roots {
		r.sched.Cancel(r.rootID)
	}
	rootsMu.Unlock()

	return rt.Free()
}

// acceptLoop binds the listener, attaches it to this worker's scheduler,
// and spawns one session coroutine per accepted connection for the
// worker's remaining lifetime.
func acceptLoop(co *machine.Coroutine, ln config.Listen, poolCfg config.Pool, bs *proxy.BackendSet, reg *metrics.Registry, log zerolog.Logger) error {
	listener, err := netio.Bind("tcp", ln.Address, 128)
	if err != nil {
		return err
	}
	defer listener.Close()
	listener.Attach(co.Scheduler())
	defer listener.Detach()

	log.Info().Str("address", ln.Address).Str("pool", ln.Pool).Msg("listening")

	for {
		h, err := listener.Accept(co)
		if err != nil {
			return err
		}
		h.Attach(co.Scheduler())
		co.Scheduler().Spawn(func(rc *machine.Coroutine) error {
			sess := proxy.NewSession(bs, poolCfg, h, reg)
			if err := sess.Run(rc); err != nil {
				log.Debug().Err(err).Msg("session ended")
			}
			return nil
		})
	}
}

func findPool(cfg *config.Config, name string) (config.Pool, bool) {
	for _, p := range cfg.Pools {
		if p.Name == name {
			return p, true
		}
	}
	return config.Pool{}, false
}

func newLogger(level string) zerolog.Logger {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		l = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(l).
		With().Timestamp().Logger()
}

func newAdminServer(addr string, reg *metrics.Registry, poolsMu *sync.Mutex, pools map[string]*proxy.BackendSet) *http.Server {
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.HandleFunc("/debug/pools", func(w http.ResponseWriter, req *http.Request) {
		poolsMu.Lock()
		stats := make([]proxy.Stats, 0, len(pools))
		for _, bs := range pools {
			stats = append(stats, bs.Stats())
		}
		poolsMu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	})
	return &http.Server{
		Addr:    addr,
		Handler: r,
	}
}
