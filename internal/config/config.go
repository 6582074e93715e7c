// Package config loads and hot-reloads pgflowd's YAML configuration,
// grounded on the dagu scheduler's fsnotify-driven DAG directory watch
// adapted here to a single file instead of a directory of definitions.
package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Backend is one upstream PostgreSQL server a BackendSet may route to.
type Backend struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Weight  int    `yaml:"weight"`
}

// Listen describes one client-facing listener.
type Listen struct {
	Address string `yaml:"address"`
	Pool    string `yaml:"pool"`
}

// TLS configures the pooler's TLS posture, both client-facing and
// upstream.
type TLS struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	RequireTLS bool   `yaml:"require_tls"`
}

// Pool is one named BackendSet plus its connection limits and the
// readahead/timeout knobs that feed straight into the core's framed
// stream construction.
type Pool struct {
	Name             string        `yaml:"name"`
	Backends         []Backend     `yaml:"backends"`
	MaxServerConns   int           `yaml:"max_server_connections"`
	MaxClientConns   int           `yaml:"max_client_connections"`
	ReadaheadBytes   int           `yaml:"readahead_bytes"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	ShutdownDeadline time.Duration `yaml:"shutdown_deadline"`
}

// Config is the top-level document.
type Config struct {
	Workers int      `yaml:"workers"`
	Listen  []Listen `yaml:"listen"`
	Pools   []Pool   `yaml:"pools"`
	TLS     TLS      `yaml:"tls"`
	Admin   struct {
		Address string `yaml:"address"`
	} `yaml:"admin"`
	LogLevel string `yaml:"log_level"`
}

// Load reads and parses path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watcher reloads Config from path whenever it changes on disk, exposing
// the latest parsed value through Current. It never panics on a bad
// reload — a parse error is logged and the previous good config kept.
type Watcher struct {
	path string
	log  zerolog.Logger

	mu      sync.RWMutex
	current *Config

	fsw  *fsnotify.Watcher
	quit chan struct{}
}

// NewWatcher loads path once and starts watching its containing
// directory for changes (matching fsnotify's own recommendation to watch
// the directory rather than the file, so editors that replace-by-rename
// are still picked up).
func NewWatcher(path string, log zerolog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{
		path:    path,
		log:     log.With().Str("component", "config").Logger(),
		current: cfg,
		fsw:     fsw,
		quit:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Current returns the most recently successfully parsed Config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watch goroutine and releases the fsnotify handle.
func (w *Watcher) Close() error {
	close(w.quit)
	return w.fsw.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.quit:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Name != w.path {
		return
	}
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error().Err(err).Str("path", w.path).Msg("config reload failed, keeping previous config")
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	w.log.Info().Str("path", w.path).Msg("config reloaded")
}
