// Package server exposes seminar progress stores over HTTP and WebSocket,
// one store per learner profile.
package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	"go.uber.org/zap"

	"github.com/livetemplate/seminar"
	"github.com/livetemplate/seminar/internal/config"
)

// Server is the seminar progress server.
type Server struct {
	rootDir    string
	configPath string
	logger     *zap.Logger
	markdown   goldmark.Markdown
	upgrader   websocket.Upgrader

	mu        sync.RWMutex
	config    *config.Config
	registry  *seminar.Registry
	summaries map[seminar.ExperimentID]string // rendered summary HTML

	profiles *profileSet

	clients   map[string]map[*client]struct{} // profile id -> open websockets
	clientsMu sync.RWMutex

	watcher *Watcher // Config watcher for live reload
}

// New creates a server that keeps learner progress in backend. rootDir is
// the site directory seminar.yaml was loaded from.
func New(cfg *config.Config, rootDir string, backend seminar.Backend, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		rootDir:    rootDir,
		configPath: filepath.Join(rootDir, config.FileName),
		logger:     logger.Named("server"),
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		upgrader: newUpgrader(cfg.API.GetCORSOrigins()),
		clients:  make(map[string]map[*client]struct{}),
	}
	if err := s.applyConfig(cfg); err != nil {
		return nil, err
	}

	s.profiles = newProfileSet(profileSetConfig{
		backend:    backend,
		key:        cfg.Progress.GetKey(),
		totalSlots: cfg.Progress.GetTotalSlots(),
		ttl:        cfg.Progress.GetProfileTTL(),
		logger:     logger,
		onChange:   s.pushProgress,
		hasClients: s.hasClients,
	})

	if reg := s.Registry(); reg.Slots() != cfg.Progress.GetTotalSlots() {
		s.logger.Info("progress denominator differs from registry slot count",
			zap.Int("total_slots", cfg.Progress.GetTotalSlots()),
			zap.Int("registry_slots", reg.Slots()))
	}
	return s, nil
}

// applyConfig swaps in a new configuration and its registry
func (s *Server) applyConfig(cfg *config.Config) error {
	reg, err := cfg.Registry()
	if err != nil {
		return fmt.Errorf("invalid experiments: %w", err)
	}

	summaries := make(map[seminar.ExperimentID]string, reg.Len())
	for _, e := range reg.All() {
		if e.Summary == "" {
			continue
		}
		var buf bytes.Buffer
		if err := s.markdown.Convert([]byte(e.Summary), &buf); err != nil {
			return fmt.Errorf("experiment %s: render summary: %w", e.ID, err)
		}
		summaries[e.ID] = buf.String()
	}

	s.mu.Lock()
	s.config = cfg
	s.registry = reg
	s.summaries = summaries
	s.mu.Unlock()
	return nil
}

// Registry returns the current experiment registry.
func (s *Server) Registry() *seminar.Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry
}

// Config returns the current configuration.
func (s *Server) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Store returns the progress store of one profile, loading it if needed.
func (s *Server) Store(ctx context.Context, profileID string) (*seminar.Store, error) {
	return s.profiles.get(ctx, profileID)
}

// Handler returns the HTTP handler with the middleware chain applied. The
// rate limiter's cleanup goroutine lives until ctx is cancelled.
func (s *Server) Handler(ctx context.Context) (http.Handler, <-chan struct{}) {
	mux := http.NewServeMux()
	s.routes(mux)

	cfg := s.Config()
	rateLimit, done := RateLimitMiddleware(ctx,
		cfg.API.GetRateLimitRPS(), cfg.API.GetRateLimitBurst(), cfg.API.GetMaxTrackedIPs(), s.logger)

	var h http.Handler = mux
	h = CompressionMiddleware(h)
	h = rateLimit(h)
	h = CORSMiddleware(cfg.API.GetCORSOrigins())(h)
	h = SecurityHeadersMiddleware()(h)
	h = LoggingMiddleware(s.logger)(h)
	h = TracingMiddleware()(h)
	return h, done
}

// Reload re-reads seminar.yaml and tells every client to reload.
func (s *Server) Reload() error {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := s.applyConfig(cfg); err != nil {
		return err
	}
	s.logger.Info("configuration reloaded", zap.Int("experiments", s.Registry().Len()))
	s.BroadcastReload(config.FileName)
	return nil
}

// EnableWatch reloads the configuration whenever seminar.yaml changes.
func (s *Server) EnableWatch() error {
	watcher, err := NewWatcher(s.configPath, func(string) error {
		return s.Reload()
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	s.watcher = watcher
	s.watcher.Start()

	s.logger.Info("watching configuration", zap.String("path", s.configPath))
	return nil
}

// StopWatch stops the config watcher if it's running.
func (s *Server) StopWatch() error {
	if s.watcher != nil {
		return s.watcher.Stop()
	}
	return nil
}

// Close stops the watcher, closes every websocket and releases the
// profile cache. The storage backend is owned by the caller.
func (s *Server) Close() error {
	err := s.StopWatch()

	s.clientsMu.Lock()
	for _, set := range s.clients {
		for c := range set {
			c.conn.Close()
		}
	}
	s.clients = make(map[string]map[*client]struct{})
	s.clientsMu.Unlock()

	s.profiles.close()
	return err
}
