// Package embedded provides an embeddable interlock server for in-process use.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/coord"
	httpapi "github.com/mistakeknot/interlock/internal/http"
	"github.com/mistakeknot/interlock/internal/metrics"
	"github.com/mistakeknot/interlock/internal/project"
	"github.com/mistakeknot/interlock/internal/server"
	"github.com/mistakeknot/interlock/internal/storage"
	"github.com/mistakeknot/interlock/internal/storage/sqlite"
	"github.com/mistakeknot/interlock/internal/storage/yamlfile"
	"github.com/mistakeknot/interlock/internal/ws"
)

// DefaultProject is the project id used when Config names none.
const DefaultProject = "default"

// Config configures the embedded server
type Config struct {
	// Dir is the project directory whose .interlock/ holds state when
	// Projects is empty. If empty, defaults to ~/.interlock.
	Dir string

	// Projects maps project ids to project directories.
	Projects map[string]string

	// DefaultProject answers requests that name no project.
	DefaultProject string

	// Backend is yaml (default), sqlite or memory.
	Backend string

	// Port is the HTTP port to listen on. 0 picks a free port.
	Port int

	// Host is the host to bind to.
	// If empty, defaults to localhost (127.0.0.1).
	Host string
}

// Server is an embedded interlock server
type Server struct {
	cfg     config.Config
	static  *project.Static
	svc     *coord.Service
	hub     *ws.Hub
	srv     *server.Server
	sweeper *coord.Sweeper

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan error
}

// New creates a new embedded interlock server
func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	c := config.Default()
	c.Listen = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	if cfg.Backend != "" {
		c.Backend = cfg.Backend
	}
	c.Projects = cfg.Projects
	c.DefaultProject = cfg.DefaultProject
	if len(c.Projects) == 0 {
		dir := cfg.Dir
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("get home dir: %w", err)
			}
			dir = home
		}
		c.Projects = map[string]string{DefaultProject: dir}
	}
	if c.DefaultProject == "" && len(c.Projects) == 1 {
		for id := range c.Projects {
			c.DefaultProject = id
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return NewFromConfig(c)
}

// NewFromConfig wires the full server stack from a loaded config.
func NewFromConfig(cfg config.Config) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	opener, err := Opener(cfg, m)
	if err != nil {
		return nil, err
	}
	if cfg.Backend != config.BackendMemory {
		for _, root := range cfg.Roots() {
			if err := os.MkdirAll(root, 0o755); err != nil {
				return nil, fmt.Errorf("create state dir: %w", err)
			}
		}
	}

	static, resolver := cfg.Resolver()
	s := &Server{cfg: cfg, static: static}
	s.hub = ws.NewHub(ws.WithMetrics(m), ws.WithProjects(func(id string) (string, error) {
		return s.svc.ResolveProject(id)
	}))

	opts := append(cfg.CoordOptions(), coord.WithBroadcaster(s.hub), coord.WithMetrics(m))
	svc, err := coord.New(resolver, opener, opts...)
	if err != nil {
		return nil, err
	}
	s.svc = svc

	router := httpapi.NewRouter(
		httpapi.NewService(svc),
		s.hub.Handler(),
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		httpapi.LogRequests,
	)
	srv, err := server.New(server.Config{Addr: cfg.Listen, SocketPath: cfg.SocketPath, Handler: router})
	if err != nil {
		svc.Close()
		return nil, err
	}
	s.srv = srv

	if cfg.ReapInterval > 0 {
		s.sweeper = coord.NewSweeper(svc, cfg.ReapInterval.Std())
	}
	return s, nil
}

// Opener returns the storage opener for cfg.Backend.
func Opener(cfg config.Config, m *metrics.Metrics) (storage.Opener, error) {
	switch cfg.Backend {
	case config.BackendYAML:
		return yamlfile.Opener(yamlfile.Options{FailOpen: cfg.FailOpen()}), nil
	case config.BackendSQLite:
		retry := sqlite.DefaultRetryConfig()
		if cfg.Storage.BusyRetries > 0 {
			retry.MaxRetries = cfg.Storage.BusyRetries
		}
		return sqlite.Opener(sqlite.Options{
			FailOpen: cfg.FailOpen(),
			Retry:    retry,
			OnBreakerChange: func(root string, state sqlite.BreakerState) {
				m.SetBreakerState(root, int(state))
			},
		}), nil
	case config.BackendMemory:
		return storage.MemoryOpener(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// Run serves until ctx is done, running the sweeper alongside when
// reap_interval is set. Namespaces are closed on return.
func (s *Server) Run(ctx context.Context) error {
	defer s.svc.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.srv.Run(gctx) })
	if s.sweeper != nil {
		g.Go(func() error { return s.sweeper.Run(gctx) })
	}
	log.Info().
		Str("addr", s.Addr()).
		Str("backend", s.cfg.Backend).
		Strs("projects", s.svc.Projects()).
		Msg("interlock serving")
	return g.Wait()
}

// Start starts the embedded server in a goroutine. A stopped server cannot
// be started again.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("server already stopped")
	}
	if s.started {
		return nil
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() {
		err := s.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("embedded server stopped")
		}
		s.done <- err
	}()
	return nil
}

// Stop stops the embedded server gracefully
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Addr returns the server's bound listen address
func (s *Server) Addr() string {
	return s.srv.Addr()
}

// URL returns the base URL for the server
func (s *Server) URL() string {
	return fmt.Sprintf("http://%s", s.Addr())
}

// Service returns the coordinator for direct in-process calls.
func (s *Server) Service() *coord.Service {
	return s.svc
}

// Projects returns the resolver holding the explicit project map, for
// config reloads.
func (s *Server) Projects() *project.Static {
	return s.static
}
