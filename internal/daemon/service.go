package daemon

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/rangectl/internal/auth"
	"github.com/danmuck/rangectl/internal/distance"
	"github.com/danmuck/rangectl/internal/hal"
	"github.com/danmuck/rangectl/internal/hal/bridge"
	"github.com/danmuck/rangectl/internal/handler"
	"github.com/danmuck/rangectl/internal/hci"
	"github.com/danmuck/rangectl/internal/server"
	"github.com/danmuck/rangectl/internal/sim"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("daemon: invalid heartbeat interval")
	ErrNoScenario               = errors.New("daemon: scenario is required")
)

// ServiceConfig configures a rangectl daemon.
type ServiceConfig struct {
	ID                string
	AdminListenAddr   string
	// AdminToken, when set, is required as a bearer token on mutating routes.
	AdminToken        string
	CorsOrigins       []string
	HeartbeatInterval time.Duration
	// ScenarioPath names the YAML script that drives the simulated controller.
	ScenarioPath      string
	// HALSocket, when set, replaces the simulated accelerator with the vendor
	// daemon listening on this unix socket.
	HALSocket         string
	// HALVersion overrides the scenario's accelerator version when non-zero.
	HALVersion        hal.Version
	// AutoStart starts every scripted session once the manager is running.
	AutoStart         bool
	Distance          distance.Config
}

// Daemon defaults for standalone runtime configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ID:                "rangectl",
		AdminListenAddr:   "",
		HeartbeatInterval: 5 * time.Second,
		AutoStart:         true,
		Distance:          distance.DefaultConfig(),
	}
}

// Service owns the manager and its backends for one process lifetime.
type Service struct {
	cfg ServiceConfig

	mu         sync.RWMutex
	manager    *distance.Manager
	scenario   *sim.Scenario
	controller *sim.Controller
	channel    *sim.Channel
	bridge     *bridge.Client
	admin      *server.Admin
	sessions   *sessionLog

	ready atomic.Bool
}

var _ server.SessionController = (*Service)(nil)

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	cfg.Distance = cfg.Distance.WithDefaults()
	if strings.TrimSpace(cfg.ID) == "" {
		cfg.ID = "rangectl"
	}
	return &Service{cfg: cfg}
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext blocks until ctx ends or a component fails.
func (s *Service) RunContext(ctx context.Context) error {
	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	return s.serve(ctx)
}

func (s *Service) bootstrap(ctx context.Context) error {
	if s.cfg.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	if strings.TrimSpace(s.cfg.ScenarioPath) == "" {
		return ErrNoScenario
	}
	sc, err := sim.LoadScenario(s.cfg.ScenarioPath)
	if err != nil {
		return err
	}
	if s.cfg.HALVersion != 0 {
		sc.HALVersion = s.cfg.HALVersion
		sc.HALBound = true
	}

	clock := handler.SystemClock{}
	ctrl := sim.NewController(sc, clock)
	channel := sim.NewChannel(sc)
	sessions := newSessionLog(sc)

	var accel hal.Accelerator
	var client *bridge.Client
	switch {
	case strings.TrimSpace(s.cfg.HALSocket) != "":
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err = bridge.Dial(dialCtx, "unix", strings.TrimSpace(s.cfg.HALSocket))
		cancel()
		if err != nil {
			return err
		}
		accel = client
	case sc.HALVersion != 0:
		accel = sim.NewAccelerator(sc, clock)
	}

	m, err := distance.New(s.cfg.Distance, distance.Deps{
		Bus:         ctrl,
		Channel:     channel,
		Accelerator: accel,
		Callbacks:   sessions,
		Clock:       clock,
	})
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		return err
	}
	ctrl.SetSink(m)
	channel.SetSink(m)
	sessions.bind(m)

	s.mu.Lock()
	s.manager = m
	s.scenario = sc
	s.controller = ctrl
	s.channel = channel
	s.bridge = client
	s.sessions = sessions
	s.admin = server.New(s.cfg.ID, s.cfg.CorsOrigins, s, s.adminValidator())
	s.mu.Unlock()

	log.Info().
		Str("id", s.cfg.ID).
		Str("scenario", sc.Name).
		Int("peers", len(sc.Sessions)).
		Bool("hal_bridge", client != nil).
		Str("hal_version", sc.HALVersion.String()).
		Msg("daemon.Service.bootstrap ready")
	return nil
}

func (s *Service) adminValidator() auth.Validator {
	token := strings.TrimSpace(s.cfg.AdminToken)
	if token == "" {
		return nil
	}
	return auth.StaticToken{Token: token}
}

func (s *Service) serve(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	managerErr := make(chan error, 1)
	bridgeErr := make(chan error, 1)
	adminErr := make(chan error, 1)

	go func() { managerErr <- s.manager.Run(runCtx) }()
	if s.bridge != nil {
		go func() { bridgeErr <- s.bridge.Serve(runCtx) }()
	}
	if strings.TrimSpace(s.cfg.AdminListenAddr) != "" {
		go func() { adminErr <- s.admin.Serve(runCtx, s.cfg.AdminListenAddr) }()
	}
	defer s.shutdown(cancel, managerErr)

	if err := s.manager.Sync(); err != nil {
		return err
	}
	s.ready.Store(true)
	if s.cfg.AutoStart {
		for _, plan := range s.scenario.Sessions {
			s.manager.StartDistanceMeasurement(plan.Remote, plan.Handle, plan.Role, plan.IntervalMs, plan.Method)
		}
	}

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("id", s.cfg.ID).Msg("daemon.Service.serve shutdown")
			return nil
		case err := <-managerErr:
			managerErr <- err
			return fmt.Errorf("daemon: manager stopped: %w", err)
		case err := <-bridgeErr:
			if err != nil {
				return err
			}
			log.Warn().Str("id", s.cfg.ID).Msg("daemon.Service.serve accelerator bridge closed")
		case err := <-adminErr:
			if err != nil {
				return err
			}
		case <-ticker.C:
			live, err := s.manager.Sessions(ctx)
			if err != nil {
				continue
			}
			started, stopped, results := s.sessions.totals()
			log.Info().
				Str("id", s.cfg.ID).
				Int("live_sessions", len(live)).
				Int("started", started).
				Int("stopped", stopped).
				Uint64("results", results).
				Msg("daemon.Service.heartbeat")
		}
	}
}

func (s *Service) shutdown(cancel context.CancelFunc, managerErr <-chan error) {
	s.ready.Store(false)
	s.controller.Stop()
	cancel()
	<-managerErr
	if s.bridge != nil {
		_ = s.bridge.Close()
	}
}

func (s *Service) Ready() bool {
	return s.ready.Load()
}

func (s *Service) Sessions(ctx context.Context) ([]distance.SessionInfo, error) {
	if !s.Ready() {
		return nil, server.ErrNotReady
	}
	return s.manager.Sessions(ctx)
}

func (s *Service) Start(remote hci.Address, handle uint16, role hci.Role, intervalMs uint16, method distance.Method) error {
	if !s.Ready() {
		return server.ErrNotReady
	}
	s.manager.StartDistanceMeasurement(remote, handle, role, intervalMs, method)
	return nil
}

// Stop ends the live session on handle.
func (s *Service) Stop(handle uint16) error {
	if !s.Ready() {
		return server.ErrNotReady
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	live, err := s.manager.Sessions(ctx)
	if err != nil {
		return err
	}
	for _, info := range live {
		if info.Handle == handle {
			s.manager.StopDistanceMeasurement(info.Remote, handle, info.Method)
			return nil
		}
	}
	return fmt.Errorf("%w: handle %d", server.ErrUnknownSession, handle)
}

// Admin exposes the admin router for in-process callers.
func (s *Service) Admin() *server.Admin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.admin
}

// Totals reports callback counts observed so far.
func (s *Service) Totals() (started, stopped int, results uint64) {
	s.mu.RLock()
	sessions := s.sessions
	s.mu.RUnlock()
	if sessions == nil {
		return 0, 0, 0
	}
	return sessions.totals()
}
