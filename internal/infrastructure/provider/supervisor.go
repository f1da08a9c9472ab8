// Package provider supervises capability provider processes: spawning,
// restart, health checks and configuration hot-reload.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/reglet-dev/latticed/internal/application/errors"
	"github.com/reglet-dev/latticed/internal/application/ports"
	"github.com/reglet-dev/latticed/internal/infrastructure/config"
	"github.com/reglet-dev/latticed/internal/infrastructure/events"
	"github.com/reglet-dev/latticed/internal/infrastructure/lattice"
	"github.com/reglet-dev/latticed/internal/infrastructure/metrics"
	"golang.org/x/sync/errgroup"
)

// RestartPolicy controls what happens when a provider process exits.
type RestartPolicy struct {
	RestartOnExit   bool            `yaml:"restart_on_exit"`
	Backoff         BackoffStrategy `yaml:"backoff"`
	RestartDelay    time.Duration   `yaml:"restart_delay"`
	MaxRestartDelay time.Duration   `yaml:"max_restart_delay"`
	MaxRestarts     int             `yaml:"max_restarts"` // 0 is unlimited
	IdleRecheck     time.Duration   `yaml:"idle_recheck"`
}

// DefaultRestartPolicy respawns exited providers with exponential backoff.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		RestartOnExit:   true,
		Backoff:         BackoffExponential,
		RestartDelay:    5 * time.Second,
		MaxRestartDelay: 2 * time.Minute,
		IdleRecheck:     time.Second,
	}
}

// HealthPolicy controls the periodic health check.
type HealthPolicy struct {
	Interval time.Duration `yaml:"interval"`
	Grace    time.Duration `yaml:"grace"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DefaultHealthPolicy checks every 30s after a 5s grace period.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{Interval: 30 * time.Second, Grace: 5 * time.Second, Timeout: 5 * time.Second}
}

// HostDataFunc builds fresh host data for each spawn.
type HostDataFunc func() (HostData, error)

// Config describes one supervised provider process.
type Config struct {
	Path       string
	Args       []string
	ProviderID string
	LinkName   string
	Env        map[string]string // added to the filtered host environment
	HostData   HostDataFunc
	Bundle     *config.Bundle // optional, watched for hot-reload
	Transport  ports.Transport
	Subjects   lattice.Subjects
	Events     ports.EventPublisher
	Metrics    *metrics.Metrics
	Restart    RestartPolicy
	Health     HealthPolicy
}

func (c *Config) validate() error {
	if c.Path == "" || c.ProviderID == "" || c.LinkName == "" {
		return apperrors.NewValidationError("provider", "path, provider id and link name are required")
	}
	if c.HostData == nil || c.Transport == nil {
		return apperrors.NewValidationError("provider", "host data and transport are required")
	}
	if c.Events == nil {
		c.Events = events.Noop{}
	}
	if c.Restart.Backoff == "" {
		c.Restart.Backoff = BackoffExponential
	}
	if err := c.Restart.Backoff.Validate(); err != nil {
		return apperrors.NewValidationError("restart.backoff", err.Error())
	}
	if c.Restart.IdleRecheck <= 0 {
		c.Restart.IdleRecheck = time.Second
	}
	defaults := DefaultHealthPolicy()
	if c.Health.Interval <= 0 {
		c.Health.Interval = defaults.Interval
	}
	if c.Health.Grace <= 0 {
		c.Health.Grace = defaults.Grace
	}
	if c.Health.Timeout <= 0 {
		c.Health.Timeout = defaults.Timeout
	}
	return nil
}

// Supervisor runs a provider process alongside its health check and config
// watcher. The three tasks share one context; cancelling it is the shutdown
// signal, and a fatal runner error cancels the other two.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	stopping atomic.Bool
	restarts atomic.Int32

	mu      sync.Mutex
	current *child
	health  healthTracker
}

// Start spawns the provider and begins supervising it. A failure to spawn the
// first process is returned directly.
func Start(ctx context.Context, cfg Config) (*Supervisor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Supervisor{
		cfg:    cfg,
		logger: slog.With("provider", cfg.ProviderID, "link_name", cfg.LinkName),
		done:   make(chan struct{}),
	}

	first, err := s.spawn()
	if err != nil {
		return nil, err
	}
	s.current = first

	// detached from the caller: supervision outlives the start command
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	group, gctx := errgroup.WithContext(runCtx)
	group.Go(func() error { return s.run(gctx) })
	group.Go(func() error { return s.checkHealth(gctx) })
	group.Go(func() error { return s.watchConfig(gctx) })

	go func() {
		s.err = group.Wait()
		cancel()
		if s.err != nil {
			s.logger.Error("provider supervision ended", "error", s.err)
		}
		// every exit path releases the bundle, including reaps and timed-out stops
		if s.cfg.Bundle != nil {
			s.cfg.Bundle.Close()
		}
		s.cfg.Metrics.ForgetProvider(s.cfg.ProviderID, s.cfg.LinkName)
		close(s.done)
	}()
	return s, nil
}

// Done is closed once all supervision tasks have returned.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Err returns the fatal error that ended supervision, or nil after a requested
// stop. Only meaningful once Done is closed.
func (s *Supervisor) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Restarts returns how many times the process has been respawned.
func (s *Supervisor) Restarts() int {
	return int(s.restarts.Load())
}

// PID returns the current process id.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0
	}
	return s.current.pid()
}

// Healthy reports the last observed health state.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health.healthy()
}

// Stop signals shutdown, kills the process and waits for every task.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopping.Store(true)
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return fmt.Errorf("timed out stopping provider %s: %w", s.cfg.ProviderID, ctx.Err())
	}
	if s.err != nil && !errors.Is(s.err, context.Canceled) {
		return s.err
	}
	return nil
}

func (s *Supervisor) spawn() (*child, error) {
	data, err := s.cfg.HostData()
	if err != nil {
		return nil, fmt.Errorf("failed to prepare provider host data: %w", err)
	}
	payload, err := data.Encode()
	if err != nil {
		return nil, err
	}
	env := FilterEnv(os.Environ(), s.cfg.Env)
	c, err := spawn(s.cfg.Path, s.cfg.Args, env, payload, s.logger)
	if err != nil {
		return nil, err
	}
	s.logger.Info("provider process started", "pid", c.pid(), "instance_id", data.InstanceID)
	return c, nil
}

// run waits on the process and applies the restart policy on every exit.
func (s *Supervisor) run(ctx context.Context) error {
	for {
		s.mu.Lock()
		current := s.current
		s.mu.Unlock()

		var waitErr error
		select {
		case waitErr = <-current.exited:
		case <-ctx.Done():
			current.kill()
			<-current.exited
			return nil
		}

		if s.stopping.Load() || ctx.Err() != nil || !s.cfg.Restart.RestartOnExit {
			s.logger.Info("provider exited and will not be restarted", "status", exitStatus(waitErr))
			return s.idle(ctx)
		}

		n := s.Restarts() + 1
		if limit := s.cfg.Restart.MaxRestarts; limit > 0 && n > limit {
			return apperrors.NewSupervisionError(s.cfg.ProviderID, n-1,
				fmt.Errorf("exceeded %d restarts", limit))
		}
		delay := CalculateBackoff(s.cfg.Restart.Backoff, n-1, s.cfg.Restart.RestartDelay, s.cfg.Restart.MaxRestartDelay)
		s.logger.Warn("restarting provider that exited while being supervised",
			"status", exitStatus(waitErr), "attempt", n, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}

		next, err := s.spawn()
		if err != nil {
			return apperrors.NewSupervisionError(s.cfg.ProviderID, n-1, err)
		}
		s.restarts.Add(1)
		s.cfg.Metrics.IncRestart(s.cfg.ProviderID, s.cfg.LinkName)
		s.mu.Lock()
		s.current = next
		s.mu.Unlock()
	}
}

// idle holds the runner until shutdown, rechecking periodically so an exited
// provider never causes a hot loop.
func (s *Supervisor) idle(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Restart.IdleRecheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) checkHealth(ctx context.Context) error {
	select {
	case <-time.After(s.cfg.Health.Grace):
	case <-ctx.Done():
		return nil
	}

	ticker := time.NewTicker(s.cfg.Health.Interval)
	defer ticker.Stop()
	for {
		s.checkOnce(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Supervisor) checkOnce(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Health.Timeout)
	defer cancel()

	req, _ := json.Marshal(HealthRequest{})
	reply, err := s.cfg.Transport.Request(reqCtx, s.cfg.Subjects.Health(s.cfg.ProviderID), req)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("failed to request provider health", "error", err)
		}
		return
	}
	var resp HealthResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		s.logger.Warn("failed to decode provider health check response", "error", err)
		return
	}

	s.mu.Lock()
	eventType := s.health.observe(resp)
	s.mu.Unlock()
	s.cfg.Metrics.SetHealthy(s.cfg.ProviderID, s.cfg.LinkName, resp.Healthy)
	events.Emit(ctx, s.cfg.Events, eventType, map[string]any{
		"public_key": s.cfg.ProviderID,
		"link_name":  s.cfg.LinkName,
		"healthy":    resp.Healthy,
		"message":    resp.Message,
	})
}

func (s *Supervisor) watchConfig(ctx context.Context) error {
	if s.cfg.Bundle == nil {
		<-ctx.Done()
		return nil
	}
	subject := s.cfg.Subjects.ConfigUpdate(s.cfg.ProviderID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.cfg.Bundle.Changed():
		}
		data, err := json.Marshal(s.cfg.Bundle.Snapshot())
		if err != nil {
			s.logger.Error("failed to serialize configuration update", "error", err)
			continue
		}
		if err := s.cfg.Transport.Publish(ctx, subject, data); err != nil {
			s.logger.Error("failed to publish configuration update", "error", err)
			continue
		}
		s.logger.Debug("published configuration update", "subject", subject)
	}
}

func exitStatus(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
