// Package container provides dependency injection for the host.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/nats-io/nkeys"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/reglet-dev/latticed/internal/application/services"
	"github.com/reglet-dev/latticed/internal/domain/repositories"
	domainservices "github.com/reglet-dev/latticed/internal/domain/services"
	"github.com/reglet-dev/latticed/internal/infrastructure/admin"
	"github.com/reglet-dev/latticed/internal/infrastructure/bus"
	"github.com/reglet-dev/latticed/internal/infrastructure/claims"
	"github.com/reglet-dev/latticed/internal/infrastructure/config"
	"github.com/reglet-dev/latticed/internal/infrastructure/control"
	"github.com/reglet-dev/latticed/internal/infrastructure/events"
	"github.com/reglet-dev/latticed/internal/infrastructure/host"
	"github.com/reglet-dev/latticed/internal/infrastructure/images"
	"github.com/reglet-dev/latticed/internal/infrastructure/lattice"
	"github.com/reglet-dev/latticed/internal/infrastructure/metrics"
	"github.com/reglet-dev/latticed/internal/infrastructure/persistence/memory"
	"github.com/reglet-dev/latticed/internal/infrastructure/persistence/redis"
	"github.com/reglet-dev/latticed/internal/infrastructure/persistence/sqlite"
	"github.com/reglet-dev/latticed/internal/infrastructure/policy"
	"github.com/reglet-dev/latticed/internal/infrastructure/provider"
	"github.com/reglet-dev/latticed/internal/infrastructure/secrets"
	"github.com/reglet-dev/latticed/internal/infrastructure/system"
	"github.com/reglet-dev/latticed/internal/infrastructure/wasm"
	"github.com/reglet-dev/latticed/internal/version"
)

// Container holds every host dependency. The full dependency graph is built
// in New so it stays visible in one place.
type Container struct {
	cfg     *system.HostConfig
	logger  *slog.Logger
	hostID  string
	secrets *secrets.Resolver

	embedded  *lattice.EmbeddedServer
	transport *lattice.NATSTransport
	repo      repositories.LinkRepository
	registry  *domainservices.LinkRegistry
	bus       *bus.Bus
	runtime   *wasm.Runtime
	host      *host.Controller
	control   *services.ControlService
	server    *control.Server
	admin     *admin.Server
	gatherer  prometheus.Gatherer

	closers []func(context.Context) error
}

// Options configure the container.
type Options struct {
	Config *system.HostConfig
	Logger *slog.Logger
	// Redactions receives every resolved secret. Optional.
	Redactions *secrets.Registry
	// GuestOutput receives actor stdout and stderr. Defaults to os.Stderr.
	GuestOutput io.Writer
}

// New builds a host from its configuration. On failure everything built so
// far is released.
func New(ctx context.Context, opts Options) (_ *Container, err error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = system.DefaultHostConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Container{cfg: cfg, logger: opts.Logger}
	defer func() {
		if err != nil {
			_ = c.Close(context.WithoutCancel(ctx))
		}
	}()

	hostKey, err := hostKey(cfg.HostSeed)
	if err != nil {
		return nil, err
	}
	signer, err := claims.NewInvocationSigner(hostKey)
	if err != nil {
		return nil, err
	}
	c.hostID = signer.HostID()
	c.logger = c.logger.With("host_id", c.hostID)
	c.secrets = secrets.NewResolver(&cfg.Secrets, opts.Redactions)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.gatherer = reg
	m := metrics.MustNewMetrics(reg)

	if err := c.connect(); err != nil {
		return nil, err
	}
	subjects := lattice.NewSubjects(cfg.Lattice)
	publisher := events.NewPublisher(c.transport, subjects.Event, c.hostID, m)

	if err := c.openLinks(ctx); err != nil {
		return nil, err
	}

	validator := claims.NewValidator(claims.WithTrustedIssuers(cfg.TrustedIssuers...))
	authorizer, err := c.authorizer()
	if err != nil {
		return nil, err
	}

	delegate := lattice.NewDelegate(c.transport, subjects, cfg.RPCTimeout)
	c.bus, err = bus.New(bus.Config{
		Signer:     signer,
		Verifier:   validator,
		Links:      c.registry,
		Authorizer: authorizer,
		Delegate:   delegate,
		Metrics:    m,
	})
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func(context.Context) error { c.bus.Close(); return nil })

	c.runtime, err = wasm.NewRuntime(ctx, wasm.Config{
		MemoryLimitMB: cfg.WasmMemoryLimitMB,
		Caller:        c.bus,
		Output:        opts.GuestOutput,
	})
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, c.runtime.Close)

	store := config.NewStore()
	resolver := images.NewResolver(c.runtime, cacheDir(cfg.CacheDir))
	launcher := provider.NewLauncher(provider.LauncherConfig{
		HostID:            c.hostID,
		LatticeURL:        c.transport.URL(),
		Transport:         c.transport,
		Subjects:          subjects,
		Store:             store,
		Events:            publisher,
		Metrics:           m,
		Restart:           cfg.Restart,
		Health:            cfg.Health,
		RPCTimeout:        cfg.RPCTimeout,
		LogLevel:          cfg.Log.Level,
		StructuredLogging: cfg.StructuredLogging(),
		ClusterIssuers:    append([]string{c.hostID}, cfg.ClusterIssuers...),
	})

	c.host, err = host.New(host.Config{
		HostID:         c.hostID,
		Labels:         cfg.Labels,
		Bus:            c.bus,
		Links:          c.registry,
		Validator:      validator,
		Authorizer:     authorizer,
		ActorLoader:    resolver,
		Runtime:        c.runtime,
		ProviderLoader: resolver,
		Launcher:       launcher,
		Events:         publisher,
		Metrics:        m,
		StopTimeout:    cfg.StopTimeout,
	})
	if err != nil {
		return nil, err
	}

	c.control = services.NewControlService(services.ControlDeps{
		Host:     c.host,
		Router:   c.bus,
		Registry: c.registry,
		Config:   store,
		Events:   publisher,
		Lattice:  cfg.Lattice,
		Version:  version.Get().Version,
		Logger:   c.logger,
	})
	c.server = control.NewServer(c.control, c.transport, subjects)
	if cfg.Admin.Enabled {
		c.admin = admin.NewServer(c.control, c.gatherer)
	}
	return c, nil
}

func hostKey(seed string) (nkeys.KeyPair, error) {
	if seed == "" {
		return nkeys.CreateServer()
	}
	key, err := nkeys.FromSeed([]byte(seed))
	if err != nil {
		return nil, fmt.Errorf("failed to parse host seed: %w", err)
	}
	if pub, _ := key.PublicKey(); !nkeys.IsValidPublicServerKey(pub) {
		return nil, fmt.Errorf("host seed is not a server key")
	}
	return key, nil
}

func (c *Container) connect() error {
	url := c.cfg.NATS.URL
	if c.cfg.NATS.Embedded {
		srv, err := lattice.StartEmbedded(c.cfg.NATS.Host, c.cfg.NATS.Port)
		if err != nil {
			return err
		}
		c.embedded = srv
		c.closers = append(c.closers, func(context.Context) error { srv.Shutdown(); return nil })
		url = srv.URL()
		c.logger.Info("embedded lattice broker started", "url", url)
	}

	transport, err := lattice.Connect(lattice.NATSConfig{
		URL:            url,
		Name:           version.Get().ConnectionName(c.hostID),
		Credentials:    c.cfg.NATS.Credentials,
		ConnectTimeout: c.cfg.NATS.ConnectTimeout,
		RequestTimeout: c.cfg.RPCTimeout,
	})
	if err != nil {
		return err
	}
	c.transport = transport
	c.closers = append(c.closers, func(context.Context) error { return transport.Close() })
	return nil
}

func (c *Container) openLinks(ctx context.Context) error {
	p := c.cfg.Persistence
	switch p.Backend {
	case system.BackendSQLite:
		repo, err := sqlite.Open(ctx, p.SQLite.Path)
		if err != nil {
			return err
		}
		c.repo = repo
		c.closers = append(c.closers, func(context.Context) error { return repo.Close() })
	case system.BackendRedis:
		repo, err := redis.Dial(ctx, p.Redis.Addr, p.Redis.Password, p.Redis.DB, c.cfg.Lattice)
		if err != nil {
			return err
		}
		c.repo = repo
		c.closers = append(c.closers, func(context.Context) error { return repo.Close() })
	default:
		c.repo = memory.NewLinkRepository()
	}

	c.registry = domainservices.NewLinkRegistry(c.repo)
	if err := c.registry.Load(ctx); err != nil {
		return fmt.Errorf("failed to load link definitions: %w", err)
	}
	c.logger.Info("link definitions loaded", "backend", p.Backend, "count", len(c.registry.All()))
	return nil
}

// authorizer chains the capability gatekeeper in front of the expression policy.
func (c *Container) authorizer() (*services.CapabilityGatekeeper, error) {
	rules, err := policy.NewAuthorizer(c.cfg.Policy)
	if err != nil {
		return nil, err
	}
	grant, err := c.cfg.Grant()
	if err != nil {
		return nil, err
	}
	return services.NewCapabilityGatekeeper(rules, services.ParseSecurityLevel(c.cfg.Security.Level), grant), nil
}

func cacheDir(configured string) string {
	if configured != "" {
		return configured
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "latticed", "providers")
	}
	return filepath.Join(os.TempDir(), "latticed", "providers")
}

// Start subscribes the control interface and announces the host.
func (c *Container) Start(ctx context.Context) error {
	if err := c.server.Start(); err != nil {
		return fmt.Errorf("failed to subscribe control interface: %w", err)
	}
	if err := c.transport.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush control subscriptions: %w", err)
	}
	c.logger.Info("host started", "lattice", c.cfg.Lattice, "url", c.transport.URL())
	return c.host.Announce(ctx)
}

// ServeAdmin runs the admin server on l until Close. It returns immediately
// when the admin server is disabled.
func (c *Container) ServeAdmin(l net.Listener) error {
	if c.admin == nil {
		return nil
	}
	return c.admin.Serve(l)
}

// HostID returns the host's public key.
func (c *Container) HostID() string { return c.hostID }

// Control returns the host's control service.
func (c *Container) Control() *services.ControlService { return c.control }

// Secrets returns the resolver for manifest secret references.
func (c *Container) Secrets() *secrets.Resolver { return c.secrets }

// Gatherer returns the host's metrics registry.
func (c *Container) Gatherer() prometheus.Gatherer { return c.gatherer }

// Transport returns the lattice connection.
func (c *Container) Transport() *lattice.NATSTransport { return c.transport }

// Close stops the host and releases resources in reverse order of creation.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.admin != nil {
		errs = append(errs, c.admin.Shutdown(ctx))
	}
	if c.server != nil {
		c.server.Stop()
	}
	if c.host != nil {
		errs = append(errs, c.host.Shutdown(ctx))
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i](ctx))
	}
	c.closers = nil
	return errors.Join(errs...)
}
