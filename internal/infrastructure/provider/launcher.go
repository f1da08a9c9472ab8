package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/reglet-dev/latticed/internal/application/errors"
	"github.com/reglet-dev/latticed/internal/application/ports"
	"github.com/reglet-dev/latticed/internal/domain/invocation"
	"github.com/reglet-dev/latticed/internal/domain/links"
	"github.com/reglet-dev/latticed/internal/domain/values"
	"github.com/reglet-dev/latticed/internal/infrastructure/config"
	"github.com/reglet-dev/latticed/internal/infrastructure/lattice"
	"github.com/reglet-dev/latticed/internal/infrastructure/metrics"
)

// LauncherConfig holds the host-wide settings shared by every provider.
type LauncherConfig struct {
	HostID            string
	LatticeURL        string
	Transport         ports.Transport
	Subjects          lattice.Subjects
	Store             *config.Store // optional named config source
	Events            ports.EventPublisher
	Metrics           *metrics.Metrics
	Restart           RestartPolicy
	Health            HealthPolicy
	RPCTimeout        time.Duration
	LogLevel          string
	StructuredLogging bool
	Env               map[string]string
	ClusterIssuers    []string
}

// Launcher starts supervised provider processes.
type Launcher struct {
	cfg LauncherConfig
}

var _ ports.ProviderLauncher = (*Launcher)(nil)

// NewLauncher creates a launcher.
func NewLauncher(cfg LauncherConfig) *Launcher {
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 2 * time.Second
	}
	return &Launcher{cfg: cfg}
}

// Launch spawns the provider binary and returns its running instance.
func (l *Launcher) Launch(ctx context.Context, req ports.LaunchRequest) (ports.ProviderInstance, error) {
	if req.Claims == nil || req.Image == nil {
		return nil, apperrors.NewValidationError("provider", "claims and image are required")
	}

	var bundle *config.Bundle
	if l.cfg.Store != nil {
		bundle = l.cfg.Store.Bundle(req.ConfigNames...)
	}

	inst := &Instance{
		providerID: req.Claims.Subject,
		linkName:   req.LinkName,
		transport:  l.cfg.Transport,
		subject:    l.cfg.Subjects.Provider(req.Claims.Subject, req.LinkName),
		timeout:    l.cfg.RPCTimeout,
	}

	sup, err := Start(ctx, Config{
		Path:       req.Image.Path,
		Args:       req.Image.Args,
		ProviderID: req.Claims.Subject,
		LinkName:   req.LinkName,
		Env:        l.cfg.Env,
		HostData:   l.hostData(req, bundle, inst),
		Bundle:     bundle,
		Transport:  l.cfg.Transport,
		Subjects:   l.cfg.Subjects,
		Events:     l.cfg.Events,
		Metrics:    l.cfg.Metrics,
		Restart:    l.cfg.Restart,
		Health:     l.cfg.Health,
	})
	if err != nil {
		if bundle != nil {
			bundle.Close()
		}
		return nil, err
	}
	inst.supervisor = sup
	return inst, nil
}

// hostData builds a fresh payload, with a new instance id and the current
// links and config, every time the process is spawned.
func (l *Launcher) hostData(req ports.LaunchRequest, bundle *config.Bundle, inst *Instance) HostDataFunc {
	return func() (HostData, error) {
		defs := []links.Definition{}
		if req.Links != nil {
			defs = req.Links()
		}
		cfg := map[string]string{}
		if bundle != nil {
			cfg = bundle.Snapshot()
		}
		id := values.NewInstanceID()
		inst.setInstanceID(id.String())

		return HostData{
			HostID:              l.cfg.HostID,
			LatticeRPCPrefix:    l.cfg.Subjects.RPCPrefix(),
			LatticeRPCURL:       l.cfg.LatticeURL,
			LinkName:            req.LinkName,
			InstanceID:          id.String(),
			ProviderKey:         req.Claims.Subject,
			ContractID:          req.Claims.ContractID,
			LinkDefinitions:     defs,
			Config:              cfg,
			ClusterIssuers:      l.cfg.ClusterIssuers,
			DefaultRPCTimeoutMS: uint64(l.cfg.RPCTimeout.Milliseconds()),
			LogLevel:            l.cfg.LogLevel,
			StructuredLogging:   l.cfg.StructuredLogging,
		}, nil
	}
}

// Instance is a running provider: its supervisor plus a mailbox that forwards
// invocations to the process over the transport.
type Instance struct {
	providerID string
	linkName   string
	transport  ports.Transport
	subject    string
	timeout    time.Duration
	supervisor *Supervisor

	mu         sync.RWMutex
	instanceID string
}

var _ ports.ProviderInstance = (*Instance)(nil)

// Deliver sends inv to the provider process and waits for its response.
func (i *Instance) Deliver(ctx context.Context, inv *invocation.Invocation) (*invocation.Response, error) {
	data, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode invocation: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	reply, err := i.transport.Request(ctx, i.subject, data)
	if err != nil {
		return nil, fmt.Errorf("provider %s did not answer %s: %w", i.providerID, inv.Operation, err)
	}
	var resp invocation.Response
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode provider response: %w", err)
	}
	return &resp, nil
}

// InstanceID returns the id handed to the current process.
func (i *Instance) InstanceID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.instanceID
}

func (i *Instance) setInstanceID(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.instanceID = id
}

// Supervisor exposes the underlying supervisor.
func (i *Instance) Supervisor() *Supervisor {
	return i.supervisor
}

// Done is closed once supervision has ended.
func (i *Instance) Done() <-chan struct{} {
	return i.supervisor.Done()
}

// Err returns the fatal supervision error, if any.
func (i *Instance) Err() error {
	return i.supervisor.Err()
}

// Stop shuts the provider down.
func (i *Instance) Stop(ctx context.Context) error {
	return i.supervisor.Stop(ctx)
}
