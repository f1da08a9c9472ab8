// Package host implements the host controller: the command loop that starts and
// stops actors and providers and answers inventory and auction queries.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	apperrors "github.com/reglet-dev/latticed/internal/application/errors"
	"github.com/reglet-dev/latticed/internal/application/ports"
	"github.com/reglet-dev/latticed/internal/domain/capabilities"
	"github.com/reglet-dev/latticed/internal/domain/invocation"
	"github.com/reglet-dev/latticed/internal/domain/links"
	"github.com/reglet-dev/latticed/internal/domain/services"
	"github.com/reglet-dev/latticed/internal/domain/values"
	"github.com/reglet-dev/latticed/internal/infrastructure/bus"
	"github.com/reglet-dev/latticed/internal/infrastructure/events"
	"github.com/reglet-dev/latticed/internal/infrastructure/metrics"
	"github.com/reglet-dev/latticed/internal/infrastructure/policy"
)

// ErrClosed is returned by commands sent to a controller that has shut down.
var ErrClosed = errors.New("host controller is closed")

// Config wires the controller to its collaborators.
type Config struct {
	HostID         string
	Labels         map[string]string
	Bus            *bus.Bus
	Links          *services.LinkRegistry
	Validator      ports.ClaimsValidator
	Authorizer     ports.Authorizer // optional, allows all when nil
	ActorLoader    ports.ActorLoader
	Runtime        ports.ActorRuntime
	ProviderLoader ports.ProviderLoader
	Launcher       ports.ProviderLauncher
	Events         ports.EventPublisher // optional
	Metrics        *metrics.Metrics     // optional
	StopTimeout    time.Duration
}

func (c *Config) validate() error {
	if c.HostID == "" || c.Bus == nil || c.Links == nil || c.Validator == nil {
		return apperrors.NewValidationError("host", "host id, bus, link registry and claims validator are required")
	}
	if c.Authorizer == nil {
		c.Authorizer = policy.AllowAll()
	}
	if c.Events == nil {
		c.Events = events.Noop{}
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return nil
}

// ProviderKey identifies a running provider. One binary can run once per link name.
type ProviderKey struct {
	ID       string
	LinkName string
}

type runningActor struct {
	claims   *capabilities.Claims
	imageRef string
	instance ports.ActorInstance
	state    values.UnitState
}

type runningProvider struct {
	claims   *capabilities.Claims
	imageRef string
	instance ports.ProviderInstance
	state    values.UnitState
}

// Controller owns the set of units running on this host. Every command runs on
// a single goroutine in arrival order.
type Controller struct {
	cfg     Config
	started time.Time
	now     func() time.Time

	ops    chan func()
	quit   chan struct{}
	closed chan struct{}

	// owned by the loop goroutine
	labels       map[string]string
	actors       map[string]*runningActor
	providers    map[ProviderKey]*runningProvider
	actorRefs    map[string]string
	providerRefs map[string]string
}

// New creates a controller and starts its command loop.
func New(cfg Config) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:          cfg,
		started:      time.Now(),
		now:          time.Now,
		ops:          make(chan func()),
		quit:         make(chan struct{}),
		closed:       make(chan struct{}),
		labels:       withCoreLabels(cfg.Labels),
		actors:       make(map[string]*runningActor),
		providers:    make(map[ProviderKey]*runningProvider),
		actorRefs:    make(map[string]string),
		providerRefs: make(map[string]string),
	}
	go c.loop()
	return c, nil
}

func (c *Controller) loop() {
	defer close(c.closed)
	for {
		select {
		case op := <-c.ops:
			op()
		case <-c.quit:
			return
		}
	}
}

func (c *Controller) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case c.ops <- func() { fn(); close(done) }:
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// HostID returns the host's public key.
func (c *Controller) HostID() string {
	return c.cfg.HostID
}

// Announce publishes host_started.
func (c *Controller) Announce(ctx context.Context) error {
	labels, err := c.Labels(ctx)
	if err != nil {
		return err
	}
	events.Emit(ctx, c.cfg.Events, events.HostStarted, map[string]any{
		"host_id": c.cfg.HostID,
		"labels":  labels,
	})
	return nil
}

// Shutdown stops every running unit, publishes host_stopped and ends the
// command loop.
func (c *Controller) Shutdown(ctx context.Context) error {
	var errs []error
	err := c.do(ctx, func() {
		for pk := range c.actors {
			if err := c.stopActorLocked(ctx, pk); err != nil {
				errs = append(errs, err)
			}
		}
		for key := range c.providers {
			if err := c.stopProviderLocked(ctx, key, "host shutdown"); err != nil {
				errs = append(errs, err)
			}
		}
		events.Emit(ctx, c.cfg.Events, events.HostStopped, map[string]any{"host_id": c.cfg.HostID})
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
	<-c.closed
	return errors.Join(errs...)
}

// StartActor loads, verifies and subscribes the actor at imageRef.
func (c *Controller) StartActor(ctx context.Context, imageRef string) (*capabilities.Claims, error) {
	var (
		claims *capabilities.Claims
		err    error
	)
	if doErr := c.do(ctx, func() { claims, err = c.startActorLocked(ctx, imageRef) }); doErr != nil {
		return nil, doErr
	}
	if err != nil {
		events.Emit(ctx, c.cfg.Events, events.ActorStartFailed, map[string]any{
			"image_ref": imageRef,
			"error":     err.Error(),
		})
		return nil, err
	}
	events.Emit(ctx, c.cfg.Events, events.ActorStarted, map[string]any{
		"public_key": claims.Subject,
		"image_ref":  imageRef,
		"name":       claims.Name,
		"revision":   claims.Revision,
	})
	return claims, nil
}

func (c *Controller) startActorLocked(ctx context.Context, imageRef string) (*capabilities.Claims, error) {
	if c.cfg.ActorLoader == nil || c.cfg.Runtime == nil {
		return nil, apperrors.NewConfigurationError("host", "no actor runtime configured", nil)
	}
	image, err := c.cfg.ActorLoader.LoadActor(ctx, imageRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load actor %s: %w", imageRef, err)
	}
	claims, err := c.cfg.Validator.Validate(image.Token)
	if err != nil {
		return nil, err
	}
	if claims.Kind != capabilities.UnitActor {
		return nil, apperrors.NewValidationError("claims", "module is not signed as an actor", claims.Subject)
	}
	if err := c.cfg.Authorizer.CanLoad(ctx, claims); err != nil {
		return nil, apperrors.NewLifecycleError(apperrors.LifecycleLoadDenied, claims.Subject, err)
	}
	if _, ok := c.actors[claims.Subject]; ok {
		return nil, apperrors.NewLifecycleError(apperrors.LifecycleAlreadyRunning, claims.Subject, nil)
	}

	unit := &runningActor{claims: claims, imageRef: imageRef, state: values.StateStarting}
	instance, err := c.cfg.Runtime.Instantiate(ctx, claims, image)
	if err != nil {
		return nil, apperrors.NewLifecycleError(apperrors.LifecycleSpawnFailed, claims.Subject, err)
	}
	unit.instance = instance

	if err := c.cfg.Bus.PutClaims(ctx, claims); err != nil {
		_ = instance.Close(ctx)
		return nil, err
	}
	if err := c.cfg.Bus.Subscribe(ctx, invocation.NewActor(claims.Subject), instance); err != nil {
		_ = c.cfg.Bus.RemoveClaims(ctx, claims.Subject)
		_ = instance.Close(ctx)
		return nil, fmt.Errorf("failed to subscribe actor %s: %w", claims.Subject, err)
	}

	transition(&unit.state, values.StateRunning)
	c.actors[claims.Subject] = unit
	c.actorRefs[imageRef] = claims.Subject
	c.cfg.Metrics.SetRunning("actor", len(c.actors))
	slog.Info("actor started", "public_key", claims.Subject, "image_ref", imageRef, "name", claims.Name)
	return claims, nil
}

// StopActor stops the actor identified by public key or image reference.
// Stopping an unknown actor succeeds without doing anything.
func (c *Controller) StopActor(ctx context.Context, refOrID string) error {
	var err error
	if doErr := c.do(ctx, func() {
		pk, ok := c.resolveActor(refOrID)
		if !ok {
			slog.Debug("stop requested for unknown actor", "actor", refOrID)
			return
		}
		err = c.stopActorLocked(ctx, pk)
	}); doErr != nil {
		return doErr
	}
	return err
}

func (c *Controller) resolveActor(refOrID string) (string, bool) {
	if _, ok := c.actors[refOrID]; ok {
		return refOrID, true
	}
	pk, ok := c.actorRefs[refOrID]
	return pk, ok
}

func (c *Controller) stopActorLocked(ctx context.Context, pk string) error {
	unit := c.actors[pk]
	transition(&unit.state, values.StateStopping)

	var errs []error
	if err := c.cfg.Bus.Unsubscribe(ctx, invocation.NewActor(pk)); err != nil {
		errs = append(errs, err)
	}
	if err := c.cfg.Bus.RemoveClaims(ctx, pk); err != nil {
		errs = append(errs, err)
	}
	if err := unit.instance.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close actor %s: %w", pk, err))
	}

	transition(&unit.state, values.StateStopped)
	delete(c.actors, pk)
	delete(c.actorRefs, unit.imageRef)
	c.cfg.Metrics.SetRunning("actor", len(c.actors))
	events.Emit(ctx, c.cfg.Events, events.ActorStopped, map[string]any{
		"public_key": pk,
		"image_ref":  unit.imageRef,
	})
	slog.Info("actor stopped", "public_key", pk)
	return errors.Join(errs...)
}

// StartProvider launches the provider at imageRef under linkName and binds it
// to every link already defined for it.
func (c *Controller) StartProvider(ctx context.Context, imageRef, linkName string, configNames []string) (*capabilities.Claims, error) {
	if linkName == "" {
		linkName = links.DefaultLinkName
	}
	var (
		claims *capabilities.Claims
		inst   ports.ProviderInstance
		err    error
	)
	if doErr := c.do(ctx, func() {
		claims, inst, err = c.startProviderLocked(ctx, imageRef, linkName, configNames)
	}); doErr != nil {
		return nil, doErr
	}
	if err != nil {
		events.Emit(ctx, c.cfg.Events, events.ProviderStartFailed, map[string]any{
			"provider_ref": imageRef,
			"link_name":    linkName,
			"error":        err.Error(),
		})
		return nil, err
	}

	key := ProviderKey{ID: claims.Subject, LinkName: linkName}
	go c.watch(key, inst)

	events.Emit(ctx, c.cfg.Events, events.ProviderStarted, map[string]any{
		"public_key":  claims.Subject,
		"image_ref":   imageRef,
		"link_name":   linkName,
		"contract_id": claims.ContractID,
		"instance_id": inst.InstanceID(),
	})
	return claims, nil
}

func (c *Controller) startProviderLocked(ctx context.Context, imageRef, linkName string, configNames []string) (*capabilities.Claims, ports.ProviderInstance, error) {
	if c.cfg.ProviderLoader == nil || c.cfg.Launcher == nil {
		return nil, nil, apperrors.NewConfigurationError("host", "no provider launcher configured", nil)
	}
	image, err := c.cfg.ProviderLoader.LoadProvider(ctx, imageRef)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load provider %s: %w", imageRef, err)
	}
	claims, err := c.cfg.Validator.Validate(image.Token)
	if err != nil {
		return nil, nil, err
	}
	if claims.Kind != capabilities.UnitProvider || claims.ContractID == "" {
		return nil, nil, apperrors.NewValidationError("claims", "binary is not signed as a capability provider", claims.Subject)
	}
	key := ProviderKey{ID: claims.Subject, LinkName: linkName}
	if _, ok := c.providers[key]; ok {
		return nil, nil, apperrors.NewLifecycleError(apperrors.LifecycleAlreadyRunning, claims.Subject+"/"+linkName, nil)
	}

	registry := c.cfg.Links
	contract := claims.ContractID
	inst, err := c.cfg.Launcher.Launch(ctx, ports.LaunchRequest{
		Claims:      claims,
		Image:       image,
		LinkName:    linkName,
		ConfigNames: configNames,
		Links: func() []links.Definition {
			var out []links.Definition
			for _, def := range registry.ForProvider(linkName, key.ID) {
				if def.ContractID == contract {
					out = append(out, def)
				}
			}
			return out
		},
	})
	if err != nil {
		return nil, nil, apperrors.NewLifecycleError(apperrors.LifecycleSpawnFailed, claims.Subject, err)
	}
	unit := &runningProvider{claims: claims, imageRef: imageRef, instance: inst, state: values.StateStarting}

	if err := c.cfg.Bus.PutClaims(ctx, claims); err != nil {
		_ = inst.Stop(ctx)
		return nil, nil, err
	}
	entity := invocation.NewCapability(claims.Subject, claims.ContractID, linkName)
	binds, err := c.cfg.Bus.SubscribeProvider(ctx, entity, inst)
	if err != nil {
		c.forgetClaimsLocked(ctx, key)
		_ = inst.Stop(ctx)
		return nil, nil, fmt.Errorf("failed to subscribe provider %s: %w", entity, err)
	}
	for _, b := range binds {
		if b.Err != nil {
			slog.Warn("failed to restore link on provider start", "link", b.Link.Key().String(), "error", b.Err)
		}
	}

	transition(&unit.state, values.StateRunning)
	c.providers[key] = unit
	c.providerRefs[imageRef] = claims.Subject
	c.cfg.Metrics.SetRunning("provider", len(c.providers))
	slog.Info("provider started", "public_key", claims.Subject, "link_name", linkName,
		"contract_id", claims.ContractID, "links_restored", len(binds))
	return claims, inst, nil
}

// watch reaps a provider whose supervision ends on its own.
func (c *Controller) watch(key ProviderKey, inst ports.ProviderInstance) {
	<-inst.Done()
	ctx := context.Background()
	_ = c.do(ctx, func() {
		unit, ok := c.providers[key]
		if !ok || unit.instance != inst {
			return
		}
		reason := "provider exited"
		if err := inst.Err(); err != nil {
			reason = err.Error()
		}
		transition(&unit.state, values.StateStopping)
		slog.Warn("reaping provider whose supervision ended", "public_key", key.ID, "link_name", key.LinkName, "reason", reason)
		c.removeProviderLocked(ctx, key, unit, reason)
	})
}

// StopProvider stops the provider identified by public key or image reference
// on linkName. Stopping an unknown provider succeeds without doing anything.
func (c *Controller) StopProvider(ctx context.Context, refOrID, linkName string) error {
	if linkName == "" {
		linkName = links.DefaultLinkName
	}
	var err error
	if doErr := c.do(ctx, func() {
		key, ok := c.resolveProvider(refOrID, linkName)
		if !ok {
			slog.Debug("stop requested for unknown provider", "provider", refOrID, "link_name", linkName)
			return
		}
		err = c.stopProviderLocked(ctx, key, "stop requested")
	}); doErr != nil {
		return doErr
	}
	return err
}

func (c *Controller) resolveProvider(refOrID, linkName string) (ProviderKey, bool) {
	key := ProviderKey{ID: refOrID, LinkName: linkName}
	if _, ok := c.providers[key]; ok {
		return key, true
	}
	if pk, ok := c.providerRefs[refOrID]; ok {
		key.ID = pk
		_, ok = c.providers[key]
		return key, ok
	}
	return key, false
}

func (c *Controller) stopProviderLocked(ctx context.Context, key ProviderKey, reason string) error {
	unit := c.providers[key]
	transition(&unit.state, values.StateStopping)

	stopCtx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
	defer cancel()
	err := unit.instance.Stop(stopCtx)
	c.removeProviderLocked(ctx, key, unit, reason)
	if err != nil {
		return fmt.Errorf("failed to stop provider %s: %w", key.ID, err)
	}
	return nil
}

// removeProviderLocked drops a provider from the bus and the running set.
func (c *Controller) removeProviderLocked(ctx context.Context, key ProviderKey, unit *runningProvider, reason string) {
	entity := invocation.NewCapability(key.ID, unit.claims.ContractID, key.LinkName)
	if err := c.cfg.Bus.Unsubscribe(ctx, entity); err != nil {
		slog.Warn("failed to unsubscribe provider", "entity", entity.URL(), "error", err)
	}
	c.forgetClaimsLocked(ctx, key)

	transition(&unit.state, values.StateStopped)
	delete(c.providers, key)
	if !c.providerRunningLocked(key.ID) {
		delete(c.providerRefs, unit.imageRef)
	}
	c.cfg.Metrics.SetRunning("provider", len(c.providers))
	events.Emit(ctx, c.cfg.Events, events.ProviderStopped, map[string]any{
		"public_key":  key.ID,
		"link_name":   key.LinkName,
		"contract_id": unit.claims.ContractID,
		"reason":      reason,
	})
	slog.Info("provider stopped", "public_key", key.ID, "link_name", key.LinkName, "reason", reason)
}

// forgetClaimsLocked removes cached claims once no other link of the same
// provider is still running.
func (c *Controller) forgetClaimsLocked(ctx context.Context, key ProviderKey) {
	for other := range c.providers {
		if other.ID == key.ID && other != key {
			return
		}
	}
	if err := c.cfg.Bus.RemoveClaims(ctx, key.ID); err != nil {
		slog.Warn("failed to remove provider claims", "public_key", key.ID, "error", err)
	}
}

func (c *Controller) providerRunningLocked(pk string) bool {
	for key := range c.providers {
		if key.ID == pk {
			return true
		}
	}
	return false
}

// SetLabels replaces the host labels. Core labels cannot be removed or changed.
func (c *Controller) SetLabels(ctx context.Context, labels map[string]string) error {
	var current map[string]string
	if err := c.do(ctx, func() {
		c.labels = withCoreLabels(labels)
		current = maps.Clone(c.labels)
	}); err != nil {
		return err
	}
	events.Emit(ctx, c.cfg.Events, events.LabelsChanged, map[string]any{
		"host_id": c.cfg.HostID,
		"labels":  current,
	})
	return nil
}

// Labels returns a copy of the host labels.
func (c *Controller) Labels(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, func() { out = maps.Clone(c.labels) })
	return out, err
}

// Uptime returns how long the controller has been running.
func (c *Controller) Uptime() time.Duration {
	return c.now().Sub(c.started)
}

// transition moves a unit to next, logging illegal moves.
func transition(state *values.UnitState, next values.UnitState) {
	if !state.CanTransitionTo(next) {
		slog.Debug("unexpected unit state transition", "from", *state, "to", next)
	}
	*state = next
}
