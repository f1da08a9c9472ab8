// Package bus routes invocations between local subscribers and the lattice.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	apperrors "github.com/reglet-dev/latticed/internal/application/errors"
	"github.com/reglet-dev/latticed/internal/application/ports"
	"github.com/reglet-dev/latticed/internal/domain/capabilities"
	"github.com/reglet-dev/latticed/internal/domain/invocation"
	"github.com/reglet-dev/latticed/internal/domain/links"
	"github.com/reglet-dev/latticed/internal/domain/services"
	"github.com/reglet-dev/latticed/internal/infrastructure/metrics"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("message bus is closed")

// InvocationSigner mints signed invocations for the local host.
type InvocationSigner interface {
	NewInvocation(origin, target invocation.Entity, operation string, payload []byte) (*invocation.Invocation, error)
	HostID() string
}

// InvocationVerifier checks an invocation's antiforgery token.
type InvocationVerifier interface {
	ValidateInvocation(inv *invocation.Invocation) error
}

// Config wires the bus to its collaborators. Signer, Verifier and Links are required.
type Config struct {
	Signer     InvocationSigner
	Verifier   InvocationVerifier
	Links      *services.LinkRegistry
	Authorizer ports.Authorizer      // optional, allows all when nil
	Delegate   ports.LatticeDelegate // optional, no remote fallback when nil
	Metrics    *metrics.Metrics      // optional
	QueueSize  int                   // per-subscriber pending deliveries
	DedupSize  int                   // settled invocation ids remembered for re-delivery
}

// Bus is an actor-style router: one goroutine owns the subscriber map and the
// claims cache and applies operations in the order they arrive.
type Bus struct {
	cfg    Config
	ops    chan func()
	quit   chan struct{}
	closed chan struct{}
	recent *lru.Cache[string, *invocation.Response]

	// owned by the loop goroutine
	subscribers map[invocation.Entity]*subscription
	claims      map[string]*capabilities.Claims
}

// New creates a bus and starts its loop.
func New(cfg Config) (*Bus, error) {
	if cfg.Signer == nil || cfg.Verifier == nil || cfg.Links == nil {
		return nil, fmt.Errorf("message bus requires a signer, verifier and link registry")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = 4096
	}
	recent, err := lru.New[string, *invocation.Response](cfg.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}

	b := &Bus{
		cfg:         cfg,
		ops:         make(chan func()),
		quit:        make(chan struct{}),
		closed:      make(chan struct{}),
		recent:      recent,
		subscribers: make(map[invocation.Entity]*subscription),
		claims:      make(map[string]*capabilities.Claims),
	}
	go b.loop()
	return b, nil
}

func (b *Bus) loop() {
	defer close(b.closed)
	for {
		select {
		case op := <-b.ops:
			op()
		case <-b.quit:
			for entity, sub := range b.subscribers {
				delete(b.subscribers, entity)
				sub.close()
			}
			return
		}
	}
}

// do runs fn on the loop goroutine and waits for it to finish.
func (b *Bus) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case b.ops <- func() { fn(); close(done) }:
	case <-b.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Close stops the loop. Pending deliveries fail with a closed-mailbox error.
// Remote listen interest is not withdrawn; close the delegate's transport for that.
func (b *Bus) Close() {
	select {
	case <-b.quit:
	default:
		close(b.quit)
	}
	<-b.closed
}

// HostID returns the id of the host that signs this bus's invocations.
func (b *Bus) HostID() string {
	return b.cfg.Signer.HostID()
}

// Subscribe registers mailbox as the local delivery target for entity,
// replacing any previous mailbox, and registers remote listen interest.
func (b *Bus) Subscribe(ctx context.Context, entity invocation.Entity, mailbox ports.Mailbox) error {
	if err := entity.Validate(); err != nil {
		return err
	}
	var err error
	if doErr := b.do(ctx, func() { err = b.subscribeLocked(ctx, entity, mailbox) }); doErr != nil {
		return doErr
	}
	return err
}

// BindResult reports the outcome of one bind invocation.
type BindResult struct {
	Link links.Definition
	Err  error
}

// SubscribeProvider subscribes a capability provider and, in the same step,
// issues a bind invocation for every link the registry holds for it. Because
// both happen in one loop operation, a concurrent AdvertiseLink either lands in
// this snapshot or sees the new subscriber, never both.
func (b *Bus) SubscribeProvider(ctx context.Context, entity invocation.Entity, mailbox ports.Mailbox) ([]BindResult, error) {
	if !entity.IsCapability() {
		return nil, fmt.Errorf("entity %s is not a capability provider", entity)
	}
	if err := entity.Validate(); err != nil {
		return nil, err
	}

	var (
		err     error
		pending []pendingBind
	)
	doErr := b.do(ctx, func() {
		if err = b.subscribeLocked(ctx, entity, mailbox); err != nil {
			return
		}
		for _, def := range b.cfg.Links.ForProvider(entity.LinkName, entity.ID) {
			if def.ContractID != entity.ContractID {
				continue
			}
			if p, ok := b.bindLocked(ctx, def, invocation.OpBindActor); ok {
				pending = append(pending, p)
			}
		}
	})
	if doErr != nil {
		return nil, doErr
	}
	if err != nil {
		return nil, err
	}
	return awaitBinds(ctx, pending), nil
}

func (b *Bus) subscribeLocked(ctx context.Context, entity invocation.Entity, mailbox ports.Mailbox) error {
	if b.cfg.Delegate != nil {
		if err := b.cfg.Delegate.Listen(ctx, entity, b.DeliverRemote); err != nil {
			return fmt.Errorf("failed to register remote interest for %s: %w", entity, err)
		}
	}
	if old, ok := b.subscribers[entity]; ok {
		old.close()
	}
	b.subscribers[entity] = newSubscription(entity, mailbox, b.cfg.QueueSize)
	b.cfg.Metrics.SetSubscribers(len(b.subscribers))
	slog.Debug("subscribed", "entity", entity.URL())
	return nil
}

// Unsubscribe removes entity's local registration and remote listen interest.
// Unsubscribing an unknown entity is a no-op.
func (b *Bus) Unsubscribe(ctx context.Context, entity invocation.Entity) error {
	var err error
	doErr := b.do(ctx, func() {
		sub, ok := b.subscribers[entity]
		if !ok {
			return
		}
		delete(b.subscribers, entity)
		sub.close()
		b.cfg.Metrics.SetSubscribers(len(b.subscribers))
		if b.cfg.Delegate != nil {
			if uerr := b.cfg.Delegate.Unlisten(ctx, entity); uerr != nil {
				err = fmt.Errorf("failed to withdraw remote interest for %s: %w", entity, uerr)
			}
		}
		slog.Debug("unsubscribed", "entity", entity.URL())
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Subscribers returns the locally subscribed entities.
func (b *Bus) Subscribers(ctx context.Context) ([]invocation.Entity, error) {
	var out []invocation.Entity
	err := b.do(ctx, func() {
		out = make([]invocation.Entity, 0, len(b.subscribers))
		for e := range b.subscribers {
			out = append(out, e)
		}
	})
	return out, err
}

// PutClaims caches claims by subject.
func (b *Bus) PutClaims(ctx context.Context, c *capabilities.Claims) error {
	return b.do(ctx, func() { b.claims[c.Subject] = c })
}

// RemoveClaims drops the cached claims for subject.
func (b *Bus) RemoveClaims(ctx context.Context, subject string) error {
	return b.do(ctx, func() { delete(b.claims, subject) })
}

// Claims returns the cached claims for subject.
func (b *Bus) Claims(ctx context.Context, subject string) (*capabilities.Claims, bool, error) {
	var (
		c  *capabilities.Claims
		ok bool
	)
	err := b.do(ctx, func() { c, ok = b.claims[subject] })
	return c, ok, err
}

// AllClaims returns every cached claim.
func (b *Bus) AllClaims(ctx context.Context) ([]*capabilities.Claims, error) {
	var out []*capabilities.Claims
	err := b.do(ctx, func() {
		out = make([]*capabilities.Claims, 0, len(b.claims))
		for _, c := range b.claims {
			out = append(out, c)
		}
	})
	return out, err
}

// route is the loop's decision for one invocation.
type route struct {
	kind   string
	resp   *invocation.Response
	reply  <-chan outcome
	remote ports.LatticeDelegate
}

// Dispatch authorizes inv and delivers it to a local subscriber, or to the
// lattice when none exists. Every failure is returned as an error response.
func (b *Bus) Dispatch(ctx context.Context, inv *invocation.Invocation) *invocation.Response {
	start := time.Now()
	if err := inv.Validate(); err != nil {
		return invocation.Failure(inv.ID, apperrors.NewValidationError("invocation", err.Error()))
	}
	if err := b.cfg.Verifier.ValidateInvocation(inv); err != nil {
		b.cfg.Metrics.ObserveDispatch(metrics.RouteDenied, true, time.Since(start))
		return invocation.Failure(inv.ID, err)
	}
	if cached, ok := b.recent.Get(inv.ID); ok {
		b.cfg.Metrics.ObserveDispatch(metrics.RouteDedup, cached.IsError(), time.Since(start))
		return cached
	}

	var r route
	if err := b.do(ctx, func() { r = b.routeLocked(ctx, inv) }); err != nil {
		return invocation.Failure(inv.ID, err)
	}

	out := b.complete(ctx, inv, r)
	if out.settled {
		b.recent.Add(inv.ID, out.resp)
	}
	resp := out.resp
	b.cfg.Metrics.ObserveDispatch(r.kind, resp.IsError(), time.Since(start))
	return resp
}

func (b *Bus) routeLocked(ctx context.Context, inv *invocation.Invocation) route {
	if err := b.authorizeLocked(ctx, inv); err != nil {
		slog.Debug("invocation denied", "origin", inv.Origin.URL(), "target", inv.Target.URL(),
			"operation", inv.Operation, "error", err)
		return route{kind: metrics.RouteDenied, resp: invocation.Failure(inv.ID, err)}
	}
	if sub, ok := b.subscribers[inv.Target]; ok {
		return route{kind: metrics.RouteLocal, reply: sub.enqueue(ctx, inv)}
	}
	if b.cfg.Delegate != nil {
		return route{kind: metrics.RouteRemote, remote: b.cfg.Delegate}
	}
	return route{kind: metrics.RouteNoRoute, resp: invocation.Failure(inv.ID,
		apperrors.NewRoutingError(apperrors.RoutingNoRemoteDelegate, inv.Target.URL(), fmt.Errorf("no route to target")))}
}

// complete waits for the routed outcome. Only responses the target produced are
// settled; timeouts, queue overflow and transport failures may be retried under
// the same invocation id.
func (b *Bus) complete(ctx context.Context, inv *invocation.Invocation, r route) outcome {
	switch {
	case r.resp != nil:
		return unsettled(r.resp)
	case r.reply != nil:
		select {
		case out := <-r.reply:
			return out
		case <-ctx.Done():
			return unsettled(invocation.Failure(inv.ID, ctx.Err()))
		}
	default:
		resp, err := r.remote.Invoke(ctx, inv)
		if err != nil {
			return unsettled(invocation.Failure(inv.ID, apperrors.NewRoutingError(apperrors.RoutingRemoteFailed, inv.Target.URL(), err)))
		}
		return outcome{resp: resp, settled: true}
	}
}

// authorizeLocked applies the claims checks for one invocation. The system actor
// and providers calling actors are allowed; actor origins need cached claims
// that grant the target contract and must pass the policy.
func (b *Bus) authorizeLocked(ctx context.Context, inv *invocation.Invocation) error {
	origin := inv.Origin
	if origin.IsSystem() {
		return nil
	}
	if origin.IsCapability() {
		if inv.Target.IsActor() {
			return nil
		}
		return apperrors.NewAuthError(apperrors.AuthCapabilityDenied, origin.ID, "providers may only invoke actors", nil)
	}

	c, ok := b.claims[origin.ID]
	if !ok {
		return apperrors.NewAuthError(apperrors.AuthCapabilityDenied, origin.ID, "no claims cached for origin", nil)
	}
	if inv.Target.IsCapability() && !c.Allows(inv.Target.ContractID) {
		return apperrors.NewAuthError(apperrors.AuthCapabilityDenied, origin.ID,
			fmt.Sprintf("%s is not granted", inv.Target.ContractID), nil)
	}
	if b.cfg.Authorizer != nil {
		if err := b.cfg.Authorizer.CanInvoke(ctx, c, inv.Target, inv.Operation); err != nil {
			return err
		}
	}
	return nil
}

// DeliverRemote handles an invocation that arrived from another host. The
// minting host authorized it; this host checks the antiforgery token and
// delivers locally only, never re-delegating.
func (b *Bus) DeliverRemote(ctx context.Context, inv *invocation.Invocation) *invocation.Response {
	start := time.Now()
	if err := b.cfg.Verifier.ValidateInvocation(inv); err != nil {
		b.cfg.Metrics.ObserveDispatch(metrics.RouteInbound, true, time.Since(start))
		return invocation.Failure(inv.ID, err)
	}
	if cached, ok := b.recent.Get(inv.ID); ok {
		return cached
	}

	var reply <-chan outcome
	err := b.do(ctx, func() {
		if sub, ok := b.subscribers[inv.Target]; ok {
			reply = sub.enqueue(ctx, inv)
		}
	})
	if err != nil {
		return invocation.Failure(inv.ID, err)
	}
	if reply == nil {
		return invocation.Failure(inv.ID, apperrors.NewRoutingError(apperrors.RoutingNoLocalSubscriber, inv.Target.URL(), nil))
	}

	out := b.complete(ctx, inv, route{reply: reply})
	if out.settled {
		b.recent.Add(inv.ID, out.resp)
	}
	resp := out.resp
	b.cfg.Metrics.ObserveDispatch(metrics.RouteInbound, resp.IsError(), time.Since(start))
	return resp
}

// Call mints an invocation from origin and dispatches it.
func (b *Bus) Call(ctx context.Context, origin, target invocation.Entity, operation string, payload []byte) *invocation.Response {
	inv, err := b.cfg.Signer.NewInvocation(origin, target, operation, payload)
	if err != nil {
		return invocation.Failure("", err)
	}
	return b.Dispatch(ctx, inv)
}

// CallLinked dispatches an actor's call to whichever provider its link for
// (contractID, linkName) targets.
func (b *Bus) CallLinked(ctx context.Context, actorID, contractID, linkName, operation string, payload []byte) *invocation.Response {
	providerID, ok := b.cfg.Links.FindProvider(actorID, contractID, linkName)
	if !ok {
		return invocation.Failure("", apperrors.NewRoutingError(apperrors.RoutingNoLocalSubscriber,
			fmt.Sprintf("%s/%s", contractID, linkName), fmt.Errorf("actor %s has no link", actorID)))
	}
	target := invocation.NewCapability(providerID, contractID, linkName)
	return b.Call(ctx, invocation.NewActor(actorID), target, operation, payload)
}

// AdvertiseLink records def and, if its provider is subscribed locally, sends it a
// bind invocation carrying the link values. A missing provider is not an error;
// the link is re-applied when the provider subscribes.
func (b *Bus) AdvertiseLink(ctx context.Context, def links.Definition) (ports.LinkResult, error) {
	var (
		result  ports.LinkResult
		err     error
		pending pendingBind
		bound   bool
	)
	doErr := b.do(ctx, func() {
		result.Changed, err = b.cfg.Links.Add(ctx, def)
		if err != nil || !result.Changed {
			return
		}
		pending, bound = b.bindLocked(ctx, def, invocation.OpBindActor)
	})
	if doErr != nil {
		return result, doErr
	}
	if err != nil {
		return result, err
	}
	if bound {
		res := awaitBinds(ctx, []pendingBind{pending})[0]
		result.Bound = res.Err == nil
		result.BindErr = res.Err
	}
	return result, nil
}

// RemoveLink deletes links from the registry and sends an unbind invocation to
// each affected provider that is subscribed locally. An empty contractID removes
// the link name across all contracts.
func (b *Bus) RemoveLink(ctx context.Context, actorID, contractID, linkName string) ([]links.Definition, error) {
	var (
		removed []links.Definition
		err     error
		pending []pendingBind
	)
	doErr := b.do(ctx, func() {
		removed, err = b.cfg.Links.Remove(ctx, actorID, contractID, linkName)
		for _, def := range removed {
			if p, ok := b.bindLocked(ctx, def, invocation.OpUnbindActor); ok {
				pending = append(pending, p)
			}
		}
	})
	if doErr != nil {
		return nil, doErr
	}
	for _, res := range awaitBinds(ctx, pending) {
		if res.Err != nil {
			slog.Warn("provider rejected unbind", "link", res.Link.Key().String(), "error", res.Err)
		}
	}
	return removed, err
}

type pendingBind struct {
	link  links.Definition
	id    string
	reply <-chan outcome
}

// bindLocked queues a bind or unbind for def's provider if it is subscribed here.
func (b *Bus) bindLocked(ctx context.Context, def links.Definition, op string) (pendingBind, bool) {
	target := invocation.NewCapability(def.ProviderID, def.ContractID, def.LinkName)
	sub, ok := b.subscribers[target]
	if !ok {
		return pendingBind{}, false
	}
	if c, known := b.claims[def.ActorID]; known && !c.Allows(def.ContractID) {
		slog.Warn("skipping bind for link not granted by actor claims",
			"actor", def.ActorID, "contract", def.ContractID, "link_name", def.LinkName)
		return pendingBind{}, false
	}

	payload, err := json.Marshal(def)
	if err != nil {
		slog.Error("failed to encode link definition", "link", def.Key().String(), "error", err)
		return pendingBind{}, false
	}
	inv, err := b.cfg.Signer.NewInvocation(invocation.SystemActor(), target, op, payload)
	if err != nil {
		slog.Error("failed to sign bind invocation", "link", def.Key().String(), "error", err)
		return pendingBind{}, false
	}
	return pendingBind{link: def, id: inv.ID, reply: sub.enqueue(ctx, inv)}, true
}

func awaitBinds(ctx context.Context, pending []pendingBind) []BindResult {
	out := make([]BindResult, 0, len(pending))
	for _, p := range pending {
		var resp *invocation.Response
		select {
		case out := <-p.reply:
			resp = out.resp
		case <-ctx.Done():
			resp = invocation.Failure(p.id, ctx.Err())
		}
		res := BindResult{Link: p.link}
		if resp.IsError() {
			res.Err = errors.New(resp.Error)
		}
		out = append(out, res)
	}
	return out
}
