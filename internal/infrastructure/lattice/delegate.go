package lattice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reglet-dev/latticed/internal/application/ports"
	"github.com/reglet-dev/latticed/internal/domain/invocation"
)

// Delegate carries invocations between hosts over a Transport. Every host
// subscribed to an entity joins the same queue group, so each remote
// invocation is handled by exactly one of them.
type Delegate struct {
	transport ports.Transport
	subjects  Subjects
	timeout   time.Duration

	mu   sync.Mutex
	subs map[invocation.Entity]ports.Subscription
}

var _ ports.LatticeDelegate = (*Delegate)(nil)

// NewDelegate creates a delegate. timeout bounds each remote invocation.
func NewDelegate(transport ports.Transport, subjects Subjects, timeout time.Duration) *Delegate {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Delegate{
		transport: transport,
		subjects:  subjects,
		timeout:   timeout,
		subs:      make(map[invocation.Entity]ports.Subscription),
	}
}

// Invoke sends inv to whichever host serves its target and decodes the response.
func (d *Delegate) Invoke(ctx context.Context, inv *invocation.Invocation) (*invocation.Response, error) {
	data, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode invocation: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	reply, err := d.transport.Request(ctx, d.subjects.Entity(inv.Target), data)
	if err != nil {
		return nil, err
	}
	var resp invocation.Response
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s: %w", inv.Target.URL(), err)
	}
	return &resp, nil
}

// Listen serves invocations for entity arriving from other hosts.
// Listening again for the same entity replaces the handler.
func (d *Delegate) Listen(_ context.Context, entity invocation.Entity, handler ports.InboundHandler) error {
	subject := d.subjects.Entity(entity)
	sub, err := d.transport.Subscribe(subject, subject, func(ctx context.Context, msg ports.Message) {
		d.serve(ctx, msg, handler)
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	old, ok := d.subs[entity]
	d.subs[entity] = sub
	d.mu.Unlock()

	if ok {
		if err := old.Unsubscribe(); err != nil {
			slog.Warn("failed to drop previous listener", "entity", entity.URL(), "error", err)
		}
	}
	return nil
}

// Unlisten withdraws remote interest for entity.
func (d *Delegate) Unlisten(_ context.Context, entity invocation.Entity) error {
	d.mu.Lock()
	sub, ok := d.subs[entity]
	delete(d.subs, entity)
	d.mu.Unlock()

	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

// Listening returns the number of entities with remote interest registered.
func (d *Delegate) Listening() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

func (d *Delegate) serve(ctx context.Context, msg ports.Message, handler ports.InboundHandler) {
	var resp *invocation.Response
	var inv invocation.Invocation
	if err := json.Unmarshal(msg.Data, &inv); err != nil {
		resp = invocation.Failure("", fmt.Errorf("failed to decode invocation: %w", err))
	} else {
		resp = handler(ctx, &inv)
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to encode response", "subject", msg.Subject, "error", err)
		return
	}
	if err := d.transport.Publish(ctx, msg.Reply, data); err != nil {
		slog.Warn("failed to send response", "subject", msg.Subject, "error", err)
	}
}
