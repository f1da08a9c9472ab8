package bus

import (
	"context"
	"fmt"
	"log/slog"

	apperrors "github.com/reglet-dev/latticed/internal/application/errors"
	"github.com/reglet-dev/latticed/internal/application/ports"
	"github.com/reglet-dev/latticed/internal/domain/invocation"
)

type delivery struct {
	ctx   context.Context
	inv   *invocation.Invocation
	reply chan outcome
}

// outcome pairs a response with whether the mailbox produced it. Responses the
// bus synthesized for a full, closed or cancelled delivery are not settled.
type outcome struct {
	resp    *invocation.Response
	settled bool
}

func unsettled(resp *invocation.Response) outcome {
	return outcome{resp: resp}
}

// subscription drains one entity's deliveries in FIFO order on its own goroutine,
// so a slow mailbox never stalls the bus loop or other subscribers.
type subscription struct {
	entity  invocation.Entity
	mailbox ports.Mailbox
	queue   chan delivery
	stop    chan struct{}
}

func newSubscription(entity invocation.Entity, mailbox ports.Mailbox, size int) *subscription {
	s := &subscription{
		entity:  entity,
		mailbox: mailbox,
		queue:   make(chan delivery, size),
		stop:    make(chan struct{}),
	}
	go s.run()
	return s
}

// enqueue must only be called from the bus loop. It never blocks: a full
// queue is reported to the caller as a closed mailbox.
func (s *subscription) enqueue(ctx context.Context, inv *invocation.Invocation) <-chan outcome {
	reply := make(chan outcome, 1)
	select {
	case s.queue <- delivery{ctx: ctx, inv: inv, reply: reply}:
	default:
		reply <- unsettled(invocation.Failure(inv.ID, apperrors.NewRoutingError(apperrors.RoutingMailboxClosed, s.entity.URL(),
			fmt.Errorf("mailbox full (%d pending)", cap(s.queue)))))
	}
	return reply
}

// close must only be called from the bus loop, after the subscription has been
// removed from the subscriber map.
func (s *subscription) close() {
	close(s.stop)
}

func (s *subscription) run() {
	for {
		select {
		case d := <-s.queue:
			d.reply <- s.deliver(d)
		case <-s.stop:
			for {
				select {
				case d := <-s.queue:
					d.reply <- unsettled(invocation.Failure(d.inv.ID,
						apperrors.NewRoutingError(apperrors.RoutingMailboxClosed, s.entity.URL(), nil)))
				default:
					return
				}
			}
		}
	}
}

func (s *subscription) deliver(d delivery) (out outcome) {
	if err := d.ctx.Err(); err != nil {
		return unsettled(invocation.Failure(d.inv.ID, err))
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("mailbox panicked", "target", s.entity.URL(), "operation", d.inv.Operation, "panic", r)
			out = unsettled(invocation.Failure(d.inv.ID, apperrors.NewRoutingError(apperrors.RoutingMailboxClosed, s.entity.URL(),
				fmt.Errorf("mailbox panicked: %v", r))))
		}
	}()

	resp, err := s.mailbox.Deliver(d.ctx, d.inv)
	if err != nil {
		return unsettled(invocation.Failure(d.inv.ID, apperrors.NewRoutingError(apperrors.RoutingMailboxClosed, s.entity.URL(), err)))
	}
	if resp == nil {
		return unsettled(invocation.Failure(d.inv.ID, apperrors.NewRoutingError(apperrors.RoutingMailboxClosed, s.entity.URL(),
			fmt.Errorf("mailbox returned no response"))))
	}
	resp.InvocationID = d.inv.ID
	return outcome{resp: resp, settled: true}
}
