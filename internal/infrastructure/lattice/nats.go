package lattice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/reglet-dev/latticed/internal/application/ports"
)

// NATSConfig configures a broker connection.
type NATSConfig struct {
	URL            string
	Name           string
	Credentials    string        // optional .creds file
	ConnectTimeout time.Duration // defaults to 5s
	RequestTimeout time.Duration // applied when the caller's context has no deadline; defaults to 2s
}

// NATSTransport implements ports.Transport over a NATS connection.
type NATSTransport struct {
	conn           *nats.Conn
	requestTimeout time.Duration
}

var _ ports.Transport = (*NATSTransport)(nil)

// Connect dials the broker.
func Connect(cfg NATSConfig) (*NATSTransport, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Second
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("lattice connection lost", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("lattice connection restored", "url", c.ConnectedUrl())
		}),
	}
	if cfg.Credentials != "" {
		opts = append(opts, nats.UserCredentials(cfg.Credentials))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lattice at %s: %w", cfg.URL, err)
	}
	return &NATSTransport{conn: conn, requestTimeout: cfg.RequestTimeout}, nil
}

// NewNATSTransport wraps an existing connection.
func NewNATSTransport(conn *nats.Conn, requestTimeout time.Duration) *NATSTransport {
	if requestTimeout <= 0 {
		requestTimeout = 2 * time.Second
	}
	return &NATSTransport{conn: conn, requestTimeout: requestTimeout}
}

// URL returns the server the transport is connected to.
func (t *NATSTransport) URL() string {
	return t.conn.ConnectedUrl()
}

// Publish sends data on subject.
func (t *NATSTransport) Publish(_ context.Context, subject string, data []byte) error {
	if err := t.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Request sends data on subject and waits for a single reply.
func (t *NATSTransport) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	ctx, cancel := t.withDeadline(ctx)
	defer cancel()
	msg, err := t.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("no responders on %s: %w", subject, err)
		}
		return nil, fmt.Errorf("request to %s failed: %w", subject, err)
	}
	return msg.Data, nil
}

// Gather sends data on subject and collects every reply that arrives within
// wait. It returns early when ctx is done; replies received so far are kept.
func (t *NATSTransport) Gather(ctx context.Context, subject string, data []byte, wait time.Duration) ([][]byte, error) {
	inbox := t.conn.NewRespInbox()
	sub, err := t.conn.SubscribeSync(inbox)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to reply inbox: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := t.conn.PublishRequest(subject, inbox, data); err != nil {
		return nil, fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	var replies [][]byte
	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return replies, nil
			}
			return replies, fmt.Errorf("failed to collect replies on %s: %w", subject, err)
		}
		replies = append(replies, msg.Data)
	}
}

// Subscribe registers handler for subject. A non-empty queue joins a queue
// group so only one member receives each message.
func (t *NATSTransport) Subscribe(subject, queue string, handler ports.MessageHandler) (ports.Subscription, error) {
	cb := func(m *nats.Msg) {
		handler(context.Background(), ports.Message{Subject: m.Subject, Reply: m.Reply, Data: m.Data})
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = t.conn.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = t.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// Flush waits until the server has processed all buffered operations.
// A context without a deadline gets the request timeout.
func (t *NATSTransport) Flush(ctx context.Context) error {
	ctx, cancel := t.withDeadline(ctx)
	defer cancel()
	if err := t.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush lattice connection: %w", err)
	}
	return nil
}

// withDeadline applies the request timeout to contexts that have none;
// nats.go rejects deadline-free contexts for request and flush.
func (t *NATSTransport) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.requestTimeout)
}

// Close drains subscriptions and closes the connection.
func (t *NATSTransport) Close() error {
	if t.conn.IsClosed() {
		return nil
	}
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
		return fmt.Errorf("failed to drain lattice connection: %w", err)
	}
	return nil
}
