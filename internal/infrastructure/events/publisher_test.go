package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/reglet-dev/latticed/internal/application/ports"
	"github.com/reglet-dev/latticed/internal/infrastructure/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type captureTransport struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

var _ ports.Transport = (*captureTransport)(nil)

func (c *captureTransport) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, published{subject: subject, data: data})
	return nil
}

func (c *captureTransport) Request(context.Context, string, []byte) ([]byte, error) {
	return nil, errors.New("not supported")
}

func (c *captureTransport) Subscribe(string, string, ports.MessageHandler) (ports.Subscription, error) {
	return nil, errors.New("not supported")
}

func (c *captureTransport) Close() error { return nil }

func subject(eventType string) string { return "wasmbus.evt.test." + eventType }

func TestPublisher_EncodesCloudEvent(t *testing.T) {
	transport := &captureTransport{}
	pub := NewPublisher(transport, subject, "NHOSTID", nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pub.now = func() time.Time { return fixed }

	require.NoError(t, pub.Publish(context.Background(), ActorStarted, map[string]any{
		"public_key": "MACTOR",
		"image_ref":  "file:///actors/echo.wasm",
	}))

	require.Len(t, transport.msgs, 1)
	assert.Equal(t, "wasmbus.evt.test.actor_started", transport.msgs[0].subject)

	var event cloudevents.Event
	require.NoError(t, json.Unmarshal(transport.msgs[0].data, &event))
	assert.Equal(t, "com.wasmcloud.lattice.actor_started", event.Type())
	assert.Equal(t, "NHOSTID", event.Source())
	assert.NotEmpty(t, event.ID())
	assert.True(t, fixed.Equal(event.Time()))

	var data map[string]any
	require.NoError(t, event.DataAs(&data))
	assert.Equal(t, "MACTOR", data["public_key"])
}

func TestPublisher_CountsFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(reg)
	transport := &captureTransport{err: errors.New("broker down")}
	pub := NewPublisher(transport, subject, "NHOSTID", m)

	err := pub.Publish(context.Background(), HostStarted, nil)
	require.Error(t, err)
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "latticed_events_published_total"))
}

func TestEmit_LogsInsteadOfFailing(t *testing.T) {
	transport := &captureTransport{err: errors.New("broker down")}
	Emit(context.Background(), NewPublisher(transport, subject, "NHOSTID", nil), HostStopped, nil)
	Emit(context.Background(), nil, HostStopped, nil)
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder()
	data := map[string]any{"public_key": "MA"}

	require.NoError(t, rec.Publish(ctx, ActorStarted, data))
	require.NoError(t, rec.Publish(ctx, ActorStopped, map[string]any{"public_key": "MA"}))
	require.NoError(t, rec.Publish(ctx, ActorStarted, map[string]any{"public_key": "MB"}))
	data["public_key"] = "mutated"

	assert.Equal(t, []string{ActorStarted, ActorStopped, ActorStarted}, rec.Types())
	assert.Equal(t, 2, rec.Count(ActorStarted))
	last, ok := rec.Last(ActorStarted)
	require.True(t, ok)
	assert.Equal(t, "MB", last.Data["public_key"])
	assert.Equal(t, "MA", rec.Records()[0].Data["public_key"])

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, rec.Publish(cancelled, ActorStarted, nil))
}
