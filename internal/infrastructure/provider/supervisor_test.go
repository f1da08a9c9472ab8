package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/reglet-dev/latticed/internal/application/errors"
	"github.com/reglet-dev/latticed/internal/application/ports"
	"github.com/reglet-dev/latticed/internal/domain/capabilities"
	"github.com/reglet-dev/latticed/internal/domain/invocation"
	"github.com/reglet-dev/latticed/internal/domain/links"
	"github.com/reglet-dev/latticed/internal/infrastructure/config"
	"github.com/reglet-dev/latticed/internal/infrastructure/events"
	"github.com/reglet-dev/latticed/internal/infrastructure/lattice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test. It is the provider binary spawned by
// the supervisor tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	f, err := os.OpenFile(os.Getenv("HELPER_OUT"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		os.Exit(2)
	}
	_ = json.NewEncoder(f).Encode(helperRecord{Stdin: line, Env: os.Environ()})
	_ = f.Close()

	if os.Getenv("HELPER_MODE") == "exit" {
		os.Exit(3)
	}
	time.Sleep(time.Minute)
	os.Exit(0)
}

type helperRecord struct {
	Stdin string   `json:"stdin"`
	Env   []string `json:"env"`
}

func readRecords(t *testing.T, path string) []helperRecord {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var out []helperRecord
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var rec helperRecord
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

type fakeTransport struct {
	mu        sync.Mutex
	published []ports.Message
	request   func(subject string, data []byte) ([]byte, error)
}

var _ ports.Transport = (*fakeTransport)(nil)

func (f *fakeTransport) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, ports.Message{Subject: subject, Data: data})
	return nil
}

func (f *fakeTransport) Request(_ context.Context, subject string, data []byte) ([]byte, error) {
	f.mu.Lock()
	fn := f.request
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("no responders")
	}
	return fn(subject, data)
}

func (f *fakeTransport) Subscribe(string, string, ports.MessageHandler) (ports.Subscription, error) {
	return nil, errors.New("not supported")
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) messages() []ports.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ports.Message(nil), f.published...)
}

func helperConfig(t *testing.T, mode string) (Config, string) {
	t.Helper()
	out := filepath.Join(t.TempDir(), "records.jsonl")
	var spawns atomic.Int32
	return Config{
		Path:       os.Args[0],
		Args:       []string{"-test.run=^TestHelperProcess$", "--"},
		ProviderID: "VPROVIDER",
		LinkName:   "default",
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"HELPER_MODE":            mode,
			"HELPER_OUT":             out,
		},
		HostData: func() (HostData, error) {
			n := spawns.Add(1)
			return HostData{
				HostID:      "NHOST",
				ProviderKey: "VPROVIDER",
				LinkName:    "default",
				InstanceID:  fmt.Sprintf("instance-%d", n),
				LinkDefinitions: []links.Definition{{
					ActorID: "MACTOR", ContractID: "wasmcloud:keyvalue", LinkName: "default",
					ProviderID: "VPROVIDER", Values: links.Values{"URL": "redis://a"},
				}},
			}, nil
		},
		Transport: &fakeTransport{},
		Subjects:  lattice.NewSubjects("test"),
		Restart: RestartPolicy{
			RestartOnExit: true,
			Backoff:       BackoffNone,
			RestartDelay:  10 * time.Millisecond,
			IdleRecheck:   10 * time.Millisecond,
		},
		Health: HealthPolicy{Grace: time.Hour, Interval: time.Hour},
	}, out
}

func stop(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.Stop(ctx)
}

func TestSupervisor_HostDataAndEnvironment(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "latticed-test")
	t.Setenv("LATTICED_SECRET_TOKEN", "do-not-leak")

	cfg, out := helperConfig(t, "sleep")
	s, err := Start(context.Background(), cfg)
	require.NoError(t, err)
	defer stop(t, s)

	require.Eventually(t, func() bool { return len(readRecords(t, out)) == 1 }, 5*time.Second, 20*time.Millisecond)
	rec := readRecords(t, out)[0]

	assert.True(t, strings.HasSuffix(rec.Stdin, "\n"))
	data, err := DecodeHostData([]byte(rec.Stdin))
	require.NoError(t, err)
	assert.Equal(t, "VPROVIDER", data.ProviderKey)
	assert.Equal(t, "instance-1", data.InstanceID)
	require.Len(t, data.LinkDefinitions, 1)
	assert.Equal(t, "redis://a", data.LinkDefinitions[0].Values["URL"])

	env := strings.Join(rec.Env, "\n")
	assert.Contains(t, env, "OTEL_SERVICE_NAME=latticed-test")
	assert.Contains(t, env, "HELPER_MODE=sleep")
	assert.NotContains(t, env, "LATTICED_SECRET_TOKEN")
	assert.NotZero(t, s.PID())
}

func TestSupervisor_RestartsWithFreshHostDataThenGivesUp(t *testing.T) {
	store := config.NewStore()
	cfg, out := helperConfig(t, "exit")
	cfg.Restart.MaxRestarts = 2
	cfg.Bundle = store.Bundle("redis")

	s, err := Start(context.Background(), cfg)
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not give up")
	}
	assert.Zero(t, store.Bundles(), "supervision that ends on its own releases its bundle")

	var supErr *apperrors.SupervisionError
	require.ErrorAs(t, s.Err(), &supErr)
	assert.Equal(t, "VPROVIDER", supErr.Provider)

	recs := readRecords(t, out)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		data, err := DecodeHostData([]byte(rec.Stdin))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("instance-%d", i+1), data.InstanceID)
	}
	assert.Equal(t, 2, s.Restarts())
}

func TestSupervisor_NoRestartWhenDisabled(t *testing.T) {
	cfg, out := helperConfig(t, "exit")
	cfg.Restart.RestartOnExit = false

	s, err := Start(context.Background(), cfg)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(readRecords(t, out)) == 1 }, 5*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, readRecords(t, out), 1)

	select {
	case <-s.Done():
		t.Fatal("supervisor should idle until stopped")
	default:
	}
	require.NoError(t, s.Stop(context.Background()))
	assert.NoError(t, s.Err())
}

func TestSupervisor_StopKillsProcess(t *testing.T) {
	cfg, out := helperConfig(t, "sleep")
	s, err := Start(context.Background(), cfg)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(readRecords(t, out)) == 1 }, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	select {
	case <-s.Done():
	default:
		t.Fatal("done should be closed after stop")
	}
	assert.Equal(t, 0, s.Restarts())
	assert.Len(t, readRecords(t, out), 1, "a stopped provider is not respawned")
}

func TestSupervisor_StopTimeoutStillReleasesBundle(t *testing.T) {
	store := config.NewStore()
	cfg, out := helperConfig(t, "sleep")
	cfg.Bundle = store.Bundle("redis")
	s, err := Start(context.Background(), cfg)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(readRecords(t, out)) == 1 }, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, 1, store.Bundles())

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	_ = s.Stop(expired)

	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("supervision did not end after stop")
	}
	assert.Zero(t, store.Bundles())
}

func TestSupervisor_SpawnFailure(t *testing.T) {
	cfg, _ := helperConfig(t, "sleep")
	cfg.Path = filepath.Join(t.TempDir(), "missing-binary")
	_, err := Start(context.Background(), cfg)
	assert.Error(t, err)

	cfg.HostData = func() (HostData, error) { return HostData{}, errors.New("no links") }
	_, err = Start(context.Background(), cfg)
	assert.ErrorContains(t, err, "no links")
}

func TestSupervisor_ConfigValidation(t *testing.T) {
	_, err := Start(context.Background(), Config{})
	var valErr *apperrors.ValidationError
	assert.ErrorAs(t, err, &valErr)

	cfg, _ := helperConfig(t, "sleep")
	cfg.Restart.Backoff = "fibonacci"
	_, err = Start(context.Background(), cfg)
	assert.ErrorAs(t, err, &valErr)
}

func TestHealthTracker_EdgeTriggered(t *testing.T) {
	tests := []struct {
		name     string
		sequence []bool
		expected []string
	}{
		{
			name:     "first pass is a transition",
			sequence: []bool{true, true},
			expected: []string{events.HealthCheckPassed, events.HealthCheckStatus},
		},
		{
			name:     "starting unhealthy reports status",
			sequence: []bool{false, false, true},
			expected: []string{events.HealthCheckStatus, events.HealthCheckStatus, events.HealthCheckPassed},
		},
		{
			name:     "flapping",
			sequence: []bool{true, false, true, false},
			expected: []string{events.HealthCheckPassed, events.HealthCheckFailed, events.HealthCheckPassed, events.HealthCheckFailed},
		},
		{
			name:     "steady states between transitions",
			sequence: []bool{true, true, false, false, true},
			expected: []string{events.HealthCheckPassed, events.HealthCheckStatus, events.HealthCheckFailed, events.HealthCheckStatus, events.HealthCheckPassed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h healthTracker
			got := make([]string, 0, len(tt.sequence))
			for _, healthy := range tt.sequence {
				got = append(got, h.observe(HealthResponse{Healthy: healthy}))
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestSupervisor_HealthEvents(t *testing.T) {
	cfg, _ := helperConfig(t, "sleep")
	cfg.Health = HealthPolicy{Grace: time.Millisecond, Interval: 10 * time.Millisecond, Timeout: time.Second}
	recorder := events.NewRecorder()
	cfg.Events = recorder

	var calls atomic.Int32
	script := []bool{true, true, false}
	transport := &fakeTransport{request: func(subject string, _ []byte) ([]byte, error) {
		if subject != "wasmbus.rpc.test.VPROVIDER.health" {
			return nil, fmt.Errorf("unexpected subject %s", subject)
		}
		n := int(calls.Add(1)) - 1
		healthy := false
		if n < len(script) {
			healthy = script[n]
		}
		return json.Marshal(HealthResponse{Healthy: healthy, Message: "ok"})
	}}
	cfg.Transport = transport

	s, err := Start(context.Background(), cfg)
	require.NoError(t, err)
	defer stop(t, s)

	require.Eventually(t, func() bool { return len(recorder.Types()) >= 4 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		events.HealthCheckPassed,
		events.HealthCheckStatus,
		events.HealthCheckFailed,
		events.HealthCheckStatus,
	}, recorder.Types()[:4])
	assert.False(t, s.Healthy())

	last, ok := recorder.Last(events.HealthCheckPassed)
	require.True(t, ok)
	assert.Equal(t, "VPROVIDER", last.Data["public_key"])
}

func TestSupervisor_ConfigWatcherPublishesSnapshots(t *testing.T) {
	ctx := context.Background()
	store := config.NewStore()
	require.NoError(t, store.Put(ctx, "redis", map[string]string{"URL": "redis://a"}))

	cfg, _ := helperConfig(t, "sleep")
	cfg.Bundle = store.Bundle("redis")
	transport := &fakeTransport{}
	cfg.Transport = transport

	s, err := Start(ctx, cfg)
	require.NoError(t, err)
	defer stop(t, s)

	require.NoError(t, store.Put(ctx, "redis", map[string]string{"URL": "redis://b"}))

	require.Eventually(t, func() bool { return len(transport.messages()) == 1 }, 5*time.Second, 10*time.Millisecond)
	msg := transport.messages()[0]
	assert.Equal(t, "wasmbus.rpc.test.VPROVIDER.config.update", msg.Subject)
	var snapshot map[string]string
	require.NoError(t, json.Unmarshal(msg.Data, &snapshot))
	assert.Equal(t, "redis://b", snapshot["URL"])
}

func TestLauncher_ForwardsInvocations(t *testing.T) {
	ctx := context.Background()
	store := config.NewStore()
	require.NoError(t, store.Put(ctx, "kv", map[string]string{"bucket": "b1"}))

	base, out := helperConfig(t, "sleep")
	transport := &fakeTransport{request: func(subject string, data []byte) ([]byte, error) {
		if subject != "wasmbus.rpc.test.VPROVIDER.default" {
			return nil, errors.New("no responders")
		}
		var inv invocation.Invocation
		if err := json.Unmarshal(data, &inv); err != nil {
			return nil, err
		}
		return json.Marshal(invocation.Success(inv.ID, []byte("handled:"+inv.Operation)))
	}}

	launcher := NewLauncher(LauncherConfig{
		HostID:     "NHOST",
		LatticeURL: "nats://127.0.0.1:4222",
		Transport:  transport,
		Subjects:   lattice.NewSubjects("test"),
		Store:      store,
		Restart:    base.Restart,
		Health:     base.Health,
		Env:        base.Env,
	})
	inst, err := launcher.Launch(ctx, ports.LaunchRequest{
		Claims:      &capabilities.Claims{Subject: "VPROVIDER", ContractID: "wasmcloud:keyvalue"},
		Image:       &ports.ProviderImage{Ref: "file://helper", Path: base.Path, Args: base.Args},
		LinkName:    "default",
		ConfigNames: []string{"kv"},
		Links:       func() []links.Definition { return nil },
	})
	require.NoError(t, err)
	defer func() { _ = inst.Stop(ctx) }()

	require.Eventually(t, func() bool { return len(readRecords(t, out)) == 1 }, 5*time.Second, 20*time.Millisecond)
	data, err := DecodeHostData([]byte(readRecords(t, out)[0].Stdin))
	require.NoError(t, err)
	assert.Equal(t, "b1", data.Config["bucket"])
	assert.Equal(t, "wasmcloud:keyvalue", data.ContractID)
	assert.Equal(t, "test", data.LatticeRPCPrefix)
	assert.Equal(t, inst.InstanceID(), data.InstanceID)

	inv := invocation.New(invocation.SystemActor(), invocation.NewCapability("VPROVIDER", "wasmcloud:keyvalue", "default"), "Get", nil)
	resp, err := inst.Deliver(ctx, inv)
	require.NoError(t, err)
	assert.Equal(t, "handled:Get", string(resp.Payload))
}
