package host

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nkeys"
	"github.com/reglet-dev/latticed/internal/application/dto"
	apperrors "github.com/reglet-dev/latticed/internal/application/errors"
	"github.com/reglet-dev/latticed/internal/application/ports"
	"github.com/reglet-dev/latticed/internal/domain/capabilities"
	"github.com/reglet-dev/latticed/internal/domain/invocation"
	"github.com/reglet-dev/latticed/internal/domain/links"
	"github.com/reglet-dev/latticed/internal/domain/services"
	"github.com/reglet-dev/latticed/internal/infrastructure/bus"
	"github.com/reglet-dev/latticed/internal/infrastructure/claims"
	"github.com/reglet-dev/latticed/internal/infrastructure/events"
	"github.com/reglet-dev/latticed/internal/infrastructure/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kvContract = "wasmcloud:keyvalue"

type fakeActorLoader struct {
	images map[string]*ports.ActorImage
}

func (l *fakeActorLoader) LoadActor(_ context.Context, ref string) (*ports.ActorImage, error) {
	img, ok := l.images[ref]
	if !ok {
		return nil, errors.New("image not found")
	}
	return img, nil
}

type fakeActor struct {
	mu     sync.Mutex
	closed bool
}

var _ ports.ActorInstance = (*fakeActor)(nil)

func (a *fakeActor) Deliver(_ context.Context, inv *invocation.Invocation) (*invocation.Response, error) {
	return invocation.Success(inv.ID, append([]byte("echo:"), inv.Payload...)), nil
}

func (a *fakeActor) Close(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *fakeActor) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

type fakeRuntime struct {
	mu        sync.Mutex
	instances []*fakeActor
	err       error
}

func (r *fakeRuntime) Instantiate(context.Context, *capabilities.Claims, *ports.ActorImage) (ports.ActorInstance, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a := &fakeActor{}
	r.instances = append(r.instances, a)
	return a, nil
}

type fakeProviderLoader struct {
	images map[string]*ports.ProviderImage
}

func (l *fakeProviderLoader) LoadProvider(_ context.Context, ref string) (*ports.ProviderImage, error) {
	img, ok := l.images[ref]
	if !ok {
		return nil, errors.New("image not found")
	}
	return img, nil
}

type fakeProvider struct {
	mu      sync.Mutex
	binds   []links.Definition
	done    chan struct{}
	err     error
	stopped bool
}

var _ ports.ProviderInstance = (*fakeProvider)(nil)

func newFakeProvider() *fakeProvider {
	return &fakeProvider{done: make(chan struct{})}
}

func (p *fakeProvider) Deliver(_ context.Context, inv *invocation.Invocation) (*invocation.Response, error) {
	if inv.Operation == invocation.OpBindActor {
		var def links.Definition
		if err := json.Unmarshal(inv.Payload, &def); err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.binds = append(p.binds, def)
		p.mu.Unlock()
	}
	return invocation.Success(inv.ID, nil), nil
}

func (p *fakeProvider) InstanceID() string    { return "instance-1" }
func (p *fakeProvider) Done() <-chan struct{} { return p.done }
func (p *fakeProvider) Err() error            { return p.err }

func (p *fakeProvider) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		close(p.done)
	}
	return nil
}

// crash ends supervision as a fatal restart failure would.
func (p *fakeProvider) crash(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
	p.stopped = true
	close(p.done)
}

func (p *fakeProvider) bound() []links.Definition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]links.Definition(nil), p.binds...)
}

type fakeLauncher struct {
	mu       sync.Mutex
	requests []ports.LaunchRequest
	launched []*fakeProvider
}

func (l *fakeLauncher) Launch(_ context.Context, req ports.LaunchRequest) (ports.ProviderInstance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := newFakeProvider()
	l.requests = append(l.requests, req)
	l.launched = append(l.launched, p)
	return p, nil
}

func (l *fakeLauncher) last() (*fakeProvider, ports.LaunchRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launched[len(l.launched)-1], l.requests[len(l.requests)-1]
}

type fixture struct {
	ctrl      *Controller
	bus       *bus.Bus
	links     *services.LinkRegistry
	recorder  *events.Recorder
	runtime   *fakeRuntime
	launcher  *fakeLauncher
	actors    *fakeActorLoader
	providers *fakeProviderLoader
	account   nkeys.KeyPair
}

func newFixture(t *testing.T, authorizer ports.Authorizer) *fixture {
	t.Helper()
	hostKey, err := nkeys.CreateServer()
	require.NoError(t, err)
	signer, err := claims.NewInvocationSigner(hostKey)
	require.NoError(t, err)
	account, err := nkeys.CreateAccount()
	require.NoError(t, err)

	registry := services.NewLinkRegistry(nil)
	b, err := bus.New(bus.Config{Signer: signer, Verifier: claims.NewValidator(), Links: registry})
	require.NoError(t, err)
	t.Cleanup(b.Close)

	f := &fixture{
		bus:       b,
		links:     registry,
		recorder:  events.NewRecorder(),
		runtime:   &fakeRuntime{},
		launcher:  &fakeLauncher{},
		actors:    &fakeActorLoader{images: map[string]*ports.ActorImage{}},
		providers: &fakeProviderLoader{images: map[string]*ports.ProviderImage{}},
		account:   account,
	}
	f.ctrl, err = New(Config{
		HostID:         signer.HostID(),
		Labels:         map[string]string{"zone": "us-east-1"},
		Bus:            b,
		Links:          registry,
		Validator:      claims.NewValidator(),
		Authorizer:     authorizer,
		ActorLoader:    f.actors,
		Runtime:        f.runtime,
		ProviderLoader: f.providers,
		Launcher:       f.launcher,
		Events:         f.recorder,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.ctrl.Shutdown(context.Background()) })
	return f
}

// addActor registers a signed actor image under ref and returns its public key.
func (f *fixture) addActor(t *testing.T, ref, name string, caps ...string) string {
	t.Helper()
	kp, err := nkeys.CreateUser()
	require.NoError(t, err)
	pk, _ := kp.PublicKey()
	token, err := claims.Sign(f.account, &capabilities.Claims{
		Subject: pk, Kind: capabilities.UnitActor, Name: name, Revision: 1,
		Grant: capabilities.NewGrant(caps...),
	})
	require.NoError(t, err)
	f.actors.images[ref] = &ports.ActorImage{Ref: ref, Token: token, Bytes: []byte("\x00asm")}
	return pk
}

func (f *fixture) addProvider(t *testing.T, ref, contract string) string {
	t.Helper()
	kp, err := nkeys.CreateServer()
	require.NoError(t, err)
	pk, _ := kp.PublicKey()
	token, err := claims.Sign(f.account, &capabilities.Claims{
		Subject: pk, Kind: capabilities.UnitProvider, Name: "kv", ContractID: contract,
	})
	require.NoError(t, err)
	f.providers.images[ref] = &ports.ProviderImage{Ref: ref, Token: token, Path: "/bin/provider"}
	return pk
}

func TestStartActor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	pk := f.addActor(t, "echo.wasm", "echo")

	got, err := f.ctrl.StartActor(ctx, "echo.wasm")
	require.NoError(t, err)
	assert.Equal(t, pk, got.Subject)

	cached, ok, err := f.bus.Claims(ctx, pk)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "echo", cached.Name)

	resp := f.bus.Call(ctx, invocation.SystemActor(), invocation.NewActor(pk), "Echo", []byte("hi"))
	require.False(t, resp.IsError(), resp.Error)
	assert.Equal(t, "echo:hi", string(resp.Payload))

	inv, err := f.ctrl.Inventory(ctx)
	require.NoError(t, err)
	require.Len(t, inv.Actors, 1)
	assert.Equal(t, dto.ActorDescription{ID: pk, ImageRef: "echo.wasm", Name: "echo", Revision: 1, State: "running"}, inv.Actors[0])

	last, ok := f.recorder.Last(events.ActorStarted)
	require.True(t, ok)
	assert.Equal(t, pk, last.Data["public_key"])
}

func TestStartActor_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("already running", func(t *testing.T) {
		f := newFixture(t, nil)
		f.addActor(t, "echo.wasm", "echo")
		f.actors.images["echo-copy.wasm"] = f.actors.images["echo.wasm"]

		_, err := f.ctrl.StartActor(ctx, "echo.wasm")
		require.NoError(t, err)
		_, err = f.ctrl.StartActor(ctx, "echo-copy.wasm")
		assert.True(t, apperrors.IsLifecycleKind(err, apperrors.LifecycleAlreadyRunning))
		assert.Equal(t, 1, f.recorder.Count(events.ActorStartFailed))
		assert.Len(t, f.runtime.instances, 1)
	})

	t.Run("load denied by policy", func(t *testing.T) {
		authz, err := policy.NewAuthorizer(policy.Rules{CanLoad: `name != "blocked"`})
		require.NoError(t, err)
		f := newFixture(t, authz)
		pk := f.addActor(t, "bad.wasm", "blocked")

		_, err = f.ctrl.StartActor(ctx, "bad.wasm")
		assert.True(t, apperrors.IsLifecycleKind(err, apperrors.LifecycleLoadDenied))

		subs, err := f.bus.Subscribers(ctx)
		require.NoError(t, err)
		assert.Empty(t, subs)
		_, cached, err := f.bus.Claims(ctx, pk)
		require.NoError(t, err)
		assert.False(t, cached)
	})

	t.Run("forged token", func(t *testing.T) {
		f := newFixture(t, nil)
		f.addActor(t, "echo.wasm", "echo")
		f.actors.images["echo.wasm"].Token += "x"

		_, err := f.ctrl.StartActor(ctx, "echo.wasm")
		assert.True(t, apperrors.IsAuthKind(err, apperrors.AuthInvalidSignature))
		assert.Empty(t, f.runtime.instances)
	})

	t.Run("provider token used as actor", func(t *testing.T) {
		f := newFixture(t, nil)
		f.addProvider(t, "kv", kvContract)
		f.actors.images["kv.wasm"] = &ports.ActorImage{Ref: "kv.wasm", Token: f.providers.images["kv"].Token}

		_, err := f.ctrl.StartActor(ctx, "kv.wasm")
		var verr *apperrors.ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}

func TestStopActor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	pk := f.addActor(t, "echo.wasm", "echo")
	_, err := f.ctrl.StartActor(ctx, "echo.wasm")
	require.NoError(t, err)

	require.NoError(t, f.ctrl.StopActor(ctx, "echo.wasm"), "resolves through the image ref")
	assert.True(t, f.runtime.instances[0].isClosed())

	subs, err := f.bus.Subscribers(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)
	_, cached, err := f.bus.Claims(ctx, pk)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 1, f.recorder.Count(events.ActorStopped))

	require.NoError(t, f.ctrl.StopActor(ctx, pk), "stopping an unknown actor is a no-op")
	assert.Equal(t, 1, f.recorder.Count(events.ActorStopped))
}

func TestActorRestartAfterStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	pk := f.addActor(t, "echo.wasm", "echo")

	_, err := f.ctrl.StartActor(ctx, "echo.wasm")
	require.NoError(t, err)
	require.NoError(t, f.ctrl.StopActor(ctx, "echo.wasm"))

	got, err := f.ctrl.StartActor(ctx, "echo.wasm")
	require.NoError(t, err, "a stopped actor can be started again")
	assert.Equal(t, pk, got.Subject)
	require.Len(t, f.runtime.instances, 2)
	assert.True(t, f.runtime.instances[0].isClosed())
	assert.False(t, f.runtime.instances[1].isClosed())

	resp := f.bus.Call(ctx, invocation.SystemActor(), invocation.NewActor(pk), "Echo", []byte("again"))
	require.False(t, resp.IsError(), resp.Error)
	assert.Equal(t, "echo:again", string(resp.Payload))

	inv, err := f.ctrl.Inventory(ctx)
	require.NoError(t, err)
	require.Len(t, inv.Actors, 1)
	assert.Equal(t, 2, f.recorder.Count(events.ActorStarted))
	assert.Zero(t, f.recorder.Count(events.ActorStartFailed))
}

func TestProviderStartStopRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.addProvider(t, "kv", kvContract)

	before, err := f.ctrl.Inventory(ctx)
	require.NoError(t, err)

	got, err := f.ctrl.StartProvider(ctx, "kv", "", nil)
	require.NoError(t, err)

	during, err := f.ctrl.Inventory(ctx)
	require.NoError(t, err)
	require.Len(t, during.Providers, 1)
	assert.Equal(t, links.DefaultLinkName, during.Providers[0].LinkName)
	assert.Equal(t, kvContract, during.Providers[0].ContractID)
	assert.Equal(t, "instance-1", during.Providers[0].InstanceID)

	_, err = f.ctrl.StartProvider(ctx, "kv", "default", nil)
	assert.True(t, apperrors.IsLifecycleKind(err, apperrors.LifecycleAlreadyRunning))

	require.NoError(t, f.ctrl.StopProvider(ctx, got.Subject, ""))
	after, err := f.ctrl.Inventory(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	inst, _ := f.launcher.last()
	inst.mu.Lock()
	assert.True(t, inst.stopped)
	inst.mu.Unlock()
	last, ok := f.recorder.Last(events.ProviderStopped)
	require.True(t, ok)
	assert.Equal(t, "stop requested", last.Data["reason"])
}

func TestStartProvider_RestoresLinks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	pk := f.addProvider(t, "kv", kvContract)
	actorPK := f.addActor(t, "echo.wasm", "echo", kvContract)
	_, err := f.ctrl.StartActor(ctx, "echo.wasm")
	require.NoError(t, err)

	def := links.Definition{
		ActorID: actorPK, ContractID: kvContract, LinkName: "default", ProviderID: pk,
		Values: links.Values{"URL": "redis://127.0.0.1:6379"},
	}
	result, err := f.bus.AdvertiseLink(ctx, def)
	require.NoError(t, err)
	assert.False(t, result.Bound, "no provider yet")

	_, err = f.ctrl.StartProvider(ctx, "kv", "default", []string{"shared"})
	require.NoError(t, err)

	inst, req := f.launcher.last()
	require.Len(t, inst.bound(), 1)
	assert.True(t, def.Equal(inst.bound()[0]))
	assert.Equal(t, []string{"shared"}, req.ConfigNames)
	require.Len(t, req.Links(), 1, "host data sees the current links")

	resp := f.bus.CallLinked(ctx, actorPK, kvContract, "default", "Get", nil)
	assert.False(t, resp.IsError(), resp.Error)
}

func TestProviderReapedOnFatalExit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	pk := f.addProvider(t, "kv", kvContract)
	_, err := f.ctrl.StartProvider(ctx, "kv", "default", nil)
	require.NoError(t, err)

	inst, _ := f.launcher.last()
	inst.crash(apperrors.NewSupervisionError(pk, 3, errors.New("exceeded 3 restarts")))

	require.Eventually(t, func() bool {
		inv, err := f.ctrl.Inventory(ctx)
		return err == nil && len(inv.Providers) == 0
	}, 2*time.Second, 10*time.Millisecond)

	last, ok := f.recorder.Last(events.ProviderStopped)
	require.True(t, ok)
	assert.Contains(t, last.Data["reason"], "exceeded 3 restarts")

	// the slot is free again
	_, err = f.ctrl.StartProvider(ctx, "kv", "default", nil)
	require.NoError(t, err)
}

func TestLabels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	labels, err := f.ctrl.Labels(ctx)
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", labels["zone"])
	assert.NotEmpty(t, labels[LabelOS])

	require.NoError(t, f.ctrl.SetLabels(ctx, map[string]string{"tier": "edge", LabelOS: "plan9"}))
	labels, err = f.ctrl.Labels(ctx)
	require.NoError(t, err)
	assert.Equal(t, "edge", labels["tier"])
	assert.NotContains(t, labels, "zone", "labels are replaced wholesale")
	assert.NotEqual(t, "plan9", labels[LabelOS], "core labels are kept")
	assert.Equal(t, 1, f.recorder.Count(events.LabelsChanged))
}

func TestAuctions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.addActor(t, "echo.wasm", "echo")
	f.addProvider(t, "kv", kvContract)

	tests := []struct {
		name        string
		constraints map[string]string
		want        bool
	}{
		{name: "no constraints", want: true},
		{name: "matching label", constraints: map[string]string{"zone": "us-east-1"}, want: true},
		{name: "different value", constraints: map[string]string{"zone": "eu-west-1"}},
		{name: "missing label", constraints: map[string]string{"gpu": ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := f.ctrl.AuctionActor(ctx, dto.ActorAuctionRequest{ActorRef: "echo.wasm", Constraints: tt.constraints})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	_, err := f.ctrl.StartActor(ctx, "echo.wasm")
	require.NoError(t, err)
	ok, err := f.ctrl.AuctionActor(ctx, dto.ActorAuctionRequest{ActorRef: "echo.wasm"})
	require.NoError(t, err)
	assert.False(t, ok, "already running")

	_, err = f.ctrl.StartProvider(ctx, "kv", "default", nil)
	require.NoError(t, err)
	ok, err = f.ctrl.AuctionProvider(ctx, dto.ProviderAuctionRequest{ProviderRef: "kv"})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.ctrl.AuctionProvider(ctx, dto.ProviderAuctionRequest{ProviderRef: "kv", LinkName: "backup"})
	require.NoError(t, err)
	assert.True(t, ok, "another link name is free")
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.addActor(t, "echo.wasm", "echo")
	f.addProvider(t, "kv", kvContract)
	_, err := f.ctrl.StartActor(ctx, "echo.wasm")
	require.NoError(t, err)
	_, err = f.ctrl.StartProvider(ctx, "kv", "default", nil)
	require.NoError(t, err)

	require.NoError(t, f.ctrl.Shutdown(ctx))
	assert.Equal(t, 1, f.recorder.Count(events.HostStopped))
	assert.Equal(t, 1, f.recorder.Count(events.ProviderStopped))

	_, err = f.ctrl.Inventory(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, f.ctrl.Shutdown(ctx), "second shutdown is a no-op")
}

func TestUptime(t *testing.T) {
	f := newFixture(t, nil)
	f.ctrl.now = func() time.Time { return f.ctrl.started.Add(90 * time.Second) }
	assert.Equal(t, 90*time.Second, f.ctrl.Uptime())
}
