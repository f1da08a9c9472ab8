package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/reglet-dev/latticed/internal/application/dto"
	"github.com/reglet-dev/latticed/internal/domain/links"
	"github.com/reglet-dev/latticed/internal/infrastructure/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	inventoryErr error
}

var _ Source = (*fakeSource)(nil)

func (f *fakeSource) Inventory(context.Context) (*dto.Inventory, error) {
	if f.inventoryErr != nil {
		return nil, f.inventoryErr
	}
	return &dto.Inventory{
		HostID: "NHOST",
		Actors: []dto.ActorDescription{{ID: "MECHO", Name: "echo"}},
	}, nil
}

func (f *fakeSource) Links() dto.LinksResponse {
	return dto.LinksResponse{Links: []links.Definition{
		{ActorID: "MECHO", ContractID: "wasmcloud:keyvalue", LinkName: "default", ProviderID: "VKV"},
		{ActorID: "MOTHER", ContractID: "wasmcloud:keyvalue", LinkName: "default", ProviderID: "VKV"},
	}}
}

func (f *fakeSource) Claims(context.Context) (dto.ClaimsResponse, error) {
	return dto.ClaimsResponse{Claims: []dto.ClaimsDescription{{Subject: "MECHO"}}}, nil
}

func (f *fakeSource) Uptime() dto.UptimeResponse {
	return dto.UptimeResponse{HostID: "NHOST", UptimeSeconds: 3, UptimeHuman: "3s"}
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	s := NewServer(&fakeSource{}, prometheus.NewRegistry())

	rec := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "NHOST", body["host_id"])
	assert.Equal(t, "3s", body["uptime"])
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(reg)
	m.SetSubscribers(2)
	s := NewServer(&fakeSource{}, reg)

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "latticed_bus_subscribers 2")
}

func TestServer_Inventory(t *testing.T) {
	s := NewServer(&fakeSource{}, prometheus.NewRegistry())

	rec := get(t, s, "/inventory")
	require.Equal(t, http.StatusOK, rec.Code)

	var inv dto.Inventory
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inv))
	assert.Equal(t, "NHOST", inv.HostID)
	require.Len(t, inv.Actors, 1)
	assert.Equal(t, "MECHO", inv.Actors[0].ID)
}

func TestServer_InventoryUnavailable(t *testing.T) {
	s := NewServer(&fakeSource{inventoryErr: errors.New("host is shutting down")}, prometheus.NewRegistry())

	rec := get(t, s, "/inventory")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "host is shutting down")
}

func TestServer_Links(t *testing.T) {
	s := NewServer(&fakeSource{}, prometheus.NewRegistry())

	tests := []struct {
		path string
		want int
	}{
		{"/links", 2},
		{"/links?actor_id=MECHO", 1},
		{"/links?actor_id=MNONE", 0},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := get(t, s, tt.path)
			require.Equal(t, http.StatusOK, rec.Code)

			var resp dto.LinksResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Len(t, resp.Links, tt.want)
		})
	}
}

func TestServer_Claims(t *testing.T) {
	s := NewServer(&fakeSource{}, prometheus.NewRegistry())

	rec := get(t, s, "/claims")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "MECHO")
}

func TestServer_ServeAndShutdown(t *testing.T) {
	s := NewServer(&fakeSource{}, prometheus.NewRegistry())
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(l) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + l.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-done)
}
