package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/reglet-dev/latticed/internal/application/dto"
	"github.com/reglet-dev/latticed/internal/infrastructure/container"
	"github.com/reglet-dev/latticed/internal/infrastructure/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHost(t *testing.T) *container.Container {
	t.Helper()
	cfg := system.DefaultHostConfig()
	cfg.Lattice = "ctltest"
	cfg.NATS.Embedded = true
	cfg.NATS.Port = -1
	cfg.Admin.Enabled = false
	cfg.CacheDir = t.TempDir()

	ctx := context.Background()
	c, err := container.New(ctx, container.Options{Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	require.NoError(t, c.Start(ctx))
	return c
}

func runCtl(t *testing.T, c *container.Container, args ...string) (string, error) {
	t.Helper()
	cmd := newCtlCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--nats-url", c.Transport().URL(), "--lattice", "ctltest", "--wait", "300ms"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCtl_AgainstRunningHost(t *testing.T) {
	c := startHost(t)

	out, err := runCtl(t, c, "get", "hosts", "-o", "json")
	require.NoError(t, err)
	var hosts []dto.PingResponse
	require.NoError(t, json.Unmarshal([]byte(out), &hosts))
	require.Len(t, hosts, 1)
	assert.Equal(t, c.HostID(), hosts[0].HostID)

	_, err = runCtl(t, c, "label", "zone=edge")
	require.NoError(t, err)

	out, err = runCtl(t, c, "get", "inventory", "-o", "json")
	require.NoError(t, err)
	var inv dto.Inventory
	require.NoError(t, json.Unmarshal([]byte(out), &inv))
	assert.Equal(t, "edge", inv.Labels["zone"])

	_, err = runCtl(t, c, "link", "put", "MECHO", "VKV", "wasmcloud:keyvalue", "URL=redis://127.0.0.1")
	require.NoError(t, err)
	out, err = runCtl(t, c, "get", "links", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "MECHO")
	assert.Contains(t, out, "redis://127.0.0.1")

	_, err = runCtl(t, c, "link", "del", "MECHO")
	require.NoError(t, err)
	assert.Empty(t, c.Control().Links().Links)

	_, err = runCtl(t, c, "config", "put", "http", "PORT=8080")
	require.NoError(t, err)
	_, err = runCtl(t, c, "config", "del", "http")
	require.NoError(t, err)
}

func TestCtl_RejectedCommandFails(t *testing.T) {
	c := startHost(t)

	missing := filepath.Join(t.TempDir(), "missing.wasm")
	out, err := runCtl(t, c, "start", "actor", missing, "-o", "json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host rejected command")
	assert.True(t, strings.Contains(out, `"success": false`), out)
}

func TestCtl_UnknownHost(t *testing.T) {
	c := startHost(t)

	_, err := runCtl(t, c, "get", "uptime", "--host", "NUNKNOWN", "--timeout", "200ms")
	require.Error(t, err)
}
