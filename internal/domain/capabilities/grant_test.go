package capabilities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrant_NewGrant(t *testing.T) {
	assert.Empty(t, NewGrant())

	g := NewGrant("wasmcloud:keyvalue", "bogus", "wasmcloud:keyvalue")
	require.Len(t, g, 1)
	assert.Equal(t, []string{"wasmcloud:keyvalue"}, g.Strings())
}

func TestGrant_Add(t *testing.T) {
	g := NewGrant()
	kv := MustParseCapability("wasmcloud:keyvalue")
	http := MustParseCapability("wasmcloud:httpserver")

	g.Add(kv)
	require.Len(t, g, 1)
	assert.Equal(t, kv, g[0])

	g.Add(http)
	require.Len(t, g, 2)

	// Adding duplicate should not change length
	g.Add(kv)
	require.Len(t, g, 2)
}

func TestGrant_Contains(t *testing.T) {
	kv := MustParseCapability("wasmcloud:keyvalue")
	g := Grant{kv}

	assert.True(t, g.Contains(kv))
	assert.False(t, g.Contains(MustParseCapability("wasmcloud:messaging")))
}

func TestGrant_Broad(t *testing.T) {
	g := NewGrant("wasmcloud:keyvalue", "wasmcloud:*")
	assert.Equal(t, []Capability{MustParseCapability("wasmcloud:*")}, g.Broad())
}
