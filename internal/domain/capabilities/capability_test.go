package capabilities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParseCapability(t *testing.T) {
	c, err := ParseCapability("wasmcloud:keyvalue")
	require.NoError(t, err)
	assert.Equal(t, "wasmcloud", c.Namespace)
	assert.Equal(t, "keyvalue", c.Name)
	assert.Equal(t, "wasmcloud:keyvalue", c.String())

	for _, bad := range []string{"", "keyvalue", ":keyvalue", "wasmcloud:"} {
		_, err := ParseCapability(bad)
		assert.Error(t, err, bad)
	}
}

func Test_Capability_IsBroad(t *testing.T) {
	tests := []struct {
		contract string
		want     bool
	}{
		{"wasmcloud:keyvalue", false},
		{"wasmcloud:*", true},
		{"*:*", true},
	}

	for _, tt := range tests {
		t.Run(tt.contract, func(t *testing.T) {
			assert.Equal(t, tt.want, MustParseCapability(tt.contract).IsBroad())
		})
	}
}

func Test_Claims_Allows(t *testing.T) {
	claims := &Claims{Subject: "MABC", Grant: NewGrant("wasmcloud:keyvalue", "acme:*")}

	assert.True(t, claims.Allows("wasmcloud:keyvalue"))
	assert.True(t, claims.Allows("acme:anything"))
	assert.False(t, claims.Allows("wasmcloud:httpserver"))
	assert.False(t, claims.Allows("not-a-contract"))
}
