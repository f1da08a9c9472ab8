package dto

import (
	"errors"
	"testing"
	"time"

	"github.com/reglet-dev/latticed/internal/domain/capabilities"
	"github.com/stretchr/testify/assert"
)

func TestAckFrom(t *testing.T) {
	assert.Equal(t, Ack{Success: true}, AckFrom(nil))
	assert.Equal(t, Ack{Failure: "actor is already running"}, AckFrom(errors.New("actor is already running")))
}

func TestDescribeClaims(t *testing.T) {
	exp := time.Unix(1900000000, 0)
	d := DescribeClaims(&capabilities.Claims{
		Subject:  "MACTOR",
		Issuer:   "AACCOUNT",
		Kind:     capabilities.UnitActor,
		Name:     "echo",
		Revision: 3,
		Grant:    capabilities.NewGrant("wasmcloud:httpserver"),
		Expires:  exp,
	})

	assert.Equal(t, "MACTOR", d.Subject)
	assert.Equal(t, "actor", d.Kind)
	assert.Equal(t, []string{"wasmcloud:httpserver"}, d.Capabilities)
	assert.Equal(t, exp.Unix(), d.Expires)

	assert.Zero(t, DescribeClaims(&capabilities.Claims{Subject: "MX"}).Expires)
}
