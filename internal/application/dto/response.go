package dto

import (
	"github.com/reglet-dev/latticed/internal/domain/capabilities"
	"github.com/reglet-dev/latticed/internal/domain/links"
)

// Ack is the reply to every control command.
type Ack struct {
	Success bool   `json:"success" yaml:"success"`
	Failure string `json:"failure,omitempty" yaml:"failure,omitempty"`
}

// AckFrom turns an operation result into an Ack.
func AckFrom(err error) Ack {
	if err != nil {
		return Ack{Failure: err.Error()}
	}
	return Ack{Success: true}
}

// ActorDescription describes a running actor.
type ActorDescription struct {
	ID       string `json:"id" yaml:"id"`
	ImageRef string `json:"image_ref,omitempty" yaml:"image_ref,omitempty"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Revision int    `json:"revision" yaml:"revision"`
	State    string `json:"state" yaml:"state"`
}

// ProviderDescription describes a running provider.
type ProviderDescription struct {
	ID         string `json:"id" yaml:"id"`
	LinkName   string `json:"link_name" yaml:"link_name"`
	ImageRef   string `json:"image_ref,omitempty" yaml:"image_ref,omitempty"`
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Revision   int    `json:"revision" yaml:"revision"`
	ContractID string `json:"contract_id" yaml:"contract_id"`
	InstanceID string `json:"instance_id,omitempty" yaml:"instance_id,omitempty"`
	State      string `json:"state" yaml:"state"`
}

// Inventory is a snapshot of what a host is running.
type Inventory struct {
	HostID    string                `json:"host_id" yaml:"host_id"`
	Labels    map[string]string     `json:"labels" yaml:"labels"`
	Actors    []ActorDescription    `json:"actors" yaml:"actors"`
	Providers []ProviderDescription `json:"providers" yaml:"providers"`
}

// UptimeResponse reports how long a host has been running.
type UptimeResponse struct {
	HostID        string `json:"host_id" yaml:"host_id"`
	UptimeSeconds int64  `json:"uptime_seconds" yaml:"uptime_seconds"`
	UptimeHuman   string `json:"uptime_human" yaml:"uptime_human"`
}

// PingResponse is a host's answer to a lattice-wide ping.
type PingResponse struct {
	HostID        string            `json:"id" yaml:"id"`
	Labels        map[string]string `json:"labels" yaml:"labels"`
	UptimeSeconds int64             `json:"uptime_seconds" yaml:"uptime_seconds"`
	Version       string            `json:"version" yaml:"version"`
	Lattice       string            `json:"lattice" yaml:"lattice"`
}

// ClaimsDescription is the wire form of verified claims.
type ClaimsDescription struct {
	Subject      string   `json:"sub" yaml:"sub"`
	Issuer       string   `json:"iss" yaml:"iss"`
	Kind         string   `json:"kind" yaml:"kind"`
	Name         string   `json:"name,omitempty" yaml:"name,omitempty"`
	ContractID   string   `json:"contract_id,omitempty" yaml:"contract_id,omitempty"`
	Version      string   `json:"version,omitempty" yaml:"version,omitempty"`
	Revision     int      `json:"revision" yaml:"revision"`
	Tags         []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	CallAlias    string   `json:"call_alias,omitempty" yaml:"call_alias,omitempty"`
	Capabilities []string `json:"caps,omitempty" yaml:"caps,omitempty"`
	Expires      int64    `json:"exp,omitempty" yaml:"exp,omitempty"`
}

// DescribeClaims converts domain claims to their wire form.
func DescribeClaims(c *capabilities.Claims) ClaimsDescription {
	d := ClaimsDescription{
		Subject:      c.Subject,
		Issuer:       c.Issuer,
		Kind:         string(c.Kind),
		Name:         c.Name,
		ContractID:   c.ContractID,
		Version:      c.Version,
		Revision:     c.Revision,
		Tags:         c.Tags,
		CallAlias:    c.CallAlias,
		Capabilities: c.Grant.Strings(),
	}
	if !c.Expires.IsZero() {
		d.Expires = c.Expires.Unix()
	}
	return d
}

// ClaimsResponse lists every claim a host has cached.
type ClaimsResponse struct {
	Claims []ClaimsDescription `json:"claims" yaml:"claims"`
}

// LinksResponse lists every known link definition.
type LinksResponse struct {
	Links []links.Definition `json:"links" yaml:"links"`
}

// AuctionAck is a host's bid in an auction. Hosts that cannot satisfy the
// request stay silent.
type AuctionAck struct {
	HostID      string            `json:"host_id" yaml:"host_id"`
	ActorRef    string            `json:"actor_ref,omitempty" yaml:"actor_ref,omitempty"`
	ProviderRef string            `json:"provider_ref,omitempty" yaml:"provider_ref,omitempty"`
	LinkName    string            `json:"link_name,omitempty" yaml:"link_name,omitempty"`
	Constraints map[string]string `json:"constraints" yaml:"constraints"`
}
