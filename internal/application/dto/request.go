// Package dto contains the requests and replies exchanged over the control interface.
package dto

import "github.com/reglet-dev/latticed/internal/domain/links"

// StartActorCommand asks a host to start an actor.
type StartActorCommand struct {
	ActorRef string `json:"actor_ref" yaml:"actor_ref"`
}

// StopActorCommand asks a host to stop an actor by image ref or public key.
type StopActorCommand struct {
	ActorRef string `json:"actor_ref" yaml:"actor_ref"`
}

// StartProviderCommand asks a host to start a provider.
type StartProviderCommand struct {
	ProviderRef string   `json:"provider_ref" yaml:"provider_ref"`
	LinkName    string   `json:"link_name,omitempty" yaml:"link_name,omitempty"`
	ConfigNames []string `json:"config,omitempty" yaml:"config,omitempty"`
}

// StopProviderCommand asks a host to stop a provider.
type StopProviderCommand struct {
	ProviderRef string `json:"provider_ref" yaml:"provider_ref"`
	LinkName    string `json:"link_name,omitempty" yaml:"link_name,omitempty"`
}

// SetLabelsCommand replaces a host's user labels.
type SetLabelsCommand struct {
	Labels map[string]string `json:"labels" yaml:"labels"`
}

// PutLinkCommand advertises a link definition.
type PutLinkCommand = links.Definition

// DeleteLinkCommand removes links. An empty ContractID matches every contract.
type DeleteLinkCommand struct {
	ActorID    string `json:"actor_id" yaml:"actor_id"`
	ContractID string `json:"contract_id,omitempty" yaml:"contract_id,omitempty"`
	LinkName   string `json:"link_name,omitempty" yaml:"link_name,omitempty"`
}

// PutConfigCommand creates or replaces a named config entry.
type PutConfigCommand struct {
	Name   string            `json:"name" yaml:"name"`
	Values map[string]string `json:"values" yaml:"values"`
}

// DeleteConfigCommand removes a named config entry.
type DeleteConfigCommand struct {
	Name string `json:"name" yaml:"name"`
}

// ActorAuctionRequest asks whether a host could run an actor.
type ActorAuctionRequest struct {
	ActorRef    string            `json:"actor_ref" yaml:"actor_ref"`
	Constraints map[string]string `json:"constraints" yaml:"constraints"`
}

// ProviderAuctionRequest asks whether a host could run a provider.
type ProviderAuctionRequest struct {
	ProviderRef string            `json:"provider_ref" yaml:"provider_ref"`
	LinkName    string            `json:"link_name" yaml:"link_name"`
	Constraints map[string]string `json:"constraints" yaml:"constraints"`
}
