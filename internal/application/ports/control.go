package ports

import (
	"context"
	"time"

	"github.com/reglet-dev/latticed/internal/application/dto"
	"github.com/reglet-dev/latticed/internal/domain/capabilities"
	"github.com/reglet-dev/latticed/internal/domain/links"
)

// HostController manages the units running on one host.
type HostController interface {
	HostID() string
	StartActor(ctx context.Context, imageRef string) (*capabilities.Claims, error)
	StopActor(ctx context.Context, refOrID string) error
	StartProvider(ctx context.Context, imageRef, linkName string, configNames []string) (*capabilities.Claims, error)
	StopProvider(ctx context.Context, refOrID, linkName string) error
	SetLabels(ctx context.Context, labels map[string]string) error
	Labels(ctx context.Context) (map[string]string, error)
	Inventory(ctx context.Context) (*dto.Inventory, error)
	AuctionActor(ctx context.Context, req dto.ActorAuctionRequest) (bool, error)
	AuctionProvider(ctx context.Context, req dto.ProviderAuctionRequest) (bool, error)
	Uptime() time.Duration
}

// LinkResult describes what advertising a link did.
type LinkResult struct {
	Changed bool  // the registry was updated
	Bound   bool  // a bind invocation was delivered to a local provider
	BindErr error // the provider rejected the bind
}

// LinkRouter records links and notifies the providers they target.
type LinkRouter interface {
	AdvertiseLink(ctx context.Context, def links.Definition) (LinkResult, error)
	RemoveLink(ctx context.Context, actorID, contractID, linkName string) ([]links.Definition, error)
	AllClaims(ctx context.Context) ([]*capabilities.Claims, error)
}

// ConfigStore holds named configuration entries.
type ConfigStore interface {
	Put(ctx context.Context, name string, values map[string]string) error
	Delete(ctx context.Context, name string) bool
}
