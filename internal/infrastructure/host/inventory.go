package host

import (
	"cmp"
	"context"
	"maps"
	"runtime"
	"slices"
	"strings"

	"github.com/reglet-dev/latticed/internal/application/dto"
	"github.com/reglet-dev/latticed/internal/domain/links"
)

// Core label keys. They describe the host platform and survive SetLabels.
const (
	LabelOS       = "hostcore.os"
	LabelArch     = "hostcore.arch"
	LabelOSFamily = "hostcore.osfamily"
)

func coreLabels() map[string]string {
	family := "unix"
	if runtime.GOOS == "windows" {
		family = "windows"
	}
	return map[string]string{
		LabelOS:       runtime.GOOS,
		LabelArch:     runtime.GOARCH,
		LabelOSFamily: family,
	}
}

func withCoreLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels)+3)
	for k, v := range labels {
		if strings.HasPrefix(k, "hostcore.") {
			continue
		}
		out[k] = v
	}
	maps.Copy(out, coreLabels())
	return out
}

// Inventory returns the running actors and providers sorted by id.
func (c *Controller) Inventory(ctx context.Context) (*dto.Inventory, error) {
	var inv *dto.Inventory
	err := c.do(ctx, func() {
		inv = &dto.Inventory{
			HostID:    c.cfg.HostID,
			Labels:    maps.Clone(c.labels),
			Actors:    make([]dto.ActorDescription, 0, len(c.actors)),
			Providers: make([]dto.ProviderDescription, 0, len(c.providers)),
		}
		for pk, a := range c.actors {
			inv.Actors = append(inv.Actors, dto.ActorDescription{
				ID:       pk,
				ImageRef: a.imageRef,
				Name:     a.claims.Name,
				Revision: a.claims.Revision,
				State:    string(a.state),
			})
		}
		for key, p := range c.providers {
			inv.Providers = append(inv.Providers, dto.ProviderDescription{
				ID:         key.ID,
				LinkName:   key.LinkName,
				ImageRef:   p.imageRef,
				Name:       p.claims.Name,
				Revision:   p.claims.Revision,
				ContractID: p.claims.ContractID,
				InstanceID: p.instance.InstanceID(),
				State:      string(p.state),
			})
		}
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(inv.Actors, func(a, b dto.ActorDescription) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(inv.Providers, func(a, b dto.ProviderDescription) int {
		return cmp.Or(cmp.Compare(a.ID, b.ID), cmp.Compare(a.LinkName, b.LinkName))
	})
	return inv, nil
}

// AuctionActor reports whether the host satisfies the constraints and is not
// already running the actor.
func (c *Controller) AuctionActor(ctx context.Context, req dto.ActorAuctionRequest) (bool, error) {
	var ok bool
	err := c.do(ctx, func() {
		if _, running := c.resolveActor(req.ActorRef); running {
			return
		}
		ok = satisfies(c.labels, req.Constraints)
	})
	return ok, err
}

// AuctionProvider reports whether the host satisfies the constraints and is
// not already running the provider on the requested link.
func (c *Controller) AuctionProvider(ctx context.Context, req dto.ProviderAuctionRequest) (bool, error) {
	linkName := cmp.Or(req.LinkName, links.DefaultLinkName)
	var ok bool
	err := c.do(ctx, func() {
		if _, running := c.resolveProvider(req.ProviderRef, linkName); running {
			return
		}
		ok = satisfies(c.labels, req.Constraints)
	})
	return ok, err
}

// satisfies reports whether every constraint is present in labels with an
// equal value.
func satisfies(labels, constraints map[string]string) bool {
	for k, v := range constraints {
		if got, ok := labels[k]; !ok || got != v {
			return false
		}
	}
	return true
}
