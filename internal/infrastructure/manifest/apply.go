package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/reglet-dev/latticed/internal/application/dto"
)

// Controller is the subset of the control service a manifest drives.
type Controller interface {
	SetLabels(ctx context.Context, cmd dto.SetLabelsCommand) dto.Ack
	PutConfig(ctx context.Context, cmd dto.PutConfigCommand) dto.Ack
	StartProvider(ctx context.Context, cmd dto.StartProviderCommand) dto.Ack
	StartActor(ctx context.Context, cmd dto.StartActorCommand) dto.Ack
	PutLink(ctx context.Context, def dto.PutLinkCommand) dto.Ack
}

// Apply drives the controller to the manifest's state: labels, then config,
// providers, actors and finally links. A failed step does not stop the
// remaining ones; every failure is returned joined.
func Apply(ctx context.Context, m *Manifest, c Controller) error {
	var errs []error
	check := func(what string, ack dto.Ack) {
		if ack.Success {
			return
		}
		slog.WarnContext(ctx, "manifest step failed", "step", what, "error", ack.Failure)
		errs = append(errs, fmt.Errorf("%s: %s", what, ack.Failure))
	}

	if len(m.Labels) > 0 {
		check("set labels", c.SetLabels(ctx, dto.SetLabelsCommand{Labels: m.Labels}))
	}
	for _, entry := range m.Config {
		check("put config "+entry.Name, c.PutConfig(ctx, dto.PutConfigCommand{Name: entry.Name, Values: entry.Values}))
	}
	for _, p := range m.Providers {
		check("start provider "+p.ImageRef, c.StartProvider(ctx, dto.StartProviderCommand{
			ProviderRef: p.ImageRef,
			LinkName:    p.LinkName,
			ConfigNames: p.Config,
		}))
	}
	for _, a := range m.Actors {
		check("start actor "+a.ImageRef, c.StartActor(ctx, dto.StartActorCommand{ActorRef: a.ImageRef}))
	}
	for _, l := range m.Links {
		def := l.Definition()
		check("put link "+def.Key().String(), c.PutLink(ctx, def))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to apply manifest: %w", err)
	}
	slog.InfoContext(ctx, "manifest applied",
		"config", len(m.Config), "providers", len(m.Providers), "actors", len(m.Actors), "links", len(m.Links))
	return nil
}
