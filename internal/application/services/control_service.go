package services

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/reglet-dev/latticed/internal/application/dto"
	apperrors "github.com/reglet-dev/latticed/internal/application/errors"
	"github.com/reglet-dev/latticed/internal/application/ports"
	"github.com/reglet-dev/latticed/internal/domain/links"
	domainservices "github.com/reglet-dev/latticed/internal/domain/services"
)

// Event names emitted by the control service. They match the lattice event catalogue.
const (
	eventLinkdefSet       = "linkdef_set"
	eventLinkdefSetFailed = "linkdef_set_failed"
	eventLinkdefDeleted   = "linkdef_deleted"
	eventConfigSet        = "config_set"
	eventConfigDeleted    = "config_deleted"
)

// ControlDeps wires a ControlService. Every field except Logger is required.
type ControlDeps struct {
	Host     ports.HostController
	Router   ports.LinkRouter
	Registry *domainservices.LinkRegistry
	Config   ports.ConfigStore
	Events   ports.EventPublisher
	Lattice  string
	Version  string
	Logger   *slog.Logger
}

// ControlService implements the lattice control interface for one host.
// Commands return an Ack; queries return their reply type.
type ControlService struct {
	host     ports.HostController
	router   ports.LinkRouter
	registry *domainservices.LinkRegistry
	config   ports.ConfigStore
	events   ports.EventPublisher
	lattice  string
	version  string
	logger   *slog.Logger
}

// NewControlService creates a control service.
func NewControlService(deps ControlDeps) *ControlService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlService{
		host:     deps.Host,
		router:   deps.Router,
		registry: deps.Registry,
		config:   deps.Config,
		events:   deps.Events,
		lattice:  deps.Lattice,
		version:  deps.Version,
		logger:   logger.With("host_id", deps.Host.HostID()),
	}
}

// HostID returns the id of the host this service controls.
func (s *ControlService) HostID() string {
	return s.host.HostID()
}

// StartActor starts an actor from an image reference.
func (s *ControlService) StartActor(ctx context.Context, cmd dto.StartActorCommand) dto.Ack {
	if cmd.ActorRef == "" {
		return dto.AckFrom(apperrors.NewValidationError("actor_ref", "actor reference is required"))
	}
	claims, err := s.host.StartActor(ctx, cmd.ActorRef)
	if err != nil {
		s.logger.Warn("failed to start actor", "actor_ref", cmd.ActorRef, "error", err)
		return dto.AckFrom(err)
	}
	s.logger.Info("actor started", "actor_ref", cmd.ActorRef, "public_key", claims.Subject)
	return dto.AckFrom(nil)
}

// StopActor stops an actor by image reference or public key.
func (s *ControlService) StopActor(ctx context.Context, cmd dto.StopActorCommand) dto.Ack {
	if cmd.ActorRef == "" {
		return dto.AckFrom(apperrors.NewValidationError("actor_ref", "actor reference is required"))
	}
	return dto.AckFrom(s.host.StopActor(ctx, cmd.ActorRef))
}

// StartProvider starts a capability provider on a link name.
func (s *ControlService) StartProvider(ctx context.Context, cmd dto.StartProviderCommand) dto.Ack {
	if cmd.ProviderRef == "" {
		return dto.AckFrom(apperrors.NewValidationError("provider_ref", "provider reference is required"))
	}
	linkName := cmp.Or(cmd.LinkName, links.DefaultLinkName)
	claims, err := s.host.StartProvider(ctx, cmd.ProviderRef, linkName, cmd.ConfigNames)
	if err != nil {
		s.logger.Warn("failed to start provider", "provider_ref", cmd.ProviderRef, "link_name", linkName, "error", err)
		return dto.AckFrom(err)
	}
	s.logger.Info("provider started", "provider_ref", cmd.ProviderRef, "link_name", linkName, "public_key", claims.Subject)
	return dto.AckFrom(nil)
}

// StopProvider stops a provider by image reference or public key.
func (s *ControlService) StopProvider(ctx context.Context, cmd dto.StopProviderCommand) dto.Ack {
	if cmd.ProviderRef == "" {
		return dto.AckFrom(apperrors.NewValidationError("provider_ref", "provider reference is required"))
	}
	return dto.AckFrom(s.host.StopProvider(ctx, cmd.ProviderRef, cmp.Or(cmd.LinkName, links.DefaultLinkName)))
}

// SetLabels replaces the host's user labels.
func (s *ControlService) SetLabels(ctx context.Context, cmd dto.SetLabelsCommand) dto.Ack {
	return dto.AckFrom(s.host.SetLabels(ctx, cmd.Labels))
}

// PutLink advertises a link. A provider that rejects the bind does not fail
// the command: the link is recorded and re-sent when the provider restarts.
func (s *ControlService) PutLink(ctx context.Context, def dto.PutLinkCommand) dto.Ack {
	def.LinkName = cmp.Or(def.LinkName, links.DefaultLinkName)
	if err := def.Validate(); err != nil {
		s.emit(ctx, eventLinkdefSetFailed, linkEventData(def, err))
		return dto.AckFrom(apperrors.NewValidationError("link", err.Error()))
	}
	result, err := s.router.AdvertiseLink(ctx, def)
	if err != nil {
		s.emit(ctx, eventLinkdefSetFailed, linkEventData(def, err))
		return dto.AckFrom(err)
	}
	if result.BindErr != nil {
		s.logger.Warn("provider rejected link", "link", def.Key().String(), "provider_id", def.ProviderID, "error", result.BindErr)
	}
	if result.Changed {
		data := linkEventData(def, nil)
		data["values"] = def.Values.Clone()
		s.emit(ctx, eventLinkdefSet, data)
	}
	return dto.AckFrom(nil)
}

// DeleteLink removes links and emits one event per removed definition.
func (s *ControlService) DeleteLink(ctx context.Context, cmd dto.DeleteLinkCommand) dto.Ack {
	if cmd.ActorID == "" {
		return dto.AckFrom(apperrors.NewValidationError("actor_id", "actor id is required"))
	}
	removed, err := s.router.RemoveLink(ctx, cmd.ActorID, cmd.ContractID, cmp.Or(cmd.LinkName, links.DefaultLinkName))
	for _, def := range removed {
		s.emit(ctx, eventLinkdefDeleted, linkEventData(def, nil))
	}
	return dto.AckFrom(err)
}

// PutConfig creates or replaces a named config entry.
func (s *ControlService) PutConfig(ctx context.Context, cmd dto.PutConfigCommand) dto.Ack {
	if err := s.config.Put(ctx, cmd.Name, cmd.Values); err != nil {
		return dto.AckFrom(err)
	}
	s.emit(ctx, eventConfigSet, map[string]any{"config_name": cmd.Name})
	return dto.AckFrom(nil)
}

// DeleteConfig removes a named config entry. Deleting a missing entry succeeds.
func (s *ControlService) DeleteConfig(ctx context.Context, cmd dto.DeleteConfigCommand) dto.Ack {
	if s.config.Delete(ctx, cmd.Name) {
		s.emit(ctx, eventConfigDeleted, map[string]any{"config_name": cmd.Name})
	}
	return dto.AckFrom(nil)
}

// Inventory returns what the host is running.
func (s *ControlService) Inventory(ctx context.Context) (*dto.Inventory, error) {
	return s.host.Inventory(ctx)
}

// Uptime reports how long the host has been running.
func (s *ControlService) Uptime() dto.UptimeResponse {
	up := s.host.Uptime()
	return dto.UptimeResponse{
		HostID:        s.host.HostID(),
		UptimeSeconds: int64(up.Seconds()),
		UptimeHuman:   up.Truncate(time.Second).String(),
	}
}

// Claims lists the claims cached on this host, sorted by subject.
func (s *ControlService) Claims(ctx context.Context) (dto.ClaimsResponse, error) {
	all, err := s.router.AllClaims(ctx)
	if err != nil {
		return dto.ClaimsResponse{}, err
	}
	out := dto.ClaimsResponse{Claims: make([]dto.ClaimsDescription, 0, len(all))}
	for _, c := range all {
		out.Claims = append(out.Claims, dto.DescribeClaims(c))
	}
	slices.SortFunc(out.Claims, func(a, b dto.ClaimsDescription) int { return cmp.Compare(a.Subject, b.Subject) })
	return out, nil
}

// Links lists every known link definition.
func (s *ControlService) Links() dto.LinksResponse {
	return dto.LinksResponse{Links: s.registry.All()}
}

// Ping answers a lattice-wide host discovery request.
func (s *ControlService) Ping(ctx context.Context) (dto.PingResponse, error) {
	labels, err := s.host.Labels(ctx)
	if err != nil {
		return dto.PingResponse{}, err
	}
	return dto.PingResponse{
		HostID:        s.host.HostID(),
		Labels:        labels,
		UptimeSeconds: int64(s.host.Uptime().Seconds()),
		Version:       s.version,
		Lattice:       s.lattice,
	}, nil
}

// AuctionActor returns a bid when this host can run the actor. A nil bid
// means the host declines.
func (s *ControlService) AuctionActor(ctx context.Context, req dto.ActorAuctionRequest) (*dto.AuctionAck, error) {
	ok, err := s.host.AuctionActor(ctx, req)
	if err != nil || !ok {
		return nil, err
	}
	return &dto.AuctionAck{HostID: s.host.HostID(), ActorRef: req.ActorRef, Constraints: req.Constraints}, nil
}

// AuctionProvider returns a bid when this host can run the provider.
func (s *ControlService) AuctionProvider(ctx context.Context, req dto.ProviderAuctionRequest) (*dto.AuctionAck, error) {
	req.LinkName = cmp.Or(req.LinkName, links.DefaultLinkName)
	ok, err := s.host.AuctionProvider(ctx, req)
	if err != nil || !ok {
		return nil, err
	}
	return &dto.AuctionAck{
		HostID:      s.host.HostID(),
		ProviderRef: req.ProviderRef,
		LinkName:    req.LinkName,
		Constraints: req.Constraints,
	}, nil
}

func (s *ControlService) emit(ctx context.Context, eventType string, data map[string]any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, eventType, data); err != nil {
		s.logger.Warn("failed to publish event", "type", eventType, "error", err)
	}
}

func linkEventData(def links.Definition, err error) map[string]any {
	data := map[string]any{
		"actor_id":    def.ActorID,
		"contract_id": def.ContractID,
		"link_name":   def.LinkName,
		"provider_id": def.ProviderID,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	return data
}
