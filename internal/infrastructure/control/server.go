package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/reglet-dev/latticed/internal/application/dto"
	apperrors "github.com/reglet-dev/latticed/internal/application/errors"
	"github.com/reglet-dev/latticed/internal/application/ports"
	"github.com/reglet-dev/latticed/internal/application/services"
	"github.com/reglet-dev/latticed/internal/infrastructure/lattice"
)

// errNoReply suppresses the reply, as when a host declines an auction.
var errNoReply = errors.New("no reply")

type handlerFunc func(ctx context.Context, data []byte) (any, error)

// Server answers control requests for one host.
type Server struct {
	svc       *services.ControlService
	transport ports.Transport
	subjects  lattice.Subjects
	logger    *slog.Logger

	mu   sync.Mutex
	subs []ports.Subscription
}

// NewServer creates a control server for svc.
func NewServer(svc *services.ControlService, transport ports.Transport, subjects lattice.Subjects) *Server {
	return &Server{
		svc:       svc,
		transport: transport,
		subjects:  subjects,
		logger:    slog.With("component", "control", "host_id", svc.HostID()),
	}
}

// routes maps every control subject to its handler. Host-addressed subjects
// carry this host's id; the rest are answered by every host on the lattice.
func (s *Server) routes() map[string]handlerFunc {
	id := s.svc.HostID()
	return map[string]handlerFunc{
		hostCommand(s.subjects, id, opStartActor):    command(s.svc.StartActor),
		hostCommand(s.subjects, id, opStopActor):     command(s.svc.StopActor),
		hostCommand(s.subjects, id, opStartProvider): command(s.svc.StartProvider),
		hostCommand(s.subjects, id, opStopProvider):  command(s.svc.StopProvider),
		hostCommand(s.subjects, id, opLabels):        command(s.svc.SetLabels),
		linkdefs(s.subjects, opPut):                  command(s.svc.PutLink),
		linkdefs(s.subjects, opDel):                  command(s.svc.DeleteLink),
		configSubject(s.subjects, opPut):             command(s.svc.PutConfig),
		configSubject(s.subjects, opDel):             command(s.svc.DeleteConfig),

		hostQuery(s.subjects, id, opInventory): func(ctx context.Context, _ []byte) (any, error) {
			return s.svc.Inventory(ctx)
		},
		hostQuery(s.subjects, id, opUptime): func(context.Context, []byte) (any, error) {
			return s.svc.Uptime(), nil
		},
		latticeQuery(s.subjects, opClaims): func(ctx context.Context, _ []byte) (any, error) {
			return s.svc.Claims(ctx)
		},
		latticeQuery(s.subjects, opLinks): func(context.Context, []byte) (any, error) {
			return s.svc.Links(), nil
		},
		ping(s.subjects): func(ctx context.Context, _ []byte) (any, error) {
			return s.svc.Ping(ctx)
		},
		auction(s.subjects, opAuctionActor):    bid(s.svc.AuctionActor),
		auction(s.subjects, opAuctionProvider): bid(s.svc.AuctionProvider),
	}
}

// Start subscribes to every control subject.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for subject, handler := range s.routes() {
		sub, err := s.transport.Subscribe(subject, "", s.serve(handler))
		if err != nil {
			s.stopLocked()
			return fmt.Errorf("failed to serve control subject %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Debug("control interface ready", "subjects", len(s.subs))
	return nil
}

// Stop withdraws every control subscription.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Server) stopLocked() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("failed to unsubscribe control subject", "error", err)
		}
	}
	s.subs = nil
}

func (s *Server) serve(handler handlerFunc) ports.MessageHandler {
	return func(ctx context.Context, msg ports.Message) {
		result, err := handler(ctx, msg.Data)
		if errors.Is(err, errNoReply) || msg.Reply == "" {
			return
		}
		if err != nil {
			result = dto.AckFrom(err)
		}
		data, err := json.Marshal(result)
		if err != nil {
			s.logger.Error("failed to encode control reply", "subject", msg.Subject, "error", err)
			return
		}
		if err := s.transport.Publish(ctx, msg.Reply, data); err != nil {
			s.logger.Warn("failed to send control reply", "subject", msg.Subject, "error", err)
		}
	}
}

func decode[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, apperrors.NewValidationError("request", "invalid control request: "+err.Error())
	}
	return v, nil
}

func command[T any](fn func(context.Context, T) dto.Ack) handlerFunc {
	return func(ctx context.Context, data []byte) (any, error) {
		cmd, err := decode[T](data)
		if err != nil {
			return nil, err
		}
		return fn(ctx, cmd), nil
	}
}

func bid[T any](fn func(context.Context, T) (*dto.AuctionAck, error)) handlerFunc {
	return func(ctx context.Context, data []byte) (any, error) {
		req, err := decode[T](data)
		if err != nil {
			return nil, errNoReply
		}
		ack, err := fn(ctx, req)
		if err != nil || ack == nil {
			return nil, errNoReply
		}
		return ack, nil
	}
}
