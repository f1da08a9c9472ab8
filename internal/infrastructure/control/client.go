package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/reglet-dev/latticed/internal/application/dto"
	"github.com/reglet-dev/latticed/internal/domain/links"
	"github.com/reglet-dev/latticed/internal/infrastructure/lattice"
)

// Requester is the broker surface the client needs.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Gather(ctx context.Context, subject string, data []byte, wait time.Duration) ([][]byte, error)
}

// Client sends control requests to the hosts of one lattice.
type Client struct {
	broker   Requester
	subjects lattice.Subjects
}

// NewClient creates a control client.
func NewClient(broker Requester, subjects lattice.Subjects) *Client {
	return &Client{broker: broker, subjects: subjects}
}

// StartActor asks hostID to start an actor.
func (c *Client) StartActor(ctx context.Context, hostID string, cmd dto.StartActorCommand) (dto.Ack, error) {
	return c.command(ctx, hostCommand(c.subjects, hostID, opStartActor), cmd)
}

// StopActor asks hostID to stop an actor.
func (c *Client) StopActor(ctx context.Context, hostID string, cmd dto.StopActorCommand) (dto.Ack, error) {
	return c.command(ctx, hostCommand(c.subjects, hostID, opStopActor), cmd)
}

// StartProvider asks hostID to start a provider.
func (c *Client) StartProvider(ctx context.Context, hostID string, cmd dto.StartProviderCommand) (dto.Ack, error) {
	return c.command(ctx, hostCommand(c.subjects, hostID, opStartProvider), cmd)
}

// StopProvider asks hostID to stop a provider.
func (c *Client) StopProvider(ctx context.Context, hostID string, cmd dto.StopProviderCommand) (dto.Ack, error) {
	return c.command(ctx, hostCommand(c.subjects, hostID, opStopProvider), cmd)
}

// SetLabels replaces hostID's user labels.
func (c *Client) SetLabels(ctx context.Context, hostID string, labels map[string]string) (dto.Ack, error) {
	return c.command(ctx, hostCommand(c.subjects, hostID, opLabels), dto.SetLabelsCommand{Labels: labels})
}

// PutLink advertises a link to the lattice.
func (c *Client) PutLink(ctx context.Context, def links.Definition) (dto.Ack, error) {
	return c.command(ctx, linkdefs(c.subjects, opPut), def)
}

// DeleteLink removes links from the lattice.
func (c *Client) DeleteLink(ctx context.Context, cmd dto.DeleteLinkCommand) (dto.Ack, error) {
	return c.command(ctx, linkdefs(c.subjects, opDel), cmd)
}

// PutConfig creates or replaces a named config entry.
func (c *Client) PutConfig(ctx context.Context, cmd dto.PutConfigCommand) (dto.Ack, error) {
	return c.command(ctx, configSubject(c.subjects, opPut), cmd)
}

// DeleteConfig removes a named config entry.
func (c *Client) DeleteConfig(ctx context.Context, name string) (dto.Ack, error) {
	return c.command(ctx, configSubject(c.subjects, opDel), dto.DeleteConfigCommand{Name: name})
}

// Inventory fetches what hostID is running.
func (c *Client) Inventory(ctx context.Context, hostID string) (*dto.Inventory, error) {
	var inv dto.Inventory
	if err := c.query(ctx, hostQuery(c.subjects, hostID, opInventory), &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Uptime fetches hostID's uptime.
func (c *Client) Uptime(ctx context.Context, hostID string) (dto.UptimeResponse, error) {
	var up dto.UptimeResponse
	err := c.query(ctx, hostQuery(c.subjects, hostID, opUptime), &up)
	return up, err
}

// Claims fetches the claims cached by the first host to answer.
func (c *Client) Claims(ctx context.Context) (dto.ClaimsResponse, error) {
	var resp dto.ClaimsResponse
	err := c.query(ctx, latticeQuery(c.subjects, opClaims), &resp)
	return resp, err
}

// Links fetches the link definitions known to the first host to answer.
func (c *Client) Links(ctx context.Context) (dto.LinksResponse, error) {
	var resp dto.LinksResponse
	err := c.query(ctx, latticeQuery(c.subjects, opLinks), &resp)
	return resp, err
}

// Ping collects every host that answers within wait.
func (c *Client) Ping(ctx context.Context, wait time.Duration) ([]dto.PingResponse, error) {
	return gather[dto.PingResponse](ctx, c.broker, ping(c.subjects), nil, wait)
}

// AuctionActor collects bids from hosts able to run the actor.
func (c *Client) AuctionActor(ctx context.Context, req dto.ActorAuctionRequest, wait time.Duration) ([]dto.AuctionAck, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return gather[dto.AuctionAck](ctx, c.broker, auction(c.subjects, opAuctionActor), data, wait)
}

// AuctionProvider collects bids from hosts able to run the provider.
func (c *Client) AuctionProvider(ctx context.Context, req dto.ProviderAuctionRequest, wait time.Duration) ([]dto.AuctionAck, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return gather[dto.AuctionAck](ctx, c.broker, auction(c.subjects, opAuctionProvider), data, wait)
}

func (c *Client) command(ctx context.Context, subject string, cmd any) (dto.Ack, error) {
	var ack dto.Ack
	data, err := json.Marshal(cmd)
	if err != nil {
		return ack, fmt.Errorf("failed to encode control request: %w", err)
	}
	reply, err := c.broker.Request(ctx, subject, data)
	if err != nil {
		return ack, err
	}
	if err := json.Unmarshal(reply, &ack); err != nil {
		return ack, fmt.Errorf("failed to decode ack from %s: %w", subject, err)
	}
	return ack, nil
}

// query decodes a reply into out, turning a failed ack into an error.
func (c *Client) query(ctx context.Context, subject string, out any) error {
	reply, err := c.broker.Request(ctx, subject, nil)
	if err != nil {
		return err
	}
	var ack dto.Ack
	if json.Unmarshal(reply, &ack) == nil && ack.Failure != "" {
		return errors.New(ack.Failure)
	}
	if err := json.Unmarshal(reply, out); err != nil {
		return fmt.Errorf("failed to decode reply from %s: %w", subject, err)
	}
	return nil
}

func gather[T any](ctx context.Context, broker Requester, subject string, data []byte, wait time.Duration) ([]T, error) {
	replies, err := broker.Gather(ctx, subject, data, wait)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(replies))
	for _, raw := range replies {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return out, fmt.Errorf("failed to decode reply from %s: %w", subject, err)
		}
		out = append(out, v)
	}
	return out, nil
}
