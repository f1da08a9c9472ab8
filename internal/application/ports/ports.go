// Package ports defines interfaces for infrastructure dependencies.
// These are the "ports" in hexagonal architecture - abstractions that
// the application layer depends on but doesn't implement.
package ports

import (
	"context"

	"github.com/reglet-dev/latticed/internal/domain/capabilities"
	"github.com/reglet-dev/latticed/internal/domain/invocation"
	"github.com/reglet-dev/latticed/internal/domain/links"
)

// Mailbox accepts an invocation and returns its response. Every running
// actor or provider is reached through one.
type Mailbox interface {
	Deliver(ctx context.Context, inv *invocation.Invocation) (*invocation.Response, error)
}

// MailboxFunc adapts a function to the Mailbox interface.
type MailboxFunc func(ctx context.Context, inv *invocation.Invocation) (*invocation.Response, error)

// Deliver calls f(ctx, inv).
func (f MailboxFunc) Deliver(ctx context.Context, inv *invocation.Invocation) (*invocation.Response, error) {
	return f(ctx, inv)
}

// InboundHandler handles an invocation that arrived from another host.
type InboundHandler func(ctx context.Context, inv *invocation.Invocation) *invocation.Response

// LatticeDelegate performs remote RPC and registers remote listen interest
// so other hosts can reach local entities.
type LatticeDelegate interface {
	Invoke(ctx context.Context, inv *invocation.Invocation) (*invocation.Response, error)
	Listen(ctx context.Context, entity invocation.Entity, handler InboundHandler) error
	Unlisten(ctx context.Context, entity invocation.Entity) error
}

// Message is a single message received from the transport.
type Message struct {
	Subject string
	Reply   string
	Data    []byte
}

// MessageHandler processes a received message.
type MessageHandler func(ctx context.Context, msg Message)

// Subscription is an active transport subscription.
type Subscription interface {
	Unsubscribe() error
}

// Transport is the subject-based broker the lattice runs over.
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Subscribe(subject, queue string, handler MessageHandler) (Subscription, error)
	Close() error
}

// EventPublisher emits lattice events describing host state transitions.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, data map[string]any) error
}

// Authorizer applies host policy on top of claims. A nil error allows.
type Authorizer interface {
	// CanLoad is the load-time gate applied when an actor starts.
	CanLoad(ctx context.Context, claims *capabilities.Claims) error
	// CanInvoke is the call-time gate applied on every dispatch.
	CanInvoke(ctx context.Context, claims *capabilities.Claims, target invocation.Entity, operation string) error
}

// ClaimsValidator verifies unit tokens.
type ClaimsValidator interface {
	Validate(token string) (*capabilities.Claims, error)
}

// ActorImage is a resolved actor module and its embedded token.
type ActorImage struct {
	Ref   string
	Token string
	Bytes []byte
}

// ActorLoader resolves an image reference to an actor module.
type ActorLoader interface {
	LoadActor(ctx context.Context, imageRef string) (*ActorImage, error)
}

// ActorInstance is a running actor.
type ActorInstance interface {
	Mailbox
	Close(ctx context.Context) error
}

// ActorRuntime instantiates actor modules.
type ActorRuntime interface {
	Instantiate(ctx context.Context, claims *capabilities.Claims, image *ActorImage) (ActorInstance, error)
}

// ProviderImage is a resolved provider executable and its token.
type ProviderImage struct {
	Ref   string
	Token string
	Path  string
	Args  []string
}

// ProviderLoader resolves an image reference to a provider executable.
type ProviderLoader interface {
	LoadProvider(ctx context.Context, imageRef string) (*ProviderImage, error)
}

// LaunchRequest describes a provider to start.
type LaunchRequest struct {
	Claims      *capabilities.Claims
	Image       *ProviderImage
	LinkName    string
	ConfigNames []string
	// Links returns the current link definitions for the provider. It is
	// called on every (re)spawn so a restarted process sees fresh links.
	Links func() []links.Definition
}

// ProviderInstance is a supervised provider.
type ProviderInstance interface {
	Mailbox
	InstanceID() string
	// Done is closed once the supervisor has fully stopped.
	Done() <-chan struct{}
	// Err returns the fatal supervision error, if any, after Done is closed.
	Err() error
	Stop(ctx context.Context) error
}

// ProviderLauncher starts supervised providers.
type ProviderLauncher interface {
	Launch(ctx context.Context, req LaunchRequest) (ProviderInstance, error)
}
