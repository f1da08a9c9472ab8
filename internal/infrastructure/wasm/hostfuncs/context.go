// Package hostfuncs provides the functions a host exposes to actor modules.
package hostfuncs

import (
	"context"

	"github.com/reglet-dev/latticed/internal/domain/invocation"
)

// HostCaller routes an actor's outbound call to the provider its link targets.
type HostCaller interface {
	CallLinked(ctx context.Context, actorID, contractID, linkName, operation string, payload []byte) *invocation.Response
}

type contextKey struct {
	name string
}

var actorIDKey = &contextKey{name: "actor_id"}

// WithActorID records which actor a guest call runs for.
func WithActorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actorIDKey, id)
}

// ActorIDFromContext returns the actor recorded by WithActorID.
func ActorIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(actorIDKey).(string)
	return id, ok && id != ""
}
