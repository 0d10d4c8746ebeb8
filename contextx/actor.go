// Package contextx carries request-scoped values through cache calls: the
// actor a mutation is attributed to, and a request id for log correlation.
package contextx

import "context"

// Anonymous is the actor name recorded when no actor is present.
const Anonymous = "anonymous"

// Actor identifies who issued a mutation. Remote sources stamp it into the
// record lifecycle.
//
// Example:
//
//	ctx = contextx.WithActor(ctx, contextx.Actor{Subject: "alice", Tenant: "acme"})
type Actor struct {
	Subject string
	Tenant  string
}

// Name returns the subject, or Anonymous when it is empty.
func (a Actor) Name() string {
	if a.Subject == "" {
		return Anonymous
	}
	return a.Subject
}

// WithActor returns a derived context that carries the given Actor.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromContext extracts the Actor stored in ctx.
// The boolean return value indicates whether an Actor was present.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}

// ActorName returns the name of the actor in ctx, or Anonymous.
func ActorName(ctx context.Context) string {
	a, _ := ActorFromContext(ctx)
	return a.Name()
}
