package context

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type actorKey struct{}
type subscriptionIDKey struct{}

type actor struct {
	kind string
	id   string
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// WithActor records who initiated the work: "family", "gateway" or "system".
func WithActor(ctx context.Context, kind, id string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{kind: strings.TrimSpace(kind), id: strings.TrimSpace(id)})
}

func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	a, _ := ctx.Value(actorKey{}).(actor)
	return a.kind, a.id
}

func WithSubscriptionID(ctx context.Context, subscriptionID string) context.Context {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return ctx
	}
	return context.WithValue(ctx, subscriptionIDKey{}, subscriptionID)
}

func SubscriptionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(subscriptionIDKey{}).(string)
	return v
}
