package actorctx

import (
	"context"
)

type ctxKey string

const keyActor ctxKey = "actor"

// WithActor records who initiated a trigger; producers stamp it into the
// task record's createdBy.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, keyActor, actor)
}

func ActorFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyActor).(string)

	return v, ok && v != ""
}
