// Package trace generates correlation IDs for response rounds and background
// memory tasks and carries them through context.Context.
package trace

import (
	"context"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type ctxKey struct{}

// GenerateID returns a new random trace ID of the form "t_<32 hex chars>".
func GenerateID() string {
	u, err := uuid.NewRandom()
	if err != nil {
		return "t_" + strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return "t_" + hex.EncodeToString(u[:])
}

// WithTraceID returns a child context carrying id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the trace ID carried by ctx, or "".
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Start returns ctx unchanged when it already carries a trace ID, otherwise a
// child context with a freshly generated one. The effective ID is returned.
func Start(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := GenerateID()
	return WithTraceID(ctx, id), id
}
