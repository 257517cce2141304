// Package wslog carries a zerolog.Logger through a context.Context, the
// way the rest of the engine's connection and handshake code expects to
// find one.
package wslog

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

var key = ctxKey{}

// IntoContext returns a context carrying l, retrievable with FromContext.
func IntoContext(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, key, l)
}

// FromContext returns the logger stored in ctx by IntoContext. If none was
// stored, it returns what zerolog.Ctx finds for ctx: a logger attached
// with zerolog's own WithContext, else zerolog.DefaultContextLogger, else
// a disabled logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(key).(zerolog.Logger); ok {
		return l
	}
	return zerolog.Ctx(ctx).With().Logger()
}
