// Package guard composes the resilience primitives around one remote call.
//
// The layering is
//
//	fallback( breaker( retry( timeout(op) ) ) )
//
// An open circuit rejects before any retry attempt is made, each attempt is
// bounded by the timeout, and the fallback handler sees the final outcome
// of the whole stack, including rejections.
package guard

import (
	"context"
	"time"

	"github.com/pmkol/resync/pkg/circuit_breaker"
	"github.com/pmkol/resync/pkg/fallback"
	"github.com/pmkol/resync/pkg/retry"
	"github.com/pmkol/resync/pkg/timeout"
)

type Guard[T any] struct {
	Name string

	// Breaker is optional.
	Breaker *circuit_breaker.Breaker

	Policy retry.Policy

	// AttemptTimeout bounds a single attempt. Zero disables it.
	AttemptTimeout time.Duration

	// Fallback is optional.
	Fallback *fallback.Handler[T]
}

func (g *Guard[T]) Execute(ctx context.Context, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := op
	if g.AttemptTimeout > 0 {
		attempt = func(ctx context.Context) (T, error) {
			return timeout.Do(ctx, g.Name, g.AttemptTimeout, op)
		}
	}

	guarded := func(ctx context.Context) (T, error) {
		return retry.Do(ctx, g.Policy, g.Name, attempt)
	}
	if b := g.Breaker; b != nil {
		retried := guarded
		guarded = func(ctx context.Context) (T, error) {
			return circuit_breaker.Do(ctx, b, retried)
		}
	}

	if g.Fallback != nil {
		return g.Fallback.Execute(ctx, guarded)
	}
	return guarded(ctx)
}
