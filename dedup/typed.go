package dedup

import (
	"context"
	"time"
)

// Get is a type-safe wrapper over Group.Execute for callers that know
// the concrete result type of factory.
func Get[T any](g *Group, ctx context.Context, key string, factory func(context.Context) (T, error)) (T, error) {
	v, err := g.Execute(ctx, key, func(ctx context.Context) (interface{}, error) {
		return factory(ctx)
	})
	if v == nil {
		var zero T
		return zero, err
	}
	return v.(T), err
}

// GetWithFallback is the type-safe wrapper over
// Group.ExecuteWithFallback.
func GetWithFallback[T any](g *Group, ctx context.Context, key string, joinTimeout time.Duration, factory func(context.Context) (T, error)) (T, error) {
	v, err := g.ExecuteWithFallback(ctx, key, joinTimeout, func(ctx context.Context) (interface{}, error) {
		return factory(ctx)
	})
	if v == nil {
		var zero T
		return zero, err
	}
	return v.(T), err
}
