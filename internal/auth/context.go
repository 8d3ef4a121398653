package auth

import (
	"context"

	"github.com/haasonsaas/taskgate/pkg/models"
)

type resultContextKey struct{}

// WithResult attaches a successful authentication result to the context.
func WithResult(ctx context.Context, result Result) context.Context {
	if !result.OK() {
		return ctx
	}
	return context.WithValue(ctx, resultContextKey{}, result)
}

// ResultFromContext retrieves the authentication result from the context.
func ResultFromContext(ctx context.Context) (Result, bool) {
	result, ok := ctx.Value(resultContextKey{}).(Result)
	return result, ok
}

// UserFromContext retrieves the authenticated user from the context.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	result, ok := ResultFromContext(ctx)
	if !ok {
		return nil, false
	}
	return result.User, true
}
