package dcontext

import "context"

// DetachedContext returns a context that won't be canceled when the parent
// context is canceled.
func DetachedContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
