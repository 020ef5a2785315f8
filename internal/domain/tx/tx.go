// Package tx defines the transaction boundary used by domain services.
package tx

import "context"

// Runner executes fn inside a single database transaction. Repository calls
// made with the context passed to fn join that transaction. The transaction
// is committed when fn returns nil and rolled back otherwise.
type Runner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// WithinTx calls f(ctx, fn).
func (f RunnerFunc) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

// Inline is a Runner that runs fn directly without a transaction. It is meant
// for tests and for stores that have no transactional semantics.
var Inline Runner = RunnerFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
})
