package hctx

import "context"

// State holds per-execution, executor-provided metadata that the flush engine
// captures after the executor returns.
type State struct {
	Result []byte
}

// New creates a fresh executor state container.
func New() *State { return &State{} }

type ctxKey struct{}

// WithState returns a child context carrying the given executor state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the executor state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}
