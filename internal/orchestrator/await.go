package orchestrator

import (
	"context"
	"errors"
	"fmt"
)

var errCollaboratorPanic = errors.New("collaborator panicked")

// await runs fn in its own goroutine and returns when fn does or when ctx
// ends, whichever comes first. A collaborator that ignores ctx is left
// running and its late result is discarded.
func await[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("%w: %v", errCollaboratorPanic, r)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
