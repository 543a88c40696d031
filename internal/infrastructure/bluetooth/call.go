package bluetooth

import (
	"context"
	"errors"
	"fmt"
)

// call runs a blocking BLE operation in its own goroutine and returns when
// it finishes or ctx ends. On expiry the operation is abandoned; its result
// is discarded when it eventually returns.
func call[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	return callRelease(ctx, op, fn, nil)
}

// callRelease is call for operations that acquire something, such as a
// connection. If ctx ends first and fn later succeeds, release is called
// with the late result so it is not left without an owner.
func callRelease[T any](ctx context.Context, op string, fn func() (T, error), release func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		if release != nil {
			go func() {
				if r := <-done; r.err == nil {
					release(r.v)
				}
			}()
		}
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: %s", ErrTimeout, op)
		}
		return zero, ctx.Err()
	}
}
