package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// errHandlerPanic marks an error recovered from a panicking handler.
var errHandlerPanic = errors.New("handler panicked")

// invokeWithTimeout runs fn under timeout. A zero timeout runs fn with ctx
// unchanged. When the deadline passes while the parent is still live, the
// result is an EXECUTOR_TIMEOUT EngineError. A panic in fn is returned as an
// error wrapping errHandlerPanic.
func invokeWithTimeout(ctx context.Context, timeout time.Duration, executorID string, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v\n%s", errHandlerPanic, p, debug.Stack())
		}
	}()

	if timeout <= 0 {
		return fn(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = fn(tctx)
	if errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return &EngineError{
			Message: fmt.Sprintf("executor %s exceeded timeout of %v", executorID, timeout),
			Code:    "EXECUTOR_TIMEOUT",
			Cause:   context.DeadlineExceeded,
		}
	}
	return err
}
