package safe

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"lastpush.com/pkg/logger"
)

// Go starts fn in a goroutine that logs instead of crashing on panic.
func Go(fn func()) {
	GoCtx(context.Background(), func(context.Context) { fn() })
}

// GoCtx is Go with a context so the panic log keeps the request/trace ids.
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer recoverAndLog(ctx)
		fn(ctx)
	}()
}

// Run calls fn synchronously and turns a panic into an error, so a worker
// loop survives one bad job.
func Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "panic recovered",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func recoverAndLog(ctx context.Context) {
	if r := recover(); r != nil {
		logger.Error(ctx, "goroutine panic recovered",
			zap.Any("panic", r),
			zap.String("stack", string(debug.Stack())))
	}
}
