package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wirebench/wirebench-go/contracts"
)

// Interceptor wraps envelope handling with cross-cutting behavior. The
// chain runs in registration order around the receiver's handler; an
// interceptor error marks the acknowledgment as not received.
type Interceptor interface {
	Intercept(ctx context.Context, env *contracts.Envelope, next Handler) (string, error)
	Name() string
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, env *contracts.Envelope, next Handler) (string, error)
}

// NewInterceptorFunc creates a function-based interceptor.
func NewInterceptorFunc(name string, fn func(ctx context.Context, env *contracts.Envelope, next Handler) (string, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

func (i *InterceptorFunc) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) (string, error) {
	return i.fn(ctx, env, next)
}

func (i *InterceptorFunc) Name() string { return i.name }

// chainHandler folds the interceptors around the final handler, outermost
// first.
func chainHandler(interceptors []Interceptor, final Handler) Handler {
	handler := final
	for i := len(interceptors) - 1; i >= 0; i-- {
		interceptor := interceptors[i]
		next := handler
		handler = func(ctx context.Context, env *contracts.Envelope) (string, error) {
			return interceptor.Intercept(ctx, env, next)
		}
	}
	return handler
}

// LoggingInterceptor logs each envelope around its handler.
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor.
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

func (i *LoggingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) (string, error) {
	start := time.Now()
	status, err := next(ctx, env)
	if err != nil {
		i.logger.Error("envelope handling failed",
			"message_id", env.MessageID, "target", env.Target,
			"duration", time.Since(start), "error", err)
		return status, err
	}
	i.logger.Debug("envelope handled",
		"message_id", env.MessageID, "target", env.Target, "duration", time.Since(start))
	return status, nil
}

func (i *LoggingInterceptor) Name() string { return "LoggingInterceptor" }

// TimeoutInterceptor bounds handler execution so one stuck handler cannot
// stall the receive loop forever.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a timeout interceptor.
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

func (i *TimeoutInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	type outcome struct {
		status string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		status, err := next(timeoutCtx, env)
		done <- outcome{status, err}
	}()

	select {
	case out := <-done:
		return out.status, out.err
	case <-timeoutCtx.Done():
		return "", fmt.Errorf("handler timeout after %v for message %s", i.timeout, env.MessageID)
	}
}

func (i *TimeoutInterceptor) Name() string { return "TimeoutInterceptor" }
