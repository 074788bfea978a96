package middleware

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/clock"

	"amqp-rpc/message"
)

// RetryableField is the descriptor field a handler error sets to true to ask for a retry.
const RetryableField = "retryable"

// RetryMiddleware re-runs the handler up to maxRetries times while it fails with a
// retryable error, doubling the delay from baseDelay after each attempt. It gives up early
// when the context is done.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return RetryMiddlewareWithClock(clock.WallClock, maxRetries, baseDelay)
}

// RetryMiddlewareWithClock is RetryMiddleware with the backoff timed by clk.
func RetryMiddlewareWithClock(clk clock.Clock, maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) *message.CommandResult {
			res := next(ctx, cmd)
			for i := 0; i < maxRetries && res.Failed() && retryable(res.Error); i++ {
				select {
				case <-clk.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return res
				}
				res = next(ctx, cmd)
			}
			return res
		}
	}
}

func retryable(desc *message.ErrorDescriptor) bool {
	if desc.Name == TimeoutErrorName {
		return true
	}
	raw, ok := desc.Fields[RetryableField]
	if !ok {
		return false
	}
	var v bool
	return json.Unmarshal(raw, &v) == nil && v
}
