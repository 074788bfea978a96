package middleware

import (
	"context"
	"time"

	"amqp-rpc/message"
)

// TimeoutErrorName names the failure reported when a handler runs out of time.
const TimeoutErrorName = "TimeoutError"

// TimeoutMiddleware bounds the handler's run time. The handler's context is cancelled at
// the deadline; a handler that ignores it keeps running but its result is discarded.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) *message.CommandResult {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.CommandResult, 1)
			go func() {
				done <- next(ctx, cmd)
			}()

			select {
			case res := <-done:
				return res
			case <-ctx.Done():
				return failure(TimeoutErrorName, "request timed out")
			}
		}
	}
}
