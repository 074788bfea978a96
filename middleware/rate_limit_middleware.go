package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"amqp-rpc/message"
)

// RateLimitErrorName names the failure reported when a command is rate limited.
const RateLimitErrorName = "RateLimitError"

// RateLimitMiddleware admits r commands per second with the given burst, using a token
// bucket. Commands over the limit fail without reaching the handler.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) *message.CommandResult {
			if !limiter.Allow() {
				return failure(RateLimitErrorName, "rate limit exceeded")
			}
			return next(ctx, cmd)
		}
	}
}
