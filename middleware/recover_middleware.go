package middleware

import (
	"context"
	"fmt"

	"amqp-rpc/message"
)

// PanicErrorName names the failure reported for a handler that panicked.
const PanicErrorName = "Panic"

// RecoverMiddleware turns a panic in the wrapped handler into a failure result.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) (res *message.CommandResult) {
			defer func() {
				if r := recover(); r != nil {
					res = failure(PanicErrorName, fmt.Sprint(r))
				}
			}()
			return next(ctx, cmd)
		}
	}
}
