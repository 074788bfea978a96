package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"amqp-rpc/message"
)

// LoggingMiddleware logs every handled command with its duration. Failures are logged at
// warn level with the error name and message.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) *message.CommandResult {
			start := time.Now()
			res := next(ctx, cmd)
			fields := []zap.Field{
				zap.String("command", cmd.Name),
				zap.Int("args", cmd.Args.Len()),
				zap.Duration("duration", time.Since(start)),
			}
			if res.Failed() {
				logger.Warn("command failed", append(fields,
					zap.String("error_name", res.Error.Name),
					zap.String("error_message", res.Error.Message))...)
				return res
			}
			logger.Debug("command handled", fields...)
			return res
		}
	}
}
