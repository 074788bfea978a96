// Package middleware wraps server command handlers.
//
// A HandlerFunc turns a decoded command into a result. Middlewares compose around it
// like an onion: the first one passed to Chain is the outermost.
package middleware

import (
	"context"

	"amqp-rpc/message"
)

type HandlerFunc func(ctx context.Context, cmd *message.Command) *message.CommandResult

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one, the first being the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

func failure(name, msg string) *message.CommandResult {
	return message.Failure(&message.ErrorDescriptor{Name: name, Message: msg})
}
