package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"amqp-rpc/message"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// MetricsMiddleware counts handled commands by outcome and observes handler duration.
// The collectors are registered with reg; registering twice with the same registerer
// reuses the existing collectors.
func MetricsMiddleware(reg prometheus.Registerer) Middleware {
	handled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "amqp_rpc",
		Name:      "handled_total",
		Help:      "Commands handled by the server, by outcome.",
	}, []string{"command", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "amqp_rpc",
		Name:      "handle_duration_seconds",
		Help:      "Time spent running command handlers.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"command"})
	handled = register(reg, handled)
	duration = register(reg, duration)

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd *message.Command) *message.CommandResult {
			start := time.Now()
			res := next(ctx, cmd)
			duration.WithLabelValues(cmd.Name).Observe(time.Since(start).Seconds())
			outcome := OutcomeSuccess
			if res.Failed() {
				outcome = OutcomeFailure
			}
			handled.WithLabelValues(cmd.Name, outcome).Inc()
			return res
		}
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
