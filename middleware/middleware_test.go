package middleware

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"amqp-rpc/message"
)

// echoHandler returns the command name as payload.
func echoHandler(ctx context.Context, cmd *message.Command) *message.CommandResult {
	res, _ := message.Success(cmd.Name)
	return res
}

// slowHandler sleeps 200ms unless cancelled.
func slowHandler(ctx context.Context, cmd *message.Command) *message.CommandResult {
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
	}
	return echoHandler(ctx, cmd)
}

func failingHandler(name string) HandlerFunc {
	return func(ctx context.Context, cmd *message.Command) *message.CommandResult {
		return failure(name, "boom")
	}
}

func newCommand(t *testing.T, name string) *message.Command {
	t.Helper()
	cmd, err := message.NewCommand(name, 1, "two")
	if err != nil {
		t.Fatal(err)
	}
	return cmd
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	res := handler(context.Background(), newCommand(t, "foo"))
	if res.Failed() {
		t.Fatalf("expect success, got %+v", res.Error)
	}
	entries := logs.FilterMessage("command handled").All()
	if len(entries) != 1 {
		t.Fatalf("expect one log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["command"]; got != "foo" {
		t.Fatalf("expect command field foo, got %v", got)
	}
}

func TestLoggingFailure(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(failingHandler("QuotaError"))

	res := handler(context.Background(), newCommand(t, "foo"))
	if !res.Failed() {
		t.Fatal("expect failure to pass through")
	}
	entries := logs.FilterMessage("command failed").All()
	if len(entries) != 1 || entries[0].Level != zap.WarnLevel {
		t.Fatalf("expect one warn entry, got %v", entries)
	}
	if got := entries[0].ContextMap()["error_name"]; got != "QuotaError" {
		t.Fatalf("expect error_name QuotaError, got %v", got)
	}
}

func TestRecover(t *testing.T) {
	handler := RecoverMiddleware()(func(ctx context.Context, cmd *message.Command) *message.CommandResult {
		panic("nil map")
	})

	res := handler(context.Background(), newCommand(t, "foo"))
	if !res.Failed() || res.Error.Name != PanicErrorName || res.Error.Message != "nil map" {
		t.Fatalf("expect panic failure, got %+v", res)
	}
}

func TestTimeoutPass(t *testing.T) {
	// Fast handler under a 500ms budget.
	handler := TimeoutMiddleware(500 * time.Millisecond)(echoHandler)

	res := handler(context.Background(), newCommand(t, "foo"))
	if res.Failed() {
		t.Fatalf("expect no error, got %+v", res.Error)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeoutMiddleware(50 * time.Millisecond)(slowHandler)

	res := handler(context.Background(), newCommand(t, "foo"))
	if !res.Failed() || res.Error.Name != TimeoutErrorName || res.Error.Message != "request timed out" {
		t.Fatalf("expect timeout error, got %+v", res)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected.
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	cmd := newCommand(t, "foo")

	for i := 0; i < 2; i++ {
		if res := handler(context.Background(), cmd); res.Failed() {
			t.Fatalf("request %d should pass, got error: %+v", i, res.Error)
		}
	}

	res := handler(context.Background(), cmd)
	if !res.Failed() || res.Error.Name != RateLimitErrorName || res.Error.Message != "rate limit exceeded" {
		t.Fatalf("request 3 should be rate limited, got: %+v", res)
	}
}

func TestRetryTimeout(t *testing.T) {
	var calls atomic.Int32
	handler := RetryMiddleware(3, time.Millisecond)(func(ctx context.Context, cmd *message.Command) *message.CommandResult {
		if calls.Add(1) < 3 {
			return failure(TimeoutErrorName, "request timed out")
		}
		return echoHandler(ctx, cmd)
	})

	res := handler(context.Background(), newCommand(t, "foo"))
	if res.Failed() {
		t.Fatalf("expect success after retries, got %+v", res.Error)
	}
	if calls.Load() != 3 {
		t.Fatalf("expect 3 calls, got %d", calls.Load())
	}
}

func TestRetryBackoffDoubles(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	var calls atomic.Int32
	handler := RetryMiddlewareWithClock(clk, 2, time.Second)(func(ctx context.Context, cmd *message.Command) *message.CommandResult {
		calls.Add(1)
		return failure(TimeoutErrorName, "request timed out")
	})

	done := make(chan *message.CommandResult, 1)
	go func() { done <- handler(context.Background(), newCommand(t, "foo")) }()

	if err := clk.WaitAdvance(time.Second, 5*time.Second, 1); err != nil {
		t.Fatal(err)
	}
	// The second delay is twice the first; one second more is not enough.
	if err := clk.WaitAdvance(time.Second, 5*time.Second, 1); err != nil {
		t.Fatal(err)
	}
	select {
	case res := <-done:
		t.Fatalf("retry finished before its backoff elapsed: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
	if calls.Load() != 2 {
		t.Fatalf("expect 2 calls so far, got %d", calls.Load())
	}
	clk.Advance(time.Second)

	select {
	case res := <-done:
		if !res.Failed() || res.Error.Name != TimeoutErrorName {
			t.Fatalf("expect the last timeout failure, got %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry never finished")
	}
	if calls.Load() != 3 {
		t.Fatalf("expect 3 calls, got %d", calls.Load())
	}
}

func TestRetryableField(t *testing.T) {
	var calls atomic.Int32
	handler := RetryMiddleware(2, time.Millisecond)(func(ctx context.Context, cmd *message.Command) *message.CommandResult {
		calls.Add(1)
		return message.Failure(&message.ErrorDescriptor{
			Name:    "Unavailable",
			Message: "try later",
			Fields:  map[string]json.RawMessage{RetryableField: json.RawMessage("true")},
		})
	})

	res := handler(context.Background(), newCommand(t, "foo"))
	if !res.Failed() || res.Error.Name != "Unavailable" {
		t.Fatalf("expect last failure, got %+v", res)
	}
	// One call plus two retries.
	if calls.Load() != 3 {
		t.Fatalf("expect 3 calls, got %d", calls.Load())
	}
}

func TestRetryNonRetryable(t *testing.T) {
	var calls atomic.Int32
	handler := RetryMiddleware(3, time.Millisecond)(func(ctx context.Context, cmd *message.Command) *message.CommandResult {
		calls.Add(1)
		return failure("Error", "Some error")
	})

	handler(context.Background(), newCommand(t, "foo"))
	if calls.Load() != 1 {
		t.Fatalf("non-retryable errors must not be retried, got %d calls", calls.Load())
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls atomic.Int32
	handler := RetryMiddleware(3, time.Hour)(func(ctx context.Context, cmd *message.Command) *message.CommandResult {
		calls.Add(1)
		return failure(TimeoutErrorName, "request timed out")
	})

	handler(ctx, newCommand(t, "foo"))
	if calls.Load() != 1 {
		t.Fatalf("expect no retry after cancel, got %d calls", calls.Load())
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	ok := MetricsMiddleware(reg)(echoHandler)
	bad := MetricsMiddleware(reg)(failingHandler("Error"))

	ok(context.Background(), newCommand(t, "foo"))
	ok(context.Background(), newCommand(t, "foo"))
	bad(context.Background(), newCommand(t, "bar"))

	expected := `
# HELP amqp_rpc_handled_total Commands handled by the server, by outcome.
# TYPE amqp_rpc_handled_total counter
amqp_rpc_handled_total{command="bar",outcome="failure"} 1
amqp_rpc_handled_total{command="foo",outcome="success"} 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "amqp_rpc_handled_total"); err != nil {
		t.Fatal(err)
	}
	n, err := testutil.GatherAndCount(reg, "amqp_rpc_handle_duration_seconds")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expect 2 duration series, got %d", n)
	}
}

func TestChain(t *testing.T) {
	var order []string
	trace := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, cmd *message.Command) *message.CommandResult {
				order = append(order, name)
				return next(ctx, cmd)
			}
		}
	}
	chained := Chain(trace("outer"), LoggingMiddleware(nil), TimeoutMiddleware(500*time.Millisecond), trace("inner"))
	res := chained(echoHandler)(context.Background(), newCommand(t, "foo"))

	if res == nil || res.Failed() {
		t.Fatalf("expect success, got %+v", res)
	}
	if strings.Join(order, ",") != "outer,inner" {
		t.Fatalf("unexpected middleware order %v", order)
	}
}
