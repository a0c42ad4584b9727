package observe

import (
	"context"
	"fmt"
	"time"
)

// EventType names an execution event.
type EventType string

const (
	EventExecutionStart     EventType = "execution_start"
	EventExecutionSuccess   EventType = "execution_success"
	EventExecutionError     EventType = "execution_error"
	EventRetryAttempt       EventType = "retry_attempt"
	EventBreakerStateChange EventType = "breaker_state_change"
)

// Event describes something that happened during rule execution.
type Event struct {
	Type        EventType
	RuleID      string
	ExecutionID string

	// Operation is the resilience operation name for retry and breaker events.
	Operation string
	Attempt   int
	Duration  time.Duration
	Err       error

	// From and To are breaker states for breaker_state_change.
	From string
	To   string

	Time time.Time
}

// Notifier receives execution events.
//
// Contract:
// - Concurrency: Notify may be called from many goroutines at once.
// - Errors: failures are the notifier's own concern; nothing is returned.
// - Notify should return quickly; slow sinks should buffer.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

// MultiNotifier fans an event out to every notifier in order. A panic in one
// does not prevent delivery to the rest.
type MultiNotifier []Notifier

// Notify delivers ev to every notifier.
func (m MultiNotifier) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		SafeNotify(ctx, n, ev, nil)
	}
}

// SafeNotify delivers ev to n, recovering any panic. A recovered panic is
// logged to logger when one is given.
func SafeNotify(ctx context.Context, n Notifier, ev Event, logger Logger) {
	if n == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Warn(ctx, "notifier panicked",
				F("event", string(ev.Type)),
				F("rule.id", ev.RuleID),
				F("panic", fmt.Sprint(r)),
			)
		}
	}()
	n.Notify(ctx, ev)
}

// LogNotifier writes events to a Logger.
type LogNotifier struct {
	Logger Logger
}

// Notify logs ev. Errors are logged at warn, everything else at debug.
func (n LogNotifier) Notify(ctx context.Context, ev Event) {
	if n.Logger == nil {
		return
	}
	fields := []Field{F("event", string(ev.Type))}
	if ev.RuleID != "" {
		fields = append(fields, F("rule.id", ev.RuleID))
	}
	if ev.ExecutionID != "" {
		fields = append(fields, F("execution.id", ev.ExecutionID))
	}
	if ev.Operation != "" {
		fields = append(fields, F("operation", ev.Operation))
	}

	switch ev.Type {
	case EventExecutionError:
		n.Logger.Warn(ctx, "rule execution failed", append(fields, F("duration", ev.Duration), F("error", ev.Err))...)
	case EventRetryAttempt:
		n.Logger.Info(ctx, "retrying operation", append(fields, F("attempt", ev.Attempt), F("error", ev.Err))...)
	case EventBreakerStateChange:
		n.Logger.Warn(ctx, "circuit breaker state changed", append(fields, F("from", ev.From), F("to", ev.To))...)
	case EventExecutionSuccess:
		n.Logger.Debug(ctx, "rule execution succeeded", append(fields, F("duration", ev.Duration))...)
	default:
		n.Logger.Debug(ctx, "rule execution started", fields...)
	}
}

// MetricsNotifier records retry and breaker events as metrics. Evaluation
// metrics are recorded by Middleware, so execution events are ignored here.
type MetricsNotifier struct {
	Metrics Metrics
}

// Notify records ev.
func (n MetricsNotifier) Notify(ctx context.Context, ev Event) {
	if n.Metrics == nil {
		return
	}
	switch ev.Type {
	case EventRetryAttempt:
		n.Metrics.RecordRetry(ctx, ev.Operation, ev.Attempt)
	case EventBreakerStateChange:
		n.Metrics.RecordBreakerTransition(ctx, ev.Operation, ev.From, ev.To)
	}
}

var (
	_ Notifier = NotifierFunc(nil)
	_ Notifier = MultiNotifier(nil)
	_ Notifier = LogNotifier{}
	_ Notifier = MetricsNotifier{}
)
