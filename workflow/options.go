package workflow

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/songzhibin97/docflow/events"
	"github.com/songzhibin97/docflow/resolver"
	"github.com/songzhibin97/docflow/rules"
)

const (
	// DefaultEscalationRole receives escalations when neither the step nor
	// the definition names a target.
	DefaultEscalationRole = "System Manager"
	// DefaultNotifyTimeout bounds a single Notify call.
	DefaultNotifyTimeout = 5 * time.Second
)

type options struct {
	logger         *zap.Logger
	clock          func() time.Time
	notifier       events.Notifier
	scripts        resolver.ScriptRunner
	exprEval       *rules.ExprEvaluator
	registerer     prometheus.Registerer
	notifyTimeout  time.Duration
	escalationRole string
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithNotifier sets the outbound notification collaborator.
func WithNotifier(n events.Notifier) Option {
	return func(o *options) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithScriptRunner sets the runner used for Dynamic assignees.
func WithScriptRunner(r resolver.ScriptRunner) Option {
	return func(o *options) {
		o.scripts = r
	}
}

// WithExprEvaluator shares an expression evaluator with the condition evaluator.
func WithExprEvaluator(e *rules.ExprEvaluator) Option {
	return func(o *options) {
		o.exprEval = e
	}
}

// WithRegisterer registers the engine metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithNotifyTimeout bounds each Notify call.
func WithNotifyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.notifyTimeout = d
		}
	}
}

// WithEscalationRole sets the fallback escalation role.
func WithEscalationRole(role string) Option {
	return func(o *options) {
		if role != "" {
			o.escalationRole = role
		}
	}
}

func defaultOptions() options {
	return options{
		logger:         zap.NewNop(),
		clock:          time.Now,
		notifier:       events.NotifierFunc(func(_ context.Context, _ events.Notification) error { return nil }),
		notifyTimeout:  DefaultNotifyTimeout,
		escalationRole: DefaultEscalationRole,
	}
}
