package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/songzhibin97/docflow/rules"
)

// DefaultScriptTimeout bounds a dynamic assignee script when no timeout is configured.
const DefaultScriptTimeout = 2 * time.Second

// ScriptRunner executes a dynamic assignee script and returns user ids.
type ScriptRunner interface {
	Run(ctx context.Context, script string, env map[string]interface{}) ([]string, error)
}

// ExprScriptRunner runs scripts as expr-lang expressions. A script may
// evaluate to a string, a list of strings, or nil.
type ExprScriptRunner struct {
	eval    *rules.ExprEvaluator
	timeout time.Duration
}

// NewExprScriptRunner creates a runner; a non-positive timeout selects DefaultScriptTimeout.
func NewExprScriptRunner(eval *rules.ExprEvaluator, timeout time.Duration) *ExprScriptRunner {
	if eval == nil {
		eval = rules.NewExprEvaluator()
	}
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	return &ExprScriptRunner{eval: eval, timeout: timeout}
}

type scriptResult struct {
	out interface{}
	err error
}

// Run implements ScriptRunner.
func (r *ExprScriptRunner) Run(ctx context.Context, script string, env map[string]interface{}) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan scriptResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- scriptResult{err: fmt.Errorf("script panicked: %v", p)}
			}
		}()
		out, err := r.eval.Run(script, env)
		done <- scriptResult{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("script %q: %w", script, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return toUsers(res.out)
	}
}

func toUsers(out interface{}) ([]string, error) {
	switch v := out.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []string:
		return v, nil
	case []interface{}:
		users := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("script result element %v is %T, not a user id", item, item)
			}
			users = append(users, s)
		}
		return users, nil
	}
	return nil, fmt.Errorf("script result is %T, not a user id list", out)
}
