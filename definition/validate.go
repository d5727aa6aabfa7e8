// Package definition validates, activates and builds workflow definitions.
package definition

import (
	"fmt"
	"sort"

	"github.com/songzhibin97/docflow/types"
)

// Activate validates a clone of def and returns it marked active. The input is
// never modified.
func Activate(def types.WorkflowDefinition) (types.WorkflowDefinition, error) {
	clone := def.Clone()
	if err := Validate(clone); err != nil {
		return types.WorkflowDefinition{}, err
	}
	clone.IsActive = true
	return clone, nil
}

// Validate checks the structural rules an active definition must satisfy.
func Validate(def types.WorkflowDefinition) error {
	v := validator{def: def, steps: make(map[int]types.Step, len(def.Steps))}
	return v.run()
}

type validator struct {
	def   types.WorkflowDefinition
	steps map[int]types.Step
	start int
}

func (v *validator) fail(kind error, format string, args ...interface{}) error {
	return &ValidationError{Definition: v.def.Name, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (v *validator) run() error {
	checks := []func() error{
		v.checkSteps,
		v.checkOrders,
		v.checkStepShapes,
		v.checkActions,
		v.checkTransitions,
		v.checkPermissions,
		v.checkConditions,
		v.checkOptions,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) checkSteps() error {
	starts, ends := 0, 0
	for _, s := range v.def.Steps {
		switch s.Kind {
		case types.StepStart:
			starts++
			v.start = s.Order
		case types.StepEnd:
			ends++
		case types.StepApproval, types.StepRejection, types.StepNotification:
		default:
			return v.fail(ErrInvalidTopology, "step %d has unknown kind %q", s.Order, s.Kind)
		}
	}
	switch {
	case starts == 0:
		return v.fail(ErrMissingStart, "")
	case starts > 1:
		return v.fail(ErrInvalidTopology, "%d start steps", starts)
	case ends == 0:
		return v.fail(ErrMissingEnd, "")
	}
	return nil
}

func (v *validator) checkOrders() error {
	orders := make([]int, 0, len(v.def.Steps))
	for _, s := range v.def.Steps {
		if _, dup := v.steps[s.Order]; dup {
			return v.fail(ErrInvalidTopology, "duplicate step order %d", s.Order)
		}
		v.steps[s.Order] = s
		orders = append(orders, s.Order)
	}
	sort.Ints(orders)
	for i, o := range orders {
		if o != i+1 {
			return v.fail(ErrInvalidTopology, "step orders must be 1..%d, found %d", len(orders), o)
		}
	}
	return nil
}

func (v *validator) checkStepShapes() error {
	for _, s := range v.def.Steps {
		if s.Kind != types.StepStart && s.Kind != types.StepEnd {
			continue
		}
		if !s.Assignee.IsZero() {
			return v.fail(ErrInvalidTopology, "%s step %d carries an assignee", s.Kind, s.Order)
		}
		if !s.Timing.IsZero() {
			return v.fail(ErrInvalidTopology, "%s step %d carries timing", s.Kind, s.Order)
		}
		if len(s.Actions) > 0 {
			return v.fail(ErrInvalidTopology, "%s step %d carries actions", s.Kind, s.Order)
		}
	}
	return nil
}

func (v *validator) checkActions() error {
	for _, s := range v.def.Steps {
		names := make(map[string]struct{}, len(s.Actions))
		for _, a := range s.Actions {
			if a.Name == "" {
				return v.fail(ErrInvalidTopology, "step %d has an unnamed action", s.Order)
			}
			if _, dup := names[a.Name]; dup {
				return v.fail(ErrInvalidTopology, "step %d declares action %q twice", s.Order, a.Name)
			}
			names[a.Name] = struct{}{}
			switch a.ActionType {
			case types.ActionApproval, types.ActionRejection, types.ActionSkip, types.ActionCancel:
			case types.ActionForward:
				if a.NextStep == 0 {
					return v.fail(ErrInvalidTopology, "forward action %q on step %d has no target", a.Name, s.Order)
				}
			default:
				return v.fail(ErrInvalidTopology, "action %q on step %d has unknown type %q", a.Name, s.Order, a.ActionType)
			}
			if a.NextStep != 0 {
				target, ok := v.steps[a.NextStep]
				if !ok {
					return v.fail(ErrDanglingReference, "action %q on step %d targets %d", a.Name, s.Order, a.NextStep)
				}
				if target.Kind == types.StepStart {
					return v.fail(ErrInvalidTopology, "action %q on step %d targets the start step", a.Name, s.Order)
				}
			}
		}
		if s.Timing.Escalation == types.EscalateAutoAction {
			if _, ok := s.EffectiveAction(s.Timing.DefaultAction); !ok {
				return v.fail(ErrDanglingReference, "step %d escalates to undeclared action %q", s.Order, s.Timing.DefaultAction)
			}
		}
	}
	return nil
}

func (v *validator) checkTransitions() error {
	outOfStart := 0
	for i, t := range v.def.Transitions {
		from, ok := v.steps[t.FromStep]
		if !ok {
			return v.fail(ErrDanglingReference, "transition[%d] from unknown step %d", i, t.FromStep)
		}
		to, ok := v.steps[t.ToStep]
		if !ok {
			return v.fail(ErrDanglingReference, "transition[%d] to unknown step %d", i, t.ToStep)
		}
		if to.Kind == types.StepStart {
			return v.fail(ErrInvalidTopology, "transition[%d] targets the start step", i)
		}
		if from.Kind == types.StepEnd {
			return v.fail(ErrInvalidTopology, "transition[%d] leaves end step %d", i, from.Order)
		}
		if !t.AutoTransition && t.TransitionAction == "" && !from.IsAutomatic() {
			return v.fail(ErrInvalidTopology, "transition[%d] %d->%d declares no action", i, t.FromStep, t.ToStep)
		}
		if t.FromStep == v.start {
			outOfStart++
		}
	}
	if outOfStart > 1 && !v.def.AllowParallelSteps {
		return v.fail(ErrInvalidTopology, "start step has %d outgoing transitions without parallel steps", outOfStart)
	}
	return nil
}

func (v *validator) checkPermissions() error {
	for _, p := range v.def.Permissions {
		if p.Role == "" {
			return v.fail(ErrInvalidTopology, "permission without a role")
		}
		for _, order := range p.Steps {
			if _, ok := v.steps[order]; !ok {
				return v.fail(ErrDanglingReference, "permission for %q names step %d", p.Role, order)
			}
		}
	}
	return nil
}

func (v *validator) checkConditions() error {
	check := func(where string, conds []types.Condition) error {
		for i, c := range conds {
			if err := validCondition(c); err != nil {
				return v.fail(ErrInvalidCondition, "%s condition[%d]: %v", where, i, err)
			}
		}
		return nil
	}
	if err := check("routing", v.def.Conditions); err != nil {
		return err
	}
	for _, s := range v.def.Steps {
		if err := check(fmt.Sprintf("step %d", s.Order), s.Conditions); err != nil {
			return err
		}
	}
	for i, t := range v.def.Transitions {
		if err := check(fmt.Sprintf("transition[%d]", i), t.Conditions); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) checkOptions() error {
	switch v.def.JoinPolicy {
	case "", types.JoinAll, types.JoinAny:
	default:
		return v.fail(ErrInvalidTopology, "unknown join policy %q", v.def.JoinPolicy)
	}
	for _, s := range v.def.Steps {
		switch s.Timing.Escalation {
		case "", types.EscalateNotify, types.EscalateReassign, types.EscalateAutoAction:
		default:
			return v.fail(ErrInvalidTopology, "step %d has unknown escalation policy %q", s.Order, s.Timing.Escalation)
		}
	}
	return nil
}

var knownOperators = map[string]struct{}{
	types.OpEquals: {}, types.OpNotEquals: {}, types.OpContains: {}, types.OpNotContains: {},
	types.OpStartsWith: {}, types.OpEndsWith: {}, types.OpGreaterThan: {}, types.OpLessThan: {},
	types.OpGreaterThanOrEqual: {}, types.OpLessThanOrEqual: {}, types.OpIn: {}, types.OpNotIn: {},
	types.OpIsEmpty: {}, types.OpIsNotEmpty: {},
}

func validCondition(c types.Condition) error {
	switch c.LogicalOperator {
	case "", types.LogicalAnd, types.LogicalOr:
	default:
		return fmt.Errorf("unknown logical operator %q", c.LogicalOperator)
	}
	switch c.ConditionType {
	case types.ConditionField:
		if c.FieldName == "" {
			return fmt.Errorf("field condition without field name")
		}
		if _, ok := knownOperators[c.Operator]; !ok {
			return fmt.Errorf("unknown operator %q", c.Operator)
		}
	case types.ConditionRole:
		if c.Role == "" {
			return fmt.Errorf("role condition without role")
		}
	case types.ConditionExpression:
		if c.Expression == "" {
			return fmt.Errorf("expression condition without expression")
		}
	default:
		return fmt.Errorf("unknown condition type %q", c.ConditionType)
	}
	return nil
}
