package workflow

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/songzhibin97/docflow/audit"
	"github.com/songzhibin97/docflow/events"
	"github.com/songzhibin97/docflow/resolver"
	"github.com/songzhibin97/docflow/rules"
	"github.com/songzhibin97/docflow/types"
)

// Escalation causes, used in history descriptions and metric labels.
const (
	causeUnresolved = "unresolved"
	causeDeadline   = "deadline"
)

// routes returns the orders to enter when leaving step. action is nil for
// automatic steps, which follow every outgoing transition. Without any
// outgoing transition the next order in sequence is used, except for
// rejections.
func (tx *txn) routes(step types.Step, action *types.Action, subj rules.Subject) ([]int, error) {
	outgoing := tx.def.TransitionsFrom(step.Order)
	if len(outgoing) == 0 {
		if action != nil && action.ActionType == types.ActionRejection {
			return nil, nil
		}
		if _, ok := tx.def.Step(step.Order + 1); ok {
			return []int{step.Order + 1}, nil
		}
		return nil, nil
	}

	var targets []int
	for _, t := range matchTransitions(step, outgoing, action) {
		ok, err := tx.e.conds.Evaluate(tx.ctx, t.Conditions, subj)
		if err != nil {
			return nil, fmt.Errorf("transition %d->%d: %w", t.FromStep, t.ToStep, err)
		}
		if !ok || containsInt(targets, t.ToStep) {
			continue
		}
		targets = append(targets, t.ToStep)
		if t.NotifyOnTransition {
			tx.notify(events.Transitioned, t.ToStep, tx.nowMs(), []string{tx.inst.StartedBy}, map[string]interface{}{
				"from_step": t.FromStep,
				"to_step":   t.ToStep,
			})
		}
		if !tx.def.AllowParallelSteps {
			break
		}
	}
	return targets, nil
}

// matchTransitions filters outgoing by action. Transitions naming the action
// win. Otherwise approvals and skips follow transitions with no action or one
// naming an approval-type action of the step.
func matchTransitions(step types.Step, outgoing []types.Transition, action *types.Action) []types.Transition {
	if action == nil {
		return outgoing
	}
	var named, implicit []types.Transition
	for _, t := range outgoing {
		switch {
		case t.TransitionAction == action.Name:
			named = append(named, t)
		case t.TransitionAction == "":
			implicit = append(implicit, t)
		default:
			if a, ok := step.EffectiveAction(t.TransitionAction); ok && a.ActionType == types.ActionApproval {
				implicit = append(implicit, t)
			}
		}
	}
	if len(named) > 0 {
		return named
	}
	if action.ActionType == types.ActionApproval || action.ActionType == types.ActionSkip {
		return implicit
	}
	return nil
}

// advance moves the branch at idx off its step toward targets. With other
// branches still live the join policy applies: "any" discards them, "all"
// parks this branch at its targets until the last branch arrives.
func (tx *txn) advance(idx int, targets []int, depth int) error {
	tx.removeBranch(idx)
	if tx.def.AllowParallelSteps && tx.liveBranches() > 0 {
		if tx.def.Join() == types.JoinAny {
			tx.inst.ActiveSteps = nil
			return tx.enter(targets, depth)
		}
		for _, t := range targets {
			tx.park(t)
		}
		return nil
	}
	parked := tx.unpark()
	merged := append([]int(nil), parked...)
	for _, t := range targets {
		if !containsInt(merged, t) {
			merged = append(merged, t)
		}
	}
	return tx.enter(merged, depth)
}

// enter places new branches on targets. End targets park; when nothing is
// left live the instance completes. Human steps get their assignees before
// automatic steps pass through, so fan-out siblings exist when a join is
// evaluated.
func (tx *txn) enter(targets []int, depth int) error {
	if depth > MaxRecursionDepth {
		return fmt.Errorf("%w: instance %d", ErrRoutingDepth, tx.inst.ID)
	}

	var fresh []types.Step
	for _, order := range targets {
		step, ok := tx.def.Step(order)
		if !ok {
			return fmt.Errorf("%w: step %d does not exist", ErrNoTransition, order)
		}
		if step.Kind == types.StepEnd {
			tx.park(order)
			continue
		}
		if _, _, ok := tx.inst.Active(order); ok {
			continue
		}
		tx.inst.ActiveSteps = append(tx.inst.ActiveSteps, types.ActiveStep{
			Order:     order,
			EnteredAt: tx.nowMs(),
		})
		tx.touch()
		fresh = append(fresh, step)
	}

	if tx.liveBranches() == 0 {
		tx.complete()
		return nil
	}

	for _, step := range fresh {
		if step.IsAutomatic() {
			continue
		}
		if err := tx.assign(step); err != nil {
			return err
		}
	}
	for _, step := range fresh {
		if !step.IsAutomatic() || tx.inst.Status != types.StatusInProgress {
			continue
		}
		if err := tx.passThrough(step, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// passThrough leaves an automatic step right away.
func (tx *txn) passThrough(step types.Step, depth int) error {
	branch, idx, ok := tx.inst.Active(step.Order)
	if !ok {
		return nil
	}
	if step.Kind == types.StepNotification {
		recipients, err := tx.e.resolver.ResolveSpec(tx.ctx, step.Order, step.Assignee, tx.inst.DocumentID)
		if err != nil {
			tx.e.logger.Warn("notification step recipients unresolved",
				zap.Uint64("instance_id", tx.inst.ID),
				zap.Int("step", step.Order),
				zap.Error(err))
		}
		tx.notify(events.StepAssigned, step.Order, branch.EnteredAt, recipients, map[string]interface{}{
			"step_name": step.Name,
			"automatic": true,
		})
	}

	targets, err := tx.routes(step, nil, rules.Subject{DocumentID: tx.inst.DocumentID})
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return fmt.Errorf("%w: automatic step %d has no passing transition", ErrNoTransition, step.Order)
	}
	return tx.advance(idx, targets, depth)
}

// assign resolves the assignees of a freshly entered human step. A step
// nobody can act on is escalated instead of failing the request.
func (tx *txn) assign(step types.Step) error {
	_, idx, ok := tx.inst.Active(step.Order)
	if !ok {
		return nil
	}
	users, err := tx.e.resolver.Resolve(tx.ctx, step, tx.inst.DocumentID)
	switch {
	case err == nil:
		branch := &tx.inst.ActiveSteps[idx]
		branch.Assignees = users
		tx.notify(events.StepAssigned, step.Order, branch.EnteredAt, users, map[string]interface{}{
			"step_name": step.Name,
		})
		return nil
	case errors.Is(err, resolver.ErrEmptyResolution), errors.Is(err, resolver.ErrScriptFailed):
		tx.e.logger.Warn("assignees unresolved, escalating",
			zap.Uint64("instance_id", tx.inst.ID),
			zap.Int("step", step.Order),
			zap.Error(err))
		return tx.escalate(idx, step, causeUnresolved, true)
	default:
		return err
	}
}

// escalate marks the branch at idx escalated and queues the escalation
// notification for the target and the current assignees.
func (tx *txn) escalate(idx int, step types.Step, cause string, reassign bool) error {
	recipients, err := tx.markEscalated(idx, step, cause, reassign)
	if err != nil {
		return err
	}
	tx.notifyEscalation(tx.inst.ActiveSteps[idx], step, cause, recipients)
	return nil
}

// markEscalated flags the branch, records the escalation and returns who
// must hear about it. With reassign the target replaces the assignees.
func (tx *txn) markEscalated(idx int, step types.Step, cause string, reassign bool) ([]string, error) {
	targets, err := tx.escalationTargets(step)
	if err != nil {
		return nil, err
	}
	branch := &tx.inst.ActiveSteps[idx]
	recipients := mergeUsers(targets, branch.Assignees)
	if step.Timing.NotifyOnEscalation {
		recipients = mergeUsers(recipients, []string{tx.inst.StartedBy})
	}
	branch.Escalated = true
	if reassign && len(targets) > 0 {
		branch.Assignees = targets
	}
	tx.touch()

	if _, err := tx.record(audit.Record{
		StepOrder:   step.Order,
		StepName:    step.Name,
		Action:      "Escalate",
		Actor:       audit.SystemActor,
		ToSteps:     tx.liveOrders(),
		Description: fmt.Sprintf("escalated (%s) to %s", cause, strings.Join(targets, ", ")),
	}); err != nil {
		return nil, err
	}
	tx.e.metrics.escalationsTotal.WithLabelValues(cause).Inc()
	return recipients, nil
}

func (tx *txn) notifyEscalation(branch types.ActiveStep, step types.Step, cause string, recipients []string) {
	key := events.EventKey(tx.inst.ID, branch.Order, branch.EnteredAt, events.StepEscalated)
	tx.notifyKeyed(events.StepEscalated, branch.Order, branch.EnteredAt, recipients, map[string]interface{}{
		"step_name": step.Name,
		"cause":     cause,
	}, key)
}

// escalationTargets resolves the step's escalation target, falling back to
// the definition or engine escalation role.
func (tx *txn) escalationTargets(step types.Step) ([]string, error) {
	if spec := step.Timing.EscalationTarget; !spec.IsZero() {
		users, err := tx.e.resolver.ResolveSpec(tx.ctx, step.Order, spec, tx.inst.DocumentID)
		if err == nil && len(users) > 0 {
			return users, nil
		}
		tx.e.logger.Warn("escalation target unresolved, using escalation role",
			zap.Uint64("instance_id", tx.inst.ID),
			zap.Int("step", step.Order),
			zap.Error(err))
	}
	role := tx.def.EscalationRole
	if role == "" {
		role = tx.e.escalationRole
	}
	users, err := tx.e.resolver.ResolveSpec(tx.ctx, step.Order,
		types.AssigneeSpec{Type: types.AssigneeRole, Value: role}, tx.inst.DocumentID)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		tx.e.logger.Warn("escalation role has no members",
			zap.Uint64("instance_id", tx.inst.ID),
			zap.String("role", role))
	}
	return users, nil
}
