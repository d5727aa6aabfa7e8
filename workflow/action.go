package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/songzhibin97/docflow/audit"
	"github.com/songzhibin97/docflow/directory"
	"github.com/songzhibin97/docflow/events"
	"github.com/songzhibin97/docflow/resolver"
	"github.com/songzhibin97/docflow/rules"
	"github.com/songzhibin97/docflow/types"
)

// ActionRequest is an actor's request to act on a running instance.
type ActionRequest struct {
	InstanceID uint64 `json:"instance_id"`
	Action     string `json:"action"`
	Actor      string `json:"actor"`
	Comment    string `json:"comment,omitempty"`
	Reason     string `json:"reason,omitempty"`
	// NextStep is the target of a Forward action.
	NextStep int `json:"next_step,omitempty"`
	// Step pins the active step the action applies to. Zero picks the
	// first active step on which the actor may perform the action.
	Step int `json:"step,omitempty"`
	// ExpectedVersion, when set, must equal the instance version the caller
	// last read; otherwise the request fails with ErrStaleStep.
	ExpectedVersion uint64 `json:"expected_version,omitempty"`
}

// Targeted reports whether the request names its step or instance version.
func (r ActionRequest) Targeted() bool {
	return r.Step != 0 || r.ExpectedVersion != 0
}

// ReassignRequest hands an active step to another user.
type ReassignRequest struct {
	InstanceID  uint64 `json:"instance_id"`
	Step        int    `json:"step,omitempty"`
	NewAssignee string `json:"new_assignee"`
	Actor       string `json:"actor"`
	Comment     string `json:"comment,omitempty"`
}

// CancelRequest terminates an instance.
type CancelRequest struct {
	InstanceID uint64 `json:"instance_id"`
	Reason     string `json:"reason"`
	Actor      string `json:"actor"`
}

// AvailableAction is an action an actor may perform right now.
type AvailableAction struct {
	Step       int              `json:"step"`
	StepName   string           `json:"step_name"`
	Action     string           `json:"action"`
	ActionType types.ActionType `json:"action_type"`
	NextStep   int              `json:"next_step,omitempty"`
}

func gated(t types.ActionType) bool {
	return t == types.ActionApproval || t == types.ActionForward || t == types.ActionSkip
}

// ExecuteAction applies an action to the selected active step.
func (e *Engine) ExecuteAction(ctx context.Context, req ActionRequest) (*InstanceState, error) {
	start := time.Now()
	actionType := "unknown"
	state, err := e.mutate(ctx, req.InstanceID, func(tx *txn) error {
		if tx.inst.Status != types.StatusInProgress {
			return &StateError{InstanceID: req.InstanceID, Status: tx.inst.Status, Op: "execute action"}
		}
		if req.ExpectedVersion != 0 && req.ExpectedVersion != tx.inst.Version {
			return tx.actionError(req, req.Step, ErrStaleStep)
		}
		idx, step, action, err := tx.selectStep(req)
		if err != nil {
			return err
		}
		actionType = string(action.ActionType)
		ok, err := tx.mayAct(req.Actor, tx.inst.ActiveSteps[idx])
		if err != nil {
			return err
		}
		if !ok {
			return tx.actionError(req, step.Order, ErrActorNotAuthorized)
		}
		return tx.apply(idx, step, action, req)
	})

	var ae *ActionError
	if errors.As(err, &ae) && ae.Action == "" {
		ae.Action, ae.Actor, ae.Step = req.Action, req.Actor, req.Step
	}
	outcome := "accepted"
	if err != nil {
		outcome = "rejected"
	}
	e.metrics.actionsTotal.WithLabelValues(actionType, outcome).Inc()
	e.metrics.actionDuration.WithLabelValues(actionType).Observe(time.Since(start).Seconds())
	return state, err
}

func (tx *txn) actionError(req ActionRequest, step int, kind error) error {
	return &ActionError{
		InstanceID: tx.inst.ID,
		Step:       step,
		Action:     req.Action,
		Actor:      req.Actor,
		Kind:       kind,
	}
}

// selectStep finds the branch the request applies to.
func (tx *txn) selectStep(req ActionRequest) (int, types.Step, types.Action, error) {
	if req.Step != 0 {
		_, idx, ok := tx.inst.Active(req.Step)
		if !ok {
			return -1, types.Step{}, types.Action{}, tx.actionError(req, req.Step, ErrStaleStep)
		}
		step, _ := tx.def.Step(req.Step)
		action, ok := step.EffectiveAction(req.Action)
		if !ok {
			return -1, types.Step{}, types.Action{}, tx.actionError(req, req.Step, ErrActionNotAllowedForStep)
		}
		return idx, step, action, nil
	}

	first := -1
	var firstStep types.Step
	var firstAction types.Action
	for _, order := range tx.liveOrders() {
		branch, idx, _ := tx.inst.Active(order)
		step, _ := tx.def.Step(order)
		action, ok := step.EffectiveAction(req.Action)
		if !ok {
			continue
		}
		if first < 0 {
			first, firstStep, firstAction = idx, step, action
		}
		allowed, err := tx.mayAct(req.Actor, branch)
		if err != nil {
			return -1, types.Step{}, types.Action{}, err
		}
		if allowed {
			return idx, step, action, nil
		}
	}
	if first >= 0 {
		return first, firstStep, firstAction, nil
	}
	return -1, types.Step{}, types.Action{}, tx.actionError(req, 0, ErrActionNotAllowedForStep)
}

// mayAct reports whether actor is an enabled assignee of branch or holds a
// can_act permission covering its step.
func (tx *txn) mayAct(actor string, branch types.ActiveStep) (bool, error) {
	if ok, err := tx.enabled(actor); err != nil || !ok {
		return false, err
	}
	if containsString(branch.Assignees, actor) {
		return true, nil
	}
	return tx.holds(actor, []int{branch.Order}, func(p types.Permission) bool { return p.CanAct })
}

func (tx *txn) enabled(actor string) (bool, error) {
	if actor == "" {
		return false, nil
	}
	return tx.e.dir.IsEnabled(tx.ctx, actor)
}

// holds reports whether actor has a role granted right on any of orders.
// Empty orders match every permission.
func (tx *txn) holds(actor string, orders []int, right func(types.Permission) bool) (bool, error) {
	if actor == "" {
		return false, nil
	}
	for _, p := range tx.def.Permissions {
		if !right(p) {
			continue
		}
		applies := len(orders) == 0
		for _, o := range orders {
			if p.AppliesTo(o) {
				applies = true
				break
			}
		}
		if !applies {
			continue
		}
		ok, err := directory.HasRole(tx.ctx, tx.e.dir, actor, p.Role)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// apply checks the action-type rules, then routes the branch at idx.
func (tx *txn) apply(idx int, step types.Step, action types.Action, req ActionRequest) error {
	branch := tx.inst.ActiveSteps[idx]
	switch action.ActionType {
	case types.ActionRejection:
		if !step.AllowReject {
			return tx.actionError(req, step.Order, ErrActionNotAllowedForStep)
		}
		if strings.TrimSpace(req.Reason) == "" {
			return tx.actionError(req, step.Order, ErrMissingReason)
		}
	case types.ActionCancel:
		if strings.TrimSpace(req.Reason) == "" {
			return tx.actionError(req, step.Order, ErrMissingReason)
		}
	case types.ActionSkip:
		if !step.AllowSkip {
			return tx.actionError(req, step.Order, ErrActionNotAllowedForStep)
		}
	case types.ActionForward:
		if req.NextStep == 0 {
			req.NextStep = action.NextStep
		}
		if req.NextStep == 0 {
			return tx.actionError(req, step.Order, ErrMissingNextStep)
		}
		if !containsInt(step.ForwardTargets(), req.NextStep) {
			return tx.actionError(req, step.Order, ErrActionNotAllowedForStep)
		}
	}

	subj := rules.Subject{DocumentID: tx.inst.DocumentID, Actor: req.Actor, Assignees: branch.Assignees}
	if gated(action.ActionType) {
		ok, err := tx.e.conds.Evaluate(tx.ctx, step.Conditions, subj)
		if err != nil {
			return fmt.Errorf("step %d conditions: %w", step.Order, err)
		}
		if !ok {
			return tx.actionError(req, step.Order, ErrConditionNotMet)
		}
	}

	if action.ActionType == types.ActionCancel {
		return tx.cancel(step, req.Action, req.Actor, req.Reason, req.Comment)
	}

	var targets []int
	if action.ActionType == types.ActionForward {
		targets = []int{req.NextStep}
	} else {
		var err error
		if targets, err = tx.routes(step, &action, subj); err != nil {
			return err
		}
	}
	if len(targets) == 0 {
		if action.ActionType == types.ActionRejection {
			return tx.cancel(step, req.Action, req.Actor, req.Reason, req.Comment)
		}
		return tx.actionError(req, step.Order, ErrNoTransition)
	}

	entry, err := tx.record(audit.Record{
		StepOrder: step.Order,
		StepName:  step.Name,
		Action:    req.Action,
		Actor:     req.Actor,
		Comment:   req.Comment,
		Reason:    req.Reason,
	})
	if err != nil {
		return err
	}
	tx.inst.LastActionOn = tx.nowMs()
	tx.notify(events.StepCompleted, step.Order, branch.EnteredAt, []string{tx.inst.StartedBy}, map[string]interface{}{
		"step_name": step.Name,
		"action":    req.Action,
		"actor":     tx.entries[entry].Actor,
	})
	if err := tx.advance(idx, targets, 0); err != nil {
		return err
	}
	tx.entries[entry].ToSteps = tx.liveOrders()
	return nil
}

// Reassign replaces the assignees of an active step with one user.
func (e *Engine) Reassign(ctx context.Context, req ReassignRequest) (*InstanceState, error) {
	return e.mutate(ctx, req.InstanceID, func(tx *txn) error {
		if tx.inst.Status != types.StatusInProgress {
			return &StateError{InstanceID: req.InstanceID, Status: tx.inst.Status, Op: "reassign"}
		}
		order := req.Step
		if order == 0 {
			live := tx.liveOrders()
			if len(live) == 0 {
				return &ActionError{InstanceID: req.InstanceID, Action: "Reassign", Actor: req.Actor, Kind: ErrStaleStep}
			}
			order = live[0]
		}
		_, idx, ok := tx.inst.Active(order)
		if !ok {
			return &ActionError{InstanceID: req.InstanceID, Step: order, Action: "Reassign", Actor: req.Actor, Kind: ErrStaleStep}
		}
		allowed, err := tx.holds(req.Actor, []int{order}, func(p types.Permission) bool { return p.CanReassign })
		if err != nil {
			return err
		}
		if !allowed {
			return &PermissionError{InstanceID: req.InstanceID, Actor: req.Actor, Op: "reassign"}
		}
		enabled, err := e.dir.IsEnabled(ctx, req.NewAssignee)
		if err != nil {
			return err
		}
		if !enabled {
			return &resolver.ResolutionError{
				Step:  order,
				Type:  types.AssigneeUser,
				Value: req.NewAssignee,
				Kind:  resolver.ErrAssigneeDisabled,
			}
		}
		return tx.reassign(idx, []string{req.NewAssignee}, req.Actor, req.Comment)
	})
}

func (tx *txn) reassign(idx int, users []string, actor, comment string) error {
	branch := &tx.inst.ActiveSteps[idx]
	step, _ := tx.def.Step(branch.Order)
	previous := branch.Assignees
	branch.Assignees = mergeUsers(users)
	tx.touch()
	if _, err := tx.record(audit.Record{
		StepOrder:   step.Order,
		StepName:    step.Name,
		Action:      "Reassign",
		Actor:       actor,
		ToSteps:     tx.liveOrders(),
		Comment:     comment,
		Description: fmt.Sprintf("reassigned from [%s] to [%s]", strings.Join(previous, ", "), strings.Join(branch.Assignees, ", ")),
	}); err != nil {
		return err
	}
	tx.notify(events.Reassigned, step.Order, tx.nowMs(), mergeUsers(previous, branch.Assignees), map[string]interface{}{
		"step_name": step.Name,
		"assignees": branch.Assignees,
	})
	return nil
}

// Cancel terminates a Pending or In Progress instance.
func (e *Engine) Cancel(ctx context.Context, req CancelRequest) (*InstanceState, error) {
	return e.mutate(ctx, req.InstanceID, func(tx *txn) error {
		if tx.inst.Status.Terminal() {
			return &StateError{InstanceID: req.InstanceID, Status: tx.inst.Status, Op: "cancel"}
		}
		if strings.TrimSpace(req.Reason) == "" {
			return &ActionError{InstanceID: req.InstanceID, Action: "Cancel", Actor: req.Actor, Kind: ErrMissingReason}
		}
		allowed, err := tx.enabled(req.Actor)
		if err != nil {
			return err
		}
		allowed = allowed && (req.Actor == tx.inst.StartedBy || containsString(tx.assignees(), req.Actor))
		if !allowed {
			allowed, err = tx.holds(req.Actor, tx.liveOrders(), func(p types.Permission) bool { return p.CanCancel })
			if err != nil {
				return err
			}
		}
		if !allowed {
			return &PermissionError{InstanceID: req.InstanceID, Actor: req.Actor, Op: "cancel"}
		}
		var step types.Step
		if live := tx.liveOrders(); len(live) > 0 {
			step, _ = tx.def.Step(live[0])
		} else {
			step, _ = tx.def.StartStep()
		}
		return tx.cancel(step, "Cancel", req.Actor, req.Reason, "")
	})
}

// AvailableActions lists what actor may do on the instance right now. A
// non-running instance offers nothing.
func (e *Engine) AvailableActions(ctx context.Context, instanceID uint64, actor string) ([]AvailableAction, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.definition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	out := []AvailableAction{}
	if inst.Status != types.StatusInProgress {
		return out, nil
	}

	tx := newTxn(ctx, e, def, inst)
	branches := append([]types.ActiveStep(nil), inst.ActiveSteps...)
	sort.SliceStable(branches, func(i, j int) bool { return branches[i].Order < branches[j].Order })
	for _, branch := range branches {
		if branch.Parked {
			continue
		}
		ok, err := tx.mayAct(actor, branch)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		step, _ := def.Step(branch.Order)
		subj := rules.Subject{DocumentID: inst.DocumentID, Actor: actor, Assignees: branch.Assignees}
		for _, a := range step.EffectiveActions() {
			switch a.ActionType {
			case types.ActionRejection:
				if !step.AllowReject {
					continue
				}
			case types.ActionSkip:
				if !step.AllowSkip {
					continue
				}
			}
			if gated(a.ActionType) {
				pass, err := e.conds.Evaluate(ctx, step.Conditions, subj)
				if err != nil {
					return nil, err
				}
				if !pass {
					continue
				}
			}
			out = append(out, AvailableAction{
				Step:       step.Order,
				StepName:   step.Name,
				Action:     a.Name,
				ActionType: a.ActionType,
				NextStep:   a.NextStep,
			})
		}
	}
	return out, nil
}
