package workflow

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/docflow/audit"
	"github.com/songzhibin97/docflow/events"
	"github.com/songzhibin97/docflow/types"
)

// DeadlineReport counts the deadline events fired by one check.
type DeadlineReport struct {
	Timeouts    int `json:"timeouts"`
	Escalations int `json:"escalations"`
}

// HandleDeadlines fires the timeout and escalation events due at now for
// every active step of the instance. Each event is keyed by instance, step,
// entry time and kind; a key already in the fired set is skipped, so a
// rescan never fires twice. An escalation whose notification was not
// accepted is notified again on the next call without re-applying its policy.
func (e *Engine) HandleDeadlines(ctx context.Context, instanceID uint64, now time.Time) (DeadlineReport, error) {
	var report DeadlineReport
	_, err := e.mutate(ctx, instanceID, func(tx *txn) error {
		report = DeadlineReport{}
		if tx.inst.Status != types.StatusInProgress {
			return nil
		}
		tx.now = now

		branches := append([]types.ActiveStep(nil), tx.inst.ActiveSteps...)
		for _, b := range branches {
			if b.Parked {
				continue
			}
			cur, idx, ok := tx.inst.Active(b.Order)
			if !ok || cur.EnteredAt != b.EnteredAt {
				continue
			}
			step, _ := tx.def.Step(b.Order)
			timeout, escalation := Deadlines(step.Timing, cur.EnteredAt)

			if step.Timing.NotifyOnTimeout && !timeout.IsZero() && !now.Before(timeout) {
				key := events.EventKey(tx.inst.ID, cur.Order, cur.EnteredAt, events.StepTimeout)
				fired, err := e.store.IsFired(ctx, key)
				if err != nil {
					return err
				}
				if !fired {
					tx.notifyKeyed(events.StepTimeout, cur.Order, cur.EnteredAt, cur.Assignees, map[string]interface{}{
						"step_name": step.Name,
						"deadline":  timeout.UnixMilli(),
					}, key)
					report.Timeouts++
				}
			}

			if escalation.IsZero() || now.Before(escalation) {
				continue
			}
			key := events.EventKey(tx.inst.ID, cur.Order, cur.EnteredAt, events.StepEscalated)
			fired, err := e.store.IsFired(ctx, key)
			if err != nil {
				return err
			}
			if fired {
				continue
			}
			report.Escalations++
			if cur.Escalated {
				targets, err := tx.escalationTargets(step)
				if err != nil {
					return err
				}
				tx.notifyEscalation(cur, step, causeDeadline, mergeUsers(targets, cur.Assignees))
				continue
			}
			if err := tx.escalateDeadline(idx, step); err != nil {
				return err
			}
		}
		return nil
	})
	return report, err
}

// escalateDeadline applies the step's escalation policy to the branch at idx.
func (tx *txn) escalateDeadline(idx int, step types.Step) error {
	switch step.Timing.Escalation {
	case types.EscalateReassign:
		return tx.escalate(idx, step, causeDeadline, true)
	case types.EscalateAutoAction:
		action, ok := step.EffectiveAction(step.Timing.DefaultAction)
		if !ok {
			return tx.escalate(idx, step, causeDeadline, false)
		}
		recipients, err := tx.markEscalated(idx, step, causeDeadline, false)
		if err != nil {
			return err
		}
		branch := tx.inst.ActiveSteps[idx]
		tx.notifyEscalation(branch, step, causeDeadline, recipients)

		err = tx.apply(idx, step, action, ActionRequest{
			InstanceID: tx.inst.ID,
			Action:     action.Name,
			Actor:      audit.SystemActor,
			Reason:     "escalation deadline passed",
			Step:       step.Order,
		})
		var ae *ActionError
		if errors.As(err, &ae) {
			tx.e.logger.Warn("escalation default action refused",
				zap.Uint64("instance_id", tx.inst.ID),
				zap.Int("step", step.Order),
				zap.String("action", action.Name),
				zap.Error(err))
			return nil
		}
		return err
	default:
		return tx.escalate(idx, step, causeDeadline, false)
	}
}
