package workflow

import (
	"context"
	"sort"
	"time"

	"github.com/songzhibin97/docflow/audit"
	"github.com/songzhibin97/docflow/events"
	"github.com/songzhibin97/docflow/types"
)

type outbound struct {
	note events.Notification
	// key is marked fired once the notification was accepted.
	key string
	// silent entries only mark key; nobody was left to notify.
	silent bool
}

// txn is one mutation of an instance. Nothing it does is visible until the
// engine commits inst and entries together.
type txn struct {
	e       *Engine
	ctx     context.Context
	def     types.WorkflowDefinition
	inst    types.WorkflowInstance
	before  types.Status
	now     time.Time
	entries []types.HistoryEntry
	outbox  []outbound
	changed bool
}

func newTxn(ctx context.Context, e *Engine, def types.WorkflowDefinition, inst types.WorkflowInstance) *txn {
	return &txn{
		e:      e,
		ctx:    ctx,
		def:    def,
		inst:   inst.Clone(),
		before: inst.Status,
		now:    e.clock(),
	}
}

func (tx *txn) nowMs() int64 {
	return tx.now.UnixMilli()
}

func (tx *txn) dirty() bool {
	return tx.changed || len(tx.entries) > 0
}

func (tx *txn) touch() {
	tx.changed = true
}

// record appends a history entry and returns its index in tx.entries.
func (tx *txn) record(rec audit.Record) (int, error) {
	if rec.FromSteps == nil {
		rec.FromSteps = tx.liveOrders()
	}
	entry, err := tx.e.audit.Build(&tx.inst, rec)
	if err != nil {
		return -1, err
	}
	tx.entries = append(tx.entries, entry)
	tx.touch()
	return len(tx.entries) - 1, nil
}

func (tx *txn) notify(kind string, order int, at int64, recipients []string, data map[string]interface{}) {
	tx.notifyKeyed(kind, order, at, recipients, data, "")
}

// notifyKeyed queues a notification. Notifications without recipients are
// dropped; a keyed one is still marked fired so it is not counted again.
func (tx *txn) notifyKeyed(kind string, order int, at int64, recipients []string, data map[string]interface{}, key string) {
	recipients = mergeUsers(recipients)
	if len(recipients) == 0 {
		if key != "" {
			tx.outbox = append(tx.outbox, outbound{key: key, silent: true})
		}
		return
	}
	tx.outbox = append(tx.outbox, outbound{
		note: events.Notification{
			EventID:    events.EventID(tx.inst.ID, order, at, kind),
			Kind:       kind,
			InstanceID: tx.inst.ID,
			DocumentID: tx.inst.DocumentID,
			StepOrder:  order,
			Recipients: recipients,
			Data:       data,
			Timestamp:  tx.nowMs(),
		},
		key: key,
	})
}

// liveOrders lists the sorted orders of non-parked branches.
func (tx *txn) liveOrders() []int {
	var out []int
	for _, a := range tx.inst.ActiveSteps {
		if !a.Parked && !containsInt(out, a.Order) {
			out = append(out, a.Order)
		}
	}
	sort.Ints(out)
	return out
}

func (tx *txn) liveBranches() int {
	n := 0
	for _, a := range tx.inst.ActiveSteps {
		if !a.Parked {
			n++
		}
	}
	return n
}

// park records a finished branch waiting at order for the join.
func (tx *txn) park(order int) {
	for _, a := range tx.inst.ActiveSteps {
		if a.Parked && a.Order == order {
			return
		}
	}
	tx.inst.ActiveSteps = append(tx.inst.ActiveSteps, types.ActiveStep{
		Order:     order,
		EnteredAt: tx.nowMs(),
		Parked:    true,
	})
	tx.touch()
}

// unpark removes every parked branch and returns their orders.
func (tx *txn) unpark() []int {
	var orders []int
	kept := tx.inst.ActiveSteps[:0]
	for _, a := range tx.inst.ActiveSteps {
		if a.Parked {
			orders = append(orders, a.Order)
			continue
		}
		kept = append(kept, a)
	}
	tx.inst.ActiveSteps = kept
	return orders
}

func (tx *txn) removeBranch(idx int) types.ActiveStep {
	branch := tx.inst.ActiveSteps[idx]
	tx.inst.ActiveSteps = append(tx.inst.ActiveSteps[:idx], tx.inst.ActiveSteps[idx+1:]...)
	tx.touch()
	return branch
}

func (tx *txn) complete() {
	tx.inst.Status = types.StatusCompleted
	tx.inst.CompletedOn = tx.nowMs()
	tx.inst.ActiveSteps = nil
	tx.touch()
	tx.notify(events.WorkflowCompleted, 0, tx.inst.StartedOn, []string{tx.inst.StartedBy}, nil)
}

// cancel terminates the instance and records why.
func (tx *txn) cancel(step types.Step, action, actor, reason, comment string) error {
	recipients := append([]string{tx.inst.StartedBy}, tx.assignees()...)
	from := tx.liveOrders()
	tx.inst.Status = types.StatusCancelled
	tx.inst.CancellationReason = reason
	tx.inst.LastActionOn = tx.nowMs()
	tx.inst.ActiveSteps = nil
	tx.touch()
	if _, err := tx.record(audit.Record{
		StepOrder: step.Order,
		StepName:  step.Name,
		Action:    action,
		Actor:     actor,
		FromSteps: from,
		ToSteps:   []int{},
		Comment:   comment,
		Reason:    reason,
	}); err != nil {
		return err
	}
	tx.notify(events.WorkflowCancelled, 0, tx.inst.StartedOn, recipients, map[string]interface{}{
		"reason": reason,
		"actor":  actor,
	})
	return nil
}

func (tx *txn) assignees() []string {
	var out []string
	for _, a := range tx.inst.ActiveSteps {
		out = append(out, a.Assignees...)
	}
	return mergeUsers(out)
}

// mergeUsers returns the sorted union of the lists without empty ids.
func mergeUsers(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, list := range lists {
		for _, u := range list {
			if u == "" {
				continue
			}
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
