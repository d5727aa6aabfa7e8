package workflow

import (
	"sort"
	"time"

	"github.com/songzhibin97/docflow/types"
)

// StepState describes one branch of a running instance.
type StepState struct {
	Order     int            `json:"order"`
	Name      string         `json:"name"`
	Kind      types.StepKind `json:"kind"`
	Assignees []string       `json:"assignees"`
	EnteredAt int64          `json:"entered_at"`
	Parked    bool           `json:"parked,omitempty"`
	Escalated bool           `json:"escalated,omitempty"`
	// Actions are the actions declared on the step.
	Actions      []string `json:"actions,omitempty"`
	TimeoutAt    int64    `json:"timeout_at,omitempty"`
	EscalationAt int64    `json:"escalation_at,omitempty"`
}

// InstanceState is a read-only snapshot of an instance.
type InstanceState struct {
	Instance       types.WorkflowInstance `json:"instance"`
	DefinitionName string                 `json:"definition_name"`
	Steps          []StepState            `json:"steps"`
}

func (e *Engine) stateOf(def types.WorkflowDefinition, inst types.WorkflowInstance) InstanceState {
	inst = inst.Clone()
	inst.Refresh()
	state := InstanceState{
		Instance:       inst,
		DefinitionName: def.Name,
		Steps:          make([]StepState, 0, len(inst.ActiveSteps)),
	}
	for _, a := range inst.ActiveSteps {
		step, _ := def.Step(a.Order)
		s := StepState{
			Order:     a.Order,
			Name:      step.Name,
			Kind:      step.Kind,
			Assignees: append([]string{}, a.Assignees...),
			EnteredAt: a.EnteredAt,
			Parked:    a.Parked,
			Escalated: a.Escalated,
		}
		if !a.Parked {
			for _, act := range step.EffectiveActions() {
				s.Actions = append(s.Actions, act.Name)
			}
			timeout, escalation := Deadlines(step.Timing, a.EnteredAt)
			if !timeout.IsZero() {
				s.TimeoutAt = timeout.UnixMilli()
			}
			if !escalation.IsZero() {
				s.EscalationAt = escalation.UnixMilli()
			}
		}
		state.Steps = append(state.Steps, s)
	}
	sort.SliceStable(state.Steps, func(i, j int) bool { return state.Steps[i].Order < state.Steps[j].Order })
	return state
}

const day = 24 * time.Hour

// Deadlines returns the timeout and escalation instants of a step entered at
// enteredAt (Unix ms). A zero time means no deadline. With time_limit the
// timeout is that many hours and the step escalates when it times out. With
// day-based timing the timeout is timeout_days and escalation follows after
// a further escalation_days.
func Deadlines(t types.TimingSpec, enteredAt int64) (timeout, escalation time.Time) {
	entered := time.UnixMilli(enteredAt)
	switch {
	case t.TimeLimitHours > 0:
		timeout = entered.Add(time.Duration(t.TimeLimitHours) * time.Hour)
		escalation = timeout
	case t.TimeoutDays > 0 || t.EscalationDays > 0:
		if t.TimeoutDays > 0 {
			timeout = entered.Add(time.Duration(t.TimeoutDays) * day)
		}
		escalation = entered.Add(time.Duration(t.TimeoutDays+t.EscalationDays) * day)
	}
	return timeout, escalation
}
