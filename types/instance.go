package types

import "sort"

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "In Progress"
	StatusCompleted  Status = "Completed"
	StatusCancelled  Status = "Cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// WorkflowInstance is one running execution of a definition against a document.
type WorkflowInstance struct {
	ID                 uint64       `json:"id"`
	DocumentID         string       `json:"document_id"`
	DefinitionID       uint64       `json:"definition_id"`
	Status             Status       `json:"status"`
	CurrentSteps       []int        `json:"current_steps,omitempty"`
	CurrentAssignees   []string     `json:"current_assignees,omitempty"`
	ActiveSteps        []ActiveStep `json:"active_steps,omitempty"`
	StartedBy          string       `json:"started_by,omitempty"`
	StartedOn          int64        `json:"started_on,omitempty"`
	LastActionOn       int64        `json:"last_action_on,omitempty"`
	CompletedOn        int64        `json:"completed_on,omitempty"`
	CancellationReason string       `json:"cancellation_reason,omitempty"`
	LastSeq            int          `json:"last_seq"`
	Version            uint64       `json:"version"`
	CreatedAt          int64        `json:"created_at"`
	UpdatedAt          int64        `json:"updated_at"`
}

// ActiveStep is one branch position of a running instance. A parked branch
// has finished its step and waits at Order for the other branches to join.
type ActiveStep struct {
	Order     int      `json:"order"`
	EnteredAt int64    `json:"entered_at"`
	Assignees []string `json:"assignees,omitempty"`
	Parked    bool     `json:"parked,omitempty"`
	Escalated bool     `json:"escalated,omitempty"`
}

// Clone returns a deep copy of the instance.
func (inst WorkflowInstance) Clone() WorkflowInstance {
	out := inst
	out.CurrentSteps = append([]int(nil), inst.CurrentSteps...)
	out.CurrentAssignees = cloneStrings(inst.CurrentAssignees)
	if inst.ActiveSteps != nil {
		out.ActiveSteps = make([]ActiveStep, len(inst.ActiveSteps))
		for i, a := range inst.ActiveSteps {
			a.Assignees = cloneStrings(a.Assignees)
			out.ActiveSteps[i] = a
		}
	}
	return out
}

// Active returns the branch currently positioned on order, ignoring parked ones.
func (inst WorkflowInstance) Active(order int) (ActiveStep, int, bool) {
	for i, a := range inst.ActiveSteps {
		if a.Order == order && !a.Parked {
			return a, i, true
		}
	}
	return ActiveStep{}, -1, false
}

// Refresh recomputes CurrentSteps and CurrentAssignees from ActiveSteps.
func (inst *WorkflowInstance) Refresh() {
	steps := make([]int, 0, len(inst.ActiveSteps))
	seenStep := make(map[int]struct{})
	seenActor := make(map[string]struct{})
	var actors []string
	for _, a := range inst.ActiveSteps {
		if a.Parked {
			continue
		}
		if _, ok := seenStep[a.Order]; !ok {
			seenStep[a.Order] = struct{}{}
			steps = append(steps, a.Order)
		}
		for _, actor := range a.Assignees {
			if _, ok := seenActor[actor]; ok {
				continue
			}
			seenActor[actor] = struct{}{}
			actors = append(actors, actor)
		}
	}
	sort.Ints(steps)
	sort.Strings(actors)
	inst.CurrentSteps = steps
	inst.CurrentAssignees = actors
}

// HistoryEntry is one immutable audit record of an instance.
type HistoryEntry struct {
	ID          uint64 `json:"id"`
	InstanceID  uint64 `json:"instance_id"`
	Seq         int    `json:"seq"`
	StepOrder   int    `json:"step_order"`
	StepName    string `json:"step_name,omitempty"`
	Action      string `json:"action"`
	Actor       string `json:"actor"`
	FromSteps   []int  `json:"from_steps,omitempty"`
	ToSteps     []int  `json:"to_steps,omitempty"`
	Comment     string `json:"comment,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Description string `json:"description,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}
