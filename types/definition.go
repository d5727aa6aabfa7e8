package types

// StepKind classifies a step inside a workflow definition.
type StepKind string

const (
	StepStart        StepKind = "Start"
	StepApproval     StepKind = "Approval"
	StepRejection    StepKind = "Rejection"
	StepNotification StepKind = "Notification"
	StepEnd          StepKind = "End"
)

// AssigneeType selects the policy used to compute who acts on a step.
type AssigneeType string

const (
	AssigneeNone    AssigneeType = "None"
	AssigneeRole    AssigneeType = "Role"
	AssigneeUser    AssigneeType = "User"
	AssigneeField   AssigneeType = "Field-based"
	AssigneeDynamic AssigneeType = "Dynamic"
)

// ActionType is the semantic kind of a step action.
type ActionType string

const (
	ActionApproval  ActionType = "Approval"
	ActionRejection ActionType = "Rejection"
	ActionForward   ActionType = "Forward"
	ActionSkip      ActionType = "Skip"
	ActionCancel    ActionType = "Cancel"
)

// ConditionType selects how a condition is evaluated.
type ConditionType string

const (
	ConditionField      ConditionType = "Field-based"
	ConditionRole       ConditionType = "Role-based"
	ConditionExpression ConditionType = "Expression"
)

// LogicalOperator joins a condition to the result accumulated so far.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// Comparison operators understood by field-based conditions.
const (
	OpEquals             = "equals"
	OpNotEquals          = "not_equals"
	OpContains           = "contains"
	OpNotContains        = "not_contains"
	OpStartsWith         = "starts_with"
	OpEndsWith           = "ends_with"
	OpGreaterThan        = "greater_than"
	OpLessThan           = "less_than"
	OpGreaterThanOrEqual = "greater_than_or_equal"
	OpLessThanOrEqual    = "less_than_or_equal"
	OpIn                 = "in"
	OpNotIn              = "not_in"
	OpIsEmpty            = "is_empty"
	OpIsNotEmpty         = "is_not_empty"
)

// EscalationPolicy decides what happens once a step passes its escalation deadline.
type EscalationPolicy string

const (
	EscalateNotify     EscalationPolicy = "notify"
	EscalateReassign   EscalationPolicy = "reassign"
	EscalateAutoAction EscalationPolicy = "auto_action"
)

// JoinPolicy decides how parallel branches fan back in.
type JoinPolicy string

const (
	// JoinAll waits until every branch has reached its next step.
	JoinAll JoinPolicy = "all"
	// JoinAny lets the first branch to finish win and discards the others.
	JoinAny JoinPolicy = "any"
)

// WorkflowDefinition is the template a document is routed through.
type WorkflowDefinition struct {
	ID                  uint64       `json:"id" yaml:"id"`
	Version             int          `json:"version" yaml:"version"`
	Name                string       `json:"name" yaml:"name"`
	DocumentType        string       `json:"document_type" yaml:"document_type"`
	Steps               []Step       `json:"steps" yaml:"steps"`
	Transitions         []Transition `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	Conditions          []Condition  `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Permissions         []Permission `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	IsActive            bool         `json:"is_active" yaml:"is_active"`
	IsDefault           bool         `json:"is_default,omitempty" yaml:"is_default,omitempty"`
	AllowParallelSteps  bool         `json:"allow_parallel_steps,omitempty" yaml:"allow_parallel_steps,omitempty"`
	AutoStartOnCreation bool         `json:"auto_start_on_creation,omitempty" yaml:"auto_start_on_creation,omitempty"`
	JoinPolicy          JoinPolicy   `json:"join_policy,omitempty" yaml:"join_policy,omitempty"`
	EscalationRole      string       `json:"escalation_role,omitempty" yaml:"escalation_role,omitempty"`
}

// Step is one stage of a workflow definition.
type Step struct {
	Order       int          `json:"order" yaml:"order"`
	Name        string       `json:"name" yaml:"name"`
	Kind        StepKind     `json:"kind" yaml:"kind"`
	Assignee    AssigneeSpec `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	Timing      TimingSpec   `json:"timing,omitempty" yaml:"timing,omitempty"`
	AllowSkip   bool         `json:"allow_skip,omitempty" yaml:"allow_skip,omitempty"`
	AllowReject bool         `json:"allow_reject,omitempty" yaml:"allow_reject,omitempty"`
	Actions     []Action     `json:"actions,omitempty" yaml:"actions,omitempty"`
	Conditions  []Condition  `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// AssigneeSpec describes how to resolve the actors of a step.
type AssigneeSpec struct {
	Type         AssigneeType `json:"type,omitempty" yaml:"type,omitempty"`
	Value        string       `json:"value,omitempty" yaml:"value,omitempty"`
	AllowedRoles []string     `json:"allowed_roles,omitempty" yaml:"allowed_roles,omitempty"`
}

// IsZero reports whether the spec carries no assignee at all.
func (a AssigneeSpec) IsZero() bool {
	return (a.Type == "" || a.Type == AssigneeNone) && a.Value == "" && len(a.AllowedRoles) == 0
}

// RequiresHuman reports whether a step with this spec waits for a person to act.
func (a AssigneeSpec) RequiresHuman() bool {
	return a.Type != "" && a.Type != AssigneeNone
}

// TimingSpec carries deadlines and escalation policy for a step.
type TimingSpec struct {
	TimeLimitHours     int              `json:"time_limit,omitempty" yaml:"time_limit,omitempty"`
	TimeoutDays        int              `json:"timeout_days,omitempty" yaml:"timeout_days,omitempty"`
	EscalationDays     int              `json:"escalation_days,omitempty" yaml:"escalation_days,omitempty"`
	NotifyOnTimeout    bool             `json:"notify_on_timeout,omitempty" yaml:"notify_on_timeout,omitempty"`
	NotifyOnEscalation bool             `json:"notify_on_escalation,omitempty" yaml:"notify_on_escalation,omitempty"`
	Escalation         EscalationPolicy `json:"escalation,omitempty" yaml:"escalation,omitempty"`
	EscalationTarget   AssigneeSpec     `json:"escalation_target,omitempty" yaml:"escalation_target,omitempty"`
	DefaultAction      string           `json:"default_action,omitempty" yaml:"default_action,omitempty"`
}

// IsZero reports whether no timing is configured.
func (t TimingSpec) IsZero() bool {
	return t.TimeLimitHours == 0 && t.TimeoutDays == 0 && t.EscalationDays == 0 &&
		!t.NotifyOnTimeout && !t.NotifyOnEscalation && t.Escalation == "" &&
		t.EscalationTarget.IsZero() && t.DefaultAction == ""
}

// Action is something an assignee may do on a step.
type Action struct {
	Name       string     `json:"name" yaml:"name"`
	ActionType ActionType `json:"action_type" yaml:"action_type"`
	NextStep   int        `json:"next_step,omitempty" yaml:"next_step,omitempty"`
}

// Transition is a directed edge between two steps.
type Transition struct {
	FromStep           int         `json:"from_step" yaml:"from_step"`
	ToStep             int         `json:"to_step" yaml:"to_step"`
	AutoTransition     bool        `json:"auto_transition,omitempty" yaml:"auto_transition,omitempty"`
	TransitionAction   string      `json:"transition_action,omitempty" yaml:"transition_action,omitempty"`
	NotifyOnTransition bool        `json:"notify_on_transition,omitempty" yaml:"notify_on_transition,omitempty"`
	Conditions         []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// Condition is one predicate in a left-associative boolean chain.
type Condition struct {
	ConditionType   ConditionType   `json:"condition_type" yaml:"condition_type"`
	FieldName       string          `json:"field_name,omitempty" yaml:"field_name,omitempty"`
	Operator        string          `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value           string          `json:"value,omitempty" yaml:"value,omitempty"`
	Role            string          `json:"role,omitempty" yaml:"role,omitempty"`
	Expression      string          `json:"expression,omitempty" yaml:"expression,omitempty"`
	LogicalOperator LogicalOperator `json:"logical_operator,omitempty" yaml:"logical_operator,omitempty"`
}

// Permission grants a role rights over instances of a definition.
type Permission struct {
	Role        string `json:"role" yaml:"role"`
	Steps       []int  `json:"steps,omitempty" yaml:"steps,omitempty"`
	CanAct      bool   `json:"can_act,omitempty" yaml:"can_act,omitempty"`
	CanReassign bool   `json:"can_reassign,omitempty" yaml:"can_reassign,omitempty"`
	CanCancel   bool   `json:"can_cancel,omitempty" yaml:"can_cancel,omitempty"`
}

// AppliesTo reports whether the permission covers the given step order.
func (p Permission) AppliesTo(order int) bool {
	if len(p.Steps) == 0 {
		return true
	}
	for _, s := range p.Steps {
		if s == order {
			return true
		}
	}
	return false
}

// Step returns the step with the given order.
func (d WorkflowDefinition) Step(order int) (Step, bool) {
	for _, s := range d.Steps {
		if s.Order == order {
			return s, true
		}
	}
	return Step{}, false
}

// StartStep returns the unique Start step.
func (d WorkflowDefinition) StartStep() (Step, bool) {
	for _, s := range d.Steps {
		if s.Kind == StepStart {
			return s, true
		}
	}
	return Step{}, false
}

// TransitionsFrom lists outgoing transitions of a step in definition order.
func (d WorkflowDefinition) TransitionsFrom(order int) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.FromStep == order {
			out = append(out, t)
		}
	}
	return out
}

// Join returns the configured fan-in policy, defaulting to JoinAll.
func (d WorkflowDefinition) Join() JoinPolicy {
	if d.JoinPolicy == JoinAny {
		return JoinAny
	}
	return JoinAll
}

// Action looks up a declared action by name.
func (s Step) Action(name string) (Action, bool) {
	for _, a := range s.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return Action{}, false
}

// EffectiveActions returns the declared actions. A step that declares none
// offers Approve, plus Reject with allow_reject and Skip with allow_skip.
func (s Step) EffectiveActions() []Action {
	if len(s.Actions) > 0 {
		return s.Actions
	}
	actions := []Action{{Name: "Approve", ActionType: ActionApproval}}
	if s.AllowReject {
		actions = append(actions, Action{Name: "Reject", ActionType: ActionRejection})
	}
	if s.AllowSkip {
		actions = append(actions, Action{Name: "Skip", ActionType: ActionSkip})
	}
	return actions
}

// EffectiveAction looks name up among EffectiveActions.
func (s Step) EffectiveAction(name string) (Action, bool) {
	for _, a := range s.EffectiveActions() {
		if a.Name == name {
			return a, true
		}
	}
	return Action{}, false
}

// ForwardTargets lists the targets declared by Forward actions on the step.
func (s Step) ForwardTargets() []int {
	var out []int
	for _, a := range s.Actions {
		if a.ActionType == ActionForward && a.NextStep > 0 {
			out = append(out, a.NextStep)
		}
	}
	return out
}

// IsAutomatic reports whether the step passes through without a human action.
func (s Step) IsAutomatic() bool {
	return s.Kind == StepStart || s.Kind == StepNotification || !s.Assignee.RequiresHuman()
}

// Clone returns a deep copy of the definition.
func (d WorkflowDefinition) Clone() WorkflowDefinition {
	out := d
	if d.Steps != nil {
		out.Steps = make([]Step, len(d.Steps))
		for i, s := range d.Steps {
			out.Steps[i] = s.Clone()
		}
	}
	if d.Transitions != nil {
		out.Transitions = make([]Transition, len(d.Transitions))
		for i, t := range d.Transitions {
			t.Conditions = cloneConditions(t.Conditions)
			out.Transitions[i] = t
		}
	}
	out.Conditions = cloneConditions(d.Conditions)
	if d.Permissions != nil {
		out.Permissions = make([]Permission, len(d.Permissions))
		for i, p := range d.Permissions {
			p.Steps = append([]int(nil), p.Steps...)
			out.Permissions[i] = p
		}
	}
	return out
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	out := s
	out.Assignee.AllowedRoles = cloneStrings(s.Assignee.AllowedRoles)
	out.Timing.EscalationTarget.AllowedRoles = cloneStrings(s.Timing.EscalationTarget.AllowedRoles)
	if s.Actions != nil {
		out.Actions = append([]Action(nil), s.Actions...)
	}
	out.Conditions = cloneConditions(s.Conditions)
	return out
}

func cloneConditions(in []Condition) []Condition {
	if in == nil {
		return nil
	}
	return append([]Condition(nil), in...)
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
