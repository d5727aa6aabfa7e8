package definition

import (
	"github.com/songzhibin97/docflow/types"
)

// DefaultActionName is given to actions and transitions that omit one.
const DefaultActionName = "Approve"

// ApplyDefaults returns a copy of def with every omitted sub-entity field
// filled in. Steps without an order are numbered by position.
func ApplyDefaults(def types.WorkflowDefinition) types.WorkflowDefinition {
	out := def.Clone()
	if out.Version == 0 {
		out.Version = 1
	}
	for i := range out.Steps {
		s := &out.Steps[i]
		if s.Order == 0 {
			s.Order = i + 1
		}
		if s.Kind == "" {
			s.Kind = types.StepApproval
		}
		if s.Assignee.Type == "" && (s.Kind != types.StepStart && s.Kind != types.StepEnd) {
			s.Assignee.Type = types.AssigneeNone
		}
		for j := range s.Actions {
			s.Actions[j] = actionDefaults(s.Actions[j])
		}
		s.Conditions = conditionDefaults(s.Conditions)
	}
	for i := range out.Transitions {
		t := &out.Transitions[i]
		if !t.AutoTransition && t.TransitionAction == "" {
			if from, ok := out.Step(t.FromStep); !ok || !from.IsAutomatic() {
				t.TransitionAction = DefaultActionName
			}
		}
		t.Conditions = conditionDefaults(t.Conditions)
	}
	out.Conditions = conditionDefaults(out.Conditions)
	for i := range out.Permissions {
		p := &out.Permissions[i]
		if !p.CanAct && !p.CanReassign && !p.CanCancel {
			p.CanAct = true
		}
	}
	if out.JoinPolicy == "" && out.AllowParallelSteps {
		out.JoinPolicy = types.JoinAll
	}
	return out
}

func actionDefaults(a types.Action) types.Action {
	if a.ActionType == "" {
		a.ActionType = types.ActionApproval
	}
	if a.Name == "" {
		if a.ActionType == types.ActionApproval {
			a.Name = DefaultActionName
		} else {
			a.Name = string(a.ActionType)
		}
	}
	return a
}

func conditionDefaults(conds []types.Condition) []types.Condition {
	for i := range conds {
		c := &conds[i]
		if c.ConditionType == "" {
			switch {
			case c.Expression != "":
				c.ConditionType = types.ConditionExpression
			case c.Role != "" && c.FieldName == "":
				c.ConditionType = types.ConditionRole
			default:
				c.ConditionType = types.ConditionField
			}
		}
		if c.ConditionType == types.ConditionField && c.Operator == "" {
			c.Operator = types.OpEquals
		}
		if c.LogicalOperator == "" {
			c.LogicalOperator = types.LogicalAnd
		}
	}
	return conds
}

// Builder assembles a definition fluently. Build applies ApplyDefaults.
type Builder struct {
	def types.WorkflowDefinition
}

// NewBuilder starts a definition for a document type.
func NewBuilder(name, documentType string) *Builder {
	return &Builder{def: types.WorkflowDefinition{Name: name, DocumentType: documentType}}
}

// Step appends a step. An order of zero means "next position".
func (b *Builder) Step(s types.Step) *Builder {
	b.def.Steps = append(b.def.Steps, s)
	return b
}

// Start appends the start step.
func (b *Builder) Start(name string) *Builder {
	return b.Step(types.Step{Name: name, Kind: types.StepStart})
}

// End appends an end step.
func (b *Builder) End(name string) *Builder {
	return b.Step(types.Step{Name: name, Kind: types.StepEnd})
}

// Approval appends an approval step assigned by spec with the given actions.
func (b *Builder) Approval(name string, assignee types.AssigneeSpec, actions ...types.Action) *Builder {
	return b.Step(types.Step{Name: name, Kind: types.StepApproval, Assignee: assignee, Actions: actions})
}

// Transition appends an edge.
func (b *Builder) Transition(t types.Transition) *Builder {
	b.def.Transitions = append(b.def.Transitions, t)
	return b
}

// Edge appends an edge from -> to triggered by action.
func (b *Builder) Edge(from, to int, action string) *Builder {
	return b.Transition(types.Transition{FromStep: from, ToStep: to, TransitionAction: action})
}

// Condition appends a document routing condition.
func (b *Builder) Condition(c types.Condition) *Builder {
	b.def.Conditions = append(b.def.Conditions, c)
	return b
}

// Permission appends a permission.
func (b *Builder) Permission(p types.Permission) *Builder {
	b.def.Permissions = append(b.def.Permissions, p)
	return b
}

// Parallel enables parallel branches with the given fan-in policy.
func (b *Builder) Parallel(join types.JoinPolicy) *Builder {
	b.def.AllowParallelSteps = true
	b.def.JoinPolicy = join
	return b
}

// Default marks the definition as the default for its document type.
func (b *Builder) Default() *Builder {
	b.def.IsDefault = true
	return b
}

// AutoStart starts the workflow when a document of its type is created.
func (b *Builder) AutoStart() *Builder {
	b.def.AutoStartOnCreation = true
	return b
}

// Build returns the assembled definition with defaults applied.
func (b *Builder) Build() types.WorkflowDefinition {
	return ApplyDefaults(b.def)
}
