package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/docflow/directory"
	"github.com/songzhibin97/docflow/types"
)

var (
	ErrUnknownOperator      = errors.New("unknown condition operator")
	ErrUnknownConditionType = errors.New("unknown condition type")
	ErrInvalidOperand       = errors.New("invalid condition operand")
)

// Subject is what a condition chain is evaluated against.
type Subject struct {
	DocumentID string
	// Actor is the user performing the action, empty for automatic moves.
	Actor string
	// Assignees are consulted by role conditions when there is no actor.
	Assignees []string
}

// FieldLister is implemented by document readers able to enumerate fields.
type FieldLister interface {
	Fields(documentID string) (map[string]types.TypedValue, bool)
}

// ConditionEvaluator evaluates ordered condition chains.
type ConditionEvaluator struct {
	docs directory.DocumentReader
	dir  directory.Directory
	expr *ExprEvaluator
}

// NewConditionEvaluator wires an evaluator to its collaborators. exprEval may be
// nil, in which case a private ExprEvaluator is created.
func NewConditionEvaluator(docs directory.DocumentReader, dir directory.Directory, exprEval *ExprEvaluator) *ConditionEvaluator {
	if exprEval == nil {
		exprEval = NewExprEvaluator()
	}
	exprEval.AddOptionFunc("has_field", func(env map[string]interface{}) interface{} {
		return func(name string) bool {
			_, ok := env[name]
			return ok
		}
	})
	return &ConditionEvaluator{docs: docs, dir: dir, expr: exprEval}
}

// Evaluate folds the chain left to right: (((c1) op2 c2) op3 c3)... where opN
// is the logical operator carried by the N-th condition. The first
// condition's operator is ignored and an empty chain is true.
func (c *ConditionEvaluator) Evaluate(ctx context.Context, conds []types.Condition, subj Subject) (bool, error) {
	if len(conds) == 0 {
		return true, nil
	}
	results := make([]bool, len(conds))
	for i, cond := range conds {
		ok, err := c.evaluateOne(ctx, cond, subj)
		if err != nil {
			return false, fmt.Errorf("condition[%d] %s: %w", i, cond.ConditionType, err)
		}
		results[i] = ok
	}
	return Fold(conds, results), nil
}

// Fold combines already evaluated results using the chain's operators.
func Fold(conds []types.Condition, results []bool) bool {
	if len(results) == 0 {
		return true
	}
	acc := results[0]
	for i := 1; i < len(results); i++ {
		op := types.LogicalAnd
		if i < len(conds) {
			op = conds[i].LogicalOperator
		}
		if op == types.LogicalOr {
			acc = acc || results[i]
		} else {
			acc = acc && results[i]
		}
	}
	return acc
}

func (c *ConditionEvaluator) evaluateOne(ctx context.Context, cond types.Condition, subj Subject) (bool, error) {
	switch cond.ConditionType {
	case types.ConditionField, "":
		value, err := c.readField(ctx, subj.DocumentID, cond.FieldName)
		if err != nil {
			return false, err
		}
		return Compare(cond.Operator, value, cond.Value)
	case types.ConditionRole:
		return c.holdsRole(ctx, cond.Role, subj)
	case types.ConditionExpression:
		return c.expr.Evaluate(cond.Expression, c.Env(ctx, subj))
	default:
		return false, fmt.Errorf("%w: %s", ErrUnknownConditionType, cond.ConditionType)
	}
}

func (c *ConditionEvaluator) readField(ctx context.Context, documentID, field string) (types.TypedValue, error) {
	if c.docs == nil {
		return types.TypedValue{}, nil
	}
	v, err := c.docs.ReadField(ctx, documentID, field)
	if errors.Is(err, directory.ErrFieldNotFound) {
		return types.TypedValue{Type: types.FieldText}, nil
	}
	return v, err
}

func (c *ConditionEvaluator) holdsRole(ctx context.Context, role string, subj Subject) (bool, error) {
	if c.dir == nil || role == "" {
		return false, nil
	}
	if subj.Actor != "" {
		return directory.HasRole(ctx, c.dir, subj.Actor, role)
	}
	for _, a := range subj.Assignees {
		ok, err := directory.HasRole(ctx, c.dir, a, role)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Env builds the expression environment for a subject: every known document
// field under its own name plus document_id, actor, assignees and field().
func (c *ConditionEvaluator) Env(ctx context.Context, subj Subject) map[string]interface{} {
	env := map[string]interface{}{
		"document_id": subj.DocumentID,
		"actor":       subj.Actor,
		"assignees":   append([]string(nil), subj.Assignees...),
	}
	if lister, ok := c.docs.(FieldLister); ok {
		if fields, found := lister.Fields(subj.DocumentID); found {
			for name, v := range fields {
				env[name] = Native(v)
			}
		}
	}
	env["field"] = func(name string) interface{} {
		v, err := c.readField(ctx, subj.DocumentID, name)
		if err != nil {
			return nil
		}
		return Native(v)
	}
	return env
}
