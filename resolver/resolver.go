// Package resolver computes the set of users expected to act on a step.
package resolver

import (
	"context"
	"errors"
	"sort"

	"github.com/songzhibin97/docflow/directory"
	"github.com/songzhibin97/docflow/rules"
	"github.com/songzhibin97/docflow/types"
)

// Resolver turns assignee specs into concrete user ids.
type Resolver struct {
	dir     directory.Directory
	docs    directory.DocumentReader
	scripts ScriptRunner
	conds   *rules.ConditionEvaluator
}

// New creates a resolver. scripts may be nil, in which case Dynamic
// assignees run through an ExprScriptRunner with the default timeout.
func New(dir directory.Directory, docs directory.DocumentReader, scripts ScriptRunner) *Resolver {
	if scripts == nil {
		scripts = NewExprScriptRunner(nil, 0)
	}
	return &Resolver{
		dir:     dir,
		docs:    docs,
		scripts: scripts,
		conds:   rules.NewConditionEvaluator(docs, dir, nil),
	}
}

// Resolve computes the assignees of step for a document. The result is
// deduplicated and sorted. A human step resolving to nobody returns the empty
// set together with an ErrEmptyResolution.
func (r *Resolver) Resolve(ctx context.Context, step types.Step, documentID string) ([]string, error) {
	users, err := r.ResolveSpec(ctx, step.Order, step.Assignee, documentID)
	if err != nil {
		return users, err
	}
	if len(users) == 0 && step.Assignee.RequiresHuman() {
		return users, &ResolutionError{
			Step:  step.Order,
			Type:  step.Assignee.Type,
			Value: step.Assignee.Value,
			Kind:  ErrEmptyResolution,
		}
	}
	return users, nil
}

// ResolveSpec resolves a bare assignee spec, such as an escalation target.
func (r *Resolver) ResolveSpec(ctx context.Context, order int, spec types.AssigneeSpec, documentID string) ([]string, error) {
	fail := func(kind, cause error) error {
		return &ResolutionError{Step: order, Type: spec.Type, Value: spec.Value, Kind: kind, Cause: cause}
	}

	var (
		users []string
		err   error
	)
	switch spec.Type {
	case "", types.AssigneeNone:
		return nil, nil
	case types.AssigneeRole:
		users, err = r.dir.UsersWithRole(ctx, spec.Value)
	case types.AssigneeUser:
		users, err = r.user(ctx, spec.Value)
		if errors.Is(err, ErrAssigneeDisabled) {
			return nil, fail(ErrAssigneeDisabled, nil)
		}
	case types.AssigneeField:
		users, err = r.field(ctx, documentID, spec.Value)
		if errors.Is(err, ErrAssigneeDisabled) {
			return nil, fail(ErrAssigneeDisabled, nil)
		}
	case types.AssigneeDynamic:
		users, err = r.dynamic(ctx, documentID, spec.Value)
		if err != nil {
			return nil, fail(ErrScriptFailed, err)
		}
	default:
		return nil, fail(ErrEmptyResolution, errors.New("unknown assignee type"))
	}
	if err != nil {
		return nil, err
	}

	if len(spec.AllowedRoles) > 0 {
		users, err = r.restrict(ctx, users, spec.AllowedRoles)
		if err != nil {
			return nil, err
		}
	}
	return normalize(users), nil
}

func (r *Resolver) user(ctx context.Context, id string) ([]string, error) {
	ok, err := r.dir.IsEnabled(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAssigneeDisabled
	}
	return []string{id}, nil
}

// field resolves a Field-based assignee. User values name users, role values
// name roles, and plain text is a known user or else a role.
func (r *Resolver) field(ctx context.Context, documentID, name string) ([]string, error) {
	v, err := r.docs.ReadField(ctx, documentID, name)
	if errors.Is(err, directory.ErrFieldNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if v.IsEmpty() {
		return nil, nil
	}

	var values []string
	switch raw := rules.Native(v).(type) {
	case []string:
		values = raw
	case string:
		values = []string{raw}
	default:
		return nil, nil
	}

	var out []string
	for _, value := range values {
		switch v.Type {
		case types.FieldUser:
			users, err := r.user(ctx, value)
			if err != nil {
				return nil, err
			}
			out = append(out, users...)
		case types.FieldRole:
			users, err := r.dir.UsersWithRole(ctx, value)
			if err != nil {
				return nil, err
			}
			out = append(out, users...)
		default:
			if _, err := r.dir.Roles(ctx, value); err == nil {
				users, err := r.user(ctx, value)
				if err != nil {
					return nil, err
				}
				out = append(out, users...)
				continue
			} else if !errors.Is(err, directory.ErrUserNotFound) {
				return nil, err
			}
			users, err := r.dir.UsersWithRole(ctx, value)
			if err != nil {
				return nil, err
			}
			out = append(out, users...)
		}
	}
	return out, nil
}

func (r *Resolver) dynamic(ctx context.Context, documentID, script string) ([]string, error) {
	env := r.conds.Env(ctx, rules.Subject{DocumentID: documentID})
	env["users_with_role"] = func(role string) []string {
		users, err := r.dir.UsersWithRole(ctx, role)
		if err != nil {
			return nil
		}
		return users
	}
	users, err := r.scripts.Run(ctx, script, env)
	if err != nil {
		return nil, err
	}
	enabled := users[:0:0]
	for _, u := range users {
		ok, err := r.dir.IsEnabled(ctx, u)
		if err != nil {
			return nil, err
		}
		if ok {
			enabled = append(enabled, u)
		}
	}
	return enabled, nil
}

func (r *Resolver) restrict(ctx context.Context, users, roles []string) ([]string, error) {
	var out []string
	for _, u := range users {
		for _, role := range roles {
			ok, err := directory.HasRole(ctx, r.dir, u, role)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, u)
				break
			}
		}
	}
	return out, nil
}

func normalize(users []string) []string {
	if len(users) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
