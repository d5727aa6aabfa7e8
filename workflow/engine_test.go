package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/docflow/definition"
	"github.com/songzhibin97/docflow/directory"
	"github.com/songzhibin97/docflow/events"
	"github.com/songzhibin97/docflow/resolver"
	"github.com/songzhibin97/docflow/storage"
	"github.com/songzhibin97/docflow/types"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	return atomic.AddUint64(&g.id, 1), nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testUsers = []directory.User{
	{ID: "alice", Roles: []string{"Approver"}},
	{ID: "bob", Roles: []string{"Approver"}},
	{ID: "carol", Roles: []string{"Manager"}},
	{ID: "dave", Roles: []string{"Clerk"}},
	{ID: "sam", Roles: []string{"System Manager"}},
	{ID: "admin", Roles: []string{"Admin"}},
	{ID: "sue", Roles: []string{"Supervisor"}},
	{ID: "reg", Roles: []string{"Registrar"}},
	{ID: "lena", Roles: []string{"Lawyer"}},
	{ID: "fred", Roles: []string{"Accountant"}},
	{ID: "erin", Roles: []string{"Approver"}, Disabled: true},
	{ID: "olga", Roles: []string{"Admin"}, Disabled: true},
	{ID: "rita", Roles: []string{"Registrar"}, Disabled: true},
	{ID: "sid", Roles: []string{"Supervisor"}, Disabled: true},
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	store  *storage.MemoryStorage
	dir    *directory.StaticDirectory
	docs   *directory.MemoryDocuments
	notes  *events.Collector
	clock  *testClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: storage.NewMemoryStorage(),
		dir:   directory.NewStaticDirectory(testUsers...),
		docs:  directory.NewMemoryDocuments(),
		notes: events.NewCollector(),
		clock: &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.docs.Put("INV-1", map[string]types.TypedValue{
		"amount": {Type: types.FieldNumber, Value: 1200.0},
	})
	base := []Option{
		WithClock(f.clock.Now),
		WithNotifier(f.notes),
		WithRegisterer(prometheus.NewRegistry()),
	}
	e, err := New(&MockGenerator{}, f.store, f.dir, f.docs, append(base, opts...)...)
	require.NoError(t, err)
	f.engine = e
	return f
}

func (f *fixture) define(def types.WorkflowDefinition) types.WorkflowDefinition {
	f.t.Helper()
	def.IsActive = true
	saved, err := f.engine.SaveDefinition(f.ctx, def)
	require.NoError(f.t, err)
	return saved
}

func (f *fixture) start(def types.WorkflowDefinition) *InstanceState {
	f.t.Helper()
	state, err := f.engine.StartWorkflow(f.ctx, CreateRequest{
		DocumentID:   "INV-1",
		DefinitionID: def.ID,
		RequestedBy:  "dave",
	})
	require.NoError(f.t, err)
	require.Equal(f.t, types.StatusInProgress, state.Instance.Status)
	return state
}

func (f *fixture) act(id uint64, actor, action string) (*InstanceState, error) {
	return f.engine.ExecuteAction(f.ctx, ActionRequest{InstanceID: id, Action: action, Actor: actor})
}

func (f *fixture) history(id uint64) []types.HistoryEntry {
	f.t.Helper()
	h, err := f.engine.GetHistory(f.ctx, id)
	require.NoError(f.t, err)
	return h
}

func actions(h []types.HistoryEntry) []string {
	out := make([]string, len(h))
	for i, e := range h {
		out[i] = e.Action
	}
	return out
}

func role(r string) types.AssigneeSpec {
	return types.AssigneeSpec{Type: types.AssigneeRole, Value: r}
}

// invoiceFlow is Submit -> Review (Approver) -> Sign (Manager) -> Done.
func invoiceFlow() types.WorkflowDefinition {
	return definition.NewBuilder("Invoice approval", "Invoice").
		Start("Submit").
		Step(types.Step{
			Name:        "Review",
			Kind:        types.StepApproval,
			Assignee:    role("Approver"),
			AllowReject: true,
			Actions: []types.Action{
				{Name: "Approve"},
				{Name: "Reject", ActionType: types.ActionRejection},
				{Name: "Send to signer", ActionType: types.ActionForward, NextStep: 3},
			},
		}).
		Approval("Sign", role("Manager"), types.Action{Name: "Approve"}).
		End("Done").
		Transition(types.Transition{FromStep: 1, ToStep: 2, AutoTransition: true}).
		Edge(2, 3, "Approve").
		Edge(3, 4, "Approve").
		Permission(types.Permission{Role: "Admin"}).
		Permission(types.Permission{Role: "Supervisor", CanReassign: true}).
		Permission(types.Permission{Role: "Registrar", CanCancel: true}).
		Build()
}

// shortFlow is Submit -> Review (Approver) -> Done.
func shortFlow() types.WorkflowDefinition {
	return definition.NewBuilder("Memo approval", "Memo").
		Start("Submit").
		Approval("Review", role("Approver"), types.Action{Name: "Approve"}).
		End("Done").
		Transition(types.Transition{FromStep: 1, ToStep: 2, AutoTransition: true}).
		Edge(2, 3, "Approve").
		Build()
}

func TestNewRequiresGenerator(t *testing.T) {
	dir := directory.NewStaticDirectory()
	docs := directory.NewMemoryDocuments()

	_, err := New(nil, nil, dir, docs)
	assert.EqualError(t, err, "generator is required")

	e, err := New(&MockGenerator{}, nil, dir, docs)
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStorage{}, e.Storage())
}

func TestStartApprovalEnd(t *testing.T) {
	f := newFixture(t)
	def := f.define(shortFlow())

	state := f.start(def)
	id := state.Instance.ID
	assert.Equal(t, []int{2}, state.Instance.CurrentSteps)
	assert.Equal(t, []string{"alice", "bob"}, state.Instance.CurrentAssignees)
	assert.Equal(t, "dave", state.Instance.StartedBy)
	require.Len(t, state.Steps, 1)
	assert.Equal(t, "Review", state.Steps[0].Name)
	assert.Equal(t, []string{"Approve"}, state.Steps[0].Actions)

	state, err := f.act(id, "alice", "Approve")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, state.Instance.Status)
	assert.Empty(t, state.Instance.CurrentSteps)
	assert.NotZero(t, state.Instance.CompletedOn)

	h := f.history(id)
	require.Len(t, h, 2)
	assert.Equal(t, []string{"Start", "Approve"}, actions(h))
	assert.Equal(t, 1, h[0].Seq)
	assert.Equal(t, 2, h[1].Seq)
	assert.Equal(t, "dave", h[0].Actor)
	assert.Equal(t, []int{2}, h[0].ToSteps)
	assert.Equal(t, "alice", h[1].Actor)
	assert.Equal(t, []int{2}, h[1].FromSteps)
	assert.Empty(t, h[1].ToSteps)

	assert.Len(t, f.notes.Kind(events.WorkflowStarted), 1)
	assigned := f.notes.Kind(events.StepAssigned)
	require.Len(t, assigned, 1)
	assert.Equal(t, []string{"alice", "bob"}, assigned[0].Recipients)
	assert.Len(t, f.notes.Kind(events.StepCompleted), 1)
	completed := f.notes.Kind(events.WorkflowCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, []string{"dave"}, completed[0].Recipients)
}

func TestRoundTripToCompleted(t *testing.T) {
	f := newFixture(t)
	def := f.define(invoiceFlow())
	id := f.start(def).Instance.ID

	state, err := f.act(id, "bob", "Approve")
	require.NoError(t, err)
	assert.Equal(t, []int{3}, state.Instance.CurrentSteps)
	assert.Equal(t, []string{"carol"}, state.Instance.CurrentAssignees)

	state, err = f.act(id, "carol", "Approve")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, state.Instance.Status)
	assert.Empty(t, state.Instance.ActiveSteps)

	h := f.history(id)
	assert.Equal(t, []string{"Start", "Approve", "Approve"}, actions(h))
	for i, e := range h {
		assert.Equal(t, i+1, e.Seq)
	}

	stored, err := f.store.GetInstance(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), stored.Version)
}

func TestStateErrors(t *testing.T) {
	f := newFixture(t)
	def := f.define(invoiceFlow())

	pending, err := f.engine.CreateInstance(f.ctx, CreateRequest{DocumentID: "INV-1", DefinitionID: def.ID, RequestedBy: "dave"})
	require.NoError(t, err)
	id := pending.Instance.ID
	assert.Equal(t, types.StatusPending, pending.Instance.Status)

	_, err = f.act(id, "alice", "Approve")
	var se *StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, types.StatusPending, se.Status)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.engine.Reassign(f.ctx, ReassignRequest{InstanceID: id, NewAssignee: "bob", Actor: "sue"})
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.engine.Start(f.ctx, id, "dave")
	require.NoError(t, err)
	_, err = f.engine.Start(f.ctx, id, "dave")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.engine.Cancel(f.ctx, CancelRequest{InstanceID: id, Reason: "withdrawn", Actor: "dave"})
	require.NoError(t, err)

	_, err = f.act(id, "alice", "Approve")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.engine.Cancel(f.ctx, CancelRequest{InstanceID: id, Reason: "again", Actor: "dave"})
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.engine.Reassign(f.ctx, ReassignRequest{InstanceID: id, NewAssignee: "bob", Actor: "sue"})
	assert.ErrorIs(t, err, ErrInvalidState)

	assert.Equal(t, []string{"Start", "Cancel"}, actions(f.history(id)))
}

func TestActionErrors(t *testing.T) {
	f := newFixture(t)
	def := f.define(invoiceFlow())
	id := f.start(def).Instance.ID

	tests := []struct {
		name string
		req  ActionRequest
		kind error
	}{
		{"not an assignee", ActionRequest{Action: "Approve", Actor: "carol", Step: 2}, ErrActorNotAuthorized},
		{"no actor", ActionRequest{Action: "Approve"}, ErrActorNotAuthorized},
		{"undeclared action", ActionRequest{Action: "Archive", Actor: "alice"}, ErrActionNotAllowedForStep},
		{"reject without reason", ActionRequest{Action: "Reject", Actor: "alice"}, ErrMissingReason},
		{"step not active", ActionRequest{Action: "Approve", Actor: "carol", Step: 3}, ErrStaleStep},
		{"forward to undeclared target", ActionRequest{Action: "Send to signer", Actor: "alice", NextStep: 4}, ErrActionNotAllowedForStep},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.InstanceID = id
			_, err := f.engine.ExecuteAction(f.ctx, tt.req)
			var ae *ActionError
			require.ErrorAs(t, err, &ae)
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, id, ae.InstanceID)
		})
	}

	// Nothing above may have changed the instance.
	assert.Equal(t, []string{"Start"}, actions(f.history(id)))
	state, err := f.engine.GetInstanceState(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, state.Instance.CurrentSteps)

	// A can_act permission holder may act without being an assignee.
	state, err = f.act(id, "admin", "Approve")
	require.NoError(t, err)
	assert.Equal(t, []int{3}, state.Instance.CurrentSteps)
}

func TestConcurrentApprovals(t *testing.T) {
	f := newFixture(t)
	def := f.define(invoiceFlow())

	for round := 0; round < 10; round++ {
		id := f.start(def).Instance.ID

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, actor := range []string{"alice", "bob"} {
			wg.Add(1)
			go func(i int, actor string) {
				defer wg.Done()
				_, errs[i] = f.engine.ExecuteAction(f.ctx, ActionRequest{
					InstanceID: id, Action: "Approve", Actor: actor, Step: 2,
				})
			}(i, actor)
		}
		wg.Wait()

		var wins int
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, ErrStaleStep)
		}
		assert.Equal(t, 1, wins)
		assert.Equal(t, []string{"Start", "Approve"}, actions(f.history(id)))
	}
	assert.Zero(t, f.engine.locks.size())
}

func TestConcurrentApprovalsByVersion(t *testing.T) {
	f := newFixture(t)
	def := f.define(definition.NewBuilder("Double review", "Invoice").
		Start("Submit").
		Approval("Review", role("Approver")).
		Approval("Second review", role("Approver")).
		End("Done").
		Build())

	for round := 0; round < 10; round++ {
		started := f.start(def).Instance
		req := ActionRequest{InstanceID: started.ID, Action: "Approve", Actor: "alice", ExpectedVersion: started.Version}

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = f.engine.ExecuteAction(f.ctx, req)
			}(i)
		}
		wg.Wait()

		var wins int
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, ErrStaleStep)
		}
		assert.Equal(t, 1, wins)
		assert.Equal(t, []string{"Start", "Approve"}, actions(f.history(started.ID)))

		st, err := f.engine.GetInstanceState(f.ctx, started.ID)
		require.NoError(t, err)
		assert.Equal(t, []int{3}, st.Instance.CurrentSteps)
	}
}

func TestRejection(t *testing.T) {
	t.Run("without transition cancels", func(t *testing.T) {
		f := newFixture(t)
		def := f.define(invoiceFlow())
		id := f.start(def).Instance.ID

		state, err := f.engine.ExecuteAction(f.ctx, ActionRequest{
			InstanceID: id, Action: "Reject", Actor: "alice", Reason: "amount mismatch",
		})
		require.NoError(t, err)
		assert.Equal(t, types.StatusCancelled, state.Instance.Status)
		assert.Equal(t, "amount mismatch", state.Instance.CancellationReason)
		assert.Empty(t, state.Instance.ActiveSteps)

		h := f.history(id)
		require.Len(t, h, 2)
		assert.Equal(t, "Reject", h[1].Action)
		assert.Equal(t, "amount mismatch", h[1].Reason)

		cancelled := f.notes.Kind(events.WorkflowCancelled)
		require.Len(t, cancelled, 1)
		assert.Equal(t, []string{"alice", "bob", "dave"}, cancelled[0].Recipients)
	})

	t.Run("follows a matching transition", func(t *testing.T) {
		f := newFixture(t)
		def := definition.NewBuilder("Contract", "Contract").
			Start("Submit").
			Step(types.Step{
				Name: "Review", Kind: types.StepApproval, Assignee: role("Approver"), AllowReject: true,
				Actions: []types.Action{{Name: "Approve"}, {Name: "Return", ActionType: types.ActionRejection}},
			}).
			Step(types.Step{Name: "Rework", Kind: types.StepRejection, Assignee: role("Clerk"),
				Actions: []types.Action{{Name: "Resubmit"}}}).
			End("Done").
			Transition(types.Transition{FromStep: 1, ToStep: 2, AutoTransition: true}).
			Edge(2, 4, "Approve").
			Edge(2, 3, "Return").
			Edge(3, 2, "Resubmit").
			Build()
		def = f.define(def)
		id := f.start(def).Instance.ID

		state, err := f.engine.ExecuteAction(f.ctx, ActionRequest{InstanceID: id, Action: "Return", Actor: "bob", Reason: "missing annex"})
		require.NoError(t, err)
		assert.Equal(t, []int{3}, state.Instance.CurrentSteps)
		assert.Equal(t, []string{"dave"}, state.Instance.CurrentAssignees)

		state, err = f.act(id, "dave", "Resubmit")
		require.NoError(t, err)
		assert.Equal(t, []int{2}, state.Instance.CurrentSteps)

		state, err = f.act(id, "alice", "Approve")
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, state.Instance.Status)
	})
}

func TestForwardAndSkip(t *testing.T) {
	f := newFixture(t)
	def := f.define(invoiceFlow())
	id := f.start(def).Instance.ID

	state, err := f.act(id, "alice", "Send to signer")
	require.NoError(t, err)
	assert.Equal(t, []int{3}, state.Instance.CurrentSteps)

	skippable := definition.NewBuilder("Notice", "Notice").
		Start("Submit").
		Step(types.Step{
			Name: "Review", Kind: types.StepApproval, Assignee: role("Approver"), AllowSkip: true,
			Actions: []types.Action{{Name: "Approve"}, {Name: "Skip", ActionType: types.ActionSkip}},
		}).
		Approval("Sign", role("Manager")).
		End("Done").
		Transition(types.Transition{FromStep: 1, ToStep: 2, AutoTransition: true}).
		Edge(2, 3, "Approve").
		Edge(3, 4, "Approve").
		Build()
	skippable = f.define(skippable)
	id = f.start(skippable).Instance.ID

	state, err = f.engine.ExecuteAction(f.ctx, ActionRequest{InstanceID: id, Action: "Skip", Actor: "bob", Reason: "not relevant"})
	require.NoError(t, err)
	assert.Equal(t, []int{3}, state.Instance.CurrentSteps)

	// Sign declares no actions and gets the implicit Approve.
	state, err = f.act(id, "carol", "Approve")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, state.Instance.Status)

	h := f.history(id)
	assert.Equal(t, []string{"Start", "Skip", "Approve"}, actions(h))
	assert.Equal(t, "not relevant", h[1].Reason)
}

func TestSkipRequiresAllowSkip(t *testing.T) {
	f := newFixture(t)
	def := definition.NewBuilder("Notice", "Notice").
		Start("Submit").
		Step(types.Step{
			Name: "Review", Kind: types.StepApproval, Assignee: role("Approver"),
			Actions: []types.Action{{Name: "Approve"}, {Name: "Skip", ActionType: types.ActionSkip}},
		}).
		End("Done").
		Build()
	def = f.define(def)
	id := f.start(def).Instance.ID

	_, err := f.act(id, "alice", "Skip")
	assert.ErrorIs(t, err, ErrActionNotAllowedForStep)
}

func TestStepConditionsGateApproval(t *testing.T) {
	f := newFixture(t)
	f.docs.Put("INV-1", map[string]types.TypedValue{"amount": {Type: types.FieldNumber, Value: 50000.0}})
	flow := invoiceFlow()
	flow.Steps[1].Conditions = []types.Condition{{
		ConditionType: types.ConditionField, FieldName: "amount", Operator: types.OpLessThanOrEqual, Value: "10000",
	}}
	def := f.define(flow)
	id := f.start(def).Instance.ID

	_, err := f.act(id, "alice", "Approve")
	assert.ErrorIs(t, err, ErrConditionNotMet)

	available, err := f.engine.AvailableActions(f.ctx, id, "alice")
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, "Reject", available[0].Action)

	_, err = f.engine.ExecuteAction(f.ctx, ActionRequest{InstanceID: id, Action: "Reject", Actor: "alice", Reason: "over limit"})
	require.NoError(t, err)
}

func TestTransitionConditionsRoute(t *testing.T) {
	flow := definition.NewBuilder("Purchase", "Invoice").
		Start("Submit").
		Approval("Review", role("Approver"), types.Action{Name: "Approve"}).
		Approval("Board", role("Manager"), types.Action{Name: "Approve"}).
		End("Done").
		Transition(types.Transition{FromStep: 1, ToStep: 2, AutoTransition: true}).
		Transition(types.Transition{FromStep: 2, ToStep: 3, TransitionAction: "Approve", Conditions: []types.Condition{{
			FieldName: "amount", Operator: types.OpGreaterThan, Value: "10000",
		}}}).
		Edge(2, 4, "Approve").
		Edge(3, 4, "Approve").
		Build()

	tests := []struct {
		amount float64
		want   types.Status
		steps  []int
	}{
		{500, types.StatusCompleted, []int{}},
		{25000, types.StatusInProgress, []int{3}},
	}
	for _, tt := range tests {
		f := newFixture(t)
		f.docs.Put("INV-1", map[string]types.TypedValue{"amount": {Type: types.FieldNumber, Value: tt.amount}})
		def := f.define(flow)
		id := f.start(def).Instance.ID

		state, err := f.act(id, "alice", "Approve")
		require.NoError(t, err)
		assert.Equal(t, tt.want, state.Instance.Status, "amount %v", tt.amount)
		assert.ElementsMatch(t, tt.steps, state.Instance.CurrentSteps)
	}
}

func TestSequentialFallback(t *testing.T) {
	f := newFixture(t)
	def := definition.NewBuilder("Plain", "Memo").
		Start("Submit").
		Approval("First", role("Approver")).
		Approval("Second", role("Manager")).
		End("Done").
		Build()
	def = f.define(def)
	id := f.start(def).Instance.ID

	state, err := f.act(id, "alice", "Approve")
	require.NoError(t, err)
	assert.Equal(t, []int{3}, state.Instance.CurrentSteps)

	state, err = f.act(id, "carol", "Approve")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, state.Instance.Status)
}

func TestAutomaticSteps(t *testing.T) {
	t.Run("notification step passes through", func(t *testing.T) {
		f := newFixture(t)
		def := definition.NewBuilder("Circular", "Memo").
			Start("Submit").
			Step(types.Step{Name: "Inform", Kind: types.StepNotification, Assignee: role("Manager")}).
			Approval("Review", role("Approver")).
			End("Done").
			Build()
		def = f.define(def)
		state := f.start(def)
		assert.Equal(t, []int{3}, state.Instance.CurrentSteps)

		var informed []events.Notification
		for _, n := range f.notes.Kind(events.StepAssigned) {
			if n.StepOrder == 2 {
				informed = append(informed, n)
			}
		}
		require.Len(t, informed, 1)
		assert.Equal(t, []string{"carol"}, informed[0].Recipients)
		assert.Equal(t, true, informed[0].Data["automatic"])
	})

	t.Run("unassigned step completes immediately", func(t *testing.T) {
		f := newFixture(t)
		def := definition.NewBuilder("Auto", "Memo").
			Start("Submit").
			Step(types.Step{Name: "Register", Kind: types.StepApproval}).
			End("Done").
			Build()
		def = f.define(def)
		state, err := f.engine.StartWorkflow(f.ctx, CreateRequest{DocumentID: "INV-1", DefinitionID: def.ID, RequestedBy: "dave"})
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, state.Instance.Status)
		assert.Len(t, f.history(state.Instance.ID), 1)
	})

	t.Run("automatic cycle is bounded", func(t *testing.T) {
		f := newFixture(t)
		def := definition.NewBuilder("Loop", "Memo").
			Start("Submit").
			Step(types.Step{Name: "Ping", Kind: types.StepNotification}).
			Step(types.Step{Name: "Pong", Kind: types.StepNotification}).
			End("Done").
			Transition(types.Transition{FromStep: 1, ToStep: 2, AutoTransition: true}).
			Transition(types.Transition{FromStep: 2, ToStep: 3, AutoTransition: true}).
			Transition(types.Transition{FromStep: 3, ToStep: 2, AutoTransition: true}).
			Build()
		def = f.define(def)
		created, err := f.engine.CreateInstance(f.ctx, CreateRequest{DocumentID: "INV-1", DefinitionID: def.ID})
		require.NoError(t, err)

		_, err = f.engine.Start(f.ctx, created.Instance.ID, "dave")
		assert.ErrorIs(t, err, ErrRoutingDepth)

		state, err := f.engine.GetInstanceState(f.ctx, created.Instance.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusPending, state.Instance.Status, "a failed start must not commit")
		assert.Empty(t, f.history(created.Instance.ID))
	})
}

// parallelFlow fans out to Legal and Finance, then joins at Sign.
func parallelFlow(join types.JoinPolicy) types.WorkflowDefinition {
	return definition.NewBuilder("Contract", "Contract").
		Start("Submit").
		Approval("Legal", role("Lawyer")).
		Approval("Finance", role("Accountant")).
		Approval("Sign", role("Manager")).
		End("Done").
		Transition(types.Transition{FromStep: 1, ToStep: 2, AutoTransition: true}).
		Transition(types.Transition{FromStep: 1, ToStep: 3, AutoTransition: true}).
		Edge(2, 4, "Approve").
		Edge(3, 4, "Approve").
		Edge(4, 5, "Approve").
		Parallel(join).
		Build()
}

func TestParallelJoinAll(t *testing.T) {
	f := newFixture(t)
	def := f.define(parallelFlow(types.JoinAll))
	state := f.start(def)
	id := state.Instance.ID
	assert.Equal(t, []int{2, 3}, state.Instance.CurrentSteps)
	assert.Equal(t, []string{"fred", "lena"}, state.Instance.CurrentAssignees)

	state, err := f.act(id, "lena", "Approve")
	require.NoError(t, err)
	assert.Equal(t, []int{3}, state.Instance.CurrentSteps)
	require.Len(t, state.Steps, 2)
	assert.Equal(t, 3, state.Steps[0].Order)
	assert.Equal(t, 4, state.Steps[1].Order)
	assert.True(t, state.Steps[1].Parked)

	_, err = f.act(id, "carol", "Approve")
	assert.ErrorIs(t, err, ErrActorNotAuthorized, "a parked step accepts no action")

	state, err = f.act(id, "fred", "Approve")
	require.NoError(t, err)
	assert.Equal(t, []int{4}, state.Instance.CurrentSteps)
	assert.Equal(t, []string{"carol"}, state.Instance.CurrentAssignees)

	state, err = f.act(id, "carol", "Approve")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, state.Instance.Status)

	h := f.history(id)
	assert.Equal(t, []string{"Start", "Approve", "Approve", "Approve"}, actions(h))
	assert.Equal(t, []int{2, 3}, h[0].ToSteps)
	assert.Equal(t, []int{3}, h[1].ToSteps)
}

func TestParallelJoinAny(t *testing.T) {
	f := newFixture(t)
	def := f.define(parallelFlow(types.JoinAny))
	id := f.start(def).Instance.ID

	state, err := f.act(id, "fred", "Approve")
	require.NoError(t, err)
	assert.Equal(t, []int{4}, state.Instance.CurrentSteps)
	assert.Len(t, state.Steps, 1)

	_, err = f.engine.ExecuteAction(f.ctx, ActionRequest{InstanceID: id, Action: "Approve", Actor: "lena", Step: 2})
	assert.ErrorIs(t, err, ErrStaleStep)
}

func TestParallelBranchesToEnd(t *testing.T) {
	f := newFixture(t)
	def := definition.NewBuilder("Dual sign", "Contract").
		Start("Submit").
		Approval("Legal", role("Lawyer")).
		Approval("Finance", role("Accountant")).
		End("Done").
		Transition(types.Transition{FromStep: 1, ToStep: 2, AutoTransition: true}).
		Transition(types.Transition{FromStep: 1, ToStep: 3, AutoTransition: true}).
		Edge(2, 4, "Approve").
		Edge(3, 4, "Approve").
		Parallel(types.JoinAll).
		Build()
	def = f.define(def)
	id := f.start(def).Instance.ID

	state, err := f.act(id, "fred", "Approve")
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, state.Instance.Status)

	state, err = f.act(id, "lena", "Approve")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, state.Instance.Status)
}

func TestReassign(t *testing.T) {
	f := newFixture(t)
	def := f.define(invoiceFlow())
	id := f.start(def).Instance.ID

	_, err := f.engine.Reassign(f.ctx, ReassignRequest{InstanceID: id, NewAssignee: "dave", Actor: "alice"})
	var pe *PermissionError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, ErrNotPermitted)

	_, err = f.engine.Reassign(f.ctx, ReassignRequest{InstanceID: id, NewAssignee: "erin", Actor: "sue"})
	assert.ErrorIs(t, err, resolver.ErrAssigneeDisabled)

	_, err = f.engine.Reassign(f.ctx, ReassignRequest{InstanceID: id, Step: 3, NewAssignee: "dave", Actor: "sue"})
	assert.ErrorIs(t, err, ErrStaleStep)

	state, err := f.engine.Reassign(f.ctx, ReassignRequest{InstanceID: id, NewAssignee: "dave", Actor: "sue", Comment: "holiday"})
	require.NoError(t, err)
	assert.Equal(t, []string{"dave"}, state.Instance.CurrentAssignees)

	_, err = f.act(id, "alice", "Approve")
	assert.ErrorIs(t, err, ErrActorNotAuthorized)
	_, err = f.act(id, "dave", "Approve")
	require.NoError(t, err)

	h := f.history(id)
	assert.Equal(t, []string{"Start", "Reassign", "Approve"}, actions(h))
	assert.Equal(t, "holiday", h[1].Comment)

	reassigned := f.notes.Kind(events.Reassigned)
	require.Len(t, reassigned, 1)
	assert.Equal(t, []string{"alice", "bob", "dave"}, reassigned[0].Recipients)
}

func TestDisabledUsersCannotAct(t *testing.T) {
	f := newFixture(t)
	def := f.define(invoiceFlow())
	id := f.start(def).Instance.ID

	_, err := f.act(id, "olga", "Approve")
	assert.ErrorIs(t, err, ErrActorNotAuthorized, "can_act role held by a disabled user")

	_, err = f.engine.Reassign(f.ctx, ReassignRequest{InstanceID: id, NewAssignee: "carol", Actor: "sid"})
	assert.ErrorIs(t, err, ErrNotPermitted)

	available, err := f.engine.AvailableActions(f.ctx, id, "olga")
	require.NoError(t, err)
	assert.Empty(t, available)

	f.dir.Put(directory.User{ID: "bob", Roles: []string{"Approver"}, Disabled: true})
	_, err = f.act(id, "bob", "Approve")
	assert.ErrorIs(t, err, ErrActorNotAuthorized, "assignee disabled after assignment")

	assert.Equal(t, []string{"Start"}, actions(f.history(id)))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	def := f.define(invoiceFlow())

	tests := []struct {
		name  string
		actor string
		ok    bool
	}{
		{"starter", "dave", true},
		{"current assignee", "bob", true},
		{"can_cancel role", "reg", true},
		{"unrelated user", "carol", false},
		{"disabled can_cancel role", "rita", false},
		{"anonymous", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := f.start(def).Instance.ID
			state, err := f.engine.Cancel(f.ctx, CancelRequest{InstanceID: id, Reason: "duplicate", Actor: tt.actor})
			if !tt.ok {
				assert.ErrorIs(t, err, ErrNotPermitted)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, types.StatusCancelled, state.Instance.Status)
			assert.Equal(t, "duplicate", state.Instance.CancellationReason)
			assert.Empty(t, state.Instance.CurrentSteps)
		})
	}

	id := f.start(def).Instance.ID
	_, err := f.engine.Cancel(f.ctx, CancelRequest{InstanceID: id, Actor: "dave"})
	assert.ErrorIs(t, err, ErrMissingReason)

	pending, err := f.engine.CreateInstance(f.ctx, CreateRequest{DocumentID: "INV-1", DefinitionID: def.ID, RequestedBy: "dave"})
	require.NoError(t, err)
	state, err := f.engine.Cancel(f.ctx, CancelRequest{InstanceID: pending.Instance.ID, Reason: "never mind", Actor: "dave"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, state.Instance.Status)
}

func TestAvailableActions(t *testing.T) {
	f := newFixture(t)
	def := f.define(invoiceFlow())
	id := f.start(def).Instance.ID

	names := func(actor string) []string {
		list, err := f.engine.AvailableActions(f.ctx, id, actor)
		require.NoError(t, err)
		out := []string{}
		for _, a := range list {
			out = append(out, a.Action)
		}
		return out
	}
	assert.Equal(t, []string{"Approve", "Reject", "Send to signer"}, names("alice"))
	assert.Equal(t, []string{"Approve", "Reject", "Send to signer"}, names("admin"))
	assert.Empty(t, names("carol"))

	_, err := f.act(id, "alice", "Approve")
	require.NoError(t, err)
	assert.Empty(t, names("alice"))
	assert.Equal(t, []string{"Approve"}, names("carol"))

	_, err = f.act(id, "carol", "Approve")
	require.NoError(t, err)
	assert.Empty(t, names("carol"))

	_, err = f.engine.AvailableActions(f.ctx, 987654, "carol")
	assert.ErrorIs(t, err, storage.ErrInstanceNotFound)
}

func TestDefinitionLifecycle(t *testing.T) {
	f := newFixture(t)

	draft, err := f.engine.SaveDefinition(f.ctx, shortFlow())
	require.NoError(t, err)
	assert.NotZero(t, draft.ID)
	assert.False(t, draft.IsActive)

	_, err = f.engine.CreateInstance(f.ctx, CreateRequest{DocumentID: "INV-1", DefinitionID: draft.ID})
	assert.ErrorIs(t, err, ErrDefinitionInactive)

	draft.Name = "Memo approval v1"
	_, err = f.engine.SaveDefinition(f.ctx, draft)
	require.NoError(t, err, "drafts stay editable")

	active, err := f.engine.ActivateDefinition(f.ctx, draft.ID)
	require.NoError(t, err)
	assert.True(t, active.IsActive)
	assert.Equal(t, "Memo approval v1", active.Name)

	active.Name = "changed"
	_, err = f.engine.SaveDefinition(f.ctx, active)
	assert.ErrorIs(t, err, ErrDefinitionImmutable)

	got, err := f.engine.GetDefinition(f.ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, "Memo approval v1", got.Name)

	broken := shortFlow()
	broken.Steps = broken.Steps[1:]
	saved, err := f.engine.SaveDefinition(f.ctx, broken)
	require.NoError(t, err)
	_, err = f.engine.ActivateDefinition(f.ctx, saved.ID)
	var ve *definition.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.ErrorIs(t, err, definition.ErrMissingStart)

	broken.IsActive = true
	_, err = f.engine.SaveDefinition(f.ctx, broken)
	assert.ErrorIs(t, err, definition.ErrMissingStart)
}

func TestImportDefinitions(t *testing.T) {
	f := newFixture(t)
	a, b := shortFlow(), invoiceFlow()
	a.IsActive, b.IsActive = true, true

	imported, err := f.engine.ImportDefinitions(f.ctx, []types.WorkflowDefinition{a, b})
	require.NoError(t, err)
	require.Len(t, imported, 2)
	for _, def := range imported {
		assert.NotZero(t, def.ID)
		assert.True(t, def.IsActive)
	}

	bad := shortFlow()
	bad.IsActive = true
	bad.Transitions = append(bad.Transitions, types.Transition{FromStep: 2, ToStep: 9, TransitionAction: "Approve"})
	_, err = f.engine.ImportDefinitions(f.ctx, []types.WorkflowDefinition{shortFlow(), bad})
	assert.ErrorIs(t, err, definition.ErrDanglingReference)

	all, err := f.store.ListDefinitions(f.ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2, "a rejected import saves nothing")
}

func TestDefaultDefinitionAndAutoStart(t *testing.T) {
	f := newFixture(t)
	f.docs.Put("MEMO-1", map[string]types.TypedValue{"urgent": {Type: types.FieldBool, Value: true}})
	f.docs.Put("MEMO-2", map[string]types.TypedValue{"urgent": {Type: types.FieldBool, Value: false}})

	general := shortFlow()
	general.Name = "General memo"
	general = f.define(general)

	urgent := shortFlow()
	urgent.Name = "Urgent memo"
	urgent.IsDefault = true
	urgent.AutoStartOnCreation = true
	urgent.Conditions = []types.Condition{{
		ConditionType: types.ConditionField, FieldName: "urgent", Operator: types.OpEquals, Value: "true",
	}}
	urgent = f.define(urgent)

	picked, err := f.engine.SelectDefinition(f.ctx, "Memo", "MEMO-1")
	require.NoError(t, err)
	assert.Equal(t, urgent.ID, picked.ID)

	picked, err = f.engine.SelectDefinition(f.ctx, "Memo", "MEMO-2")
	require.NoError(t, err)
	assert.Equal(t, general.ID, picked.ID)

	_, err = f.engine.SelectDefinition(f.ctx, "Circular", "MEMO-1")
	assert.ErrorIs(t, err, ErrNoDefinition)

	state, err := f.engine.DocumentCreated(f.ctx, "MEMO-1", "Memo", "dave")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, urgent.ID, state.Instance.DefinitionID)
	assert.Equal(t, types.StatusInProgress, state.Instance.Status)

	state, err = f.engine.DocumentCreated(f.ctx, "MEMO-2", "Memo", "dave")
	require.NoError(t, err)
	assert.Nil(t, state, "the general memo flow does not auto-start")

	state, err = f.engine.StartWorkflow(f.ctx, CreateRequest{DocumentID: "MEMO-2", DocumentType: "Memo", RequestedBy: "dave"})
	require.NoError(t, err)
	assert.Equal(t, general.ID, state.Instance.DefinitionID)
}

func TestFailingDynamicScriptEscalates(t *testing.T) {
	f := newFixture(t)
	flow := shortFlow()
	flow.Steps[1].Assignee = types.AssigneeSpec{Type: types.AssigneeDynamic, Value: "undefined_thing()"}
	flow.Steps[1].Timing = types.TimingSpec{TimeLimitHours: 24}
	def := f.define(flow)

	state := f.start(def)
	id := state.Instance.ID
	assert.Equal(t, []string{"sam"}, state.Instance.CurrentAssignees)
	require.Len(t, state.Steps, 1)
	assert.True(t, state.Steps[0].Escalated)

	h := f.history(id)
	assert.Equal(t, []string{"Start", "Escalate"}, actions(h))
	assert.Equal(t, "system", h[1].Actor)

	escalated := f.notes.Kind(events.StepEscalated)
	require.Len(t, escalated, 1)
	assert.Equal(t, []string{"sam"}, escalated[0].Recipients)
	assert.Equal(t, events.EventID(id, 2, state.Steps[0].EnteredAt, events.StepEscalated), escalated[0].EventID)

	// The escalation is already in the fired set; the deadline does not repeat it.
	report, err := f.engine.HandleDeadlines(f.ctx, id, f.clock.Now().Add(26*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, report.Escalations)
	assert.Len(t, f.notes.Kind(events.StepEscalated), 1)

	_, err = f.act(id, "sam", "Approve")
	require.NoError(t, err)
}

func TestEscalationRoleOverride(t *testing.T) {
	f := newFixture(t, WithEscalationRole("Manager"))
	flow := shortFlow()
	flow.Steps[1].Assignee = role("Nobody")
	def := f.define(flow)

	state := f.start(def)
	assert.Equal(t, []string{"carol"}, state.Instance.CurrentAssignees)
}

func deadlineFlow(timing types.TimingSpec) types.WorkflowDefinition {
	flow := invoiceFlow()
	flow.Steps[1].Timing = timing
	return flow
}

func TestDeadlineEscalationFiresOnce(t *testing.T) {
	f := newFixture(t)
	def := f.define(deadlineFlow(types.TimingSpec{TimeLimitHours: 24, NotifyOnTimeout: true}))
	state := f.start(def)
	id := state.Instance.ID
	entered := f.clock.Now()

	report, err := f.engine.HandleDeadlines(f.ctx, id, entered.Add(23*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, DeadlineReport{}, report)

	report, err = f.engine.HandleDeadlines(f.ctx, id, entered.Add(26*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, DeadlineReport{Timeouts: 1, Escalations: 1}, report)

	timeouts := f.notes.Kind(events.StepTimeout)
	require.Len(t, timeouts, 1)
	assert.Equal(t, []string{"alice", "bob"}, timeouts[0].Recipients)
	escalations := f.notes.Kind(events.StepEscalated)
	require.Len(t, escalations, 1)
	assert.Equal(t, []string{"alice", "bob", "sam"}, escalations[0].Recipients)

	for _, later := range []time.Duration{27 * time.Hour, 48 * time.Hour} {
		report, err = f.engine.HandleDeadlines(f.ctx, id, entered.Add(later))
		require.NoError(t, err)
		assert.Equal(t, DeadlineReport{}, report)
	}
	assert.Len(t, f.notes.Kind(events.StepTimeout), 1)
	assert.Len(t, f.notes.Kind(events.StepEscalated), 1)
	assert.Equal(t, []string{"Start", "Escalate"}, actions(f.history(id)))

	st, err := f.engine.GetInstanceState(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, st.Instance.CurrentAssignees, "notify policy keeps the assignees")
	assert.Equal(t, entered.Add(24*time.Hour).UnixMilli(), st.Steps[0].EscalationAt)
}

func TestTimeLimitWithEscalationDaysEscalatesOnce(t *testing.T) {
	f := newFixture(t)
	def := f.define(deadlineFlow(types.TimingSpec{TimeLimitHours: 24, EscalationDays: 2}))
	id := f.start(def).Instance.ID
	entered := f.clock.Now()

	report, err := f.engine.HandleDeadlines(f.ctx, id, entered.Add(26*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, DeadlineReport{Escalations: 1}, report)
	require.Len(t, f.notes.Kind(events.StepEscalated), 1)

	report, err = f.engine.HandleDeadlines(f.ctx, id, entered.Add(26*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, DeadlineReport{}, report)
	assert.Len(t, f.notes.Kind(events.StepEscalated), 1)
	assert.Equal(t, []string{"Start", "Escalate"}, actions(f.history(id)))
}

func TestDeadlineReassignPolicy(t *testing.T) {
	f := newFixture(t)
	def := f.define(deadlineFlow(types.TimingSpec{
		TimeoutDays:      1,
		EscalationDays:   1,
		Escalation:       types.EscalateReassign,
		EscalationTarget: types.AssigneeSpec{Type: types.AssigneeUser, Value: "carol"},
	}))
	id := f.start(def).Instance.ID
	entered := f.clock.Now()

	report, err := f.engine.HandleDeadlines(f.ctx, id, entered.Add(30*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, DeadlineReport{}, report, "escalation is due after timeout plus escalation days")

	report, err = f.engine.HandleDeadlines(f.ctx, id, entered.Add(49*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Escalations)

	st, err := f.engine.GetInstanceState(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, st.Instance.CurrentAssignees)
}

func TestDeadlineAutoActionPolicy(t *testing.T) {
	f := newFixture(t)
	def := f.define(deadlineFlow(types.TimingSpec{
		TimeLimitHours: 8,
		Escalation:     types.EscalateAutoAction,
		DefaultAction:  "Approve",
	}))
	id := f.start(def).Instance.ID

	report, err := f.engine.HandleDeadlines(f.ctx, id, f.clock.Now().Add(9*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Escalations)

	st, err := f.engine.GetInstanceState(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, st.Instance.CurrentSteps)

	h := f.history(id)
	assert.Equal(t, []string{"Start", "Escalate", "Approve"}, actions(h))
	assert.Equal(t, "system", h[2].Actor)
}

func TestEscalationNotificationRetried(t *testing.T) {
	var failures int32 = 1
	notes := events.NewCollector()
	flaky := events.NotifierFunc(func(ctx context.Context, n events.Notification) error {
		if n.Kind == events.StepEscalated && atomic.AddInt32(&failures, -1) >= 0 {
			return errors.New("smtp unavailable")
		}
		return notes.Notify(ctx, n)
	})
	f := newFixture(t, WithNotifier(flaky))
	def := f.define(deadlineFlow(types.TimingSpec{TimeLimitHours: 24}))
	id := f.start(def).Instance.ID
	entered := f.clock.Now()

	report, err := f.engine.HandleDeadlines(f.ctx, id, entered.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Escalations)
	assert.Empty(t, notes.Kind(events.StepEscalated))

	report, err = f.engine.HandleDeadlines(f.ctx, id, entered.Add(26*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Escalations)
	assert.Len(t, notes.Kind(events.StepEscalated), 1)

	report, err = f.engine.HandleDeadlines(f.ctx, id, entered.Add(27*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, report.Escalations)

	assert.Equal(t, []string{"Start", "Escalate"}, actions(f.history(id)), "the policy is applied once")
}

func TestDeadlineWithoutRecipientsCountedOnce(t *testing.T) {
	flow := deadlineFlow(types.TimingSpec{TimeLimitHours: 24, NotifyOnTimeout: true})
	flow.Steps[1].Assignee = role("Auditor")
	flow.EscalationRole = "Ombudsman"
	f := newFixture(t)
	id := f.start(f.define(flow)).Instance.ID
	entered := f.clock.Now()
	require.Equal(t, []string{"Start", "Escalate"}, actions(f.history(id)), "nobody holds the step role")

	report, err := f.engine.HandleDeadlines(f.ctx, id, entered.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, DeadlineReport{Timeouts: 1}, report)

	report, err = f.engine.HandleDeadlines(f.ctx, id, entered.Add(26*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, DeadlineReport{}, report)

	for _, kind := range []string{events.StepTimeout, events.StepEscalated} {
		fired, err := f.store.IsFired(f.ctx, events.EventKey(id, 2, entered.UnixMilli(), kind))
		require.NoError(t, err)
		assert.True(t, fired, kind)
	}
	assert.Empty(t, f.notes.Kind(events.StepTimeout))
}

func TestDeadlines(t *testing.T) {
	entered := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	ms := entered.UnixMilli()

	tests := []struct {
		name       string
		timing     types.TimingSpec
		timeout    time.Duration
		escalation time.Duration
	}{
		{"none", types.TimingSpec{}, -1, -1},
		{"time limit", types.TimingSpec{TimeLimitHours: 24}, 24 * time.Hour, 24 * time.Hour},
		{"timeout days", types.TimingSpec{TimeoutDays: 2}, 48 * time.Hour, 48 * time.Hour},
		{"timeout plus escalation days", types.TimingSpec{TimeoutDays: 2, EscalationDays: 3}, 48 * time.Hour, 120 * time.Hour},
		{"time limit and escalation days", types.TimingSpec{TimeLimitHours: 4, EscalationDays: 1}, 4 * time.Hour, 4 * time.Hour},
		{"time limit hours and two escalation days", types.TimingSpec{TimeLimitHours: 24, EscalationDays: 2}, 24 * time.Hour, 24 * time.Hour},
		{"escalation days only", types.TimingSpec{EscalationDays: 2}, -1, 48 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timeout, escalation := Deadlines(tt.timing, ms)
			if tt.timeout < 0 {
				assert.True(t, timeout.IsZero())
			} else {
				assert.True(t, entered.Add(tt.timeout).Equal(timeout))
			}
			if tt.escalation < 0 {
				assert.True(t, escalation.IsZero())
			} else {
				assert.True(t, entered.Add(tt.escalation).Equal(escalation))
			}
		})
	}
}

func TestStop(t *testing.T) {
	f := newFixture(t)
	def := f.define(shortFlow())
	id := f.start(def).Instance.ID

	require.NoError(t, f.engine.Stop(f.ctx))
	_, err := f.act(id, "alice", "Approve")
	assert.ErrorIs(t, err, ErrEngineStopped)

	state, err := f.engine.GetInstanceState(f.ctx, id)
	require.NoError(t, err, "reads keep working")
	assert.Equal(t, types.StatusInProgress, state.Instance.Status)
}
