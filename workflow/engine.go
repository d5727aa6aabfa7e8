package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/docflow/audit"
	"github.com/songzhibin97/docflow/definition"
	"github.com/songzhibin97/docflow/directory"
	"github.com/songzhibin97/docflow/events"
	"github.com/songzhibin97/docflow/resolver"
	"github.com/songzhibin97/docflow/rules"
	"github.com/songzhibin97/docflow/storage"
	"github.com/songzhibin97/docflow/types"
)

// ErrEngineStopped is returned by mutations submitted after Stop.
var ErrEngineStopped = errors.New("engine is stopped")

// MaxRecursionDepth bounds chains of automatic steps.
const MaxRecursionDepth = 100

// Engine advances workflow instances through their definitions.
type Engine struct {
	store    storage.Storage
	generate generator.Generator
	dir      directory.Directory
	docs     directory.DocumentReader
	resolver *resolver.Resolver
	conds    *rules.ConditionEvaluator
	audit    *audit.Recorder
	notifier events.Notifier
	locks    *keyedLock
	metrics  *engineMetrics
	logger   *zap.Logger
	clock    func() time.Time

	notifyTimeout  time.Duration
	escalationRole string

	mu          sync.RWMutex
	definitions map[uint64]types.WorkflowDefinition

	runMu    sync.RWMutex
	stopped  bool
	inflight sync.WaitGroup
}

// New creates an engine. generate is required; a nil store defaults to
// in-memory storage.
func New(generate generator.Generator, store storage.Storage, dir directory.Directory, docs directory.DocumentReader, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if dir == nil || docs == nil {
		return nil, errors.New("directory and document reader are required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Engine{
		store:          store,
		generate:       generate,
		dir:            dir,
		docs:           docs,
		resolver:       resolver.New(dir, docs, o.scripts),
		conds:          rules.NewConditionEvaluator(docs, dir, o.exprEval),
		audit:          audit.NewRecorder(generate, store, o.clock),
		notifier:       o.notifier,
		locks:          newKeyedLock(),
		metrics:        newEngineMetrics(o.registerer),
		logger:         o.logger,
		clock:          o.clock,
		notifyTimeout:  o.notifyTimeout,
		escalationRole: o.escalationRole,
		definitions:    make(map[uint64]types.WorkflowDefinition),
	}, nil
}

// Storage returns the repository the engine commits to.
func (e *Engine) Storage() storage.Storage {
	return e.store
}

// SaveDefinition stores a draft or active definition. A missing id is
// generated. Replacing an active definition fails with ErrDefinitionImmutable;
// an active input is validated first.
func (e *Engine) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) (types.WorkflowDefinition, error) {
	prepared, err := e.prepareDefinition(ctx, def)
	if err != nil {
		return types.WorkflowDefinition{}, err
	}
	if err := e.store.SaveDefinition(ctx, prepared); err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("save definition: %w", err)
	}
	e.cacheDefinition(prepared)
	e.logger.Info("definition saved",
		zap.Uint64("definition_id", prepared.ID),
		zap.String("document_type", prepared.DocumentType),
		zap.Bool("active", prepared.IsActive))
	return prepared.Clone(), nil
}

// ActivateDefinition validates a stored draft and makes it active.
func (e *Engine) ActivateDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	def, err := e.store.GetDefinition(ctx, id)
	if err != nil {
		return types.WorkflowDefinition{}, err
	}
	if def.IsActive {
		return def, nil
	}
	active, err := definition.Activate(def)
	if err != nil {
		return types.WorkflowDefinition{}, err
	}
	if err := e.store.SaveDefinition(ctx, active); err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("save definition: %w", err)
	}
	e.cacheDefinition(active)
	e.logger.Info("definition activated", zap.Uint64("definition_id", id))
	return active.Clone(), nil
}

// ImportDefinitions saves many definitions, in one batch when the backend
// supports it. Nothing is saved if any definition is rejected.
func (e *Engine) ImportDefinitions(ctx context.Context, defs []types.WorkflowDefinition) ([]types.WorkflowDefinition, error) {
	prepared := make([]types.WorkflowDefinition, 0, len(defs))
	for i, def := range defs {
		p, err := e.prepareDefinition(ctx, def)
		if err != nil {
			return nil, fmt.Errorf("definition[%d] %q: %w", i, def.Name, err)
		}
		prepared = append(prepared, p)
	}

	if batcher, ok := e.store.(storage.DefinitionBatcher); ok {
		if err := batcher.SaveDefinitions(ctx, prepared); err != nil {
			return nil, fmt.Errorf("save definitions: %w", err)
		}
	} else {
		for _, def := range prepared {
			if err := e.store.SaveDefinition(ctx, def); err != nil {
				return nil, fmt.Errorf("save definition %d: %w", def.ID, err)
			}
		}
	}
	for _, def := range prepared {
		e.cacheDefinition(def)
	}
	return prepared, nil
}

func (e *Engine) prepareDefinition(ctx context.Context, def types.WorkflowDefinition) (types.WorkflowDefinition, error) {
	if def.ID == 0 {
		id, err := e.generate.NextID()
		if err != nil {
			return types.WorkflowDefinition{}, fmt.Errorf("generate definition id: %w", err)
		}
		def.ID = id
	} else {
		existing, err := e.store.GetDefinition(ctx, def.ID)
		switch {
		case err == nil:
			if existing.IsActive {
				return types.WorkflowDefinition{}, fmt.Errorf("%w: id=%d", ErrDefinitionImmutable, def.ID)
			}
		case errors.Is(err, storage.ErrNotFound):
		default:
			return types.WorkflowDefinition{}, err
		}
	}

	def = definition.ApplyDefaults(def)
	if def.IsActive {
		return definition.Activate(def)
	}
	return def, nil
}

// GetDefinition returns a definition by id.
func (e *Engine) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	def, err := e.definition(ctx, id)
	if err != nil {
		return types.WorkflowDefinition{}, err
	}
	return def.Clone(), nil
}

// definition reads through the cache. Only active definitions are cached
// since they never change.
func (e *Engine) definition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	e.mu.RLock()
	def, ok := e.definitions[id]
	e.mu.RUnlock()
	if ok {
		return def, nil
	}
	def, err := e.store.GetDefinition(ctx, id)
	if err != nil {
		return types.WorkflowDefinition{}, err
	}
	e.cacheDefinition(def)
	return def, nil
}

func (e *Engine) cacheDefinition(def types.WorkflowDefinition) {
	if !def.IsActive {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.definitions[def.ID] = def.Clone()
}

// SelectDefinition picks the active definition for a document type: a default
// definition whose routing conditions pass, else any active one whose
// conditions pass.
func (e *Engine) SelectDefinition(ctx context.Context, documentType, documentID string) (types.WorkflowDefinition, error) {
	defs, err := e.store.ListDefinitions(ctx, documentType)
	if err != nil {
		return types.WorkflowDefinition{}, err
	}
	subj := rules.Subject{DocumentID: documentID}
	var fallback *types.WorkflowDefinition
	for i := range defs {
		def := defs[i]
		if !def.IsActive {
			continue
		}
		ok, err := e.conds.Evaluate(ctx, def.Conditions, subj)
		if err != nil {
			e.logger.Warn("routing conditions failed",
				zap.Uint64("definition_id", def.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if def.IsDefault {
			return def, nil
		}
		if fallback == nil {
			fallback = &defs[i]
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return types.WorkflowDefinition{}, fmt.Errorf("%w: document_type=%s", ErrNoDefinition, documentType)
}

// CreateRequest asks for a new Pending instance.
type CreateRequest struct {
	DocumentID   string `json:"document_id"`
	DefinitionID uint64 `json:"definition_id"`
	DocumentType string `json:"document_type,omitempty"`
	RequestedBy  string `json:"requested_by,omitempty"`
}

// CreateInstance creates a Pending instance of an active definition. With no
// definition id the definition is selected from the document type.
func (e *Engine) CreateInstance(ctx context.Context, req CreateRequest) (*InstanceState, error) {
	if req.DocumentID == "" {
		return nil, errors.New("document id is required")
	}
	var (
		def types.WorkflowDefinition
		err error
	)
	if req.DefinitionID == 0 {
		def, err = e.SelectDefinition(ctx, req.DocumentType, req.DocumentID)
	} else {
		def, err = e.definition(ctx, req.DefinitionID)
	}
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		return nil, fmt.Errorf("%w: id=%d", ErrDefinitionInactive, def.ID)
	}

	id, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("generate instance id: %w", err)
	}
	now := e.clock().UnixMilli()
	inst := types.WorkflowInstance{
		ID:           id,
		DocumentID:   req.DocumentID,
		DefinitionID: def.ID,
		Status:       types.StatusPending,
		StartedBy:    req.RequestedBy,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	e.logger.Info("instance created",
		zap.Uint64("instance_id", id),
		zap.Uint64("definition_id", def.ID),
		zap.String("document_id", req.DocumentID))
	state := e.stateOf(def, inst)
	return &state, nil
}

// StartWorkflow creates an instance and starts it.
func (e *Engine) StartWorkflow(ctx context.Context, req CreateRequest) (*InstanceState, error) {
	created, err := e.CreateInstance(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.Start(ctx, created.Instance.ID, req.RequestedBy)
}

// DocumentCreated starts the workflow of a freshly created document when the
// selected definition auto-starts. It returns nil when nothing was started.
func (e *Engine) DocumentCreated(ctx context.Context, documentID, documentType, actor string) (*InstanceState, error) {
	def, err := e.SelectDefinition(ctx, documentType, documentID)
	if err != nil {
		if errors.Is(err, ErrNoDefinition) {
			return nil, nil
		}
		return nil, err
	}
	if !def.AutoStartOnCreation {
		return nil, nil
	}
	return e.StartWorkflow(ctx, CreateRequest{
		DocumentID:   documentID,
		DefinitionID: def.ID,
		DocumentType: documentType,
		RequestedBy:  actor,
	})
}

// Start moves a Pending instance onto its first real step(s).
func (e *Engine) Start(ctx context.Context, instanceID uint64, actor string) (*InstanceState, error) {
	return e.mutate(ctx, instanceID, func(tx *txn) error {
		if tx.inst.Status != types.StatusPending {
			return &StateError{InstanceID: instanceID, Status: tx.inst.Status, Op: "start"}
		}
		start, ok := tx.def.StartStep()
		if !ok {
			return fmt.Errorf("%w: definition %d has no start step", ErrNoTransition, tx.def.ID)
		}
		if actor != "" {
			tx.inst.StartedBy = actor
		}
		tx.inst.Status = types.StatusInProgress
		tx.inst.StartedOn = tx.nowMs()
		tx.inst.LastActionOn = tx.inst.StartedOn

		targets, err := tx.routes(start, nil, rules.Subject{DocumentID: tx.inst.DocumentID, Actor: actor})
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			return fmt.Errorf("%w: start step %d", ErrNoTransition, start.Order)
		}
		entry, err := tx.record(audit.Record{
			StepOrder: start.Order,
			StepName:  start.Name,
			Action:    "Start",
			Actor:     tx.inst.StartedBy,
		})
		if err != nil {
			return err
		}
		tx.notify(events.WorkflowStarted, 0, tx.inst.StartedOn, []string{tx.inst.StartedBy}, nil)
		if err := tx.enter(targets, 0); err != nil {
			return err
		}
		tx.entries[entry].ToSteps = tx.liveOrders()
		tx.e.metrics.instancesStarted.Inc()
		return nil
	})
}

// GetInstanceState returns a snapshot of an instance.
func (e *Engine) GetInstanceState(ctx context.Context, instanceID uint64) (*InstanceState, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.definition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	state := e.stateOf(def, inst)
	return &state, nil
}

// GetHistory returns the audit trail of an instance ordered by seq.
func (e *Engine) GetHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEntry, error) {
	return e.audit.History(ctx, instanceID)
}

// ListActiveInstances lists instances that may still change.
func (e *Engine) ListActiveInstances(ctx context.Context) ([]types.WorkflowInstance, error) {
	return e.store.ListActiveInstances(ctx)
}

// Stop rejects new mutations and waits for in-flight ones or ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	e.stopped = true
	e.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) begin() error {
	e.runMu.RLock()
	defer e.runMu.RUnlock()
	if e.stopped {
		return ErrEngineStopped
	}
	e.inflight.Add(1)
	return nil
}

// mutate runs fn against a working copy of the instance under the instance
// lock, then commits the copy and its history in one repository call.
func (e *Engine) mutate(ctx context.Context, instanceID uint64, fn func(tx *txn) error) (*InstanceState, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}
	defer e.inflight.Done()

	release, err := e.locks.Lock(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	defer release()

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.definition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, err
	}

	tx := newTxn(ctx, e, def, inst)
	if err := fn(tx); err != nil {
		return nil, err
	}
	if err := e.commit(tx); err != nil {
		return nil, err
	}
	e.deliver(ctx, tx)

	state := e.stateOf(def, tx.inst)
	return &state, nil
}

func (e *Engine) commit(tx *txn) error {
	if !tx.dirty() {
		return nil
	}
	tx.inst.Refresh()
	tx.inst.Version++
	tx.inst.UpdatedAt = tx.nowMs()
	if err := e.store.CommitInstance(tx.ctx, tx.inst, tx.entries); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			e.metrics.commitConflicts.Inc()
			return &ActionError{InstanceID: tx.inst.ID, Kind: ErrStaleStep, Cause: err}
		}
		return fmt.Errorf("commit instance %d: %w", tx.inst.ID, err)
	}
	if !tx.before.Terminal() && tx.inst.Status.Terminal() {
		e.metrics.instancesFinished.WithLabelValues(string(tx.inst.Status)).Inc()
		e.logger.Info("instance finished",
			zap.Uint64("instance_id", tx.inst.ID),
			zap.String("status", string(tx.inst.Status)))
	}
	return nil
}

// deliver sends the notifications of a committed transaction. A keyed
// notification is recorded in the fired set only once it was accepted.
func (e *Engine) deliver(ctx context.Context, tx *txn) {
	for _, out := range tx.outbox {
		if out.silent {
			if _, err := e.store.MarkFired(ctx, out.key); err != nil {
				e.logger.Warn("mark fired failed", zap.String("key", out.key), zap.Error(err))
			}
			continue
		}
		nctx, cancel := context.WithTimeout(ctx, e.notifyTimeout)
		err := e.notifier.Notify(nctx, out.note)
		cancel()
		if err != nil {
			e.metrics.notificationErrors.Inc()
			e.logger.Warn("notification failed",
				zap.String("kind", out.note.Kind),
				zap.Uint64("instance_id", out.note.InstanceID),
				zap.Int("step", out.note.StepOrder),
				zap.Error(err))
			continue
		}
		if out.key == "" {
			continue
		}
		if _, err := e.store.MarkFired(ctx, out.key); err != nil {
			e.logger.Warn("mark fired failed", zap.String("key", out.key), zap.Error(err))
		}
	}
}
