// Package audit builds and reads the append-only history of workflow instances.
package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/docflow/types"
)

// SystemActor is recorded for transitions no user performed.
const SystemActor = "system"

// HistoryReader is the read side of the history store.
type HistoryReader interface {
	ListHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEntry, error)
}

// Record describes one audited event before it becomes an entry.
type Record struct {
	StepOrder   int
	StepName    string
	Action      string
	Actor       string
	FromSteps   []int
	ToSteps     []int
	Comment     string
	Reason      string
	Description string
}

// Recorder builds history entries and reads them back.
type Recorder struct {
	generate generator.Generator
	reader   HistoryReader
	clock    func() time.Time
}

// NewRecorder creates a recorder. clock may be nil to use time.Now.
func NewRecorder(generate generator.Generator, reader HistoryReader, clock func() time.Time) *Recorder {
	if clock == nil {
		clock = time.Now
	}
	return &Recorder{generate: generate, reader: reader, clock: clock}
}

// Build turns rec into an entry for inst and advances inst.LastSeq. The entry
// is only durable once committed together with the instance.
func (r *Recorder) Build(inst *types.WorkflowInstance, rec Record) (types.HistoryEntry, error) {
	id, err := r.generate.NextID()
	if err != nil {
		return types.HistoryEntry{}, fmt.Errorf("audit: generate id: %w", err)
	}
	actor := rec.Actor
	if actor == "" {
		actor = SystemActor
	}
	inst.LastSeq++
	return types.HistoryEntry{
		ID:          id,
		InstanceID:  inst.ID,
		Seq:         inst.LastSeq,
		StepOrder:   rec.StepOrder,
		StepName:    rec.StepName,
		Action:      rec.Action,
		Actor:       actor,
		FromSteps:   append([]int(nil), rec.FromSteps...),
		ToSteps:     append([]int(nil), rec.ToSteps...),
		Comment:     rec.Comment,
		Reason:      rec.Reason,
		Description: rec.Description,
		Timestamp:   r.clock().UnixMilli(),
	}, nil
}

// History returns a copy of the instance history ordered by seq.
func (r *Recorder) History(ctx context.Context, instanceID uint64) ([]types.HistoryEntry, error) {
	entries, err := r.reader.ListHistory(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	out := make([]types.HistoryEntry, len(entries))
	for i, e := range entries {
		e.FromSteps = append([]int(nil), e.FromSteps...)
		e.ToSteps = append([]int(nil), e.ToSteps...)
		out[i] = e
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
