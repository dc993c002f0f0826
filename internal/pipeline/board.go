// Package pipeline keeps a local view of the deal board and moves deals
// between stages optimistically, reverting when the store rejects a move.
package pipeline

import (
	"sort"
	"sync"

	"github.com/odyssey-erp/opsdash/internal/deals"
)

type record struct {
	view      deals.Deal
	confirmed deals.Deal
	seq       uint64
	pending   int
	// owned is set while the latest-issued move is still in flight; only
	// then may the view differ from the confirmed state.
	owned bool
}

// Board is the local view of deals. Each record tracks the last state the
// store confirmed and the sequence number of the latest move issued for it.
type Board struct {
	mu      sync.Mutex
	records map[int64]*record
}

// NewBoard builds an empty board.
func NewBoard() *Board {
	return &Board{records: make(map[int64]*record)}
}

// Load replaces the confirmed state of every listed deal. Records with moves
// in flight keep their optimistic view until those moves settle.
func (b *Board) Load(list []deals.Deal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range list {
		rec, ok := b.records[d.ID]
		if !ok {
			b.records[d.ID] = &record{view: d.Clone(), confirmed: d.Clone()}
			continue
		}
		if d.Version >= rec.confirmed.Version {
			rec.confirmed = d.Clone()
		}
		if rec.pending == 0 {
			rec.view = rec.confirmed.Clone()
		}
	}
}

// Get returns the local view of one deal.
func (b *Board) Get(id int64) (deals.Deal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return deals.Deal{}, false
	}
	return rec.view.Clone(), true
}

// Column is one stage of the board.
type Column struct {
	Stage deals.Stage
	Deals []deals.Deal
}

// Columns groups the local view by stage in board order.
func (b *Board) Columns() []Column {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]int64, 0, len(b.records))
	for id := range b.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	observed := make([]deals.Stage, 0, len(ids))
	byStage := make(map[deals.Stage][]deals.Deal)
	for _, id := range ids {
		d := b.records[id].view
		observed = append(observed, d.Stage)
		byStage[d.Stage] = append(byStage[d.Stage], d.Clone())
	}
	stages := deals.OrderStages(observed)
	out := make([]Column, len(stages))
	for i, s := range stages {
		out[i] = Column{Stage: s, Deals: byStage[s]}
	}
	return out
}

// begin applies stage to the local view and issues the move's sequence
// number.
func (b *Board) begin(id int64, stage deals.Stage) (deals.Deal, uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return deals.Deal{}, 0, false
	}
	before := rec.view.Clone()
	rec.seq++
	rec.pending++
	rec.owned = true
	rec.view.Stage = stage
	return before, rec.seq, true
}

// settle records the store's answer. It reports whether seq was the latest
// move issued for the deal.
func (b *Board) settle(id int64, seq uint64, stored deals.Deal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return false
	}
	if stored.Version >= rec.confirmed.Version {
		rec.confirmed = stored.Clone()
	}
	return rec.finish(seq)
}

// revert drops seq's optimistic stage. It reports whether seq was the latest
// move issued for the deal.
func (b *Board) revert(id int64, seq uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return false
	}
	return rec.finish(seq)
}

// finish closes seq. The view falls back to the confirmed state unless the
// latest-issued move is still in flight.
func (rec *record) finish(seq uint64) bool {
	rec.pending--
	latest := seq == rec.seq
	if latest {
		rec.owned = false
	}
	if !rec.owned || rec.pending == 0 {
		rec.owned = false
		rec.view = rec.confirmed.Clone()
	}
	return latest
}
