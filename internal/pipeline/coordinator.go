package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/deals"
	"github.com/odyssey-erp/opsdash/internal/platform/httpx"
)

// ErrUnknownRecord is returned for moves of deals missing from the board.
var ErrUnknownRecord = fmt.Errorf("pipeline: deal not on board: %w", httpx.ErrNotFound)

// RecordStore is the authoritative deal store. Its PatchStage appends the
// stage ledger entry as part of the write. deals.Service and Client satisfy
// it.
type RecordStore interface {
	List(ctx context.Context, p access.Principal, filter deals.ListFilter) ([]deals.Deal, error)
	PatchStage(ctx context.Context, p access.Principal, id int64, stage deals.Stage) (deals.Deal, error)
}

// Status tells whether a move stuck.
type Status int

const (
	// StatusApplied means the store accepted the move.
	StatusApplied Status = iota
	// StatusReverted means the move failed and the local view was restored.
	StatusReverted
)

func (s Status) String() string {
	if s == StatusApplied {
		return "applied"
	}
	return "reverted"
}

// MoveResult is the outcome of MoveStage. Err is set when Status is
// StatusReverted. Superseded reports that a later move for the same deal was
// issued before this one settled, so the local view was left to it.
type MoveResult struct {
	Status     Status
	Deal       deals.Deal
	Err        error
	Superseded bool
}

// MoveObserver receives every move outcome, e.g. for metrics.
type MoveObserver interface {
	ObserveStageMove(status string)
}

// Coordinator moves deals between stages.
type Coordinator struct {
	board    *Board
	store    RecordStore
	logger   *slog.Logger
	observer MoveObserver
}

// NewCoordinator builds a Coordinator over board and store.
func NewCoordinator(board *Board, store RecordStore, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{board: board, store: store, logger: logger}
}

// SetObserver sets the move observer.
func (c *Coordinator) SetObserver(o MoveObserver) { c.observer = o }

// Board returns the local view.
func (c *Coordinator) Board() *Board { return c.board }

// Sync loads the board from the store.
func (c *Coordinator) Sync(ctx context.Context, p access.Principal) error {
	list, err := c.store.List(ctx, p, deals.ListFilter{})
	if err != nil {
		return fmt.Errorf("pipeline: sync board: %w", err)
	}
	c.board.Load(list)
	return nil
}

// MoveStage applies stage to the local view at once, then writes it to the
// store. On failure the local view is restored and the result says so. Any
// stage may follow any other; moving to the current stage changes nothing.
func (c *Coordinator) MoveStage(ctx context.Context, p access.Principal, id int64, stage deals.Stage) MoveResult {
	res := c.move(ctx, p, id, stage)
	if c.observer != nil {
		c.observer.ObserveStageMove(res.Status.String())
	}
	return res
}

func (c *Coordinator) move(ctx context.Context, p access.Principal, id int64, stage deals.Stage) MoveResult {
	target, err := deals.ParseStage(string(stage))
	if err != nil {
		current, _ := c.board.Get(id)
		return MoveResult{Status: StatusReverted, Deal: current, Err: err}
	}
	current, ok := c.board.Get(id)
	if !ok {
		return MoveResult{Status: StatusReverted, Err: ErrUnknownRecord}
	}
	if current.Stage == target {
		return MoveResult{Status: StatusApplied, Deal: current}
	}

	before, seq, ok := c.board.begin(id, target)
	if !ok {
		return MoveResult{Status: StatusReverted, Err: ErrUnknownRecord}
	}
	stored, err := c.store.PatchStage(ctx, p, id, target)
	if err != nil {
		latest := c.board.revert(id, seq)
		c.logger.Warn("stage move reverted",
			slog.Int64("deal_id", id),
			slog.String("from", string(before.Stage)),
			slog.String("to", string(target)),
			slog.Any("error", err))
		view, _ := c.board.Get(id)
		return MoveResult{Status: StatusReverted, Deal: view, Err: moveError(err), Superseded: !latest}
	}
	latest := c.board.settle(id, seq, stored)
	return MoveResult{Status: StatusApplied, Deal: stored, Superseded: !latest}
}

func moveError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("pipeline: move abandoned: %w", err)
	}
	return fmt.Errorf("pipeline: move failed: %w", err)
}
