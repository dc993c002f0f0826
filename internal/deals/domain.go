// Package deals holds pipeline deals, their append-only change ledger and
// per-viewer acknowledgment state.
package deals

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/opsdash/internal/platform/httpx"
)

// Errors returned by the deals service and repository.
var (
	ErrDealNotFound     = fmt.Errorf("deals: deal not found: %w", httpx.ErrNotFound)
	ErrInvalidStage     = fmt.Errorf("deals: invalid stage: %w", httpx.ErrValidation)
	ErrValidation       = fmt.Errorf("deals: %w", httpx.ErrValidation)
	ErrPermissionDenied = fmt.Errorf("deals: permission denied: %w", httpx.ErrForbidden)
	ErrStaleDeal        = fmt.Errorf("deals: deal changed since it was read: %w", httpx.ErrConflict)
	ErrRulesLoading     = fmt.Errorf("deals: permissions loading: %w", httpx.ErrUnavailable)
	ErrLedgerRewrite    = errors.New("deals: ledger entries are append-only")
)

// Stage is a pipeline column. The set is open: stages outside the canonical
// list are valid and ordered after it.
type Stage string

// Canonical stages in board order.
const (
	StageEnquiry   Stage = "Enquiry"
	StageProposal  Stage = "Proposal"
	StageConfirmed Stage = "Confirmed"
	StageLive      Stage = "Live"
	StageCompleted Stage = "Completed"
	StageCancelled Stage = "Cancelled"
)

const maxStageLength = 40

var canonicalStages = []Stage{StageEnquiry, StageProposal, StageConfirmed, StageLive, StageCompleted, StageCancelled}

// CanonicalStages returns the fixed stages in board order.
func CanonicalStages() []Stage {
	out := make([]Stage, len(canonicalStages))
	copy(out, canonicalStages)
	return out
}

// Audited reports whether unacknowledged changes must be surfaced while a
// deal sits in this stage.
func (s Stage) Audited() bool {
	return s == StageConfirmed || s == StageLive
}

// ParseStage trims raw and maps canonical names case-insensitively. Any other
// non-empty name is accepted as an ad hoc stage.
func ParseStage(raw string) (Stage, error) {
	name := strings.Join(strings.Fields(raw), " ")
	if name == "" {
		return "", fmt.Errorf("%w: stage is required", ErrInvalidStage)
	}
	if len(name) > maxStageLength {
		return "", fmt.Errorf("%w: stage longer than %d characters", ErrInvalidStage, maxStageLength)
	}
	for _, s := range canonicalStages {
		if strings.EqualFold(string(s), name) {
			return s, nil
		}
	}
	return Stage(name), nil
}

// OrderStages lists the canonical stages followed by any other stages seen
// in observed, in first-seen order.
func OrderStages(observed []Stage) []Stage {
	out := CanonicalStages()
	seen := make(map[Stage]bool, len(out)+len(observed))
	for _, s := range out {
		seen[s] = true
	}
	for _, s := range observed {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// FieldChange records one field's transition.
type FieldChange struct {
	Field    string `json:"field"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

// ChangeEntry is one ledger entry. AcknowledgedBy is a set of principal IDs.
type ChangeEntry struct {
	ID             uuid.UUID     `json:"id"`
	Timestamp      time.Time     `json:"timestamp"`
	Author         string        `json:"author"`
	FieldChanges   []FieldChange `json:"field_changes"`
	AcknowledgedBy []string      `json:"acknowledged_by"`
}

// AcknowledgedByPrincipal reports set membership.
func (e ChangeEntry) AcknowledgedByPrincipal(id string) bool {
	for _, a := range e.AcknowledgedBy {
		if a == id {
			return true
		}
	}
	return false
}

func (e ChangeEntry) clone() ChangeEntry {
	out := e
	out.FieldChanges = append([]FieldChange(nil), e.FieldChanges...)
	out.AcknowledgedBy = append([]string(nil), e.AcknowledgedBy...)
	return out
}

// Deal is a tracked pipeline record. Value is in minor currency units.
type Deal struct {
	ID        int64         `json:"id"`
	Title     string        `json:"title"`
	Client    string        `json:"client"`
	Venue     string        `json:"venue"`
	Owner     string        `json:"owner"`
	Value     int64         `json:"value"`
	EventDate *time.Time    `json:"event_date,omitempty"`
	Stage     Stage         `json:"stage"`
	ChangeLog []ChangeEntry `json:"change_log"`
	Version   int64         `json:"version"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Clone returns a deep copy.
func (d Deal) Clone() Deal {
	out := d
	if d.EventDate != nil {
		t := *d.EventDate
		out.EventDate = &t
	}
	out.ChangeLog = make([]ChangeEntry, len(d.ChangeLog))
	for i, e := range d.ChangeLog {
		out.ChangeLog[i] = e.clone()
	}
	return out
}

// ListFilter narrows List.
type ListFilter struct {
	Stage Stage
	Limit int
}

// UpdateDealRequest patches tracked fields. Nil fields are left alone; an
// empty EventDate clears the date.
type UpdateDealRequest struct {
	Title           *string `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
	Client          *string `json:"client,omitempty" validate:"omitempty,max=200"`
	Venue           *string `json:"venue,omitempty" validate:"omitempty,max=200"`
	Owner           *string `json:"owner,omitempty" validate:"omitempty,max=120"`
	Value           *int64  `json:"value,omitempty" validate:"omitempty,min=0"`
	EventDate       *string `json:"event_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Stage           *string `json:"stage,omitempty"`
	ExpectedVersion *int64  `json:"expected_version,omitempty" validate:"omitempty,min=1"`
}

// StageRequest moves a deal to another stage.
type StageRequest struct {
	Stage string `json:"stage" validate:"required"`
}
