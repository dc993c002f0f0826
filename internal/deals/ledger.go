package deals

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Tracked field names as they appear in change entries.
const (
	FieldTitle     = "title"
	FieldClient    = "client"
	FieldVenue     = "venue"
	FieldOwner     = "owner"
	FieldValue     = "value"
	FieldEventDate = "event_date"
	FieldStage     = "stage"
)

const dateLayout = "2006-01-02"

// AppendChange returns a copy of deal with one new ledger entry authored by
// actor. The author is the entry's only acknowledger. Earlier entries are
// left as they were. An empty diff appends nothing.
func AppendChange(deal Deal, diffs []FieldChange, actor string, now time.Time) Deal {
	if len(diffs) == 0 {
		return deal
	}
	out := deal.Clone()
	out.ChangeLog = append(out.ChangeLog, ChangeEntry{
		ID:             uuid.New(),
		Timestamp:      now.UTC(),
		Author:         actor,
		FieldChanges:   append([]FieldChange(nil), diffs...),
		AcknowledgedBy: []string{actor},
	})
	return out
}

// appendedEntries returns the entries after adds to before. Removing or
// editing an earlier entry fails with ErrLedgerRewrite.
func appendedEntries(before, after []ChangeEntry) ([]ChangeEntry, error) {
	if len(after) < len(before) {
		return nil, fmt.Errorf("%w: %d entries removed", ErrLedgerRewrite, len(before)-len(after))
	}
	for i := range before {
		if !sameEntry(before[i], after[i]) {
			return nil, fmt.Errorf("%w: entry %d (%s) modified", ErrLedgerRewrite, i, before[i].ID)
		}
	}
	return after[len(before):], nil
}

func sameEntry(a, b ChangeEntry) bool {
	return a.ID == b.ID &&
		a.Timestamp.Equal(b.Timestamp) &&
		a.Author == b.Author &&
		slices.Equal(a.FieldChanges, b.FieldChanges) &&
		slices.Equal(a.AcknowledgedBy, b.AcknowledgedBy)
}

// Diff lists the tracked fields that differ between before and after.
func Diff(before, after Deal) []FieldChange {
	var out []FieldChange
	add := func(field, oldValue, newValue string) {
		if oldValue != newValue {
			out = append(out, FieldChange{Field: field, OldValue: oldValue, NewValue: newValue})
		}
	}
	add(FieldTitle, before.Title, after.Title)
	add(FieldClient, before.Client, after.Client)
	add(FieldVenue, before.Venue, after.Venue)
	add(FieldOwner, before.Owner, after.Owner)
	add(FieldValue, strconv.FormatInt(before.Value, 10), strconv.FormatInt(after.Value, 10))
	add(FieldEventDate, formatDate(before.EventDate), formatDate(after.EventDate))
	add(FieldStage, string(before.Stage), string(after.Stage))
	return out
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(dateLayout)
}
