// Package snapshot holds the rule set the hosting layer passes into access
// checks, and keeps it fresh.
package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/odyssey-erp/opsdash/internal/access"
)

// Loader fetches the authoritative rule list.
type Loader interface {
	ListRules(ctx context.Context) ([]access.PermissionRule, error)
}

// Snapshot is an immutable view of the rules at one point in time.
// Generation increases every time a fresh fetch is applied.
type Snapshot struct {
	Rules      access.RuleSet
	Generation uint64
	LoadedAt   time.Time
}

type state struct {
	snap Snapshot
	seq  uint64
}

// Store keeps the latest applied Snapshot.
//
// Each Refresh takes a sequence number when it is issued. A response is only
// applied when no later-issued refresh has been applied already, so a slow,
// stale fetch can never overwrite fresher rules.
type Store struct {
	loader Loader
	logger *slog.Logger
	now    func() time.Time

	issued atomic.Uint64
	mu     sync.Mutex
	cur    atomic.Pointer[state]
}

// NewStore builds an empty store. Current reports not-loaded until the first
// Refresh succeeds.
func NewStore(loader Loader, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{loader: loader, logger: logger, now: time.Now}
}

// Current returns the latest snapshot and whether one has loaded yet.
func (s *Store) Current() (Snapshot, bool) {
	st := s.cur.Load()
	if st == nil {
		return Snapshot{}, false
	}
	return st.snap, true
}

// Refresh fetches rules and applies them unless superseded. It reports
// whether the fetched rules were applied.
func (s *Store) Refresh(ctx context.Context) (bool, error) {
	seq := s.issued.Add(1)
	rules, err := s.loader.ListRules(ctx)
	if err != nil {
		return false, err
	}
	valid := s.admit(rules)

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cur.Load()
	if prev != nil && prev.seq > seq {
		s.logger.Debug("rule refresh superseded",
			slog.Uint64("seq", seq),
			slog.Uint64("applied_seq", prev.seq))
		return false, nil
	}
	var gen uint64 = 1
	if prev != nil {
		gen = prev.snap.Generation + 1
	}
	s.cur.Store(&state{
		seq: seq,
		snap: Snapshot{
			Rules:      access.NewRuleSet(valid),
			Generation: gen,
			LoadedAt:   s.now(),
		},
	})
	return true, nil
}

// Run refreshes every interval until ctx is done. Failures keep the previous
// snapshot and are logged.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("periodic rule refresh", slog.Any("error", err))
			}
		}
	}
}

// admit drops rules that violate their invariants. A dropped rule leaves its
// feature without configuration, which denies.
func (s *Store) admit(rules []access.PermissionRule) []access.PermissionRule {
	out := make([]access.PermissionRule, 0, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			s.logger.Error("rejecting stored rule",
				slog.Int64("rule_id", r.ID),
				slog.String("feature", r.Feature),
				slog.Any("error", err))
			continue
		}
		out = append(out, r)
	}
	return out
}
