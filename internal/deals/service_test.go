package deals

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/access/gate"
	"github.com/odyssey-erp/opsdash/internal/access/snapshot"
	"github.com/odyssey-erp/opsdash/internal/platform/httpx"
)

// ============================================================================
// MOCK DEPENDENCIES
// ============================================================================

type mockRepository struct {
	mu       sync.Mutex
	deals    map[int64]Deal
	applyErr error
}

func newMockRepository(deals ...Deal) *mockRepository {
	m := &mockRepository{deals: make(map[int64]Deal)}
	for _, d := range deals {
		m.deals[d.ID] = d.Clone()
	}
	return m
}

func (m *mockRepository) Get(ctx context.Context, id int64) (Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deals[id]
	if !ok {
		return Deal{}, ErrDealNotFound
	}
	return d.Clone(), nil
}

func (m *mockRepository) List(ctx context.Context, filter ListFilter) ([]Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Deal{}
	for _, d := range m.deals {
		if filter.Stage != "" && d.Stage != filter.Stage {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Apply holds the lock across fn, mirroring the row lock of the real store.
func (m *mockRepository) Apply(ctx context.Context, id int64, fn Mutation) (Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return Deal{}, m.applyErr
	}
	cur, ok := m.deals[id]
	if !ok {
		return Deal{}, ErrDealNotFound
	}
	next, err := fn(cur.Clone())
	if err != nil {
		return Deal{}, err
	}
	added, err := appendedEntries(cur.ChangeLog, next.ChangeLog)
	if err != nil {
		return Deal{}, err
	}
	if len(added) == 0 {
		return cur.Clone(), nil
	}
	next.Version = cur.Version + 1
	m.deals[id] = next.Clone()
	return next, nil
}

func (m *mockRepository) Acknowledge(ctx context.Context, id int64, principalID string) (Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.deals[id]
	if !ok {
		return Deal{}, ErrDealNotFound
	}
	next := Acknowledge(cur, principalID)
	m.deals[id] = next
	return next.Clone(), nil
}

type staticSource struct {
	snap   snapshot.Snapshot
	loaded bool
}

func (s *staticSource) Current() (snapshot.Snapshot, bool) { return s.snap, s.loaded }

func pipelineRules() *staticSource {
	rule := access.PermissionRule{
		Feature:   access.FeaturePipeline,
		Module:    access.ModuleSales,
		Available: access.NewActionSet(access.ActionRead, access.ActionWrite),
		Grants: map[access.RuleKey]access.ActionSet{
			"salesrep": access.NewActionSet(access.ActionRead, access.ActionWrite),
			"viewer":   access.NewActionSet(access.ActionRead),
		},
	}
	return &staticSource{snap: snapshot.Snapshot{Rules: access.NewRuleSet([]access.PermissionRule{rule}), Generation: 1}, loaded: true}
}

var (
	repA   = access.Principal{ID: "A", Role: access.SalesRep}
	viewB  = access.Principal{ID: "B", Role: access.Viewer}
	acctC  = access.Principal{ID: "C", Role: access.Accountant}
	rootID = access.Principal{ID: "root", Role: access.Admin}
)

func newTestService(src *staticSource, deals ...Deal) (*Service, *mockRepository) {
	repo := newMockRepository(deals...)
	g := gate.New(access.NewEvaluator(nil, nil), src)
	svc := NewService(repo, g, nil)
	svc.now = func() time.Time { return t0 }
	return svc, repo
}

// ============================================================================
// TESTS
// ============================================================================

func TestUpdateRecordsOneEntryAndSurfacesUnseen(t *testing.T) {
	svc, _ := newTestService(pipelineRules(), liveDeal())
	ctx := context.Background()
	venue := "Town Hall"

	d, err := svc.Update(ctx, repA, 7, UpdateDealRequest{Venue: &venue})
	require.NoError(t, err)
	require.Len(t, d.ChangeLog, 1)
	assert.Equal(t, []string{"A"}, d.ChangeLog[0].AcknowledgedBy)
	assert.Equal(t, int64(2), d.Version)

	unseen, err := svc.Unseen(ctx, repA, 7)
	require.NoError(t, err)
	assert.False(t, unseen)

	unseen, err = svc.Unseen(ctx, viewB, 7)
	require.NoError(t, err)
	assert.True(t, unseen)

	_, err = svc.Acknowledge(ctx, viewB, 7)
	require.NoError(t, err)
	unseen, err = svc.Unseen(ctx, viewB, 7)
	require.NoError(t, err)
	assert.False(t, unseen)
}

func TestUpdateWithoutChangesAddsNoEntry(t *testing.T) {
	svc, _ := newTestService(pipelineRules(), liveDeal())
	venue := "Pier 4"

	d, err := svc.Update(context.Background(), repA, 7, UpdateDealRequest{Venue: &venue})
	require.NoError(t, err)
	assert.Empty(t, d.ChangeLog)
	assert.Equal(t, int64(1), d.Version)
}

func TestUpdateRejectsStaleVersionAndBadInput(t *testing.T) {
	svc, repo := newTestService(pipelineRules(), liveDeal())
	ctx := context.Background()
	stale := int64(5)
	title := "New"

	_, err := svc.Update(ctx, repA, 7, UpdateDealRequest{Title: &title, ExpectedVersion: &stale})
	assert.ErrorIs(t, err, httpx.ErrConflict)

	blank := "   "
	_, err = svc.Update(ctx, repA, 7, UpdateDealRequest{Title: &blank})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	badDate := "31/12/2026"
	_, err = svc.Update(ctx, repA, 7, UpdateDealRequest{EventDate: &badDate})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	negative := int64(-1)
	_, err = svc.Update(ctx, repA, 7, UpdateDealRequest{Value: &negative})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	d, _ := repo.Get(ctx, 7)
	assert.Empty(t, d.ChangeLog)
}

func TestPatchStageProducesExactlyOneStageEntry(t *testing.T) {
	svc, _ := newTestService(pipelineRules(), liveDeal())

	d, err := svc.PatchStage(context.Background(), repA, 7, "completed")
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, d.Stage)
	require.Len(t, d.ChangeLog, 1)
	assert.Equal(t, []FieldChange{{Field: FieldStage, OldValue: "Live", NewValue: "Completed"}}, d.ChangeLog[0].FieldChanges)

	d, err = svc.PatchStage(context.Background(), repA, 7, StageCompleted)
	require.NoError(t, err)
	assert.Len(t, d.ChangeLog, 1, "same-stage move records nothing")
}

func TestAccessChecksOnPipeline(t *testing.T) {
	src := pipelineRules()
	svc, _ := newTestService(src, liveDeal())
	ctx := context.Background()

	_, err := svc.PatchStage(ctx, viewB, 7, StageCompleted)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = svc.Get(ctx, acctC, 7)
	assert.ErrorIs(t, err, httpx.ErrForbidden)

	_, err = svc.PatchStage(ctx, rootID, 7, StageCompleted)
	assert.NoError(t, err)

	src.loaded = false
	_, err = svc.Get(ctx, repA, 7)
	assert.ErrorIs(t, err, httpx.ErrUnavailable)
}

func TestConcurrentAcknowledgmentsCommute(t *testing.T) {
	d := liveDeal()
	d = AppendChange(d, []FieldChange{{Field: FieldVenue, OldValue: "a", NewValue: "b"}}, "A", t0)
	svc, repo := newTestService(pipelineRules(), d)
	viewers := []access.Principal{
		{ID: "v1", Role: access.Viewer},
		{ID: "v2", Role: access.Viewer},
		{ID: "v3", Role: access.Viewer},
	}

	var wg sync.WaitGroup
	for _, v := range viewers {
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(p access.Principal) {
				defer wg.Done()
				_, _ = svc.Acknowledge(context.Background(), p, 7)
			}(v)
		}
	}
	wg.Wait()

	stored, _ := repo.Get(context.Background(), 7)
	assert.ElementsMatch(t, []string{"A", "v1", "v2", "v3"}, stored.ChangeLog[0].AcknowledgedBy)
}

func TestMissingDealIsNotFound(t *testing.T) {
	svc, _ := newTestService(pipelineRules())
	_, err := svc.PatchStage(context.Background(), repA, 99, StageLive)
	assert.True(t, errors.Is(err, httpx.ErrNotFound))
}
