package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/access/snapshot"
	"github.com/odyssey-erp/opsdash/internal/platform/httpx"
	"github.com/odyssey-erp/opsdash/internal/shared"
)

// ============================================================================
// MOCK DEPENDENCIES
// ============================================================================

type mockRepository struct {
	mu      sync.Mutex
	rules   map[int64]access.PermissionRule
	nextID  int64
	listErr error
	writes  int
}

func newMockRepository(seed ...access.PermissionRule) *mockRepository {
	m := &mockRepository{rules: make(map[int64]access.PermissionRule), nextID: 1}
	for _, r := range seed {
		r.ID = m.nextID
		r.Version = 1
		m.rules[r.ID] = r
		m.nextID++
	}
	return m
}

func (m *mockRepository) ListRules(ctx context.Context) ([]access.PermissionRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]access.PermissionRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *mockRepository) GetRule(ctx context.Context, id int64) (access.PermissionRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return access.PermissionRule{}, ErrRuleNotFound
	}
	return r.Clone(), nil
}

func (m *mockRepository) CreateRule(ctx context.Context, rule access.PermissionRule) (access.PermissionRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.Feature == rule.Feature {
			return access.PermissionRule{}, ErrDuplicateFeature
		}
	}
	rule.ID = m.nextID
	rule.Version = 1
	rule.UpdatedAt = time.Now()
	m.rules[rule.ID] = rule.Clone()
	m.nextID++
	m.writes++
	return rule, nil
}

func (m *mockRepository) UpdateRule(ctx context.Context, rule access.PermissionRule, expectedVersion int64) (access.PermissionRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rules[rule.ID]
	if !ok {
		return access.PermissionRule{}, ErrRuleNotFound
	}
	if expectedVersion != 0 && cur.Version != expectedVersion {
		return access.PermissionRule{}, ErrStaleRule
	}
	cur.Module = rule.Module
	cur.Available = rule.Available.Clone()
	cur.Grants = rule.Clone().Grants
	cur.Version++
	m.rules[rule.ID] = cur
	m.writes++
	return cur.Clone(), nil
}

func (m *mockRepository) DeleteRule(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return ErrRuleNotFound
	}
	delete(m.rules, id)
	m.writes++
	return nil
}

func (m *mockRepository) byFeature(feature string) (access.PermissionRule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if strings.EqualFold(r.Feature, feature) {
			return r.Clone(), true
		}
	}
	return access.PermissionRule{}, false
}

type recordingAuditor struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAuditor) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

type countingBumper struct {
	mu    sync.Mutex
	count int
}

func (b *countingBumper) Bump(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count++
	return nil
}

func set(actions ...access.Action) access.ActionSet { return access.NewActionSet(actions...) }

func permissionsRule() access.PermissionRule {
	return access.PermissionRule{
		Feature:   access.FeaturePermissions,
		Module:    access.ModuleAdmin,
		Available: set(access.ActionRead, access.ActionWrite, access.ActionDelete),
		Grants: map[access.RuleKey]access.ActionSet{
			"manager":   set(access.ActionRead, access.ActionWrite),
			"assistant": set(access.ActionRead),
		},
	}
}

func leadsRule() access.PermissionRule {
	return access.PermissionRule{
		Feature:   access.FeatureLeads,
		Module:    access.ModuleSales,
		Available: set(access.ActionRead, access.ActionWrite, access.ActionDelete),
		Grants: map[access.RuleKey]access.ActionSet{
			"manager":   set(access.ActionRead, access.ActionWrite, access.ActionDelete),
			"salesrep":  set(access.ActionRead, access.ActionWrite),
			"assistant": set(access.ActionRead),
		},
	}
}

var (
	admin     = access.Principal{ID: "u-admin", Role: access.Admin}
	manager   = access.Principal{ID: "u-manager", Role: access.Manager}
	assistant = access.Principal{ID: "u-assistant", Role: access.Assistant}
	salesRep  = access.Principal{ID: "u-rep", Role: access.SalesRep}
)

type fixture struct {
	repo    *mockRepository
	audit   *recordingAuditor
	bumps   *countingBumper
	service *Service
}

func newFixture(seed ...access.PermissionRule) fixture {
	f := fixture{
		repo:  newMockRepository(seed...),
		audit: &recordingAuditor{},
		bumps: &countingBumper{},
	}
	f.service = NewService(f.repo, access.NewEvaluator(nil, nil), nil)
	f.service.SetAuditor(f.audit)
	f.service.SetNotifier(f.bumps)
	return f
}

func leadsRequest() CreateRuleRequest {
	return CreateRuleRequest{
		Feature:          "Vendors",
		Module:           access.ModuleSupply,
		AvailableActions: []string{"Read", "Write"},
		Grants:           map[string][]string{"Sales Rep": {"read"}},
	}
}

// ============================================================================
// TESTS
// ============================================================================

func TestCreateRequiresWriteOnPermissions(t *testing.T) {
	f := newFixture(permissionsRule())

	_, err := f.service.Create(context.Background(), assistant, leadsRequest())
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.ErrorIs(t, err, httpx.ErrForbidden)
	assert.Zero(t, f.repo.writes)
	assert.Empty(t, f.audit.logs)
	assert.Zero(t, f.bumps.count)

	created, err := f.service.Create(context.Background(), manager, leadsRequest())
	require.NoError(t, err)
	assert.Equal(t, "Vendors", created.Feature)
	assert.True(t, created.Granted("salesrep").Has(access.ActionRead))
	require.Len(t, f.audit.logs, 1)
	assert.Equal(t, "rule.create", f.audit.logs[0].Action)
	assert.Equal(t, manager.ID, f.audit.logs[0].ActorID)
	assert.Equal(t, 1, f.bumps.count)
}

func TestAdminManagesRulesWithoutPermissionsRule(t *testing.T) {
	f := newFixture()

	_, err := f.service.Create(context.Background(), manager, leadsRequest())
	require.ErrorIs(t, err, ErrPermissionDenied)

	_, err = f.service.Create(context.Background(), admin, leadsRequest())
	require.NoError(t, err)
}

func TestExpiredPrincipalIsDenied(t *testing.T) {
	f := newFixture(permissionsRule())
	expired := manager
	expired.ExpiresAt = time.Now().Add(-time.Minute)

	_, err := f.service.List(context.Background(), expired)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestCreateValidationHappensBeforePersistence(t *testing.T) {
	f := newFixture(permissionsRule())
	cases := map[string]CreateRuleRequest{
		"grant outside available": {
			Feature: "Vendors", Module: "Supply",
			AvailableActions: []string{"Read"},
			Grants:           map[string][]string{"manager": {"Read", "Delete"}},
		},
		"no available actions": {Feature: "Vendors", Module: "Supply"},
		"missing feature":      {Module: "Supply", AvailableActions: []string{"Read"}},
		"unknown action": {
			Feature: "Vendors", Module: "Supply",
			AvailableActions: []string{"Read", "Launch"},
		},
		"unknown role": {
			Feature: "Vendors", Module: "Supply",
			AvailableActions: []string{"Read"},
			Grants:           map[string][]string{"": {"Read"}},
		},
	}
	for name, req := range cases {
		_, err := f.service.Create(context.Background(), manager, req)
		assert.ErrorIs(t, err, httpx.ErrValidation, name)
	}
	assert.Zero(t, f.repo.writes)
}

func TestCreateDuplicateFeature(t *testing.T) {
	f := newFixture(permissionsRule(), leadsRule())
	req := leadsRequest()
	req.Feature = "leads"

	_, err := f.service.Create(context.Background(), manager, req)
	assert.ErrorIs(t, err, ErrDuplicateFeature)
	assert.ErrorIs(t, err, httpx.ErrDuplicate)
}

func TestCreateRejectsCaseVariantBeforeWrite(t *testing.T) {
	f := newFixture(permissionsRule(), leadsRule())
	req := leadsRequest()
	req.Feature = "  LEADS "

	_, err := f.service.Create(context.Background(), manager, req)
	assert.ErrorIs(t, err, ErrDuplicateFeature)
	assert.Zero(t, f.repo.writes)
	assert.Len(t, f.repo.rules, 2)
	assert.Zero(t, f.bumps.count)
}

func TestBulkSaveRejectsFeatureHeldByAnotherRule(t *testing.T) {
	f := newFixture(permissionsRule(), leadsRule())
	leads, _ := f.repo.byFeature(access.FeatureLeads)
	perms, _ := f.repo.byFeature(access.FeaturePermissions)

	items := []BulkItem{
		{CreateRuleRequest: CreateRuleRequest{Feature: "LEADS", Module: "Sales", AvailableActions: []string{"Read"}}},
		{ID: perms.ID, CreateRuleRequest: CreateRuleRequest{Feature: "leads", Module: "Sales", AvailableActions: []string{"Read"}}},
		{ID: leads.ID, CreateRuleRequest: CreateRuleRequest{Feature: "leads", Module: "Sales", AvailableActions: []string{"Read", "Export"}}},
	}
	result, err := f.service.BulkSave(context.Background(), manager, items)
	require.NoError(t, err)
	require.Len(t, result.Failed, 2)
	assert.Equal(t, 0, result.Failed[0].Index)
	assert.Equal(t, 1, result.Failed[1].Index)
	assert.Contains(t, result.Failed[0].Error, fmt.Sprintf("rule %d", leads.ID))
	require.Len(t, result.Saved, 1)
	assert.Equal(t, leads.ID, result.Saved[0].ID)
	assert.Len(t, f.repo.rules, 2)
}

func TestSeedMatchesStoredFeatureKey(t *testing.T) {
	f := newFixture(permissionsRule(), leadsRule())

	result, err := f.service.Seed(context.Background(), admin, []CreateRuleRequest{
		{Feature: " LEADS  ", Module: "Sales", AvailableActions: []string{"Read"}},
	})
	require.NoError(t, err)
	assert.True(t, result.Complete())
	assert.Len(t, f.repo.rules, 2)
	stored, _ := f.repo.byFeature(access.FeatureLeads)
	assert.Equal(t, int64(2), stored.Version)
}

func TestUpdateGrantsReplacesNamedRolesOnly(t *testing.T) {
	f := newFixture(permissionsRule(), leadsRule())
	leads, _ := f.repo.byFeature(access.FeatureLeads)

	updated, err := f.service.UpdateGrants(context.Background(), manager, leads.ID, UpdateGrantsRequest{
		Grants: map[string][]string{"assistant": {"Read", "Write"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []access.Action{access.ActionRead, access.ActionWrite}, updated.Granted("assistant").Sorted())
	assert.Equal(t, 3, len(updated.Granted("manager")))
	assert.Equal(t, int64(2), updated.Version)

	rules, err := f.service.ListRules(context.Background())
	require.NoError(t, err)
	eval := access.NewEvaluator(nil, nil)
	assert.True(t, eval.Evaluate(assistant, access.FeatureLeads, access.ActionWrite, access.NewRuleSet(rules)))

	_, err = f.service.UpdateGrants(context.Background(), manager, leads.ID, UpdateGrantsRequest{
		Grants: map[string][]string{"assistant": {"Export"}},
	})
	assert.ErrorIs(t, err, httpx.ErrValidation)
}

func TestUpdateGrantsVersionCheck(t *testing.T) {
	f := newFixture(permissionsRule(), leadsRule())
	leads, _ := f.repo.byFeature(access.FeatureLeads)
	v1 := int64(1)

	_, err := f.service.UpdateGrants(context.Background(), manager, leads.ID, UpdateGrantsRequest{
		Grants: map[string][]string{"salesrep": {"Read"}},
	})
	require.NoError(t, err)

	_, err = f.service.UpdateGrants(context.Background(), manager, leads.ID, UpdateGrantsRequest{
		Grants:          map[string][]string{"salesrep": {"Read", "Write", "Delete"}},
		ExpectedVersion: &v1,
	})
	require.ErrorIs(t, err, ErrStaleRule)
	assert.ErrorIs(t, err, httpx.ErrConflict)

	stored, _ := f.repo.byFeature(access.FeatureLeads)
	assert.Equal(t, []access.Action{access.ActionRead}, stored.Granted("salesrep").Sorted())
}

func TestUpdateGrantsLastWriteWins(t *testing.T) {
	f := newFixture(permissionsRule(), leadsRule())
	leads, _ := f.repo.byFeature(access.FeatureLeads)

	for _, actions := range [][]string{{"Read"}, {"Read", "Delete"}} {
		_, err := f.service.UpdateGrants(context.Background(), manager, leads.ID, UpdateGrantsRequest{
			Grants: map[string][]string{"salesrep": actions},
		})
		require.NoError(t, err)
	}
	stored, _ := f.repo.byFeature(access.FeatureLeads)
	assert.Equal(t, []access.Action{access.ActionRead, access.ActionDelete}, stored.Granted("salesrep").Sorted())
}

func TestDeleteRevokesAccessForAllButAdmin(t *testing.T) {
	f := newFixture(permissionsRule(), leadsRule())
	leads, _ := f.repo.byFeature(access.FeatureLeads)

	require.ErrorIs(t, f.service.Delete(context.Background(), manager, leads.ID), ErrPermissionDenied)
	require.NoError(t, f.service.Delete(context.Background(), admin, leads.ID))

	rules, err := f.service.ListRules(context.Background())
	require.NoError(t, err)
	set := access.NewRuleSet(rules)
	eval := access.NewEvaluator(nil, nil)
	assert.False(t, eval.Evaluate(salesRep, access.FeatureLeads, access.ActionRead, set))
	assert.False(t, eval.Evaluate(manager, access.FeatureLeads, access.ActionRead, set))
	assert.True(t, eval.Evaluate(admin, access.FeatureLeads, access.ActionRead, set))

	assert.ErrorIs(t, f.service.Delete(context.Background(), admin, leads.ID), httpx.ErrNotFound)
	assert.Equal(t, "rule.delete", f.audit.logs[len(f.audit.logs)-1].Action)
}

func TestDeleteRefreshesLocalSnapshot(t *testing.T) {
	f := newFixture(permissionsRule(), leadsRule())
	store := snapshot.NewStore(f.repo, nil)
	_, err := store.Refresh(context.Background())
	require.NoError(t, err)
	f.service.SetNotifier(snapshot.NewNotifier(nil, "", snapshot.WithLocalStore(store)))

	leads, _ := f.repo.byFeature(access.FeatureLeads)
	require.NoError(t, f.service.Delete(context.Background(), admin, leads.ID))

	snap, loaded := store.Current()
	require.True(t, loaded)
	_, ok := snap.Rules.Lookup(access.FeatureLeads)
	assert.False(t, ok)
	assert.False(t, access.NewEvaluator(nil, nil).Evaluate(salesRep, access.FeatureLeads, access.ActionRead, snap.Rules))
}

func TestBulkSaveReportsPartialFailure(t *testing.T) {
	f := newFixture(permissionsRule(), leadsRule())
	leads, _ := f.repo.byFeature(access.FeatureLeads)

	items := []BulkItem{
		{CreateRuleRequest: leadsRequest()},
		{CreateRuleRequest: CreateRuleRequest{
			Feature: "Orders", Module: "Sales",
			AvailableActions: []string{"Read"},
			Grants:           map[string][]string{"manager": {"Approve"}},
		}},
		{ID: leads.ID, CreateRuleRequest: CreateRuleRequest{
			Feature: access.FeatureLeads, Module: access.ModuleSales,
			AvailableActions: []string{"Read", "Export"},
			Grants:           map[string][]string{"manager": {"Read", "Export"}},
		}},
		{CreateRuleRequest: CreateRuleRequest{
			Feature: "LEADS", Module: "Sales",
			AvailableActions: []string{"Read"},
		}},
	}
	result, err := f.service.BulkSave(context.Background(), manager, items)
	require.NoError(t, err)
	assert.False(t, result.Complete())
	require.Len(t, result.Saved, 2)
	require.Len(t, result.Failed, 2)
	assert.Equal(t, 1, result.Failed[0].Index)
	assert.Equal(t, 3, result.Failed[1].Index)
	assert.Contains(t, result.Failed[1].Error, "repeats item 2")

	stored, _ := f.repo.byFeature(access.FeatureLeads)
	assert.True(t, stored.Available.Has(access.ActionExport))
	_, ok := f.repo.byFeature("Orders")
	assert.False(t, ok)
	assert.Equal(t, 1, f.bumps.count)
	assert.Len(t, f.audit.logs, 2)
}

func TestBulkSaveRequiresWrite(t *testing.T) {
	f := newFixture(permissionsRule())
	_, err := f.service.BulkSave(context.Background(), assistant, []BulkItem{{CreateRuleRequest: leadsRequest()}})
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestAuthorityCheckFailsWhenRulesCannotLoad(t *testing.T) {
	f := newFixture(permissionsRule())
	f.repo.listErr = errors.New("connection reset")

	_, err := f.service.List(context.Background(), admin)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrPermissionDenied)
}

func TestSeedCreatesAndReplaces(t *testing.T) {
	f := newFixture(permissionsRule(), leadsRule())

	result, err := f.service.Seed(context.Background(), admin, []CreateRuleRequest{
		{Feature: "leads", Module: "Sales", AvailableActions: []string{"Read"}, Grants: map[string][]string{"viewer": {"Read"}}},
		{Feature: "Reports", Module: "Insights", AvailableActions: []string{"Read", "Export"}},
	})
	require.NoError(t, err)
	assert.True(t, result.Complete())

	stored, _ := f.repo.byFeature(access.FeatureLeads)
	assert.Equal(t, int64(2), stored.Version)
	assert.True(t, stored.Granted("viewer").Has(access.ActionRead))
	_, ok := f.repo.byFeature("Reports")
	assert.True(t, ok)
}
