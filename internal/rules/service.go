package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/shared"
)

// Bumper announces rule changes to other instances.
type Bumper interface {
	Bump(ctx context.Context) error
}

// MutationObserver is told about every attempted mutation, e.g. for metrics.
type MutationObserver interface {
	ObserveRuleMutation(op string, err error)
}

const defaultBulkConcurrency = 4

// Service handles rule administration. Every call checks the caller's
// authority against rules fetched fresh from the repository.
type Service struct {
	repo      Repository
	eval      *access.Evaluator
	logger    *slog.Logger
	validate  *validator.Validate
	audit     shared.AuditRecorder
	notifier  Bumper
	observer  MutationObserver
	bulkLimit int
}

// NewService builds Service instance.
func NewService(repo Repository, eval *access.Evaluator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		eval:      eval,
		logger:    logger,
		validate:  validator.New(),
		bulkLimit: defaultBulkConcurrency,
	}
}

// SetAuditor sets where mutations are recorded.
func (s *Service) SetAuditor(a shared.AuditRecorder) { s.audit = a }

// SetNotifier sets the rule change announcer.
func (s *Service) SetNotifier(n Bumper) { s.notifier = n }

// SetObserver sets the mutation observer.
func (s *Service) SetObserver(o MutationObserver) { s.observer = o }

// SetBulkConcurrency bounds concurrent saves in BulkSave.
func (s *Service) SetBulkConcurrency(n int) {
	if n > 0 {
		s.bulkLimit = n
	}
}

// ListRules returns the raw stored rules. It satisfies snapshot.Loader and
// performs no access check.
func (s *Service) ListRules(ctx context.Context) ([]access.PermissionRule, error) {
	return s.repo.ListRules(ctx)
}

// List returns every rule. Requires Read on Permissions.
func (s *Service) List(ctx context.Context, p access.Principal) ([]access.PermissionRule, error) {
	if err := s.authorize(ctx, p, access.ActionRead); err != nil {
		return nil, err
	}
	return s.repo.ListRules(ctx)
}

// Create stores a new rule. Requires Write on Permissions.
func (s *Service) Create(ctx context.Context, p access.Principal, req CreateRuleRequest) (access.PermissionRule, error) {
	created, err := s.create(ctx, p, req)
	s.observe("create", err)
	return created, err
}

func (s *Service) create(ctx context.Context, p access.Principal, req CreateRuleRequest) (access.PermissionRule, error) {
	if err := s.authorize(ctx, p, access.ActionWrite); err != nil {
		return access.PermissionRule{}, err
	}
	rule, err := s.checkCreate(req)
	if err != nil {
		return access.PermissionRule{}, err
	}
	owners, err := s.featureOwners(ctx)
	if err != nil {
		return access.PermissionRule{}, err
	}
	if id, taken := owners[access.FeatureKey(rule.Feature)]; taken {
		return access.PermissionRule{}, fmt.Errorf("%w: %q is governed by rule %d", ErrDuplicateFeature, rule.Feature, id)
	}
	created, err := s.repo.CreateRule(ctx, rule)
	if err != nil {
		return access.PermissionRule{}, err
	}
	s.recordMutation(ctx, p, "rule.create", created.ID, map[string]any{"feature": created.Feature})
	s.bump(ctx)
	return created, nil
}

// UpdateGrants replaces the grants of the roles named in req. Concurrent
// edits are last-write-wins unless req carries ExpectedVersion.
func (s *Service) UpdateGrants(ctx context.Context, p access.Principal, id int64, req UpdateGrantsRequest) (access.PermissionRule, error) {
	updated, err := s.updateGrants(ctx, p, id, req)
	s.observe("update", err)
	return updated, err
}

func (s *Service) updateGrants(ctx context.Context, p access.Principal, id int64, req UpdateGrantsRequest) (access.PermissionRule, error) {
	if err := s.authorize(ctx, p, access.ActionWrite); err != nil {
		return access.PermissionRule{}, err
	}
	if err := s.validateStruct(req); err != nil {
		return access.PermissionRule{}, err
	}
	grants, err := parseGrants(req.Grants)
	if err != nil {
		return access.PermissionRule{}, err
	}
	current, err := s.repo.GetRule(ctx, id)
	if err != nil {
		return access.PermissionRule{}, err
	}
	next := current.Clone()
	for key, set := range grants {
		next.Grants[key] = set
	}
	if err := next.Validate(); err != nil {
		return access.PermissionRule{}, err
	}
	var expected int64
	if req.ExpectedVersion != nil {
		expected = *req.ExpectedVersion
	}
	updated, err := s.repo.UpdateRule(ctx, next, expected)
	if err != nil {
		return access.PermissionRule{}, err
	}
	roles := make([]string, 0, len(grants))
	for key := range grants {
		roles = append(roles, string(key))
	}
	s.recordMutation(ctx, p, "rule.update_grants", updated.ID, map[string]any{
		"feature": updated.Feature,
		"roles":   roles,
		"version": updated.Version,
	})
	s.bump(ctx)
	return updated, nil
}

// Delete removes a rule; the feature becomes deny-all for non-admins.
// Requires Delete on Permissions.
func (s *Service) Delete(ctx context.Context, p access.Principal, id int64) error {
	err := s.delete(ctx, p, id)
	s.observe("delete", err)
	return err
}

func (s *Service) delete(ctx context.Context, p access.Principal, id int64) error {
	if err := s.authorize(ctx, p, access.ActionDelete); err != nil {
		return err
	}
	if err := s.repo.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.recordMutation(ctx, p, "rule.delete", id, nil)
	s.bump(ctx)
	return nil
}

// BulkSave validates every item, then saves the valid ones concurrently.
// Partial failure is reported in the result rather than as an error; the
// error return is reserved for the caller lacking authority.
func (s *Service) BulkSave(ctx context.Context, p access.Principal, items []BulkItem) (BulkResult, error) {
	if err := s.authorize(ctx, p, access.ActionWrite); err != nil {
		s.observe("bulk", err)
		return BulkResult{}, err
	}
	owners, err := s.featureOwners(ctx)
	if err != nil {
		s.observe("bulk", err)
		return BulkResult{}, err
	}

	type outcome struct {
		rule access.PermissionRule
		err  error
	}
	outcomes := make([]outcome, len(items))
	rules := make([]access.PermissionRule, len(items))
	seen := make(map[string]int, len(items))
	for i, item := range items {
		rule, err := s.checkCreate(item.CreateRuleRequest)
		if err == nil && item.ID < 0 {
			err = fmt.Errorf("%w: id must not be negative", ErrValidation)
		}
		if err == nil {
			key := access.FeatureKey(rule.Feature)
			if first, dup := seen[key]; dup {
				err = fmt.Errorf("%w: feature %q repeats item %d", ErrValidation, rule.Feature, first)
			} else if owner, taken := owners[key]; taken && owner != item.ID {
				err = fmt.Errorf("%w: %q is governed by rule %d", ErrDuplicateFeature, rule.Feature, owner)
			} else {
				seen[key] = i
			}
		}
		rule.ID = item.ID
		rules[i] = rule
		outcomes[i].err = err
	}

	var g errgroup.Group
	g.SetLimit(s.bulkLimit)
	for i := range items {
		if outcomes[i].err != nil {
			continue
		}
		g.Go(func() error {
			var (
				saved access.PermissionRule
				err   error
			)
			if rules[i].ID == 0 {
				saved, err = s.repo.CreateRule(ctx, rules[i])
			} else {
				var expected int64
				if v := items[i].ExpectedVersion; v != nil {
					expected = *v
				}
				saved, err = s.repo.UpdateRule(ctx, rules[i], expected)
			}
			outcomes[i] = outcome{rule: saved, err: err}
			return nil
		})
	}
	_ = g.Wait()

	result := BulkResult{Saved: []access.PermissionRule{}, Failed: []BulkFailure{}}
	for i, o := range outcomes {
		if o.err != nil {
			s.observe("bulk", o.err)
			result.Failed = append(result.Failed, BulkFailure{Index: i, Feature: items[i].Feature, Error: o.err.Error()})
			continue
		}
		s.observe("bulk", nil)
		result.Saved = append(result.Saved, o.rule)
		s.recordMutation(ctx, p, "rule.bulk_save", o.rule.ID, map[string]any{"feature": o.rule.Feature, "version": o.rule.Version})
	}
	if len(result.Saved) > 0 {
		s.bump(ctx)
	}
	if !result.Complete() {
		s.logger.Warn("bulk rule save partially failed",
			slog.Int("saved", len(result.Saved)),
			slog.Int("failed", len(result.Failed)))
	}
	return result, nil
}

// Seed creates or replaces rules by feature through BulkSave.
func (s *Service) Seed(ctx context.Context, p access.Principal, reqs []CreateRuleRequest) (BulkResult, error) {
	ids, err := s.featureOwners(ctx)
	if err != nil {
		return BulkResult{}, err
	}
	items := make([]BulkItem, len(reqs))
	for i, req := range reqs {
		items[i] = BulkItem{ID: ids[access.FeatureKey(req.Feature)], CreateRuleRequest: req}
	}
	return s.BulkSave(ctx, p, items)
}

// featureOwners maps each stored feature key to the rule that holds it.
func (s *Service) featureOwners(ctx context.Context) (map[string]int64, error) {
	stored, err := s.repo.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	owners := make(map[string]int64, len(stored))
	for _, r := range stored {
		if _, ok := owners[access.FeatureKey(r.Feature)]; !ok {
			owners[access.FeatureKey(r.Feature)] = r.ID
		}
	}
	return owners, nil
}

func (s *Service) authorize(ctx context.Context, p access.Principal, action access.Action) error {
	stored, err := s.repo.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules for access check: %w", err)
	}
	valid := stored[:0:0]
	for _, r := range stored {
		if r.Validate() == nil {
			valid = append(valid, r)
		}
	}
	d := s.eval.Check(p, access.FeaturePermissions, action, access.NewRuleSet(valid))
	if !d.Allowed {
		return fmt.Errorf("%w: %s on %s (%s)", ErrPermissionDenied, action, access.FeaturePermissions, d.Reason)
	}
	return nil
}

func (s *Service) checkCreate(req CreateRuleRequest) (access.PermissionRule, error) {
	if err := s.validateStruct(req); err != nil {
		return access.PermissionRule{}, err
	}
	return req.toRule()
}

func (s *Service) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := fe.Namespace() + " failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}

func (s *Service) recordMutation(ctx context.Context, p access.Principal, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  p.ID,
		Action:   action,
		Entity:   "permission_rule",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Error("record rule audit", slog.String("action", action), slog.Int64("rule_id", id), slog.Any("error", err))
	}
}

func (s *Service) bump(ctx context.Context) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Bump(ctx); err != nil {
		s.logger.Warn("announce rule change", slog.Any("error", err))
	}
}

func (s *Service) observe(op string, err error) {
	if s.observer != nil {
		s.observer.ObserveRuleMutation(op, err)
	}
}
