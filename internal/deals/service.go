package deals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/opsdash/internal/access"
)

// Authorizer answers access checks against the current rules. gate.Gate
// satisfies it.
type Authorizer interface {
	Allowed(p access.Principal, feature string, action access.Action) (allowed, loaded bool)
}

// Service provides the deal record operations. Every write goes through
// Repository.Apply so the ledger entry lands with the change.
type Service struct {
	repo     Repository
	authz    Authorizer
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

// NewService builds Service instance.
func NewService(repo Repository, authz Authorizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		authz:    authz,
		logger:   logger,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Get returns one deal. Requires Read on Pipeline.
func (s *Service) Get(ctx context.Context, p access.Principal, id int64) (Deal, error) {
	if err := s.authorize(p, access.ActionRead); err != nil {
		return Deal{}, err
	}
	return s.repo.Get(ctx, id)
}

// List returns deals. Requires Read on Pipeline.
func (s *Service) List(ctx context.Context, p access.Principal, filter ListFilter) ([]Deal, error) {
	if err := s.authorize(p, access.ActionRead); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, filter)
}

// Update patches tracked fields and records one ledger entry for the whole
// patch. Requires Write on Pipeline.
func (s *Service) Update(ctx context.Context, p access.Principal, id int64, req UpdateDealRequest) (Deal, error) {
	if err := s.authorize(p, access.ActionWrite); err != nil {
		return Deal{}, err
	}
	if err := s.validate.Struct(req); err != nil {
		return Deal{}, validationError(err)
	}
	var stage Stage
	if req.Stage != nil {
		parsed, err := ParseStage(*req.Stage)
		if err != nil {
			return Deal{}, err
		}
		stage = parsed
	}
	return s.repo.Apply(ctx, id, func(current Deal) (Deal, error) {
		if req.ExpectedVersion != nil && *req.ExpectedVersion != current.Version {
			return Deal{}, ErrStaleDeal
		}
		next, err := applyPatch(current, req, stage)
		if err != nil {
			return Deal{}, err
		}
		return AppendChange(next, Diff(current, next), p.ID, s.now()), nil
	})
}

// PatchStage moves a deal. Moving to the current stage records nothing.
// Requires Write on Pipeline.
func (s *Service) PatchStage(ctx context.Context, p access.Principal, id int64, stage Stage) (Deal, error) {
	if err := s.authorize(p, access.ActionWrite); err != nil {
		return Deal{}, err
	}
	target, err := ParseStage(string(stage))
	if err != nil {
		return Deal{}, err
	}
	deal, err := s.repo.Apply(ctx, id, func(current Deal) (Deal, error) {
		next := current
		next.Stage = target
		return AppendChange(next, Diff(current, next), p.ID, s.now()), nil
	})
	if err != nil {
		return Deal{}, err
	}
	s.logger.Info("deal stage set",
		slog.Int64("deal_id", id),
		slog.String("stage", string(deal.Stage)),
		slog.String("actor", p.ID))
	return deal, nil
}

// Unseen reports whether p has changes to review on the deal.
func (s *Service) Unseen(ctx context.Context, p access.Principal, id int64) (bool, error) {
	deal, err := s.Get(ctx, p, id)
	if err != nil {
		return false, err
	}
	return HasUnseenChanges(deal, p.ID), nil
}

// Acknowledge marks every entry of the deal as seen by p. Requires Read on
// Pipeline: seeing the record is enough to acknowledge it.
func (s *Service) Acknowledge(ctx context.Context, p access.Principal, id int64) (Deal, error) {
	if err := s.authorize(p, access.ActionRead); err != nil {
		return Deal{}, err
	}
	return s.repo.Acknowledge(ctx, id, p.ID)
}

func (s *Service) authorize(p access.Principal, action access.Action) error {
	allowed, loaded := s.authz.Allowed(p, access.FeaturePipeline, action)
	if !loaded {
		return ErrRulesLoading
	}
	if !allowed {
		return fmt.Errorf("%w: %s on %s", ErrPermissionDenied, action, access.FeaturePipeline)
	}
	return nil
}

func applyPatch(current Deal, req UpdateDealRequest, stage Stage) (Deal, error) {
	next := current.Clone()
	if req.Title != nil {
		next.Title = strings.TrimSpace(*req.Title)
		if next.Title == "" {
			return Deal{}, fmt.Errorf("%w: title must not be blank", ErrValidation)
		}
	}
	if req.Client != nil {
		next.Client = strings.TrimSpace(*req.Client)
	}
	if req.Venue != nil {
		next.Venue = strings.TrimSpace(*req.Venue)
	}
	if req.Owner != nil {
		next.Owner = strings.TrimSpace(*req.Owner)
	}
	if req.Value != nil {
		next.Value = *req.Value
	}
	if req.EventDate != nil {
		if *req.EventDate == "" {
			next.EventDate = nil
		} else {
			t, err := time.Parse(dateLayout, *req.EventDate)
			if err != nil {
				return Deal{}, fmt.Errorf("%w: event_date: %v", ErrValidation, err)
			}
			next.EventDate = &t
		}
	}
	if stage != "" {
		next.Stage = stage
	}
	return next, nil
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fe.Field()+" failed "+fe.Tag())
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}
