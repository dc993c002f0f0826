package audit

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/platform/httpx"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
)

var (
	ErrPermissionDenied = fmt.Errorf("audit: permission denied: %w", httpx.ErrForbidden)
	ErrRulesLoading     = fmt.Errorf("audit: permissions loading: %w", httpx.ErrUnavailable)
)

// Repository reads audit_logs.
type Repository interface {
	Timeline(ctx context.Context, q Query) ([]TimelineRow, error)
}

// Authorizer answers whether p may perform action on feature.
type Authorizer interface {
	Allowed(p access.Principal, feature string, action access.Action) (allowed, loaded bool)
}

// Service reads the audit timeline. Viewing requires Read on Permissions.
type Service struct {
	repo  Repository
	authz Authorizer
}

// NewService builds the audit timeline service.
func NewService(repo Repository, authz Authorizer) *Service {
	return &Service{repo: repo, authz: authz}
}

// Timeline returns one page of audit rows, newest first.
func (s *Service) Timeline(ctx context.Context, p access.Principal, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	if err := s.authorize(p, access.ActionRead); err != nil {
		return Result{}, err
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	rows, err := s.repo.Timeline(ctx, Query{TimelineFilters: filters, Offset: (page - 1) * pageSize, Limit: pageSize + 1})
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	if rows == nil {
		rows = []TimelineRow{}
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

func (s *Service) authorize(p access.Principal, action access.Action) error {
	allowed, loaded := s.authz.Allowed(p, access.FeaturePermissions, action)
	if !loaded {
		return ErrRulesLoading
	}
	if !allowed {
		return fmt.Errorf("%w: %s on %s", ErrPermissionDenied, action, access.FeaturePermissions)
	}
	return nil
}
