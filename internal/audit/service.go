package audit

import (
	"context"
	"fmt"
)

// Repository menyediakan akses baca ke audit_entries.
type Repository interface {
	ListEntries(ctx context.Context, filters Filters, limit, offset int) ([]Entry, error)
}

// Service mengoordinasikan pengambilan data audit.
type Service struct {
	repo Repository
}

// NewService membuat service audit baru.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// List mengambil data audit dengan paging.
func (s *Service) List(ctx context.Context, filters Filters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize
	rows, err := s.repo.ListEntries(ctx, filters, pageSize+1, offset)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
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
