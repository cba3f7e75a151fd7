package audit

import (
	"context"
	"testing"
	"time"
)

type stubAuditRepo struct {
	rows       []Entry
	lastLimit  int
	lastOffset int
}

func (s *stubAuditRepo) ListEntries(ctx context.Context, filters Filters, limit, offset int) ([]Entry, error) {
	s.lastLimit = limit
	s.lastOffset = offset
	if offset >= len(s.rows) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.rows) {
		end = len(s.rows)
	}
	return s.rows[offset:end], nil
}

func mockEntries(n int) []Entry {
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	out := make([]Entry, n)
	for i := range out {
		out[i] = Entry{
			ID:           int64(i + 1),
			Action:       "rbac.assignment.grant",
			ResourceType: "assignment",
			ResourceID:   "1",
			ActorEmail:   "ops@traderdesk.io",
			OccurredAt:   base.Add(-time.Duration(i) * time.Minute),
		}
	}
	return out
}

func TestListPaging(t *testing.T) {
	repo := &stubAuditRepo{rows: mockEntries(5)}
	svc := NewService(repo)

	result, err := svc.List(context.Background(), Filters{Page: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(result.Rows))
	}
	if !result.Paging.HasNext || result.Paging.NextPage != 2 {
		t.Fatalf("expected next page, got %+v", result.Paging)
	}
	if result.Paging.PrevPage != 0 {
		t.Fatalf("first page has no previous, got %d", result.Paging.PrevPage)
	}
	// Fetches one extra row to detect the next page.
	if repo.lastLimit != 3 || repo.lastOffset != 0 {
		t.Fatalf("expected limit 3 offset 0, got %d/%d", repo.lastLimit, repo.lastOffset)
	}

	result, err = svc.List(context.Background(), Filters{Page: 3, PageSize: 2})
	if err != nil {
		t.Fatalf("list page 3: %v", err)
	}
	if len(result.Rows) != 1 || result.Paging.HasNext {
		t.Fatalf("expected final partial page, got %d rows hasNext=%v", len(result.Rows), result.Paging.HasNext)
	}
	if result.Paging.PrevPage != 2 {
		t.Fatalf("expected prev page 2, got %d", result.Paging.PrevPage)
	}
}

func TestListDefaultsAndCaps(t *testing.T) {
	repo := &stubAuditRepo{rows: mockEntries(1)}
	svc := NewService(repo)

	if _, err := svc.List(context.Background(), Filters{}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if repo.lastLimit != 21 {
		t.Fatalf("expected default page size 20 (+1 probe), got %d", repo.lastLimit)
	}

	if _, err := svc.List(context.Background(), Filters{PageSize: 500}); err != nil {
		t.Fatalf("list: %v", err)
	}
	if repo.lastLimit != 101 {
		t.Fatalf("expected page size capped at 100, got %d", repo.lastLimit)
	}
}

func TestListWithoutRepository(t *testing.T) {
	svc := NewService(nil)
	if _, err := svc.List(context.Background(), Filters{}); err == nil {
		t.Fatalf("expected error without repository")
	}
}
