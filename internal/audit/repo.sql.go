package audit

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// ListEntries returns entries matching the filters, newest first.
func (r *PGRepository) ListEntries(ctx context.Context, filters Filters, limit, offset int) ([]Entry, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT id, action, resource_type, resource_id, actor_id, actor_type, actor_email, before, after, ip, user_agent, occurred_at
		FROM audit_entries WHERE TRUE`)
	args := make([]any, 0, 7)
	appendArg := func(clause string, value any) {
		args = append(args, value)
		query.WriteString(" AND " + clause + "$" + itoa(len(args)))
	}
	if !filters.From.IsZero() {
		appendArg("occurred_at >= ", filters.From)
	}
	if !filters.To.IsZero() {
		appendArg("occurred_at <= ", filters.To)
	}
	if v := strings.TrimSpace(filters.ActorEmail); v != "" {
		appendArg("actor_email = ", v)
	}
	if v := strings.TrimSpace(filters.Action); v != "" {
		appendArg("action = ", v)
	}
	if v := strings.TrimSpace(filters.ResourceType); v != "" {
		appendArg("resource_type = ", v)
	}
	args = append(args, limit, offset)
	query.WriteString(" ORDER BY occurred_at DESC, id DESC LIMIT $" + itoa(len(args)-1) + " OFFSET $" + itoa(len(args)))

	rows, err := r.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			beforeJSON []byte
			afterJSON  []byte
			occurredAt time.Time
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.ResourceType, &e.ResourceID, &e.ActorID, &e.ActorType, &e.ActorEmail, &beforeJSON, &afterJSON, &e.IP, &e.UserAgent, &occurredAt); err != nil {
			return nil, err
		}
		e.OccurredAt = occurredAt
		if len(beforeJSON) > 0 {
			_ = json.Unmarshal(beforeJSON, &e.Before)
		}
		if len(afterJSON) > 0 {
			_ = json.Unmarshal(afterJSON, &e.After)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

var _ Repository = (*PGRepository)(nil)
