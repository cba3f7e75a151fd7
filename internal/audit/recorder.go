package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const insertEntrySQL = `
	INSERT INTO audit_entries (action, resource_type, resource_id, actor_id, actor_type, actor_email, before, after, ip, user_agent, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, NOW()))`

// Recorder writes entries into audit_entries. The table is append-only; the
// only deletion path is the retention cleanup job.
type Recorder struct {
	pool *pgxpool.Pool
}

// NewRecorder returns a new Recorder.
func NewRecorder(pool *pgxpool.Pool) *Recorder {
	return &Recorder{pool: pool}
}

func entryArgs(entry Entry) ([]any, error) {
	if entry.Action == "" || entry.ResourceType == "" || entry.ResourceID == "" {
		return nil, errors.New("audit entry requires action/resource_type/resource_id")
	}
	if entry.ActorType == "" {
		return nil, errors.New("audit entry requires actor type")
	}
	beforeJSON, err := json.Marshal(entry.Before)
	if err != nil {
		return nil, err
	}
	afterJSON, err := json.Marshal(entry.After)
	if err != nil {
		return nil, err
	}
	var occurredAt any
	if !entry.OccurredAt.IsZero() {
		occurredAt = entry.OccurredAt.UTC()
	}
	return []any{
		entry.Action, entry.ResourceType, entry.ResourceID,
		entry.ActorID, entry.ActorType, entry.ActorEmail,
		beforeJSON, afterJSON, entry.IP, entry.UserAgent, occurredAt,
	}, nil
}

// Record persists the entry outside of any caller transaction.
func (r *Recorder) Record(ctx context.Context, entry Entry) error {
	if r == nil {
		return errors.New("audit recorder not initialised")
	}
	args, err := entryArgs(entry)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, insertEntrySQL, args...)
	return err
}

// RecordTx persists the entry inside the given transaction so the audited
// mutation and its audit row commit or roll back together.
func (r *Recorder) RecordTx(ctx context.Context, tx pgx.Tx, entry Entry) error {
	if r == nil {
		return errors.New("audit recorder not initialised")
	}
	args, err := entryArgs(entry)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, insertEntrySQL, args...)
	return err
}

// RetentionCleanup removes entries older than the retention window. Returns
// the number of rows removed.
func (r *Recorder) RetentionCleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if r == nil {
		return 0, errors.New("audit recorder not initialised")
	}
	cutoff := time.Now().Add(-olderThan)
	tag, err := r.pool.Exec(ctx, `DELETE FROM audit_entries WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
