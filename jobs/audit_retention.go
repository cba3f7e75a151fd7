package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/traderdesk/traderdesk/internal/audit"
	jobmetrics "github.com/traderdesk/traderdesk/internal/jobs"
)

// AuditRetentionJob trims audit rows older than the retention horizon.
type AuditRetentionJob struct {
	Recorder *audit.Recorder
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewAuditRetentionJob initialises the retention handler.
func NewAuditRetentionJob(recorder *audit.Recorder, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditRetentionJob {
	return &AuditRetentionJob{Recorder: recorder, Logger: logger, Metrics: metrics}
}

// Handle executes the retention cleanup.
func (j *AuditRetentionJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Recorder == nil {
		return errors.New("audit retention: handler not configured")
	}
	var payload AuditRetentionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.RetentionDays <= 0 {
		payload.RetentionDays = 365
	}
	tracker := j.Metrics.Track(TaskAuditRetention)
	removed, err := j.Recorder.RetentionCleanup(ctx, time.Duration(payload.RetentionDays)*24*time.Hour)
	if err != nil {
		j.Logger.Error("audit retention failed", "error", err)
		return tracker.End(err)
	}
	j.Metrics.AddSwept("audit_entries", removed)
	if removed > 0 {
		j.Logger.Info("audit retention complete", "removed", removed, "retention_days", payload.RetentionDays)
	}
	return tracker.End(nil)
}
