package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/traderdesk/traderdesk/internal/billing"
	jobmetrics "github.com/traderdesk/traderdesk/internal/jobs"
)

// BillingEventPurgeJob removes webhook dedupe rows past retention.
type BillingEventPurgeJob struct {
	Service *billing.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewBillingEventPurgeJob initialises the purge handler.
func NewBillingEventPurgeJob(service *billing.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *BillingEventPurgeJob {
	return &BillingEventPurgeJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes the purge.
func (j *BillingEventPurgeJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("billing event purge: handler not configured")
	}
	var payload BillingEventPurgePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskBillingEventPurge)
	removed, err := j.Service.PurgeEventLog(ctx, payload.RetentionDays)
	if err != nil {
		j.Logger.Error("billing event purge failed", "error", err)
		return tracker.End(err)
	}
	j.Metrics.AddSwept("billing_events", removed)
	return tracker.End(nil)
}
