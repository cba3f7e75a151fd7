package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/traderdesk/traderdesk/internal/jobs"
	"github.com/traderdesk/traderdesk/internal/rbac"
)

// AssignmentSweepJob deactivates role assignments past their expiry.
type AssignmentSweepJob struct {
	Service *rbac.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAssignmentSweepJob initialises the sweep handler.
func NewAssignmentSweepJob(service *rbac.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *AssignmentSweepJob {
	return &AssignmentSweepJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes the sweep.
func (j *AssignmentSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("assignment sweep: handler not configured")
	}
	tracker := j.Metrics.Track(TaskAssignmentSweep)
	swept, err := j.Service.ExpireSweep(ctx)
	if err != nil {
		j.Logger.Error("assignment sweep failed", "error", err)
		return tracker.End(err)
	}
	j.Metrics.AddSwept("assignments", swept)
	if swept > 0 {
		j.Logger.Info("assignment sweep complete", "expired", swept)
	}
	return tracker.End(nil)
}
