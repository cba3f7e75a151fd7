package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskAssignmentSweep expires stale role assignments.
	TaskAssignmentSweep = "rbac:assignment_sweep"
	// TaskAuditRetention removes audit rows past the retention horizon.
	TaskAuditRetention = "audit:retention"
	// TaskBillingEventPurge removes processed webhook dedupe rows.
	TaskBillingEventPurge = "billing:event_purge"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// HandleSendEmailTask processes TaskTypeSendEmail tasks.
func HandleSendEmailTask(ctx context.Context, t *asynq.Task) error {
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	// Placeholder until the SMTP relay lands.
	fmt.Printf("[jobs] send email to %s subject=%s\n", payload.To, payload.Subject)
	return nil
}

// AssignmentSweepPayload tunes the expiry sweep. Empty payload uses defaults.
type AssignmentSweepPayload struct{}

// NewAssignmentSweepTask constructs the sweep task.
func NewAssignmentSweepTask() (*asynq.Task, error) {
	data, err := json.Marshal(AssignmentSweepPayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAssignmentSweep, data), nil
}

// AuditRetentionPayload sets how many days of audit history to keep.
type AuditRetentionPayload struct {
	RetentionDays int `json:"retention_days"`
}

// NewAuditRetentionTask constructs the retention task.
func NewAuditRetentionTask(payload AuditRetentionPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditRetention, data), nil
}

// BillingEventPurgePayload sets the dedupe retention horizon.
type BillingEventPurgePayload struct {
	RetentionDays int `json:"retention_days"`
}

// NewBillingEventPurgeTask constructs the purge task.
func NewBillingEventPurgeTask(payload BillingEventPurgePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingEventPurge, data), nil
}
