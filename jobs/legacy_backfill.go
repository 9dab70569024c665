package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/clearcomply/clearcomply/internal/memberships"
)

// NewLegacyBackfillHandler returns the handler that converts legacy role
// labels to role references. Registered on the worker; the cron schedule
// enqueues a full sweep nightly.
func NewLegacyBackfillHandler(svc *memberships.Service, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload LegacyBackfillPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}

		var (
			converted int
			err       error
		)
		if payload.OrganizationID != 0 {
			converted, err = svc.BackfillLegacyRoles(ctx, payload.OrganizationID)
		} else {
			converted, err = svc.BackfillAllLegacyRoles(ctx)
		}
		if err != nil {
			logger.Error("legacy backfill", slog.Int64("org_id", payload.OrganizationID), slog.Any("error", err))
			return err
		}
		if converted > 0 {
			logger.Info("legacy backfill done", slog.Int64("org_id", payload.OrganizationID), slog.Int("converted", converted))
		}
		return nil
	}
}
