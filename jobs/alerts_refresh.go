package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/storeinv/backoffice/internal/alerts"
	jobmetrics "github.com/storeinv/backoffice/internal/jobs"
)

// AlertRefresher re-evaluates alerts.
type AlertRefresher interface {
	Refresh(ctx context.Context, storeID int64) (alerts.RefreshReport, error)
	RefreshAll(ctx context.Context) ([]alerts.RefreshReport, error)
}

// AlertsRefreshJob handles TaskAlertsRefresh.
type AlertsRefreshJob struct {
	Service AlertRefresher
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAlertsRefreshJob constructs the refresh handler.
func NewAlertsRefreshJob(service AlertRefresher, logger *slog.Logger, metrics *jobmetrics.Metrics) *AlertsRefreshJob {
	return &AlertsRefreshJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle refreshes one store, or every store when the payload has none.
func (j *AlertsRefreshJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("alerts refresh: handler not configured")
	}
	var payload AlertsRefreshPayload
	if err := decodePayload(t, &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskAlertsRefresh)
	defer func() { err = tracker.End(err) }()

	if payload.StoreID > 0 {
		_, err = j.Service.Refresh(ctx, payload.StoreID)
		return err
	}
	reports, err := j.Service.RefreshAll(ctx)
	created := 0
	for _, r := range reports {
		created += r.LowStock + r.Expiry
	}
	loggerOrDefault(j.Logger).Info("alerts refreshed",
		slog.Int("stores", len(reports)),
		slog.Int("created", created))
	return err
}
