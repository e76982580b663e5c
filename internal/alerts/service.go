package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// RepositoryPort abstracts alert persistence.
type RepositoryPort interface {
	StoreIDs(ctx context.Context) ([]int64, error)
	LowStockCandidates(ctx context.Context, storeID int64) ([]LowStockCandidate, error)
	// ExpiryCandidates lists active batches expiring between from and before,
	// inclusive. Batches already past due are the expiry sweep's concern.
	ExpiryCandidates(ctx context.Context, storeID int64, from, before time.Time) ([]ExpiryCandidate, error)
	// InsertUnlessOpen inserts a unless an unread alert of the same type,
	// product and batch exists or, when dedupSince is set, one was created
	// at or after it. It reports whether a row was written.
	InsertUnlessOpen(ctx context.Context, a Alert, dedupSince *time.Time) (bool, error)
	List(ctx context.Context, storeID int64, readSince time.Time) ([]Alert, error)
	MarkRead(ctx context.Context, storeID, alertID int64) error
}

// Config controls alert windows.
type Config struct {
	ExpiryHorizon time.Duration
	DedupWindow   time.Duration
	RecentWindow  time.Duration
	Clock         func() time.Time
}

// Service raises and serves low-stock and expiry alerts.
type Service struct {
	repo    RepositoryPort
	cfg     Config
	logger  *slog.Logger
	group   singleflight.Group
	printer *message.Printer
}

// NewService builds Service.
func NewService(repo RepositoryPort, cfg Config, logger *slog.Logger) *Service {
	if cfg.ExpiryHorizon <= 0 {
		cfg.ExpiryHorizon = 30 * 24 * time.Hour
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 24 * time.Hour
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 7 * 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "alerts")),
		printer: message.NewPrinter(language.English),
	}
}

// Refresh ensures one open LowStock alert per product at or below its
// reorder level and one Expiry alert per active batch expiring within the
// horizon. Calling it again without ledger changes creates nothing.
// Concurrent refreshes of the same store share one run.
func (s *Service) Refresh(ctx context.Context, storeID int64) (RefreshReport, error) {
	if storeID <= 0 {
		return RefreshReport{}, fmt.Errorf("alerts: store required")
	}
	v, err, _ := s.group.Do(strconv.FormatInt(storeID, 10), func() (any, error) {
		return s.refresh(ctx, storeID)
	})
	if err != nil {
		return RefreshReport{}, err
	}
	return v.(RefreshReport), nil
}

func (s *Service) refresh(ctx context.Context, storeID int64) (RefreshReport, error) {
	now := s.cfg.Clock().UTC()
	report := RefreshReport{StoreID: storeID}

	low, err := s.repo.LowStockCandidates(ctx, storeID)
	if err != nil {
		return report, fmt.Errorf("alerts: low stock candidates: %w", err)
	}
	for _, c := range low {
		created, err := s.repo.InsertUnlessOpen(ctx, Alert{
			Type:      TypeLowStock,
			StoreID:   storeID,
			ProductID: c.ProductID,
			Message:   s.printer.Sprintf("Low stock: %s has %d units left (reorder level %d)", c.ProductName, c.OnHand, c.ReorderLevel),
			CreatedAt: now,
		}, nil)
		if err != nil {
			return report, err
		}
		if created {
			report.LowStock++
		}
	}

	today := now.Truncate(24 * time.Hour)
	expiring, err := s.repo.ExpiryCandidates(ctx, storeID, today, now.Add(s.cfg.ExpiryHorizon))
	if err != nil {
		return report, fmt.Errorf("alerts: expiry candidates: %w", err)
	}
	since := now.Add(-s.cfg.DedupWindow)
	for _, c := range expiring {
		batchID := c.BatchID
		created, err := s.repo.InsertUnlessOpen(ctx, Alert{
			Type:      TypeExpiry,
			StoreID:   storeID,
			ProductID: c.ProductID,
			BatchID:   &batchID,
			Message: s.printer.Sprintf("Batch %s of %s expires on %s with %d units remaining",
				c.BatchNumber, c.ProductName, c.ExpiryDate.Format("2006-01-02"), c.Remaining),
			CreatedAt: now,
		}, &since)
		if err != nil {
			return report, err
		}
		if created {
			report.Expiry++
		}
	}
	if report.LowStock > 0 || report.Expiry > 0 {
		s.logger.Info("alerts raised",
			slog.Int64("store_id", storeID),
			slog.Int("low_stock", report.LowStock),
			slog.Int("expiry", report.Expiry))
	}
	return report, nil
}

// RefreshAll refreshes every store and keeps going past failing stores.
func (s *Service) RefreshAll(ctx context.Context) ([]RefreshReport, error) {
	stores, err := s.repo.StoreIDs(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]RefreshReport, 0, len(stores))
	var firstErr error
	for _, id := range stores {
		report, err := s.Refresh(ctx, id)
		if err != nil {
			s.logger.Error("refresh store alerts", slog.Int64("store_id", id), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		reports = append(reports, report)
	}
	return reports, firstErr
}

// List returns unread alerts plus read ones from the recent window, newest first.
func (s *Service) List(ctx context.Context, storeID int64) ([]Alert, error) {
	if storeID <= 0 {
		return nil, fmt.Errorf("alerts: store required")
	}
	out, err := s.repo.List(ctx, storeID, s.cfg.Clock().UTC().Add(-s.cfg.RecentWindow))
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Alert{}
	}
	return out, nil
}

// MarkRead acknowledges an alert.
func (s *Service) MarkRead(ctx context.Context, storeID, alertID int64) error {
	return s.repo.MarkRead(ctx, storeID, alertID)
}
