package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/storeinv/backoffice/internal/shared"
)

// ServiceConfig groups ledger policies.
type ServiceConfig struct {
	ReceiptTarget   ReceiptTarget
	ExpiryPolicy    ExpiryPolicy
	ConflictRetries int
	ExpiryHorizon   time.Duration
	Clock           func() time.Time
}

// Dependencies are the optional collaborators of the service.
type Dependencies struct {
	Audit    AuditPort
	Notifier AlertNotifier
	Metrics  MetricsPort
	Logger   *slog.Logger
}

// Service executes stock movements against the ledger.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	notifier AlertNotifier
	metrics  MetricsPort
	logger   *slog.Logger
	cfg      ServiceConfig
}

// NewService builds Service.
func NewService(repo RepositoryPort, deps Dependencies, cfg ServiceConfig) *Service {
	if cfg.ReceiptTarget == "" {
		cfg.ReceiptTarget = ReceiptToShelf
	}
	if cfg.ExpiryPolicy == "" {
		cfg.ExpiryPolicy = ExpiryStatusOnly
	}
	if cfg.ConflictRetries < 0 {
		cfg.ConflictRetries = 0
	}
	if cfg.ExpiryHorizon <= 0 {
		cfg.ExpiryHorizon = 30 * 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		audit:    deps.Audit,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		logger:   logger.With(slog.String("component", "ledger")),
		cfg:      cfg,
	}
}

func (s *Service) now() time.Time {
	return s.cfg.Clock().UTC()
}

// Execute applies req in one transaction. Any failing line rolls back the
// whole request. Concurrency conflicts are retried up to ConflictRetries times.
func (s *Service) Execute(ctx context.Context, req MovementRequest) (MovementResult, error) {
	started := time.Now()
	req.ReferenceID = strings.TrimSpace(req.ReferenceID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := validateRequest(req); err != nil {
		s.finish(req, err, started)
		return MovementResult{}, err
	}

	var result MovementResult
	err := s.withRetry(string(req.Type), req.StoreID, func() error {
		var err error
		result, err = s.executeOnce(ctx, req)
		return err
	})
	s.finish(req, err, started)
	if err != nil {
		return MovementResult{}, err
	}
	if !result.Replayed {
		s.afterCommit(ctx, req, result)
	}
	return result, nil
}

// withRetry reruns fn while it fails with a concurrency conflict.
func (s *Service) withRetry(op string, storeID int64, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !Retryable(err) || attempt >= s.cfg.ConflictRetries {
			return err
		}
		s.logger.Debug("ledger conflict, retrying",
			slog.String("op", op),
			slog.Int64("store_id", storeID),
			slog.Int("attempt", attempt+1))
	}
}

func (s *Service) executeOnce(ctx context.Context, req MovementRequest) (MovementResult, error) {
	var result MovementResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		result = MovementResult{}
		var claim idempotencyClaim
		if req.IdempotencyKey != "" {
			var err error
			claim, err = newIdempotencyClaim(req)
			if err != nil {
				return err
			}
			prior, claimed, err := tx.ClaimIdempotency(ctx, claim.scope, claim.key)
			if err != nil {
				return err
			}
			if !claimed {
				result, err = claim.replay(prior)
				return err
			}
		}
		ok, err := tx.StoreExists(ctx, req.StoreID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrStoreNotFound
		}
		m := &movement{svc: s, tx: tx, req: req, now: s.now()}
		if err := m.prepare(ctx); err != nil {
			return err
		}
		switch req.Type {
		case MovementSale:
			err = m.sale(ctx)
		case MovementReceipt:
			err = m.receipt(ctx)
		case MovementTransfer:
			err = m.transfer(ctx)
		case MovementReturn:
			err = m.returnGoods(ctx)
		default:
			err = ErrUnsupportedMovement
		}
		if err != nil {
			return err
		}
		result = m.result()
		if req.IdempotencyKey != "" {
			payload, err := json.Marshal(storedResult{Fingerprint: claim.fingerprint, Result: result})
			if err != nil {
				return err
			}
			if err := tx.CompleteIdempotency(ctx, claim.scope, claim.key, payload); err != nil {
				return err
			}
		}
		return nil
	})
	return result, err
}

func validateRequest(req MovementRequest) error {
	switch req.Type {
	case MovementSale, MovementReceipt, MovementTransfer, MovementReturn:
	case MovementAdjustment:
		return fmt.Errorf("%w: adjustments are batch expire or deplete operations", ErrUnsupportedMovement)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedMovement, req.Type)
	}
	if req.StoreID <= 0 {
		return fmt.Errorf("%w: store required", ErrInvalidRequest)
	}
	if req.UserID <= 0 {
		return fmt.Errorf("%w: user required", ErrInvalidRequest)
	}
	if len(req.Lines) == 0 {
		return fmt.Errorf("%w: at least one line required", ErrInvalidRequest)
	}
	if req.Type == MovementReturn && req.ReferenceID == "" {
		return fmt.Errorf("%w: original invoice required for returns", ErrInvalidRequest)
	}
	for i, line := range req.Lines {
		if line.ProductID <= 0 {
			return lineErr(i, fmt.Errorf("%w: product required", ErrInvalidRequest))
		}
		if line.Quantity <= 0 {
			return lineErr(i, ErrInvalidQuantity)
		}
		if line.UnitPrice != nil && line.UnitPrice.IsNegative() {
			return lineErr(i, fmt.Errorf("%w: unit price must be >= 0", ErrInvalidRequest))
		}
		if line.ExpiryDate != nil && line.ProductionDate != nil && line.ExpiryDate.Before(*line.ProductionDate) {
			return lineErr(i, fmt.Errorf("%w: expiry before production date", ErrInvalidRequest))
		}
		if line.BatchHint != nil && (*line.BatchHint <= 0 || req.Type == MovementReceipt || req.Type == MovementReturn) {
			return lineErr(i, fmt.Errorf("%w: batch hint only applies to sales and transfers", ErrInvalidRequest))
		}
	}
	return nil
}

func (s *Service) finish(req MovementRequest, err error, started time.Time) {
	outcome := "committed"
	if err != nil {
		outcome = string(Kind(err))
	}
	if s.metrics != nil {
		s.metrics.ObserveMovement(string(req.Type), outcome, time.Since(started))
	}
	attrs := []any{
		slog.String("type", string(req.Type)),
		slog.Int64("store_id", req.StoreID),
		slog.Int64("user_id", req.UserID),
		slog.Int("lines", len(req.Lines)),
	}
	switch Kind(err) {
	case KindNone:
		s.logger.Info("movement committed", attrs...)
	case KindStorage:
		s.logger.Error("movement failed", append(attrs, slog.Any("error", err))...)
	default:
		s.logger.Warn("movement refused", append(attrs, slog.String("kind", string(Kind(err))), slog.Any("error", err))...)
	}
}

func (s *Service) afterCommit(ctx context.Context, req MovementRequest, result MovementResult) {
	if s.audit != nil {
		err := s.audit.Record(ctx, shared.AuditLog{
			ActorID:  req.UserID,
			StoreID:  req.StoreID,
			Action:   "ledger:" + strings.ToLower(string(req.Type)),
			Entity:   "movement",
			EntityID: result.Reference,
			Meta: map[string]any{
				"transaction_ids": result.TransactionIDs,
				"lines":           len(req.Lines),
				"total":           result.Total.StringFixed(2),
			},
			At: s.now(),
		})
		if err != nil {
			s.logger.Warn("audit movement", slog.Any("error", err))
		}
	}
	s.notify(ctx, req.StoreID)
}

func (s *Service) notify(ctx context.Context, storeID int64) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyStockChanged(ctx, storeID); err != nil {
		s.logger.Warn("alert notify", slog.Int64("store_id", storeID), slog.Any("error", err))
	}
}

func (s *Service) auditAdmin(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if log.At.IsZero() {
		log.At = s.now()
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit", slog.String("action", log.Action), slog.Any("error", err))
	}
}
