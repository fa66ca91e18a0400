package services

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sunfac/flavr-sub002/internal/domain/repositories"
)

// SyncService periodically re-reconciles every locally-active subscription
// to catch drift from missed webhooks or silent expiries. Records are
// processed independently; one failure never takes down the batch.
type SyncService struct {
	repo        repositories.EntitlementRepository
	reconciler  *Reconciler
	interval    time.Duration
	concurrency int
	logger      *slog.Logger
}

func NewSyncService(repo repositories.EntitlementRepository, reconciler *Reconciler, interval time.Duration, concurrency int, logger *slog.Logger) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &SyncService{
		repo:        repo,
		reconciler:  reconciler,
		interval:    interval,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run executes one pass immediately, then one per interval until ctx ends.
func (s *SyncService) Run(ctx context.Context) {
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *SyncService) RunOnce(ctx context.Context) {
	start := time.Now()

	userIDs, err := s.repo.ListActiveUserIDs(ctx)
	if err != nil {
		s.logger.Error("sync pass failed to list active subscriptions", "error", err)
		return
	}

	var reconciled, unchanged, unknown, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, userID := range userIDs {
		userID := userID
		g.Go(func() error {
			outcome, err := s.reconciler.ReconcileOne(gctx, userID)
			if err != nil {
				failed.Add(1)
				s.logger.Error("sync reconciliation failed", "user_id", userID, "error", err)
				return nil
			}
			switch outcome {
			case OutcomeReconciled:
				reconciled.Add(1)
			case OutcomeUnknown:
				unknown.Add(1)
			default:
				unchanged.Add(1)
			}
			s.logger.Info("sync reconciled record", "user_id", userID, "outcome", outcome)
			return nil
		})
	}
	g.Wait()

	s.logger.Info("sync pass complete",
		"records", len(userIDs),
		"reconciled", reconciled.Load(),
		"unchanged", unchanged.Load(),
		"unknown", unknown.Load(),
		"failed", failed.Load(),
		"elapsed", time.Since(start).String(),
	)
}
