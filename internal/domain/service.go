package domain

import (
	"context"
	"log/slog"
	"time"
)

// SweepRepository is implemented by stores that can bulk-remove posts whose
// report sets reached the strike threshold.
type SweepRepository interface {
	// DeleteStruckPosts removes every post with at least threshold reports and
	// returns the number of rows deleted.
	DeleteStruckPosts(ctx context.Context, threshold int) (int64, error)
}

// ModerationService owns server-side moderation upkeep. ReportPost already
// deletes at the threshold inside its transaction; the sweep catches posts
// whose reports arrived through plain set updates.
type ModerationService struct {
	repo      SweepRepository
	threshold int
	logger    *slog.Logger
}

// NewModerationService creates a ModerationService. A threshold below one
// uses StrikeThreshold.
func NewModerationService(repo SweepRepository, threshold int, logger *slog.Logger) *ModerationService {
	if threshold < 1 {
		threshold = StrikeThreshold
	}
	return &ModerationService{
		repo:      repo,
		threshold: threshold,
		logger:    logger,
	}
}

// StartSweepJob runs the sweep immediately and then at the given interval.
// It blocks until ctx is cancelled.
func (s *ModerationService) StartSweepJob(ctx context.Context, interval time.Duration) {
	s.runSweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runSweep(ctx)
		}
	}
}

func (s *ModerationService) runSweep(ctx context.Context) {
	deleted, err := s.repo.DeleteStruckPosts(ctx, s.threshold)
	if err != nil {
		s.logger.Error("moderation sweep failed", "error", err)
	} else if deleted > 0 {
		s.logger.Info("moderation sweep complete", "deleted", deleted)
	}
}
