package simplemedia

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	Scanned int
	Young   int
	Live    int
	Deleted int
	Failed  int
	// Stale counts temporary files from interrupted Puts that were removed.
	Stale int
}

// Sweeper deletes objects that no committed media row references. Objects
// younger than Grace are skipped because their publication may still be in
// flight; Grace must exceed the PUT deadline plus commit time.
type Sweeper struct {
	Store   Store
	Objects ObjectStore
	Prefix  string
	Grace   time.Duration
	DryRun  bool
	Logger  *slog.Logger
	Now     func() time.Time
}

// Sweep runs one pass. Individual delete failures are counted and the pass
// continues.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	if s.Grace <= 0 {
		return report, errors.New("sweep grace period must be positive")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	objects, err := s.Objects.List(ctx, s.Prefix)
	if err != nil {
		return report, err
	}

	cutoff := now().Add(-s.Grace)
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		if obj.LastModified.After(cutoff) {
			report.Young++
			continue
		}

		exists, err := s.Store.MediaKeyExists(ctx, obj.Key)
		if err != nil {
			return report, classify("sweep", err)
		}
		if exists {
			report.Live++
			continue
		}

		if s.DryRun {
			logger.InfoContext(ctx, "orphaned object", "storage_key", obj.Key, "size_bytes", obj.Size)
			report.Deleted++
			continue
		}
		if err := s.Objects.Delete(ctx, obj.Key); err != nil {
			report.Failed++
			logger.ErrorContext(ctx, "failed to delete orphaned object", "storage_key", obj.Key, "error", err)
			continue
		}
		report.Deleted++
		logger.InfoContext(ctx, "deleted orphaned object", "storage_key", obj.Key, "size_bytes", obj.Size)
	}

	if cleaner, ok := s.Objects.(StaleCleaner); ok && !s.DryRun {
		n, err := cleaner.RemoveStale(ctx, cutoff)
		report.Stale = n
		if err != nil {
			report.Failed++
			logger.ErrorContext(ctx, "failed to remove stale temporary files", "error", err)
		}
	}

	return report, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.ErrorContext(ctx, "sweep failed", "error", err)
				continue
			}
			logger.InfoContext(ctx, "sweep finished",
				"scanned", report.Scanned, "deleted", report.Deleted, "stale", report.Stale, "failed", report.Failed)
		}
	}
}
