package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const jobTimeout = 5 * time.Minute

// OrphanSweeper removes uploads that never made it into a post or story.
type OrphanSweeper interface {
	SweepOrphans(ctx context.Context) (int, error)
}

// StoryPurger deletes expired stories and returns the media they released.
type StoryPurger interface {
	PurgeExpired(ctx context.Context) ([]string, error)
}

// AssetPurger deletes media regardless of owner.
type AssetPurger interface {
	Purge(ctx context.Context, publicIDs []string) (int, error)
}

type Config struct {
	Interval time.Duration
	Sweeper  OrphanSweeper
	Stories  StoryPurger
	Assets   AssetPurger
	Logger   *zap.Logger
}

// Report summarises one maintenance pass.
type Report struct {
	OrphansRemoved int
	StoriesPurged  int
	AssetsPurged   int
}

// Runner schedules the periodic cleanup jobs.
type Runner struct {
	interval time.Duration
	sweeper  OrphanSweeper
	stories  StoryPurger
	assets   AssetPurger
	logger   *zap.Logger
}

func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("maintenance: interval must be positive")
	}
	if cfg.Sweeper == nil || cfg.Stories == nil || cfg.Assets == nil {
		return nil, errors.New("maintenance: sweeper, story purger and asset purger are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		interval: cfg.Interval,
		sweeper:  cfg.Sweeper,
		stories:  cfg.Stories,
		assets:   cfg.Assets,
		logger:   logger,
	}, nil
}

// RunOnce performs a single maintenance pass. Every step runs even if an earlier one fails.
func (r *Runner) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	var errs []error

	removed, err := r.sweeper.SweepOrphans(ctx)
	report.OrphansRemoved = removed
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep orphans: %w", err))
	}

	released, err := r.stories.PurgeExpired(ctx)
	report.StoriesPurged = len(released)
	if err != nil {
		errs = append(errs, fmt.Errorf("purge stories: %w", err))
	}
	if len(released) > 0 {
		purged, err := r.assets.Purge(ctx, released)
		report.AssetsPurged = purged
		if err != nil {
			errs = append(errs, fmt.Errorf("purge story media: %w", err))
		}
	}
	return report, errors.Join(errs...)
}

// Start schedules RunOnce every interval, beginning immediately, until ctx ends.
func (r *Runner) Start(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return fmt.Errorf("maintenance: create scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(func() {
			if ctx.Err() != nil {
				return
			}
			taskCtx, cancel := context.WithTimeout(ctx, jobTimeout)
			defer cancel()
			report, err := r.RunOnce(taskCtx)
			if err != nil {
				r.logger.Error("maintenance pass failed", zap.Error(err))
			}
			r.logger.Info("maintenance pass completed",
				zap.Int("orphans_removed", report.OrphansRemoved),
				zap.Int("stories_purged", report.StoriesPurged),
				zap.Int("assets_purged", report.AssetsPurged))
		}),
		gocron.WithName("instaplus-maintenance"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("maintenance: schedule job: %w", err)
	}

	scheduler.Start()

	go func() {
		<-ctx.Done()
		r.logger.Info("stopping maintenance scheduler")
		if err := scheduler.Shutdown(); err != nil {
			r.logger.Error("failed to shut down maintenance scheduler", zap.Error(err))
		}
	}()
	return nil
}
