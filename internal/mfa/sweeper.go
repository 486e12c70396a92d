package mfa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tallyhq/tally/internal/models"
	"github.com/tallyhq/tally/pkg/logger"
)

const (
	defaultSweepSchedule = "@every 5m"

	// Attempt rows are only needed while they can influence a lockout
	// decision; keep a generous multiple of the window for audit queries.
	attemptRetentionFactor = 8
)

// SweeperOption customises the sweeper.
type SweeperOption func(*Sweeper)

// WithSweepSchedule overrides the cron specification.
func WithSweepSchedule(spec string) SweeperOption {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithSweeperClock injects a custom clock, primarily for testing.
func WithSweeperClock(clock func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) SweeperOption {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

// Sweeper periodically deletes expired challenges and trusted devices and
// prunes stale attempt rows. Housekeeping only: correctness never depends on
// a sweep having run, since every read re-checks expiry.
type Sweeper struct {
	db       *gorm.DB
	window   time.Duration
	schedule string
	cron     *cron.Cron
	now      func() time.Time
	log      *zap.Logger
}

// NewSweeper constructs a sweeper. The lockout window bounds attempt retention.
func NewSweeper(db *gorm.DB, lockoutWindow time.Duration, opts ...SweeperOption) (*Sweeper, error) {
	if db == nil {
		return nil, errors.New("sweeper: db is required")
	}
	if lockoutWindow <= 0 {
		lockoutWindow = DefaultLockoutWindow
	}

	sweeper := &Sweeper{
		db:       db,
		window:   lockoutWindow,
		schedule: defaultSweepSchedule,
		now:      time.Now,
		log:      logger.WithModule("sweeper"),
	}

	for _, opt := range opts {
		opt(sweeper)
	}

	if sweeper.cron == nil {
		sweeper.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return sweeper, nil
}

// Start registers the sweep job and launches the scheduler.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.RunOnce(context.Background()); err != nil {
			s.log.Warn("sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("sweeper: schedule %q: %w", s.schedule, err)
	}

	s.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce performs a single sweep. Failures in one table do not prevent the
// others from being swept.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	now := s.now().UTC()

	var errs error

	res := s.db.WithContext(ctx).Delete(&models.MfaChallenge{}, "expires_at <= ?", now)
	if res.Error != nil {
		errs = multierr.Append(errs, fmt.Errorf("sweep challenges: %w", res.Error))
	} else if res.RowsAffected > 0 {
		s.log.Debug("swept expired challenges", zap.Int64("count", res.RowsAffected))
	}

	res = s.db.WithContext(ctx).Delete(&models.TrustedDevice{}, "expires_at <= ?", now)
	if res.Error != nil {
		errs = multierr.Append(errs, fmt.Errorf("sweep trusted devices: %w", res.Error))
	} else if res.RowsAffected > 0 {
		s.log.Debug("swept expired trusted devices", zap.Int64("count", res.RowsAffected))
	}

	cutoff := now.Add(-time.Duration(attemptRetentionFactor) * s.window)
	res = s.db.WithContext(ctx).Delete(&models.LoginAttempt{}, "created_at < ?", cutoff)
	if res.Error != nil {
		errs = multierr.Append(errs, fmt.Errorf("sweep attempts: %w", res.Error))
	}

	return errs
}
