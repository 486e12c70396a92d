package mfa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tallyhq/tally/internal/models"
)

const (
	// DefaultLockoutWindow is the rolling period over which failures count.
	DefaultLockoutWindow = 15 * time.Minute

	// DefaultLockoutThreshold is the number of consecutive failures that
	// trips the guard.
	DefaultLockoutThreshold = 5
)

// GuardOption customises the lockout guard.
type GuardOption func(*LockoutGuard)

// WithLockoutWindow overrides the rolling window.
func WithLockoutWindow(window time.Duration) GuardOption {
	return func(g *LockoutGuard) {
		if window > 0 {
			g.window = window
		}
	}
}

// WithLockoutThreshold overrides the failure threshold.
func WithLockoutThreshold(threshold int) GuardOption {
	return func(g *LockoutGuard) {
		if threshold > 0 {
			g.threshold = threshold
		}
	}
}

// WithGuardClock injects a custom clock, primarily for testing.
func WithGuardClock(clock func() time.Time) GuardOption {
	return func(g *LockoutGuard) {
		if clock != nil {
			g.now = clock
		}
	}
}

// LockoutStatus is the result of a lockout check.
type LockoutStatus struct {
	Locked     bool
	Reason     string // "identifier" or "ip"
	RetryAfter time.Duration
}

// LockoutGuard tracks failed attempts per identifier and per IP, enforcing a
// temporary lockout independent of code correctness. Primary-auth and MFA
// failures feed the same guard, so switching attack vector does not reset the
// counter.
type LockoutGuard struct {
	db        *gorm.DB
	window    time.Duration
	threshold int
	now       func() time.Time
}

// NewLockoutGuard constructs a lockout guard.
func NewLockoutGuard(db *gorm.DB, opts ...GuardOption) (*LockoutGuard, error) {
	if db == nil {
		return nil, errors.New("lockout guard: db is required")
	}

	guard := &LockoutGuard{
		db:        db,
		window:    DefaultLockoutWindow,
		threshold: DefaultLockoutThreshold,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(guard)
	}

	return guard, nil
}

// CheckLockout aggregates recent attempts and reports whether the identifier
// or the IP is locked out. Only consecutive failures since the last success
// count toward the threshold.
func (g *LockoutGuard) CheckLockout(ctx context.Context, identifier, ip string) (LockoutStatus, error) {
	identifier = strings.TrimSpace(identifier)
	ip = strings.TrimSpace(ip)

	if identifier != "" {
		status, err := g.dimensionStatus(ctx, "identifier", identifier)
		if err != nil || status.Locked {
			return status, err
		}
	}

	if ip != "" {
		status, err := g.dimensionStatus(ctx, "ip_address", ip)
		if err != nil || status.Locked {
			return status, err
		}
	}

	return LockoutStatus{}, nil
}

// RecordAttempt appends one attempt row. A success never deletes history; it
// becomes the boundary after which failures are counted.
func (g *LockoutGuard) RecordAttempt(ctx context.Context, identifier, ip, scope string, success bool) error {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return errors.New("lockout guard: identifier is required")
	}
	if scope != models.AttemptScopePrimary && scope != models.AttemptScopeMFA {
		scope = models.AttemptScopeMFA
	}

	attempt := models.LoginAttempt{
		Identifier: identifier,
		IPAddress:  strings.TrimSpace(ip),
		Scope:      scope,
		Success:    success,
	}
	if err := g.db.WithContext(ctx).Create(&attempt).Error; err != nil {
		return fmt.Errorf("lockout guard: record attempt: %w", err)
	}
	return nil
}

func (g *LockoutGuard) dimensionStatus(ctx context.Context, column, value string) (LockoutStatus, error) {
	now := g.now().UTC()
	windowStart := now.Add(-g.window)

	since := windowStart
	var lastSuccess models.LoginAttempt
	err := g.db.WithContext(ctx).
		Where(column+" = ? AND success = ?", value, true).
		Order("created_at DESC").
		First(&lastSuccess).Error
	switch {
	case err == nil:
		if lastSuccess.CreatedAt.After(since) {
			since = lastSuccess.CreatedAt
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		// no success on record; the window start stands
	default:
		return LockoutStatus{}, fmt.Errorf("lockout guard: load last success: %w", err)
	}

	var failures []models.LoginAttempt
	err = g.db.WithContext(ctx).
		Where(column+" = ? AND success = ? AND created_at > ?", value, false, since).
		Order("created_at ASC").
		Find(&failures).Error
	if err != nil {
		return LockoutStatus{}, fmt.Errorf("lockout guard: count failures: %w", err)
	}

	if len(failures) < g.threshold {
		return LockoutStatus{}, nil
	}

	reason := "ip"
	if column == "identifier" {
		reason = "identifier"
	}

	// The lock relaxes once the oldest counted failure ages out of the window.
	retryAfter := failures[0].CreatedAt.Add(g.window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}

	return LockoutStatus{Locked: true, Reason: reason, RetryAfter: retryAfter}, nil
}
