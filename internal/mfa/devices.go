package mfa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tallyhq/tally/internal/models"
	"github.com/tallyhq/tally/pkg/crypto"
	"github.com/tallyhq/tally/pkg/metrics"
)

const (
	// DefaultDeviceTTL keeps a remembered browser trusted for 30 days.
	DefaultDeviceTTL = 30 * 24 * time.Hour

	deviceTokenBytes = 32
)

// DeviceOption customises the trusted device registry.
type DeviceOption func(*DeviceRegistry)

// WithDeviceTTL overrides how long a trusted device bypasses MFA.
func WithDeviceTTL(ttl time.Duration) DeviceOption {
	return func(r *DeviceRegistry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithDeviceClock injects a custom clock, primarily for testing.
func WithDeviceClock(clock func() time.Time) DeviceOption {
	return func(r *DeviceRegistry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// DeviceRegistry records expiring bypass tokens for known browsers. Only the
// SHA-256 digest of a token is stored; losing the plaintext simply means the
// device is challenged next time.
type DeviceRegistry struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// NewDeviceRegistry constructs a trusted device registry.
func NewDeviceRegistry(db *gorm.DB, opts ...DeviceOption) (*DeviceRegistry, error) {
	if db == nil {
		return nil, errors.New("device registry: db is required")
	}

	registry := &DeviceRegistry{
		db:  db,
		ttl: DefaultDeviceTTL,
		now: time.Now,
	}

	for _, opt := range opts {
		opt(registry)
	}

	return registry, nil
}

// Check reports whether the presented token identifies a non-expired trusted
// device for the account. Used as a pre-check before issuing a challenge.
func (r *DeviceRegistry) Check(ctx context.Context, accountID, token string) (bool, error) {
	accountID = strings.TrimSpace(accountID)
	token = strings.TrimSpace(token)
	if accountID == "" || token == "" {
		return false, nil
	}

	var count int64
	err := r.db.WithContext(ctx).Model(&models.TrustedDevice{}).
		Where("account_id = ? AND token_digest = ? AND expires_at > ?", accountID, crypto.Digest(token), r.now().UTC()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("device registry: lookup: %w", err)
	}

	if count > 0 {
		metrics.TrustedDeviceChecks.WithLabelValues("trusted").Inc()
		return true, nil
	}

	metrics.TrustedDeviceChecks.WithLabelValues("untrusted").Inc()
	return false, nil
}

// Add mints a new bypass token for the account and returns the plaintext to
// be stored client-side. The plaintext is never retrievable again.
func (r *DeviceRegistry) Add(ctx context.Context, accountID string) (string, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", errors.New("device registry: account id is required")
	}

	token, err := crypto.GenerateToken(deviceTokenBytes)
	if err != nil {
		return "", fmt.Errorf("device registry: mint token: %w", err)
	}

	device := models.TrustedDevice{
		AccountID:   accountID,
		TokenDigest: crypto.Digest(token),
		ExpiresAt:   r.now().UTC().Add(r.ttl),
	}
	if err := r.db.WithContext(ctx).Create(&device).Error; err != nil {
		return "", fmt.Errorf("device registry: store device: %w", err)
	}

	return token, nil
}

// Revoke deletes all trusted devices for an account. Used on MFA disablement
// and explicit "sign out everywhere".
func (r *DeviceRegistry) Revoke(ctx context.Context, accountID string) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil
	}

	if err := r.db.WithContext(ctx).Delete(&models.TrustedDevice{}, "account_id = ?", accountID).Error; err != nil {
		return fmt.Errorf("device registry: revoke: %w", err)
	}
	return nil
}
