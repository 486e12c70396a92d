package mfa

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tallyhq/tally/internal/models"
	"github.com/tallyhq/tally/pkg/crypto"
	appErrors "github.com/tallyhq/tally/pkg/errors"
)

const (
	defaultRecoveryBatchSize = 10
	recoveryCodeLength       = 8
	recoveryCodeCharset      = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// VaultOption customises the recovery code vault.
type VaultOption func(*RecoveryVault)

// WithBatchSize overrides the number of codes generated per batch.
func WithBatchSize(size int) VaultOption {
	return func(v *RecoveryVault) {
		if size > 0 {
			v.batchSize = size
		}
	}
}

// WithVaultClock injects a custom clock, primarily for testing.
func WithVaultClock(clock func() time.Time) VaultOption {
	return func(v *RecoveryVault) {
		if clock != nil {
			v.now = clock
		}
	}
}

// RecoveryVault generates, stores, and redeems one-time backup codes.
type RecoveryVault struct {
	db        *gorm.DB
	batchSize int
	now       func() time.Time
}

// NewRecoveryVault constructs a recovery code vault.
func NewRecoveryVault(db *gorm.DB, opts ...VaultOption) (*RecoveryVault, error) {
	if db == nil {
		return nil, errors.New("recovery vault: db is required")
	}

	vault := &RecoveryVault{
		db:        db,
		batchSize: defaultRecoveryBatchSize,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(vault)
	}

	return vault, nil
}

// Generate produces a fresh batch of codes and returns the plaintext exactly
// once. Prior unused codes are invalidated: they keep their rows (so a later
// redemption attempt is reported as already used rather than unknown) but can
// never match again.
func (v *RecoveryVault) Generate(ctx context.Context, accountID string) ([]string, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, errors.New("recovery vault: account id is required")
	}

	plaintext := make([]string, v.batchSize)
	rows := make([]models.RecoveryCode, v.batchSize)
	for i := range plaintext {
		code, err := randomRecoveryCode()
		if err != nil {
			return nil, fmt.Errorf("recovery vault: generate code: %w", err)
		}

		hash, err := crypto.HashCode(code)
		if err != nil {
			return nil, fmt.Errorf("recovery vault: hash code: %w", err)
		}

		plaintext[i] = code
		rows[i] = models.RecoveryCode{AccountID: accountID, CodeHash: hash}
	}

	now := v.now().UTC()
	err := v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.RecoveryCode{}).
			Where("account_id = ? AND used_at IS NULL", accountID).
			Update("used_at", &now).Error; err != nil {
			return err
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("recovery vault: store batch: %w", err)
	}

	return plaintext, nil
}

// Redeem consumes a single backup code. A code can never be redeemed twice;
// redeeming one code leaves its siblings intact. The winner of two racing
// redemptions is decided by a conditional update on the code row.
func (v *RecoveryVault) Redeem(ctx context.Context, accountID, candidate string) error {
	accountID = strings.TrimSpace(accountID)
	candidate = normalizeRecoveryCode(candidate)
	if accountID == "" || candidate == "" {
		return appErrors.ErrInvalidCode
	}

	var codes []models.RecoveryCode
	err := v.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at ASC").
		Find(&codes).Error
	if err != nil {
		return fmt.Errorf("recovery vault: load codes: %w", err)
	}

	for i := range codes {
		if !crypto.VerifyCode(codes[i].CodeHash, candidate) {
			continue
		}
		if codes[i].Used() {
			return appErrors.ErrCodeAlreadyUsed
		}

		now := v.now().UTC()
		res := v.db.WithContext(ctx).Model(&models.RecoveryCode{}).
			Where("id = ? AND used_at IS NULL", codes[i].ID).
			Update("used_at", &now)
		if res.Error != nil {
			return fmt.Errorf("recovery vault: consume code: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return appErrors.ErrCodeAlreadyUsed
		}
		return nil
	}

	return appErrors.ErrInvalidCode
}

// Remaining returns the number of unused codes for an account.
func (v *RecoveryVault) Remaining(ctx context.Context, accountID string) (int, error) {
	var count int64
	err := v.db.WithContext(ctx).Model(&models.RecoveryCode{}).
		Where("account_id = ? AND used_at IS NULL", strings.TrimSpace(accountID)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("recovery vault: count codes: %w", err)
	}
	return int(count), nil
}

func randomRecoveryCode() (string, error) {
	max := big.NewInt(int64(len(recoveryCodeCharset)))
	buf := make([]byte, recoveryCodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = recoveryCodeCharset[n.Int64()]
	}
	return string(buf), nil
}

func normalizeRecoveryCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}
