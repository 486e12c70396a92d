package mfa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"gorm.io/gorm"

	"github.com/tallyhq/tally/internal/models"
	"github.com/tallyhq/tally/pkg/crypto"
	appErrors "github.com/tallyhq/tally/pkg/errors"
	"github.com/tallyhq/tally/pkg/metrics"
)

// DefaultChallengeTTL bounds how long a client may sit on a code-entry form.
const DefaultChallengeTTL = 5 * time.Minute

// Verification kinds accepted by Verify.
const (
	KindTOTP     = "totp"
	KindRecovery = "recovery"
)

// totpPeriod and totpSkew implement the standard 30-second step with ±1 step
// tolerance for client clock drift.
const (
	totpPeriod = 30
	totpSkew   = 1
)

// VerifierOption customises the verifier.
type VerifierOption func(*Verifier)

// WithChallengeTTL overrides the challenge expiry window.
func WithChallengeTTL(ttl time.Duration) VerifierOption {
	return func(v *Verifier) {
		if ttl > 0 {
			v.ttl = ttl
		}
	}
}

// WithVerifierClock injects a custom clock, primarily for testing.
func WithVerifierClock(clock func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if clock != nil {
			v.now = clock
		}
	}
}

// AttemptMeta carries request metadata into attempt accounting and audit.
type AttemptMeta struct {
	Identifier string
	IPAddress  string
	UserAgent  string
}

// VerifyInput names the parameters of a single verification attempt.
type VerifyInput struct {
	ChallengeID string
	AccountID   string // the challenge's factor must belong to this account
	Code        string
	Kind        string
	Identifier  string // account id or email for lockout accounting
	IPAddress   string
}

// Challenge is the caller-facing view of an issued challenge.
type Challenge struct {
	ID        string    `json:"challenge_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Verifier issues single-use challenges and validates submitted codes.
type Verifier struct {
	db            *gorm.DB
	vault         *RecoveryVault
	guard         *LockoutGuard
	encryptionKey []byte

	ttl time.Duration
	now func() time.Time
}

// NewVerifier constructs a Verifier.
func NewVerifier(db *gorm.DB, vault *RecoveryVault, guard *LockoutGuard, encryptionKey []byte, opts ...VerifierOption) (*Verifier, error) {
	if db == nil {
		return nil, errors.New("verifier: db is required")
	}
	if vault == nil {
		return nil, errors.New("verifier: recovery vault is required")
	}
	if guard == nil {
		return nil, errors.New("verifier: lockout guard is required")
	}
	if len(encryptionKey) == 0 {
		return nil, errors.New("verifier: encryption key is required")
	}

	verifier := &Verifier{
		db:            db,
		vault:         vault,
		guard:         guard,
		encryptionKey: encryptionKey,
		ttl:           DefaultChallengeTTL,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(verifier)
	}

	return verifier, nil
}

// IssueChallenge creates a short-lived, single-use challenge bound to one
// factor. The factor must belong to accountID; a factor id from another
// account is indistinguishable from an unknown one. Prior unconsumed
// challenges are left outstanding; TOTP validity is time-windowed, so they
// cannot be abused beyond their own TTL.
func (v *Verifier) IssueChallenge(ctx context.Context, accountID, factorID string) (*Challenge, error) {
	accountID = strings.TrimSpace(accountID)
	factorID = strings.TrimSpace(factorID)
	if accountID == "" || factorID == "" {
		return nil, appErrors.ErrFactorNotFound
	}

	var factor models.AuthFactor
	if err := v.db.WithContext(ctx).First(&factor, "id = ? AND account_id = ?", factorID, accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErrors.ErrFactorNotFound
		}
		return nil, fmt.Errorf("verifier: load factor: %w", err)
	}

	challenge := models.MfaChallenge{
		FactorID:  factor.ID,
		ExpiresAt: v.now().UTC().Add(v.ttl),
	}
	if err := v.db.WithContext(ctx).Create(&challenge).Error; err != nil {
		return nil, fmt.Errorf("verifier: create challenge: %w", err)
	}

	return &Challenge{ID: challenge.ID, ExpiresAt: challenge.ExpiresAt}, nil
}

// Verify validates a submitted code against an outstanding challenge.
//
// The lockout guard is consulted before the code is inspected, so a locked
// account learns nothing about code validity. The challenge is claimed with a
// conditional update before validation: of two racing requests, exactly one
// proceeds and the loser sees ErrChallengeNotFound. Challenges are spent on
// failure too, preventing repeated guessing against a single challenge.
func (v *Verifier) Verify(ctx context.Context, input VerifyInput) error {
	kind := strings.ToLower(strings.TrimSpace(input.Kind))
	if kind != KindTOTP && kind != KindRecovery {
		return appErrors.NewBadRequest("kind must be totp or recovery")
	}

	status, err := v.guard.CheckLockout(ctx, input.Identifier, input.IPAddress)
	if err != nil {
		return err
	}
	if status.Locked {
		metrics.MFALockouts.Inc()
		return appErrors.ErrRateLimited
	}

	var challenge models.MfaChallenge
	err = v.db.WithContext(ctx).
		Where("id = ? AND consumed_at IS NULL", strings.TrimSpace(input.ChallengeID)).
		First(&challenge).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return appErrors.ErrChallengeNotFound
		}
		return fmt.Errorf("verifier: load challenge: %w", err)
	}

	now := v.now().UTC()
	if challenge.Expired(now) {
		return appErrors.ErrChallengeExpired
	}

	var factor models.AuthFactor
	if err := v.db.WithContext(ctx).First(&factor, "id = ?", challenge.FactorID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return appErrors.ErrFactorNotFound
		}
		return fmt.Errorf("verifier: load factor: %w", err)
	}

	// The challenge is only redeemable by the account that owns its factor.
	// A mismatch must not consume the challenge or feed the failure counter.
	if factor.AccountID != strings.TrimSpace(input.AccountID) {
		return appErrors.ErrChallengeNotFound
	}

	res := v.db.WithContext(ctx).Model(&models.MfaChallenge{}).
		Where("id = ? AND consumed_at IS NULL", challenge.ID).
		Update("consumed_at", &now)
	if res.Error != nil {
		return fmt.Errorf("verifier: consume challenge: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// A concurrent request claimed the challenge first.
		return appErrors.ErrChallengeNotFound
	}

	identifier := strings.TrimSpace(input.Identifier)
	if identifier == "" {
		identifier = factor.AccountID
	}

	verifyErr := v.checkCode(ctx, &factor, kind, input.Code, now)

	// Only authentication outcomes feed the lockout counter; a storage or
	// decryption fault says nothing about the submitted code.
	var appErr *appErrors.AppError
	if verifyErr != nil && !errors.As(verifyErr, &appErr) {
		return verifyErr
	}

	success := verifyErr == nil
	if err := v.guard.RecordAttempt(ctx, identifier, input.IPAddress, models.AttemptScopeMFA, success); err != nil {
		return err
	}

	if success {
		metrics.MFAVerifications.WithLabelValues(kind, "success").Inc()
		return nil
	}

	metrics.MFAVerifications.WithLabelValues(kind, "failure").Inc()
	return verifyErr
}

func (v *Verifier) checkCode(ctx context.Context, factor *models.AuthFactor, kind, code string, now time.Time) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return appErrors.ErrInvalidCode
	}

	if kind == KindRecovery {
		return v.vault.Redeem(ctx, factor.AccountID, code)
	}

	secret, err := crypto.Decrypt(factor.Secret, v.encryptionKey)
	if err != nil {
		return fmt.Errorf("verifier: decrypt secret: %w", err)
	}

	valid, err := totp.ValidateCustom(code, string(secret), now, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return fmt.Errorf("verifier: validate totp: %w", err)
	}
	if !valid {
		return appErrors.ErrInvalidCode
	}

	return nil
}
