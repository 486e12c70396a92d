package mfa

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
	"gorm.io/gorm"

	"github.com/tallyhq/tally/internal/models"
	"github.com/tallyhq/tally/pkg/crypto"
	appErrors "github.com/tallyhq/tally/pkg/errors"
)

const (
	defaultIssuer     = "Tally"
	defaultQRCodeSize = 256
	defaultSecretSize = 20 // bytes; 160 bits per RFC 4226 recommendation
)

// EnrollmentOption customises the enrollment service.
type EnrollmentOption func(*EnrollmentService)

// WithIssuer overrides the issuer string encoded in provisioning URIs.
func WithIssuer(issuer string) EnrollmentOption {
	return func(s *EnrollmentService) {
		if strings.TrimSpace(issuer) != "" {
			s.issuer = issuer
		}
	}
}

// WithQRCodeSize controls the pixel size of generated QR codes.
func WithQRCodeSize(size int) EnrollmentOption {
	return func(s *EnrollmentService) {
		if size > 0 {
			s.qrCodeSize = size
		}
	}
}

// WithEnrollmentClock injects a custom clock, primarily for testing.
func WithEnrollmentClock(clock func() time.Time) EnrollmentOption {
	return func(s *EnrollmentService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// EnrollmentTicket is handed to a user starting TOTP setup. Secret and QRCode
// are shown exactly once; the secret is stored only in encrypted form.
type EnrollmentTicket struct {
	FactorID        string `json:"factor_id"`
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
	QRCode          []byte `json:"qr_code"`
}

// EnrollmentService creates, deduplicates, and finalizes TOTP factors.
type EnrollmentService struct {
	db            *gorm.DB
	verifier      *Verifier
	vault         *RecoveryVault
	encryptionKey []byte

	issuer     string
	qrCodeSize int
	now        func() time.Time
}

// NewEnrollmentService constructs an enrollment service backed by the provided database.
func NewEnrollmentService(db *gorm.DB, verifier *Verifier, vault *RecoveryVault, encryptionKey []byte, opts ...EnrollmentOption) (*EnrollmentService, error) {
	if db == nil {
		return nil, errors.New("enrollment: db is required")
	}
	if verifier == nil {
		return nil, errors.New("enrollment: verifier is required")
	}
	if vault == nil {
		return nil, errors.New("enrollment: recovery vault is required")
	}
	if len(encryptionKey) == 0 {
		return nil, errors.New("enrollment: encryption key is required")
	}

	service := &EnrollmentService{
		db:            db,
		verifier:      verifier,
		vault:         vault,
		encryptionKey: encryptionKey,
		issuer:        defaultIssuer,
		qrCodeSize:    defaultQRCodeSize,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// StartEnrollment provisions (or resumes) a pending TOTP factor for an account.
//
// An account that abandoned setup and retries gets the same secret back, so
// authenticator apps do not accumulate conflicting entries. Duplicate pending
// factors left behind by racing requests are cleaned up silently: the newest
// survives, the rest are deleted.
func (s *EnrollmentService) StartEnrollment(ctx context.Context, accountID, accountName string) (*EnrollmentTicket, error) {
	accountID = strings.TrimSpace(accountID)
	accountName = strings.TrimSpace(accountName)
	if accountID == "" || accountName == "" {
		return nil, errors.New("enrollment: account id and name are required")
	}

	var verified int64
	err := s.db.WithContext(ctx).Model(&models.AuthFactor{}).
		Where("account_id = ? AND status = ?", accountID, models.FactorStatusVerified).
		Count(&verified).Error
	if err != nil {
		return nil, fmt.Errorf("enrollment: count verified factors: %w", err)
	}
	if verified > 0 {
		return nil, appErrors.ErrAlreadyEnrolled
	}

	var pending []models.AuthFactor
	err = s.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, models.FactorStatusUnverified).
		Order("created_at DESC").
		Find(&pending).Error
	if err != nil {
		return nil, fmt.Errorf("enrollment: load pending factors: %w", err)
	}

	if len(pending) > 0 {
		keep := pending[0]
		if len(pending) > 1 {
			ids := make([]string, 0, len(pending)-1)
			for _, f := range pending[1:] {
				ids = append(ids, f.ID)
			}
			if err := s.db.WithContext(ctx).Delete(&models.MfaChallenge{}, "factor_id IN ?", ids).Error; err != nil {
				return nil, fmt.Errorf("enrollment: prune duplicate challenges: %w", err)
			}
			if err := s.db.WithContext(ctx).Delete(&models.AuthFactor{}, "id IN ?", ids).Error; err != nil {
				return nil, fmt.Errorf("enrollment: prune duplicate factors: %w", err)
			}
		}

		secret, err := crypto.Decrypt(keep.Secret, s.encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("enrollment: decrypt pending secret: %w", err)
		}

		return s.ticketFor(&keep, accountName, string(secret))
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountName,
		SecretSize:  defaultSecretSize,
	})
	if err != nil {
		return nil, fmt.Errorf("enrollment: generate key: %w", err)
	}

	encrypted, err := crypto.Encrypt([]byte(key.Secret()), s.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("enrollment: encrypt secret: %w", err)
	}

	factor := models.AuthFactor{
		AccountID:    accountID,
		Type:         models.FactorTypeTOTP,
		Secret:       encrypted,
		Status:       models.FactorStatusUnverified,
		FriendlyName: accountName,
	}

	// Delete-then-insert inside one transaction so two racing starts resolve
	// to a single surviving pending factor.
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.AuthFactor{}, "account_id = ? AND status = ?", accountID, models.FactorStatusUnverified).Error; err != nil {
			return err
		}
		return tx.Create(&factor).Error
	})
	if err != nil {
		return nil, fmt.Errorf("enrollment: create factor: %w", err)
	}

	return s.ticketFor(&factor, accountName, key.Secret())
}

// FinalizeEnrollment proves possession of the secret and activates the factor.
// The factor must belong to accountID; finishing another account's enrollment
// is indistinguishable from an unknown factor.
// The code is checked against a challenge issued for this call; stale
// challenges from an idling provisioning screen are never reused. On success
// the factor flips to verified and a fresh recovery batch is returned.
func (s *EnrollmentService) FinalizeEnrollment(ctx context.Context, accountID, factorID, code string, meta AttemptMeta) ([]string, error) {
	accountID = strings.TrimSpace(accountID)
	factorID = strings.TrimSpace(factorID)
	if accountID == "" || factorID == "" {
		return nil, appErrors.ErrFactorNotFound
	}

	var factor models.AuthFactor
	if err := s.db.WithContext(ctx).First(&factor, "id = ? AND account_id = ?", factorID, accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErrors.ErrFactorNotFound
		}
		return nil, fmt.Errorf("enrollment: load factor: %w", err)
	}
	if factor.Verified() {
		return nil, appErrors.ErrAlreadyEnrolled
	}

	challenge, err := s.verifier.IssueChallenge(ctx, accountID, factor.ID)
	if err != nil {
		return nil, err
	}

	if err := s.verifier.Verify(ctx, VerifyInput{
		ChallengeID: challenge.ID,
		AccountID:   accountID,
		Code:        code,
		Kind:        KindTOTP,
		Identifier:  accountID,
		IPAddress:   meta.IPAddress,
	}); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.AuthFactor{}).
			Where("id = ? AND status = ?", factor.ID, models.FactorStatusUnverified).
			Updates(map[string]any{"status": models.FactorStatusVerified, "verified_at": &now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return appErrors.ErrAlreadyEnrolled
		}

		return tx.Delete(&models.AuthFactor{},
			"account_id = ? AND status = ? AND id <> ?",
			factor.AccountID, models.FactorStatusUnverified, factor.ID).Error
	})
	if err != nil {
		var appErr *appErrors.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, fmt.Errorf("enrollment: activate factor: %w", err)
	}

	return s.vault.Generate(ctx, factor.AccountID)
}

// Disable removes the account's factors along with all recovery codes and
// trusted devices. Returns ErrNotEnrolled when no verified factor exists.
func (s *EnrollmentService) Disable(ctx context.Context, accountID string) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return appErrors.ErrNotEnrolled
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var verified int64
		if err := tx.Model(&models.AuthFactor{}).
			Where("account_id = ? AND status = ?", accountID, models.FactorStatusVerified).
			Count(&verified).Error; err != nil {
			return err
		}
		if verified == 0 {
			return appErrors.ErrNotEnrolled
		}

		if err := tx.Delete(&models.MfaChallenge{},
			"factor_id IN (?)",
			tx.Session(&gorm.Session{NewDB: true}).Model(&models.AuthFactor{}).Select("id").Where("account_id = ?", accountID),
		).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.AuthFactor{}, "account_id = ?", accountID).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.RecoveryCode{}, "account_id = ?", accountID).Error; err != nil {
			return err
		}
		return tx.Delete(&models.TrustedDevice{}, "account_id = ?", accountID).Error
	})
	if err != nil {
		var appErr *appErrors.AppError
		if errors.As(err, &appErr) {
			return appErr
		}
		return fmt.Errorf("enrollment: disable: %w", err)
	}

	return nil
}

// HasVerifiedFactor reports whether the account has completed enrollment.
func (s *EnrollmentService) HasVerifiedFactor(ctx context.Context, accountID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.AuthFactor{}).
		Where("account_id = ? AND status = ?", strings.TrimSpace(accountID), models.FactorStatusVerified).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("enrollment: count verified factors: %w", err)
	}
	return count > 0, nil
}

// VerifiedFactor returns the account's verified factor, or ErrNotEnrolled.
func (s *EnrollmentService) VerifiedFactor(ctx context.Context, accountID string) (*models.AuthFactor, error) {
	var factor models.AuthFactor
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", strings.TrimSpace(accountID), models.FactorStatusVerified).
		First(&factor).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErrors.ErrNotEnrolled
		}
		return nil, fmt.Errorf("enrollment: load verified factor: %w", err)
	}
	return &factor, nil
}

func (s *EnrollmentService) ticketFor(factor *models.AuthFactor, accountName, secret string) (*EnrollmentTicket, error) {
	key, err := provisioningKey(s.issuer, accountName, secret)
	if err != nil {
		return nil, fmt.Errorf("enrollment: build provisioning key: %w", err)
	}

	png, err := qrcode.Encode(key.String(), qrcode.Medium, s.qrCodeSize)
	if err != nil {
		return nil, fmt.Errorf("enrollment: render qr code: %w", err)
	}

	return &EnrollmentTicket{
		FactorID:        factor.ID,
		Secret:          secret,
		ProvisioningURI: key.String(),
		QRCode:          png,
	}, nil
}

func provisioningKey(issuer, accountName, secret string) (*otp.Key, error) {
	query := url.Values{}
	query.Set("secret", secret)
	query.Set("issuer", issuer)
	query.Set("algorithm", "SHA1")
	query.Set("digits", "6")
	query.Set("period", "30")

	uri := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + issuer + ":" + accountName,
		RawQuery: query.Encode(),
	}

	return otp.NewKeyFromURL(uri.String())
}
