package models

import "time"

// Factor statuses. A factor is created unverified and flips to verified
// exactly once, when its owner proves possession of the secret.
const (
	FactorStatusUnverified = "unverified"
	FactorStatusVerified   = "verified"
)

// FactorTypeTOTP is the only factor type currently supported.
const FactorTypeTOTP = "totp"

// AuthFactor is an enrolled second factor. The TOTP secret is stored
// AES-256-GCM encrypted; the plaintext exists only inside the MFA services.
type AuthFactor struct {
	BaseModel

	AccountID    string     `gorm:"type:uuid;not null;index" json:"account_id"`
	Type         string     `gorm:"not null;default:totp" json:"type"`
	Secret       string     `gorm:"not null" json:"-"`
	Status       string     `gorm:"not null;default:unverified;index" json:"status"`
	FriendlyName string     `json:"friendly_name"`
	VerifiedAt   *time.Time `json:"verified_at"`
}

// Verified reports whether the factor has completed enrollment.
func (f *AuthFactor) Verified() bool {
	return f.Status == FactorStatusVerified
}
