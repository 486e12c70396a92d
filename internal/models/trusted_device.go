package models

import "time"

// TrustedDevice grants temporary MFA bypass to a known browser. The client
// keeps the plaintext token; only its SHA-256 digest is stored here.
type TrustedDevice struct {
	BaseModel

	AccountID   string    `gorm:"type:uuid;not null;index" json:"account_id"`
	TokenDigest string    `gorm:"uniqueIndex;not null" json:"-"`
	ExpiresAt   time.Time `gorm:"not null;index" json:"expires_at"`
}

// Active reports whether the bypass is still valid at the given instant.
func (d *TrustedDevice) Active(now time.Time) bool {
	return now.Before(d.ExpiresAt)
}
