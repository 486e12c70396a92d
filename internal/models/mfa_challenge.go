package models

import "time"

// MfaChallenge binds one verification attempt to one factor. Challenges are
// single-use: ConsumedAt is set exactly once, success or failure.
type MfaChallenge struct {
	BaseModel

	FactorID   string     `gorm:"type:uuid;not null;index" json:"factor_id"`
	ExpiresAt  time.Time  `gorm:"not null;index" json:"expires_at"`
	ConsumedAt *time.Time `json:"-"`
}

// Consumed reports whether the challenge has already been spent.
func (c *MfaChallenge) Consumed() bool {
	return c.ConsumedAt != nil
}

// Expired reports whether the challenge TTL has elapsed at the given instant.
func (c *MfaChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
