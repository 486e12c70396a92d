package models

import "time"

// RecoveryCode is a single one-time backup credential. Only the bcrypt hash
// of the code is persisted; the plaintext is returned to the caller once at
// generation time and never stored or logged.
type RecoveryCode struct {
	BaseModel

	AccountID string     `gorm:"type:uuid;not null;index" json:"account_id"`
	CodeHash  string     `gorm:"not null" json:"-"`
	UsedAt    *time.Time `json:"used_at"`
}

// Used reports whether the code has been redeemed.
func (r *RecoveryCode) Used() bool {
	return r.UsedAt != nil
}
