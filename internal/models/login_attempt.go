package models

// Attempt scopes. Primary-auth and MFA failures feed the same lockout guard;
// the scope only annotates where the attempt originated.
const (
	AttemptScopePrimary = "primary"
	AttemptScopeMFA     = "mfa"
)

// LoginAttempt is one authentication attempt. Rows are never individually
// authoritative; the lockout guard only looks at aggregated counts within a
// rolling window.
type LoginAttempt struct {
	BaseModel

	Identifier string `gorm:"not null;index" json:"identifier"`
	IPAddress  string `gorm:"index" json:"ip_address"`
	Scope      string `gorm:"not null;default:mfa" json:"scope"`
	Success    bool   `gorm:"not null" json:"success"`
}
