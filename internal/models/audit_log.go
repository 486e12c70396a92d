package models

import "gorm.io/datatypes"

// AuditLog records a security-relevant MFA event (enrollment, verification,
// lockout, device trust changes).
type AuditLog struct {
	BaseModel

	AccountID *string        `gorm:"type:uuid;index" json:"account_id"`
	Action    string         `gorm:"not null;index" json:"action"`
	Result    string         `gorm:"not null;index" json:"result"`
	IPAddress string         `json:"ip_address"`
	UserAgent string         `json:"user_agent"`
	Metadata  datatypes.JSON `json:"metadata,omitempty"`
}
