package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tallyhq/tally/internal/models"
)

// Audit actions recorded by the MFA subsystem.
const (
	AuditActionEnrollStart   = "mfa.enroll.start"
	AuditActionEnrollFinish  = "mfa.enroll.finish"
	AuditActionVerify        = "mfa.verify"
	AuditActionRecoveryRegen = "mfa.recovery.regenerate"
	AuditActionDeviceAdd     = "mfa.device.add"
	AuditActionDeviceRevoke  = "mfa.device.revoke"
	AuditActionDisable       = "mfa.disable"
	AuditActionLockout       = "mfa.lockout"
)

// AuditEntry captures a single audit event to persist.
type AuditEntry struct {
	AccountID *string
	Action    string
	Result    string
	IPAddress string
	UserAgent string
	Metadata  map[string]any
}

// AuditFilters encapsulates optional filters when querying audit logs.
type AuditFilters struct {
	AccountID string
	Action    string
	Result    string
	Since     *time.Time
	Until     *time.Time
}

// AuditService persists and retrieves audit log entries.
type AuditService struct {
	db *gorm.DB
}

// NewAuditService constructs an AuditService using the provided database handle.
func NewAuditService(db *gorm.DB) (*AuditService, error) {
	if db == nil {
		return nil, errors.New("audit service: db is required")
	}
	return &AuditService{db: db}, nil
}

// Log stores an audit entry, marshalling metadata into JSON form. Plaintext
// secrets, codes, and tokens must never appear in metadata.
func (s *AuditService) Log(ctx context.Context, entry AuditEntry) error {
	if strings.TrimSpace(entry.Action) == "" {
		return errors.New("audit service: action is required")
	}
	if strings.TrimSpace(entry.Result) == "" {
		return errors.New("audit service: result is required")
	}

	var payload datatypes.JSON
	if entry.Metadata != nil {
		encoded, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("audit service: marshal metadata: %w", err)
		}
		payload = datatypes.JSON(encoded)
	}

	log := models.AuditLog{
		Action:    strings.TrimSpace(entry.Action),
		Result:    strings.TrimSpace(entry.Result),
		IPAddress: strings.TrimSpace(entry.IPAddress),
		UserAgent: strings.TrimSpace(entry.UserAgent),
		Metadata:  payload,
	}

	if entry.AccountID != nil && strings.TrimSpace(*entry.AccountID) != "" {
		id := strings.TrimSpace(*entry.AccountID)
		log.AccountID = &id
	}

	return s.db.WithContext(ctx).Create(&log).Error
}

// List returns audit logs ordered by creation time descending.
func (s *AuditService) List(ctx context.Context, filters AuditFilters, limit int) ([]models.AuditLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := s.db.WithContext(ctx).Model(&models.AuditLog{})
	if filters.AccountID != "" {
		query = query.Where("account_id = ?", filters.AccountID)
	}
	if filters.Action != "" {
		query = query.Where("action = ?", filters.Action)
	}
	if filters.Result != "" {
		query = query.Where("result = ?", filters.Result)
	}
	if filters.Since != nil {
		query = query.Where("created_at >= ?", *filters.Since)
	}
	if filters.Until != nil {
		query = query.Where("created_at <= ?", *filters.Until)
	}

	var results []models.AuditLog
	if err := query.Order("created_at DESC").Limit(limit).Find(&results).Error; err != nil {
		return nil, fmt.Errorf("audit service: list logs: %w", err)
	}
	return results, nil
}
