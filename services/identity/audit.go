package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Account actions written to the audit trail.
const (
	ActionAccountCreated = "account.created"
	ActionSignIn         = "signin"
	ActionSignInFailed   = "signin.failed"
	ActionSignOut        = "signout"
)

const maxAuditEntries = 200

// AuditEntry is one account event.
type AuditEntry struct {
	ID      int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID  *uuid.UUID        `gorm:"type:uuid;index" json:"user_id,omitempty"`
	Action  string            `gorm:"type:text;not null;index" json:"action"`
	Details datatypes.JSONMap `json:"details,omitempty"`
	At      time.Time         `gorm:"not null;autoCreateTime" json:"at"`
}

// TableName keeps the row type aligned with the account_audit table.
func (AuditEntry) TableName() string { return "account_audit" }

// audit writes an entry. Failures are logged and never fail the account operation.
func (s *Service) audit(ctx context.Context, userID *uuid.UUID, action string, details map[string]any) {
	entry := AuditEntry{UserID: userID, Action: action, At: s.now().UTC()}
	if len(details) > 0 {
		entry.Details = datatypes.JSONMap(details)
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		s.log.Warn().Err(err).Str("action", action).Msg("write audit entry")
	}
}

// Activity returns the most recent account events of userID, newest first.
func (s *Service) Activity(ctx context.Context, userID string, limit int) ([]AuditEntry, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	if limit <= 0 || limit > maxAuditEntries {
		limit = maxAuditEntries
	}

	var entries []AuditEntry
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", id).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("load activity: %w", err)
	}
	return entries, nil
}
