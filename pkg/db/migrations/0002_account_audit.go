package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
)

func init() {
	goose.AddMigrationContext(upAccountAudit, downAccountAudit)
}

type AccountAudit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	UserID  *uuid.UUID        `gorm:"type:uuid;index"`
	Action  string            `gorm:"type:text;not null;index"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (AccountAudit) TableName() string { return "account_audit" }

func upAccountAudit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).AutoMigrate(&AccountAudit{})
}

func downAccountAudit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}
	return gormDB.WithContext(ctx).Migrator().DropTable(&AccountAudit{})
}
