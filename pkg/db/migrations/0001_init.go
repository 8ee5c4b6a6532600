package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type User struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email        string    `gorm:"type:text;uniqueIndex;not null"`
	PasswordHash string    `gorm:"type:text;not null"`
	CreatedAt    time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt    time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Session struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID  `gorm:"type:uuid;not null;index"`
	ExpiresAt time.Time  `gorm:"type:timestamptz;not null"`
	RevokedAt *time.Time `gorm:"type:timestamptz"`
	CreatedAt time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	User      User       `gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Document struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Collection string            `gorm:"type:text;not null;index:idx_documents_collection_upload,priority:1"`
	Name       string            `gorm:"type:text;not null"`
	Type       string            `gorm:"type:text;not null"`
	Size       int64             `gorm:"type:bigint;not null;default:0"`
	UploadDate time.Time         `gorm:"type:timestamptz;not null;index:idx_documents_collection_upload,priority:2,sort:desc"`
	URL        string            `gorm:"type:text;not null"`
	Path       string            `gorm:"type:text;not null"`
	Status     string            `gorm:"type:text;not null;default:'pending'"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).AutoMigrate(
		&User{},
		&Session{},
		&Document{},
	)
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Document{},
		&Session{},
		&User{},
	)
}
