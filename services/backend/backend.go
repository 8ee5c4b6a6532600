// Package backend assembles the identity, record and object stores selected by config.
package backend

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"taxdocs/pkg/bus"
	"taxdocs/pkg/config"
	"taxdocs/pkg/db"
	gos3 "taxdocs/pkg/s3"
	"taxdocs/services/identity"
	"taxdocs/services/records"
	"taxdocs/services/storage"
)

// memoryIdentityDSN keeps accounts for the lifetime of the process.
const memoryIdentityDSN = "file:taxdocs_identity?mode=memory&cache=shared"

// Backend holds the collaborators every taxdocs binary needs.
type Backend struct {
	Identity *identity.Service
	Records  records.Store
	Objects  storage.Store
	// Root is the object store root documents are written to.
	Root string

	log     zerolog.Logger
	pool    *pgxpool.Pool
	gormDB  *gorm.DB
	nats    *bus.Bus
	closers []func()
}

// Open connects to the configured backend. Postgres deployments have their schema
// migrated before the stores are built.
func Open(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Backend, error) {
	b := &Backend{
		Root: cfg.S3.Bucket,
		log:  logger.With().Str("component", "backend").Logger(),
	}

	var err error
	switch cfg.Backend {
	case config.BackendPostgres:
		err = b.openPostgres(ctx, cfg, logger)
	case config.BackendMemory:
		err = b.openMemory(ctx, cfg, logger)
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		b.Close()
		return nil, err
	}

	b.log.Info().Str("backend", cfg.Backend).Str("root", b.Root).Msg("backend ready")
	return b, nil
}

func (b *Backend) openPostgres(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	b.pool = pool
	b.closers = append(b.closers, pool.Close)

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	gormDB, err := identity.OpenPostgres(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open identity database: %w", err)
	}
	b.gormDB = gormDB
	b.closers = append(b.closers, func() { _ = identity.Close(gormDB) })

	if err := b.openIdentity(gormDB, []byte(cfg.JWTSigningKey), cfg.AccessTokenTTL, logger); err != nil {
		return err
	}

	broker, err := b.openBroker(cfg)
	if err != nil {
		return err
	}
	store, err := records.NewPostgresStore(pool, broker, logger)
	if err != nil {
		return fmt.Errorf("records store: %w", err)
	}
	b.Records = store

	client, err := gos3.NewClient(ctx, gos3.Options{
		Endpoint:       cfg.S3.Endpoint,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		Region:         cfg.S3.Region,
		DisableTLS:     cfg.S3.DisableTLS,
		ForcePathStyle: cfg.S3.ForcePathStyle,
	})
	if err != nil {
		return fmt.Errorf("s3 client: %w", err)
	}
	objects, err := storage.NewS3Store(client, cfg.S3.Bucket, cfg.S3.PublicBaseURL, cfg.S3.URLTTL)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	b.Objects = objects
	return nil
}

func (b *Backend) openMemory(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	gormDB, err := identity.OpenSQLite(ctx, memoryIdentityDSN)
	if err != nil {
		return fmt.Errorf("open identity database: %w", err)
	}
	b.gormDB = gormDB
	b.closers = append(b.closers, func() { _ = identity.Close(gormDB) })

	key := []byte(cfg.JWTSigningKey)
	if len(key) == 0 {
		// tokens only need to outlive this process
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("generate signing key: %w", err)
		}
	}
	if err := b.openIdentity(gormDB, key, cfg.AccessTokenTTL, logger); err != nil {
		return err
	}

	broker, err := b.openBroker(cfg)
	if err != nil {
		return err
	}
	b.Records = records.NewMemoryStore(broker, logger)
	b.Objects = storage.NewMemoryStore()
	return nil
}

func (b *Backend) openIdentity(gormDB *gorm.DB, key []byte, ttl time.Duration, logger zerolog.Logger) error {
	svc, err := identity.NewService(gormDB, key, ttl, logger)
	if err != nil {
		return fmt.Errorf("identity service: %w", err)
	}
	b.Identity = svc
	return nil
}

// openBroker uses NATS when configured and the in-process broker otherwise.
func (b *Backend) openBroker(cfg config.Config) (bus.Broker, error) {
	if cfg.NATSURL == "" {
		return bus.NewLocal(), nil
	}
	nb, err := bus.New(cfg.NATSURL)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	b.nats = nb
	b.closers = append(b.closers, nb.Close)
	return nb, nil
}

// Ready reports whether the backing services are reachable.
func (b *Backend) Ready(ctx context.Context) error {
	if b.pool != nil {
		if err := db.Ping(ctx, b.pool); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if b.gormDB != nil {
		sqlDB, err := b.gormDB.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return fmt.Errorf("identity database: %w", err)
		}
	}
	if b.nats != nil && !b.nats.Connected() {
		return errors.New("nats: not connected")
	}
	return nil
}

// Close releases connections in reverse order of opening.
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// Migrate applies the database schema without building the stores.
func Migrate(ctx context.Context, cfg config.Config) error {
	if cfg.Backend != config.BackendPostgres {
		return fmt.Errorf("migrations apply to the %s backend only", config.BackendPostgres)
	}
	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()
	return db.Migrate(ctx, pool)
}
