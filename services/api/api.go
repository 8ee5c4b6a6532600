// Package api serves the document manager over HTTP: account endpoints, the
// document list with a live event stream, and two-phase upload and delete.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"taxdocs/services/identity"
	"taxdocs/services/records"
	"taxdocs/services/storage"
)

const (
	defaultMaxUploadBytes = 32 << 20
	defaultRateLimit      = 300
	defaultAuthRateLimit  = 20
	defaultHeartbeat      = 25 * time.Second
	requestTimeout        = 60 * time.Second
)

// ActivitySource lists a user's recent account events.
type ActivitySource interface {
	Activity(ctx context.Context, userID string, limit int) ([]identity.AuditEntry, error)
}

// Store holds the backends the API layer drives.
type Store struct {
	Identity identity.Authority
	// Activity is optional; without it the activity endpoint is not served.
	Activity ActivitySource
	Records  records.Store
	Objects  storage.Store
	// Ready reports whether the backends can serve traffic. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// Root is the object store root uploads are written to.
	Root     string
	Rollback bool

	AllowedOrigins []string
	MaxUploadBytes int64
	// RateLimit and AuthRateLimit are requests per minute per client address.
	RateLimit     int
	AuthRateLimit int
	// Heartbeat is the interval between keep-alive comments on event streams.
	Heartbeat time.Duration
}

// API wires backends, configuration, and logging for HTTP handlers.
type API struct {
	store  Store
	config Config
	log    zerolog.Logger
	// logger is handed to per-request coordinators, which add their own component.
	logger zerolog.Logger
}

// New initialises the API layer with defaults applied to the provided configuration.
func New(store Store, cfg Config, logger zerolog.Logger) (*API, error) {
	if store.Identity == nil {
		return nil, errors.New("identity service is required")
	}
	if store.Records == nil {
		return nil, errors.New("records store is required")
	}
	if store.Objects == nil {
		return nil, errors.New("object store is required")
	}
	if cfg.Root == "" {
		return nil, errors.New("object root is required")
	}

	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.AuthRateLimit <= 0 {
		cfg.AuthRateLimit = defaultAuthRateLimit
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}

	return &API{
		store:  store,
		config: cfg,
		log:    logger.With().Str("component", "api").Logger(),
		logger: logger,
	}, nil
}
