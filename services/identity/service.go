package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// MinPasswordLength is the shortest password accepted for new accounts.
const MinPasswordLength = 6

// Authority is the account surface a Client drives.
type Authority interface {
	CreateAccount(ctx context.Context, email, password string) (Session, error)
	SignIn(ctx context.Context, email, password string) (Session, error)
	SignOut(ctx context.Context, token string) error
	Verify(ctx context.Context, token string) (Session, error)
}

type claims struct {
	Email     string `json:"email"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Service issues and verifies sessions backed by the users and sessions tables.
type Service struct {
	db         *gorm.DB
	signingKey []byte
	ttl        time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// NewService constructs a Service. signingKey signs HS256 access tokens valid for ttl.
func NewService(db *gorm.DB, signingKey []byte, ttl time.Duration, logger zerolog.Logger) (*Service, error) {
	if db == nil {
		return nil, errors.New("identity: nil database")
	}
	if len(signingKey) == 0 {
		return nil, errors.New("identity: signing key is required")
	}
	if ttl <= 0 {
		return nil, errors.New("identity: token ttl must be positive")
	}
	return &Service{
		db:         db,
		signingKey: signingKey,
		ttl:        ttl,
		log:        logger.With().Str("component", "identity").Logger(),
		now:        time.Now,
	}, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// CreateAccount registers email with password and signs the new user in.
func (s *Service) CreateAccount(ctx context.Context, email, password string) (Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Session{}, err
	}
	if len(password) < MinPasswordLength {
		return Session{}, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}

	user := User{ID: uuid.New(), Email: email, PasswordHash: string(hash)}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&User{}).Where("email = ?", email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrEmailInUse
		}
		return tx.Create(&user).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		err = ErrEmailInUse
	}
	if err != nil {
		if errors.Is(err, ErrEmailInUse) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("create user: %w", err)
	}

	s.log.Info().Str("user_id", user.ID.String()).Msg("account created")
	s.audit(ctx, &user.ID, ActionAccountCreated, nil)
	return s.issue(ctx, user)
}

// SignIn checks the password for email and opens a new session.
func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Session{}, err
	}

	var user User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.audit(ctx, nil, ActionSignInFailed, map[string]any{"email": email, "reason": "unknown email"})
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, fmt.Errorf("load user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.audit(ctx, &user.ID, ActionSignInFailed, map[string]any{"reason": "wrong password"})
		return Session{}, ErrInvalidCredentials
	}

	sess, err := s.issue(ctx, user)
	if err != nil {
		return Session{}, err
	}
	s.audit(ctx, &user.ID, ActionSignIn, nil)
	return sess, nil
}

func (s *Service) issue(ctx context.Context, user User) (Session, error) {
	now := s.now().UTC()
	row := SessionRow{
		ID:        uuid.New(),
		UserID:    user.ID,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.db.WithContext(ctx).Omit("User").Create(&row).Error; err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Email:     user.Email,
		SessionID: row.ID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(row.ExpiresAt),
		},
	})
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return Session{}, fmt.Errorf("sign token: %w", err)
	}

	return Session{
		Token:     signed,
		UserID:    user.ID.String(),
		Email:     user.Email,
		ExpiresAt: row.ExpiresAt,
	}, nil
}

func (s *Service) parse(token string) (*claims, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return s.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	return &c, nil
}

// Verify resolves token to its live session.
func (s *Service) Verify(ctx context.Context, token string) (Session, error) {
	c, err := s.parse(token)
	if err != nil {
		return Session{}, err
	}

	sid, err := uuid.Parse(c.SessionID)
	if err != nil {
		return Session{}, ErrSessionExpired
	}

	var row SessionRow
	if err := s.db.WithContext(ctx).Where("id = ?", sid).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Session{}, ErrSessionExpired
		}
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	if row.RevokedAt != nil || !row.ExpiresAt.After(s.now()) {
		return Session{}, ErrSessionExpired
	}

	return Session{
		Token:     token,
		UserID:    c.Subject,
		Email:     c.Email,
		ExpiresAt: row.ExpiresAt,
	}, nil
}

// SignOut revokes the session behind token. Revoking an already revoked session is a no-op.
func (s *Service) SignOut(ctx context.Context, token string) error {
	c, err := s.parse(token)
	if err != nil {
		return err
	}
	sid, err := uuid.Parse(c.SessionID)
	if err != nil {
		return ErrSessionExpired
	}

	now := s.now().UTC()
	res := s.db.WithContext(ctx).
		Model(&SessionRow{}).
		Where("id = ? AND revoked_at IS NULL", sid).
		Update("revoked_at", &now)
	if res.Error != nil {
		return fmt.Errorf("revoke session: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		if uid, err := uuid.Parse(c.Subject); err == nil {
			s.audit(ctx, &uid, ActionSignOut, nil)
		}
	}

	s.log.Info().Str("user_id", c.Subject).Msg("signed out")
	return nil
}
