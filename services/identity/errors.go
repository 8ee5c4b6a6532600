package identity

import "errors"

var (
	// ErrInvalidCredentials is returned when the email is unknown or the password does not match.
	ErrInvalidCredentials = errors.New("identity: invalid email or password")
	// ErrEmailInUse is returned when creating an account for an email that already has one.
	ErrEmailInUse = errors.New("identity: email already in use")
	// ErrWeakPassword is returned for passwords shorter than MinPasswordLength.
	ErrWeakPassword = errors.New("identity: password too weak")
	// ErrInvalidEmail is returned when the email address cannot be parsed.
	ErrInvalidEmail = errors.New("identity: invalid email")
	// ErrNotSignedIn is returned by operations that need a current session.
	ErrNotSignedIn = errors.New("identity: not signed in")
	// ErrSessionExpired is returned for expired, revoked or malformed tokens.
	ErrSessionExpired = errors.New("identity: session expired")
)
