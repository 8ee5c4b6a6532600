package docs

import (
	"context"
	"errors"
	"fmt"

	"taxdocs/services/identity"
)

// ErrNoSession is returned by coordinators invoked without a signed-in user.
var ErrNoSession = errors.New("docs: no active session")

// SessionProvider exposes the current session and its changes.
type SessionProvider interface {
	Current() *identity.Session
	OnSessionChange(cb func(*identity.Session)) func()
}

// Authenticator performs account operations on behalf of the user.
type Authenticator interface {
	CreateAccount(ctx context.Context, email, password string) error
	SignIn(ctx context.Context, email, password string) error
	SignOut(ctx context.Context) error
}

// Identity is everything the document manager needs from the identity client.
type Identity interface {
	SessionProvider
	Authenticator
}

var _ Identity = (*identity.Client)(nil)

func currentUser(p SessionProvider) (string, error) {
	sess := p.Current()
	if sess == nil || sess.UserID == "" {
		return "", ErrNoSession
	}
	return sess.UserID, nil
}

// Message converts err into text suitable for showing next to a control.
// Saga step names stay in the logs.
func Message(err error) string {
	var serr *StepError
	if errors.As(err, &serr) {
		return Message(serr.Err)
	}

	switch {
	case err == nil:
		return ""
	case errors.Is(err, identity.ErrInvalidCredentials):
		return "Invalid email or password."
	case errors.Is(err, identity.ErrEmailInUse):
		return "An account with this email already exists."
	case errors.Is(err, identity.ErrWeakPassword):
		return fmt.Sprintf("Password should be at least %d characters.", identity.MinPasswordLength)
	case errors.Is(err, identity.ErrInvalidEmail):
		return "Please enter a valid email address."
	case errors.Is(err, identity.ErrSessionExpired), errors.Is(err, ErrNoSession):
		return "Your session has ended. Please sign in again."
	case errors.Is(err, context.DeadlineExceeded):
		return "The request timed out. Please try again."
	default:
		return err.Error()
	}
}
