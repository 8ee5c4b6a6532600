package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Client is the signed-in user's view of identity: it holds the current session,
// persists it between runs and notifies observers whenever it changes.
//
// Observers are invoked one at a time in the order changes happen. They must not
// call back into the Client synchronously.
type Client struct {
	auth  Authority
	store TokenStore
	log   zerolog.Logger

	mu        sync.Mutex
	current   *Session
	ready     bool
	observers map[uint64]func(*Session)
	nextID    uint64

	emitMu sync.Mutex
}

// NewClient returns a Client over auth. A nil store keeps the session in memory only.
func NewClient(auth Authority, store TokenStore, logger zerolog.Logger) *Client {
	if store == nil {
		store = &MemoryTokenStore{}
	}
	return &Client{
		auth:      auth,
		store:     store,
		log:       logger.With().Str("component", "identity-client").Logger(),
		observers: make(map[uint64]func(*Session)),
	}
}

// OnSessionChange registers cb for session changes. Once the first session state is
// known, cb is also called immediately with the current value. The returned function
// removes cb and is safe to call more than once.
func (c *Client) OnSessionChange(cb func(*Session)) func() {
	c.emitMu.Lock()
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.observers[id] = cb
	ready, current := c.ready, c.current
	c.mu.Unlock()
	if ready {
		cb(copySession(current))
	}
	c.emitMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.observers, id)
			c.mu.Unlock()
		})
	}
}

// Current returns the current session or nil.
func (c *Client) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copySession(c.current)
}

// Restore loads a persisted token and re-validates it, then publishes the first
// session state (possibly nil) to observers.
func (c *Client) Restore(ctx context.Context) error {
	token, err := c.store.Load()
	if err != nil {
		c.log.Warn().Err(err).Msg("load persisted session")
		token = ""
	}

	var restored *Session
	if token != "" {
		sess, err := c.auth.Verify(ctx, token)
		switch {
		case err == nil:
			restored = &sess
		case errors.Is(err, ErrSessionExpired):
			if err := c.store.Clear(); err != nil {
				c.log.Warn().Err(err).Msg("clear expired session")
			}
		default:
			c.set(nil)
			return err
		}
	}

	c.set(restored)
	return nil
}

// CreateAccount registers a new account and makes it the current session.
func (c *Client) CreateAccount(ctx context.Context, email, password string) error {
	sess, err := c.auth.CreateAccount(ctx, email, password)
	if err != nil {
		return err
	}
	c.persist(sess)
	c.set(&sess)
	return nil
}

// SignIn authenticates and makes the result the current session.
func (c *Client) SignIn(ctx context.Context, email, password string) error {
	sess, err := c.auth.SignIn(ctx, email, password)
	if err != nil {
		return err
	}
	c.persist(sess)
	c.set(&sess)
	return nil
}

// SignOut ends the current session. The local session is cleared even if the
// server-side revocation fails; that failure is returned.
func (c *Client) SignOut(ctx context.Context) error {
	current := c.Current()
	if current == nil {
		return nil
	}

	revokeErr := c.auth.SignOut(ctx, current.Token)
	if revokeErr != nil && !errors.Is(revokeErr, ErrSessionExpired) {
		c.log.Warn().Err(revokeErr).Str("user_id", current.UserID).Msg("revoke session")
	} else {
		revokeErr = nil
	}

	if err := c.store.Clear(); err != nil {
		c.log.Warn().Err(err).Msg("clear persisted session")
	}
	c.set(nil)
	return revokeErr
}

// Refresh re-validates the current session and drops it if it has lapsed externally.
func (c *Client) Refresh(ctx context.Context) error {
	current := c.Current()
	if current == nil {
		return nil
	}

	if _, err := c.auth.Verify(ctx, current.Token); err != nil {
		if !errors.Is(err, ErrSessionExpired) {
			return err
		}
		c.log.Info().Str("user_id", current.UserID).Msg("session expired")
		if err := c.store.Clear(); err != nil {
			c.log.Warn().Err(err).Msg("clear persisted session")
		}
		c.set(nil)
	}
	return nil
}

func (c *Client) persist(sess Session) {
	if err := c.store.Save(sess.Token); err != nil {
		c.log.Warn().Err(err).Msg("persist session")
	}
}

func (c *Client) set(sess *Session) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	c.current = copySession(sess)
	c.ready = true
	observers := make([]func(*Session), 0, len(c.observers))
	for _, cb := range c.observers {
		observers = append(observers, cb)
	}
	c.mu.Unlock()

	for _, cb := range observers {
		cb(copySession(sess))
	}
}

func copySession(s *Session) *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
