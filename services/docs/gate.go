package docs

import (
	"sync"

	"taxdocs/services/identity"
)

// GateStatus is the coarse authentication state shown by the app.
type GateStatus int

const (
	StatusLoading GateStatus = iota
	StatusUnauthenticated
	StatusAuthenticated
)

func (s GateStatus) String() string {
	switch s {
	case StatusUnauthenticated:
		return "unauthenticated"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "loading"
	}
}

// GateState reflects the identity session. Loading stays true until the first
// session event arrives.
type GateState struct {
	Loading bool
	Session *identity.Session
}

// Status derives the gate status from the state.
func (g GateState) Status() GateStatus {
	switch {
	case g.Loading:
		return StatusLoading
	case g.Session != nil:
		return StatusAuthenticated
	default:
		return StatusUnauthenticated
	}
}

// AuthGate mirrors the session stream into observable state.
type AuthGate struct {
	state       *State[GateState]
	unsubscribe func()
	once        sync.Once
}

// NewAuthGate subscribes to provider's session stream.
func NewAuthGate(provider SessionProvider) *AuthGate {
	g := &AuthGate{state: NewState(GateState{Loading: true})}
	g.unsubscribe = provider.OnSessionChange(func(s *identity.Session) {
		g.state.Set(GateState{Session: s})
	})
	return g
}

// State exposes the gate state for observation.
func (g *AuthGate) State() *State[GateState] { return g.state }

// Close stops following the session stream.
func (g *AuthGate) Close() {
	g.once.Do(g.unsubscribe)
}
