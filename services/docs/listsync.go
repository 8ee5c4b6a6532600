package docs

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"taxdocs/services/records"
)

// ErrAlreadyStarted is returned by ListSync.Start while a subscription is open.
var ErrAlreadyStarted = errors.New("docs: list sync already started")

// ListSync mirrors a user's documents, newest first, from a live query. The list is
// only ever replaced by the latest snapshot; nothing else writes to it.
type ListSync struct {
	store records.Store
	log   zerolog.Logger
	state *State[[]records.Document]

	mu          sync.Mutex
	generation  uint64
	unsubscribe records.Unsubscribe

	// deliverMu orders snapshot delivery against the reset in Stop.
	deliverMu sync.Mutex
}

// NewListSync returns a stopped ListSync.
func NewListSync(store records.Store, logger zerolog.Logger) *ListSync {
	return &ListSync{
		store: store,
		log:   logger.With().Str("component", "listsync").Logger(),
		state: NewState[[]records.Document](nil),
	}
}

// State exposes the materialized list for observation.
func (l *ListSync) State() *State[[]records.Document] { return l.state }

// Documents returns the latest materialized list.
func (l *ListSync) Documents() []records.Document { return l.state.Get() }

// Start opens the live query for userID ordered by upload date, newest first.
func (l *ListSync) Start(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNoSession
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unsubscribe != nil {
		return ErrAlreadyStarted
	}

	l.generation++
	gen := l.generation
	q := records.UserDocuments(userID).OrderBy(records.FieldUploadDate, records.Desc)

	unsubscribe, err := l.store.Subscribe(ctx, q, func(snap records.Snapshot) {
		l.deliverMu.Lock()
		defer l.deliverMu.Unlock()

		l.mu.Lock()
		current := l.generation == gen && l.unsubscribe != nil
		l.mu.Unlock()
		if !current {
			return
		}
		l.state.Set(snap.Documents)
	})
	if err != nil {
		return err
	}
	l.unsubscribe = unsubscribe
	l.log.Debug().Str("user_id", userID).Msg("list sync started")
	return nil
}

// Stop closes the live query and clears the list. Calling it again, or before Start,
// does nothing. It must not be called from an observer of the list state.
func (l *ListSync) Stop() {
	l.mu.Lock()
	unsubscribe := l.unsubscribe
	l.unsubscribe = nil
	l.generation++
	l.mu.Unlock()

	if unsubscribe == nil {
		return
	}
	unsubscribe()

	l.deliverMu.Lock()
	l.state.Set(nil)
	l.deliverMu.Unlock()
	l.log.Debug().Msg("list sync stopped")
}
