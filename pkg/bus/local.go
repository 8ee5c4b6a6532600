package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// Local is an in-process Broker used when no NATS endpoint is configured.
// Each subscriber owns a queue drained by its own goroutine, so handlers for one
// subscriber never run concurrently and Publish never blocks on a slow handler.
type Local struct {
	mu   sync.Mutex
	subs map[string]map[*localSub]struct{}
}

// NewLocal returns an empty in-process broker.
func NewLocal() *Local {
	return &Local{subs: make(map[string]map[*localSub]struct{})}
}

// Publish encodes v as JSON and enqueues it for every subscriber of subj.
func (l *Local) Publish(ctx context.Context, subj string, v any) error {
	if l == nil {
		return errors.New("nil bus")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	l.mu.Lock()
	targets := make([]*localSub, 0, len(l.subs[subj]))
	for s := range l.subs[subj] {
		targets = append(targets, s)
	}
	l.mu.Unlock()

	for _, s := range targets {
		s.enqueue(data)
	}
	return nil
}

// Subscribe registers fn for subj until the returned closer is closed or ctx ends.
func (l *Local) Subscribe(ctx context.Context, subj string, fn Handler) (io.Closer, error) {
	if l == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	s := &localSub{
		owner: l,
		subj:  subj,
		fn:    fn,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	l.mu.Lock()
	if l.subs[subj] == nil {
		l.subs[subj] = make(map[*localSub]struct{})
	}
	l.subs[subj][s] = struct{}{}
	l.mu.Unlock()

	go s.run(ctx)
	return s, nil
}

func (l *Local) remove(s *localSub) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs[s.subj], s)
	if len(l.subs[s.subj]) == 0 {
		delete(l.subs, s.subj)
	}
}

type localSub struct {
	owner *Local
	subj  string
	fn    Handler

	mu     sync.Mutex
	queue  [][]byte
	closed bool

	wake chan struct{}
	done chan struct{}
}

func (s *localSub) enqueue(data []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, data)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *localSub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			data := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			_ = s.fn(ctx, data)
		}
	}
}

// Close detaches the subscriber. It is safe to call more than once.
func (s *localSub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	close(s.done)
	s.mu.Unlock()

	s.owner.remove(s)
	return nil
}
