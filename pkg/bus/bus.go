package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/nats-io/nats.go"
)

// Handler consumes a single message payload.
type Handler func(ctx context.Context, data []byte) error

// Broker publishes JSON events and fans them out to every live subscriber of a subject.
type Broker interface {
	Publish(ctx context.Context, subj string, v any) error
	Subscribe(ctx context.Context, subj string, fn Handler) (io.Closer, error)
}

// Bus wraps a NATS connection for publishing and consuming change events.
type Bus struct {
	conn *nats.Conn
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Bus{conn: nc}, nil
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Connected reports whether the NATS connection is currently up.
func (b *Bus) Connected() bool {
	return b != nil && b.conn.IsConnected()
}

// Publish encodes v as JSON and publishes it to the given subject.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.conn.Publish(subj, data)
}

type subscription struct {
	sub    *nats.Subscription
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return s.sub.Unsubscribe()
}

// Subscribe registers an ephemeral subscriber on subj. Every subscriber receives every
// message; handler errors are dropped since there is nothing to redeliver to.
func (b *Bus) Subscribe(ctx context.Context, subj string, fn Handler) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	sub, err := b.conn.Subscribe(subj, func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		_ = fn(handlerCtx, msg.Data)
	})
	if err != nil {
		return nil, err
	}

	s := &subscription{sub: sub, done: make(chan struct{})}

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	return s, nil
}
