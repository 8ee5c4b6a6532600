package records

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"taxdocs/pkg/bus"
)

var liveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "taxdocs",
	Name:      "live_subscriptions",
	Help:      "Number of open live document queries.",
})

const subjectPrefix = "taxdocs.records"

// Failed refreshes are retried with a doubling delay.
const (
	refreshRetryMin = 250 * time.Millisecond
	refreshRetryMax = 10 * time.Second
)

type changeEvent struct {
	Op         string    `json:"op"`
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
}

// subject maps a collection path onto a broker subject, one token per segment.
func subject(c CollectionRef) string {
	segments := strings.Split(c.Path(), "/")
	for i, s := range segments {
		segments[i] = strings.Map(func(r rune) rune {
			switch r {
			case '.', '*', '>', ' ', '\t', '\n', '\r':
				return '_'
			}
			return r
		}, s)
	}
	return subjectPrefix + "." + strings.Join(segments, ".")
}

func publishChange(ctx context.Context, broker bus.Broker, log zerolog.Logger, op string, c CollectionRef, id string) {
	evt := changeEvent{Op: op, Collection: c.Path(), ID: id, At: time.Now().UTC()}
	if err := broker.Publish(ctx, subject(c), evt); err != nil {
		log.Warn().Err(err).Str("collection", c.Path()).Str("doc_id", id).Msg("publish change")
	}
}

type fetchFunc func(ctx context.Context) ([]Document, error)

// liveQuery re-runs fetch after every change event and hands the result to cb.
// One goroutine does all fetching and delivery, so callbacks never overlap; a burst
// of changes during a fetch collapses into one more fetch.
type liveQuery struct {
	fetch fetchFunc
	cb    func(Snapshot)
	log   zerolog.Logger

	wake chan struct{}

	mu      sync.Mutex
	stopped bool
}

func startLiveQuery(ctx context.Context, broker bus.Broker, q Query, fetch fetchFunc, cb func(Snapshot), log zerolog.Logger) (Unsubscribe, error) {
	if cb == nil {
		return nil, errors.New("records: nil snapshot callback")
	}
	if err := q.validate(); err != nil {
		return nil, err
	}

	lctx, cancel := context.WithCancel(ctx)
	lq := &liveQuery{
		fetch: fetch,
		cb:    cb,
		log:   log.With().Str("collection", q.Collection.Path()).Logger(),
		wake:  make(chan struct{}, 1),
	}

	sub, err := broker.Subscribe(lctx, subject(q.Collection), func(context.Context, []byte) error {
		lq.notify()
		return nil
	})
	if err != nil {
		cancel()
		return nil, err
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			lq.mu.Lock()
			lq.stopped = true
			lq.mu.Unlock()
			cancel()
			if err := sub.Close(); err != nil {
				lq.log.Warn().Err(err).Msg("close change subscription")
			}
			liveSubscriptions.Dec()
		})
	}

	liveSubscriptions.Inc()
	lq.notify()
	go lq.run(lctx, stop)

	return stop, nil
}

func (lq *liveQuery) notify() {
	select {
	case lq.wake <- struct{}{}:
	default:
	}
}

func (lq *liveQuery) run(ctx context.Context, stop func()) {
	defer stop()
	retry := refreshRetryMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-lq.wake:
		}

		docs, err := lq.fetch(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			lq.log.Error().Err(err).Dur("retry_in", retry).Msg("refresh live query")
			lq.rearm(ctx, retry)
			retry = min(retry*2, refreshRetryMax)
			continue
		}
		retry = refreshRetryMin

		lq.mu.Lock()
		stopped := lq.stopped
		lq.mu.Unlock()
		if stopped {
			return
		}
		lq.cb(Snapshot{Documents: docs, ReadAt: time.Now().UTC()})
	}
}

// rearm schedules another fetch after d, or sooner when a change arrives.
func (lq *liveQuery) rearm(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	case <-lq.wake:
	}
	lq.notify()
}
