package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"taxdocs/services/docs"
	"taxdocs/services/records"
)

var openStreams = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "taxdocs",
	Name:      "api_open_streams",
	Help:      "Document event streams currently open.",
})

type snapshotEvent struct {
	Documents []records.Document `json:"documents"`
	Summary   docs.Summary       `json:"summary"`
}

// handleStream sends the user's full document list as a server-sent "snapshot" event
// now and after every change, until the client goes away.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	sess := sessionFrom(r.Context())
	log := a.log.With().Str("user_id", sess.UserID).Logger()

	pending := newLatest[[]records.Document]()
	list := docs.NewListSync(a.store.Records, a.logger)
	unobserve := list.State().Observe(pending.put)
	defer unobserve()

	if err := list.Start(r.Context(), sess.UserID); err != nil {
		log.Error().Err(err).Msg("start document stream")
		respondError(w, http.StatusInternalServerError, errors.New("could not open document stream"))
		return
	}
	defer list.Stop()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	openStreams.Inc()
	defer openStreams.Dec()
	log.Debug().Msg("document stream opened")

	heartbeat := time.NewTicker(a.config.Heartbeat)
	defer heartbeat.Stop()

	var seq int
	for {
		select {
		case <-r.Context().Done():
			log.Debug().Msg("document stream closed")
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case <-pending.ready:
			current := pending.take()
			if current == nil {
				current = []records.Document{}
			}
			seq++
			if err := writeEvent(w, seq, "snapshot", snapshotEvent{Documents: current, Summary: docs.Summarize(current)}); err != nil {
				log.Warn().Err(err).Msg("write document snapshot")
				return
			}
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, id int, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}

// latest keeps only the newest value handed to it and signals ready once per batch
// of puts, so a slow stream skips straight to the current list.
type latest[T any] struct {
	mu    sync.Mutex
	value T
	ready chan struct{}
}

func newLatest[T any]() *latest[T] {
	return &latest[T]{ready: make(chan struct{}, 1)}
}

func (l *latest[T]) put(v T) {
	l.mu.Lock()
	l.value = v
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *latest[T]) take() T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value
}
