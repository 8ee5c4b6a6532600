package records

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"taxdocs/pkg/bus"
)

// MemoryStore keeps documents in process memory. Change events still flow through a
// Broker so live queries behave the same as with PostgresStore.
type MemoryStore struct {
	broker bus.Broker
	log    zerolog.Logger

	mu          sync.RWMutex
	collections map[string]map[string]Document
}

// NewMemoryStore returns an empty store. A nil broker gets an in-process one.
func NewMemoryStore(broker bus.Broker, logger zerolog.Logger) *MemoryStore {
	if broker == nil {
		broker = bus.NewLocal()
	}
	return &MemoryStore{
		broker:      broker,
		log:         logger.With().Str("component", "records").Logger(),
		collections: make(map[string]map[string]Document),
	}
}

func (m *MemoryStore) Add(ctx context.Context, c CollectionRef, doc Document) (string, error) {
	if err := c.validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	doc.ID = uuid.NewString()
	if doc.UploadDate.IsZero() {
		doc.UploadDate = time.Now().UTC()
	}
	if doc.Status == "" {
		doc.Status = StatusPending
	}
	doc.Metadata = copyMetadata(doc.Metadata)

	m.mu.Lock()
	coll := m.collections[c.Path()]
	if coll == nil {
		coll = make(map[string]Document)
		m.collections[c.Path()] = coll
	}
	coll[doc.ID] = doc
	m.mu.Unlock()

	publishChange(ctx, m.broker, m.log, "add", c, doc.ID)
	return doc.ID, nil
}

func (m *MemoryStore) Get(ctx context.Context, ref DocRef) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.collections[ref.Collection.Path()][ref.ID]
	if !ok {
		return Document{}, ErrNotFound
	}
	doc.Metadata = copyMetadata(doc.Metadata)
	return doc, nil
}

func (m *MemoryStore) Delete(ctx context.Context, ref DocRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	coll := m.collections[ref.Collection.Path()]
	if _, ok := coll[ref.ID]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(coll, ref.ID)
	m.mu.Unlock()

	publishChange(ctx, m.broker, m.log, "delete", ref.Collection, ref.ID)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, q Query) ([]Document, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	coll := m.collections[q.Collection.Path()]
	docs := make([]Document, 0, len(coll))
	for _, d := range coll {
		d.Metadata = copyMetadata(d.Metadata)
		docs = append(docs, d)
	}
	m.mu.RUnlock()

	sortDocuments(docs, q)
	return docs, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, q Query, cb func(Snapshot)) (Unsubscribe, error) {
	return startLiveQuery(ctx, m.broker, q, func(ctx context.Context) ([]Document, error) {
		return m.List(ctx, q)
	}, cb, m.log)
}

// sortDocuments orders docs by the query field, breaking ties by id.
func sortDocuments(docs []Document, q Query) {
	compare := func(a, b Document) int {
		switch q.Field {
		case FieldName:
			return strings.Compare(a.Name, b.Name)
		case FieldSize:
			switch {
			case a.Size < b.Size:
				return -1
			case a.Size > b.Size:
				return 1
			}
			return 0
		default:
			return a.UploadDate.Compare(b.UploadDate)
		}
	}

	sort.SliceStable(docs, func(i, j int) bool {
		c := compare(docs[i], docs[j])
		if c == 0 {
			c = strings.Compare(docs[i].ID, docs[j].ID)
		}
		if q.Dir == Desc {
			return c > 0
		}
		return c < 0
	})
}

func copyMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
