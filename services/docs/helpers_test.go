package docs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"taxdocs/pkg/render"
	"taxdocs/services/identity"
	"taxdocs/services/records"
	"taxdocs/services/storage"
)

const testRoot = "taxdocs-test"

var errInjected = errors.New("injected failure")

func newIdentity(t *testing.T) *identity.Client {
	t.Helper()
	ctx := context.Background()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := identity.OpenSQLite(ctx, fmt.Sprintf("file:docs_%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = identity.Close(db) })

	svc, err := identity.NewService(db, []byte("docs-test-key"), time.Hour, zerolog.Nop())
	require.NoError(t, err)
	return identity.NewClient(svc, nil, zerolog.Nop())
}

// signedIn returns a restored client with a fresh account signed in.
func signedIn(t *testing.T) *identity.Client {
	t.Helper()
	ctx := context.Background()
	client := newIdentity(t)
	require.NoError(t, client.Restore(ctx))
	require.NoError(t, client.CreateAccount(ctx, "filer@example.com", "hunter22"))
	return client
}

// flakyObjects wraps a MemoryStore and fails selected operations.
type flakyObjects struct {
	*storage.MemoryStore
	failUpload atomic.Bool
	failDelete atomic.Bool
	deletes    atomic.Int32
}

func newFlakyObjects() *flakyObjects {
	return &flakyObjects{MemoryStore: storage.NewMemoryStore()}
}

func (f *flakyObjects) Upload(ctx context.Context, ref storage.Ref, data []byte, opts storage.UploadOptions) (storage.Handle, error) {
	if f.failUpload.Load() {
		return storage.Handle{}, errInjected
	}
	return f.MemoryStore.Upload(ctx, ref, data, opts)
}

func (f *flakyObjects) Delete(ctx context.Context, ref storage.Ref) error {
	f.deletes.Add(1)
	if f.failDelete.Load() {
		return errInjected
	}
	return f.MemoryStore.Delete(ctx, ref)
}

// flakyRecords wraps a records.MemoryStore and fails selected operations.
type flakyRecords struct {
	*records.MemoryStore
	failAdd    atomic.Bool
	failDelete atomic.Bool
	addDelay   func(name string) time.Duration
}

func newFlakyRecords() *flakyRecords {
	return &flakyRecords{MemoryStore: records.NewMemoryStore(nil, zerolog.Nop())}
}

func (f *flakyRecords) Add(ctx context.Context, c records.CollectionRef, doc records.Document) (string, error) {
	if f.failAdd.Load() {
		return "", errInjected
	}
	if f.addDelay != nil {
		time.Sleep(f.addDelay(doc.Name))
	}
	return f.MemoryStore.Add(ctx, c, doc)
}

func (f *flakyRecords) Delete(ctx context.Context, ref records.DocRef) error {
	if f.failDelete.Load() {
		return errInjected
	}
	return f.MemoryStore.Delete(ctx, ref)
}

// listWatcher records every list the ListSync publishes.
type listWatcher struct {
	mu    sync.Mutex
	lists [][]records.Document
}

func watchList(l *ListSync) (*listWatcher, func()) {
	w := &listWatcher{}
	stop := l.State().Observe(func(docs []records.Document) {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.lists = append(w.lists, docs)
	})
	return w, stop
}

func (w *listWatcher) all() [][]records.Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]records.Document(nil), w.lists...)
}

func waitForDocs(t *testing.T, l *ListSync, pred func([]records.Document) bool) []records.Document {
	t.Helper()
	var got []records.Document
	require.Eventually(t, func() bool {
		docs := l.Documents()
		if !pred(docs) {
			return false
		}
		got = docs
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func newEngine(t *testing.T) *render.Engine {
	t.Helper()
	engine, err := render.New()
	require.NoError(t, err)
	return engine
}

func docNames(docs []records.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Name
	}
	return out
}
