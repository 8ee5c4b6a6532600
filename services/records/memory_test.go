package records

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type snapshotSink struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (s *snapshotSink) push(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
}

func (s *snapshotSink) last() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snaps) == 0 {
		return Snapshot{}, false
	}
	return s.snaps[len(s.snaps)-1], true
}

func (s *snapshotSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

func (s *snapshotSink) waitFor(t *testing.T, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	var got Snapshot
	require.Eventually(t, func() bool {
		snap, ok := s.last()
		if !ok || !pred(snap) {
			return false
		}
		got = snap
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func names(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Name
	}
	return out
}

func TestCollectionPaths(t *testing.T) {
	c := Collection("/users/", "u1", "documents")
	assert.Equal(t, "users/u1/documents", c.Path())
	assert.Equal(t, c, UserDocuments("u1"))
	assert.Equal(t, "users/u1/documents/d1", c.Doc("d1").Path())
	assert.Equal(t, "taxdocs.records.users.u1.documents", subject(c))
	assert.Equal(t, "taxdocs.records.users.a_b_c.documents", subject(Collection("users", "a.b*c", "documents")))
}

func TestQueryValidation(t *testing.T) {
	assert.NoError(t, UserDocuments("u1").OrderBy(FieldUploadDate, Desc).validate())
	assert.Error(t, UserDocuments("u1").OrderBy("owner", Desc).validate())
	assert.Error(t, Collection().OrderBy(FieldUploadDate, Desc).validate())
}

func TestMemoryStoreAddGetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil, zerolog.Nop())
	coll := UserDocuments("u1")

	id, err := store.Add(ctx, coll, Document{Name: "w2.pdf", Type: "application/pdf", Metadata: map[string]any{"originalName": "w2.pdf"}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := store.Get(ctx, coll.Doc(id))
	require.NoError(t, err)
	assert.Equal(t, "w2.pdf", doc.Name)
	assert.Equal(t, StatusPending, doc.Status)
	assert.False(t, doc.UploadDate.IsZero())
	assert.Equal(t, "w2.pdf", doc.Metadata["originalName"])

	_, err = store.Get(ctx, UserDocuments("u2").Doc(id))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Delete(ctx, coll.Doc(id)))
	assert.ErrorIs(t, store.Delete(ctx, coll.Doc(id)), ErrNotFound)
	_, err = store.Get(ctx, coll.Doc(id))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil, zerolog.Nop())
	coll := UserDocuments("u1")
	base := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)

	for i, name := range []string{"b.pdf", "c.pdf", "a.pdf"} {
		_, err := store.Add(ctx, coll, Document{Name: name, Size: int64(10 * (i + 1)), UploadDate: base.Add(time.Duration(i) * time.Hour)})
		require.NoError(t, err)
	}

	docs, err := store.List(ctx, coll.OrderBy(FieldUploadDate, Desc))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.pdf", "c.pdf", "b.pdf"}, names(docs))

	docs, err = store.List(ctx, coll.OrderBy(FieldName, Asc))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.pdf", "b.pdf", "c.pdf"}, names(docs))

	docs, err = store.List(ctx, coll.OrderBy(FieldSize, Desc))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.pdf", "c.pdf", "b.pdf"}, names(docs))
}

func TestMemoryStoreSubscribeDeliversSnapshots(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	store := NewMemoryStore(nil, zerolog.Nop())
	coll := UserDocuments("u1")
	base := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)

	sink := &snapshotSink{}
	unsubscribe, err := store.Subscribe(ctx, coll.OrderBy(FieldUploadDate, Desc), sink.push)
	require.NoError(t, err)

	sink.waitFor(t, func(s Snapshot) bool { return len(s.Documents) == 0 })

	_, err = store.Add(ctx, coll, Document{Name: "older.pdf", UploadDate: base})
	require.NoError(t, err)
	newest, err := store.Add(ctx, coll, Document{Name: "newer.pdf", UploadDate: base.Add(time.Minute)})
	require.NoError(t, err)

	snap := sink.waitFor(t, func(s Snapshot) bool { return len(s.Documents) == 2 })
	assert.Equal(t, []string{"newer.pdf", "older.pdf"}, names(snap.Documents))

	// other collections do not leak in
	_, err = store.Add(ctx, UserDocuments("u2"), Document{Name: "theirs.pdf"})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, coll.Doc(newest)))
	snap = sink.waitFor(t, func(s Snapshot) bool { return len(s.Documents) == 1 })
	assert.Equal(t, []string{"older.pdf"}, names(snap.Documents))

	unsubscribe()
	unsubscribe()

	before := sink.count()
	_, err = store.Add(ctx, coll, Document{Name: "late.pdf"})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, sink.count())
}

func TestMemoryStoreSubscribeStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	store := NewMemoryStore(nil, zerolog.Nop())
	sink := &snapshotSink{}

	_, err := store.Subscribe(ctx, UserDocuments("u1").OrderBy(FieldUploadDate, Desc), sink.push)
	require.NoError(t, err)
	sink.waitFor(t, func(Snapshot) bool { return true })

	cancel()
}

func TestMemoryStoreSubscribeRejectsBadInput(t *testing.T) {
	store := NewMemoryStore(nil, zerolog.Nop())
	ctx := context.Background()

	_, err := store.Subscribe(ctx, UserDocuments("u1").OrderBy(FieldUploadDate, Desc), nil)
	assert.Error(t, err)

	_, err = store.Subscribe(ctx, UserDocuments("u1").OrderBy("owner", Desc), func(Snapshot) {})
	assert.Error(t, err)
}

func TestMemoryStoreConcurrentWritesStayOrdered(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	store := NewMemoryStore(nil, zerolog.Nop())
	coll := UserDocuments("u1")
	base := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

	sink := &snapshotSink{}
	unsubscribe, err := store.Subscribe(ctx, coll.OrderBy(FieldUploadDate, Desc), sink.push)
	require.NoError(t, err)
	defer unsubscribe()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Add(ctx, coll, Document{Name: "doc", UploadDate: base.Add(time.Duration(i) * time.Second)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	snap := sink.waitFor(t, func(s Snapshot) bool { return len(s.Documents) == n })
	for i := 1; i < len(snap.Documents); i++ {
		assert.False(t, snap.Documents[i].UploadDate.After(snap.Documents[i-1].UploadDate))
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, s := range sink.snaps {
		for i := 1; i < len(s.Documents); i++ {
			assert.False(t, s.Documents[i].UploadDate.After(s.Documents[i-1].UploadDate))
		}
	}
}
