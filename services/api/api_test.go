package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taxdocs/services/identity"
	"taxdocs/services/records"
	"taxdocs/services/storage"
)

const testRoot = "taxdocs-test"

type failingRecords struct {
	*records.MemoryStore
	failAdd    atomic.Bool
	failDelete atomic.Bool
}

func (f *failingRecords) Add(ctx context.Context, c records.CollectionRef, doc records.Document) (string, error) {
	if f.failAdd.Load() {
		return "", errors.New("database unavailable")
	}
	return f.MemoryStore.Add(ctx, c, doc)
}

func (f *failingRecords) Delete(ctx context.Context, ref records.DocRef) error {
	if f.failDelete.Load() {
		return errors.New("database unavailable")
	}
	return f.MemoryStore.Delete(ctx, ref)
}

type testEnv struct {
	handler http.Handler
	records *failingRecords
	objects *storage.MemoryStore
	ready   atomic.Pointer[error]
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := identity.OpenSQLite(ctx, fmt.Sprintf("file:api_%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = identity.Close(db) })
	svc, err := identity.NewService(db, []byte("api-test-key"), time.Hour, zerolog.Nop())
	require.NoError(t, err)

	env := &testEnv{
		records: &failingRecords{MemoryStore: records.NewMemoryStore(nil, zerolog.Nop())},
		objects: storage.NewMemoryStore(),
	}

	a, err := New(Store{
		Identity: svc,
		Activity: svc,
		Records:  env.records,
		Objects:  env.objects,
		Ready: func(context.Context) error {
			if err := env.ready.Load(); err != nil {
				return *err
			}
			return nil
		},
	}, Config{Root: testRoot, MaxUploadBytes: 1 << 10, AllowedOrigins: []string{"http://localhost:5173"}}, zerolog.Nop())
	require.NoError(t, err)
	env.handler, err = a.Routes()
	require.NoError(t, err)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) signUp(t *testing.T, email string) sessionResponse {
	t.Helper()
	body, _ := json.Marshal(credentialsRequest{Email: email, Password: "hunter22"})
	rec := e.do(t, http.MethodPost, "/v1/auth/signup", "", body, "application/json")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp
}

func (e *testEnv) upload(t *testing.T, token, name, typ string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	if typ != "" {
		header.Set("Content-Type", typ)
	}
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return e.do(t, http.MethodPost, "/v1/documents", token, buf.Bytes(), mw.FormDataContentType())
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload["error"]
}

func TestNewValidatesStore(t *testing.T) {
	_, err := New(Store{}, Config{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = env.do(t, http.MethodGet, "/readyz", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	down := errors.New("db down")
	env.ready.Store(&down)
	rec = env.do(t, http.MethodGet, "/readyz", "", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAccountErrors(t *testing.T) {
	env := newTestEnv(t)
	env.signUp(t, "filer@example.com")

	tests := []struct {
		name     string
		path     string
		body     string
		status   int
		wantBody string
	}{
		{"duplicate", "/v1/auth/signup", `{"email":"filer@example.com","password":"hunter22"}`, http.StatusConflict, "An account with this email already exists."},
		{"weak password", "/v1/auth/signup", `{"email":"new@example.com","password":"abc"}`, http.StatusBadRequest, "Password should be at least 6 characters."},
		{"bad email", "/v1/auth/signup", `{"email":"nope","password":"hunter22"}`, http.StatusBadRequest, "Please enter a valid email address."},
		{"wrong password", "/v1/auth/signin", `{"email":"filer@example.com","password":"wrong-one"}`, http.StatusUnauthorized, "Invalid email or password."},
		{"unknown field", "/v1/auth/signin", `{"email":"filer@example.com","password":"hunter22","admin":true}`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tt.path, "", []byte(tt.body), "application/json")
			assert.Equal(t, tt.status, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, decodeError(t, rec))
			}
		})
	}
}

func TestSignInAndOut(t *testing.T) {
	env := newTestEnv(t)
	created := env.signUp(t, "filer@example.com")

	rec := env.do(t, http.MethodPost, "/v1/auth/signin", "", []byte(`{"email":"Filer@Example.com","password":"hunter22"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	var signedIn sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &signedIn))
	assert.Equal(t, created.UserID, signedIn.UserID)

	rec = env.do(t, http.MethodGet, "/v1/auth/session", signedIn.Token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"email":"filer@example.com"`)
	assert.NotContains(t, rec.Body.String(), "token")

	rec = env.do(t, http.MethodGet, "/v1/auth/activity?limit=5", signedIn.Token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var activity struct {
		Activity []identity.AuditEntry `json:"activity"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &activity))
	require.Len(t, activity.Activity, 2)
	assert.Equal(t, identity.ActionSignIn, activity.Activity[0].Action)
	assert.Equal(t, identity.ActionAccountCreated, activity.Activity[1].Action)

	rec = env.do(t, http.MethodGet, "/v1/auth/activity?limit=zero", signedIn.Token, nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/auth/signout", signedIn.Token, nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/documents", signedIn.Token, nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// the other session is unaffected
	rec = env.do(t, http.MethodGet, "/v1/documents", created.Token, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDocumentsRequireSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/documents", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = env.do(t, http.MethodGet, "/v1/documents", "not-a-token", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/documents", nil)
	req.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	rw := httptest.NewRecorder()
	env.handler.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusUnauthorized, rw.Code)
}

func TestUploadListAndDelete(t *testing.T) {
	env := newTestEnv(t)
	sess := env.signUp(t, "filer@example.com")

	rec := env.upload(t, sess.Token, "w2.pdf", "", []byte("%PDF-1.7 wages"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var uploaded uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uploaded))
	require.NotEmpty(t, uploaded.ID)
	assert.Equal(t, "/v1/documents/"+uploaded.ID, rec.Header().Get("Location"))
	assert.Equal(t, records.StatusPending, uploaded.Status)

	rec = env.upload(t, sess.Token, "scan.png", "image/png", []byte("\x89PNG\r\n\x1a\n"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/documents", sess.Token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list documentListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Documents, 2)
	assert.Equal(t, "scan.png", list.Documents[0].Name)
	assert.Equal(t, "w2.pdf", list.Documents[1].Name)
	assert.Equal(t, "application/pdf", list.Documents[1].Type)
	assert.Equal(t, int64(len("%PDF-1.7 wages")), list.Documents[1].Size)

	rec = env.do(t, http.MethodGet, "/v1/documents/summary", sess.Token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"totalDocuments":2`)
	assert.Contains(t, rec.Body.String(), `"application/pdf":1`)

	rec = env.do(t, http.MethodGet, "/v1/documents/"+uploaded.ID+"/content", sess.Token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "%PDF-1.7 wages", rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "w2.pdf")

	rec = env.do(t, http.MethodDelete, "/v1/documents/"+uploaded.ID, sess.Token, nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, env.objects.Len())

	rec = env.do(t, http.MethodGet, "/v1/documents/"+uploaded.ID, sess.Token, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodDelete, "/v1/documents/"+uploaded.ID, sess.Token, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDocumentsAreScopedToUser(t *testing.T) {
	env := newTestEnv(t)
	owner := env.signUp(t, "owner@example.com")
	other := env.signUp(t, "other@example.com")

	rec := env.upload(t, owner.Token, "w2.pdf", "application/pdf", []byte("wages"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var uploaded uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uploaded))

	rec = env.do(t, http.MethodGet, "/v1/documents/"+uploaded.ID, other.Token, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodDelete, "/v1/documents/"+uploaded.ID, other.Token, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/documents", other.Token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"documents":[]}`, rec.Body.String())
}

func TestUploadErrors(t *testing.T) {
	env := newTestEnv(t)
	sess := env.signUp(t, "filer@example.com")

	rec := env.upload(t, sess.Token, "big.pdf", "application/pdf", bytes.Repeat([]byte("x"), 2<<10))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, 0, env.objects.Len())

	rec = env.do(t, http.MethodPost, "/v1/documents", sess.Token, []byte("not multipart"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.records.failAdd.Store(true)
	rec = env.upload(t, sess.Token, "w2.pdf", "application/pdf", []byte("wages"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Failed to upload file: database unavailable", decodeError(t, rec))
	// without rollback the stored object stays behind
	assert.Equal(t, 1, env.objects.Len())
}

func TestDeleteRecordFailure(t *testing.T) {
	env := newTestEnv(t)
	sess := env.signUp(t, "filer@example.com")

	rec := env.upload(t, sess.Token, "w2.pdf", "application/pdf", []byte("wages"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var uploaded uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uploaded))

	env.records.failDelete.Store(true)
	rec = env.do(t, http.MethodDelete, "/v1/documents/"+uploaded.ID, sess.Token, nil, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Failed to delete document: database unavailable", decodeError(t, rec))
	// the object is only removed after its record is gone
	assert.Equal(t, 1, env.objects.Len())

	rec = env.do(t, http.MethodGet, "/v1/documents/"+uploaded.ID, sess.Token, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestContentNotFound(t *testing.T) {
	env := newTestEnv(t)
	sess := env.signUp(t, "filer@example.com")

	rec := env.upload(t, sess.Token, "w2.pdf", "application/pdf", []byte("wages"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var uploaded uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uploaded))

	doc, err := env.records.Get(context.Background(), records.UserDocuments(sess.UserID).Doc(uploaded.ID))
	require.NoError(t, err)
	ref, err := env.objects.RefFromURL(doc.URL)
	require.NoError(t, err)
	require.NoError(t, env.objects.Delete(context.Background(), ref))

	rec = env.do(t, http.MethodGet, "/v1/documents/"+uploaded.ID+"/content", sess.Token, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContentRedirectsToRemoteURL(t *testing.T) {
	env := newTestEnv(t)
	sess := env.signUp(t, "filer@example.com")

	id, err := env.records.MemoryStore.Add(context.Background(), records.UserDocuments(sess.UserID), records.Document{
		Name:       "w2.pdf",
		UploadDate: time.Now(),
		URL:        "https://objects.example.com/taxdocs/u/w2.pdf?sig=abc",
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/documents/"+id+"/content", sess.Token, nil, "")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://objects.example.com/taxdocs/u/w2.pdf?sig=abc", rec.Header().Get("Location"))
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, resp *http.Response) <-chan sseEvent {
	t.Helper()
	events := make(chan sseEvent, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		var ev sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			case line == "" && ev.name != "":
				events <- ev
				ev = sseEvent{}
			}
		}
	}()
	return events
}

func nextSnapshot(t *testing.T, events <-chan sseEvent) snapshotEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream closed")
		require.Equal(t, "snapshot", ev.name)
		var snap snapshotEvent
		require.NoError(t, json.Unmarshal([]byte(ev.data), &snap))
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot received")
		return snapshotEvent{}
	}
}

func TestStreamSendsSnapshots(t *testing.T) {
	env := newTestEnv(t)
	sess := env.signUp(t, "filer@example.com")

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/documents/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp)
	first := nextSnapshot(t, events)
	assert.Empty(t, first.Documents)
	assert.Equal(t, 0, first.Summary.TotalDocuments)

	rec := env.upload(t, sess.Token, "w2.pdf", "application/pdf", []byte("wages"))
	require.Equal(t, http.StatusCreated, rec.Code)

	second := nextSnapshot(t, events)
	require.Len(t, second.Documents, 1)
	assert.Equal(t, "w2.pdf", second.Documents[0].Name)
	assert.Equal(t, 1, second.Summary.TotalDocuments)
}

func TestStreamAcceptsQueryToken(t *testing.T) {
	env := newTestEnv(t)
	sess := env.signUp(t, "filer@example.com")

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/documents/stream?access_token="+sess.Token, nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	nextSnapshot(t, readEvents(t, resp))
}

func TestLatestKeepsNewest(t *testing.T) {
	l := newLatest[int]()
	l.put(1)
	l.put(2)
	l.put(3)

	select {
	case <-l.ready:
	default:
		t.Fatal("expected ready signal")
	}
	assert.Equal(t, 3, l.take())

	select {
	case <-l.ready:
		t.Fatal("signal should be coalesced")
	default:
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		query  string
		want   string
	}{
		{"Bearer abc", "", "abc"},
		{"bearer  abc ", "", "abc"},
		{"Basic abc", "", ""},
		{"", "xyz", "xyz"},
		{"Bearer abc", "xyz", "abc"},
		{"", "", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/?access_token="+tt.query, nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, bearerToken(req), "header %q query %q", tt.header, tt.query)
	}
}
