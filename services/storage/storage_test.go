package storage

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRef(t *testing.T) {
	ref := NewRef("taxdocs", "/u1/1700000000000_w2.pdf/")
	assert.Equal(t, Ref{Root: "taxdocs", Path: "u1/1700000000000_w2.pdf"}, ref)
	assert.Equal(t, "taxdocs/u1/1700000000000_w2.pdf", ref.String())
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ref := NewRef("taxdocs", "u1/1700000000000_w2.pdf")
	payload := []byte("%PDF-1.7 wages")

	h, err := store.Upload(ctx, ref, payload, UploadOptions{
		ContentType: "application/pdf",
		Metadata:    map[string]string{"originalName": "w2 (final).pdf"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), h.Size)
	assert.Equal(t, "application/pdf", h.ContentType)

	// the store keeps its own copy
	payload[0] = 'X'

	u, err := store.DownloadURL(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "mem://taxdocs/u1/1700000000000_w2.pdf", u)

	back, err := store.RefFromURL(u)
	require.NoError(t, err)
	assert.Equal(t, ref, back)

	rc, err := store.Open(ctx, u)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "%PDF-1.7 wages", string(got))

	meta, ok := store.Metadata(ref)
	require.True(t, ok)
	assert.Equal(t, "w2 (final).pdf", meta["originalName"])

	require.NoError(t, store.Delete(ctx, ref))
	assert.ErrorIs(t, store.Delete(ctx, ref), ErrNotFound)
	_, err = store.Open(ctx, u)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.DownloadURL(ctx, ref)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, store.Len())
}

func TestMemoryStoreEmptyObject(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ref := NewRef("taxdocs", "u1/1_a.txt")

	h, err := store.Upload(ctx, ref, nil, UploadOptions{ContentType: "text/plain"})
	require.NoError(t, err)
	assert.Zero(t, h.Size)

	u, err := store.DownloadURL(ctx, ref)
	require.NoError(t, err)
	rc, err := store.Open(ctx, u)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStoreRejects(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Upload(ctx, Ref{Root: "taxdocs"}, []byte("x"), UploadOptions{})
	assert.Error(t, err)

	for _, u := range []string{"https://example.com/a", "mem:///nohost", "mem://taxdocs/", "::"} {
		_, err := store.RefFromURL(u)
		assert.ErrorIs(t, err, ErrForeignURL, u)
	}
}

func TestRefFromURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		public  string
		want    Ref
		wantErr bool
	}{
		{
			name:   "public base",
			url:    "https://cdn.example.com/taxdocs/u1/1_w2%20final.pdf",
			public: "https://cdn.example.com",
			want:   Ref{Root: "taxdocs", Path: "u1/1_w2 final.pdf"},
		},
		{
			name: "path style presigned",
			url:  "http://minio:9000/taxdocs/u1/1_w2.pdf?X-Amz-Signature=abc",
			want: Ref{Root: "taxdocs", Path: "u1/1_w2.pdf"},
		},
		{
			name: "virtual hosted presigned",
			url:  "https://taxdocs.s3.amazonaws.com/u1/1_w2.pdf?X-Amz-Expires=60",
			want: Ref{Root: "taxdocs", Path: "u1/1_w2.pdf"},
		},
		{name: "other bucket", url: "http://minio:9000/other/u1/1_w2.pdf", wantErr: true},
		{name: "not http", url: "mem://taxdocs/u1/1_w2.pdf", wantErr: true},
		{name: "public without key", url: "https://cdn.example.com/taxdocs", public: "https://cdn.example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := refFromURL(tt.url, "taxdocs", tt.public)
			if (err != nil) != tt.wantErr {
				t.Fatalf("refFromURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestEscapeKey(t *testing.T) {
	assert.Equal(t, "u1/1_w2%20final.pdf", escapeKey("u1/1_w2 final.pdf"))
}

func TestNewS3StoreValidates(t *testing.T) {
	_, err := NewS3Store(nil, "taxdocs", "", 0)
	assert.Error(t, err)
}

func TestMemoryStoreRefusesOverwrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	ref := NewRef("taxdocs", "u1/1712325600000_w2.pdf")

	_, err := store.Upload(ctx, ref, []byte("one"), UploadOptions{})
	require.NoError(t, err)
	_, err = store.Upload(ctx, ref, []byte("two"), UploadOptions{})
	require.ErrorIs(t, err, ErrExists)

	u, err := store.DownloadURL(ctx, ref)
	require.NoError(t, err)
	rc, err := store.Open(ctx, u)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))

	require.NoError(t, store.Delete(ctx, ref))
	_, err = store.Upload(ctx, ref, []byte("three"), UploadOptions{})
	assert.NoError(t, err)
}
