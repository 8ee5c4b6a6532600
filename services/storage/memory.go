package storage

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strings"
	"sync"
)

const memScheme = "mem"

type memObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
}

// MemoryStore keeps objects in process memory and hands out mem:// URLs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[Ref]memObject
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[Ref]memObject)}
}

func (m *MemoryStore) Upload(ctx context.Context, ref Ref, data []byte, opts UploadOptions) (Handle, error) {
	if err := ref.validate(); err != nil {
		return Handle{}, err
	}
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	meta := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		meta[k] = v
	}

	m.mu.Lock()
	if _, taken := m.objects[ref]; taken {
		m.mu.Unlock()
		return Handle{}, ErrExists
	}
	m.objects[ref] = memObject{
		data:        bytes.Clone(data),
		contentType: opts.ContentType,
		metadata:    meta,
	}
	m.mu.Unlock()

	return Handle{Ref: ref, Size: int64(len(data)), ContentType: opts.ContentType}, nil
}

func (m *MemoryStore) DownloadURL(ctx context.Context, ref Ref) (string, error) {
	if err := ref.validate(); err != nil {
		return "", err
	}
	m.mu.RLock()
	_, ok := m.objects[ref]
	m.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	u := url.URL{Scheme: memScheme, Host: ref.Root, Path: "/" + ref.Path}
	return u.String(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, ref Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[ref]; !ok {
		return ErrNotFound
	}
	delete(m.objects, ref)
	return nil
}

func (m *MemoryStore) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	ref, err := m.RefFromURL(rawURL)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	obj, ok := m.objects[ref]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryStore) RefFromURL(rawURL string) (Ref, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != memScheme || u.Host == "" {
		return Ref{}, ErrForeignURL
	}
	path := strings.TrimPrefix(u.Path, "/")
	if path == "" {
		return Ref{}, ErrForeignURL
	}
	return Ref{Root: u.Host, Path: path}, nil
}

// Metadata returns the custom metadata stored with ref.
func (m *MemoryStore) Metadata(ref Ref) (map[string]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[ref]
	if !ok {
		return nil, false
	}
	out := make(map[string]string, len(obj.metadata))
	for k, v := range obj.metadata {
		out[k] = v
	}
	return out, true
}

// Len reports how many objects are stored.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
