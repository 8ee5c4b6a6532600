package storage

import (
	"context"
	"errors"
	"io"
	"strings"
)

var (
	// ErrNotFound is returned when no object exists at a reference.
	ErrNotFound = errors.New("storage: object not found")
	// ErrExists is returned by Upload when an object already sits at the reference.
	ErrExists = errors.New("storage: object already exists")
	// ErrForeignURL is returned for URLs this store did not issue.
	ErrForeignURL = errors.New("storage: url does not belong to this store")
)

// Ref locates an object: Root is the bucket, Path the key inside it.
type Ref struct {
	Root string
	Path string
}

// NewRef builds a Ref, trimming stray slashes from path.
func NewRef(root, path string) Ref {
	return Ref{Root: root, Path: strings.Trim(path, "/")}
}

func (r Ref) String() string { return r.Root + "/" + r.Path }

func (r Ref) validate() error {
	if r.Root == "" || r.Path == "" {
		return errors.New("storage: ref needs a root and a path")
	}
	return nil
}

// UploadOptions carry object metadata.
type UploadOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Handle describes a stored object.
type Handle struct {
	Ref         Ref
	Size        int64
	ContentType string
}

// Store is the binary object store.
type Store interface {
	// Upload never replaces an existing object; it fails with ErrExists instead.
	Upload(ctx context.Context, ref Ref, data []byte, opts UploadOptions) (Handle, error)
	DownloadURL(ctx context.Context, ref Ref) (string, error)
	Delete(ctx context.Context, ref Ref) error
	// Open streams the object behind a URL returned by DownloadURL.
	Open(ctx context.Context, url string) (io.ReadCloser, error)
	// RefFromURL recovers the Ref behind a URL returned by DownloadURL.
	RefFromURL(url string) (Ref, error)
}
