package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"taxdocs/pkg/s3"
)

// S3Store keeps objects in an S3-compatible bucket.
type S3Store struct {
	client        *s3.Client
	bucket        string
	publicBaseURL string
	urlTTL        time.Duration
}

// NewS3Store wraps client. When publicBaseURL is set, download URLs are
// publicBaseURL/<bucket>/<key>; otherwise they are presigned for urlTTL.
func NewS3Store(client *s3.Client, bucket, publicBaseURL string, urlTTL time.Duration) (*S3Store, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if urlTTL <= 0 {
		urlTTL = 7 * 24 * time.Hour
	}
	return &S3Store{
		client:        client,
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		urlTTL:        urlTTL,
	}, nil
}

func (s *S3Store) Upload(ctx context.Context, ref Ref, data []byte, opts UploadOptions) (Handle, error) {
	if err := ref.validate(); err != nil {
		return Handle{}, err
	}

	sum := sha256.Sum256(data)
	meta := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		// object metadata travels as HTTP headers
		meta[strings.ToLower(k)] = url.QueryEscape(v)
	}

	err := s.client.PutObject(ctx, s3.PutInput{
		Bucket:      ref.Root,
		Key:         ref.Path,
		Body:        bytes.NewReader(data),
		Size:        int64(len(data)),
		ContentType: opts.ContentType,
		SHA256:      hex.EncodeToString(sum[:]),
		Metadata:    meta,
		IfAbsent:    true,
	})
	if errors.Is(err, s3.ErrExists) {
		return Handle{}, ErrExists
	}
	if err != nil {
		return Handle{}, fmt.Errorf("put object %s: %w", ref, err)
	}

	return Handle{Ref: ref, Size: int64(len(data)), ContentType: opts.ContentType}, nil
}

func (s *S3Store) DownloadURL(ctx context.Context, ref Ref) (string, error) {
	if err := ref.validate(); err != nil {
		return "", err
	}
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + ref.Root + "/" + escapeKey(ref.Path), nil
	}
	u, err := s.client.PresignGet(ctx, ref.Root, ref.Path, s.urlTTL)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", ref, err)
	}
	return u, nil
}

func (s *S3Store) Delete(ctx context.Context, ref Ref) error {
	if err := ref.validate(); err != nil {
		return err
	}
	if err := s.client.DeleteObject(ctx, ref.Root, ref.Path); err != nil {
		return fmt.Errorf("delete object %s: %w", ref, err)
	}
	return nil
}

func (s *S3Store) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	ref, err := s.RefFromURL(rawURL)
	if err != nil {
		return nil, err
	}
	body, err := s.client.GetObject(ctx, ref.Root, ref.Path)
	if errors.Is(err, s3.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", ref, err)
	}
	return body, nil
}

// RefFromURL accepts public URLs as well as path-style and virtual-hosted presigned URLs
// for the configured bucket.
func (s *S3Store) RefFromURL(rawURL string) (Ref, error) {
	return refFromURL(rawURL, s.bucket, s.publicBaseURL)
}

func refFromURL(rawURL, bucket, publicBaseURL string) (Ref, error) {
	if publicBaseURL != "" && strings.HasPrefix(rawURL, publicBaseURL+"/") {
		rest := strings.SplitN(strings.TrimPrefix(rawURL, publicBaseURL+"/"), "?", 2)[0]
		root, key, ok := strings.Cut(rest, "/")
		if !ok || root == "" || key == "" {
			return Ref{}, ErrForeignURL
		}
		unescaped, err := url.PathUnescape(key)
		if err != nil {
			return Ref{}, ErrForeignURL
		}
		return Ref{Root: root, Path: unescaped}, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Ref{}, ErrForeignURL
	}
	path := strings.TrimPrefix(u.Path, "/")
	if strings.HasPrefix(path, bucket+"/") {
		path = strings.TrimPrefix(path, bucket+"/")
	} else if !strings.HasPrefix(u.Hostname(), bucket+".") {
		return Ref{}, ErrForeignURL
	}
	if path == "" {
		return Ref{}, ErrForeignURL
	}
	return Ref{Root: bucket, Path: path}, nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
