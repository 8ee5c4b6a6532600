package s3

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var (
	// ErrNotFound is returned when the requested key does not exist in the bucket.
	ErrNotFound = errors.New("s3: object not found")
	// ErrExists is returned by a conditional put when the key is already taken.
	ErrExists = errors.New("s3: object already exists")
)

// Options configures the connection to an S3-compatible endpoint.
type Options struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	Region         string
	DisableTLS     bool
	ForcePathStyle bool
}

// Client is a thin wrapper around the AWS SDK v2 S3 client tuned for S3-compatible endpoints
// such as MinIO and SeaweedFS.
type Client struct {
	api     *s3.Client
	presign *s3.PresignClient
}

// NewClient initialises a Client from opts.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, errors.New("s3 endpoint is required")
	}
	if opts.AccessKey == "" || opts.SecretKey == "" {
		return nil, errors.New("s3 access key and secret key are required")
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	endpoint := normalizeEndpoint(opts.Endpoint, opts.DisableTLS)

	cfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.ForcePathStyle
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &Client{
		api:     client,
		presign: s3.NewPresignClient(client),
	}, nil
}

func normalizeEndpoint(endpoint string, disableTLS bool) string {
	endpoint = strings.TrimSpace(endpoint)
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return strings.TrimRight(endpoint, "/")
	}
	scheme := "https"
	if disableTLS {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, strings.TrimRight(endpoint, "/"))
}

// PutInput describes an object upload.
type PutInput struct {
	Bucket      string
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
	SHA256      string
	Metadata    map[string]string
	// IfAbsent makes the put fail with ErrExists instead of replacing an existing key.
	IfAbsent    bool
}

// PutObject uploads data to the given bucket/key with checksum metadata.
func (c *Client) PutObject(ctx context.Context, in PutInput) error {
	if c == nil {
		return errors.New("nil client")
	}
	checksum, err := encodeSHA256(in.SHA256)
	if err != nil {
		return err
	}

	meta := make(map[string]string, len(in.Metadata)+1)
	for k, v := range in.Metadata {
		meta[k] = v
	}
	meta["sha256"] = in.SHA256

	input := &s3.PutObjectInput{
		Bucket:            &in.Bucket,
		Key:               &in.Key,
		Body:              in.Body,
		ContentLength:     &in.Size,
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    &checksum,
		Metadata:          meta,
	}
	if in.ContentType != "" {
		input.ContentType = aws.String(in.ContentType)
	}
	if in.IfAbsent {
		input.IfNoneMatch = aws.String("*")
	}

	_, err = c.api.PutObject(ctx, input)
	if in.IfAbsent && isConditionFailure(err) {
		return ErrExists
	}
	return err
}

// isConditionFailure reports a rejected If-None-Match put. S3 answers 412, or 409 when
// a concurrent conditional write to the same key is still in flight.
func isConditionFailure(err error) bool {
	var status interface{ HTTPStatusCode() int }
	if !errors.As(err, &status) {
		return false
	}
	code := status.HTTPStatusCode()
	return code == http.StatusPreconditionFailed || code == http.StatusConflict
}

// GetObject opens the object body for reading. Callers must close the reader.
func (c *Client) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}

	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return out.Body, nil
}

// DeleteObject removes the object at bucket/key. Deleting a missing key is not an error on S3.
func (c *Client) DeleteObject(ctx context.Context, bucket, key string) error {
	if c == nil {
		return errors.New("nil client")
	}

	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	return err
}

// PresignGet generates a presigned GET URL for the provided key and TTL.
func (c *Client) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if c == nil {
		return "", errors.New("nil client")
	}

	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", err
	}

	return req.URL, nil
}

func encodeSHA256(hexDigest string) (string, error) {
	if hexDigest == "" {
		return "", errors.New("sha256 digest required")
	}
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
