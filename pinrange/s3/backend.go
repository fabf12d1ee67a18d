// Package s3 provides an S3 backend for pinrange.
//
// S3 buckets with versioning enabled carry the version identifier this
// module pins on: HeadObject responses include VersionId, and
// GetObject accepts an explicit VersionId selector that resolves the
// exact version regardless of the bucket's current state. Against a
// non-versioned bucket VersionId is absent and sessions degrade to
// best-effort current-version reads.
//
// The adapter supports AWS S3 and S3-compatible stores (MinIO,
// LocalStack) that implement object versioning.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/pithecene-io/pinrange/internal/httprange"
	"github.com/pithecene-io/pinrange/pinrange"
)

// API defines the subset of the S3 client interface used by the
// backend. This enables testing with mock implementations.
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config holds configuration for the S3 backend.
type Config struct {
	// Bucket is the S3 bucket name. Required.
	Bucket string

	// Prefix is an optional key prefix for all operations.
	Prefix string
}

// Backend implements pinrange.Backend against an S3-compatible store.
type Backend struct {
	client API
	bucket string
	prefix string
}

var _ pinrange.Backend = (*Backend)(nil)

// New creates an S3 backend with the given client and configuration.
//
// The client must be pre-configured with credentials, region, and
// endpoint. Use github.com/aws/aws-sdk-go-v2/config to load
// configuration.
func New(client API, cfg Config) (*Backend, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Backend{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// Head fetches object metadata. VersionId is empty when the bucket is
// non-versioned.
func (b *Backend) Head(ctx context.Context, key string) (pinrange.ObjectInfo, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.prefix + key),
	})
	if err != nil {
		return pinrange.ObjectInfo{}, b.mapError(key, err)
	}

	return pinrange.ObjectInfo{
		Key:       key,
		Size:      aws.ToInt64(out.ContentLength),
		ETag:      strings.Trim(aws.ToString(out.ETag), `"`),
		VersionID: aws.ToString(out.VersionId),
	}, nil
}

// ReadRange reads a byte range of the named version via GetObject with
// a Range header and, when version is non-empty, an explicit VersionId
// selector. The serving version comes from the response's VersionId.
func (b *Backend) ReadRange(ctx context.Context, key, version string, rng pinrange.ByteRange) ([]byte, string, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.prefix + key),
		Range:  aws.String(httprange.Format(rng.Offset, rng.Length)),
	}
	if version != "" {
		input.VersionId = aws.String(version)
	}

	out, err := b.client.GetObject(ctx, input)
	if err != nil {
		return nil, "", b.mapError(key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", b.mapError(key, err)
	}
	return data, aws.ToString(out.VersionId), nil
}

// mapError translates SDK errors into the pinrange error taxonomy.
func (b *Backend) mapError(key string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("s3: object %q: %w", key, pinrange.ErrTimeout)
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("s3: object %q: %w", key, pinrange.ErrNotFound)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchVersion", "404":
			return fmt.Errorf("s3: object %q: %w", key, pinrange.ErrNotFound)
		case "InvalidRange", "416":
			return fmt.Errorf("s3: object %q: %w", key, pinrange.ErrRangeNotSatisfiable)
		case "RequestTimeout":
			return fmt.Errorf("s3: object %q: %w", key, pinrange.ErrTimeout)
		}
	}
	return fmt.Errorf("s3: object %q: %w", key, err)
}

// -----------------------------------------------------------------------------
// Mock S3 Client for Testing
// -----------------------------------------------------------------------------

type mockVersion struct {
	id   string
	data []byte
}

// MockS3Client is a versioned test double for API. Each PutVersion
// appends an immutable version and makes it current; Head and Get
// honor explicit VersionId selectors against the full history, like a
// versioning-enabled bucket.
type MockS3Client struct {
	mu        sync.RWMutex
	objects   map[string][]mockVersion
	versionID int
	versioned bool

	// Call counters for test assertions.
	HeadObjectCalls int
	GetObjectCalls  int
}

// NewMockS3Client creates a versioning-enabled mock client.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		objects:   make(map[string][]mockVersion),
		versioned: true,
	}
}

// NewMockS3ClientUnversioned creates a mock behaving like a bucket
// without versioning: single version per key, no VersionId fields.
func NewMockS3ClientUnversioned() *MockS3Client {
	return &MockS3Client{objects: make(map[string][]mockVersion)}
}

// PutVersion appends a new current version of key and returns its id
// (empty for unversioned mocks).
func (m *MockS3Client) PutVersion(key string, data []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := ""
	if m.versioned {
		m.versionID++
		id = fmt.Sprintf("mock-version-%d", m.versionID)
	}
	v := mockVersion{id: id, data: append([]byte(nil), data...)}
	if m.versioned {
		m.objects[key] = append(m.objects[key], v)
	} else {
		m.objects[key] = []mockVersion{v}
	}
	return id
}

func (m *MockS3Client) resolve(key, versionID string) (mockVersion, error) {
	history, ok := m.objects[key]
	if !ok || len(history) == 0 {
		return mockVersion{}, &types.NoSuchKey{}
	}
	if versionID == "" {
		return history[len(history)-1], nil
	}
	for _, v := range history {
		if v.id == versionID {
			return v, nil
		}
	}
	return mockVersion{}, &smithyAPIError{code: "NoSuchVersion", message: "version not found"}
}

// HeadObject implements API.HeadObject.
func (m *MockS3Client) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	m.HeadObjectCalls++
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()

	v, err := m.resolve(aws.ToString(params.Key), aws.ToString(params.VersionId))
	if err != nil {
		return nil, err
	}

	out := &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(v.data))),
		ETag:          aws.String(fmt.Sprintf("%q", v.id)),
	}
	if m.versioned {
		out.VersionId = aws.String(v.id)
	}
	return out, nil
}

// GetObject implements API.GetObject, honoring Range and VersionId.
func (m *MockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	m.GetObjectCalls++
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()

	v, err := m.resolve(aws.ToString(params.Key), aws.ToString(params.VersionId))
	if err != nil {
		return nil, err
	}

	data := v.data
	if params.Range != nil {
		start, end, perr := httprange.Parse(aws.ToString(params.Range), int64(len(data)))
		if perr != nil {
			return nil, &smithyAPIError{code: "InvalidRange", message: "range not satisfiable"}
		}
		data = data[start : end+1]
	}

	out := &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if m.versioned {
		out.VersionId = aws.String(v.id)
	}
	return out, nil
}

// smithyAPIError implements smithy.APIError for testing.
type smithyAPIError struct {
	code    string
	message string
}

func (e *smithyAPIError) Error() string { return e.message }

func (e *smithyAPIError) ErrorCode() string { return e.code }

func (e *smithyAPIError) ErrorMessage() string { return e.message }

func (e *smithyAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }
