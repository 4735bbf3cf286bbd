// Package blobstore archives write-once documents such as balance snapshots.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxGetSize int64 = 4 << 20
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrExists        = errors.New("blobstore: already exists")
	ErrTooLarge      = errors.New("blobstore: object too large")
)

// Store is a write-once archive. Put never overwrites: a second Put of the
// same key fails with ErrExists.
type Store interface {
	Put(ctx context.Context, key string, payload []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes returned by Get. Defaults to 4 MiB when <= 0.
	MaxGetSize int64

	Bucket   string
	S3Client S3Client
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func New(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverMemory:
		return NewMemory(cfg.Prefix), nil
	case DriverS3, "":
		return newS3Store(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func cleanKey(key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: leading or trailing whitespace", ErrInvalidKey)
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: control characters", ErrInvalidKey)
		}
	}
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: path traversal", ErrInvalidKey)
	}
	return key, nil
}

func withPrefix(prefix, key string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// Memory is an in-process Store for tests and developer runs.
type Memory struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string][]byte
}

func NewMemory(prefix string) *Memory {
	return &Memory{prefix: prefix, objects: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, key string, payload []byte, _ string) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	full := withPrefix(m.prefix, k)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[full]; ok {
		return fmt.Errorf("%w: %s", ErrExists, k)
	}
	m.objects[full] = bytes.Clone(payload)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[withPrefix(m.prefix, k)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	return bytes.Clone(b), nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	k, err := cleanKey(key)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[withPrefix(m.prefix, k)]
	return ok, nil
}

// Keys lists stored keys, prefix included, in lexical order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type s3Store struct {
	client     S3Client
	bucket     string
	prefix     string
	maxGetSize int64
}

func newS3Store(cfg Config) (Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	maxGet := cfg.MaxGetSize
	if maxGet <= 0 {
		maxGet = defaultMaxGetSize
	}
	return &s3Store{client: cfg.S3Client, bucket: bucket, prefix: cfg.Prefix, maxGetSize: maxGet}, nil
}

func (s *s3Store) Put(ctx context.Context, key string, payload []byte, contentType string) error {
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(withPrefix(s.prefix, k)),
		Body:        bytes.NewReader(payload),
		IfNoneMatch: aws.String("*"),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		if apiCode(err) == "PreconditionFailed" {
			return fmt.Errorf("%w: %s", ErrExists, k)
		}
		return fmt.Errorf("blobstore/s3: put %q: %w", k, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(withPrefix(s.prefix, k)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
		}
		return nil, fmt.Errorf("blobstore/s3: get %q: %w", k, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxGetSize+1))
	if err != nil {
		return nil, fmt.Errorf("blobstore/s3: read %q: %w", k, err)
	}
	if int64(len(data)) > s.maxGetSize {
		return nil, fmt.Errorf("%w: %q exceeds %d bytes", ErrTooLarge, k, s.maxGetSize)
	}
	return data, nil
}

func (s *s3Store) Exists(ctx context.Context, key string) (bool, error) {
	k, err := cleanKey(key)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(withPrefix(s.prefix, k)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("blobstore/s3: head %q: %w", k, err)
	}
	return true, nil
}

func apiCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return ""
	}
	return apiErr.ErrorCode()
}

func isNotFound(err error) bool {
	switch apiCode(err) {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*s3Store)(nil)
)
