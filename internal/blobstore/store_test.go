package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "memory", cfg: Config{Driver: DriverMemory}},
		{name: "unsupported driver", cfg: Config{Driver: "gcs"}, wantErr: true},
		{name: "s3 missing bucket", cfg: Config{Driver: DriverS3, S3Client: &fakeS3Client{}}, wantErr: true},
		{name: "s3 missing client", cfg: Config{Driver: DriverS3, Bucket: "stake-snapshots"}, wantErr: true},
		{name: "default driver is s3", cfg: Config{Bucket: "stake-snapshots", S3Client: &fakeS3Client{}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store, err := New(tc.cfg)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil || store == nil {
				t.Fatalf("New: store=%v err=%v", store, err)
			}
		})
	}
}

func TestMemoryIsWriteOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory("reports/")
	payload := []byte(`{"primary":1}`)

	if err := m.Put(ctx, "/snapshots/2026/10/19/1.json", payload, "application/json"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := m.Put(ctx, "snapshots/2026/10/19/1.json", []byte("other"), ""); !errors.Is(err, ErrExists) {
		t.Fatalf("second Put: got %v want ErrExists", err)
	}

	got, err := m.Get(ctx, "snapshots/2026/10/19/1.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload: got %q want %q", got, payload)
	}
	got[0] = 'X'
	again, _ := m.Get(ctx, "snapshots/2026/10/19/1.json")
	if again[0] != '{' {
		t.Fatalf("stored payload was aliased")
	}

	if keys := m.Keys(); len(keys) != 1 || keys[0] != "reports/snapshots/2026/10/19/1.json" {
		t.Fatalf("keys: %v", keys)
	}
	if ok, _ := m.Exists(ctx, "snapshots/missing.json"); ok {
		t.Fatalf("Exists returned true for missing key")
	}
	if _, err := m.Get(ctx, "snapshots/missing.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: got %v want ErrNotFound", err)
	}
}

func TestRejectsInvalidKeys(t *testing.T) {
	t.Parallel()

	m := NewMemory("")
	for _, key := range []string{"", "   ", "\x00bad", "\nnewline", "a/../b"} {
		if err := m.Put(context.Background(), key, []byte("x"), ""); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Put(%q): got %v want ErrInvalidKey", key, err)
		}
	}
}

func TestS3PutIsConditional(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{}
	store, err := New(Config{Driver: DriverS3, Bucket: "stake-snapshots", Prefix: "prod", S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	client.putFn = func(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
		if got, want := aws.ToString(in.Key), "prod/snapshots/1.json"; got != want {
			t.Fatalf("key: got %q want %q", got, want)
		}
		if got := aws.ToString(in.IfNoneMatch); got != "*" {
			t.Fatalf("IfNoneMatch: got %q want *", got)
		}
		if got := aws.ToString(in.ContentType); got != "application/json" {
			t.Fatalf("content type: got %q", got)
		}
		return &s3.PutObjectOutput{}, nil
	}
	if err := store.Put(context.Background(), "snapshots/1.json", []byte("{}"), "application/json"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	client.putFn = func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
		return nil, fakeAPIError{code: "PreconditionFailed", msg: "exists"}
	}
	if err := store.Put(context.Background(), "snapshots/1.json", []byte("{}"), ""); !errors.Is(err, ErrExists) {
		t.Fatalf("conditional Put: got %v want ErrExists", err)
	}
}

func TestS3GetAndExists(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		getFn: func(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			if aws.ToString(in.Key) == "snapshots/missing.json" {
				return nil, fakeAPIError{code: "NoSuchKey", msg: "missing"}
			}
			return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(`{"primary":5}`))}, nil
		},
		headFn: func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
			return nil, fakeAPIError{code: "NotFound", msg: "missing"}
		},
	}
	store, err := New(Config{Bucket: "stake-snapshots", S3Client: client, MaxGetSize: 64})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := store.Get(context.Background(), "snapshots/1.json")
	if err != nil || string(got) != `{"primary":5}` {
		t.Fatalf("Get: %q %v", got, err)
	}
	if _, err := store.Get(context.Background(), "snapshots/missing.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: got %v want ErrNotFound", err)
	}
	ok, err := store.Exists(context.Background(), "snapshots/missing.json")
	if err != nil || ok {
		t.Fatalf("Exists: ok=%v err=%v", ok, err)
	}
}

func TestS3MaxGetSize(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("this payload is too large"))}, nil
		},
	}
	store, err := New(Config{Bucket: "stake-snapshots", S3Client: client, MaxGetSize: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := store.Get(context.Background(), "snapshots/1.json"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

type fakeS3Client struct {
	putFn  func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	getFn  func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	headFn func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func (f *fakeS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putFn == nil {
		return &s3.PutObjectOutput{}, nil
	}
	return f.putFn(ctx, in, opts...)
}

func (f *fakeS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getFn == nil {
		return nil, errors.New("unexpected GetObject call")
	}
	return f.getFn(ctx, in, opts...)
}

func (f *fakeS3Client) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headFn == nil {
		return &s3.HeadObjectOutput{}, nil
	}
	return f.headFn(ctx, in, opts...)
}

type fakeAPIError struct {
	code string
	msg  string
}

func (f fakeAPIError) ErrorCode() string             { return f.code }
func (f fakeAPIError) ErrorMessage() string          { return f.msg }
func (f fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }
func (f fakeAPIError) Error() string                 { return f.code + ": " + f.msg }
