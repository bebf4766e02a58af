package txarchive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

func TestMemoryArchiveFetch(t *testing.T) {
	store, err := New(Config{Driver: DriverMemory, Prefix: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	tx := []byte{0x01, 0x02, 0x03}
	if err := store.Archive(ctx, "intent-1", tx); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	got, err := store.Fetch(ctx, "intent-1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(got, tx) {
		t.Fatalf("Fetch = %x, want %x", got, tx)
	}

	// Returned slice must be a copy.
	got[0] = 0xff
	again, err := store.Fetch(ctx, "intent-1")
	if err != nil {
		t.Fatalf("Fetch again: %v", err)
	}
	if again[0] != 0x01 {
		t.Fatalf("stored bytes mutated through returned slice")
	}
}

func TestMemoryFetchMissing(t *testing.T) {
	store, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := store.Fetch(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Fetch missing = %v, want ErrNotFound", err)
	}
}

func TestInvalidKeys(t *testing.T) {
	store, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, id := range []string{"", "a/b", "has space"} {
		if err := store.Archive(context.Background(), id, []byte{1}); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("Archive(%q) = %v, want ErrInvalidKey", id, err)
		}
	}
}

func TestEmptyTransactionRejected(t *testing.T) {
	store, err := New(Config{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := store.Archive(context.Background(), "intent-1", nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Archive(nil) = %v, want ErrInvalidConfig", err)
	}
}

func TestUnknownDriver(t *testing.T) {
	if _, err := New(Config{Driver: "tape"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("New = %v, want ErrInvalidConfig", err)
	}
}

func TestObjectKeyPrefix(t *testing.T) {
	key, err := objectKey("archive/prod/", "abc")
	if err != nil {
		t.Fatalf("objectKey: %v", err)
	}
	if key != "archive/prod/intents/abc/tx" {
		t.Fatalf("objectKey = %q", key)
	}

	key, err = objectKey("", "abc")
	if err != nil {
		t.Fatalf("objectKey: %v", err)
	}
	if key != "intents/abc/tx" {
		t.Fatalf("objectKey = %q", key)
	}
}

type fakeS3 struct {
	objects map[string][]byte
	getErr  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &fakeAPIError{code: "NoSuchKey"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

type fakeAPIError struct{ code string }

func (e *fakeAPIError) Error() string                 { return e.code }
func (e *fakeAPIError) ErrorCode() string             { return e.code }
func (e *fakeAPIError) ErrorMessage() string          { return e.code }
func (e *fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

func TestS3RoundTrip(t *testing.T) {
	client := &fakeS3{}
	store, err := New(Config{Driver: DriverS3, Bucket: "arena-tx", S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	tx := []byte("serialized")
	if err := store.Archive(ctx, "intent-9", tx); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	got, err := store.Fetch(ctx, "intent-9")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(got, tx) {
		t.Fatalf("Fetch = %q, want %q", got, tx)
	}
}

func TestS3NotFound(t *testing.T) {
	store, err := New(Config{Driver: DriverS3, Bucket: "arena-tx", S3Client: &fakeS3{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := store.Fetch(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Fetch = %v, want ErrNotFound", err)
	}
}

func TestS3TooLarge(t *testing.T) {
	client := &fakeS3{}
	store, err := New(Config{Driver: DriverS3, Bucket: "arena-tx", S3Client: client, MaxGetSize: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := store.Archive(ctx, "big", []byte("12345")); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := store.Fetch(ctx, "big"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Fetch = %v, want ErrTooLarge", err)
	}
}

func TestS3MissingBucket(t *testing.T) {
	if _, err := New(Config{Driver: DriverS3, S3Client: &fakeS3{}}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("New = %v, want ErrInvalidConfig", err)
	}
}
