// Package txarchive persists the serialized unsigned transactions handed to
// clients, keyed by intent id, for audit and replay. Reconciliation never
// depends on it; a missing archive entry is an operational gap, not a
// correctness problem.
package txarchive

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
	"github.com/aws/smithy-go"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxGetSize int64 = 2 << 20
)

var (
	ErrInvalidConfig = errors.New("txarchive: invalid config")
	ErrInvalidKey    = errors.New("txarchive: invalid key")
	ErrNotFound      = errors.New("txarchive: not found")
	ErrTooLarge      = errors.New("txarchive: object too large")
)

// Store archives serialized transactions by intent id.
type Store interface {
	Archive(ctx context.Context, intentID string, serializedTx []byte) error
	Fetch(ctx context.Context, intentID string) ([]byte, error)
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes returned by Fetch. Defaults to 2 MiB.
	MaxGetSize int64

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

func New(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverMemory:
		return newMemoryStore(cfg.Prefix), nil
	case DriverS3:
		return newS3Store(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func objectKey(prefix, intentID string) (string, error) {
	if intentID == "" || strings.ContainsAny(intentID, "/ ") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, intentID)
	}
	key := "intents/" + intentID + "/tx"
	if prefix != "" {
		key = strings.TrimSuffix(prefix, "/") + "/" + key
	}
	return key, nil
}

type memoryStore struct {
	prefix string

	mu   sync.Mutex
	objs map[string][]byte
}

func newMemoryStore(prefix string) *memoryStore {
	return &memoryStore{prefix: prefix, objs: make(map[string][]byte)}
}

func (s *memoryStore) Archive(_ context.Context, intentID string, serializedTx []byte) error {
	key, err := objectKey(s.prefix, intentID)
	if err != nil {
		return err
	}
	if len(serializedTx) == 0 {
		return fmt.Errorf("%w: empty transaction", ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objs[key] = append([]byte(nil), serializedTx...)
	return nil
}

func (s *memoryStore) Fetch(_ context.Context, intentID string) ([]byte, error) {
	key, err := objectKey(s.prefix, intentID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

type s3Store struct {
	client     S3Client
	bucket     string
	prefix     string
	maxGetSize int64
}

func newS3Store(cfg Config) (*s3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: missing bucket", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: missing s3 client", ErrInvalidConfig)
	}
	maxGet := cfg.MaxGetSize
	if maxGet <= 0 {
		maxGet = defaultMaxGetSize
	}
	return &s3Store{
		client:     cfg.S3Client,
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		maxGetSize: maxGet,
	}, nil
}

func (s *s3Store) Archive(ctx context.Context, intentID string, serializedTx []byte) error {
	key, err := objectKey(s.prefix, intentID)
	if err != nil {
		return err
	}
	if len(serializedTx) == 0 {
		return fmt.Errorf("%w: empty transaction", ErrInvalidConfig)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(serializedTx),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("txarchive: put %s: %w", key, err)
	}
	return nil
}

func (s *s3Store) Fetch(ctx context.Context, intentID string) ([]byte, error) {
	key, err := objectKey(s.prefix, intentID)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("txarchive: get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxGetSize+1))
	if err != nil {
		return nil, fmt.Errorf("txarchive: read %s: %w", key, err)
	}
	if int64(len(data)) > s.maxGetSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, key, s.maxGetSize)
	}
	return data, nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound":
		return true
	default:
		return false
	}
}
