// Package events publishes terminal reconciliation outcomes for downstream
// consumers (leaderboards, notifications, analytics). Delivery is
// at-least-once; the deterministic event key lets consumers dedupe.
package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/crypto/sha3"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

var (
	ErrInvalidConfig = errors.New("events: invalid config")
	ErrClosed        = errors.New("events: publisher closed")
)

// Outcome is the settlement result of one intent.
type Outcome struct {
	IntentID  string    `json:"intentId"`
	Kind      string    `json:"kind"`
	ActorID   string    `json:"actorId"`
	Status    string    `json:"status"`
	Signature string    `json:"signature,omitempty"`
	SettledAt time.Time `json:"settledAt"`
}

// Key derives the deterministic dedupe key for an outcome:
// keccak256("intent-outcome" || intentId || status). The same terminal
// outcome always maps to the same key, so racing publishers are harmless.
func Key(o Outcome) []byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte("intent-outcome"))
	_, _ = h.Write([]byte(o.IntentID))
	_, _ = h.Write([]byte(o.Status))
	return h.Sum(nil)
}

// Publisher emits settlement outcomes.
type Publisher interface {
	PublishOutcome(ctx context.Context, o Outcome) error
	Close() error
}

// Config selects and configures a publisher driver.
type Config struct {
	Driver string
	Topic  string

	// Kafka fields.
	Brokers      []string
	BatchTimeout time.Duration

	// Stdio fields.
	Writer io.Writer
}

func New(cfg Config) (Publisher, error) {
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("%w: missing topic", ErrInvalidConfig)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverKafka:
		return newKafkaPublisher(cfg)
	case DriverStdio:
		return newStdioPublisher(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

type kafkaPublisher struct {
	topic  string
	writer *kafka.Writer

	mu     sync.Mutex
	closed bool
}

func newKafkaPublisher(cfg Config) (*kafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: missing brokers", ErrInvalidConfig)
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}
	return &kafkaPublisher{
		topic: cfg.Topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.Hash{},
			BatchTimeout: batchTimeout,
			RequiredAcks: kafka.RequireAll,
		},
	}, nil
}

func (p *kafkaPublisher) PublishOutcome(ctx context.Context, o Outcome) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("events: marshal outcome: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   Key(o),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("events: publish outcome: %w", err)
	}
	return nil
}

func (p *kafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.writer.Close()
}

// stdioPublisher writes one JSON line per outcome; local development and
// pipeline plumbing.
type stdioPublisher struct {
	topic string

	mu     sync.Mutex
	w      *bufio.Writer
	closed bool
}

func newStdioPublisher(cfg Config) (*stdioPublisher, error) {
	if cfg.Writer == nil {
		return nil, fmt.Errorf("%w: missing writer", ErrInvalidConfig)
	}
	return &stdioPublisher{
		topic: cfg.Topic,
		w:     bufio.NewWriter(cfg.Writer),
	}, nil
}

type stdioLine struct {
	Topic string  `json:"topic"`
	Key   string  `json:"key"`
	Event Outcome `json:"event"`
}

func (p *stdioPublisher) PublishOutcome(_ context.Context, o Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	line, err := json.Marshal(stdioLine{
		Topic: p.topic,
		Key:   fmt.Sprintf("%x", Key(o)),
		Event: o,
	})
	if err != nil {
		return fmt.Errorf("events: marshal outcome: %w", err)
	}
	if _, err := p.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("events: write outcome: %w", err)
	}
	return p.w.Flush()
}

func (p *stdioPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.w.Flush()
}
