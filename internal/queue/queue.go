// Package queue fans receipts out to a message bus. Kafka is the production
// driver; stdio writes one JSON envelope per line for local runs and tooling.
package queue

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

var (
	ErrInvalidConfig  = errors.New("queue: invalid config")
	ErrInvalidMessage = errors.New("queue: invalid message")
)

// Message is one record. Records with the same Key keep their order on Kafka.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

func (m Message) validate() error {
	if strings.TrimSpace(m.Topic) == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidMessage)
	}
	if len(m.Value) == 0 {
		return fmt.Errorf("%w: empty value", ErrInvalidMessage)
	}
	return nil
}

type Producer interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

type ProducerConfig struct {
	Driver string

	Brokers      []string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	TLS          bool

	// Writer receives stdio envelopes. Defaults to os.Stdout.
	Writer io.Writer
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case DriverKafka, "":
		return newKafkaProducer(cfg)
	case DriverStdio:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return &stdioProducer{w: w}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// SplitCommaList splits a flag value such as "b1:9092, b2:9092", dropping
// empty entries.
func SplitCommaList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (*kafkaProducer, error) {
	var brokers []string
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka needs at least one broker", ErrInvalidConfig)
	}
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = 10 * time.Millisecond
	}
	write := cfg.WriteTimeout
	if write <= 0 {
		write = 10 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: batch,
		WriteTimeout: write,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Lz4,
	}
	if cfg.TLS {
		w.Transport = &kafka.Transport{TLS: &tls.Config{MinVersion: tls.VersionTLS12}}
	}
	return &kafkaProducer{writer: w}, nil
}

func (p *kafkaProducer) Publish(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	km := kafka.Message{
		Topic: strings.TrimSpace(msg.Topic),
		Key:   msg.Key,
		Value: msg.Value,
	}
	for _, k := range sortedKeys(msg.Headers) {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(msg.Headers[k])})
	}
	if err := p.writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("queue/kafka: publish %s: %w", km.Topic, err)
	}
	return nil
}

func (p *kafkaProducer) Close() error {
	return p.writer.Close()
}

// envelope is the stdio line format. JSON values are embedded as-is.
type envelope struct {
	Topic   string            `json:"topic"`
	Key     string            `json:"key,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Value   json.RawMessage   `json:"value,omitempty"`
	Text    string            `json:"text,omitempty"`
}

type stdioProducer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *stdioProducer) Publish(_ context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	env := envelope{
		Topic:   strings.TrimSpace(msg.Topic),
		Key:     hex.EncodeToString(msg.Key),
		Headers: msg.Headers,
	}
	if json.Valid(msg.Value) {
		env.Value = msg.Value
	} else {
		env.Text = string(msg.Value)
	}
	line, err := json.Marshal(env)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.w.Write(line)
	return err
}

func (p *stdioProducer) Close() error { return nil }

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
