package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestNewProducer_Validation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  ProducerConfig
	}{
		{name: "unsupported driver", cfg: ProducerConfig{Driver: "carrier-pigeon"}},
		{name: "kafka missing brokers", cfg: ProducerConfig{Driver: DriverKafka}},
		{name: "blank brokers", cfg: ProducerConfig{Brokers: []string{" ", ""}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := NewProducer(tc.cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("got %v want ErrInvalidConfig", err)
			}
			if p != nil {
				t.Fatalf("expected nil producer on error")
			}
		})
	}
}

func TestKafkaProducer_BuildsWithoutDialing(t *testing.T) {
	t.Parallel()

	p, err := NewProducer(ProducerConfig{Driver: "KAFKA", Brokers: SplitCommaList("127.0.0.1:1, 127.0.0.1:2"), TLS: true})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer func() { _ = p.Close() }()

	kp := p.(*kafkaProducer)
	if kp.writer.Transport == nil {
		t.Fatalf("tls transport not set")
	}
	err = p.Publish(context.Background(), Message{Topic: "  ", Value: []byte("x")})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("blank topic: got %v want ErrInvalidMessage", err)
	}
}

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	got := SplitCommaList(" b1:9092, ,b2:9092 ,")
	if strings.Join(got, "|") != "b1:9092|b2:9092" {
		t.Fatalf("got %q", got)
	}
	if SplitCommaList("   ") != nil {
		t.Fatalf("blank input should give nil")
	}
}

func TestStdioProducer_WritesEnvelopes(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	p, err := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: &out})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	msgs := []Message{
		{Topic: "stake.receipts.v1", Key: []byte{0xab, 0x01}, Value: []byte(`{"nonce":1}`), Headers: map[string]string{"nonce": "1"}},
		{Topic: "stake.receipts.v1", Value: []byte("plain text")},
	}
	for _, m := range msgs {
		if err := p.Publish(context.Background(), m); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines: got %d want 2", len(lines))
	}
	var first envelope
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Key != "ab01" || string(first.Value) != `{"nonce":1}` || first.Headers["nonce"] != "1" {
		t.Fatalf("first envelope: %+v", first)
	}
	var second envelope
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.Text != "plain text" || second.Value != nil || second.Key != "" {
		t.Fatalf("second envelope: %+v", second)
	}
}

type lockedWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func TestStdioProducer_ConcurrentLinesStayWhole(t *testing.T) {
	t.Parallel()

	w := &lockedWriter{}
	p, _ := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: w})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Publish(context.Background(), Message{Topic: "t", Value: []byte(`{"n":1}`)})
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(w.buf.String(), "\n"), "\n")
	if len(lines) != 20 {
		t.Fatalf("lines: got %d want 20", len(lines))
	}
	for _, l := range lines {
		if !json.Valid([]byte(l)) {
			t.Fatalf("torn line: %q", l)
		}
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestStdioProducer_Errors(t *testing.T) {
	t.Parallel()

	p, _ := NewProducer(ProducerConfig{Driver: DriverStdio, Writer: failWriter{}})
	if err := p.Publish(context.Background(), Message{Topic: "t", Value: []byte("x")}); err == nil {
		t.Fatalf("expected write error")
	}
	if err := p.Publish(context.Background(), Message{Topic: "t"}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("empty value: got %v want ErrInvalidMessage", err)
	}
}
