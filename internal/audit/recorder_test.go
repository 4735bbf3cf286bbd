package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stakebts/stake-machine/internal/idempotency"
	"github.com/stakebts/stake-machine/internal/queue"
	"github.com/stakebts/stake-machine/internal/stake"
)

type stubProducer struct {
	mu  sync.Mutex
	out []queue.Message
	err error
}

func (p *stubProducer) Publish(_ context.Context, msg queue.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.out = append(p.out, msg)
	return nil
}

func (p *stubProducer) Close() error { return nil }

type failingReceipts struct{}

func (failingReceipts) AppendReceipt(context.Context, stake.Receipt) error {
	return errors.New("db down")
}

func (failingReceipts) ListReceipts(context.Context, int64) ([]stake.Receipt, error) {
	return nil, nil
}

func fixedNow() time.Time { return time.UnixMilli(1_700_000_000_999) }

func TestRecorder_PersistsThenPublishes(t *testing.T) {
	t.Parallel()

	store := stake.NewMemoryStore()
	pub := &stubProducer{}
	r, err := New(Config{Now: fixedNow}, store, pub, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := r.Record(context.Background(), 42, "stake received"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, _ := store.ListReceipts(context.Background(), 42)
	if len(got) != 1 || got[0].Msg != "stake received" || got[0].Now != 1_700_000_000_999 {
		t.Fatalf("receipts: %+v", got)
	}

	if len(pub.out) != 1 {
		t.Fatalf("published: got %d want 1", len(pub.out))
	}
	msg := pub.out[0]
	if msg.Topic != DefaultTopic {
		t.Fatalf("topic: got %q", msg.Topic)
	}
	if msg.Headers["nonce"] != "42" {
		t.Fatalf("nonce header: got %q", msg.Headers["nonce"])
	}
	wantID := idempotency.ReceiptIDV1(42, 1_700_000_000_999, "stake received")
	if string(msg.Key) != string(wantID[:]) {
		t.Fatalf("key mismatch")
	}
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.ID != hex.EncodeToString(wantID[:]) || ev.Nonce != 42 || ev.Msg != "stake received" || ev.Version != "v1" {
		t.Fatalf("event: %+v", ev)
	}
}

func TestRecorder_PublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	store := stake.NewMemoryStore()
	r, err := New(Config{}, store, &stubProducer{err: errors.New("broker down")}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Record(context.Background(), 1, "x"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := store.AllReceipts(); len(got) != 1 {
		t.Fatalf("receipts: got %d want 1", len(got))
	}
}

func TestRecorder_StoreFailureIsReturned(t *testing.T) {
	t.Parallel()

	pub := &stubProducer{}
	r, err := New(Config{}, failingReceipts{}, pub, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Record(context.Background(), 1, "x"); err == nil {
		t.Fatalf("expected error")
	}
	if len(pub.out) != 0 {
		t.Fatalf("must not publish unpersisted receipts")
	}
	// Recordf swallows.
	r.Recordf(context.Background(), 1, "payment %d failed", 5)
}

func TestNew_RequiresStore(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, nil, nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err: got %v want ErrInvalidConfig", err)
	}
}
