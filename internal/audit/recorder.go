// Package audit writes the append-only receipt log and fans receipts out to
// the message bus for downstream consumers.
package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/stakebts/stake-machine/internal/idempotency"
	"github.com/stakebts/stake-machine/internal/queue"
	"github.com/stakebts/stake-machine/internal/stake"
)

var ErrInvalidConfig = errors.New("audit: invalid config")

const DefaultTopic = "stake.receipts.v1"

// Event is the published form of a receipt.
type Event struct {
	Version string `json:"version"`
	ID      string `json:"id"`
	Nonce   int64  `json:"nonce"`
	Now     int64  `json:"now"`
	Msg     string `json:"msg"`
}

type Config struct {
	Topic string
	Now   func() time.Time
}

type Recorder struct {
	store stake.Receipts
	pub   queue.Producer
	topic string
	now   func() time.Time
	log   *slog.Logger
}

// New returns a Recorder. pub may be nil, in which case receipts are only
// persisted.
func New(cfg Config, store stake.Receipts, pub queue.Producer, log *slog.Logger) (*Recorder, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil receipt store", ErrInvalidConfig)
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Recorder{store: store, pub: pub, topic: cfg.Topic, now: cfg.Now, log: log}, nil
}

// Record persists a receipt, then publishes it. A publish failure is logged
// and does not fail the call; the database row is the record of truth.
func (r *Recorder) Record(ctx context.Context, nonce int64, msg string) error {
	rc := stake.Receipt{Nonce: nonce, Now: r.now().UnixMilli(), Msg: msg}
	if err := r.store.AppendReceipt(ctx, rc); err != nil {
		return fmt.Errorf("audit: append receipt: %w", err)
	}
	if r.pub == nil {
		return nil
	}

	id := idempotency.ReceiptIDV1(rc.Nonce, rc.Now, rc.Msg)
	payload, err := json.Marshal(Event{
		Version: "v1",
		ID:      hex.EncodeToString(id[:]),
		Nonce:   rc.Nonce,
		Now:     rc.Now,
		Msg:     rc.Msg,
	})
	if err != nil {
		r.log.Error("marshal receipt event", "nonce", nonce, "err", err)
		return nil
	}
	event := queue.Message{
		Topic: r.topic,
		Key:   id[:],
		Value: payload,
		Headers: map[string]string{
			"content-type": "application/json",
			"nonce":        strconv.FormatInt(rc.Nonce, 10),
		},
	}
	if err := r.pub.Publish(ctx, event); err != nil {
		r.log.Warn("publish receipt", "nonce", nonce, "topic", r.topic, "err", err)
	}
	return nil
}

// Recordf is Record for callers that cannot act on a failure; errors are logged.
func (r *Recorder) Recordf(ctx context.Context, nonce int64, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if err := r.Record(ctx, nonce, msg); err != nil {
		r.log.Error("record receipt", "nonce", nonce, "msg", msg, "err", err)
	}
}
