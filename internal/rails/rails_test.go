package rails

import (
	"context"
	"encoding/json"
	"testing"
)

type stubLedger struct {
	transfers int
}

func (s *stubLedger) HeadBlock(context.Context) (int64, error) { return 10, nil }
func (s *stubLedger) FetchBlock(_ context.Context, n int64) (Block, error) {
	return Block{Num: n}, nil
}
func (s *stubLedger) DecryptMemo(context.Context, json.RawMessage) (string, error) { return "", nil }
func (s *stubLedger) Transfer(context.Context, string, int64, string) (string, error) {
	s.transfers++
	return "real", nil
}
func (s *stubLedger) AccountBalance(context.Context, string) (int64, error) { return 5, nil }

func TestSimulatedLedger_ReadsThroughButNeverTransfers(t *testing.T) {
	t.Parallel()

	inner := &stubLedger{}
	sim := NewSimulatedLedger(inner, nil)
	ctx := context.Background()

	head, err := sim.HeadBlock(ctx)
	if err != nil || head != 10 {
		t.Fatalf("HeadBlock: got %d err=%v", head, err)
	}
	bal, err := sim.AccountBalance(ctx, "custody")
	if err != nil || bal != SimulatedBalance {
		t.Fatalf("AccountBalance: got %d err=%v", bal, err)
	}
	id1, _ := sim.Transfer(ctx, "alice", 1, "hi")
	id2, _ := sim.Transfer(ctx, "alice", 1, "hi")
	if id1 == id2 {
		t.Fatalf("ids should differ: %q", id1)
	}
	if inner.transfers != 0 {
		t.Fatalf("inner transfers: got %d want 0", inner.transfers)
	}
}

func TestSimulatedExchange(t *testing.T) {
	t.Parallel()

	sim := NewSimulatedExchange("BTS", DepositAddress{Symbol: "BTS", Address: "exchange-deposit", Tag: "42"}, nil)
	ctx := context.Background()

	bals, err := sim.Balances(ctx)
	if err != nil {
		t.Fatalf("Balances: %v", err)
	}
	if got := Available(bals, "BTS"); got != SimulatedBalance {
		t.Fatalf("available: got %d want %d", got, SimulatedBalance)
	}
	if got := Available(bals, "BTC"); got != 0 {
		t.Fatalf("available BTC: got %d want 0", got)
	}

	addr, ok, err := DepositAddressFor(ctx, sim, "BTS")
	if err != nil || !ok {
		t.Fatalf("DepositAddressFor: ok=%v err=%v", ok, err)
	}
	if addr.Address != "exchange-deposit" || addr.Tag != "42" {
		t.Fatalf("address: %+v", addr)
	}
	if _, ok, _ := DepositAddressFor(ctx, sim, "BTC"); ok {
		t.Fatalf("expected no BTC address")
	}
}
