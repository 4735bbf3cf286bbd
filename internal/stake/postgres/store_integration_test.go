//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stakebts/stake-machine/internal/pgtest"
	"github.com/stakebts/stake-machine/internal/stake"
)

func TestStore_StakeLifecycle(t *testing.T) {
	s, ctx := newIntegrationStore(t)

	terms := stake.Terms{Token: "BTS", InterestBps: 800, PenaltyBps: 1500}
	rows, err := stake.BuildSchedule(stake.Deposit{Nonce: 1000, Block: 5, Client: "alice", Amount: 25000, Months: 3}, terms)
	if err != nil {
		t.Fatalf("BuildSchedule: %v", err)
	}

	n, err := s.InsertSchedule(ctx, rows)
	if err != nil {
		t.Fatalf("InsertSchedule #1: %v", err)
	}
	if n != 6 {
		t.Fatalf("inserted #1: got %d want 6", n)
	}
	n, err = s.InsertSchedule(ctx, rows)
	if err != nil {
		t.Fatalf("InsertSchedule #2: %v", err)
	}
	if n != 0 {
		t.Fatalf("inserted #2: got %d want 0", n)
	}

	claimed, err := s.ClaimDue(ctx, 1000+stake.Month, 6)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Number != 1 || claimed[0].Amount != 2000 {
		t.Fatalf("claimed: %+v", claimed)
	}
	ok, err := s.MarkSettled(ctx, "alice", 1000, 1, 2000, 7)
	if err != nil || !ok {
		t.Fatalf("MarkSettled: ok=%v err=%v", ok, err)
	}

	res, err := s.StopClient(ctx, "alice", 3000, 3000, 8)
	if err != nil {
		t.Fatalf("StopClient: %v", err)
	}
	if res.Net != 25000-3750 || res.Rows != 4 || res.Exit == nil {
		t.Fatalf("stop: %+v", res)
	}
	owed, err := s.ListProcessing(ctx, 3001)
	if err != nil {
		t.Fatalf("ListProcessing: %v", err)
	}
	if len(owed) != 1 || owed[0] != *res.Exit {
		t.Fatalf("exit row: got %+v want %+v", owed, *res.Exit)
	}
	res, err = s.StopClient(ctx, "alice", 3001, 3001, 9)
	if err != nil {
		t.Fatalf("StopClient #2: %v", err)
	}
	if res.Net != 0 || res.Rows != 0 || res.Exit != nil {
		t.Fatalf("stop #2: %+v", res)
	}
	ok, err = s.MarkSettled(ctx, "alice", 3000, 0, 3500, 10)
	if err != nil || !ok {
		t.Fatalf("MarkSettled exit: ok=%v err=%v", ok, err)
	}

	got, err := s.ListByClient(ctx, "alice")
	if err != nil {
		t.Fatalf("ListByClient: %v", err)
	}
	for _, r := range got {
		if r.Kind == stake.KindPrincipal && r.Status != stake.StatusPremature {
			t.Fatalf("principal status: %s", r.Status)
		}
		if r.Kind == stake.KindInterest && r.InstallmentNumber == 1 && r.Status != stake.StatusPaid {
			t.Fatalf("settled installment status: %s", r.Status)
		}
	}
}

func TestStore_ConcurrentClaims(t *testing.T) {
	s, ctx := newIntegrationStore(t)

	terms := stake.Terms{Token: "BTS", InterestBps: 800, PenaltyBps: 1500}
	for i, client := range []string{"a", "b", "c", "d"} {
		rows, err := stake.BuildSchedule(stake.Deposit{Nonce: int64(100 + i), Block: 1, Client: client, Amount: 50000, Months: 6}, terms)
		if err != nil {
			t.Fatalf("BuildSchedule: %v", err)
		}
		if _, err := s.InsertSchedule(ctx, rows); err != nil {
			t.Fatalf("InsertSchedule: %v", err)
		}
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.ClaimDue(ctx, 200+6*stake.Month, 2)
			if err != nil {
				t.Errorf("ClaimDue: %v", err)
				return
			}
			mu.Lock()
			for _, p := range got {
				seen[p.ID()]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 4*7 {
		t.Fatalf("distinct claims: got %d want %d", len(seen), 4*7)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("payment %s claimed %d times", id, n)
		}
	}
}

func TestStore_ReceiptsAndCursor(t *testing.T) {
	s, ctx := newIntegrationStore(t)

	n, err := s.BlockNum(ctx)
	if err != nil {
		t.Fatalf("BlockNum empty: %v", err)
	}
	if n != 0 {
		t.Fatalf("BlockNum empty: got %d want 0", n)
	}
	if err := s.SetBlockNum(ctx, 41); err != nil {
		t.Fatalf("SetBlockNum: %v", err)
	}
	if err := s.SetBlockNum(ctx, 42); err != nil {
		t.Fatalf("SetBlockNum: %v", err)
	}
	n, err = s.BlockNum(ctx)
	if err != nil || n != 42 {
		t.Fatalf("BlockNum: got %d err=%v", n, err)
	}

	for _, msg := range []string{"seen", "paid"} {
		if err := s.AppendReceipt(ctx, stake.Receipt{Nonce: 9, Now: 10, Msg: msg}); err != nil {
			t.Fatalf("AppendReceipt: %v", err)
		}
	}
	got, err := s.ListReceipts(ctx, 9)
	if err != nil {
		t.Fatalf("ListReceipts: %v", err)
	}
	if len(got) != 2 || got[0].Msg != "seen" || got[1].Msg != "paid" {
		t.Fatalf("receipts: %+v", got)
	}
}

func newIntegrationStore(t *testing.T) (*Store, context.Context) {
	t.Helper()

	pool, ctx := pgtest.Pool(t, 60*time.Second)
	s, err := New(pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return s, ctx
}
