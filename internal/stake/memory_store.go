package stake

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store, Receipts and Cursor for unit tests and
// developer runs. It is safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	rows     []Row
	index    map[Key]int
	receipts []Receipt
	block    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		index: make(map[Key]int),
	}
}

func (s *MemoryStore) InsertSchedule(_ context.Context, rows []Row) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, r := range rows {
		k := r.Key()
		if _, ok := s.index[k]; ok {
			continue
		}
		s.index[k] = len(s.rows)
		s.rows = append(s.rows, r)
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) StopClient(_ context.Context, client string, nonce, at, block int64) (StopResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		res   StopResult
		token string
	)
	for i := range s.rows {
		r := &s.rows[i]
		if r.Client != client || r.Status != StatusPending {
			continue
		}
		switch r.Kind {
		case KindPrincipal:
			r.Status = StatusPremature
			res.Net += r.Amount
		case KindPenalty:
			r.Status = StatusPaid
			res.Net += r.Amount
		case KindInterest:
			r.Status = StatusAborted
		default:
			continue
		}
		r.Processed = at
		r.BlockProcessed = block
		token = r.Token
		res.Rows++
	}
	if res.Rows == 0 || res.Net <= 0 {
		return res, nil
	}

	exit := Row{
		Client:         client,
		Token:          token,
		Amount:         res.Net,
		Kind:           KindExit,
		Start:          nonce,
		Due:            at,
		Status:         StatusProcessing,
		BlockStart:     block,
		BlockProcessed: Unset,
	}
	if _, ok := s.index[exit.Key()]; !ok {
		s.index[exit.Key()] = len(s.rows)
		s.rows = append(s.rows, exit)
	}
	p := paymentOf(exit)
	res.Exit = &p
	return res, nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, now, block int64) ([]Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Payment
	for i := range s.rows {
		r := &s.rows[i]
		if r.Status != StatusPending || r.Due > now {
			continue
		}
		switch {
		case r.Kind.Payable():
			r.Status = StatusProcessing
			out = append(out, paymentOf(*r))
		case r.Kind == KindPenalty:
			r.Status = StatusAborted
			r.Processed = now
			r.BlockProcessed = block
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkSettled(_ context.Context, client string, start int64, number int, at, block int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.rows {
		r := &s.rows[i]
		if r.Client != client || r.Start != start || r.InstallmentNumber != number {
			continue
		}
		if r.Status != StatusProcessing || !r.Kind.Payable() {
			continue
		}
		r.Status = StatusPaid
		r.Processed = at
		r.BlockProcessed = block
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) ListProcessing(_ context.Context, dueBefore int64) ([]Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Payment
	for _, r := range s.rows {
		if r.Status == StatusProcessing && r.Kind.Payable() && r.Due < dueBefore {
			out = append(out, paymentOf(r))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListByClient(_ context.Context, client string) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Row
	for _, r := range s.rows {
		if r.Client == client {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].Due < out[j].Due
	})
	return out, nil
}

func (s *MemoryStore) Obligations(_ context.Context, until int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum int64
	for _, r := range s.rows {
		if !r.Kind.Payable() || r.Due > until {
			continue
		}
		if r.Status == StatusPending || r.Status == StatusProcessing {
			sum += r.Amount
		}
	}
	return sum, nil
}

func (s *MemoryStore) AppendReceipt(_ context.Context, r Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.receipts = append(s.receipts, r)
	return nil
}

func (s *MemoryStore) ListReceipts(_ context.Context, nonce int64) ([]Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Receipt
	for _, r := range s.receipts {
		if r.Nonce == nonce {
			out = append(out, r)
		}
	}
	return out, nil
}

// AllReceipts returns every receipt in append order.
func (s *MemoryStore) AllReceipts() []Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Receipt(nil), s.receipts...)
}

func (s *MemoryStore) BlockNum(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.block, nil
}

func (s *MemoryStore) SetBlockNum(_ context.Context, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block = n
	return nil
}

func paymentOf(r Row) Payment {
	return Payment{
		Client: r.Client,
		Amount: r.Amount,
		Kind:   r.Kind,
		Start:  r.Start,
		Number: r.InstallmentNumber,
		Due:    r.Due,
	}
}

var (
	_ Store    = (*MemoryStore)(nil)
	_ Receipts = (*MemoryStore)(nil)
	_ Cursor   = (*MemoryStore)(nil)
)
