package stake

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("stake: not found")

// Store persists the stakes table.
//
// Semantics:
//   - InsertSchedule writes all rows atomically; rows whose Key already exists
//     are skipped silently. It returns how many rows were new.
//   - StopClient moves every pending principal, penalty and interest row of the
//     client to premature, paid and aborted and returns the net of the
//     principal and penalty rows it moved. In the same unit it writes a
//     processing exit row for a positive net, keyed by the stop nonce, so the
//     disbursement survives a crash and is listed by ListProcessing.
//   - ClaimDue flips pending principal/interest rows with due <= now to
//     processing and matured pending penalties to aborted, atomically, and
//     returns exactly the payments this call claimed.
//   - MarkSettled flips one processing principal/interest/exit row to paid.
type Store interface {
	InsertSchedule(ctx context.Context, rows []Row) (int, error)
	StopClient(ctx context.Context, client string, nonce, at, block int64) (StopResult, error)
	ClaimDue(ctx context.Context, now, block int64) ([]Payment, error)
	MarkSettled(ctx context.Context, client string, start int64, number int, at, block int64) (bool, error)

	ListProcessing(ctx context.Context, dueBefore int64) ([]Payment, error)
	ListByClient(ctx context.Context, client string) ([]Row, error)
	// Obligations sums pending and processing principal/interest/exit due at or before until.
	Obligations(ctx context.Context, until int64) (int64, error)
}

// Receipts is the append-only audit log.
type Receipts interface {
	AppendReceipt(ctx context.Context, r Receipt) error
	ListReceipts(ctx context.Context, nonce int64) ([]Receipt, error)
}

// Cursor stores the highest fully processed block.
type Cursor interface {
	BlockNum(ctx context.Context) (int64, error)
	SetBlockNum(ctx context.Context, n int64) error
}
