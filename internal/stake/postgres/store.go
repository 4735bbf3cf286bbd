package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stakebts/stake-machine/internal/stake"
	"github.com/stakebts/stake-machine/internal/txretry"
)

var ErrInvalidConfig = errors.New("stake/postgres: invalid config")

type Store struct {
	pool  *pgxpool.Pool
	retry txretry.Policy
}

type Option func(*Store)

// WithRetry overrides the contention retry policy applied to every statement group.
func WithRetry(p txretry.Policy) Option {
	return func(s *Store) { s.retry = p }
}

func New(pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	s := &Store{pool: pool, retry: txretry.DefaultPolicy()}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("stake/postgres: ensure schema: %w", err)
	}
	return nil
}

// inTx runs fn in one transaction under the retry policy.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return s.retry.Do(ctx, op, func(ctx context.Context) error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, fn)
	})
}

func (s *Store) InsertSchedule(ctx context.Context, rows []stake.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	var inserted int
	err := s.inTx(ctx, "insert schedule", func(tx pgx.Tx) error {
		inserted = 0
		batch := &pgx.Batch{}
		for _, r := range rows {
			batch.Queue(`
				INSERT INTO stakes (
					client,
					token,
					amount,
					kind,
					start,
					due,
					processed,
					status,
					block_start,
					block_processed,
					installment_number
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
				ON CONFLICT (client, kind, installment_number, block_start, start) DO NOTHING
			`, r.Client, r.Token, r.Amount, string(r.Kind), r.Start, r.Due, r.Processed, string(r.Status), r.BlockStart, r.BlockProcessed, r.InstallmentNumber)
		}
		br := tx.SendBatch(ctx, batch)
		for range rows {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return err
			}
			inserted += int(tag.RowsAffected())
		}
		return br.Close()
	})
	if err != nil {
		return 0, fmt.Errorf("stake/postgres: insert schedule: %w", err)
	}
	return inserted, nil
}

func (s *Store) StopClient(ctx context.Context, client string, nonce, at, block int64) (stake.StopResult, error) {
	var res stake.StopResult
	err := s.inTx(ctx, "stop client", func(tx pgx.Tx) error {
		res = stake.StopResult{}
		var (
			rows  int64
			token string
		)
		err := tx.QueryRow(ctx, `
			WITH moved AS (
				UPDATE stakes
				SET
					status = CASE kind
						WHEN 'principal' THEN 'premature'
						WHEN 'penalty' THEN 'paid'
						ELSE 'aborted'
					END,
					processed = $2,
					block_processed = $3
				WHERE
					client = $1
					AND status = 'pending'
					AND kind IN ('principal', 'penalty', 'interest')
				RETURNING kind, amount, token
			)
			SELECT
				COALESCE(SUM(amount) FILTER (WHERE kind IN ('principal', 'penalty')), 0),
				COUNT(*),
				COALESCE(MIN(token), '')
			FROM moved
		`, client, at, block).Scan(&res.Net, &rows, &token)
		if err != nil {
			return err
		}
		res.Rows = int(rows)
		if res.Rows == 0 || res.Net <= 0 {
			return nil
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO stakes (
				client,
				token,
				amount,
				kind,
				start,
				due,
				processed,
				status,
				block_start,
				block_processed,
				installment_number
			) VALUES ($1,$2,$3,'exit',$4,$5,0,'processing',$6,$7,0)
			ON CONFLICT (client, kind, installment_number, block_start, start) DO NOTHING
		`, client, token, res.Net, nonce, at, block, stake.Unset)
		if err != nil {
			return err
		}
		res.Exit = &stake.Payment{
			Client: client,
			Amount: res.Net,
			Kind:   stake.KindExit,
			Start:  nonce,
			Due:    at,
		}
		return nil
	})
	if err != nil {
		return stake.StopResult{}, fmt.Errorf("stake/postgres: stop client: %w", err)
	}
	return res, nil
}

func (s *Store) ClaimDue(ctx context.Context, now, block int64) ([]stake.Payment, error) {
	var out []stake.Payment
	err := s.inTx(ctx, "claim due", func(tx pgx.Tx) error {
		out = out[:0]
		rows, err := tx.Query(ctx, `
			WITH picked AS (
				SELECT id
				FROM stakes
				WHERE
					status = 'pending'
					AND due <= $1
					AND kind IN ('principal', 'interest', 'penalty')
				ORDER BY due ASC, id ASC
				FOR UPDATE SKIP LOCKED
			),
			flipped AS (
				UPDATE stakes st
				SET
					status = CASE WHEN st.kind = 'penalty' THEN 'aborted' ELSE 'processing' END,
					processed = CASE WHEN st.kind = 'penalty' THEN $1 ELSE st.processed END,
					block_processed = CASE WHEN st.kind = 'penalty' THEN $2 ELSE st.block_processed END
				FROM picked
				WHERE st.id = picked.id
				RETURNING st.client, st.amount, st.kind, st.start, st.installment_number, st.due
			)
			SELECT client, amount, kind, start, installment_number, due
			FROM flipped
			WHERE kind <> 'penalty'
		`, now, block)
		if err != nil {
			return err
		}
		out, err = scanPayments(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("stake/postgres: claim due: %w", err)
	}
	return out, nil
}

func (s *Store) MarkSettled(ctx context.Context, client string, start int64, number int, at, block int64) (bool, error) {
	var ok bool
	err := s.inTx(ctx, "mark settled", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE stakes
			SET status = 'paid', processed = $4, block_processed = $5
			WHERE
				client = $1
				AND start = $2
				AND installment_number = $3
				AND status = 'processing'
				AND kind IN ('principal', 'interest', 'exit')
		`, client, start, number, at, block)
		if err != nil {
			return err
		}
		ok = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("stake/postgres: mark settled: %w", err)
	}
	return ok, nil
}

func (s *Store) ListProcessing(ctx context.Context, dueBefore int64) ([]stake.Payment, error) {
	var out []stake.Payment
	err := s.retry.Do(ctx, "list processing", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT client, amount, kind, start, installment_number, due
			FROM stakes
			WHERE
				status = 'processing'
				AND kind IN ('principal', 'interest', 'exit')
				AND due < $1
			ORDER BY due ASC, id ASC
		`, dueBefore)
		if err != nil {
			return err
		}
		out, err = scanPayments(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("stake/postgres: list processing: %w", err)
	}
	return out, nil
}

func (s *Store) ListByClient(ctx context.Context, client string) ([]stake.Row, error) {
	var out []stake.Row
	err := s.retry.Do(ctx, "list by client", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT
				client,
				token,
				amount,
				kind,
				start,
				due,
				processed,
				status,
				block_start,
				block_processed,
				installment_number
			FROM stakes
			WHERE client = $1
			ORDER BY start ASC, due ASC, id ASC
		`, client)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var (
				r            stake.Row
				kind, status string
			)
			if err := rows.Scan(
				&r.Client,
				&r.Token,
				&r.Amount,
				&kind,
				&r.Start,
				&r.Due,
				&r.Processed,
				&status,
				&r.BlockStart,
				&r.BlockProcessed,
				&r.InstallmentNumber,
			); err != nil {
				return err
			}
			r.Kind = stake.Kind(kind)
			r.Status = stake.Status(status)
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("stake/postgres: list by client: %w", err)
	}
	return out, nil
}

func (s *Store) Obligations(ctx context.Context, until int64) (int64, error) {
	var sum int64
	err := s.retry.Do(ctx, "obligations", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			SELECT COALESCE(SUM(amount), 0)
			FROM stakes
			WHERE
				status IN ('pending', 'processing')
				AND kind IN ('principal', 'interest', 'exit')
				AND due <= $1
		`, until).Scan(&sum)
	})
	if err != nil {
		return 0, fmt.Errorf("stake/postgres: obligations: %w", err)
	}
	return sum, nil
}

func (s *Store) AppendReceipt(ctx context.Context, r stake.Receipt) error {
	err := s.inTx(ctx, "append receipt", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO receipts (nonce, now, msg) VALUES ($1,$2,$3)`, r.Nonce, r.Now, r.Msg)
		return err
	})
	if err != nil {
		return fmt.Errorf("stake/postgres: append receipt: %w", err)
	}
	return nil
}

func (s *Store) ListReceipts(ctx context.Context, nonce int64) ([]stake.Receipt, error) {
	var out []stake.Receipt
	err := s.retry.Do(ctx, "list receipts", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT nonce, now, msg
			FROM receipts
			WHERE nonce = $1
			ORDER BY seq ASC
		`, nonce)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			var r stake.Receipt
			if err := rows.Scan(&r.Nonce, &r.Now, &r.Msg); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("stake/postgres: list receipts: %w", err)
	}
	return out, nil
}

func (s *Store) BlockNum(ctx context.Context) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var n int64
	err := s.retry.Do(ctx, "block num", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `SELECT block_num FROM block_num WHERE id = 1`).Scan(&n)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("stake/postgres: block num: %w", err)
	}
	return n, nil
}

func (s *Store) SetBlockNum(ctx context.Context, n int64) error {
	err := s.inTx(ctx, "set block num", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO block_num (id, block_num) VALUES (1, $1)
			ON CONFLICT (id) DO UPDATE SET block_num = EXCLUDED.block_num
		`, n)
		return err
	})
	if err != nil {
		return fmt.Errorf("stake/postgres: set block num: %w", err)
	}
	return nil
}

func scanPayments(rows pgx.Rows) ([]stake.Payment, error) {
	defer rows.Close()

	var out []stake.Payment
	for rows.Next() {
		var (
			p    stake.Payment
			kind string
		)
		if err := rows.Scan(&p.Client, &p.Amount, &kind, &p.Start, &p.Number, &p.Due); err != nil {
			return nil, err
		}
		p.Kind = stake.Kind(kind)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var (
	_ stake.Store    = (*Store)(nil)
	_ stake.Receipts = (*Store)(nil)
	_ stake.Cursor   = (*Store)(nil)
)
