package rails

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
)

// SimulatedBalance is what simulated rails report for every balance query.
const SimulatedBalance int64 = 999999999

// SimulatedLedger reads chain data from the wrapped client but never moves
// funds. Balances report SimulatedBalance.
type SimulatedLedger struct {
	LedgerClient
	log *slog.Logger
	seq atomic.Uint64
}

func NewSimulatedLedger(inner LedgerClient, log *slog.Logger) *SimulatedLedger {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SimulatedLedger{LedgerClient: inner, log: log}
}

func (s *SimulatedLedger) Transfer(_ context.Context, to string, amount int64, memo string) (string, error) {
	id := fmt.Sprintf("sim-transfer-%d", s.seq.Add(1))
	s.log.Info("simulated transfer", "to", to, "amount", amount, "memo", memo, "id", id)
	return id, nil
}

func (s *SimulatedLedger) AccountBalance(context.Context, string) (int64, error) {
	return SimulatedBalance, nil
}

// SimulatedExchange never contacts the exchange.
type SimulatedExchange struct {
	Symbol  string
	Address DepositAddress

	log *slog.Logger
	seq atomic.Uint64
}

func NewSimulatedExchange(symbol string, addr DepositAddress, log *slog.Logger) *SimulatedExchange {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SimulatedExchange{Symbol: symbol, Address: addr, log: log}
}

func (s *SimulatedExchange) Balances(context.Context) ([]Balance, error) {
	return []Balance{{Symbol: s.Symbol, Available: SimulatedBalance}}, nil
}

func (s *SimulatedExchange) Withdraw(_ context.Context, symbol string, qty int64, address, tag string) (string, error) {
	id := fmt.Sprintf("sim-withdrawal-%d", s.seq.Add(1))
	s.log.Info("simulated withdrawal", "symbol", symbol, "qty", qty, "address", address, "tag", tag, "id", id)
	return id, nil
}

func (s *SimulatedExchange) Addresses(context.Context) ([]DepositAddress, error) {
	return []DepositAddress{s.Address}, nil
}

var (
	_ LedgerClient   = (*SimulatedLedger)(nil)
	_ ExchangeClient = (*SimulatedExchange)(nil)
)
