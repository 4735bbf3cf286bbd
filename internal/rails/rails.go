// Package rails defines the two money rails the engine moves funds over: the
// wallet-native ledger (primary) and exchange sub-accounts (secondary).
//
// Amounts are whole units of the single native asset.
package rails

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrTransferFailed = errors.New("rails: transfer failed")
	ErrMemoUnreadable = errors.New("rails: memo unreadable")
)

// Transfer is a native-asset transfer operation observed in a block.
type Transfer struct {
	From   string
	To     string
	Amount int64
	// Memo is the encrypted memo object as carried on chain, nil when absent.
	Memo json.RawMessage
}

type Block struct {
	Num       int64
	Transfers []Transfer
}

// LedgerClient is the primary rail. Transfer always sends from the custodial
// account the client was configured with.
type LedgerClient interface {
	HeadBlock(ctx context.Context) (int64, error)
	FetchBlock(ctx context.Context, n int64) (Block, error)
	DecryptMemo(ctx context.Context, memo json.RawMessage) (string, error)
	Transfer(ctx context.Context, to string, amount int64, memo string) (string, error)
	AccountBalance(ctx context.Context, account string) (int64, error)
}

type Balance struct {
	Symbol    string
	Available int64
}

// DepositAddress is where the ledger must send funds to credit a sub-account.
type DepositAddress struct {
	Symbol  string
	Address string
	Tag     string
}

// ExchangeClient is one secondary-rail sub-account.
type ExchangeClient interface {
	Balances(ctx context.Context) ([]Balance, error)
	Withdraw(ctx context.Context, symbol string, qty int64, address, tag string) (string, error)
	Addresses(ctx context.Context) ([]DepositAddress, error)
}

// SubAccount binds an exchange client to the id operators use in admin memos.
type SubAccount struct {
	ID     string
	Client ExchangeClient
}

// Available returns the available balance of symbol, or 0 when not listed.
func Available(bals []Balance, symbol string) int64 {
	for _, b := range bals {
		if b.Symbol == symbol {
			return b.Available
		}
	}
	return 0
}

// DepositAddressFor returns the deposit address for symbol.
func DepositAddressFor(ctx context.Context, c ExchangeClient, symbol string) (DepositAddress, bool, error) {
	addrs, err := c.Addresses(ctx)
	if err != nil {
		return DepositAddress{}, false, err
	}
	for _, a := range addrs {
		if a.Symbol == symbol && a.Address != "" {
			return a, true, nil
		}
	}
	return DepositAddress{}, false, nil
}
