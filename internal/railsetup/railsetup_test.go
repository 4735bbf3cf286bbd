package railsetup

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stakebts/stake-machine/internal/config"
	"github.com/stakebts/stake-machine/internal/exchange"
	"github.com/stakebts/stake-machine/internal/rails"
	"github.com/stakebts/stake-machine/internal/secrets"
	"github.com/stakebts/stake-machine/internal/walletrpc"
)

type mapProvider map[string]string

func (m mapProvider) Get(_ context.Context, name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", secrets.ErrNotFound
	}
	return v, nil
}

func testPolicy(dev bool) config.Policy {
	p := config.Default()
	p.Ledger.Account = "stake-custody"
	p.Dev = dev
	p.SubAccounts = []config.SubAccount{{ID: "1", Secret: "exchange/1"}, {ID: "2", Secret: "exchange/2"}}
	return p
}

func TestBuild_DevSimulatesBothRails(t *testing.T) {
	t.Parallel()

	ledger, subs, err := Build(context.Background(), testPolicy(true), mapProvider{}, Options{WalletURL: "http://127.0.0.1:8092/rpc"}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := ledger.(*rails.SimulatedLedger); !ok {
		t.Fatalf("ledger: got %T want *rails.SimulatedLedger", ledger)
	}
	if len(subs) != 2 {
		t.Fatalf("subs: got %d want 2", len(subs))
	}
	sim, ok := subs[1].Client.(*rails.SimulatedExchange)
	if !ok {
		t.Fatalf("sub client: got %T", subs[1].Client)
	}
	if sim.Address.Tag != "2" || sim.Address.Address != "stake-custody" {
		t.Fatalf("deposit address: %+v", sim.Address)
	}
}

func TestBuild_LiveUsesCredentials(t *testing.T) {
	t.Parallel()

	p := mapProvider{
		"wallet-rpc": "rpcuser:rpcpass",
		"exchange/1": "k1:s1",
		"exchange/2": `{"id":"k2","secret":"s2"}`,
	}
	ledger, subs, err := Build(context.Background(), testPolicy(false), p, Options{
		WalletURL:       "http://127.0.0.1:8092/rpc",
		WalletSecret:    "wallet-rpc",
		ExchangeBaseURL: "http://127.0.0.1:9000/v3",
	}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := ledger.(*walletrpc.Client); !ok {
		t.Fatalf("ledger: got %T want *walletrpc.Client", ledger)
	}
	for _, sa := range subs {
		if _, ok := sa.Client.(*exchange.Client); !ok {
			t.Fatalf("sub %s: got %T want *exchange.Client", sa.ID, sa.Client)
		}
	}
}

func TestBuild_LiveRequiresSecrets(t *testing.T) {
	t.Parallel()

	_, _, err := Build(context.Background(), testPolicy(false), mapProvider{}, Options{
		WalletURL:    "http://127.0.0.1:8092/rpc",
		WalletSecret: "wallet-rpc",
	}, nil)
	if !errors.Is(err, secrets.ErrNotFound) {
		t.Fatalf("missing wallet secret: got %v want ErrNotFound", err)
	}

	_, _, err = Build(context.Background(), testPolicy(false), mapProvider{"wallet-rpc": "u:p", "exchange/1": "k:s"}, Options{
		WalletURL:    "http://127.0.0.1:8092/rpc",
		WalletSecret: "wallet-rpc",
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "sub account 2") {
		t.Fatalf("missing sub-account secret: got %v", err)
	}
}

type probeLedger struct {
	rails.LedgerClient
	err error
}

func (l probeLedger) AccountBalance(context.Context, string) (int64, error) { return 10, l.err }

type probeExchange struct {
	rails.ExchangeClient
	err error
}

func (e probeExchange) Balances(context.Context) ([]rails.Balance, error) { return nil, e.err }

func TestProbe(t *testing.T) {
	t.Parallel()

	ok := []rails.SubAccount{{ID: "1", Client: probeExchange{}}}
	if err := Probe(context.Background(), probeLedger{}, "stake-custody", ok, nil); err != nil {
		t.Fatalf("healthy rails: %v", err)
	}

	denied := errors.New("denied")
	subs := []rails.SubAccount{{ID: "1", Client: probeExchange{}}, {ID: "2", Client: probeExchange{err: denied}}}
	err := Probe(context.Background(), probeLedger{err: denied}, "stake-custody", subs, nil)
	if !errors.Is(err, denied) {
		t.Fatalf("got %v want denied", err)
	}
	for _, want := range []string{"ledger:", "sub account 2"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
	if strings.Contains(err.Error(), "sub account 1") {
		t.Fatalf("healthy sub reported: %v", err)
	}
}
