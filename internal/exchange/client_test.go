package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stakebts/stake-machine/internal/rails"
)

func fixedClock() time.Time { return time.UnixMilli(1_700_000_000_123) }

func TestSign_MatchesManualHMAC(t *testing.T) {
	t.Parallel()

	secret := []byte("s3cret")
	ch := ContentHash(nil)
	// SHA-512 of the empty string.
	if ch[:16] != "cf83e1357eefb8bd" {
		t.Fatalf("content hash prefix: got %s", ch[:16])
	}

	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte("1700000000123" + "https://x/v3/balances" + "GET" + ch))
	want := hex.EncodeToString(mac.Sum(nil))

	if got := Sign(secret, "1700000000123", "https://x/v3/balances", "GET", ch); got != want {
		t.Fatalf("signature: got %s want %s", got, want)
	}
}

func TestClient_SignsRequests(t *testing.T) {
	t.Parallel()

	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if got := r.Header.Get("Api-Key"); got != "key" {
			t.Errorf("Api-Key: got %q", got)
		}
		if got := r.Header.Get("Api-Timestamp"); got != "1700000000123" {
			t.Errorf("Api-Timestamp: got %q", got)
		}
		ch := ContentHash(body)
		if got := r.Header.Get("Api-Content-Hash"); got != ch {
			t.Errorf("Api-Content-Hash: got %q want %q", got, ch)
		}
		want := Sign([]byte("secret"), "1700000000123", srvURL+r.URL.Path, r.Method, ch)
		if got := r.Header.Get("Api-Signature"); got != want {
			t.Errorf("Api-Signature mismatch")
		}
		_, _ = w.Write([]byte(`[{"currencySymbol":"BTS","total":"1500.5","available":"1200.99999"},{"currencySymbol":"BTC","available":"0.5"}]`))
	}))
	defer srv.Close()
	srvURL = srv.URL

	c, err := New("key", "secret", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()), WithClock(fixedClock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bals, err := c.Balances(context.Background())
	if err != nil {
		t.Fatalf("Balances: %v", err)
	}
	if got := rails.Available(bals, "BTS"); got != 1200 {
		t.Fatalf("BTS: got %d want 1200", got)
	}
	if got := rails.Available(bals, "BTC"); got != 0 {
		t.Fatalf("BTC: got %d want 0", got)
	}
}

func TestClient_Withdraw(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/withdrawals" {
			t.Errorf("request: %s %s", r.Method, r.URL.Path)
		}
		var req withdrawalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.CurrencySymbol != "BTS" || req.Quantity != "4990" || req.CryptoAddress != "custody" || req.CryptoAddressTag != "" {
			t.Errorf("body: %+v", req)
		}
		_, _ = w.Write([]byte(`{"id":"w-1","status":"REQUESTED"}`))
	}))
	defer srv.Close()

	c, err := New("key", "secret", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, err := c.Withdraw(context.Background(), "BTS", 4990, "custody", "")
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if id != "w-1" {
		t.Fatalf("id: got %q", id)
	}
}

func TestClient_ErrorPayloads(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"http error", http.StatusBadRequest, `{"code":"INSUFFICIENT_FUNDS","detail":"not enough"}`},
		{"ok status with code", http.StatusOK, `{"code":"WITHDRAWAL_LOCKED"}`},
		{"bare status", http.StatusUnauthorized, ``},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c, err := New("key", "secret", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = c.Withdraw(context.Background(), "BTS", 10, "custody", "")
			if !errors.Is(err, rails.ErrTransferFailed) || !errors.Is(err, ErrAPI) {
				t.Fatalf("err: got %v", err)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Code == "" {
				t.Fatalf("expected APIError with code, got %v", err)
			}
		})
	}
}

func TestClient_Addresses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[
			{"status":"PROVISIONED","currencySymbol":"BTS","cryptoAddress":"exchange-deposit","cryptoAddressTag":"abc123"},
			{"status":"REQUESTED","currencySymbol":"BTC","cryptoAddress":""}
		]`))
	}))
	defer srv.Close()

	c, err := New("key", "secret", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	addr, ok, err := rails.DepositAddressFor(context.Background(), c, "BTS")
	if err != nil || !ok {
		t.Fatalf("DepositAddressFor: ok=%v err=%v", ok, err)
	}
	if addr.Address != "exchange-deposit" || addr.Tag != "abc123" {
		t.Fatalf("addr: %+v", addr)
	}
}

func TestNew_RequiresCredentials(t *testing.T) {
	t.Parallel()

	if _, err := New("", "x"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err: got %v want ErrInvalidConfig", err)
	}
}
