// Package exchange is a signed REST client for one exchange sub-account and
// implements rails.ExchangeClient.
package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stakebts/stake-machine/internal/rails"
)

var (
	ErrInvalidConfig    = errors.New("exchange: invalid config")
	ErrAPI              = errors.New("exchange: api error")
	ErrResponseTooLarge = errors.New("exchange: response too large")
)

const DefaultBaseURL = "https://api.bittrex.com/v3"

// APIError is an error payload returned by the exchange.
type APIError struct {
	Status int
	Code   string
	Detail string
}

func (e *APIError) Error() string {
	if e == nil {
		return "exchange: nil api error"
	}
	if e.Detail != "" {
		return fmt.Sprintf("exchange: api error %d %s: %s", e.Status, e.Code, e.Detail)
	}
	return fmt.Sprintf("exchange: api error %d %s", e.Status, e.Code)
}

func (e *APIError) Unwrap() error { return ErrAPI }

type Option func(*Client) error

func WithBaseURL(u string) Option {
	return func(c *Client) error {
		if u == "" {
			return fmt.Errorf("%w: empty base url", ErrInvalidConfig)
		}
		c.baseURL = strings.TrimRight(u, "/")
		return nil
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) error {
		if now == nil {
			return fmt.Errorf("%w: nil clock", ErrInvalidConfig)
		}
		c.now = now
		return nil
	}
}

type Client struct {
	key    string
	secret []byte

	baseURL      string
	hc           *http.Client
	now          func() time.Time
	maxRespBytes int64
}

func New(apiKey, apiSecret string, opts ...Option) (*Client, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("%w: missing api credentials", ErrInvalidConfig)
	}
	c := &Client{
		key:          apiKey,
		secret:       []byte(apiSecret),
		baseURL:      DefaultBaseURL,
		hc:           &http.Client{Timeout: 15 * time.Second},
		now:          time.Now,
		maxRespBytes: 1 << 20,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) Balances(ctx context.Context) ([]rails.Balance, error) {
	var raw []struct {
		CurrencySymbol string `json:"currencySymbol"`
		Available      string `json:"available"`
	}
	if err := c.do(ctx, http.MethodGet, "/balances", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]rails.Balance, 0, len(raw))
	for _, b := range raw {
		qty, err := wholeUnits(b.Available)
		if err != nil {
			return nil, fmt.Errorf("exchange: balance %s: %w", b.CurrencySymbol, err)
		}
		out = append(out, rails.Balance{Symbol: b.CurrencySymbol, Available: qty})
	}
	return out, nil
}

type withdrawalRequest struct {
	CurrencySymbol   string `json:"currencySymbol"`
	Quantity         string `json:"quantity"`
	CryptoAddress    string `json:"cryptoAddress"`
	CryptoAddressTag string `json:"cryptoAddressTag,omitempty"`
}

// Withdraw submits a withdrawal and returns the exchange's withdrawal id.
func (c *Client) Withdraw(ctx context.Context, symbol string, qty int64, address, tag string) (string, error) {
	if symbol == "" || address == "" || qty <= 0 {
		return "", fmt.Errorf("%w: bad withdrawal symbol=%q qty=%d", rails.ErrTransferFailed, symbol, qty)
	}
	body := withdrawalRequest{
		CurrencySymbol:   symbol,
		Quantity:         strconv.FormatInt(qty, 10),
		CryptoAddress:    address,
		CryptoAddressTag: tag,
	}
	var res struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/withdrawals", body, &res); err != nil {
		return "", fmt.Errorf("%w: %w", rails.ErrTransferFailed, err)
	}
	return res.ID, nil
}

func (c *Client) Addresses(ctx context.Context) ([]rails.DepositAddress, error) {
	var raw []struct {
		Status           string `json:"status"`
		CurrencySymbol   string `json:"currencySymbol"`
		CryptoAddress    string `json:"cryptoAddress"`
		CryptoAddressTag string `json:"cryptoAddressTag"`
	}
	if err := c.do(ctx, http.MethodGet, "/addresses", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]rails.DepositAddress, 0, len(raw))
	for _, a := range raw {
		if a.Status != "" && a.Status != "PROVISIONED" {
			continue
		}
		out = append(out, rails.DepositAddress{
			Symbol:  a.CurrencySymbol,
			Address: a.CryptoAddress,
			Tag:     a.CryptoAddressTag,
		})
	}
	return out, nil
}

// Sign returns the request signature: hex(HMAC-SHA512(secret, ts+uri+method+contentHash)).
func Sign(secret []byte, ts, uri, method, contentHash string) string {
	mac := hmac.New(sha512.New, secret)
	_, _ = io.WriteString(mac, ts)
	_, _ = io.WriteString(mac, uri)
	_, _ = io.WriteString(mac, method)
	_, _ = io.WriteString(mac, contentHash)
	return hex.EncodeToString(mac.Sum(nil))
}

// ContentHash is hex(SHA512(body)).
func ContentHash(body []byte) string {
	sum := sha512.Sum512(body)
	return hex.EncodeToString(sum[:])
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("exchange: marshal request: %w", err)
		}
		body = b
	}

	uri := c.baseURL + path
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	contentHash := ContentHash(body)

	req, err := http.NewRequestWithContext(ctx, method, uri, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("exchange: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Api-Key", c.key)
	req.Header.Set("Api-Timestamp", ts)
	req.Header.Set("Api-Content-Hash", contentHash)
	req.Header.Set("Api-Signature", Sign(c.secret, ts, uri, method, contentHash))

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("exchange: %s %s: http do: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxRespBytes+1))
	if err != nil {
		return fmt.Errorf("exchange: read response: %w", err)
	}
	if int64(len(raw)) > c.maxRespBytes {
		return ErrResponseTooLarge
	}

	if apiErr := parseAPIError(resp.StatusCode, raw); apiErr != nil {
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("exchange: %s %s: decode response: %w", method, path, err)
	}
	return nil
}

// parseAPIError recognizes both non-2xx statuses and 2xx bodies carrying an
// error object.
func parseAPIError(status int, raw []byte) *APIError {
	var payload struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	}
	trimmed := bytes.TrimSpace(raw)
	isObject := len(trimmed) > 0 && trimmed[0] == '{'
	if isObject {
		_ = json.Unmarshal(trimmed, &payload)
	}
	if status >= 200 && status < 300 && payload.Code == "" {
		return nil
	}
	if payload.Code == "" {
		payload.Code = http.StatusText(status)
	}
	return &APIError{Status: status, Code: payload.Code, Detail: payload.Detail}
}

// wholeUnits parses a decimal quantity and truncates it to whole units.
func wholeUnits(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	intPart, _, _ := strings.Cut(s, ".")
	if intPart == "" || intPart == "-" {
		return 0, nil
	}
	n, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad quantity %q: %w", s, err)
	}
	return n, nil
}

var _ rails.ExchangeClient = (*Client)(nil)
