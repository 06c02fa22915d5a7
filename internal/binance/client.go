// Package binance is a minimal Binance spot REST client: public ticker and
// kline endpoints, plus the signed account and market-order endpoints.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/Ragunath041/cryptrade/internal/model"
)

// DefaultBaseURL is the production spot REST endpoint.
const DefaultBaseURL = "https://api.binance.com"

// Binance error code for an unknown trading pair.
const codeInvalidSymbol = -1121

// ErrMissingCredentials is returned by signed calls on a public client.
var ErrMissingCredentials = fmt.Errorf("%w: binance: api key and secret are required", model.ErrValidation)

// APIError is an error payload returned by Binance.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: api error %d (http %d): %s", e.Code, e.Status, e.Message)
}

// Unwrap classifies the error: a bad symbol is the caller's fault, anything
// else is the upstream's.
func (e *APIError) Unwrap() error {
	if e.Code == codeInvalidSymbol {
		return model.ErrValidation
	}
	return model.ErrUpstream
}

// Client talks to the Binance spot REST API.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	recvWindow int
	httpClient *http.Client
	now        func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithBaseURL points the client at another host, e.g. the testnet or a
// test server.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithCredentials enables the signed endpoints.
func WithCredentials(apiKey, secretKey string) ClientOption {
	return func(c *Client) {
		c.apiKey = apiKey
		c.secretKey = secretKey
	}
}

// NewClient creates a client. Without WithCredentials only the public
// endpoints are usable.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		recvWindow: 5000,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TickerPrice returns the last traded price of pair (e.g. "BTCUSDT").
func (c *Client) TickerPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", pair)

	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/price", params, false)
	if err != nil {
		return decimal.Zero, err
	}

	var ticker struct {
		Symbol string          `json:"symbol"`
		Price  decimal.Decimal `json:"price"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return decimal.Zero, fmt.Errorf("%w: binance: decode ticker: %v", model.ErrUpstream, err)
	}
	if !ticker.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: binance: non-positive price for %s", model.ErrUpstream, pair)
	}
	return ticker.Price, nil
}

// Klines returns candles for pair. Zero start or end leaves the bound to
// the exchange; limit <= 0 uses the exchange default.
func (c *Client) Klines(ctx context.Context, pair, interval string, start, end time.Time, limit int) ([]model.PricePoint, error) {
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("interval", interval)
	if !start.IsZero() {
		params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/klines", params, false)
	if err != nil {
		return nil, err
	}

	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: binance: decode klines: %v", model.ErrUpstream, err)
	}

	points := make([]model.PricePoint, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			return nil, fmt.Errorf("%w: binance: short kline row", model.ErrUpstream)
		}
		var openTime int64
		var p model.PricePoint
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, fmt.Errorf("%w: binance: kline open time: %v", model.ErrUpstream, err)
		}
		p.OpenTime = time.UnixMilli(openTime).UTC()
		for i, dst := range []*decimal.Decimal{&p.Open, &p.High, &p.Low, &p.Close, &p.Volume} {
			if err := json.Unmarshal(row[i+1], dst); err != nil {
				return nil, fmt.Errorf("%w: binance: kline field %d: %v", model.ErrUpstream, i+1, err)
			}
		}
		points = append(points, p)
	}
	return points, nil
}

// Balance is one asset line of the spot account.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Account returns the non-zero balances of the signed account.
func (c *Client) Account(ctx context.Context) ([]Balance, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", nil, true)
	if err != nil {
		return nil, err
	}

	var account struct {
		Balances []Balance `json:"balances"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, fmt.Errorf("%w: binance: decode account: %v", model.ErrUpstream, err)
	}

	balances := make([]Balance, 0, len(account.Balances))
	for _, b := range account.Balances {
		if b.Free.IsZero() && b.Locked.IsZero() {
			continue
		}
		balances = append(balances, b)
	}
	return balances, nil
}

// Fill is one partial execution of an order.
type Fill struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// Order is the FULL response of a new order.
type Order struct {
	OrderID             int64           `json:"orderId"`
	Symbol              string          `json:"symbol"`
	Status              string          `json:"status"`
	Side                string          `json:"side"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Fills               []Fill          `json:"fills"`
}

// AveragePrice is the quantity-weighted fill price, falling back to
// quote/base totals when no fills are reported.
func (o Order) AveragePrice() decimal.Decimal {
	var qty, notional decimal.Decimal
	for _, f := range o.Fills {
		qty = qty.Add(f.Qty)
		notional = notional.Add(f.Qty.Mul(f.Price))
	}
	if qty.IsPositive() {
		return notional.Div(qty)
	}
	if o.ExecutedQty.IsPositive() {
		return o.CummulativeQuoteQty.Div(o.ExecutedQty)
	}
	return decimal.Zero
}

// MarketOrder places a MARKET order for quantity units of the base asset.
func (c *Client) MarketOrder(ctx context.Context, pair, side string, quantity decimal.Decimal) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("side", side)
	params.Set("type", "MARKET")
	params.Set("quantity", quantity.String())
	params.Set("newOrderRespType", "FULL")

	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		return nil, err
	}

	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("%w: binance: decode order: %v", model.ErrUpstream, err)
	}
	return &order, nil
}

// doRequest executes an HTTP request and returns the body of a 200 response.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, params url.Values, needSign bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if needSign {
		if c.apiKey == "" || c.secretKey == "" {
			return nil, ErrMissingCredentials
		}
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.Itoa(c.recvWindow))
	}

	reqURL, err := url.Parse(c.baseURL + endpoint)
	if err != nil {
		return nil, fmt.Errorf("binance: parse url: %w", err)
	}
	query := params.Encode()
	if needSign {
		query += "&signature=" + c.sign(query)
	}
	reqURL.RawQuery = query

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("binance: build request: %w", err)
	}
	if needSign {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: binance: %s %s: %w", model.ErrUpstream, method, endpoint, ctxErr)
		}
		return nil, fmt.Errorf("%w: binance: %s %s: %v", model.ErrUpstream, method, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: binance: read body: %v", model.ErrUpstream, err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			return nil, fmt.Errorf("%w: binance: http %d: %s", model.ErrUpstream, resp.StatusCode, truncate(body, 200))
		}
		return nil, apiErr
	}
	return body, nil
}

// sign returns the hex HMAC-SHA256 of payload under the secret key.
func (c *Client) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// IsInvalidSymbol reports whether err is Binance rejecting an unknown pair.
func IsInvalidSymbol(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeInvalidSymbol
}
