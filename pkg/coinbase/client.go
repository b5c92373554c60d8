// Package coinbase is a minimal Advanced Trade REST + WebSocket client
// covering the surfaces the mission engine needs: product books for best
// bids and the historical orders batch for open/filled orders. Requests are
// signed with the legacy CB-ACCESS HMAC scheme, so the client also works
// unauthenticated against the local simulator (empty key skips signing).
package coinbase

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"moonlander/internal/model"
)

const defaultBaseURL = "https://api.coinbase.com"

var routes = map[string]string{
	"api.product.book": "/api/v3/brokerage/product_book",
	"api.products":     "/api/v3/brokerage/products",
	"api.orders.batch": "/api/v3/brokerage/orders/historical/batch",
}

// ErrEmptyBook reports a product book with no bids. USD books come back
// empty now and then; callers fall through to the USDC book.
var ErrEmptyBook = errors.New("coinbase: product book has no bids")

// Config holds client configuration.
type Config struct {
	APIKey    string
	APISecret string

	BaseURL string        // default: https://api.coinbase.com
	Timeout time.Duration // default: 10s
	Debug   bool
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

// Client is a thread-safe Advanced Trade REST client.
type Client struct {
	apiKey    string
	apiSecret string
	baseURL   string
	debug     bool

	httpClient *http.Client
}

// New creates a Client from cfg.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		debug:      cfg.Debug,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// BestBid fetches the top bid of a product book.
func (c *Client) BestBid(ctx context.Context, productID string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("product_id", productID)
	q.Set("limit", "1")

	var resp productBookResponse
	if err := c.doRequest(ctx, http.MethodGet, "api.product.book", q, &resp); err != nil {
		return decimal.Zero, err
	}
	if len(resp.PriceBook.Bids) == 0 {
		return decimal.Zero, ErrEmptyBook
	}
	px, err := decimal.NewFromString(resp.PriceBook.Bids[0].Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse bid price %q: %w", resp.PriceBook.Bids[0].Price, err)
	}
	return px, nil
}

// AssetPrice resolves an asset to a dollar price. Stables price at 1.0
// without a book lookup; everything else tries the USD book, then USDC.
func (c *Client) AssetPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	if model.StableAsset(asset) {
		return decimal.NewFromInt(1), nil
	}
	var lastErr error
	for _, pid := range model.BookCandidates(asset) {
		px, err := c.BestBid(ctx, pid)
		if err == nil {
			return px, nil
		}
		lastErr = err
	}
	return decimal.Zero, fmt.Errorf("no price for %s: %w", asset, lastErr)
}

// ListOrders fetches orders with the given status (model.StatusOpen or
// model.StatusFilled), newest first, following cursors until limit orders
// are collected or the exchange runs out of pages.
func (c *Client) ListOrders(ctx context.Context, status model.OrderStatus, limit int) ([]model.Order, error) {
	if limit <= 0 {
		limit = 50
	}

	orders := make([]model.Order, 0, limit)
	cursor := ""
	for {
		q := url.Values{}
		q.Set("order_status", string(status))
		q.Set("limit", strconv.Itoa(limit))
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var resp listOrdersResponse
		if err := c.doRequest(ctx, http.MethodGet, "api.orders.batch", q, &resp); err != nil {
			return orders, err
		}
		for _, w := range resp.Orders {
			orders = append(orders, w.toModel())
			if len(orders) >= limit {
				return orders, nil
			}
		}
		if !resp.HasNext || resp.Cursor == "" {
			return orders, nil
		}
		cursor = resp.Cursor
	}
}

// ---- Request plumbing ----

func (c *Client) buildURL(route string) (string, error) {
	uri, ok := routes[route]
	if !ok {
		return "", fmt.Errorf("unknown route: %s", route)
	}
	return c.baseURL + uri, nil
}

// sign computes the CB-ACCESS-SIGN header value: hex HMAC-SHA256 over
// timestamp + method + path + body. The query string is excluded from the
// prehash.
func (c *Client) sign(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + method + path + body))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) doRequest(ctx context.Context, method, route string, query url.Values, out any) error {
	fullURL, err := c.buildURL(route)
	if err != nil {
		return err
	}
	reqURL := fullURL
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("CB-ACCESS-KEY", c.apiKey)
		req.Header.Set("CB-ACCESS-SIGN", c.sign(ts, method, req.URL.Path, ""))
		req.Header.Set("CB-ACCESS-TIMESTAMP", ts)
	}

	if c.debug {
		log.Printf("[coinbase] %s %s", method, reqURL)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if c.debug {
		log.Printf("[coinbase] response code=%d body=%s", resp.StatusCode, truncate(raw, 512))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("coinbase: %s %s returned %d: %s", method, route, resp.StatusCode, truncate(raw, 256))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("coinbase: parse %s response: %w", route, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
