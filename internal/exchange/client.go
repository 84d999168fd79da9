package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/ledgerlink/internal/signing"
)

const (
	defaultBaseURL   = "https://api.binance.com"
	apiKeyHeader     = "X-MBX-APIKEY"
	accountPath      = "/api/v3/account"
	defaultPageLimit = 50

	probeTimeout = 15 * time.Second
	feedTimeout  = 20 * time.Second
)

// Feed describes one remote activity endpoint. Feeds whose endpoint accepts a
// startTime parameter are filtered server-side; the rest are fetched
// unfiltered and filtered against the cursor by the caller.
type Feed struct {
	Source           string
	Method           string
	Path             string
	ServerSideCursor bool
}

// DefaultFeeds lists the activity endpoints mirrored into local storage.
var DefaultFeeds = []Feed{
	{Source: "p2p", Method: http.MethodPost, Path: "/sapi/v1/c2c/orderMatch/listUserOrderHistory", ServerSideCursor: false},
	{Source: "tax", Method: http.MethodGet, Path: "/sapi/v1/tax/userTrades", ServerSideCursor: true},
	{Source: "deposit", Method: http.MethodGet, Path: "/sapi/v1/capital/deposit/hisrec", ServerSideCursor: true},
	{Source: "withdraw", Method: http.MethodGet, Path: "/sapi/v1/capital/withdraw/history", ServerSideCursor: true},
}

// Record is one decoded activity row. Numeric fields are preserved as
// json.Number so remote identifiers survive without float truncation.
type Record map[string]any

// UpstreamError carries a non-success exchange response back to the caller.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("exchange: upstream status %d: %s", e.Status, e.Body)
}

// Config bundles construction parameters for the exchange client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Clock      func() time.Time
}

// Client talks to the exchange REST API with HMAC-signed query strings.
type Client struct {
	baseURL    string
	httpClient *http.Client
	clock      func() time.Time
}

// NewClient constructs a Client with sane defaults.
func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: feedTimeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, clock: clock}
}

// Account performs a signed probe against the account endpoint. A nil error
// means the exchange accepted the key pair.
func (c *Client) Account(ctx context.Context, apiKey, apiSecret string) error {
	query := "timestamp=" + c.nowMillisString()
	_, err := c.doSigned(ctx, http.MethodGet, accountPath, query, apiKey, apiSecret, probeTimeout)
	return err
}

// FetchFeed retrieves the rows of one activity feed. For feeds with a
// server-side cursor the startTime filter is part of the signed query; other
// feeds return unfiltered history for the caller to filter.
func (c *Client) FetchFeed(ctx context.Context, feed Feed, apiKey, apiSecret string, startTimeMillis int64) ([]Record, error) {
	query := "timestamp=" + c.nowMillisString() + "&limit=" + strconv.Itoa(defaultPageLimit)
	if feed.ServerSideCursor && startTimeMillis > 0 {
		query += "&startTime=" + strconv.FormatInt(startTimeMillis, 10)
	}

	body, err := c.doSigned(ctx, feed.Method, feed.Path, query, apiKey, apiSecret, feedTimeout)
	if err != nil {
		return nil, err
	}
	return decodeRows(body)
}

func (c *Client) doSigned(ctx context.Context, method, path, query, apiKey, apiSecret string, timeout time.Duration) ([]byte, error) {
	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := c.baseURL + path + "?" + signing.AppendExchangeSignature(query, apiSecret)
	request, err := http.NewRequestWithContext(requestCtx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("exchange: build request: %w", err)
	}
	request.Header.Set(apiKeyHeader, apiKey)
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("exchange: call failed: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("exchange: read response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, &UpstreamError{Status: response.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (c *Client) nowMillisString() string {
	return strconv.FormatInt(c.clock().UTC().UnixMilli(), 10)
}

// decodeRows accepts the envelope variants the exchange uses: a bare array,
// or an object wrapping the rows under "data" or "rows".
func decodeRows(body []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		return decodeRecordArray(trimmed)
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("exchange: decode response: %w", err)
	}
	for _, key := range []string{"data", "rows"} {
		raw, ok := envelope[key]
		if !ok {
			continue
		}
		inner := bytes.TrimSpace(raw)
		if len(inner) == 0 || inner[0] != '[' {
			continue
		}
		return decodeRecordArray(inner)
	}
	return nil, nil
}

func decodeRecordArray(raw []byte) ([]Record, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var rows []Record
	if err := decoder.Decode(&rows); err != nil {
		return nil, fmt.Errorf("exchange: decode rows: %w", err)
	}
	return rows, nil
}
