package processor

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
	defaultBaseURL  = "https://bpay.binanceapi.com"
	createOrderPath = "/binancepay/openapi/order"

	headerTimestamp     = "BinancePay-Timestamp"
	headerNonce         = "BinancePay-Nonce"
	headerCertificateSN = "BinancePay-Certificate-SN"
	headerSignature     = "BinancePay-Signature"

	callTimeout = 20 * time.Second
)

// OrderRequest is the payload sent to the processor's order-creation endpoint.
type OrderRequest struct {
	MerchantTradeNo string `json:"merchantTradeNo"`
	TotalFee        string `json:"totalFee"`
	Currency        string `json:"currency"`
	ProductType     string `json:"productType"`
	ProductName     string `json:"productName"`
}

// OrderResponse is the processor's declared response schema. The checkout URL
// is read by name; its absence is a normal outcome, not an error.
type OrderResponse struct {
	Status string `json:"status"`
	Code   string `json:"code"`
	Data   struct {
		PrepayID     string `json:"prepayId"`
		CheckoutURL  string `json:"checkoutUrl"`
		QRContent    string `json:"qrContent"`
		UniversalURL string `json:"universalUrl"`
	} `json:"data"`
	ErrorMessage string `json:"errorMessage"`
}

// OrderOutcome couples the decoded response with the transport-level result.
type OrderOutcome struct {
	Accepted   bool
	StatusCode int
	Response   OrderResponse
	RawBody    []byte
}

// CheckoutURL returns the checkout link when the processor provided one.
func (o OrderOutcome) CheckoutURL() string {
	if o.Response.Data.CheckoutURL != "" {
		return o.Response.Data.CheckoutURL
	}
	return o.Response.Data.UniversalURL
}

// Config bundles construction parameters for the processor client.
type Config struct {
	BaseURL    string
	KeyID      string
	Secret     string
	HTTPClient *http.Client
	Clock      func() time.Time
	Nonce      func() (string, error)
}

// Client signs and submits order-creation calls to the payment processor.
type Client struct {
	baseURL    string
	keyID      string
	secret     string
	httpClient *http.Client
	clock      func() time.Time
	nonce      func() (string, error)
}

// NewClient constructs a Client with sane defaults.
func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: callTimeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	nonce := cfg.Nonce
	if nonce == nil {
		nonce = signing.NewNonce
	}
	return &Client{
		baseURL:    baseURL,
		keyID:      cfg.KeyID,
		secret:     cfg.Secret,
		httpClient: httpClient,
		clock:      clock,
		nonce:      nonce,
	}
}

// CreateOrder signs the order payload with the processor scheme and submits
// it. Transport failures return an error; a processor rejection is reported
// through OrderOutcome.Accepted so the caller can persist the attempt.
func (c *Client) CreateOrder(ctx context.Context, order OrderRequest) (OrderOutcome, error) {
	body, err := json.Marshal(order)
	if err != nil {
		return OrderOutcome{}, fmt.Errorf("processor: encode order: %w", err)
	}

	timestamp := strconv.FormatInt(c.clock().UTC().UnixMilli(), 10)
	nonce, err := c.nonce()
	if err != nil {
		return OrderOutcome{}, err
	}
	signature := signing.ProcessorSignature(timestamp, nonce, string(body), c.secret)

	requestCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.baseURL+createOrderPath, bytes.NewReader(body))
	if err != nil {
		return OrderOutcome{}, fmt.Errorf("processor: build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(headerTimestamp, timestamp)
	request.Header.Set(headerNonce, nonce)
	request.Header.Set(headerCertificateSN, c.keyID)
	request.Header.Set(headerSignature, signature)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return OrderOutcome{}, fmt.Errorf("processor: call failed: %w", err)
	}
	defer response.Body.Close()

	rawBody, err := io.ReadAll(response.Body)
	if err != nil {
		return OrderOutcome{}, fmt.Errorf("processor: read response: %w", err)
	}

	outcome := OrderOutcome{
		StatusCode: response.StatusCode,
		RawBody:    rawBody,
	}
	// Decode failures leave the raw body available for persistence.
	_ = json.Unmarshal(rawBody, &outcome.Response)
	outcome.Accepted = response.StatusCode >= 200 && response.StatusCode < 300 &&
		outcome.Response.Status != "FAIL"
	return outcome, nil
}
