package processor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ledgerlink/internal/signing"
)

const testProcessorSecret = "processor-shared-secret"

func fixedClock() time.Time {
	return time.UnixMilli(1700000000000).UTC()
}

func fixedNonce() (string, error) {
	return "00112233445566778899aabbccddeeff", nil
}

func TestCreateOrderSignsAndSubmits(t *testing.T) {
	var gotHeaders http.Header
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"status":"SUCCESS","code":"000000","data":{"prepayId":"98765","checkoutUrl":"https://pay.example/checkout/98765"}}`))
	}))
	defer upstream.Close()

	client := NewClient(Config{
		BaseURL: upstream.URL,
		KeyID:   "cert-sn-1",
		Secret:  testProcessorSecret,
		Clock:   fixedClock,
		Nonce:   fixedNonce,
	})

	outcome, err := client.CreateOrder(context.Background(), OrderRequest{
		MerchantTradeNo: "u1-1700000000000",
		TotalFee:        "13",
		Currency:        "USDT",
		ProductType:     "CASH",
		ProductName:     "Premium Monthly",
	})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	if !outcome.Accepted {
		t.Fatalf("expected accepted outcome: %+v", outcome)
	}
	if outcome.CheckoutURL() != "https://pay.example/checkout/98765" {
		t.Fatalf("checkout url not extracted: %q", outcome.CheckoutURL())
	}

	nonce, _ := fixedNonce()
	wantSignature := signing.ProcessorSignature("1700000000000", nonce, string(gotBody), testProcessorSecret)
	if got := gotHeaders.Get("BinancePay-Signature"); got != wantSignature {
		t.Fatalf("signature header mismatch: got %s want %s", got, wantSignature)
	}
	if gotHeaders.Get("BinancePay-Timestamp") != "1700000000000" {
		t.Fatalf("timestamp header missing")
	}
	if gotHeaders.Get("BinancePay-Nonce") != nonce {
		t.Fatalf("nonce header missing")
	}
	if gotHeaders.Get("BinancePay-Certificate-SN") != "cert-sn-1" {
		t.Fatalf("certificate header missing")
	}

	var sent OrderRequest
	if err := json.Unmarshal(gotBody, &sent); err != nil {
		t.Fatalf("request body not json: %v", err)
	}
	if sent.MerchantTradeNo != "u1-1700000000000" || sent.TotalFee != "13" {
		t.Fatalf("unexpected request body: %+v", sent)
	}
}

func TestCreateOrderReportsProcessorRejection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":"FAIL","code":"400002","errorMessage":"signature verify failed"}`))
	}))
	defer upstream.Close()

	client := NewClient(Config{BaseURL: upstream.URL, Secret: testProcessorSecret, Clock: fixedClock, Nonce: fixedNonce})
	outcome, err := client.CreateOrder(context.Background(), OrderRequest{MerchantTradeNo: "u1-1"})
	if err != nil {
		t.Fatalf("transport error not expected: %v", err)
	}
	if outcome.Accepted {
		t.Fatalf("rejection must not be accepted: %+v", outcome)
	}
	if outcome.Response.Code != "400002" {
		t.Fatalf("processor response not decoded: %+v", outcome.Response)
	}
	if len(outcome.RawBody) == 0 {
		t.Fatalf("raw body must be preserved for persistence")
	}
}

func TestCheckoutURLAbsenceIsNormal(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"SUCCESS","code":"000000","data":{"prepayId":"1"}}`))
	}))
	defer upstream.Close()

	client := NewClient(Config{BaseURL: upstream.URL, Secret: testProcessorSecret, Clock: fixedClock, Nonce: fixedNonce})
	outcome, err := client.CreateOrder(context.Background(), OrderRequest{MerchantTradeNo: "u1-1"})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	if !outcome.Accepted {
		t.Fatalf("expected accepted outcome")
	}
	if outcome.CheckoutURL() != "" {
		t.Fatalf("expected empty checkout url, got %q", outcome.CheckoutURL())
	}
}
