package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ledgerlink/internal/signing"
)

const (
	testAPIKey    = "api-key-1"
	testAPISecret = "api-secret-1"
)

func fixedClock() time.Time {
	return time.UnixMilli(1700000000000).UTC()
}

func TestAccountSendsSignedQueryAndKeyHeader(t *testing.T) {
	var gotQuery, gotHeader string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotHeader = r.Header.Get("X-MBX-APIKEY")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"accountType":"SPOT"}`))
	}))
	defer upstream.Close()

	client := NewClient(Config{BaseURL: upstream.URL, Clock: fixedClock})
	if err := client.Account(context.Background(), testAPIKey, testAPISecret); err != nil {
		t.Fatalf("account probe failed: %v", err)
	}

	wantQuery := signing.AppendExchangeSignature("timestamp=1700000000000", testAPISecret)
	if gotQuery != wantQuery {
		t.Fatalf("unexpected query: got %s want %s", gotQuery, wantQuery)
	}
	if gotHeader != testAPIKey {
		t.Fatalf("api key header missing: got %q", gotHeader)
	}
	if strings.Contains(gotQuery, testAPIKey) {
		t.Fatalf("api key must never appear in the signed query")
	}
}

func TestFetchFeedIncludesStartTimeOnlyForServerSideCursor(t *testing.T) {
	queries := map[string]string{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries[r.URL.Path] = r.URL.RawQuery
		w.Write([]byte(`{"data":[]}`))
	}))
	defer upstream.Close()

	client := NewClient(Config{BaseURL: upstream.URL, Clock: fixedClock})
	for _, feed := range DefaultFeeds {
		if _, err := client.FetchFeed(context.Background(), feed, testAPIKey, testAPISecret, 1690000000000); err != nil {
			t.Fatalf("fetch %s failed: %v", feed.Source, err)
		}
		query := queries[feed.Path]
		hasStartTime := strings.Contains(query, "startTime=1690000000000")
		if feed.ServerSideCursor && !hasStartTime {
			t.Fatalf("feed %s should filter server-side, query %s", feed.Source, query)
		}
		if !feed.ServerSideCursor && hasStartTime {
			t.Fatalf("feed %s should not send startTime, query %s", feed.Source, query)
		}
		if !strings.Contains(query, "&signature=") {
			t.Fatalf("feed %s query must be signed: %s", feed.Source, query)
		}
	}
}

func TestFetchFeedDecodesEnvelopeVariants(t *testing.T) {
	bodies := []string{
		`[{"orderId":123},{"orderId":456}]`,
		`{"data":[{"orderNumber":"20586959"},{"orderNumber":"20586960"}]}`,
		`{"rows":[{"id":9000000000000000001}],"total":1}`,
	}
	bodyIndex := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(bodies[bodyIndex]))
	}))
	defer upstream.Close()

	client := NewClient(Config{BaseURL: upstream.URL, Clock: fixedClock})
	feed := DefaultFeeds[1]

	wantCounts := []int{2, 2, 1}
	for bodyIndex = range bodies {
		rows, err := client.FetchFeed(context.Background(), feed, testAPIKey, testAPISecret, 0)
		if err != nil {
			t.Fatalf("fetch for body %d failed: %v", bodyIndex, err)
		}
		if len(rows) != wantCounts[bodyIndex] {
			t.Fatalf("body %d: got %d rows want %d", bodyIndex, len(rows), wantCounts[bodyIndex])
		}
	}

	// Large identifiers must survive decoding exactly.
	bodyIndex = 2
	rows, err := client.FetchFeed(context.Background(), feed, testAPIKey, testAPISecret, 0)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	number, ok := rows[0]["id"].(json.Number)
	if !ok {
		t.Fatalf("expected json.Number identifier, got %T", rows[0]["id"])
	}
	if number.String() != "9000000000000000001" {
		t.Fatalf("identifier truncated: got %s", number)
	}
}

func TestFetchFeedSurfacesUpstreamStatusAndBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte(`{"code":-1022,"msg":"Signature for this request is not valid."}`))
	}))
	defer upstream.Close()

	client := NewClient(Config{BaseURL: upstream.URL, Clock: fixedClock})
	_, err := client.FetchFeed(context.Background(), DefaultFeeds[0], testAPIKey, testAPISecret, 0)

	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstreamErr.Status != http.StatusTeapot {
		t.Fatalf("unexpected status: %d", upstreamErr.Status)
	}
	if !strings.Contains(upstreamErr.Body, "-1022") {
		t.Fatalf("upstream body not surfaced: %s", upstreamErr.Body)
	}
}
