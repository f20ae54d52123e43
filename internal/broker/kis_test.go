package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"rebalancer/internal/domain"
)

// newKISServer returns an httptest server speaking enough of the KIS wire
// protocol for the client under test, plus counters for assertions.
func newKISServer(t *testing.T, tokenCalls, quoteCalls *atomic.Int64, reject401Once *atomic.Bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathToken:
			tokenCalls.Add(1)
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "tok-1",
				"expires_in":   86400,
			})
		case pathQuote:
			if reject401Once != nil && reject401Once.CompareAndSwap(true, false) {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if r.Header.Get("Authorization") != "Bearer tok-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if r.Header.Get("tr_id") != trQuote {
				t.Errorf("quote tr_id = %q, want %q", r.Header.Get("tr_id"), trQuote)
			}
			quoteCalls.Add(1)
			code := r.URL.Query().Get("FID_INPUT_ISCD")
			if code == "999999" {
				json.NewEncoder(w).Encode(map[string]any{"rt_cd": "1", "msg1": "no such instrument"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"rt_cd":  "0",
				"output": map[string]string{"stck_prpr": "71500"},
			})
		case pathBalance:
			json.NewEncoder(w).Encode(map[string]any{
				"rt_cd": "0",
				"output1": []map[string]string{
					{"pdno": "005930", "prdt_name": "Samsung Electronics", "hldg_qty": "10", "pchs_avg_pric": "65000.00", "prpr": "71500"},
					{"pdno": "000660", "prdt_name": "SK hynix", "hldg_qty": "0", "pchs_avg_pric": "0", "prpr": "0"},
				},
				"output2": []map[string]string{{"dnca_tot_amt": "2500000"}},
			})
		case pathOrderCash:
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["PDNO"] == "500001" {
				json.NewEncoder(w).Encode(map[string]any{"rt_cd": "7", "msg1": "trading halted"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"rt_cd":  "0",
				"output": map[string]string{"ODNO": "0000117057", "ORD_TMD": "121052"},
			})
		case pathOrderStatus:
			json.NewEncoder(w).Encode(map[string]any{
				"rt_cd": "0",
				"output1": []map[string]string{
					{"odno": "0000117057", "ord_qty": "10", "tot_ccld_qty": "10", "tot_ccld_amt": "715000", "rmn_qty": "0"},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func newTestKIS(t *testing.T, baseURL string) *KISBroker {
	t.Helper()
	b, err := NewKISBroker(KISConfig{
		AppKey:         "key",
		AppSecret:      "secret",
		AccountNo:      "12345678-01",
		BaseURL:        baseURL,
		Mock:           true,
		RequestsPerSec: 100,
		RequestsPerMin: 6000,
	})
	if err != nil {
		t.Fatalf("NewKISBroker failed: %v", err)
	}
	return b
}

func TestKISQuote(t *testing.T) {
	var tokenCalls, quoteCalls atomic.Int64
	srv := newKISServer(t, &tokenCalls, &quoteCalls, nil)
	defer srv.Close()

	b := newTestKIS(t, srv.URL)
	ctx := context.Background()

	price, err := b.Quote(ctx, "005930")
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if price != 71500 {
		t.Errorf("price = %v, want 71500", price)
	}

	// Second quote reuses the cached token.
	if _, err := b.Quote(ctx, "005930"); err != nil {
		t.Fatalf("second Quote failed: %v", err)
	}
	if tokenCalls.Load() != 1 {
		t.Errorf("token issued %d times, want 1", tokenCalls.Load())
	}
}

func TestKISQuoteRejected(t *testing.T) {
	var tokenCalls, quoteCalls atomic.Int64
	srv := newKISServer(t, &tokenCalls, &quoteCalls, nil)
	defer srv.Close()

	b := newTestKIS(t, srv.URL)
	_, err := b.Quote(context.Background(), "999999")
	if !errors.Is(err, ErrRejected) {
		t.Errorf("expected ErrRejected for rt_cd != 0, got %v", err)
	}
}

func TestKISRenewsTokenOn401(t *testing.T) {
	var tokenCalls, quoteCalls atomic.Int64
	var reject401 atomic.Bool
	reject401.Store(true)
	srv := newKISServer(t, &tokenCalls, &quoteCalls, &reject401)
	defer srv.Close()

	b := newTestKIS(t, srv.URL)
	price, err := b.Quote(context.Background(), "005930")
	if err != nil {
		t.Fatalf("Quote should recover from a single 401: %v", err)
	}
	if price != 71500 {
		t.Errorf("price = %v, want 71500", price)
	}
	if tokenCalls.Load() != 2 {
		t.Errorf("token issued %d times, want 2 (initial + renewal)", tokenCalls.Load())
	}
}

func TestKISBalance(t *testing.T) {
	var tokenCalls, quoteCalls atomic.Int64
	srv := newKISServer(t, &tokenCalls, &quoteCalls, nil)
	defer srv.Close()

	b := newTestKIS(t, srv.URL)
	bal, err := b.Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if bal.Cash != 2_500_000 {
		t.Errorf("cash = %v, want 2500000", bal.Cash)
	}
	h, ok := bal.Holdings["005930"]
	if !ok {
		t.Fatal("expected holding for 005930")
	}
	if h.Shares != 10 || h.CostBasis != 65_000 || h.Name != "Samsung Electronics" {
		t.Errorf("holding = %+v", h)
	}
	// Zero-quantity rows are dropped.
	if _, ok := bal.Holdings["000660"]; ok {
		t.Error("zero-quantity holding should be excluded")
	}
	if bal.Prices["005930"] != 71500 {
		t.Errorf("price = %v, want 71500", bal.Prices["005930"])
	}
}

func TestKISSubmitOrderAndStatus(t *testing.T) {
	var tokenCalls, quoteCalls atomic.Int64
	srv := newKISServer(t, &tokenCalls, &quoteCalls, nil)
	defer srv.Close()

	b := newTestKIS(t, srv.URL)
	ctx := context.Background()

	ack, err := b.SubmitOrder(ctx, domain.OrderIntent{AssetID: "005930", Side: domain.SideBuy, Shares: 10})
	if err != nil {
		t.Fatalf("SubmitOrder failed: %v", err)
	}
	if ack.BrokerOrderID != "0000117057" {
		t.Errorf("order id = %q", ack.BrokerOrderID)
	}

	fill, err := b.OrderStatus(ctx, ack.BrokerOrderID)
	if err != nil {
		t.Fatalf("OrderStatus failed: %v", err)
	}
	if fill.FilledShares != 10 || fill.Remaining != 0 {
		t.Errorf("fill = %+v, want 10 filled 0 remaining", fill)
	}
	if fill.FillPrice != 71500 {
		t.Errorf("fill price = %v, want 71500", fill.FillPrice)
	}
}

func TestKISSubmitOrderRejected(t *testing.T) {
	var tokenCalls, quoteCalls atomic.Int64
	srv := newKISServer(t, &tokenCalls, &quoteCalls, nil)
	defer srv.Close()

	b := newTestKIS(t, srv.URL)
	_, err := b.SubmitOrder(context.Background(), domain.OrderIntent{AssetID: "500001", Side: domain.SideSell, Shares: 5})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("expected ErrRejected, got %v", err)
	}
}

func TestKISInvalidAssetFailsFast(t *testing.T) {
	// No server: a malformed code must be refused before any request.
	b := newTestKIS(t, "http://127.0.0.1:0")
	_, err := b.SubmitOrder(context.Background(), domain.OrderIntent{AssetID: "BAD", Side: domain.SideBuy, Shares: 1})
	if !errors.Is(err, ErrInvalidAsset) {
		t.Errorf("expected ErrInvalidAsset, got %v", err)
	}
}

func TestKISMalformedAccount(t *testing.T) {
	_, err := NewKISBroker(KISConfig{AccountNo: "12345678"})
	if err == nil {
		t.Error("expected error for account number without product code")
	}
}

func TestKISTransientOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == pathToken {
			json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 86400})
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b := newTestKIS(t, srv.URL)
	_, err := b.Quote(context.Background(), "005930")
	if !errors.Is(err, ErrTransient) {
		t.Errorf("expected ErrTransient for 5xx, got %v", err)
	}
	if !Retryable(err) {
		t.Error("5xx error should be retryable")
	}
}

func TestKISRateLimitedOn429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == pathToken {
			json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 86400})
			return
		}
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	b := newTestKIS(t, srv.URL)
	_, err := b.Quote(context.Background(), "005930")
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited for 429, got %v", err)
	}
}

func TestKISDateUsesSeoulTime(t *testing.T) {
	// 16:00 UTC is already the next calendar day in Seoul (UTC+9).
	late := time.Date(2026, time.August, 31, 16, 0, 0, 0, time.UTC)
	if got := kisDate(late); got != "20260901" {
		t.Errorf("kisDate(%v) = %s, want 20260901", late, got)
	}
	// Midday UTC stays on the same date.
	noon := time.Date(2026, time.August, 31, 3, 0, 0, 0, time.UTC)
	if got := kisDate(noon); got != "20260831" {
		t.Errorf("kisDate(%v) = %s, want 20260831", noon, got)
	}
}
