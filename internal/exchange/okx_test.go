package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perpbot/pkg/retry"
)

func newTestOKX(t *testing.T, handler http.HandlerFunc) (*OKX, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewOKX(OKXConfig{
		BaseURL:    srv.URL,
		APIKey:     "key",
		SecretKey:  "secret",
		Passphrase: "pass",
		Demo:       true,
	})
	client.now = func() time.Time { return time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC) }
	return client, srv
}

func TestOKX_GetPrice(t *testing.T) {
	client, _ := newTestOKX(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v5/market/ticker" || r.URL.Query().Get("instId") != "BTC-USDT-SWAP" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.Header.Get("x-simulated-trading") != "1" {
			t.Error("demo header missing")
		}
		if r.Header.Get("OK-ACCESS-SIGN") != "" {
			t.Error("public endpoint must not be signed")
		}
		io.WriteString(w, `{"code":"0","msg":"","data":[{"instId":"BTC-USDT-SWAP","last":"65000.5"}]}`)
	})

	price, err := client.GetPrice(context.Background(), "BTC-USDT-SWAP")
	if err != nil {
		t.Fatalf("GetPrice() error: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("65000.5")) {
		t.Errorf("price = %s", price)
	}
}

func TestOKX_GetCandles(t *testing.T) {
	client, _ := newTestOKX(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("bar") != "15m" || q.Get("limit") != "2" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		io.WriteString(w, `{"code":"0","msg":"","data":[
			["1705312800000","101","103","100","102","12","0","0","0"],
			["1705311900000","100","102","99","101","10","0","0","1"]
		]}`)
	})

	candles, err := client.GetCandles(context.Background(), "BTC-USDT-SWAP", "15m", 2)
	if err != nil {
		t.Fatalf("GetCandles() error: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("len = %d", len(candles))
	}
	if candles[0].Confirmed || !candles[1].Confirmed {
		t.Errorf("confirm flags wrong: %+v", candles)
	}
	if candles[0].Timestamp != 1705312800000 || !candles[0].Close.Equal(decimal.NewFromInt(102)) {
		t.Errorf("newest candle parsed wrong: %+v", candles[0])
	}
}

func TestOKX_GetCandles_BadRow(t *testing.T) {
	client, _ := newTestOKX(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"code":"0","msg":"","data":[["x","1","2","3","4","5"]]}`)
	})

	if _, err := client.GetCandles(context.Background(), "BTC-USDT-SWAP", "15m", 1); err == nil {
		t.Error("expected parse error")
	}
}

func TestOKX_GetTakerVolume(t *testing.T) {
	client, _ := newTestOKX(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/api/v5/market/history-taker-volume" || q.Get("period") != "1m" || q.Get("limit") != "2" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if r.Header.Get("OK-ACCESS-SIGN") != "" {
			t.Error("public endpoint must not be signed")
		}
		io.WriteString(w, `{"code":"0","msg":"","data":[
			["1705312860000","5.5","3"],
			["1705312800000","2","7.25"]
		]}`)
	})

	taker, err := client.GetTakerVolume(context.Background(), "BTC-USDT-SWAP", "1m", 2)
	if err != nil {
		t.Fatalf("GetTakerVolume() error: %v", err)
	}
	if len(taker) != 2 {
		t.Fatalf("len = %d", len(taker))
	}
	prev := taker[1]
	if prev.Timestamp != 1705312800000 || !prev.BuyVolume.Equal(decimal.NewFromInt(2)) || !prev.SellVolume.Equal(decimal.RequireFromString("7.25")) {
		t.Errorf("previous period parsed wrong: %+v", prev)
	}
}

func TestOKX_GetTakerVolume_BadRow(t *testing.T) {
	client, _ := newTestOKX(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"code":"0","msg":"","data":[["1705312800000","2"]]}`)
	})

	if _, err := client.GetTakerVolume(context.Background(), "BTC-USDT-SWAP", "1m", 2); err == nil {
		t.Error("expected parse error")
	}
}

func TestOKX_SignedHeaders(t *testing.T) {
	client, _ := newTestOKX(t, func(w http.ResponseWriter, r *http.Request) {
		ts := r.Header.Get("OK-ACCESS-TIMESTAMP")
		if ts != "2024-01-15T10:00:00.000Z" {
			t.Errorf("timestamp = %q", ts)
		}
		mac := hmac.New(sha256.New, []byte("secret"))
		mac.Write([]byte(ts + "GET" + r.URL.RequestURI()))
		want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
		if got := r.Header.Get("OK-ACCESS-SIGN"); got != want {
			t.Errorf("sign = %q, want %q", got, want)
		}
		if r.Header.Get("OK-ACCESS-KEY") != "key" || r.Header.Get("OK-ACCESS-PASSPHRASE") != "pass" {
			t.Error("auth headers missing")
		}
		io.WriteString(w, `{"code":"0","msg":"","data":[]}`)
	})

	pos, err := client.GetPosition(context.Background(), "BTC-USDT-SWAP")
	if err != nil {
		t.Fatalf("GetPosition() error: %v", err)
	}
	if pos != nil {
		t.Errorf("expected no position, got %+v", pos)
	}
}

func TestOKX_GetPosition(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantSide string
		wantSize string
		wantPct  float64
	}{
		{
			name:     "long",
			body:     `{"code":"0","data":[{"instId":"BTC-USDT-SWAP","posSide":"long","pos":"0.02","avgPx":"100","markPx":"102","uplRatio":"0.2","lever":"10"}]}`,
			wantSide: SideLong,
			wantSize: "0.02",
			wantPct:  2,
		},
		{
			name:     "net negative is short",
			body:     `{"code":"0","data":[{"instId":"BTC-USDT-SWAP","posSide":"net","pos":"-0.05","avgPx":"100","markPx":"97","uplRatio":"0.3","lever":"10"}]}`,
			wantSide: SideShort,
			wantSize: "0.05",
			wantPct:  3,
		},
		{
			name:     "zero rows skipped",
			body:     `{"code":"0","data":[{"instId":"BTC-USDT-SWAP","posSide":"long","pos":"0"},{"instId":"BTC-USDT-SWAP","posSide":"short","pos":"1","avgPx":"100","markPx":"101","uplRatio":"-0.1","lever":"10"}]}`,
			wantSide: SideShort,
			wantSize: "1",
			wantPct:  -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestOKX(t, func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, tt.body)
			})

			pos, err := client.GetPosition(context.Background(), "BTC-USDT-SWAP")
			if err != nil {
				t.Fatalf("GetPosition() error: %v", err)
			}
			if pos == nil {
				t.Fatal("expected position")
			}
			if pos.Side != tt.wantSide || !pos.Size.Equal(decimal.RequireFromString(tt.wantSize)) {
				t.Errorf("pos = %s %s", pos.Side, pos.Size)
			}
			if diff := pos.UnrealizedPnlPct - tt.wantPct; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("UnrealizedPnlPct = %v, want %v", pos.UnrealizedPnlPct, tt.wantPct)
			}
			if pos.Leverage != 10 {
				t.Errorf("Leverage = %d", pos.Leverage)
			}
		})
	}
}

func TestOKX_PlaceMarketOrder(t *testing.T) {
	client, _ := newTestOKX(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v5/trade/order":
			body, _ := io.ReadAll(r.Body)
			for _, field := range []string{`"clOrdId":"abc123"`, `"ordType":"market"`, `"posSide":"long"`, `"sz":"0.01"`, `"tdMode":"cross"`} {
				if !strings.Contains(string(body), field) {
					t.Errorf("body missing %s: %s", field, body)
				}
			}
			io.WriteString(w, `{"code":"0","data":[{"ordId":"42","clOrdId":"abc123","sCode":"0","sMsg":""}]}`)
		case r.Method == http.MethodGet && r.URL.Path == "/api/v5/trade/order":
			io.WriteString(w, `{"code":"0","data":[{"avgPx":"65001","state":"filled"}]}`)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL)
		}
	})

	order, err := client.PlaceMarketOrder(context.Background(), OrderRequest{
		Instrument:    "BTC-USDT-SWAP",
		Side:          SideBuy,
		PosSide:       SideLong,
		Size:          decimal.RequireFromString("0.01"),
		ClientOrderID: "abc123",
	})
	if err != nil {
		t.Fatalf("PlaceMarketOrder() error: %v", err)
	}
	if order.ID != "42" || order.Status != OrderStatusFilled {
		t.Errorf("order = %+v", order)
	}
	if !order.AvgPrice.Equal(decimal.NewFromInt(65001)) {
		t.Errorf("AvgPrice = %s", order.AvgPrice)
	}
}

func TestOKX_PlaceMarketOrder_Rejected(t *testing.T) {
	client, _ := newTestOKX(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"code":"1","msg":"All operations failed","data":[{"ordId":"","clOrdId":"x","sCode":"51008","sMsg":"Insufficient balance"}]}`)
	})

	_, err := client.PlaceMarketOrder(context.Background(), OrderRequest{
		Instrument: "BTC-USDT-SWAP", Side: SideSell, PosSide: SideShort, Size: decimal.NewFromInt(1),
	})

	var exErr *ExchangeError
	if !errors.As(err, &exErr) {
		t.Fatalf("expected ExchangeError, got %v", err)
	}
	if exErr.Code != "51008" || exErr.Message != "Insufficient balance" {
		t.Errorf("error detail = %+v", exErr)
	}
	if retry.IsRetryable(err) {
		t.Error("business rejection must not be retryable")
	}
}

func TestOKX_ClosePosition(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"closed", `{"code":"0","data":[{"instId":"BTC-USDT-SWAP","posSide":"long"}]}`, false},
		{"already flat", `{"code":"51023","msg":"Position does not exist","data":[]}`, false},
		{"rejected", `{"code":"51000","msg":"Parameter error","data":[]}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestOKX(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/v5/trade/close-position" {
					t.Errorf("path = %s", r.URL.Path)
				}
				io.WriteString(w, tt.body)
			})

			err := client.ClosePosition(context.Background(), "BTC-USDT-SWAP", SideLong)
			if (err != nil) != tt.wantErr {
				t.Errorf("ClosePosition() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOKX_GetBalance(t *testing.T) {
	client, _ := newTestOKX(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"code":"0","data":[{"details":[{"ccy":"BTC","eq":"1"},{"ccy":"USDT","eq":"1250.75","cashBal":"1200"}]}]}`)
	})

	bal, err := client.GetBalance(context.Background(), "USDT")
	if err != nil {
		t.Fatalf("GetBalance() error: %v", err)
	}
	if !bal.Equal(decimal.RequireFromString("1250.75")) {
		t.Errorf("balance = %s", bal)
	}

	if _, err := client.GetBalance(context.Background(), "ETH"); !errors.Is(err, ErrBalanceUnavailable) {
		t.Errorf("missing currency: err = %v", err)
	}
}

func TestOKX_TemporaryErrors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTemporary bool
	}{
		{"rate limited code", http.StatusOK, `{"code":"50011","msg":"Too Many Requests"}`, true},
		{"http 429", http.StatusTooManyRequests, `{"code":"50011","msg":"Too Many Requests"}`, true},
		{"server error", http.StatusBadGateway, `{"code":"","msg":"bad gateway"}`, true},
		{"business error", http.StatusOK, `{"code":"51001","msg":"Instrument ID does not exist"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestOKX(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})

			_, err := client.GetPrice(context.Background(), "BTC-USDT-SWAP")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := retry.RetryIfTemporary(err); got != tt.wantTemporary {
				t.Errorf("temporary = %v, want %v (%v)", got, tt.wantTemporary, err)
			}
		})
	}
}
