package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"hybrid-trade-bot-go/internal/exchange"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// setupTestServer creates a test server and a RestClient pointing both
// venues at it.
func setupTestServer(handler http.Handler) (*RestClient, *httptest.Server) {
	server := httptest.NewServer(handler)

	rc := &RestClient{
		spot:      resty.New().SetBaseURL(server.URL),
		futures:   resty.New().SetBaseURL(server.URL),
		apiKey:    "test_api_key",
		secretKey: "test_secret_key",
		logger:    zap.NewNop(),
		limiter:   rate.NewLimiter(rate.Inf, 1), // Allow all requests in tests
	}
	return rc, server
}

func TestGetTicker(t *testing.T) {
	t.Run("Spot", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/ticker/24hr", r.URL.Path)
			assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","lastPrice":"65000.50","bidPrice":"65000.00","askPrice":"65001.00","volume":"1234.5"}`))
		})
		rc, server := setupTestServer(handler)
		defer server.Close()

		ticker, err := rc.GetTicker(context.Background(), "BTCUSDT", exchange.VenueSpot)

		assert.NoError(t, err)
		assert.Equal(t, 65000.50, ticker.Last)
		assert.Equal(t, 65000.00, ticker.Bid)
		assert.Equal(t, 1234.5, ticker.Volume)
	})

	t.Run("FuturesPath", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/fapi/v1/ticker/24hr", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","lastPrice":"65100","bidPrice":"65099","askPrice":"65101","volume":"999"}`))
		})
		rc, server := setupTestServer(handler)
		defer server.Close()

		ticker, err := rc.GetTicker(context.Background(), "BTCUSDT", exchange.VenueFutures)

		assert.NoError(t, err)
		assert.Equal(t, 65100.0, ticker.Last)
	})
}

func TestGetCandles(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/klines", r.URL.Path)
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			[1714500000000,"64000","64500","63800","64200","100.5",1714503599999,"0",0,"0","0","0"],
			[1714503600000,"64200","64900","64100","64800","98.2",1714507199999,"0",0,"0","0","0"]
		]`))
	})
	rc, server := setupTestServer(handler)
	defer server.Close()

	candles, err := rc.GetCandles(context.Background(), "BTCUSDT", "1h", 2, exchange.VenueSpot)

	assert.NoError(t, err)
	assert.Len(t, candles, 2)
	assert.Equal(t, 64000.0, candles[0].Open)
	assert.Equal(t, 64200.0, candles[0].Close)
	assert.Equal(t, 64800.0, candles[1].Close)
	assert.Equal(t, int64(1714500000000), candles[0].OpenTime.UnixMilli())
}

func TestGetBalance_Spot(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/account", r.URL.Path)
		assert.Equal(t, "test_api_key", r.Header.Get("X-MBX-APIKEY"))
		assert.NotEmpty(t, r.URL.Query().Get("signature"))
		assert.NotEmpty(t, r.URL.Query().Get("timestamp"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"balances":[
			{"asset":"BTC","free":"0.5","locked":"0.1"},
			{"asset":"USDT","free":"1000","locked":"0"},
			{"asset":"DUST","free":"0","locked":"0"}
		]}`))
	})
	rc, server := setupTestServer(handler)
	defer server.Close()

	balance, err := rc.GetBalance(context.Background(), exchange.VenueSpot)

	assert.NoError(t, err)
	assert.InDelta(t, 0.6, balance.Total["BTC"], 1e-9)
	assert.InDelta(t, 0.5, balance.Free["BTC"], 1e-9)
	assert.InDelta(t, 0.1, balance.Used["BTC"], 1e-9)
	assert.InDelta(t, 1000.0, balance.Free["USDT"], 1e-9)
	// Zero balances are omitted.
	_, ok := balance.Total["DUST"]
	assert.False(t, ok)
}

func TestGetBalance_Futures(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v2/balance", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"asset":"USDT","balance":"2000","availableBalance":"1800"}]`))
	})
	rc, server := setupTestServer(handler)
	defer server.Close()

	balance, err := rc.GetBalance(context.Background(), exchange.VenueFutures)

	assert.NoError(t, err)
	assert.InDelta(t, 2000.0, balance.Total["USDT"], 1e-9)
	assert.InDelta(t, 1800.0, balance.Free["USDT"], 1e-9)
	assert.InDelta(t, 200.0, balance.Used["USDT"], 1e-9)
}

func TestGetPositions(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v2/positionRisk", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"symbol":"BTCUSDT","positionAmt":"-0.02","entryPrice":"65000","markPrice":"64900","unRealizedProfit":"2.0","leverage":"5"},
			{"symbol":"ETHUSDT","positionAmt":"0","entryPrice":"0","markPrice":"3000","unRealizedProfit":"0","leverage":"5"}
		]`))
	})
	rc, server := setupTestServer(handler)
	defer server.Close()

	positions, err := rc.GetPositions(context.Background())

	assert.NoError(t, err)
	// Flat ETH position is dropped.
	assert.Len(t, positions, 1)
	assert.Equal(t, exchange.SideSell, positions[0].Side)
	assert.Equal(t, 0.02, positions[0].Size)
	assert.Equal(t, 5, positions[0].Leverage)
}

func TestPlaceOrder_ForwardsClientOrderID(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/order", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "BTCUSDT", r.PostForm.Get("symbol"))
		assert.Equal(t, "BUY", r.PostForm.Get("side"))
		assert.Equal(t, "MARKET", r.PostForm.Get("type"))
		assert.Equal(t, "intent-42", r.PostForm.Get("newClientOrderId"))
		assert.NotEmpty(t, r.PostForm.Get("signature"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":12345,"clientOrderId":"intent-42","transactTime":1714500000000,"executedQty":"0.01","cummulativeQuoteQty":"650.00","status":"FILLED","side":"BUY"}`))
	})
	rc, server := setupTestServer(handler)
	defer server.Close()

	result, err := rc.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          exchange.SideBuy,
		Type:          exchange.OrderTypeMarket,
		Quantity:      0.01,
		Venue:         exchange.VenueSpot,
		ClientOrderID: "intent-42",
	})

	assert.NoError(t, err)
	assert.Equal(t, "12345", result.OrderID)
	assert.Equal(t, "intent-42", result.ClientOrderID)
	assert.Equal(t, 0.01, result.ExecutedQty)
	// Spot derives the average price from the cumulative quote quantity.
	assert.InDelta(t, 65000.0, result.AvgPrice, 1e-9)
}

func TestPlaceOrder_ServerErrorRetriesThenFails(t *testing.T) {
	attempts := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance"}`))
	})
	rc, server := setupTestServer(handler)
	defer server.Close()

	_, err := rc.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     exchange.SideBuy,
		Type:     exchange.OrderTypeMarket,
		Quantity: 0.01,
		Venue:    exchange.VenueSpot,
	})

	// A 4xx business rejection is not retried.
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestSetLeverage(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/leverage", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "5", r.PostForm.Get("leverage"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","leverage":5,"maxNotionalValue":"1000000"}`))
	})
	rc, server := setupTestServer(handler)
	defer server.Close()

	assert.NoError(t, rc.SetLeverage(context.Background(), "BTCUSDT", 5))
}
