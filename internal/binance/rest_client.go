package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"hybrid-trade-bot-go/internal/config"
	"hybrid-trade-bot-go/internal/exchange"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	spotBaseURL           = "https://api.binance.com/api/v3"
	spotTestnetBaseURL    = "https://testnet.binance.vision/api/v3"
	futuresBaseURL        = "https://fapi.binance.com"
	futuresTestnetBaseURL = "https://testnet.binancefuture.com"
	recvWindow            = "5000" // How long a request is valid in milliseconds
)

// RestClient is a venue-aware client for the Binance spot and USDT-margined
// futures REST APIs. It implements exchange.Gateway.
type RestClient struct {
	spot      *resty.Client
	futures   *resty.Client
	apiKey    string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter
}

// ensure RestClient implements the gateway interface
var _ exchange.Gateway = (*RestClient)(nil)

// NewRestClient creates a new Binance REST API client covering both venues.
func NewRestClient(cfg *config.Binance, logger *zap.Logger) *RestClient {
	spotURL, futuresURL := spotBaseURL, futuresBaseURL
	if cfg.Testnet {
		spotURL, futuresURL = spotTestnetBaseURL, futuresTestnetBaseURL
		logger.Warn("Using Binance Testnet")
	} else {
		logger.Info("Using Binance Production API")
	}

	// Both venues share one limiter since Binance weights them against the
	// same account.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		spot:      resty.New().SetBaseURL(spotURL),
		futures:   resty.New().SetBaseURL(futuresURL),
		apiKey:    cfg.ApiKey,
		secretKey: cfg.SecretKey,
		logger:    logger,
		limiter:   limiter,
	}
}

func (c *RestClient) venueClient(venue exchange.Venue) *resty.Client {
	if venue == exchange.VenueFutures {
		return c.futures
	}
	return c.spot
}

// sign creates a HMAC-SHA256 signature for the request.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// signedQuery adds the timestamp and signature Binance requires on
// account-scoped endpoints.
func (c *RestClient) signedQuery(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	queryString := params.Encode()
	return queryString + "&signature=" + c.sign(queryString)
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", url))
		resp, err = req.SetContext(ctx).Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil && resp.StatusCode() != 0 {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode == 418 { // HTTP 429 or 418
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			} else if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
				// Retrying an auth failure cannot help.
				return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

type ticker24hResponse struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	BidPrice  string `json:"bidPrice"`
	AskPrice  string `json:"askPrice"`
	Volume    string `json:"volume"`
}

// GetTicker fetches the 24h ticker for one symbol on one venue.
func (c *RestClient) GetTicker(ctx context.Context, symbol string, venue exchange.Venue) (*exchange.Ticker, error) {
	path := "/ticker/24hr"
	if venue == exchange.VenueFutures {
		path = "/fapi/v1/ticker/24hr"
	}

	var result ticker24hResponse
	req := c.venueClient(venue).R().
		SetQueryParam("symbol", symbol).
		SetResult(&result)

	if _, err := c.doRequest(ctx, "GET", path, req); err != nil {
		return nil, fmt.Errorf("failed to get ticker for %s: %w", symbol, err)
	}

	return &exchange.Ticker{
		Symbol: result.Symbol,
		Last:   parseFloat(result.LastPrice),
		Bid:    parseFloat(result.BidPrice),
		Ask:    parseFloat(result.AskPrice),
		Volume: parseFloat(result.Volume),
	}, nil
}

// GetCandles fetches OHLCV bars for one symbol on one venue.
func (c *RestClient) GetCandles(ctx context.Context, symbol, interval string, limit int, venue exchange.Venue) ([]exchange.Candle, error) {
	path := "/klines"
	if venue == exchange.VenueFutures {
		path = "/fapi/v1/klines"
	}

	// Binance returns klines as mixed-type arrays.
	var raw [][]interface{}
	req := c.venueClient(venue).R().
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(&raw)

	if _, err := c.doRequest(ctx, "GET", path, req); err != nil {
		return nil, fmt.Errorf("failed to get candles for %s: %w", symbol, err)
	}

	candles := make([]exchange.Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		candles = append(candles, exchange.Candle{
			OpenTime:  millisToTime(row[0]),
			Open:      parseFloatField(row[1]),
			High:      parseFloatField(row[2]),
			Low:       parseFloatField(row[3]),
			Close:     parseFloatField(row[4]),
			Volume:    parseFloatField(row[5]),
			CloseTime: millisToTime(row[6]),
		})
	}
	return candles, nil
}

type spotAccountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type futuresBalanceResponse struct {
	Asset            string `json:"asset"`
	Balance          string `json:"balance"`
	AvailableBalance string `json:"availableBalance"`
}

// GetBalance fetches the per-asset balances on one venue.
func (c *RestClient) GetBalance(ctx context.Context, venue exchange.Venue) (*exchange.Balance, error) {
	balance := &exchange.Balance{
		Total: make(map[string]float64),
		Free:  make(map[string]float64),
		Used:  make(map[string]float64),
	}

	if venue == exchange.VenueFutures {
		var result []futuresBalanceResponse
		req := c.futures.R().
			SetHeader("X-MBX-APIKEY", c.apiKey).
			SetResult(&result)

		path := "/fapi/v2/balance?" + c.signedQuery(url.Values{})
		if _, err := c.doRequest(ctx, "GET", path, req); err != nil {
			return nil, fmt.Errorf("failed to get futures balance: %w", err)
		}

		for _, b := range result {
			total := parseFloat(b.Balance)
			free := parseFloat(b.AvailableBalance)
			if total == 0 && free == 0 {
				continue
			}
			balance.Total[b.Asset] = total
			balance.Free[b.Asset] = free
			balance.Used[b.Asset] = total - free
		}
		return balance, nil
	}

	var result spotAccountResponse
	req := c.spot.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetResult(&result)

	path := "/account?" + c.signedQuery(url.Values{})
	if _, err := c.doRequest(ctx, "GET", path, req); err != nil {
		return nil, fmt.Errorf("failed to get spot balance: %w", err)
	}

	for _, b := range result.Balances {
		free := parseFloat(b.Free)
		locked := parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		balance.Total[b.Asset] = free + locked
		balance.Free[b.Asset] = free
		balance.Used[b.Asset] = locked
	}
	return balance, nil
}

type positionRiskResponse struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnrealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}

// GetPositions fetches all open futures positions. Flat symbols are omitted.
func (c *RestClient) GetPositions(ctx context.Context) ([]exchange.Position, error) {
	var result []positionRiskResponse
	req := c.futures.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetResult(&result)

	path := "/fapi/v2/positionRisk?" + c.signedQuery(url.Values{})
	if _, err := c.doRequest(ctx, "GET", path, req); err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}

	positions := make([]exchange.Position, 0, len(result))
	for _, p := range result {
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := exchange.SideBuy
		if amt < 0 {
			side = exchange.SideSell
		}
		leverage, _ := strconv.Atoi(p.Leverage)
		positions = append(positions, exchange.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          math.Abs(amt),
			EntryPrice:    parseFloat(p.EntryPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
			UnrealizedPnL: parseFloat(p.UnrealizedProfit),
			Leverage:      leverage,
		})
	}
	return positions, nil
}

type createOrderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	TransactTime  int64  `json:"transactTime"`
	UpdateTime    int64  `json:"updateTime"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	CumQuoteQty   string `json:"cummulativeQuoteQty"`
	Status        string `json:"status"`
	Side          string `json:"side"`
}

// PlaceOrder places an order on the requested venue. The caller's
// ClientOrderID is forwarded as newClientOrderId so that a retried request
// is deduplicated exchange-side instead of double-filling.
func (c *RestClient) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	if req.Type == exchange.OrderTypeLimit {
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
		params.Set("timeInForce", "GTC")
	}

	path := "/order"
	if req.Venue == exchange.VenueFutures {
		path = "/fapi/v1/order"
	}

	var result createOrderResponse
	restReq := c.venueClient(req.Venue).R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(c.signedQuery(params)).
		SetResult(&result)

	if _, err := c.doRequest(ctx, "POST", path, restReq); err != nil {
		c.logger.Error("Failed to create order after multiple attempts",
			zap.Error(err),
			zap.String("symbol", req.Symbol),
		)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	transact := result.TransactTime
	if transact == 0 {
		transact = result.UpdateTime
	}

	avgPrice := parseFloat(result.AvgPrice)
	executedQty := parseFloat(result.ExecutedQty)
	if avgPrice == 0 && executedQty > 0 {
		// Spot responses carry the quote total instead of an average price.
		avgPrice = parseFloat(result.CumQuoteQty) / executedQty
	}

	c.logger.Info("Order created",
		zap.String("symbol", result.Symbol),
		zap.Int64("order_id", result.OrderID),
		zap.String("status", result.Status))

	return &exchange.OrderResult{
		OrderID:       strconv.FormatInt(result.OrderID, 10),
		ClientOrderID: result.ClientOrderID,
		Symbol:        result.Symbol,
		Side:          req.Side,
		Status:        result.Status,
		ExecutedQty:   executedQty,
		AvgPrice:      avgPrice,
		TransactTime:  time.UnixMilli(transact),
	}, nil
}

// SetLeverage sets the futures leverage for a symbol.
func (c *RestClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))

	req := c.futures.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(c.signedQuery(params))

	if _, err := c.doRequest(ctx, "POST", "/fapi/v1/leverage", req); err != nil {
		return fmt.Errorf("failed to set leverage for %s: %w", symbol, err)
	}
	return nil
}

// SetMarginMode sets the futures margin mode (ISOLATED or CROSSED) for a
// symbol. Binance rejects a no-op change, which is treated as success.
func (c *RestClient) SetMarginMode(ctx context.Context, symbol, mode string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", strings.ToUpper(mode))

	req := c.futures.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(c.signedQuery(params))

	if _, err := c.doRequest(ctx, "POST", "/fapi/v1/marginType", req); err != nil {
		if strings.Contains(err.Error(), "No need to change margin type") {
			return nil
		}
		return fmt.Errorf("failed to set margin mode for %s: %w", symbol, err)
	}
	return nil
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseFloatField(v interface{}) float64 {
	switch x := v.(type) {
	case string:
		return parseFloat(x)
	case float64:
		return x
	}
	return 0
}

func millisToTime(v interface{}) time.Time {
	if ms, ok := v.(float64); ok {
		return time.UnixMilli(int64(ms))
	}
	return time.Time{}
}
