package exchange

import (
	"context"
	"time"
)

// Venue identifies the spot or futures market within the same exchange account.
type Venue string

const (
	VenueSpot    Venue = "spot"
	VenueFutures Venue = "futures"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the order execution style.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Ticker is a point-in-time price snapshot for a symbol on one venue.
type Ticker struct {
	Symbol string
	Last   float64
	Bid    float64
	Ask    float64
	Volume float64
}

// Candle is a single OHLCV bar.
type Candle struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// Balance is the USDT-denominated account balance on one venue, broken down
// per asset. Total includes amounts locked in open orders; Free does not.
type Balance struct {
	Total map[string]float64
	Free  map[string]float64
	Used  map[string]float64
}

// Position is an open futures position as reported by the exchange.
type Position struct {
	Symbol        string
	Side          Side
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      int
}

// OrderRequest describes an order to place. ClientOrderID is a caller-assigned
// idempotency token: retrying the same request must not produce a second fill.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      float64
	Price         float64 // ignored for market orders
	Venue         Venue
	ClientOrderID string
}

// OrderResult is the exchange's acknowledgement of a placed order.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Status        string
	ExecutedQty   float64
	AvgPrice      float64
	TransactTime  time.Time
}

// Gateway is the single external resource the bot trades through. All calls
// are safe to retry except PlaceOrder, which relies on the request's
// ClientOrderID for exchange-side deduplication.
type Gateway interface {
	GetBalance(ctx context.Context, venue Venue) (*Balance, error)
	GetTicker(ctx context.Context, symbol string, venue Venue) (*Ticker, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int, venue Venue) ([]Candle, error)
	GetPositions(ctx context.Context) ([]Position, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol, mode string) error
}
