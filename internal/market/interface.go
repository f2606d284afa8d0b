package market

import "time"

// Order status values as reported by the exchange.
const (
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusExpired         = "EXPIRED"
	OrderStatusRejected        = "REJECTED"
)

// Fill is a single execution inside an order.
type Fill struct {
	Price      float64 `json:"price,string"`
	Qty        float64 `json:"qty,string"`
	Commission float64 `json:"commission,string"`
}

// Order is the exchange's view of one order.
type Order struct {
	OrderID      int64   `json:"orderId"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Status       string  `json:"status"`
	Price        float64 `json:"price,string"`
	StopPrice    float64 `json:"stopPrice,string"`
	ExecutedQty  float64 `json:"executedQty,string"`
	OrigQty      float64 `json:"origQty,string"`
	Fills        []Fill  `json:"fills,omitempty"`
	TransactTime int64   `json:"transactTime"`
}

// AvgFillPrice returns the volume-weighted fill price, falling back to the
// order's limit price when the fills list is empty. Ignoring fills and using
// the limit price unconditionally gives wrong P&L on stop orders.
func (o *Order) AvgFillPrice() float64 {
	var qty, notional float64
	for _, f := range o.Fills {
		qty += f.Qty
		notional += f.Qty * f.Price
	}
	if qty > 0 {
		return notional / qty
	}
	if o.Price > 0 {
		return o.Price
	}
	return o.StopPrice
}

// SymbolInfo carries the exchange trading rules the executor needs.
type SymbolInfo struct {
	Symbol      string
	StepSize    string
	MinNotional float64
}

// FuturesPosition is an open position as reported by the exchange.
type FuturesPosition struct {
	Symbol     string
	Side       string // LONG or SHORT
	Quantity   float64
	EntryPrice float64
	MarkPrice  float64
}

// ExchangeClient is the contract the engine consumes. The REST client and the
// deterministic mock both implement it.
type ExchangeClient interface {
	Ping() error
	GetKlines(symbol, timeframe string, limit int) ([]Kline, error)
	GetPrice(symbol string) (float64, error)
	GetUsdtBalance() (float64, error)
	MarketBuy(symbol string, usdtAmount float64) (*Order, error)
	MarketSell(symbol string, qty float64) (*Order, error)
	MarketBuyByQty(symbol string, qty float64) (*Order, error)
	PlaceStopLossOrder(symbol, side string, qty, stopPrice float64) (*Order, error)
	PlaceTakeProfitOrder(symbol, side string, qty, tpPrice float64) (*Order, error)
	CancelOrder(symbol string, orderID int64) error
	GetOrder(symbol string, orderID int64) (*Order, error)
	GetFuturesPositions() ([]FuturesPosition, error)
	GetSymbolInfo(symbol string) (*SymbolInfo, error)
}

// RateLimitError signals a 429/418 from the exchange. The affected symbol is
// skipped for the tick; other symbols proceed.
type RateLimitError struct {
	Status     int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return "exchange rate limit hit"
}

var _ ExchangeClient = (*Client)(nil)
var _ ExchangeClient = (*MockClient)(nil)
