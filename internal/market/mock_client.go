package market

import (
	"fmt"
	"sync"
	"time"
)

// MockClient is a deterministic in-memory exchange used by tests and by
// paper scenarios that want canned data. All fills are immediate at the
// configured price unless an order status override is installed.
type MockClient struct {
	mu sync.Mutex

	Klines      map[string][]Kline // key: symbol:timeframe
	Prices      map[string]float64
	UsdtBalance float64
	Positions   []FuturesPosition
	SymbolInfos map[string]*SymbolInfo

	// Orders holds every order the mock has issued, keyed by id.
	Orders      map[int64]*Order
	nextOrderID int64

	// StatusOverride forces GetOrder to report a given status for an id.
	StatusOverride map[int64]string

	// MarketOrderStatus, when set, is the status newly placed market orders
	// report instead of FILLED.
	MarketOrderStatus string

	// Errors
	KlinesErr error
	PriceErr  error
	OrderErr  error
	CancelErr error

	// Call bookkeeping for assertions.
	KlineCalls  []string
	CancelCalls []int64
}

// NewMockClient creates an empty mock exchange.
func NewMockClient() *MockClient {
	return &MockClient{
		Klines:         make(map[string][]Kline),
		Prices:         make(map[string]float64),
		SymbolInfos:    make(map[string]*SymbolInfo),
		Orders:         make(map[int64]*Order),
		StatusOverride: make(map[int64]string),
		UsdtBalance:    10000,
		nextOrderID:    1000,
	}
}

// SetKlines installs candles for a symbol and timeframe.
func (m *MockClient) SetKlines(symbol, timeframe string, klines []Kline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Klines[symbol+":"+timeframe] = klines
}

func (m *MockClient) Ping() error { return nil }

func (m *MockClient) GetKlines(symbol, timeframe string, limit int) ([]Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.KlineCalls = append(m.KlineCalls, symbol+":"+timeframe)
	if m.KlinesErr != nil {
		return nil, m.KlinesErr
	}
	klines := m.Klines[symbol+":"+timeframe]
	if limit > 0 && len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	return klines, nil
}

func (m *MockClient) GetPrice(symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PriceErr != nil {
		return 0, m.PriceErr
	}
	price, ok := m.Prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

func (m *MockClient) GetUsdtBalance() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.UsdtBalance, nil
}

func (m *MockClient) fill(symbol, side string, qty, price float64) *Order {
	status := OrderStatusFilled
	if m.MarketOrderStatus != "" {
		status = m.MarketOrderStatus
	}
	m.nextOrderID++
	order := &Order{
		OrderID:      m.nextOrderID,
		Symbol:       symbol,
		Side:         side,
		Status:       status,
		Price:        price,
		ExecutedQty:  qty,
		OrigQty:      qty,
		Fills:        []Fill{{Price: price, Qty: qty}},
		TransactTime: time.Now().UnixMilli(),
	}
	m.Orders[order.OrderID] = order
	return order
}

func (m *MockClient) MarketBuy(symbol string, usdtAmount float64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OrderErr != nil {
		return nil, m.OrderErr
	}
	price := m.Prices[symbol]
	if price <= 0 {
		return nil, fmt.Errorf("no price for %s", symbol)
	}
	return m.fill(symbol, "BUY", usdtAmount/price, price), nil
}

func (m *MockClient) MarketSell(symbol string, qty float64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OrderErr != nil {
		return nil, m.OrderErr
	}
	price := m.Prices[symbol]
	if price <= 0 {
		return nil, fmt.Errorf("no price for %s", symbol)
	}
	return m.fill(symbol, "SELL", qty, price), nil
}

func (m *MockClient) MarketBuyByQty(symbol string, qty float64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OrderErr != nil {
		return nil, m.OrderErr
	}
	price := m.Prices[symbol]
	if price <= 0 {
		return nil, fmt.Errorf("no price for %s", symbol)
	}
	return m.fill(symbol, "BUY", qty, price), nil
}

func (m *MockClient) placePending(symbol, side string, qty, stopPrice float64) *Order {
	m.nextOrderID++
	order := &Order{
		OrderID:      m.nextOrderID,
		Symbol:       symbol,
		Side:         side,
		Status:       OrderStatusNew,
		StopPrice:    stopPrice,
		Price:        stopPrice,
		OrigQty:      qty,
		TransactTime: time.Now().UnixMilli(),
	}
	m.Orders[order.OrderID] = order
	return order
}

func (m *MockClient) PlaceStopLossOrder(symbol, side string, qty, stopPrice float64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OrderErr != nil {
		return nil, m.OrderErr
	}
	return m.placePending(symbol, side, qty, stopPrice), nil
}

func (m *MockClient) PlaceTakeProfitOrder(symbol, side string, qty, tpPrice float64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OrderErr != nil {
		return nil, m.OrderErr
	}
	return m.placePending(symbol, side, qty, tpPrice), nil
}

func (m *MockClient) CancelOrder(symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelCalls = append(m.CancelCalls, orderID)
	if m.CancelErr != nil {
		return m.CancelErr
	}
	if order, ok := m.Orders[orderID]; ok {
		order.Status = OrderStatusCanceled
	}
	return nil
}

func (m *MockClient) GetOrder(symbol string, orderID int64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.Orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d not found", orderID)
	}
	cp := *order
	if status, ok := m.StatusOverride[orderID]; ok {
		cp.Status = status
	}
	return &cp, nil
}

func (m *MockClient) GetFuturesPositions() ([]FuturesPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FuturesPosition(nil), m.Positions...), nil
}

func (m *MockClient) GetSymbolInfo(symbol string) (*SymbolInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.SymbolInfos[symbol]; ok {
		return info, nil
	}
	return &SymbolInfo{Symbol: symbol, StepSize: "0.00000100", MinNotional: 10}, nil
}
