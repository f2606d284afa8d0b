package market

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a REST exchange client (Binance-compatible API). Every request
// carries an explicit timeout; the engine never blocks a tick on a hung
// socket.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a REST client. Pass the testnet base URL for testnet
// scenarios.
func NewClient(apiKey, secretKey, baseURL string) *Client {
	return &Client{
		apiKey:    apiKey,
		secretKey: secretKey,
		baseURL:   baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) doRequest(method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("signature", c.sign(params.Encode()))
	}

	reqURL := c.baseURL + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequest(method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
		retry := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				retry = time.Duration(secs) * time.Second
			}
		}
		return nil, &RateLimitError{Status: resp.StatusCode, RetryAfter: retry}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchange returned %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// Ping checks connectivity.
func (c *Client) Ping() error {
	_, err := c.doRequest(http.MethodGet, "/api/v3/ping", nil, false)
	return err
}

// GetKlines fetches up to limit candles for the symbol and timeframe.
// Malformed candles are dropped.
func (c *Client) GetKlines(symbol, timeframe string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", timeframe)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.doRequest(http.MethodGet, "/api/v3/klines", params, false)
	if err != nil {
		return nil, err
	}

	// The API returns an array of arrays with mixed types.
	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing klines: %w", err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, r := range raw {
		if len(r) < 7 {
			continue
		}
		k := Kline{
			OpenTime:  asInt64(r[0]),
			Open:      asFloat(r[1]),
			High:      asFloat(r[2]),
			Low:       asFloat(r[3]),
			Close:     asFloat(r[4]),
			Volume:    asFloat(r[5]),
			CloseTime: asInt64(r[6]),
		}
		if k.IsValid() {
			klines = append(klines, k)
		}
	}
	return klines, nil
}

// GetPrice returns the latest trade price for a symbol.
func (c *Client) GetPrice(symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.doRequest(http.MethodGet, "/api/v3/ticker/price", params, false)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Price float64 `json:"price,string"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("parsing price: %w", err)
	}
	return resp.Price, nil
}

// GetUsdtBalance returns the free USDT balance.
func (c *Client) GetUsdtBalance() (float64, error) {
	body, err := c.doRequest(http.MethodGet, "/api/v3/account", nil, true)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Balances []struct {
			Asset string  `json:"asset"`
			Free  float64 `json:"free,string"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("parsing account: %w", err)
	}
	for _, b := range resp.Balances {
		if b.Asset == "USDT" {
			return b.Free, nil
		}
	}
	return 0, nil
}

func (c *Client) placeOrder(params url.Values) (*Order, error) {
	body, err := c.doRequest(http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("parsing order response: %w", err)
	}
	return &order, nil
}

// MarketBuy submits a market buy sized in quote currency.
func (c *Client) MarketBuy(symbol string, usdtAmount float64) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", "BUY")
	params.Set("type", "MARKET")
	params.Set("quoteOrderQty", strconv.FormatFloat(usdtAmount, 'f', 2, 64))
	return c.placeOrder(params)
}

// MarketSell submits a market sell for a base quantity.
func (c *Client) MarketSell(symbol string, qty float64) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", "SELL")
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(qty, 'f', 8, 64))
	return c.placeOrder(params)
}

// MarketBuyByQty submits a market buy for a base quantity (used to cover
// shorts).
func (c *Client) MarketBuyByQty(symbol string, qty float64) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", "BUY")
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(qty, 'f', 8, 64))
	return c.placeOrder(params)
}

// PlaceStopLossOrder places an exchange-native STOP_LOSS_LIMIT order.
func (c *Client) PlaceStopLossOrder(symbol, side string, qty, stopPrice float64) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", "STOP_LOSS_LIMIT")
	params.Set("quantity", strconv.FormatFloat(qty, 'f', 8, 64))
	params.Set("stopPrice", strconv.FormatFloat(stopPrice, 'f', 8, 64))
	params.Set("price", strconv.FormatFloat(stopPrice, 'f', 8, 64))
	params.Set("timeInForce", "GTC")
	return c.placeOrder(params)
}

// PlaceTakeProfitOrder places an exchange-native TAKE_PROFIT_LIMIT order.
func (c *Client) PlaceTakeProfitOrder(symbol, side string, qty, tpPrice float64) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", "TAKE_PROFIT_LIMIT")
	params.Set("quantity", strconv.FormatFloat(qty, 'f', 8, 64))
	params.Set("stopPrice", strconv.FormatFloat(tpPrice, 'f', 8, 64))
	params.Set("price", strconv.FormatFloat(tpPrice, 'f', 8, 64))
	params.Set("timeInForce", "GTC")
	return c.placeOrder(params)
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	_, err := c.doRequest(http.MethodDelete, "/api/v3/order", params, true)
	return err
}

// GetOrder queries one order's current state.
func (c *Client) GetOrder(symbol string, orderID int64) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	body, err := c.doRequest(http.MethodGet, "/api/v3/order", params, true)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("parsing order: %w", err)
	}
	return &order, nil
}

// GetFuturesPositions lists open futures positions with non-zero quantity.
func (c *Client) GetFuturesPositions() ([]FuturesPosition, error) {
	body, err := c.doRequest(http.MethodGet, "/fapi/v2/positionRisk", nil, true)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Symbol     string  `json:"symbol"`
		PositionAmt float64 `json:"positionAmt,string"`
		EntryPrice float64 `json:"entryPrice,string"`
		MarkPrice  float64 `json:"markPrice,string"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing positions: %w", err)
	}

	positions := make([]FuturesPosition, 0)
	for _, p := range raw {
		if p.PositionAmt == 0 {
			continue
		}
		side := "LONG"
		qty := p.PositionAmt
		if qty < 0 {
			side = "SHORT"
			qty = -qty
		}
		positions = append(positions, FuturesPosition{
			Symbol:     p.Symbol,
			Side:       side,
			Quantity:   qty,
			EntryPrice: p.EntryPrice,
			MarkPrice:  p.MarkPrice,
		})
	}
	return positions, nil
}

// GetSymbolInfo returns trading rules (step size, min notional) for a symbol.
func (c *Client) GetSymbolInfo(symbol string) (*SymbolInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.doRequest(http.MethodGet, "/api/v3/exchangeInfo", params, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string  `json:"filterType"`
				StepSize    string  `json:"stepSize"`
				MinNotional float64 `json:"minNotional,string"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing exchange info: %w", err)
	}
	if len(resp.Symbols) == 0 {
		return nil, fmt.Errorf("symbol %s not found", symbol)
	}

	info := &SymbolInfo{Symbol: resp.Symbols[0].Symbol}
	for _, f := range resp.Symbols[0].Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			info.StepSize = f.StepSize
		case "NOTIONAL", "MIN_NOTIONAL":
			info.MinNotional = f.MinNotional
		}
	}
	return info, nil
}

func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	}
	return 0
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		i, _ := strconv.ParseInt(t, 10, 64)
		return i
	}
	return 0
}
