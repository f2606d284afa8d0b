package market

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"scenario-trading-bot/internal/logging"
)

// CvdEntry is the rolling cumulative volume delta for one symbol: buyer-
// initiated minus seller-initiated volume over the window.
type CvdEntry struct {
	Symbol        string    `json:"symbol"`
	Cvd           float64   `json:"cvd"`
	BuyVolume     float64   `json:"buyVolume"`
	SellVolume    float64   `json:"sellVolume"`
	TradeCount    int       `json:"tradeCount"`
	WindowStartMs int64     `json:"windowStartMs"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// aggTradeEvent is the combined-stream payload for an aggTrade message.
type aggTradeEvent struct {
	Data struct {
		Symbol       string  `json:"s"`
		Price        float64 `json:"p,string"`
		Quantity     float64 `json:"q,string"`
		TradeTime    int64   `json:"T"`
		IsBuyerMaker bool    `json:"m"`
	} `json:"data"`
}

// CvdStream consumes aggTrade websocket streams and maintains per-symbol CVD
// windows. State is flushed to cvd-state.json so scenario runtimes can read
// it through the TTL cache after a restart.
type CvdStream struct {
	mu sync.RWMutex

	wsURL     string
	symbols   []string
	windowMin int
	statePath string

	entries  map[string]*CvdEntry
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewCvdStream creates a stream consumer. wsURL is the combined-stream base
// (e.g. wss://stream.binance.com:9443), windowMin the rolling window in
// minutes, dataDir the state directory.
func NewCvdStream(wsURL string, symbols []string, windowMin int, dataDir string) *CvdStream {
	return &CvdStream{
		wsURL:     wsURL,
		symbols:   symbols,
		windowMin: windowMin,
		statePath: filepath.Join(dataDir, "cvd-state.json"),
		entries:   make(map[string]*CvdEntry),
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// Start launches the consume loop. Reconnects use exponential backoff from
// 1s up to a 30s cap.
func (s *CvdStream) Start() {
	go func() {
		defer close(s.doneChan)

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = time.Second
		policy.MaxInterval = 30 * time.Second
		policy.MaxElapsedTime = 0 // retry forever

		for {
			select {
			case <-s.stopChan:
				return
			default:
			}

			if err := s.consume(); err != nil {
				wait := policy.NextBackOff()
				logging.WithComponent("CvdStream").Warn("Stream disconnected",
					"error", err, "reconnect_in", wait.String())
				select {
				case <-time.After(wait):
				case <-s.stopChan:
					return
				}
				continue
			}
			policy.Reset()
		}
	}()
}

// Stop shuts the consumer down and waits for the loop to exit.
func (s *CvdStream) Stop() {
	close(s.stopChan)
	<-s.doneChan
}

func (s *CvdStream) streamURL() string {
	streams := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		streams = append(streams, strings.ToLower(sym)+"@aggTrade")
	}
	return fmt.Sprintf("%s/stream?streams=%s", s.wsURL, strings.Join(streams, "/"))
}

func (s *CvdStream) consume() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	logging.WithComponent("CvdStream").Info("Stream connected",
		"symbols", len(s.symbols), "window_minutes", s.windowMin)

	flush := time.NewTicker(10 * time.Second)
	defer flush.Stop()

	msgs := make(chan []byte, 256)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- data:
			default: // drop rather than block the read loop
			}
		}
	}()

	for {
		select {
		case <-s.stopChan:
			return nil
		case err := <-readErr:
			return err
		case <-flush.C:
			s.persist()
		case data := <-msgs:
			var ev aggTradeEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			if ev.Data.Symbol != "" {
				s.record(ev)
			}
		}
	}
}

func (s *CvdStream) record(ev aggTradeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[ev.Data.Symbol]
	windowMs := int64(s.windowMin) * 60 * 1000
	if !ok || ev.Data.TradeTime-entry.WindowStartMs >= windowMs {
		entry = &CvdEntry{Symbol: ev.Data.Symbol, WindowStartMs: ev.Data.TradeTime}
		s.entries[ev.Data.Symbol] = entry
	}

	volume := ev.Data.Quantity * ev.Data.Price
	if ev.Data.IsBuyerMaker {
		// Buyer was the maker: the aggressor sold.
		entry.SellVolume += volume
	} else {
		entry.BuyVolume += volume
	}
	entry.Cvd = entry.BuyVolume - entry.SellVolume
	entry.TradeCount++
	entry.UpdatedAt = time.Now()
}

// Snapshot returns a copy of the current per-symbol entries.
func (s *CvdStream) Snapshot() map[string]CvdEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]CvdEntry, len(s.entries))
	for sym, e := range s.entries {
		out[sym] = *e
	}
	return out
}

func (s *CvdStream) persist() {
	snapshot := s.Snapshot()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		logging.WithComponent("CvdStream").Warn("State persist failed", "error", err)
		return
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		logging.WithComponent("CvdStream").Warn("State rename failed", "error", err)
	}
}
