package account

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Store persists one account snapshot per scenario under the data
// directory, as paper-{scenarioId}.json. Writes go to a temp file followed
// by an atomic rename so a crash can never leave a torn snapshot.
type Store struct {
	dataDir string
}

// NewStore creates a store rooted at dataDir, creating it if needed.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return &Store{dataDir: dataDir}, nil
}

func (s *Store) accountPath(scenarioID string) string {
	return filepath.Join(s.dataDir, "paper-"+scenarioID+".json")
}

// LoadAccount returns the persisted account for the scenario, or initializes
// a fresh one with the given starting balance on first access.
func (s *Store) LoadAccount(initialUsdt float64, scenarioID string) (*Account, error) {
	data, err := os.ReadFile(s.accountPath(scenarioID))
	if err != nil {
		if os.IsNotExist(err) {
			now := time.Now().UnixMilli()
			acct := &Account{
				InitialUsdt: initialUsdt,
				Usdt:        initialUsdt,
				Positions:   make(map[string]*Position),
				Trades:      make([]Trade, 0),
				OpenOrders:  make(map[string]*PendingOrder),
				DailyLoss:   DailyLoss{Date: time.Now().UTC().Format("2006-01-02")},
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := s.SaveAccount(acct, scenarioID); err != nil {
				return nil, err
			}
			return acct, nil
		}
		return nil, fmt.Errorf("reading account %s: %w", scenarioID, err)
	}

	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("parsing account %s: %w", scenarioID, err)
	}
	acct.normalize()
	return &acct, nil
}

// SaveAccount flushes the account snapshot via write-to-temp plus atomic
// rename.
func (s *Store) SaveAccount(acct *Account, scenarioID string) error {
	acct.UpdatedAt = time.Now().UnixMilli()

	data, err := json.MarshalIndent(acct, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding account: %w", err)
	}

	path := s.accountPath(scenarioID)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing account: %w", err)
	}
	// fsync before rename so the rename never publishes an empty file.
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing account: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing account file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming account file: %w", err)
	}
	return nil
}

// ResetDailyLossIfNeeded zeroes the loss ledger when the UTC day has
// changed since it was last written.
func ResetDailyLossIfNeeded(acct *Account, now time.Time) bool {
	today := now.UTC().Format("2006-01-02")
	if acct.DailyLoss.Date == today {
		return false
	}
	acct.DailyLoss = DailyLoss{Date: today}
	return true
}

// CalcTotalEquity values the account: cash plus every position's notional at
// the supplied prices, falling back to entry price when no price is known.
func CalcTotalEquity(acct *Account, prices map[string]float64) float64 {
	equity := acct.Usdt
	for symbol, pos := range acct.Positions {
		price, ok := prices[symbol]
		if !ok || price <= 0 {
			price = pos.EntryPrice
		}
		if pos.IsShort() {
			// Margin plus unrealized short P&L.
			equity += pos.MarginUsdt + (pos.EntryPrice-price)*pos.Quantity
		} else {
			equity += pos.Quantity * price
		}
	}
	return equity
}

// AppendEquitySnapshot appends an hourly equity point to
// equity-history-{scenarioId}.jsonl.
func (s *Store) AppendEquitySnapshot(scenarioID string, equity float64, now time.Time) error {
	rec := struct {
		Timestamp int64   `json:"timestamp"`
		Equity    float64 `json:"equity"`
	}{now.UnixMilli(), equity}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	path := filepath.Join(s.dataDir, "equity-history-"+scenarioID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// DataDir exposes the store's root for components that keep sibling state
// files (scenario state, heartbeats, caches).
func (s *Store) DataDir() string {
	return s.dataDir
}
