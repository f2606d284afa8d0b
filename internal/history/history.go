// Package history keeps the durable signal log: one JSONL line per signal
// event plus a sidecar offset index so closes do not rescan the whole file.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Signal lifecycle status values.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Record is one signal's durable state. A close appends a superseding record
// for the same id; the index always points at the latest line.
type Record struct {
	ID         string   `json:"id"`
	ScenarioID string   `json:"scenarioId"`
	Symbol     string   `json:"symbol"`
	Type       string   `json:"type"`
	Price      float64  `json:"price"`
	Reasons    []string `json:"reason,omitempty"`
	Timestamp  int64    `json:"timestamp"`

	Status      string  `json:"status"`
	ClosePrice  float64 `json:"closePrice,omitempty"`
	CloseTime   int64   `json:"closeTime,omitempty"`
	PnlPercent  float64 `json:"pnlPercent,omitempty"`
	CloseReason string  `json:"closeReason,omitempty"`
}

// History is the per-scenario signal log. Appends are serialized; the index
// is rewritten atomically after every append.
type History struct {
	mu         sync.Mutex
	dataDir    string
	scenarioID string
	logger     zerolog.Logger

	index map[string]int64 // signal id -> offset of its latest line
}

func New(dataDir, scenarioID string, logger zerolog.Logger) (*History, error) {
	h := &History{
		dataDir:    dataDir,
		scenarioID: scenarioID,
		logger:     logger.With().Str("component", "SignalHistory").Str("scenario", scenarioID).Logger(),
		index:      make(map[string]int64),
	}
	if err := h.loadIndex(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *History) historyPath() string {
	return filepath.Join(h.dataDir, "signal-history-"+h.scenarioID+".jsonl")
}

func (h *History) indexPath() string {
	return filepath.Join(h.dataDir, "signal-index-"+h.scenarioID+".json")
}

// loadIndex reads the sidecar index, rebuilding it from the log when the
// index is missing or unreadable. Malformed log lines are skipped; a torn
// final line from a crash must not poison the whole history.
func (h *History) loadIndex() error {
	data, err := os.ReadFile(h.indexPath())
	if err == nil {
		if json.Unmarshal(data, &h.index) == nil {
			return nil
		}
		h.logger.Warn().Msg("Signal index unreadable, rebuilding from log")
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("reading signal index: %w", err)
	}
	return h.rebuildIndex()
}

func (h *History) rebuildIndex() error {
	h.index = make(map[string]int64)
	f, err := os.Open(h.historyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening signal history: %w", err)
	}
	defer f.Close()

	var offset int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	skipped := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil || rec.ID == "" {
			skipped++
		} else {
			// Later lines supersede earlier ones for the same id.
			h.index[rec.ID] = offset
		}
		offset += int64(len(line)) + 1
	}
	if skipped > 0 {
		h.logger.Warn().Int("lines", skipped).Msg("Skipped malformed history lines during rebuild")
	}
	return scanner.Err()
}

// Open appends a new open signal and returns its id.
func (h *History) Open(rec Record) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.ScenarioID = h.scenarioID
	rec.Status = StatusOpen
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	if err := h.appendLocked(rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Close marks a signal closed with its outcome. Closing an already-closed
// or unknown signal is a no-op, so retries after a crash are safe.
func (h *History) Close(id string, closePrice, pnlPercent float64, closeReason string, closeTime time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, err := h.readLocked(id)
	if err != nil {
		return err
	}
	if rec == nil || rec.Status == StatusClosed {
		return nil
	}
	rec.Status = StatusClosed
	rec.ClosePrice = closePrice
	rec.PnlPercent = pnlPercent
	rec.CloseReason = closeReason
	rec.CloseTime = closeTime.UnixMilli()
	return h.appendLocked(*rec)
}

// Get returns the latest record for a signal id, nil when unknown.
func (h *History) Get(id string) (*Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readLocked(id)
}

// OpenSignals returns every signal whose latest record is still open.
func (h *History) OpenSignals() ([]Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Record
	for id := range h.index {
		rec, err := h.readLocked(id)
		if err != nil {
			return nil, err
		}
		if rec != nil && rec.Status == StatusOpen {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// ClosedPnls returns the P&L percentages of the most recent closed signals,
// oldest first, capped at limit. This feeds Kelly sizing.
func (h *History) ClosedPnls(limit int) ([]float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var recs []Record
	for id := range h.index {
		rec, err := h.readLocked(id)
		if err != nil {
			return nil, err
		}
		if rec != nil && rec.Status == StatusClosed {
			recs = append(recs, *rec)
		}
	}
	sortByCloseTime(recs)
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	out := make([]float64, len(recs))
	for i, r := range recs {
		out[i] = r.PnlPercent
	}
	return out, nil
}

func sortByCloseTime(recs []Record) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].CloseTime < recs[j-1].CloseTime; j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

func (h *History) readLocked(id string) (*Record, error) {
	offset, ok := h.index[id]
	if !ok {
		return nil, nil
	}
	f, err := os.Open(h.historyPath())
	if err != nil {
		return nil, fmt.Errorf("opening signal history: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		return nil, fmt.Errorf("seeking signal history: %w", err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		return nil, scanner.Err()
	}
	var rec Record
	if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
		return nil, fmt.Errorf("parsing signal %s: %w", id, err)
	}
	return &rec, nil
}

func (h *History) appendLocked(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding signal record: %w", err)
	}

	f, err := os.OpenFile(h.historyPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening signal history: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat signal history: %w", err)
	}
	offset := stat.Size()
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("appending signal record: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	h.index[rec.ID] = offset
	return h.saveIndex()
}

func (h *History) saveIndex() error {
	data, err := json.Marshal(h.index)
	if err != nil {
		return err
	}
	path := h.indexPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing signal index: %w", err)
	}
	return os.Rename(tmp, path)
}
