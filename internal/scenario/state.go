package scenario

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LastSignal is the most recent rule match per symbol; it anchors the
// per-symbol signal window.
type LastSignal struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // ms since epoch
}

// State is the durable scenario state beside the account snapshot, persisted
// as state-{scenarioId}.json. Paused survives restarts: a scenario halted by
// its loss cap stays halted until an operator resumes it.
type State struct {
	LastSignals  map[string]LastSignal `json:"lastSignals"`
	LastReportAt int64                 `json:"lastReportAt"`
	Paused       bool                  `json:"paused"`
	PauseReason  string                `json:"pauseReason,omitempty"`
}

func statePath(dataDir, scenarioID string) string {
	return filepath.Join(dataDir, "state-"+scenarioID+".json")
}

// loadState reads the scenario state, returning a fresh zero state when the
// file does not exist yet. A corrupt state file is an error: silently
// resetting it would un-pause a halted scenario.
func loadState(dataDir, scenarioID string) (*State, error) {
	data, err := os.ReadFile(statePath(dataDir, scenarioID))
	if err != nil {
		if os.IsNotExist(err) {
			return &State{LastSignals: make(map[string]LastSignal)}, nil
		}
		return nil, fmt.Errorf("reading scenario state %s: %w", scenarioID, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing scenario state %s: %w", scenarioID, err)
	}
	if st.LastSignals == nil {
		st.LastSignals = make(map[string]LastSignal)
	}
	return &st, nil
}

// saveState flushes via write-to-temp plus atomic rename, matching the
// account store.
func saveState(dataDir, scenarioID string, st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding scenario state: %w", err)
	}
	path := statePath(dataDir, scenarioID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing scenario state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming scenario state: %w", err)
	}
	return nil
}
