// Package health tracks liveness of the engine's periodic tasks through
// heartbeat files, watches them for stalls, and honors the operator kill
// switch.
package health

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// heartbeatRecord is the on-disk shape of heartbeat-{task}.json.
type heartbeatRecord struct {
	LastRunAt      int64 `json:"lastRunAt"` // ms since epoch
	LastDurationMs int64 `json:"lastDurationMs"`
}

// Heartbeat writes one file per task under the data directory. External
// monitoring reads the same files, so the format stays flat JSON.
type Heartbeat struct {
	dataDir string
}

func NewHeartbeat(dataDir string) *Heartbeat {
	return &Heartbeat{dataDir: dataDir}
}

func (h *Heartbeat) path(task string) string {
	return filepath.Join(h.dataDir, "heartbeat-"+task+".json")
}

// Beat records a completed run of the task.
func (h *Heartbeat) Beat(task string, ranAt time.Time, duration time.Duration) error {
	data, err := json.Marshal(heartbeatRecord{
		LastRunAt:      ranAt.UnixMilli(),
		LastDurationMs: duration.Milliseconds(),
	})
	if err != nil {
		return err
	}
	tmp := h.path(task) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing heartbeat %s: %w", task, err)
	}
	return os.Rename(tmp, h.path(task))
}

// Read returns the task's last run time and duration. ok is false when the
// task has never beaten.
func (h *Heartbeat) Read(task string) (lastRun time.Time, duration time.Duration, ok bool) {
	data, err := os.ReadFile(h.path(task))
	if err != nil {
		return time.Time{}, 0, false
	}
	var rec heartbeatRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return time.Time{}, 0, false
	}
	return time.UnixMilli(rec.LastRunAt), time.Duration(rec.LastDurationMs) * time.Millisecond, true
}

// KillSwitch reports whether the operator has dropped the kill-switch flag
// file. A present flag stops the scheduler at the next tick boundary.
func KillSwitch(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, "kill-switch.flag"))
	return err == nil
}

// StallAlert is fired once per stall episode per task.
type StallAlert struct {
	Task     string
	LastRun  time.Time
	StaleFor time.Duration
}

// Watchdog periodically checks heartbeat ages and reports stalls. A task
// alerts once when it goes stale and again only after recovering first.
type Watchdog struct {
	hb       *Heartbeat
	tasks    []string
	maxAge   time.Duration
	interval time.Duration
	onStall  func(StallAlert)
	logger   zerolog.Logger

	mu       sync.Mutex
	alerted  map[string]bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewWatchdog(hb *Heartbeat, tasks []string, maxAge, interval time.Duration, onStall func(StallAlert), logger zerolog.Logger) *Watchdog {
	return &Watchdog{
		hb:       hb,
		tasks:    tasks,
		maxAge:   maxAge,
		interval: interval,
		onStall:  onStall,
		logger:   logger.With().Str("component", "Watchdog").Logger(),
		alerted:  make(map[string]bool),
		stopChan: make(chan struct{}),
	}
}

// Start launches the check loop.
func (w *Watchdog) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.Check(time.Now())
			case <-w.stopChan:
				return
			}
		}
	}()
}

// Stop shuts the loop down and waits for it.
func (w *Watchdog) Stop() {
	close(w.stopChan)
	w.wg.Wait()
}

// Check inspects every task's heartbeat age once. Exposed for tests and for
// callers that drive their own schedule.
func (w *Watchdog) Check(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, task := range w.tasks {
		lastRun, _, ok := w.hb.Read(task)
		if !ok {
			// Never beaten: treated as not yet started, not as a stall.
			continue
		}
		age := now.Sub(lastRun)
		if age > w.maxAge {
			if !w.alerted[task] {
				w.alerted[task] = true
				w.logger.Error().
					Str("task", task).
					Dur("stale_for", age).
					Msg("Task heartbeat is stale")
				if w.onStall != nil {
					w.onStall(StallAlert{Task: task, LastRun: lastRun, StaleFor: age})
				}
			}
		} else if w.alerted[task] {
			w.alerted[task] = false
			w.logger.Info().Str("task", task).Msg("Task heartbeat recovered")
		}
	}
}
