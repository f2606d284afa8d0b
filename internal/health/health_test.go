package health

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestHeartbeatRoundTrip(t *testing.T) {
	hb := NewHeartbeat(t.TempDir())
	ranAt := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	if err := hb.Beat("trading", ranAt, 350*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	lastRun, dur, ok := hb.Read("trading")
	if !ok {
		t.Fatal("heartbeat should be readable after a beat")
	}
	if !lastRun.Equal(ranAt) || dur != 350*time.Millisecond {
		t.Fatalf("got %v / %v", lastRun, dur)
	}

	if _, _, ok := hb.Read("never-ran"); ok {
		t.Fatal("unknown task must read as absent")
	}
}

func TestWatchdogAlertsOncePerEpisode(t *testing.T) {
	dir := t.TempDir()
	hb := NewHeartbeat(dir)

	var alerts []StallAlert
	w := NewWatchdog(hb, []string{"trading"}, time.Minute, time.Hour, func(a StallAlert) {
		alerts = append(alerts, a)
	}, zerolog.Nop())

	start := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	if err := hb.Beat("trading", start, time.Second); err != nil {
		t.Fatal(err)
	}

	// Fresh: no alert.
	w.Check(start.Add(30 * time.Second))
	if len(alerts) != 0 {
		t.Fatalf("alerts = %+v, want none while fresh", alerts)
	}

	// Stale: exactly one alert across repeated checks.
	w.Check(start.Add(5 * time.Minute))
	w.Check(start.Add(6 * time.Minute))
	if len(alerts) != 1 {
		t.Fatalf("alerts = %+v, want one per stall episode", alerts)
	}
	if alerts[0].Task != "trading" {
		t.Fatalf("alert = %+v", alerts[0])
	}

	// Recovery then a new stall alerts again.
	if err := hb.Beat("trading", start.Add(7*time.Minute), time.Second); err != nil {
		t.Fatal(err)
	}
	w.Check(start.Add(7*time.Minute + 10*time.Second))
	w.Check(start.Add(20 * time.Minute))
	if len(alerts) != 2 {
		t.Fatalf("alerts = %+v, want a second alert after recovery", alerts)
	}
}

func TestWatchdogIgnoresNeverStartedTasks(t *testing.T) {
	hb := NewHeartbeat(t.TempDir())
	fired := false
	w := NewWatchdog(hb, []string{"reporter"}, time.Minute, time.Hour, func(StallAlert) { fired = true }, zerolog.Nop())

	w.Check(time.Now())
	if fired {
		t.Fatal("a task that never beat must not alert")
	}
}

func TestKillSwitch(t *testing.T) {
	dir := t.TempDir()
	if KillSwitch(dir) {
		t.Fatal("kill switch must be off without the flag file")
	}
	if err := os.WriteFile(filepath.Join(dir, "kill-switch.flag"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if !KillSwitch(dir) {
		t.Fatal("kill switch must trip when the flag file exists")
	}
}
