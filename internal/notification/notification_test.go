package notification

import (
	"testing"
	"time"
)

type captureNotifier struct {
	sent []*Notification
}

func (c *captureNotifier) Send(n *Notification) error { c.sent = append(c.sent, n); return nil }
func (c *captureNotifier) Name() string               { return "capture" }
func (c *captureNotifier) IsEnabled() bool            { return true }

func TestSendGatedCooldown(t *testing.T) {
	cap := &captureNotifier{}
	m := NewManager(30 * time.Minute)
	m.AddNotifier(cap)

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	sent, err := m.SendPause("scalp-btc", "max_total_loss")
	if err != nil || !sent {
		t.Fatalf("first pause alert must go out, sent=%v err=%v", sent, err)
	}

	// Same scenario inside the window: suppressed.
	now = now.Add(10 * time.Minute)
	if sent, _ := m.SendPause("scalp-btc", "max_total_loss"); sent {
		t.Fatal("repeat pause inside the cooldown must be suppressed")
	}

	// A different scenario is a different scope.
	if sent, _ := m.SendPause("swing-eth", "max_drawdown"); !sent {
		t.Fatal("different scope must not share the cooldown")
	}

	// Past the window the alert fires again.
	now = now.Add(31 * time.Minute)
	if sent, _ := m.SendPause("scalp-btc", "max_total_loss"); !sent {
		t.Fatal("alert must fire again after the cooldown")
	}

	if len(cap.sent) != 3 {
		t.Fatalf("delivered = %d, want 3", len(cap.sent))
	}
}

func TestDifferentTypesDoNotShareCooldown(t *testing.T) {
	cap := &captureNotifier{}
	m := NewManager(time.Hour)
	m.AddNotifier(cap)

	if sent, _ := m.SendPause("scalp-btc", "halt"); !sent {
		t.Fatal("pause should send")
	}
	if sent, _ := m.SendError("scalp-btc", "Tick failed", "boom"); !sent {
		t.Fatal("error with the same scope but different type should send")
	}
}

func TestTradeNotificationsAreNeverGated(t *testing.T) {
	cap := &captureNotifier{}
	m := NewManager(time.Hour)
	m.AddNotifier(cap)

	for i := 0; i < 3; i++ {
		if err := m.SendTradeClose("scalp-btc", "BTCUSDT", 100, 110, 10, 10, "take_profit"); err != nil {
			t.Fatal(err)
		}
	}
	if len(cap.sent) != 3 {
		t.Fatalf("delivered = %d, trade closes must never be rate limited", len(cap.sent))
	}
}

func TestZeroCooldownDisablesGating(t *testing.T) {
	cap := &captureNotifier{}
	m := NewManager(0)
	m.AddNotifier(cap)

	for i := 0; i < 2; i++ {
		if sent, _ := m.SendPause("scalp-btc", "halt"); !sent {
			t.Fatal("zero cooldown must never suppress")
		}
	}
}
