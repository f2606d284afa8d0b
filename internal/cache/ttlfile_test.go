package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTTLFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentiment-cache.json")
	c := NewTTLFile[SentimentData](path, 30*time.Minute)
	now := time.Now()

	if err := c.Write(SentimentData{FearGreed: 72, KeywordScore: -2}, now); err != nil {
		t.Fatal(err)
	}

	got, fresh, ok := c.Read(now.Add(5 * time.Minute))
	if !ok || !fresh {
		t.Fatalf("ok=%v fresh=%v, want both", ok, fresh)
	}
	if got.FearGreed != 72 || got.KeywordScore != -2 {
		t.Fatalf("got %+v", got)
	}
}

func TestTTLFileStaleAfterWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onchain-cache.json")
	c := NewTTLFile[OnchainData](path, time.Hour)
	now := time.Now()

	if err := c.Write(OnchainData{BtcDominance: 54.2}, now); err != nil {
		t.Fatal(err)
	}

	got, fresh, ok := c.Read(now.Add(2 * time.Hour))
	if !ok {
		t.Fatal("file exists, read must succeed")
	}
	if fresh {
		t.Fatal("data past its TTL must report stale")
	}
	if got.BtcDominance != 54.2 {
		t.Fatalf("stale reads still return the value, got %+v", got)
	}
}

func TestTTLFileMissingOrCorrupt(t *testing.T) {
	dir := t.TempDir()
	c := NewTTLFile[[]string](filepath.Join(dir, "current-pairlist.json"), time.Hour)

	if _, _, ok := c.Read(time.Now()); ok {
		t.Fatal("missing file must report ok=false")
	}

	if err := os.WriteFile(filepath.Join(dir, "current-pairlist.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := c.Read(time.Now()); ok {
		t.Fatal("corrupt file must report ok=false, not crash")
	}
}

func TestEmergencyHaltFlag(t *testing.T) {
	feeds := NewFeeds(t.TempDir())

	if feeds.EmergencyHalt() {
		t.Fatal("halt must be off with no file")
	}
	if err := feeds.SetEmergencyHalt(true); err != nil {
		t.Fatal(err)
	}
	if !feeds.EmergencyHalt() {
		t.Fatal("halt file present, flag must be on")
	}
	if err := feeds.SetEmergencyHalt(false); err != nil {
		t.Fatal(err)
	}
	if feeds.EmergencyHalt() {
		t.Fatal("halt must clear when the file is removed")
	}
	// Clearing twice is fine.
	if err := feeds.SetEmergencyHalt(false); err != nil {
		t.Fatal(err)
	}
}
