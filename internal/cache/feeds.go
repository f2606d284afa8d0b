package cache

import (
	"os"
	"path/filepath"
	"time"
)

// Default freshness windows for the external feed files.
const (
	SentimentTTL = 30 * time.Minute
	OnchainTTL   = 2 * time.Hour
	PairlistTTL  = 6 * time.Hour
)

// SentimentData is what the sentiment feed process writes.
type SentimentData struct {
	FearGreed        int     `json:"fearGreed"`
	FearGreedDelta   float64 `json:"fearGreedDelta"`
	FearGreedAlert   bool    `json:"fearGreedAlert"`
	KeywordScore     int     `json:"keywordScore"`
	ImportantNews    int     `json:"importantNews"`
	BearishSentiment bool    `json:"bearishSentiment"`
}

// OnchainData carries the on-chain metrics feed.
type OnchainData struct {
	FundingRates       map[string]float64 `json:"fundingRates"`
	BtcDominance       float64            `json:"btcDominance"`
	BtcDominanceChange float64            `json:"btcDominanceChange"`
}

// Feeds bundles the well-known state files under one data directory.
type Feeds struct {
	Sentiment *TTLFile[SentimentData]
	Onchain   *TTLFile[OnchainData]
	Pairlist  *TTLFile[[]string]

	haltPath string
}

func NewFeeds(dataDir string) *Feeds {
	return &Feeds{
		Sentiment: NewTTLFile[SentimentData](filepath.Join(dataDir, "sentiment-cache.json"), SentimentTTL),
		Onchain:   NewTTLFile[OnchainData](filepath.Join(dataDir, "onchain-cache.json"), OnchainTTL),
		Pairlist:  NewTTLFile[[]string](filepath.Join(dataDir, "current-pairlist.json"), PairlistTTL),
		haltPath:  filepath.Join(dataDir, "emergency-halt.json"),
	}
}

// EmergencyHalt reports whether the halt file exists. The file's presence is
// the flag; its contents are ignored so an operator can create it with touch.
func (f *Feeds) EmergencyHalt() bool {
	_, err := os.Stat(f.haltPath)
	return err == nil
}

// SetEmergencyHalt creates or removes the halt file.
func (f *Feeds) SetEmergencyHalt(on bool) error {
	if on {
		return os.WriteFile(f.haltPath, []byte("{}\n"), 0644)
	}
	err := os.Remove(f.haltPath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
