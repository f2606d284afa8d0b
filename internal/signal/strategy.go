package signal

import (
	"sync"

	"scenario-trading-bot/internal/account"
	"scenario-trading-bot/internal/exit"
	"scenario-trading-bot/internal/indicator"
)

// Strategy is an optional hook bundle layered over the rule pipeline. Every
// field is optional; a nil hook means the default pipeline behavior.
type Strategy struct {
	ID string

	// PopulateSignal replaces rule evaluation entirely when set. Returning
	// nil or TypeNone means no signal this tick.
	PopulateSignal func(symbol string, snap *indicator.Snapshot, positionSide string) *Signal

	// CustomStoploss proposes a stop price each tick; the exit engine clamps
	// it to the hard floor and ignores loosening moves.
	CustomStoploss exit.CustomStopFunc

	// ConfirmExit can veto a pending engine exit. Stop-loss decisions are
	// never sent through it.
	ConfirmExit func(pos *account.Position, decision exit.Decision) bool

	// ShouldExit forces an exit the engine would not take, returning the
	// reason to record.
	ShouldExit func(pos *account.Position, snap *indicator.Snapshot) (string, bool)

	// AdjustPosition scales the computed entry ratio one last time.
	AdjustPosition func(symbol string, snap *indicator.Snapshot, ratio float64) float64

	OnTradeClosed func(trade *account.Trade)
}

// Registry holds named strategies; scenarios reference them by id.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]*Strategy
}

func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]*Strategy)}
}

func (r *Registry) Register(s *Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.ID] = s
}

// Get returns the strategy for id, or nil when unknown. Scenarios without a
// strategy run the plain rule pipeline.
func (r *Registry) Get(id string) *Strategy {
	if id == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategies[id]
}
