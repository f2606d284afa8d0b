package scenario

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler ticks every enabled scenario on a fixed interval, running them in
// parallel. A scenario that overruns the interval skips overlapping runs via
// the runtime's own mutex; the scheduler never queues ticks.
type Scheduler struct {
	runtimes []*Runtime
	interval time.Duration
	logger   zerolog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewScheduler(runtimes []*Runtime, interval time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		runtimes: runtimes,
		interval: interval,
		logger:   logger.With().Str("component", "Scheduler").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start launches the tick loop. The first round runs immediately.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info().
			Int("scenarios", len(s.runtimes)).
			Dur("interval", s.interval).
			Msg("Scheduler started")

		s.RunOnce(time.Now())
		for {
			select {
			case <-s.stopChan:
				return
			case now := <-ticker.C:
				s.RunOnce(now)
			}
		}
	}()
}

// RunOnce ticks every scenario in parallel and waits for all of them.
func (s *Scheduler) RunOnce(now time.Time) {
	var wg sync.WaitGroup
	for _, rt := range s.runtimes {
		wg.Add(1)
		go func(rt *Runtime) {
			defer wg.Done()
			if err := rt.RunTick(now); err != nil {
				s.logger.Error().Err(err).Str("scenario", rt.ID()).Msg("Tick failed")
			}
		}(rt)
	}
	wg.Wait()
}

// Stop halts the loop and waits for the in-flight round to finish.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}
