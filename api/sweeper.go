/*
sweeper.go - Background session expiry

PURPOSE:
  Periodically moves sessions still Initialized or Pending past their
  ExpiresAt into Expired. The sweep is a standalone background task,
  not tied to any request's lifetime; lazy expiry on the read/settle
  paths covers the window between ticks.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Each tick expires up to a bounded batch of sessions
  - A session that loses the CAS race to a webhook is simply skipped:
    whoever won already moved it to a terminal state

USAGE:
  sweeper := NewExpirySweeper(sessions)
  sweeper.Start()
  // ... later
  sweeper.Stop()
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/meridian/credit-engine/payment"
)

// ExpirySweeper expires overdue sessions on a timer.
type ExpirySweeper struct {
	Sessions      *payment.Manager
	CheckInterval time.Duration
	BatchSize     int

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpirySweeper creates a sweeper with a 1 minute interval.
func NewExpirySweeper(sessions *payment.Manager) *ExpirySweeper {
	return &ExpirySweeper{
		Sessions:      sessions,
		CheckInterval: time.Minute,
		BatchSize:     500,
		stop:          make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *ExpirySweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)
	go s.run()

	log.Printf("[Sweeper] Started with check interval: %v", s.CheckInterval)
}

// Stop stops the sweep loop.
func (s *ExpirySweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		log.Println("[Sweeper] Stopped")
	}
}

func (s *ExpirySweeper) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.sweep()

	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *ExpirySweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	expired, err := s.Sessions.ExpireDue(ctx, s.BatchSize)
	if err != nil {
		log.Printf("[Sweeper] Error expiring sessions: %v", err)
		return
	}
	if expired > 0 {
		CountExpired(expired)
		log.Printf("[Sweeper] Expired %d sessions", expired)
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (s *ExpirySweeper) RunNow() {
	s.sweep()
}
