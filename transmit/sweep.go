/*
sweep.go - Authoritative transmission sweep

PURPOSE:
  Periodically re-derives the set of obligations with pending entries from
  persisted state and transmits them. A lost queue, a crashed worker or a
  dropped enqueue delays delivery; this sweep guarantees it still happens.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Skips the whole pass while the incident/maintenance flag is raised
    (ingestion keeps running, only outbound transmission pauses)
  - Obligations within one pass are independent and transmitted in
    parallel, bounded by Parallelism
*/
package transmit

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/warp/obligation-engine/engine"
)

// IncidentFlag gates the scheduled sweep. When raised, no pass runs.
type IncidentFlag interface {
	Raised(ctx context.Context) (bool, error)
}

// Sweep is the scheduled transmission pass.
type Sweep struct {
	Store       Store
	Transmitter *Transmitter
	Flags       IncidentFlag
	Interval    time.Duration
	Parallelism int

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSweep(store Store, transmitter *Transmitter, flags IncidentFlag) *Sweep {
	return &Sweep{
		Store:       store,
		Transmitter: transmitter,
		Flags:       flags,
		Interval:    15 * time.Minute,
		Parallelism: 4,
		stop:        make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *Sweep) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)
	go s.run()
	log.Printf("[Sweep] Started with interval: %v", s.Interval)
}

// Stop halts the loop and waits for an in-flight pass.
func (s *Sweep) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		log.Println("[Sweep] Stopped")
	}
}

func (s *Sweep) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.RunOnce(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.RunOnce(context.Background())
		case <-s.stop:
			return
		}
	}
}

// RunOnce executes a single pass. Exported for the admin trigger and tests.
func (s *Sweep) RunOnce(ctx context.Context) {
	raised, err := s.Flags.Raised(ctx)
	if err != nil {
		log.Printf("[Sweep] Error reading incident flag: %v", err)
		return
	}
	if raised {
		log.Println("[Sweep] Incident flag raised, skipping pass")
		return
	}

	ids, err := s.Store.PendingObligations(ctx)
	if err != nil {
		log.Printf("[Sweep] Error deriving pending set: %v", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	var (
		mu          sync.Mutex
		transmitted int
		failed      int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism())
	for _, id := range ids {
		id := id
		g.Go(func() error {
			sent, err := s.Transmitter.TransmitObligation(gctx, id, nil, engine.ChannelBatch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Failures stay pending; never abort the whole pass.
				failed++
				log.Printf("[Sweep] transmission for %s failed: %v", id, err)
				return nil
			}
			transmitted += sent
			return nil
		})
	}
	g.Wait()

	log.Printf("[Sweep] Completed: %d obligations, %d entries transmitted, %d failed", len(ids), transmitted, failed)
}

func (s *Sweep) parallelism() int {
	if s.Parallelism <= 0 {
		return 4
	}
	return s.Parallelism
}
