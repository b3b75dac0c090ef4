package transmit

import (
	"context"
	"log"
	"sync"

	"github.com/warp/obligation-engine/engine"
)

// =============================================================================
// WORKER - Drains the in-memory queue
// =============================================================================

// Worker transmits obligations as ingestion enqueues them, so a freshly
// billed entry usually reaches the authority within seconds instead of
// waiting for the next sweep.
type Worker struct {
	Queue       *Queue
	Transmitter *Transmitter

	stop chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
}

func NewWorker(queue *Queue, transmitter *Transmitter) *Worker {
	return &Worker{
		Queue:       queue,
		Transmitter: transmitter,
		stop:        make(chan struct{}),
	}
}

// Start begins draining the queue.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.wg.Add(1)
	go w.run()
	log.Println("[Worker] Started")
}

// Stop drains nothing further and waits for the in-flight transmission.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	close(w.stop)
	w.wg.Wait()
	log.Println("[Worker] Stopped")
}

func (w *Worker) run() {
	defer w.wg.Done()

	for {
		select {
		case id := <-w.Queue.C():
			w.transmit(id)
		case <-w.stop:
			return
		}
	}
}

func (w *Worker) transmit(id engine.ObligationID) {
	ctx := context.Background()
	sent, err := w.Transmitter.TransmitObligation(ctx, id, nil, engine.ChannelBatch)
	if err != nil {
		// Not terminal: the entries stay pending and the sweep retries them.
		log.Printf("[Worker] transmission for %s failed: %v", id, err)
		return
	}
	if sent > 0 {
		log.Printf("[Worker] transmitted %d entries for %s", sent, id)
	}
}
