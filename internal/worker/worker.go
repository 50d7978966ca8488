package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/wispworks/wisp/internal/bus"
	"github.com/wispworks/wisp/internal/inbox"
)

// Handler processes one normalized event end to end.
type Handler interface {
	Handle(ctx context.Context, ev bus.ChatEvent) error
}

// Worker drains the inbox. Records for the same thread are processed
// strictly in sequence order; distinct threads run concurrently up to the
// configured bound. A record that keeps failing is poisoned by the inbox
// after maxRetries and surfaces in status output instead of looping.
type Worker struct {
	inbox      *inbox.Inbox
	handler    Handler
	poll       time.Duration
	maxRetries int

	sem      chan struct{}
	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

func New(ib *inbox.Inbox, handler Handler, poll time.Duration, maxRetries, concurrency int) *Worker {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Worker{
		inbox:      ib,
		handler:    handler,
		poll:       poll,
		maxRetries: maxRetries,
		sem:        make(chan struct{}, concurrency),
		inflight:   make(map[string]bool),
	}
}

// Run polls until the context is canceled, then waits for in-flight
// threads to settle.
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("[worker] polling inbox every %s", w.poll)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return nil
		case <-ticker.C:
			w.dispatch(ctx)
		}
	}
}

// dispatch groups pending records by thread and hands each idle thread's
// batch to a goroutine. Threads already in flight are skipped this tick so
// per-thread FIFO is never violated.
func (w *Worker) dispatch(ctx context.Context) {
	pending, err := w.inbox.Pending(0)
	if err != nil {
		log.Printf("[worker] read inbox error: %v", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	order := make([]string, 0)
	byThread := make(map[string][]inbox.Record)
	for _, rec := range pending {
		key := rec.Event.ThreadKey()
		if _, ok := byThread[key]; !ok {
			order = append(order, key)
		}
		byThread[key] = append(byThread[key], rec)
	}

	for _, key := range order {
		w.mu.Lock()
		if w.inflight[key] {
			w.mu.Unlock()
			continue
		}
		w.inflight[key] = true
		w.mu.Unlock()

		recs := byThread[key]
		w.wg.Add(1)
		go func(key string, recs []inbox.Record) {
			defer w.wg.Done()
			defer func() {
				w.mu.Lock()
				delete(w.inflight, key)
				w.mu.Unlock()
			}()

			select {
			case w.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-w.sem }()

			w.runThread(ctx, key, recs)
		}(key, recs)
	}
}

// runThread processes one thread's records in order. The first failure
// stops the batch: later events in the thread must wait for the failed one
// to be retried or poisoned, preserving receipt order.
func (w *Worker) runThread(ctx context.Context, key string, recs []inbox.Record) {
	for _, rec := range recs {
		if err := w.handler.Handle(ctx, rec.Event); err != nil {
			log.Printf("[worker] record %d (%s) failed: %v", rec.Seq, key, err)
			if markErr := w.inbox.MarkAttempt(rec.Seq, w.maxRetries, err); markErr != nil {
				log.Printf("[worker] mark attempt %d error: %v", rec.Seq, markErr)
			}
			return
		}
		if err := w.inbox.Ack(rec.Seq); err != nil {
			log.Printf("[worker] ack %d error: %v", rec.Seq, err)
			return
		}
	}
}

// DrainOnce processes everything currently pending, synchronously, in
// sequence order per thread. Used by the one-shot drain command and tests.
func (w *Worker) DrainOnce(ctx context.Context) (handled int, err error) {
	pending, err := w.inbox.Pending(0)
	if err != nil {
		return 0, err
	}

	skip := make(map[string]bool)
	for _, rec := range pending {
		key := rec.Event.ThreadKey()
		if skip[key] {
			continue
		}
		if herr := w.handler.Handle(ctx, rec.Event); herr != nil {
			log.Printf("[worker] record %d (%s) failed: %v", rec.Seq, key, herr)
			if markErr := w.inbox.MarkAttempt(rec.Seq, w.maxRetries, herr); markErr != nil {
				log.Printf("[worker] mark attempt %d error: %v", rec.Seq, markErr)
			}
			skip[key] = true
			continue
		}
		if aerr := w.inbox.Ack(rec.Seq); aerr != nil {
			return handled, aerr
		}
		handled++
	}
	return handled, nil
}
