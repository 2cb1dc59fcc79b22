package audit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Writer retries audit writes in the background. The controller writes the
// trail synchronously; when that fails it parks the request and hands the
// record here, and Writer keeps trying until the store accepts it or the
// retries run out. The outcome callback lets the controller move the request
// out of its re-audit state.
type Writer struct {
	store   Store
	ch      chan job
	done    chan struct{}
	wg      sync.WaitGroup
	outcome func(requestID string, err error)
}

type job struct {
	rec     *Record
	resolve bool
}

// NewWriter builds a Writer with the given buffer. outcome may be nil.
func NewWriter(store Store, bufferSize int, outcome func(requestID string, err error)) *Writer {
	if bufferSize < 1 {
		bufferSize = 1024
	}
	if outcome == nil {
		outcome = func(string, error) {}
	}
	return &Writer{
		store:   store,
		ch:      make(chan job, bufferSize),
		done:    make(chan struct{}),
		outcome: outcome,
	}
}

func (w *Writer) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Enqueue schedules a failed Append for retry. Returns false when the buffer
// is full; the record then stays visible only through the controller's
// re-audit state.
func (w *Writer) Enqueue(rec *Record) bool {
	return w.enqueue(job{rec: rec})
}

// EnqueueResolve schedules a failed Resolve for retry.
func (w *Writer) EnqueueResolve(rec *Record) bool {
	return w.enqueue(job{rec: rec, resolve: true})
}

func (w *Writer) enqueue(j job) bool {
	select {
	case w.ch <- j:
		return true
	default:
		log.Warn().Str("request_id", j.rec.RequestID).Msg("audit retry buffer full, dropping record")
		return false
	}
}

// Flush stops the loop and drains pending jobs, waiting up to timeout.
func (w *Writer) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *Writer) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case j := <-w.ch:
			w.writeWithRetry(j)
		case <-w.done:
			for {
				select {
				case j := <-w.ch:
					w.writeWithRetry(j)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) writeWithRetry(j job) {
	const maxRetries = 3

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if j.resolve {
			err = w.store.Resolve(ctx, j.rec.RequestID, j.rec)
		} else {
			err = w.store.Append(ctx, j.rec)
		}
		cancel()

		if err == nil {
			w.outcome(j.rec.RequestID, nil)
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("request_id", j.rec.RequestID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		}
	}

	log.Error().
		Err(err).
		Str("request_id", j.rec.RequestID).
		Msg("audit write failed permanently after retries")
	w.outcome(j.rec.RequestID, err)
}
