package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"evolution-gate/internal/gate"
)

// Feed fans the controller's decision events out to any number of SSE
// clients. Slow clients drop events rather than stall the feed.
type Feed struct {
	mu   sync.Mutex
	subs map[chan gate.Event]struct{}
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[chan gate.Event]struct{})}
}

// Run consumes the controller's event channel until it closes. Call in its
// own goroutine.
func (f *Feed) Run(events <-chan gate.Event) {
	for ev := range events {
		f.mu.Lock()
		for ch := range f.subs {
			select {
			case ch <- ev:
			default:
			}
		}
		f.mu.Unlock()
	}

	f.mu.Lock()
	for ch := range f.subs {
		close(ch)
		delete(f.subs, ch)
	}
	f.mu.Unlock()
}

func (f *Feed) subscribe() chan gate.Event {
	ch := make(chan gate.Event, 64)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *Feed) unsubscribe(ch chan gate.Event) {
	f.mu.Lock()
	if _, ok := f.subs[ch]; ok {
		delete(f.subs, ch)
		close(ch)
	}
	f.mu.Unlock()
}

// ServeHTTP streams events to one client until it disconnects.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming not supported","code":"STREAMING_UNSUPPORTED"}`,
			http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch := f.subscribe()
	defer f.unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Error().Err(err).Msg("failed to encode event")
				continue
			}
			fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
