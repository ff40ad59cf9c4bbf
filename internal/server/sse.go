package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/avolkov/drafthorse/internal/store"
)

// Broadcaster fans live progress events out to the SSE clients of one build.
// Replay of earlier events comes from the store's durable feed, not from
// here; the broadcaster only carries events emitted while the build executes
// in this process.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[uint64]chan map[string]any
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed on Close(), not on slow-client drops
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan map[string]any),
		doneCh:  make(chan struct{}),
	}
}

// Send delivers one event to every subscriber. Slow clients are dropped
// rather than allowed to block the executor.
func (b *Broadcaster) Send(ev map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe returns an events channel, a done channel, and an unsubscribe
// function. The done channel closes only when the build finishes, not when a
// slow client is dropped, so callers can distinguish the two.
func (b *Broadcaster) Subscribe() (<-chan map[string]any, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan map[string]any, 256)
	id := b.nextID
	b.nextID++

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close signals that no more events will be sent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// WriteSSE streams a build's event feed as Server-Sent Events: first the
// persisted history, then live events from an already-taken subscription.
// The caller subscribes before loading history; events present in both are
// suppressed here by sequence number, so each event reaches the client
// exactly once. A nil live channel (build not executing in this process)
// ends the stream after the history with a done marker.
func WriteSSE(w http.ResponseWriter, r *http.Request, history []map[string]any, live <-chan map[string]any, doneCh <-chan struct{}) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)

	lastSeq := 0
	for _, ev := range history {
		writeSSEEvent(w, ev)
		if n, ok := store.EventSeq(ev); ok && n > lastSeq {
			lastSeq = n
		}
	}
	flusher.Flush()

	if live == nil {
		fmt.Fprintf(w, "event: done\ndata: {}\n\n")
		flusher.Flush()
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-live:
			if !ok {
				// Channel closed: emit "done" only if the build actually
				// finished, not when this client was dropped for slowness.
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
				}
				return
			}
			if n, ok := store.EventSeq(ev); ok && n <= lastSeq {
				continue // already replayed from history
			}
			writeSSEEvent(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev map[string]any) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
