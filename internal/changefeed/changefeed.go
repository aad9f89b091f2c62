// Package changefeed fans emitted fragments out to a NATS subject and a
// websocket tail endpoint (A7 in SPEC_FULL.md) — optional operational
// visibility into the otherwise opaque append-only log stream. None of this
// is on the storage or retrieval contract's critical path.
package changefeed

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/logcario/logcar/internal/store"
	"github.com/logcario/logcar/pkg/natsutil"
)

// NATSSink publishes every emitted fragment to subjectPrefix+".<rid>" and
// implements store.FragmentSink.
type NATSSink struct {
	nc            *nats.Conn
	subjectPrefix string
}

// NewNATSSink connects a fragment sink to an already-dialed NATS
// connection.
func NewNATSSink(nc *nats.Conn, subjectPrefix string) *NATSSink {
	if subjectPrefix == "" {
		subjectPrefix = "logcar.fragments"
	}
	return &NATSSink{nc: nc, subjectPrefix: subjectPrefix}
}

// Publish implements store.FragmentSink.
func (s *NATSSink) Publish(ctx context.Context, f store.Fragment) error {
	return natsutil.Publish(ctx, s.nc, s.subjectPrefix+"."+f.RID, f)
}

// Hub fans fragments out to any number of live websocket connections for
// the /v1/watch tail endpoint. It also implements store.FragmentSink, so it
// can be composed with (or stand in for) a NATSSink in the emitter's sink
// list.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan store.Fragment
}

// NewHub creates an empty websocket tail hub.
func NewHub(corsOrigin string) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return corsOrigin == "*" || r.Header.Get("Origin") == corsOrigin },
		},
		clients: make(map[*websocket.Conn]chan store.Fragment),
	}
}

// Publish implements store.FragmentSink, broadcasting to every connected
// watcher. A slow reader is dropped rather than allowed to block emission.
func (h *Hub) Publish(ctx context.Context, f store.Fragment) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- f:
		default:
			delete(h.clients, conn)
			close(ch)
			conn.Close()
		}
	}
	return nil
}

// ServeHTTP upgrades the request to a websocket and streams fragments to it
// until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ch := make(chan store.Fragment, 64)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[conn]; ok {
			delete(h.clients, conn)
			close(ch)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	for f := range ch {
		if err := conn.WriteJSON(f); err != nil {
			return
		}
	}
}
