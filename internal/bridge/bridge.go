// Package bridge exposes the controller's event stream to local UIs over a
// websocket endpoint. The bridge is one-way: clients receive the JSON event
// feed; anything they send is discarded.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workoutmachineappfree/workoutmachineappfree.github.io/internal/session"
)

// Bridge fans session events out to connected websocket clients.
type Bridge struct {
	addr     string
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// New creates a bridge that will listen on addr.
func New(addr string) *Bridge {
	return &Bridge{
		addr: addr,
		upgrader: websocket.Upgrader{
			// Local-only tool; the dashboard is served from file:// or a
			// dev server, so origin checks only get in the way.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

// Handler returns the bridge's HTTP handler, with the event feed at /ws.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	return mux
}

// Run serves the websocket endpoint and forwards events until ctx is
// canceled or the event channel closes.
func (b *Bridge) Run(ctx context.Context, events <-chan session.Event) error {
	server := &http.Server{Addr: b.addr, Handler: b.Handler()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[BRIDGE] listening", "addr", b.addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := server.Shutdown(shutdownCtx)
			b.closeClients()
			slog.Info("[BRIDGE] shut down")
			return err
		case err := <-errCh:
			return err
		case ev, ok := <-events:
			if !ok {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				err := server.Shutdown(shutdownCtx)
				b.closeClients()
				return err
			}
			b.Broadcast(ev)
		}
	}
}

// Broadcast sends one event to every connected client. Clients whose write
// fails are dropped.
func (b *Bridge) Broadcast(ev session.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		slog.Error("[BRIDGE] marshaling event", "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		if err := client.WriteMessage(websocket.TextMessage, msg); err != nil {
			client.Close()
			delete(b.clients, client)
			slog.Info("[BRIDGE] client dropped", "remote", client.RemoteAddr())
		}
	}
}

// ClientCount returns the number of connected clients.
func (b *Bridge) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[BRIDGE] websocket upgrade failed", "error", err)
		return
	}

	b.mu.Lock()
	b.clients[conn] = true
	b.mu.Unlock()
	slog.Info("[BRIDGE] client connected", "remote", conn.RemoteAddr())

	defer func() {
		b.mu.Lock()
		delete(b.clients, conn)
		b.mu.Unlock()
		conn.Close()
		slog.Info("[BRIDGE] client disconnected", "remote", conn.RemoteAddr())
	}()

	// Read loop exists only to notice the close; inbound messages are
	// ignored.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Bridge) closeClients() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		client.Close()
		delete(b.clients, client)
	}
}
