package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nooterra/substrate/internal/events"
	"github.com/nooterra/substrate/internal/middleware"
)

// Tail streams bus notifications to websocket clients. Each client sees only
// its own tenant's events.
type Tail struct {
	bus      *events.Bus
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]chan struct{}
}

func NewTail(bus *events.Bus, logger *log.Logger) *Tail {
	if logger == nil {
		logger = log.Default()
	}
	return &Tail{
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]chan struct{}),
	}
}

// Handle upgrades GET /ops/streams/tail and pumps matching events until the
// client disconnects or the server shuts down.
func (t *Tail) Handle(w http.ResponseWriter, r *http.Request) {
	if t.bus == nil {
		http.Error(w, "event bus disabled", http.StatusServiceUnavailable)
		return
	}
	tenantID := middleware.TenantID(r.Context())
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Printf("[Tail] upgrade failed: %v", err)
		return
	}

	stop := make(chan struct{})
	t.mu.Lock()
	t.conns[conn] = stop
	t.mu.Unlock()
	t.logger.Printf("[Tail] client connected tenant=%s", tenantID)

	sub := t.bus.Subscribe()
	defer func() {
		t.bus.Unsubscribe(sub)
		t.drop(conn)
	}()

	// Read pump: only used to detect close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				t.drop(conn)
				return
			}
		}
	}()

	for {
		select {
		case <-stop:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.TenantID != tenantID {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func (t *Tail) drop(conn *websocket.Conn) {
	t.mu.Lock()
	if stop, ok := t.conns[conn]; ok {
		delete(t.conns, conn)
		close(stop)
		_ = conn.Close()
	}
	t.mu.Unlock()
}

// Close disconnects every client.
func (t *Tail) Close() {
	t.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		t.drop(c)
	}
}
