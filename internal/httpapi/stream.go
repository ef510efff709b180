package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamEvent is pushed to subscribers of an agreement's status stream.
type StreamEvent struct {
	AgreementDN string `json:"agreement_dn"`
	State       string `json:"state"`
	Message     string `json:"message"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamHub fans out StreamEvents to subscribed websocket connections, one
// subscriber list per agreement DN.
type streamHub struct {
	mu          sync.Mutex
	subscribers map[string]map[*websocket.Conn]struct{}
}

func newStreamHub() *streamHub {
	return &streamHub{subscribers: make(map[string]map[*websocket.Conn]struct{})}
}

func (h *streamHub) subscribe(dn string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[dn] == nil {
		h.subscribers[dn] = make(map[*websocket.Conn]struct{})
	}
	h.subscribers[dn][conn] = struct{}{}
}

func (h *streamHub) unsubscribe(dn string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers[dn], conn)
	if len(h.subscribers[dn]) == 0 {
		delete(h.subscribers, dn)
	}
}

func (h *streamHub) broadcast(dn string, event StreamEvent) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.subscribers[dn]))
	for c := range h.subscribers[dn] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.WriteJSON(event); err != nil {
			h.unsubscribe(dn, c)
			c.Close()
		}
	}
}

// handleStream upgrades to a websocket and pushes StreamEvents for this
// agreement's DN until the client disconnects. Read-only: any inbound
// message is discarded and only used to detect a closed connection.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookup(w, r)
	if !ok {
		return
	}
	dn := a.Identity().DN

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("httpapi: websocket upgrade failed", "error", err)
		return
	}
	s.hub.subscribe(dn, conn)
	defer func() {
		s.hub.unsubscribe(dn, conn)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
