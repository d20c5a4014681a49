package realtime

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Hub tracks live connections so shutdown can reach them; hijacked
// connections are invisible to http.Server.Shutdown.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client
	closed  bool

	gauge prometheus.Gauge
}

// NewHub registers gabriel_ws_connections on reg (nil skips registration).
func NewHub(reg prometheus.Registerer) *Hub {
	h := &Hub{
		clients: make(map[string]*Client),
		gauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gabriel_ws_connections",
			Help: "Open chat WebSocket connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.gauge)
	}
	return h
}

// Add registers c. It returns false once CloseAll has run.
func (h *Hub) Add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.ConnID] = c
	h.gauge.Set(float64(len(h.clients)))
	return true
}

// Remove forgets c.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ConnID)
	h.gauge.Set(float64(len(h.clients)))
	h.mu.Unlock()
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll stops every connection and rejects new ones.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}
