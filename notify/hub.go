package notify

import (
	"encoding/json"
	"sync"

	"github.com/bariiss/hls-offline/model"
	log "github.com/sirupsen/logrus"
)

// Hub tracks connected page contexts.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	total := len(h.clients)
	h.mu.Unlock()
	log.WithFields(log.Fields{"client": client.ID, "clients": total}).Debug("page context connected")
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client.ID]
	delete(h.clients, client.ID)
	total := len(h.clients)
	h.mu.Unlock()
	if ok {
		client.close()
		log.WithFields(log.Fields{"client": client.ID, "clients": total}).Debug("page context disconnected")
	}
}

// Broadcast posts the event to every client. A client whose send buffer is
// full is dropped.
func (h *Hub) Broadcast(event model.ProgressEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Errorf("encode progress event: %v", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for _, client := range h.clients {
		if !client.Send(data) {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		log.WithField("client", client.ID).Warn("client send buffer full, closing connection")
		h.Unregister(client)
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()
	for _, client := range clients {
		client.close()
	}
}
