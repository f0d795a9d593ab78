package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamClient is an open websocket run stream.
type StreamClient struct {
	ID          string
	Conn        *websocket.Conn
	SessionID   string
	IPAddress   string
	ConnectedAt time.Time
}

// StreamInfo describes a StreamClient without its connection.
type StreamInfo struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id,omitempty"`
	IPAddress   string    `json:"ip_address"`
	ConnectedAt time.Time `json:"connected_at"`
}

// StreamRegistry tracks open run streams so shutdown can close them.
type StreamRegistry struct {
	mu      sync.RWMutex
	clients map[string]*StreamClient
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{
		clients: make(map[string]*StreamClient),
	}
}

// Add registers a client.
func (r *StreamRegistry) Add(client *StreamClient) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[client.ID] = client
}

// Remove forgets a client.
func (r *StreamRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, clientID)
}

// SetSession records which session a stream is running.
func (r *StreamRegistry) SetSession(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[clientID]; ok {
		client.SessionID = sessionID
	}
}

// Count returns the number of open streams.
func (r *StreamRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// List returns the open streams ordered by connection time.
func (r *StreamRegistry) List() []StreamInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]StreamInfo, 0, len(r.clients))
	for _, client := range r.clients {
		infos = append(infos, StreamInfo{
			ID:          client.ID,
			SessionID:   client.SessionID,
			IPAddress:   client.IPAddress,
			ConnectedAt: client.ConnectedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}

// CloseAll sends a going-away close frame to every stream and closes it.
func (r *StreamRegistry) CloseAll(reason string) int {
	r.mu.Lock()
	clients := make([]*StreamClient, 0, len(r.clients))
	for id, client := range r.clients {
		clients = append(clients, client)
		delete(r.clients, id)
	}
	r.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for _, client := range clients {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
		_ = client.Conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = client.Conn.Close()
	}
	return len(clients)
}
