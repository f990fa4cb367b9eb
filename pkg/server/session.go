package server

import (
	"sync"

	"github.com/samber/lo"
)

// ConnectionManager tracks every admitted connection on this node
type ConnectionManager struct {
	connections map[string]*Connection
	mu          sync.RWMutex
	metrics     *Metrics
}

// NewConnectionManager creates an empty connection manager
func NewConnectionManager(metrics *Metrics) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*Connection),
		metrics:     metrics,
	}
}

// Add registers an admitted connection
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.connections[c.ID()] = c
	count := len(cm.connections)
	cm.mu.Unlock()

	cm.metrics.RecordActiveConnections(count)
}

// Remove forgets a connection. Removing an unknown id is a no-op.
func (cm *ConnectionManager) Remove(id string) {
	cm.mu.Lock()
	delete(cm.connections, id)
	count := len(cm.connections)
	cm.mu.Unlock()

	cm.metrics.RecordActiveConnections(count)
}

// Count returns the number of live connections
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return len(cm.connections)
}

// CloseAll sends a close frame with code to every connection. Each
// connection's own goroutine then runs its cleanup.
func (cm *ConnectionManager) CloseAll(code int, reason string) int {
	cm.mu.RLock()
	connections := lo.Values(cm.connections)
	cm.mu.RUnlock()

	for _, c := range connections {
		c.CloseWithCode(code, reason)
	}
	return len(connections)
}
