package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one authenticated WebSocket client. Connections are keyed by
// user id: a user has at most one live connection per cluster, enforced at
// registration time.
type Connection struct {
	UserID     string
	Conn       net.Conn
	Fd         int   // file descriptor for epoll lookups
	Epoch      int64 // cluster-wide connection generation, newest wins
	RemoteIP   string
	CreatedAt  time.Time
	LastPing   time.Time  // last activity observed from the client
	writeMu    sync.Mutex // serializes outbound frames
	processing int32      // atomic flag: 1 while a read worker owns the conn
}

// WriteMessage sends a text frame. Safe for concurrent use.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a goroutine-safe registry mapping user ids and file
// descriptors to connections.
type ConnectionManager struct {
	mu     sync.RWMutex
	byUser map[string]*Connection
	byFd   map[int]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byUser: make(map[string]*Connection),
		byFd:   make(map[int]*Connection),
	}
}

// Add registers a connection. If the user already had one, the old
// connection is closed and returned so the caller can clean up its
// registrations; otherwise nil.
func (cm *ConnectionManager) Add(conn *Connection) *Connection {
	cm.mu.Lock()
	old := cm.byUser[conn.UserID]
	if old != nil {
		delete(cm.byFd, old.Fd)
	}
	cm.byUser[conn.UserID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return old
}

// Remove deregisters the given connection and closes it. Returns false when
// the registry holds a different (newer) connection for the same user, or
// none at all; the caller must skip user-level cleanup in that case.
func (cm *ConnectionManager) Remove(conn *Connection) bool {
	cm.mu.Lock()
	current, ok := cm.byUser[conn.UserID]
	if ok && current == conn {
		delete(cm.byUser, conn.UserID)
		delete(cm.byFd, conn.Fd)
	} else {
		ok = false
	}
	cm.mu.Unlock()

	conn.Close()
	return ok
}

// Get returns the user's connection, or nil.
func (cm *ConnectionManager) Get(userID string) *Connection {
	cm.mu.RLock()
	conn := cm.byUser[userID]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for a file descriptor, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn resolves a net.Conn back to its Connection via the fd.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	return cm.GetByFd(socketFD(c))
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byUser)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byUser))
	for _, conn := range cm.byUser {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
