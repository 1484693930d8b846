// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP requests, maintaining the per-user connection registry, and
// dispatching incoming frames to the application handlers.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/ShaulKabla/Chat/internal/auth"
	"github.com/ShaulKabla/Chat/internal/metrics"
	"github.com/ShaulKabla/Chat/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// authenticates the upgrade request before accepting the connection,
// registers accepted connections with an epoll instance for read readiness,
// and dispatches ready connections to a bounded worker pool.
type Server struct {
	config   ServerConfig
	epoll    *Epoll
	conns    *ConnectionManager
	resolver *auth.Resolver
	limiter  *ratelimit.Limiter

	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(userID string, conn *Connection)
	onDisconnect func(userID string, conn *Connection)

	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server. The onMessage callback runs on a worker
// goroutine whenever a complete text frame arrives from a client.
func NewServer(config ServerConfig, resolver *auth.Resolver, limiter *ratelimit.Limiter, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		resolver:   resolver,
		limiter:    limiter,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked after a connection is accepted
// and registered, with the authenticated user id.
func (s *Server) SetOnConnect(fn func(userID string, conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked after a connection is removed
// (read error, heartbeat timeout, or graceful close). The departing
// connection is passed so the callback can decide whether it was the user's
// newest one before tearing down shared state.
func (s *Server) SetOnDisconnect(fn func(userID string, conn *Connection)) {
	s.onDisconnect = fn
}

// Start initializes the epoll instance, configures the HTTP server, and
// begins accepting connections. Blocks on ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("[ws] server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request and upgrades it to a WebSocket
// connection. Refusals happen before the upgrade, as plain HTTP responses
// with a typed reason, so clients can distinguish a bad credential from a
// flaky network.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if s.limiter != nil {
		allowed, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleUpgrade)
		if !allowed {
			metrics.RateLimitedTotal.WithLabelValues(ratelimit.RuleUpgrade.Scope).Inc()
			writeRefusal(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
	}

	userID, err := s.resolver.Resolve(r.Context(), bearerToken(r))
	if err != nil {
		reason := auth.Reason(err)
		metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
		log.Printf("[ws] refused connection ip=%s reason=%s", ip, reason)
		writeRefusal(w, http.StatusUnauthorized, reason)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[ws] upgrade failed ip=%s: %v", ip, err)
		return
	}

	c := &Connection{
		UserID:    userID,
		Conn:      conn,
		Fd:        socketFD(conn),
		RemoteIP:  ip,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	if old := s.conns.Add(c); old != nil {
		_ = s.epoll.Remove(old.Conn)
		log.Printf("[ws] replaced connection user=%s", userID)
	}
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("[ws] epoll add failed user=%s: %v", userID, err)
		s.conns.Remove(c)
		return
	}

	metrics.ConnectionsTotal.Inc()
	metrics.ActiveConnections.Set(float64(s.conns.Count()))

	if s.onConnect != nil {
		s.onConnect(userID, c)
	}

	log.Printf("[ws] new connection user=%s fd=%d (total=%d)", userID, c.Fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, for load
// balancer health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop, dispatching each ready
// connection to a worker goroutine bounded by the pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("[ws] epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so control frames are handled without blocking on a data
// frame that may never arrive. Read failures remove the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll
		// dispatch); the heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from epoll and the registry, and
// closes the socket. Exported so the heartbeat monitor can evict dead
// connections. The disconnect callback fires only for the connection that
// currently owns the user entry, so a reconnect racing an eviction never
// tears down the fresh connection's state.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c) {
		return
	}

	metrics.ActiveConnections.Set(float64(s.conns.Count()))

	if s.onDisconnect != nil {
		s.onDisconnect(c.UserID, c)
	}

	log.Printf("[ws] connection closed user=%s (total=%d)", c.UserID, s.conns.Count())
}

// SendMessage writes a text frame to the user's connection, if any.
func (s *Server) SendMessage(userID string, data []byte) error {
	c := s.conns.Get(userID)
	if c == nil {
		return fmt.Errorf("ws: no connection for user %s", userID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener, signals the event loop to exit, and closes
// all active connections.
func (s *Server) Shutdown() error {
	log.Println("[ws] shutting down server...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("[ws] http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		_ = s.epoll.Remove(c.Conn)
		c.Close()
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("[ws] server stopped, all connections closed")
	return nil
}

// bearerToken extracts the credential from the Authorization header or the
// token query parameter. Browsers cannot set headers on WebSocket upgrades,
// so the query parameter is the common path.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// clientIP prefers the X-Forwarded-For chain set by the load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRefusal sends a typed JSON refusal body before the upgrade.
func writeRefusal(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"type": "error",
		"code": reason,
	})
}

// isEINTR checks for an interrupted syscall, which is expected during
// signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
