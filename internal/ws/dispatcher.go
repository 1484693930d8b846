package ws

import (
	"log"
	"time"

	"github.com/ShaulKabla/Chat/internal/metrics"
	"github.com/ShaulKabla/Chat/internal/protocol"
)

// MessageHandler handles one parsed client message. The msg parameter is the
// concrete struct returned by protocol.ParseClientMessage (protocol.ChatMsg,
// protocol.FindMatchMsg, and so on).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming frames to registered handlers by message
// type. It answers ping internally and sends structured errors for malformed
// or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates a MessageDispatcher. The server reference is
// assigned later via SetServer because NewServer needs Dispatch as its
// message callback.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// SetServer assigns the Server reference on the dispatcher.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a handler with a message type, replacing any existing
// registration.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses the raw frame into a typed message, answers ping
// internally, and routes everything else to the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	start := time.Now()

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("[ws] dispatch parse error user=%s: %v", conn.UserID, err)
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn, msg.(protocol.PingMsg))
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("[ws] unsupported message type=%q user=%s", msgType, conn.UserID)
		d.sendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
	metrics.MessageHandleDuration.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
}

// sendError sends a structured error back to the client.
func (d *MessageDispatcher) sendError(conn *Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("[ws] failed to build error message user=%s: %v", conn.UserID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[ws] failed to send error message user=%s: %v", conn.UserID, err)
	}
}

// sendPong answers a client ping, echoing its timestamp, and refreshes the
// connection's activity marker.
func (d *MessageDispatcher) sendPong(conn *Connection, ping protocol.PingMsg) {
	conn.LastPing = time.Now()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{Ts: ping.Ts})
	if err != nil {
		log.Printf("[ws] failed to build pong user=%s: %v", conn.UserID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[ws] failed to send pong user=%s: %v", conn.UserID, err)
	}
}
