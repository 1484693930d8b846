// Package events provides the cross-instance event bus. Every server-to-
// client event is published to a per-user NATS subject; the instance holding
// the user's live connection subscribes at connect time and forwards the
// frames. This keeps the connection registry process-local while letting any
// instance (the one that matched a pair, the one that observed a skip) reach
// any user.
package events

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ShaulKabla/Chat/internal/protocol"
)

// SubjectUser is the per-user delivery subject prefix (+ ".<user_id>").
const SubjectUser = "user"

// Notifier is the event-emission contract consumed by the matching engine,
// the session machine, and the skip handler. The payload is a protocol
// Server*Msg struct; implementations wrap it in the typed JSON envelope.
type Notifier interface {
	Notify(userID, eventType string, payload interface{})
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "pairchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Bus wraps the NATS connection with per-user publish/subscribe helpers.
type Bus struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription // user_id -> subscription
}

// Connect establishes the NATS connection and returns a ready Bus.
func Connect(config Config) (*Bus, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[events] nats disconnected: %v", err)
			} else {
				log.Printf("[events] nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[events] nats reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[events] nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: nats connect: %w", err)
	}

	log.Printf("[events] connected to %s", nc.ConnectedUrl())

	return &Bus{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Notify publishes a typed event to the user's delivery subject. Marshal or
// publish failures are logged and dropped: event delivery is best effort and
// the partner-facing paths re-derive state from the shared store.
func (b *Bus) Notify(userID, eventType string, payload interface{}) {
	data, err := protocol.NewServerMessage(eventType, payload)
	if err != nil {
		log.Printf("[events] marshal %s for user=%s: %v", eventType, userID, err)
		return
	}
	if err := b.conn.Publish(SubjectUser+"."+userID, data); err != nil {
		log.Printf("[events] publish %s for user=%s: %v", eventType, userID, err)
	}
}

// SubscribeUser registers a handler for the user's delivery subject. The
// handler receives the encoded frame ready to write to the WebSocket. An
// existing subscription for the same user is replaced.
func (b *Bus) SubscribeUser(userID string, handler func(frame []byte)) error {
	sub, err := b.conn.Subscribe(SubjectUser+"."+userID, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("events: subscribe user %s: %w", userID, err)
	}

	b.mu.Lock()
	if old, ok := b.subs[userID]; ok {
		_ = old.Unsubscribe()
	}
	b.subs[userID] = sub
	b.mu.Unlock()
	return nil
}

// UnsubscribeUser drops the user's delivery subscription.
func (b *Bus) UnsubscribeUser(userID string) error {
	b.mu.Lock()
	sub, ok := b.subs[userID]
	delete(b.subs, userID)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("events: unsubscribe user %s: %w", userID, err)
	}
	return nil
}

// Close drains all subscriptions and the connection.
func (b *Bus) Close() {
	b.mu.Lock()
	for userID, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[events] drain user=%s: %v", userID, err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		log.Printf("[events] connection drain: %v", err)
	}
	log.Printf("[events] bus closed")
}
