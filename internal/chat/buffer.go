package chat

import "sync"

// MaxBufferMessages is the number of recent messages retained per pair.
const MaxBufferMessages = 5

// BufferedMessage represents a single message stored in the ring buffer.
type BufferedMessage struct {
	From string `json:"from"` // sender's user id
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// MessageBuffer stores the last N messages per session key in memory so an
// abuse report can attach a conversation snapshot. It is goroutine-safe.
type MessageBuffer struct {
	mu      sync.RWMutex
	buffers map[string]*ringBuffer // session key -> ring buffer
}

type ringBuffer struct {
	items []BufferedMessage
	pos   int
	count int
}

// NewMessageBuffer creates an empty MessageBuffer.
func NewMessageBuffer() *MessageBuffer {
	return &MessageBuffer{buffers: make(map[string]*ringBuffer)}
}

// Add appends a message to the pair's ring buffer. If the buffer is full,
// the oldest message is overwritten.
func (mb *MessageBuffer) Add(sessionKey string, msg BufferedMessage) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	rb, ok := mb.buffers[sessionKey]
	if !ok {
		rb = &ringBuffer{items: make([]BufferedMessage, MaxBufferMessages)}
		mb.buffers[sessionKey] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % MaxBufferMessages
	if rb.count < MaxBufferMessages {
		rb.count++
	}
}

// Get returns the pair's last messages in chronological order (oldest
// first). Returns an empty slice if the pair has no buffer.
func (mb *MessageBuffer) Get(sessionKey string) []BufferedMessage {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	rb, ok := mb.buffers[sessionKey]
	if !ok {
		return []BufferedMessage{}
	}

	result := make([]BufferedMessage, rb.count)
	start := (rb.pos - rb.count + MaxBufferMessages) % MaxBufferMessages
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%MaxBufferMessages]
	}
	return result
}

// Remove deletes the buffer for a pair (called at session teardown).
func (mb *MessageBuffer) Remove(sessionKey string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.buffers, sessionKey)
}
