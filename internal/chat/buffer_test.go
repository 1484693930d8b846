package chat

import "testing"

func TestMessageBuffer_AddAndGet(t *testing.T) {
	mb := NewMessageBuffer()
	mb.Add("pair1", BufferedMessage{From: "a", Text: "hello", Ts: 1})
	mb.Add("pair1", BufferedMessage{From: "b", Text: "hi", Ts: 2})

	msgs := mb.Get("pair1")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "hello" || msgs[1].Text != "hi" {
		t.Errorf("messages out of order: %+v", msgs)
	}
}

func TestMessageBuffer_OverwritesOldest(t *testing.T) {
	mb := NewMessageBuffer()
	for i := 0; i < MaxBufferMessages+2; i++ {
		mb.Add("pair1", BufferedMessage{From: "a", Ts: int64(i)})
	}

	msgs := mb.Get("pair1")
	if len(msgs) != MaxBufferMessages {
		t.Fatalf("expected %d messages, got %d", MaxBufferMessages, len(msgs))
	}
	// Oldest surviving message is i=2.
	if msgs[0].Ts != 2 {
		t.Errorf("expected oldest ts=2, got %d", msgs[0].Ts)
	}
	if msgs[len(msgs)-1].Ts != int64(MaxBufferMessages+1) {
		t.Errorf("expected newest ts=%d, got %d", MaxBufferMessages+1, msgs[len(msgs)-1].Ts)
	}
}

func TestMessageBuffer_UnknownKey(t *testing.T) {
	mb := NewMessageBuffer()
	if msgs := mb.Get("missing"); len(msgs) != 0 {
		t.Errorf("expected empty slice, got %d messages", len(msgs))
	}
}

func TestMessageBuffer_Remove(t *testing.T) {
	mb := NewMessageBuffer()
	mb.Add("pair1", BufferedMessage{From: "a", Text: "x", Ts: 1})
	mb.Remove("pair1")
	if msgs := mb.Get("pair1"); len(msgs) != 0 {
		t.Errorf("expected no messages after Remove, got %d", len(msgs))
	}
}

func TestMessageBuffer_KeysAreIndependent(t *testing.T) {
	mb := NewMessageBuffer()
	mb.Add("pair1", BufferedMessage{From: "a", Text: "one", Ts: 1})
	mb.Add("pair2", BufferedMessage{From: "b", Text: "two", Ts: 2})

	if msgs := mb.Get("pair1"); len(msgs) != 1 || msgs[0].Text != "one" {
		t.Errorf("pair1 buffer polluted: %+v", msgs)
	}
	if msgs := mb.Get("pair2"); len(msgs) != 1 || msgs[0].Text != "two" {
		t.Errorf("pair2 buffer polluted: %+v", msgs)
	}
}
