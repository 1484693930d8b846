package main

import (
	"testing"

	"github.com/ShaulKabla/Chat/internal/protocol"
)

type sentEvent struct {
	userID    string
	eventType string
	payload   interface{}
}

func TestAnnounceRevealGrant_ImagesBeforeGrant(t *testing.T) {
	var sent []sentEvent
	notify := func(userID, eventType string, payload interface{}) {
		sent = append(sent, sentEvent{userID: userID, eventType: eventType, payload: payload})
	}

	pending := map[string]string{"m1": "https://x/full.jpg"}
	announceRevealGrant(notify, "a", "b", pending)

	if len(sent) != 4 {
		t.Fatalf("expected 4 events, got %d", len(sent))
	}
	for i, want := range []string{
		protocol.TypeSourceRevealed,
		protocol.TypeSourceRevealed,
		protocol.TypeRevealGranted,
		protocol.TypeRevealGranted,
	} {
		if sent[i].eventType != want {
			t.Errorf("event %d = %s, want %s (withheld images must land before the grant)",
				i, sent[i].eventType, want)
		}
	}
	if sent[0].userID != "a" || sent[1].userID != "b" {
		t.Errorf("source_revealed should reach both sides, got %s/%s", sent[0].userID, sent[1].userID)
	}

	revealed, ok := sent[0].payload.(protocol.SourceRevealedMsg)
	if !ok {
		t.Fatalf("source_revealed payload has type %T", sent[0].payload)
	}
	if len(revealed.Images) != 1 || revealed.Images[0].MessageID != "m1" ||
		revealed.Images[0].ImageURL != "https://x/full.jpg" {
		t.Errorf("unexpected revealed images: %+v", revealed.Images)
	}
}

func TestAnnounceRevealGrant_NoPendingImages(t *testing.T) {
	var sent []sentEvent
	notify := func(userID, eventType string, payload interface{}) {
		sent = append(sent, sentEvent{userID: userID, eventType: eventType, payload: payload})
	}

	announceRevealGrant(notify, "a", "b", nil)

	if len(sent) != 2 {
		t.Fatalf("expected 2 events, got %d", len(sent))
	}
	for _, e := range sent {
		if e.eventType != protocol.TypeRevealGranted {
			t.Errorf("unexpected event %s without pending images", e.eventType)
		}
	}
}
