// Package chat holds in-process helpers for the message path: content
// validation and the per-pair recent-message buffer used for report
// snapshots.
package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // max encoded payload size
	MaxTextChars    = 2000 // max character count
)

// ValidateMessage checks that a chat message meets content requirements.
// Messages that carry only an image may have empty text.
func ValidateMessage(text string, hasImage bool) error {
	if len(text) == 0 && !hasImage {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
