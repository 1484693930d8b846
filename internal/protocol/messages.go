// Package protocol defines the WebSocket message types exchanged between the
// client and server. All messages are serialized as JSON and follow a
// consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeFindMatch      = "find_match"
	TypeSkip           = "skip"
	TypeMessage        = "message"
	TypeTyping         = "typing"
	TypeStopTyping     = "stop_typing"
	TypeBlockUser      = "block_user"
	TypeUpdateProfile  = "update_profile"
	TypeRevealRequest  = "reveal_request"
	TypeConnectRequest = "connect_request"
	TypeFriendMessage  = "friend_message"
	TypeReport         = "report"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeMatchFound         = "match_found"
	TypeProfileUpdated     = "profile_updated"
	TypeMatchSearching     = "match_searching"
	TypeProfileRequired    = "profile_required"
	TypeSearchExpanding    = "search_expanding"
	TypeMessageAck         = "message_ack"
	TypeRevealTimerStarted = "reveal_timer_started"
	TypeRevealAvailable    = "reveal_available"
	TypeRevealGranted      = "reveal_granted"
	TypeSourceRevealed     = "source_revealed"
	TypePartnerLeft        = "partner_left"
	TypeFriendAdded        = "friend_added"
	TypeRateLimit          = "rate_limit"
	TypeBanned             = "banned"
	TypeError              = "error"
	TypePong               = "pong"
)

// Matching modes.
const (
	ModeTalk = "talk"
	ModeMeet = "meet"
)

// Partner-left reasons.
const (
	ReasonSkipped = "skipped"
	ReasonLeft    = "left"
	ReasonBlocked = "blocked"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// FindMatchMsg enters the waiting pool for a mode. Unknown modes fall back
// to "talk".
type FindMatchMsg struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

// SkipMsg ends the current pairing and searches again.
type SkipMsg struct {
	Type string `json:"type"`
}

// ChatMsg is a message sent to the current partner. ImageSource carries the
// full-resolution reference; ImagePreview a blurred placeholder. The legacy
// Image field acts as both when the client sends only one reference.
type ChatMsg struct {
	Type         string `json:"type"`
	ClientID     string `json:"clientId"`
	Text         string `json:"text"`
	CreatedAt    int64  `json:"createdAt"`
	Image        string `json:"image,omitempty"`
	ImagePreview string `json:"imagePreview,omitempty"`
	ImageSource  string `json:"imageSource,omitempty"`
	ReplyTo      string `json:"replyTo,omitempty"`
}

// TypingMsg signals the client started typing.
type TypingMsg struct {
	Type string `json:"type"`
}

// StopTypingMsg signals the client stopped typing.
type StopTypingMsg struct {
	Type string `json:"type"`
}

// BlockUserMsg blocks another user; if currently paired with them the
// pairing ends.
type BlockUserMsg struct {
	Type          string `json:"type"`
	BlockedUserID string `json:"blockedUserId"`
}

// UpdateProfileMsg creates or replaces the sender's matching profile.
type UpdateProfileMsg struct {
	Type             string   `json:"type"`
	Gender           string   `json:"gender"`
	AgeGroup         string   `json:"ageGroup"`
	Interests        []string `json:"interests"`
	GenderPreference string   `json:"genderPreference"`
}

// RevealRequestMsg opts in to the identity reveal once available.
type RevealRequestMsg struct {
	Type string `json:"type"`
}

// ConnectRequestMsg asks to stay connected with the partner as friends.
type ConnectRequestMsg struct {
	Type string `json:"type"`
}

// FriendMessageMsg sends a persisted message to an established friend.
type FriendMessageMsg struct {
	Type     string `json:"type"`
	FriendID string `json:"friendId"`
	Text     string `json:"text"`
	Image    string `json:"image,omitempty"`
}

// ReportMsg files an abuse report against the current partner.
type ReportMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts,omitempty"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// PartnerProfile is the profile summary shared with a "meet" partner.
type PartnerProfile struct {
	Gender    string   `json:"gender"`
	AgeGroup  string   `json:"ageGroup"`
	Interests []string `json:"interests"`
}

// MatchFoundMsg announces a new pairing to both participants.
type MatchFoundMsg struct {
	Type            string          `json:"type"`
	PartnerID       string          `json:"partnerId"`
	Mode            string          `json:"mode"`
	RevealAvailable bool            `json:"revealAvailable"`
	PartnerProfile  *PartnerProfile `json:"partnerProfile"`
}

// MatchSearchingMsg tells the client it is back in the waiting pool. Message
// is a translation key resolved by the client.
type MatchSearchingMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ProfileUpdatedMsg acknowledges a saved profile.
type ProfileUpdatedMsg struct {
	Type string `json:"type"`
}

// ProfileRequiredMsg rejects a "meet" operation that needs a saved profile.
type ProfileRequiredMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SearchExpandingMsg is the one-time notice that zero-overlap candidates are
// now eligible for the waiting user.
type SearchExpandingMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ServerChatMsg is a message relayed to the partner. ImagePending marks an
// image whose full reference is withheld until reveal is granted.
type ServerChatMsg struct {
	Type         string `json:"type"`
	ID           string `json:"id"`
	ClientID     string `json:"clientId,omitempty"`
	Text         string `json:"text"`
	CreatedAt    int64  `json:"createdAt"`
	UserID       string `json:"userId"`
	Image        string `json:"image,omitempty"`
	ImagePending bool   `json:"imagePending"`
	ReplyTo      string `json:"replyTo,omitempty"`
}

// MessageAckMsg confirms (or rejects) a sent chat message.
type MessageAckMsg struct {
	Type      string `json:"type"`
	OK        bool   `json:"ok"`
	ClientID  string `json:"clientId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ServerTypingMsg relays the partner's typing indicator. The same struct
// serves typing and stop_typing.
type ServerTypingMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// RevealTimerStartedMsg carries the reveal deadline so clients can render a
// countdown without polling.
type RevealTimerStartedMsg struct {
	Type       string `json:"type"`
	RevealAt   int64  `json:"revealAt"`
	DurationMs int64  `json:"durationMs"`
}

// RevealAvailableMsg announces the reveal gate is open for requests.
type RevealAvailableMsg struct {
	Type string `json:"type"`
}

// RevealGrantedMsg announces both participants opted in.
type RevealGrantedMsg struct {
	Type string `json:"type"`
}

// RevealedImage pairs a pending message id with its original reference.
type RevealedImage struct {
	MessageID string `json:"messageId"`
	ImageURL  string `json:"imageUrl"`
}

// SourceRevealedMsg flushes all images withheld before the grant.
type SourceRevealedMsg struct {
	Type   string          `json:"type"`
	Images []RevealedImage `json:"images"`
}

// PartnerLeftMsg tells the survivor their partner is gone. SystemMessage is
// a translation key.
type PartnerLeftMsg struct {
	Type          string `json:"type"`
	Reason        string `json:"reason"`
	SystemMessage string `json:"systemMessage"`
}

// FriendAddedMsg confirms a mutual connect request.
type FriendAddedMsg struct {
	Type     string `json:"type"`
	FriendID string `json:"friendId"`
}

// ServerConnectRequestMsg relays a partner's connect request.
type ServerConnectRequestMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// ServerFriendMessageMsg relays a persisted friend message to an online
// recipient.
type ServerFriendMessageMsg struct {
	Type        string `json:"type"`
	ID          int64  `json:"id"`
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	Body        string `json:"body"`
	ImageURL    string `json:"imageUrl,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

// RateLimitMsg rejects an action that exceeded its fixed window.
type RateLimitMsg struct {
	Type  string `json:"type"`
	Scope string `json:"scope"`
}

// BannedMsg refuses service to a banned account.
type BannedMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorMsg communicates a typed error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers a client ping.
type PongMsg struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error. An
// error is returned for unknown or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeFindMatch:
		var m FindMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSkip:
		var m SkipMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStopTyping:
		var m StopTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeBlockUser:
		var m BlockUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUpdateProfile:
		var m UpdateProfileMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRevealRequest:
		var m RevealRequestMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeConnectRequest:
		var m ConnectRequestMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFriendMessage:
		var m FriendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReport:
		var m ReportMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message
// with the "type" field injected into the payload.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NormalizeMode maps any unknown mode to "talk".
func NormalizeMode(mode string) string {
	if mode == ModeMeet {
		return ModeMeet
	}
	return ModeTalk
}
