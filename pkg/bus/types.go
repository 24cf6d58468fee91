package bus

import "time"

// EventType tags an entry on the session event stream.
type EventType string

const (
	EventReady       EventType = "ready"
	EventMessage     EventType = "message"
	EventDisconnect  EventType = "disconnect"
	EventCredentials EventType = "credential_rotate"
	EventPairing     EventType = "pairing"
	// EventOutbound is only delivered to observers.
	EventOutbound EventType = "outbound"
)

// PayloadKind classifies what an inbound chat event carries.
type PayloadKind string

const (
	KindText  PayloadKind = "text"
	KindVoice PayloadKind = "voice"
	KindOther PayloadKind = "other"
)

// InboundMessage is one chat event as seen by the router. Transports fill the
// candidate text fields and leave the choice between them to the router.
type InboundMessage struct {
	ID          string      `json:"id"`
	Chat        string      `json:"chat"`
	Sender      string      `json:"sender"`
	PushName    string      `json:"push_name,omitempty"`
	FromMe      bool        `json:"from_me"`
	IsGroup     bool        `json:"is_group"`
	IsBroadcast bool        `json:"is_broadcast"`
	Kind        PayloadKind `json:"kind"`

	Conversation string `json:"conversation,omitempty"`
	ExtendedText string `json:"extended_text,omitempty"`
	Caption      string `json:"caption,omitempty"`

	Voice     *VoiceRef `json:"voice,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Raw is the transport's native message, needed to quote it in replies.
	Raw any `json:"-"`
}

// VoiceRef points at voice-note media that can only be fetched while the
// session that produced it is open.
type VoiceRef struct {
	Mimetype string `json:"mimetype,omitempty"`
	Seconds  uint32 `json:"seconds,omitempty"`
	Size     uint64 `json:"size,omitempty"`
	MediaID  string `json:"media_id,omitempty"`

	Raw any `json:"-"`
}

// DisconnectReason is the cause reported with a closed connection.
type DisconnectReason string

const (
	ReasonNetwork        DisconnectReason = "network"
	ReasonServerClose    DisconnectReason = "server_close"
	ReasonClientOutdated DisconnectReason = "client_outdated"
	ReasonStreamReplaced DisconnectReason = "stream_replaced"
	ReasonConnectFailure DisconnectReason = "connect_failure"
	ReasonLoggedOut      DisconnectReason = "logged_out"
)

// Terminal reports whether the session must not be re-established.
func (r DisconnectReason) Terminal() bool {
	return r == ReasonLoggedOut
}

type Disconnect struct {
	Reason DisconnectReason `json:"reason"`
	Detail string           `json:"detail,omitempty"`
}

// QRCodeEvent represents a QR code authentication event from a transport.
type QRCodeEvent struct {
	Transport string `json:"transport"`      // e.g. "whatsmeow"
	Event     string `json:"event"`          // "code", "success", "timeout", "error"
	Code      string `json:"code,omitempty"` // raw QR data string (only for "code" event)
}

type OutboundMessage struct {
	Chat     string `json:"chat"`
	Kind     string `json:"kind"` // "text" or "voice"
	Content  string `json:"content,omitempty"`
	QuotedID string `json:"quoted_id,omitempty"`
	Bytes    int    `json:"bytes,omitempty"`
}

// Event is one entry of the ordered session stream.
type Event struct {
	Type        EventType        `json:"type"`
	Transport   string           `json:"transport,omitempty"`
	Message     *InboundMessage  `json:"message,omitempty"`
	Disconnect  *Disconnect      `json:"disconnect,omitempty"`
	Credentials []byte           `json:"-"`
	QRCode      *QRCodeEvent     `json:"qr_code,omitempty"`
	Version     string           `json:"version,omitempty"`
	Outbound    *OutboundMessage `json:"outbound,omitempty"`
	Time        time.Time        `json:"time"`
}
