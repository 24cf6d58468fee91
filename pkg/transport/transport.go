package transport

import (
	"context"
	"errors"
	"io"

	"github.com/openapex/wabridge/pkg/bus"
)

// VoiceMimetype is the container used for synthesized voice-note replies.
const VoiceMimetype = "audio/mp4"

var ErrNotConnected = errors.New("transport: not connected")

// Transport is the capability set shared by every chat-network client.
// Inbound messages and lifecycle signals are published on the bus the
// transport was built with; the methods below are the outbound half.
type Transport interface {
	Name() string

	// Connect starts one connection attempt and returns once it has been
	// initiated. Readiness is signalled with bus.EventReady; later closes
	// with bus.EventDisconnect.
	Connect(ctx context.Context) error
	Disconnect()

	ReplyText(ctx context.Context, quoted *bus.InboundMessage, text string) error
	ReplyVoice(ctx context.Context, quoted *bus.InboundMessage, audio []byte, mimetype string) error

	// OpenMedia streams the content behind a voice reference. Only valid
	// while the connection that produced the reference is open.
	OpenMedia(ctx context.Context, ref *bus.VoiceRef) (io.ReadCloser, error)

	// SetTyping shows or clears the composing indicator. Best-effort.
	SetTyping(ctx context.Context, chat string, typing bool) error
}

// CredentialRestorer is implemented by transports whose session blob is
// owned by the bridge rather than by the chat library's own store.
type CredentialRestorer interface {
	RestoreCredentials(blob []byte)
}
