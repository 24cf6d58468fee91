package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openapex/wabridge/pkg/bus"
	"github.com/openapex/wabridge/pkg/logger"
)

const webBridgeName = "webbridge"

// Frame types exchanged with the browser-automation sidecar.
const (
	frameHello        = "hello"
	frameQR           = "qr"
	frameReady        = "ready"
	frameMessage      = "message"
	frameAuth         = "auth"
	frameDisconnected = "disconnected"
	frameMediaChunk   = "media_chunk"
	frameMediaEnd     = "media_end"
	frameAck          = "ack"
	frameSendText     = "send_text"
	frameSendVoice    = "send_voice"
	frameDownload     = "download"
	framePresence     = "presence"
)

// frame is one JSON websocket message. []byte fields travel as base64.
type frame struct {
	Type      string       `json:"type"`
	RequestID string       `json:"request_id,omitempty"`
	Code      string       `json:"code,omitempty"`
	Version   string       `json:"version,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Error     string       `json:"error,omitempty"`
	Session   []byte       `json:"session,omitempty"`
	Data      []byte       `json:"data,omitempty"`
	Message   *wireMessage `json:"message,omitempty"`

	Chat     string `json:"chat,omitempty"`
	Text     string `json:"text,omitempty"`
	QuotedID string `json:"quoted_id,omitempty"`
	MediaID  string `json:"media_id,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	PTT      bool   `json:"ptt,omitempty"`
	State    string `json:"state,omitempty"`
}

type wireMessage struct {
	ID           string `json:"id"`
	Chat         string `json:"chat"`
	Sender       string `json:"sender"`
	PushName     string `json:"push_name,omitempty"`
	FromMe       bool   `json:"from_me"`
	IsGroup      bool   `json:"is_group"`
	IsBroadcast  bool   `json:"is_broadcast"`
	Type         string `json:"type"`
	Conversation string `json:"conversation,omitempty"`
	ExtendedText string `json:"extended_text,omitempty"`
	Caption      string `json:"caption,omitempty"`
	MediaID      string `json:"media_id,omitempty"`
	Mimetype     string `json:"mimetype,omitempty"`
	Seconds      uint32 `json:"seconds,omitempty"`
	Size         uint64 `json:"size,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

type WebBridgeOptions struct {
	URL         string
	DialTimeout time.Duration
	// RequestTimeout bounds sends that carry no deadline of their own.
	RequestTimeout time.Duration
	QROut          io.Writer
}

// WebBridgeTransport drives a WhatsApp Web session hosted by a
// browser-automation sidecar over a websocket stream. The sidecar owns the
// browser profile; the bridge owns the session blob it reports.
type WebBridgeTransport struct {
	opts WebBridgeOptions
	bus  *bus.MessageBus

	mu      sync.Mutex
	conn    *websocket.Conn
	session []byte

	writeMu sync.Mutex

	pendingMu sync.Mutex
	acks      map[string]chan error
	media     map[string]*io.PipeWriter

	closeReported atomic.Bool
}

func NewWebBridgeTransport(opts WebBridgeOptions, msgBus *bus.MessageBus) *WebBridgeTransport {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.QROut == nil {
		opts.QROut = os.Stdout
	}
	return &WebBridgeTransport{
		opts:  opts,
		bus:   msgBus,
		acks:  make(map[string]chan error),
		media: make(map[string]*io.PipeWriter),
	}
}

func (t *WebBridgeTransport) Name() string { return webBridgeName }

// RestoreCredentials hands the persisted session blob to the next hello.
func (t *WebBridgeTransport) RestoreCredentials(blob []byte) {
	t.mu.Lock()
	t.session = append([]byte(nil), blob...)
	t.mu.Unlock()
}

func (t *WebBridgeTransport) Connect(ctx context.Context) error {
	if t.opts.URL == "" {
		return errors.New("webbridge url not configured")
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.opts.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, t.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial sidecar: %w", err)
	}

	t.mu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.conn = conn
	session := t.session
	t.mu.Unlock()

	t.closeReported.Store(false)

	if err := t.write(conn, frame{Type: frameHello, Session: session}); err != nil {
		t.detach(conn)
		_ = conn.Close()
		return fmt.Errorf("failed to send hello: %w", err)
	}

	go t.readLoop(conn)

	logger.InfoCF("webbridge", "Connected to sidecar", map[string]interface{}{
		"url":         t.opts.URL,
		"has_session": len(session) > 0,
	})
	return nil
}

func (t *WebBridgeTransport) Disconnect() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		_ = conn.Close()
	}
	t.failPending(ErrNotConnected)
	logger.InfoC("webbridge", "Transport stopped")
}

// detach forgets conn if it is still current and reports whether it was.
func (t *WebBridgeTransport) detach(conn *websocket.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != conn {
		return false
	}
	t.conn = nil
	return true
}

func (t *WebBridgeTransport) current() (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	return t.conn, nil
}

func (t *WebBridgeTransport) write(conn *websocket.Conn, f frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(f)
}

func (t *WebBridgeTransport) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if t.detach(conn) {
				_ = conn.Close()
				t.failPending(ErrNotConnected)
				reason := bus.ReasonNetwork
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					reason = bus.ReasonServerClose
				}
				t.publishClose(reason, err.Error())
			}
			return
		}
		t.handleFrame(conn, f)
	}
}

func (t *WebBridgeTransport) handleFrame(conn *websocket.Conn, f frame) {
	switch f.Type {
	case frameQR:
		renderQR(t.opts.QROut, f.Code)
		t.bus.Publish(bus.Event{
			Type:      bus.EventPairing,
			Transport: webBridgeName,
			QRCode:    &bus.QRCodeEvent{Transport: webBridgeName, Event: "code", Code: f.Code},
		})

	case frameReady:
		t.closeReported.Store(false)
		t.bus.Publish(bus.Event{Type: bus.EventReady, Transport: webBridgeName, Version: f.Version})

	case frameAuth:
		t.mu.Lock()
		t.session = append([]byte(nil), f.Session...)
		t.mu.Unlock()
		t.bus.Publish(bus.Event{Type: bus.EventCredentials, Transport: webBridgeName, Credentials: f.Session})

	case frameMessage:
		if f.Message == nil {
			return
		}
		t.bus.Publish(bus.Event{Type: bus.EventMessage, Transport: webBridgeName, Message: toInbound(f.Message)})

	case frameDisconnected:
		if t.detach(conn) {
			_ = conn.Close()
			t.failPending(ErrNotConnected)
		}
		t.publishClose(closeReason(f.Reason), f.Error)

	case frameMediaChunk:
		t.pendingMu.Lock()
		pw := t.media[f.RequestID]
		t.pendingMu.Unlock()
		if pw != nil && len(f.Data) > 0 {
			// Blocks until the pipeline reads; a closed reader returns an error.
			if _, err := pw.Write(f.Data); err != nil {
				t.finishMedia(f.RequestID, err)
			}
		}

	case frameMediaEnd:
		var err error
		if f.Error != "" {
			err = errors.New(f.Error)
		}
		t.finishMedia(f.RequestID, err)

	case frameAck:
		t.pendingMu.Lock()
		ch := t.acks[f.RequestID]
		delete(t.acks, f.RequestID)
		t.pendingMu.Unlock()
		if ch != nil {
			var err error
			if f.Error != "" {
				err = errors.New(f.Error)
			}
			ch <- err
		}

	default:
		logger.DebugCF("webbridge", "Unknown frame", map[string]interface{}{"type": f.Type})
	}
}

func closeReason(reason string) bus.DisconnectReason {
	switch strings.ToLower(reason) {
	case "logout", "logged_out", "unpaired":
		return bus.ReasonLoggedOut
	case "conflict", "stream_replaced":
		return bus.ReasonStreamReplaced
	case "client_outdated", "deprecated_version":
		return bus.ReasonClientOutdated
	case "":
		return bus.ReasonNetwork
	default:
		return bus.ReasonServerClose
	}
}

func (t *WebBridgeTransport) publishClose(reason bus.DisconnectReason, detail string) {
	if !t.closeReported.CompareAndSwap(false, true) && !reason.Terminal() {
		return
	}
	t.bus.Publish(bus.Event{
		Type:       bus.EventDisconnect,
		Transport:  webBridgeName,
		Disconnect: &bus.Disconnect{Reason: reason, Detail: detail},
	})
}

// toInbound maps a sidecar message. WhatsApp Web addresses users as
// <number>@c.us; the bridge reports them with the protocol server name.
func toInbound(m *wireMessage) *bus.InboundMessage {
	in := &bus.InboundMessage{
		ID:           m.ID,
		Chat:         m.Chat,
		Sender:       normalizeUserJID(m.Sender),
		PushName:     m.PushName,
		FromMe:       m.FromMe,
		IsGroup:      m.IsGroup || strings.HasSuffix(m.Chat, "@g.us"),
		IsBroadcast:  m.IsBroadcast || strings.HasSuffix(m.Chat, "@broadcast"),
		Kind:         bus.KindOther,
		Conversation: m.Conversation,
		ExtendedText: m.ExtendedText,
		Caption:      m.Caption,
		Raw:          m,
	}
	if m.Timestamp > 0 {
		in.Timestamp = time.Unix(m.Timestamp, 0)
	}

	switch {
	case m.Type == "ptt" && m.MediaID != "":
		in.Kind = bus.KindVoice
		in.Voice = &bus.VoiceRef{
			Mimetype: m.Mimetype,
			Seconds:  m.Seconds,
			Size:     m.Size,
			MediaID:  m.MediaID,
		}
	case m.Conversation != "" || m.ExtendedText != "" || m.Caption != "":
		in.Kind = bus.KindText
	}
	return in
}

func normalizeUserJID(jid string) string {
	if user, ok := strings.CutSuffix(jid, "@c.us"); ok {
		return user + "@s.whatsapp.net"
	}
	return jid
}

// request sends f and waits for the sidecar's ack.
func (t *WebBridgeTransport) request(ctx context.Context, f frame) error {
	conn, err := t.current()
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.RequestTimeout)
		defer cancel()
	}

	f.RequestID = uuid.NewString()
	ack := make(chan error, 1)
	t.pendingMu.Lock()
	t.acks[f.RequestID] = ack
	t.pendingMu.Unlock()

	if err := t.write(conn, f); err != nil {
		t.pendingMu.Lock()
		delete(t.acks, f.RequestID)
		t.pendingMu.Unlock()
		return err
	}

	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		t.pendingMu.Lock()
		delete(t.acks, f.RequestID)
		t.pendingMu.Unlock()
		return ctx.Err()
	}
}

func (t *WebBridgeTransport) ReplyText(ctx context.Context, quoted *bus.InboundMessage, text string) error {
	err := t.request(ctx, frame{Type: frameSendText, Chat: quoted.Chat, Text: text, QuotedID: quoted.ID})
	if err != nil {
		return fmt.Errorf("failed to send text reply: %w", err)
	}
	t.bus.PublishOutbound(bus.OutboundMessage{Chat: quoted.Chat, Kind: "text", Content: text, QuotedID: quoted.ID})
	return nil
}

func (t *WebBridgeTransport) ReplyVoice(ctx context.Context, quoted *bus.InboundMessage, audio []byte, mimetype string) error {
	if mimetype == "" {
		mimetype = VoiceMimetype
	}
	err := t.request(ctx, frame{
		Type:     frameSendVoice,
		Chat:     quoted.Chat,
		QuotedID: quoted.ID,
		Data:     audio,
		Mimetype: mimetype,
		PTT:      true,
	})
	if err != nil {
		return fmt.Errorf("failed to send voice reply: %w", err)
	}
	t.bus.PublishOutbound(bus.OutboundMessage{Chat: quoted.Chat, Kind: "voice", QuotedID: quoted.ID, Bytes: len(audio)})
	return nil
}

// OpenMedia asks the sidecar for the media and returns a reader over the
// chunks it streams back, in arrival order.
func (t *WebBridgeTransport) OpenMedia(ctx context.Context, ref *bus.VoiceRef) (io.ReadCloser, error) {
	conn, err := t.current()
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	pr, pw := io.Pipe()
	t.pendingMu.Lock()
	t.media[id] = pw
	t.pendingMu.Unlock()

	if err := t.write(conn, frame{Type: frameDownload, RequestID: id, MediaID: ref.MediaID}); err != nil {
		t.finishMedia(id, err)
		return nil, fmt.Errorf("failed to request media: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { t.finishMedia(id, ctx.Err()) })
	return &mediaReader{PipeReader: pr, release: func() {
		stop()
		t.finishMedia(id, io.ErrClosedPipe)
	}}, nil
}

type mediaReader struct {
	*io.PipeReader
	release func()
}

func (r *mediaReader) Close() error {
	r.release()
	return r.PipeReader.Close()
}

func (t *WebBridgeTransport) finishMedia(id string, err error) {
	t.pendingMu.Lock()
	pw := t.media[id]
	delete(t.media, id)
	t.pendingMu.Unlock()
	if pw != nil {
		_ = pw.CloseWithError(err)
	}
}

// failPending releases every waiter bound to the lost connection.
func (t *WebBridgeTransport) failPending(err error) {
	t.pendingMu.Lock()
	acks, media := t.acks, t.media
	t.acks = make(map[string]chan error)
	t.media = make(map[string]*io.PipeWriter)
	t.pendingMu.Unlock()

	for _, ch := range acks {
		ch <- err
	}
	for _, pw := range media {
		_ = pw.CloseWithError(err)
	}
}

func (t *WebBridgeTransport) SetTyping(ctx context.Context, chat string, typing bool) error {
	conn, err := t.current()
	if err != nil {
		return err
	}
	state := "paused"
	if typing {
		state = "composing"
	}
	return t.write(conn, frame{Type: framePresence, Chat: chat, State: state})
}
