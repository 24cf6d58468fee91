package transport

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/openapex/wabridge/pkg/bus"
	"github.com/openapex/wabridge/pkg/logger"
)

const whatsmeowName = "whatsmeow"

type WhatsmeowOptions struct {
	// StorePath is the sqlite file for the device store, used when DB is nil.
	StorePath string
	// DB and Dialect let the device store share the bridge's SQL storage.
	DB      *sql.DB
	Dialect string
	// VersionCron schedules protocol version refreshes. Empty disables it.
	VersionCron string
	// QROut receives the terminal rendering of pairing codes.
	QROut io.Writer
}

// WhatsmeowTransport speaks the WhatsApp multi-device protocol in-process.
// Device credentials are persisted by whatsmeow's sqlstore on every change.
type WhatsmeowTransport struct {
	opts      WhatsmeowOptions
	bus       *bus.MessageBus
	client    *whatsmeow.Client
	container *sqlstore.Container
	ownDB     *sql.DB

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	// closeReported suppresses duplicate close signals for one connection.
	closeReported atomic.Bool
	outdated      atomic.Bool
}

func NewWhatsmeowTransport(opts WhatsmeowOptions, msgBus *bus.MessageBus) *WhatsmeowTransport {
	if opts.QROut == nil {
		opts.QROut = os.Stdout
	}
	return &WhatsmeowTransport{opts: opts, bus: msgBus}
}

func (t *WhatsmeowTransport) Name() string { return whatsmeowName }

// init opens the device store and creates the client on first use.
func (t *WhatsmeowTransport) init(ctx context.Context) error {
	if t.client != nil {
		return nil
	}

	db, dialect := t.opts.DB, t.opts.Dialect
	if db == nil {
		if err := os.MkdirAll(filepath.Dir(t.opts.StorePath), 0700); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
		dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", t.opts.StorePath)
		var err error
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return fmt.Errorf("failed to open whatsmeow database: %w", err)
		}
		// Serialize all database access through a single connection to prevent SQLITE_BUSY
		db.SetMaxOpenConns(1)
		dialect = "sqlite"
		t.ownDB = db
	}

	container := sqlstore.NewWithDB(db, dialect, logger.WA("whatsmeow-db"))
	if err := container.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade whatsmeow database: %w", err)
	}
	t.container = container

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get device from store: %w", err)
	}

	client := whatsmeow.NewClient(device, logger.WA("whatsmeow"))
	// Reconnects are owned by the session manager.
	client.EnableAutoReconnect = false
	client.AddEventHandler(t.eventHandler)
	t.client = client

	t.ctx, t.cancel = context.WithCancel(context.Background())
	if t.opts.VersionCron != "" {
		go t.versionLoop(t.ctx, t.opts.VersionCron)
	}
	return nil
}

// Connect dials WhatsApp. When the device has no identity yet a QR channel is
// opened first and its codes are published as pairing events.
func (t *WhatsmeowTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.init(ctx); err != nil {
		return err
	}

	if t.outdated.Swap(false) {
		if err := t.refreshVersion(ctx); err != nil {
			logger.WarnCF("whatsmeow", "Version refresh failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	t.closeReported.Store(false)

	if t.client.Store.ID == nil {
		logger.InfoC("whatsmeow", "No existing session found, starting QR pairing")
		qrChan, err := t.client.GetQRChannel(t.ctx)
		if err != nil {
			return fmt.Errorf("failed to get QR channel: %w", err)
		}
		go t.consumeQR(qrChan)
	} else {
		logger.InfoCF("whatsmeow", "Resuming existing session", map[string]interface{}{
			"device_id": t.client.Store.ID.String(),
		})
	}

	if err := t.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (t *WhatsmeowTransport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
	if t.client != nil {
		t.client.Disconnect()
	}
	if t.ownDB != nil {
		_ = t.ownDB.Close()
		t.ownDB = nil
	}
	t.client = nil
	t.container = nil
	logger.InfoC("whatsmeow", "Transport stopped")
}

func (t *WhatsmeowTransport) consumeQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			renderQR(t.opts.QROut, evt.Code)
			t.publishPairing("code", evt.Code)

		case "success":
			t.publishPairing("success", "")
			return

		case "timeout":
			logger.WarnC("whatsmeow", "QR code timed out")
			t.publishPairing("timeout", "")
			t.publishClose(bus.ReasonConnectFailure, "pairing timed out")
			return

		default:
			if evt.Event == "err-client-outdated" {
				t.outdated.Store(true)
			}
			detail := evt.Event
			if evt.Error != nil {
				detail = evt.Error.Error()
			}
			logger.ErrorCF("whatsmeow", "QR pairing error", map[string]interface{}{
				"event": evt.Event,
				"error": detail,
			})
			t.publishPairing("error", "")
			t.publishClose(bus.ReasonConnectFailure, detail)
			return
		}
	}
}

func (t *WhatsmeowTransport) publishPairing(event, code string) {
	t.bus.Publish(bus.Event{
		Type:      bus.EventPairing,
		Transport: whatsmeowName,
		QRCode:    &bus.QRCodeEvent{Transport: whatsmeowName, Event: event, Code: code},
	})
}

// publishClose emits one close signal per connection. A logout is always
// reported since it overrides any earlier transient cause.
func (t *WhatsmeowTransport) publishClose(reason bus.DisconnectReason, detail string) {
	if !t.closeReported.CompareAndSwap(false, true) && !reason.Terminal() {
		return
	}
	t.bus.Publish(bus.Event{
		Type:       bus.EventDisconnect,
		Transport:  whatsmeowName,
		Disconnect: &bus.Disconnect{Reason: reason, Detail: detail},
	})
}

func (t *WhatsmeowTransport) eventHandler(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		t.handleIncomingMessage(v)
	case *events.Connected:
		logger.InfoC("whatsmeow", "WhatsApp connected")
		t.closeReported.Store(false)
		t.bus.Publish(bus.Event{
			Type:      bus.EventReady,
			Transport: whatsmeowName,
			Version:   store.GetWAVersion().String(),
		})
	case *events.PairSuccess:
		logger.InfoCF("whatsmeow", "Device paired", map[string]interface{}{
			"device_id": v.ID.String(),
		})
	case *events.Disconnected:
		t.publishClose(bus.ReasonNetwork, "")
	case *events.StreamReplaced:
		t.publishClose(bus.ReasonStreamReplaced, "another client connected with this session")
	case *events.StreamError:
		t.publishClose(bus.ReasonServerClose, v.Code)
	case *events.ClientOutdated:
		t.outdated.Store(true)
		t.publishClose(bus.ReasonClientOutdated, "")
	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			t.publishClose(bus.ReasonLoggedOut, v.Message)
			return
		}
		t.publishClose(bus.ReasonConnectFailure, fmt.Sprintf("%v: %s", v.Reason, v.Message))
	case *events.TemporaryBan:
		t.publishClose(bus.ReasonConnectFailure, fmt.Sprintf("temporary ban: %v", v.Code))
	case *events.LoggedOut:
		logger.ErrorCF("whatsmeow", "WhatsApp logged out", map[string]interface{}{
			"reason": fmt.Sprintf("%v", v.Reason),
		})
		t.publishClose(bus.ReasonLoggedOut, fmt.Sprintf("%v", v.Reason))
	case *events.HistorySync:
		// Only real-time messages are relayed
	}
}

func (t *WhatsmeowTransport) handleIncomingMessage(evt *events.Message) {
	info := evt.Info
	sender := info.Sender.ToNonAD()
	if sender.Server == types.HiddenUserServer && !info.SenderAlt.IsEmpty() {
		sender = info.SenderAlt.ToNonAD()
	}

	in := &bus.InboundMessage{
		ID:          info.ID,
		Chat:        info.Chat.String(),
		Sender:      sender.String(),
		PushName:    info.PushName,
		FromMe:      info.IsFromMe,
		IsGroup:     info.IsGroup || info.Chat.Server == types.GroupServer,
		IsBroadcast: info.Chat.Server == types.BroadcastServer || !info.BroadcastListOwner.IsEmpty(),
		Kind:        bus.KindOther,
		Timestamp:   info.Timestamp,
		Raw:         evt,
	}

	if msg := evt.Message; msg != nil {
		in.Conversation = msg.GetConversation()
		if ext := msg.GetExtendedTextMessage(); ext != nil {
			in.ExtendedText = ext.GetText()
		}
		in.Caption = extractCaption(msg)

		if audio := msg.GetAudioMessage(); audio != nil && audio.GetPTT() {
			in.Kind = bus.KindVoice
			in.Voice = &bus.VoiceRef{
				Mimetype: audio.GetMimetype(),
				Seconds:  audio.GetSeconds(),
				Size:     audio.GetFileLength(),
				MediaID:  audio.GetDirectPath(),
				Raw:      audio,
			}
		} else if in.Conversation != "" || in.ExtendedText != "" || in.Caption != "" {
			in.Kind = bus.KindText
		}
	}

	logger.DebugCF("whatsmeow", "Message received", map[string]interface{}{
		"sender": in.Sender,
		"chat":   in.Chat,
		"kind":   in.Kind,
	})

	t.bus.Publish(bus.Event{Type: bus.EventMessage, Transport: whatsmeowName, Message: in})
}

func extractCaption(msg *waE2E.Message) string {
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	return ""
}

func (t *WhatsmeowTransport) connected() (*whatsmeow.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil || !t.client.IsConnected() {
		return nil, ErrNotConnected
	}
	return t.client, nil
}

// quoteContext builds the reply reference to the original message.
func quoteContext(quoted *bus.InboundMessage) *waE2E.ContextInfo {
	ci := &waE2E.ContextInfo{StanzaID: proto.String(quoted.ID)}
	if evt, ok := quoted.Raw.(*events.Message); ok {
		ci.Participant = proto.String(evt.Info.Sender.ToNonAD().String())
		ci.QuotedMessage = evt.Message
	} else {
		ci.Participant = proto.String(quoted.Sender)
	}
	return ci
}

func (t *WhatsmeowTransport) ReplyText(ctx context.Context, quoted *bus.InboundMessage, text string) error {
	client, err := t.connected()
	if err != nil {
		return err
	}
	chat, err := types.ParseJID(quoted.Chat)
	if err != nil {
		return fmt.Errorf("invalid chat ID '%s': %w", quoted.Chat, err)
	}

	msg := &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(text),
			ContextInfo: quoteContext(quoted),
		},
	}
	resp, err := client.SendMessage(ctx, chat, msg)
	if err != nil {
		return fmt.Errorf("failed to send whatsapp message: %w", err)
	}

	logger.DebugCF("whatsmeow", "Text reply sent", map[string]interface{}{
		"to":         chat.String(),
		"message_id": resp.ID,
		"preview":    logger.Truncate(text, 50),
	})
	t.bus.PublishOutbound(bus.OutboundMessage{Chat: quoted.Chat, Kind: "text", Content: text, QuotedID: quoted.ID})
	return nil
}

// ReplyVoice uploads audio and sends it as a push-to-talk voice note.
func (t *WhatsmeowTransport) ReplyVoice(ctx context.Context, quoted *bus.InboundMessage, audio []byte, mimetype string) error {
	client, err := t.connected()
	if err != nil {
		return err
	}
	chat, err := types.ParseJID(quoted.Chat)
	if err != nil {
		return fmt.Errorf("invalid chat ID '%s': %w", quoted.Chat, err)
	}
	if mimetype == "" {
		mimetype = VoiceMimetype
	}

	up, err := client.Upload(ctx, audio, whatsmeow.MediaAudio)
	if err != nil {
		return fmt.Errorf("failed to upload voice reply: %w", err)
	}

	msg := &waE2E.Message{
		AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			Mimetype:      proto.String(mimetype),
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			PTT:           proto.Bool(true),
			ContextInfo:   quoteContext(quoted),
		},
	}
	resp, err := client.SendMessage(ctx, chat, msg)
	if err != nil {
		return fmt.Errorf("failed to send voice reply: %w", err)
	}

	logger.DebugCF("whatsmeow", "Voice reply sent", map[string]interface{}{
		"to":         chat.String(),
		"message_id": resp.ID,
		"bytes":      len(audio),
	})
	t.bus.PublishOutbound(bus.OutboundMessage{Chat: quoted.Chat, Kind: "voice", QuotedID: quoted.ID, Bytes: len(audio)})
	return nil
}

// OpenMedia downloads and decrypts the voice note in one request.
func (t *WhatsmeowTransport) OpenMedia(ctx context.Context, ref *bus.VoiceRef) (io.ReadCloser, error) {
	client, err := t.connected()
	if err != nil {
		return nil, err
	}
	audio, ok := ref.Raw.(*waE2E.AudioMessage)
	if !ok || audio == nil {
		return nil, fmt.Errorf("voice reference is not a whatsmeow audio message")
	}
	data, err := client.Download(ctx, audio)
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (t *WhatsmeowTransport) SetTyping(ctx context.Context, chat string, typing bool) error {
	client, err := t.connected()
	if err != nil {
		return err
	}
	jid, err := types.ParseJID(chat)
	if err != nil {
		return err
	}
	state := types.ChatPresencePaused
	if typing {
		state = types.ChatPresenceComposing
	}
	return client.SendChatPresence(ctx, jid, state, "")
}

// refreshVersion fetches the current WhatsApp Web client version so the next
// handshake is not rejected as outdated.
func (t *WhatsmeowTransport) refreshVersion(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	latest, err := whatsmeow.GetLatestVersion(ctx, http.DefaultClient)
	if err != nil {
		return err
	}
	previous := store.GetWAVersion()
	store.SetWAVersion(*latest)
	if previous != *latest {
		logger.InfoCF("whatsmeow", "Protocol version updated", map[string]interface{}{
			"from": previous.String(),
			"to":   latest.String(),
		})
	}
	return nil
}

// versionLoop refreshes the protocol version on a cron schedule.
func (t *WhatsmeowTransport) versionLoop(ctx context.Context, expr string) {
	if !gronx.New().IsValid(expr) {
		logger.WarnCF("whatsmeow", "Invalid version check schedule", map[string]interface{}{
			"cron": expr,
		})
		return
	}

	for {
		next, err := gronx.NextTickAfter(expr, time.Now(), false)
		if err != nil {
			logger.WarnCF("whatsmeow", "Version schedule failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		if err := t.refreshVersion(ctx); err != nil {
			logger.WarnCF("whatsmeow", "Version refresh failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}
