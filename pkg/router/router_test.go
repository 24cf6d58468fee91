package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/openapex/wabridge/pkg/backend"
	"github.com/openapex/wabridge/pkg/bus"
)

type sentReply struct {
	quotedID string
	chat     string
	text     string
}

type fakeTransport struct {
	mu      sync.Mutex
	replies []sentReply
	typing  []bool
}

func (f *fakeTransport) Name() string                    { return "fake" }
func (f *fakeTransport) Connect(ctx context.Context) error { return nil }
func (f *fakeTransport) Disconnect()                     {}

func (f *fakeTransport) ReplyText(ctx context.Context, quoted *bus.InboundMessage, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, sentReply{quotedID: quoted.ID, chat: quoted.Chat, text: text})
	return nil
}

func (f *fakeTransport) ReplyVoice(context.Context, *bus.InboundMessage, []byte, string) error {
	return errors.New("unexpected voice reply")
}

func (f *fakeTransport) OpenMedia(context.Context, *bus.VoiceRef) (io.ReadCloser, error) {
	return nil, errors.New("unexpected media request")
}

func (f *fakeTransport) SetTyping(ctx context.Context, chat string, typing bool) error {
	f.mu.Lock()
	f.typing = append(f.typing, typing)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) sent() []sentReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentReply(nil), f.replies...)
}

type relayCall struct{ sender, text string }

type fakeRelay struct {
	mu    sync.Mutex
	calls []relayCall
	reply string
	ok    bool
	panic string
}

func (f *fakeRelay) RelayText(ctx context.Context, sender, text string) (string, bool) {
	f.mu.Lock()
	f.calls = append(f.calls, relayCall{sender, text})
	p := f.panic
	f.panic = ""
	f.mu.Unlock()
	if p != "" {
		panic(p)
	}
	return f.reply, f.ok
}

func (f *fakeRelay) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeVoice struct {
	mu   sync.Mutex
	msgs []*bus.InboundMessage
}

func (f *fakeVoice) Handle(ctx context.Context, msg *bus.InboundMessage) {
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
}

func direct(text string) *bus.InboundMessage {
	return &bus.InboundMessage{
		ID:           "3EB0AA",
		Chat:         "628123@s.whatsapp.net",
		Sender:       "628123@s.whatsapp.net",
		Kind:         bus.KindText,
		Conversation: text,
	}
}

func drain(t *testing.T, r *Router) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestHaloIsRelayedAndAnsweredWithQuote(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/whatsapp/incoming" {
			t.Errorf("path = %s", req.URL.Path)
		}
		_ = json.NewDecoder(req.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"response":"Hai!"}`))
	}))
	defer srv.Close()

	tr := &fakeTransport{}
	r := New(Options{Transport: tr, Backend: backend.NewClient(backend.Options{BaseURL: srv.URL})})

	r.OnMessage(context.Background(), direct("halo"))
	drain(t, r)

	if got["sender"] != "628123@s.whatsapp.net" || got["message"] != "halo" {
		t.Fatalf("backend request = %v", got)
	}
	replies := tr.sent()
	if len(replies) != 1 {
		t.Fatalf("replies = %+v, want exactly one", replies)
	}
	if replies[0].text != "Hai!" || replies[0].quotedID != "3EB0AA" {
		t.Fatalf("reply = %+v", replies[0])
	}
	if len(tr.typing) != 2 || !tr.typing[0] || tr.typing[1] {
		t.Fatalf("typing = %v, want on then off", tr.typing)
	}
}

func TestUnreachableBackendSendsNothing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr := &fakeTransport{}
	r := New(Options{Transport: tr, Backend: backend.NewClient(backend.Options{BaseURL: url})})

	r.OnMessage(context.Background(), direct("halo"))
	drain(t, r)

	if replies := tr.sent(); len(replies) != 0 {
		t.Fatalf("replies = %+v, want none", replies)
	}
}

func TestIneligibleMessagesNeverReachBackend(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *bus.InboundMessage)
		reason string
	}{
		{"self echo", func(m *bus.InboundMessage) { m.FromMe = true }, ReasonSelf},
		{"group chat", func(m *bus.InboundMessage) { m.IsGroup = true; m.Chat = "120363@g.us" }, ReasonGroup},
		{"broadcast", func(m *bus.InboundMessage) { m.IsBroadcast = true; m.Chat = "status@broadcast" }, ReasonBroadcast},
		{"unsupported", func(m *bus.InboundMessage) { m.Kind = bus.KindOther; m.Conversation = "" }, ReasonUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{}
			relay := &fakeRelay{reply: "x", ok: true}
			voice := &fakeVoice{}
			r := New(Options{Transport: tr, Backend: relay, Voice: voice})

			msg := direct("halo")
			tt.mutate(msg)
			if ok, reason := r.Eligible(msg); ok || reason != tt.reason {
				t.Fatalf("Eligible = %v, %q; want false, %q", ok, reason, tt.reason)
			}

			r.OnMessage(context.Background(), msg)
			drain(t, r)
			if relay.callCount() != 0 || len(tr.sent()) != 0 || len(voice.msgs) != 0 {
				t.Fatal("ineligible message was processed")
			}
		})
	}
}

func TestExtractTextPrecedence(t *testing.T) {
	tests := []struct {
		name string
		msg  bus.InboundMessage
		want string
	}{
		{"conversation wins", bus.InboundMessage{Conversation: "a", ExtendedText: "b", Caption: "c"}, "a"},
		{"extended over caption", bus.InboundMessage{ExtendedText: "b", Caption: "c"}, "b"},
		{"caption last", bus.InboundMessage{Caption: "c"}, "c"},
		{"whitespace skipped", bus.InboundMessage{Conversation: "  ", ExtendedText: " b "}, "b"},
		{"nothing", bus.InboundMessage{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractText(&tt.msg); got != tt.want {
				t.Fatalf("ExtractText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVoiceGoesToPipelineEvenWithCaption(t *testing.T) {
	relay := &fakeRelay{ok: true, reply: "x"}
	voice := &fakeVoice{}
	r := New(Options{Transport: &fakeTransport{}, Backend: relay, Voice: voice})

	msg := direct("")
	msg.Kind = bus.KindVoice
	msg.Caption = "ignored"
	msg.Voice = &bus.VoiceRef{MediaID: "m1"}

	r.OnMessage(context.Background(), msg)
	drain(t, r)

	if len(voice.msgs) != 1 || relay.callCount() != 0 {
		t.Fatalf("voice=%d relay=%d", len(voice.msgs), relay.callCount())
	}
}

func TestTextRelayedExactlyOnce(t *testing.T) {
	relay := &fakeRelay{ok: true, reply: "ok"}
	r := New(Options{Transport: &fakeTransport{}, Backend: relay})

	msg := direct("")
	msg.ExtendedText = "balas ini"
	r.OnMessage(context.Background(), msg)
	drain(t, r)

	if len(relay.calls) != 1 || relay.calls[0] != (relayCall{"628123@s.whatsapp.net", "balas ini"}) {
		t.Fatalf("calls = %+v", relay.calls)
	}
}

func TestPanicInOneMessageDoesNotStopOthers(t *testing.T) {
	tr := &fakeTransport{}
	relay := &fakeRelay{ok: true, reply: "Hai!", panic: "boom"}
	r := New(Options{Transport: tr, Backend: relay})

	r.OnMessage(context.Background(), direct("first"))
	drain(t, r)
	r.OnMessage(context.Background(), direct("second"))
	drain(t, r)

	if relay.callCount() != 2 {
		t.Fatalf("relay calls = %d", relay.callCount())
	}
	if replies := tr.sent(); len(replies) != 1 || replies[0].text != "Hai!" {
		t.Fatalf("replies = %+v", replies)
	}
}

func TestEmptyBackendReplyIsNotSent(t *testing.T) {
	tr := &fakeTransport{}
	r := New(Options{Transport: tr, Backend: &fakeRelay{ok: true, reply: "  "}})

	r.OnMessage(context.Background(), direct("halo"))
	drain(t, r)
	if len(tr.sent()) != 0 {
		t.Fatal("blank reply should not be sent")
	}
}

func TestAllowList(t *testing.T) {
	r := New(Options{AllowFrom: []string{"+628123", "62999@s.whatsapp.net"}})

	cases := map[string]bool{
		"628123@s.whatsapp.net": true,
		"62999@s.whatsapp.net":  true,
		"62777@s.whatsapp.net":  false,
	}
	for sender, want := range cases {
		msg := direct("halo")
		msg.Sender = sender
		if ok, _ := r.Eligible(msg); ok != want {
			t.Errorf("Eligible(%s) = %v, want %v", sender, ok, want)
		}
	}
}

func TestWaitRespectsContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := New(Options{Transport: &fakeTransport{}, Backend: blockingRelay(block)})

	r.OnMessage(context.Background(), direct("halo"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
}

type blockingRelay chan struct{}

func (b blockingRelay) RelayText(ctx context.Context, sender, text string) (string, bool) {
	<-b
	return "", false
}
