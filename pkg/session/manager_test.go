package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/openapex/wabridge/pkg/bus"
	"github.com/openapex/wabridge/pkg/storage/repository"
)

// fakeTransport records connection attempts. Each Connect pops the next
// scripted error.
type fakeTransport struct {
	mu          sync.Mutex
	connects    int
	errs        []error
	disconnects int
	restored    []byte
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) ReplyText(context.Context, *bus.InboundMessage, string) error { return nil }
func (f *fakeTransport) ReplyVoice(context.Context, *bus.InboundMessage, []byte, string) error {
	return nil
}
func (f *fakeTransport) OpenMedia(context.Context, *bus.VoiceRef) (io.ReadCloser, error) {
	return nil, errors.New("no media")
}
func (f *fakeTransport) SetTyping(context.Context, string, bool) error { return nil }

type restoringTransport struct{ fakeTransport }

func (r *restoringTransport) RestoreCredentials(blob []byte) { r.restored = blob }

type fakeCreds struct {
	mu      sync.Mutex
	blob    []byte
	saves   [][]byte
	cleared bool
	saveErr error
}

func (c *fakeCreds) Load(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blob == nil {
		return nil, repository.ErrNotFound
	}
	return c.blob, nil
}

func (c *fakeCreds) Save(ctx context.Context, blob []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saveErr != nil {
		return c.saveErr
	}
	c.saves = append(c.saves, blob)
	c.blob = blob
	return nil
}

func (c *fakeCreds) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared = true
	c.blob = nil
	return nil
}

type recordingHandler struct {
	mu   sync.Mutex
	msgs []*bus.InboundMessage
}

func (h *recordingHandler) OnMessage(ctx context.Context, msg *bus.InboundMessage) {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.mu.Unlock()
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

type harness struct {
	tr      *fakeTransport
	bus     *bus.MessageBus
	creds   *fakeCreds
	handler *recordingHandler
	mgr     *Manager
	done    chan error
	exited  chan struct{}
	cancel  context.CancelFunc
}

func start(t *testing.T, tr *fakeTransport, creds *fakeCreds) *harness {
	t.Helper()
	if tr == nil {
		tr = &fakeTransport{}
	}
	if creds == nil {
		creds = &fakeCreds{}
	}
	h := &harness{
		tr:      tr,
		bus:     bus.NewMessageBus(16),
		creds:   creds,
		handler: &recordingHandler{},
		done:    make(chan error, 1),
		exited:  make(chan struct{}),
	}
	h.mgr = NewManager(Options{
		Transport:   tr,
		Bus:         h.bus,
		Credentials: creds,
		Handler:     h.handler,
		Backoff:     Backoff{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond},
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.done <- h.mgr.Run(ctx)
		close(h.exited)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.exited
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitResult(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestTransientDisconnectReconnects(t *testing.T) {
	h := start(t, nil, nil)
	waitFor(t, "initial connect", func() bool { return h.tr.connectCount() == 1 })

	h.bus.Publish(bus.Event{Type: bus.EventReady, Version: "2.3000.1"})
	waitFor(t, "open", func() bool { return h.mgr.Status().Status == StatusOpen })

	h.bus.Publish(bus.Event{Type: bus.EventDisconnect, Disconnect: &bus.Disconnect{Reason: bus.ReasonNetwork}})
	waitFor(t, "reconnect", func() bool { return h.tr.connectCount() == 2 })

	snap := h.mgr.Status()
	if snap.Status == StatusClosedFinal {
		t.Fatal("transient close must not be terminal")
	}
	if snap.LastDisconnect == nil || snap.LastDisconnect.Reason != bus.ReasonNetwork {
		t.Fatalf("last disconnect = %+v", snap.LastDisconnect)
	}
	if snap.ProtocolVersion != "2.3000.1" {
		t.Fatalf("protocol version = %q", snap.ProtocolVersion)
	}
}

func TestLogoutIsTerminal(t *testing.T) {
	h := start(t, nil, &fakeCreds{blob: []byte("old")})
	waitFor(t, "initial connect", func() bool { return h.tr.connectCount() == 1 })

	h.bus.Publish(bus.Event{Type: bus.EventDisconnect, Disconnect: &bus.Disconnect{Reason: bus.ReasonLoggedOut}})

	if err := h.waitResult(t); !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("Run = %v, want ErrLoggedOut", err)
	}
	if got := h.tr.connectCount(); got != 1 {
		t.Fatalf("connect attempts = %d, want no reconnect", got)
	}
	if h.mgr.Status().Status != StatusClosedFinal {
		t.Fatalf("status = %s", h.mgr.Status().Status)
	}
	if !h.creds.cleared {
		t.Fatal("revoked credentials should be cleared")
	}
}

func TestConnectFailuresBackOffAndKeepRetrying(t *testing.T) {
	dial := errors.New("dial tcp: connection refused")
	tr := &fakeTransport{errs: []error{dial, dial, dial, dial}}
	h := start(t, tr, nil)

	waitFor(t, "retries", func() bool { return h.tr.connectCount() >= 5 })

	h.bus.Publish(bus.Event{Type: bus.EventReady})
	waitFor(t, "open", func() bool { return h.mgr.Status().Status == StatusOpen })
	if h.mgr.Status().Reconnects < 4 {
		t.Fatalf("reconnects = %d", h.mgr.Status().Reconnects)
	}
}

func TestCredentialRotationPersisted(t *testing.T) {
	h := start(t, nil, nil)
	h.bus.Publish(bus.Event{Type: bus.EventCredentials, Credentials: []byte("v1")})
	h.bus.Publish(bus.Event{Type: bus.EventCredentials, Credentials: []byte("v2")})

	waitFor(t, "saves", func() bool {
		h.creds.mu.Lock()
		defer h.creds.mu.Unlock()
		return len(h.creds.saves) == 2
	})
	if string(h.creds.blob) != "v2" {
		t.Fatalf("stored blob = %q", h.creds.blob)
	}
}

func TestCredentialPersistFailureIsFatal(t *testing.T) {
	h := start(t, nil, &fakeCreds{saveErr: errors.New("disk full")})
	h.bus.Publish(bus.Event{Type: bus.EventCredentials, Credentials: []byte("v1")})

	if err := h.waitResult(t); !errors.Is(err, ErrCredentialPersist) {
		t.Fatalf("Run = %v, want ErrCredentialPersist", err)
	}
}

func TestMessagesDeliveredOnlyWhileOpen(t *testing.T) {
	h := start(t, nil, nil)
	msg := &bus.InboundMessage{ID: "m1", Sender: "628123@s.whatsapp.net"}

	h.bus.Publish(bus.Event{Type: bus.EventMessage, Message: msg})
	h.bus.Publish(bus.Event{Type: bus.EventReady})
	h.bus.Publish(bus.Event{Type: bus.EventMessage, Message: msg})

	waitFor(t, "delivery", func() bool { return h.handler.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := h.handler.count(); got != 1 {
		t.Fatalf("delivered %d messages, want 1", got)
	}
}

func TestPairingCodeSurfacedUntilReady(t *testing.T) {
	h := start(t, nil, nil)
	h.bus.Publish(bus.Event{Type: bus.EventPairing, QRCode: &bus.QRCodeEvent{Event: "code", Code: "2@xyz"}})
	waitFor(t, "pairing code", func() bool { return h.mgr.Status().PairingCode == "2@xyz" })

	h.bus.Publish(bus.Event{Type: bus.EventReady})
	waitFor(t, "code cleared", func() bool { return h.mgr.Status().PairingCode == "" })
}

func TestStoredCredentialsRestoredBeforeConnect(t *testing.T) {
	tr := &restoringTransport{}
	creds := &fakeCreds{blob: []byte("session-blob")}
	mb := bus.NewMessageBus(4)
	mgr := NewManager(Options{Transport: tr, Bus: mb, Credentials: creds})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	waitFor(t, "connect", func() bool { return tr.connectCount() == 1 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}
	if string(tr.restored) != "session-blob" {
		t.Fatalf("restored = %q", tr.restored)
	}
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func TestCancelLeavesTransportOpenUntilClose(t *testing.T) {
	h := start(t, nil, nil)
	h.bus.Publish(bus.Event{Type: bus.EventReady})
	waitFor(t, "open", func() bool { return h.mgr.Status().Status == StatusOpen })

	h.cancel()
	if err := h.waitResult(t); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if got := h.tr.disconnectCount(); got != 0 {
		t.Fatalf("disconnects after cancel = %d, want 0 so pending replies can be sent", got)
	}

	h.mgr.Close()
	h.mgr.Close()
	if got := h.tr.disconnectCount(); got != 1 {
		t.Fatalf("disconnects after Close = %d, want 1", got)
	}
	if h.mgr.Status().Status != StatusDisconnected {
		t.Fatalf("status = %s", h.mgr.Status().Status)
	}
}

func TestFatalExitDisconnectsBeforeReturning(t *testing.T) {
	h := start(t, nil, nil)
	h.bus.Publish(bus.Event{Type: bus.EventDisconnect, Disconnect: &bus.Disconnect{Reason: bus.ReasonLoggedOut}})

	if err := h.waitResult(t); !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("Run = %v", err)
	}
	if got := h.tr.disconnectCount(); got != 1 {
		t.Fatalf("disconnects = %d, want 1", got)
	}
	h.mgr.Close()
	if got := h.tr.disconnectCount(); got != 1 {
		t.Fatalf("Close after a fatal exit disconnected again (%d)", got)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 5 * time.Second, Max: 5 * time.Minute}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 0},
		{2, 5 * time.Second},
		{3, 10 * time.Second},
		{4, 20 * time.Second},
		{8, 5 * time.Minute},
		{50, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
