package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openapex/wabridge/pkg/bus"
	"github.com/openapex/wabridge/pkg/logger"
	"github.com/openapex/wabridge/pkg/metrics"
	"github.com/openapex/wabridge/pkg/storage/repository"
	"github.com/openapex/wabridge/pkg/transport"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusOpen         Status = "open"
	StatusClosedFinal  Status = "closed-final"
)

var (
	// ErrLoggedOut means the remote revoked the session; it will not be
	// re-established without pairing again.
	ErrLoggedOut = errors.New("session: logged out by remote")
	// ErrCredentialPersist means a rotated credential could not be stored.
	ErrCredentialPersist = errors.New("session: failed to persist credentials")
)

// MessageHandler receives inbound messages while the session is open.
type MessageHandler interface {
	OnMessage(ctx context.Context, msg *bus.InboundMessage)
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	Status          Status          `json:"status"`
	Transport       string          `json:"transport"`
	ProtocolVersion string          `json:"protocol_version,omitempty"`
	Since           time.Time       `json:"since"`
	LastDisconnect  *bus.Disconnect `json:"last_disconnect,omitempty"`
	Reconnects      int             `json:"reconnects"`
	PairingCode     string          `json:"-"`
}

// Backoff bounds the delay between failed connection attempts. The first
// retry after a close is immediate.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before the given retry attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := b.Initial
	for i := 2; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

type Options struct {
	Transport   transport.Transport
	Bus         *bus.MessageBus
	Credentials repository.CredentialRepository
	Handler     MessageHandler
	Backoff     Backoff
	Metrics     *metrics.Metrics
}

// Manager owns the chat session: it connects the transport, consumes the
// ordered event stream, persists credential rotations and reconnects after
// transient closes.
type Manager struct {
	transport transport.Transport
	bus       *bus.MessageBus
	creds     repository.CredentialRepository
	handler   MessageHandler
	backoff   Backoff
	metrics   *metrics.Metrics

	mu   sync.RWMutex
	snap Snapshot

	attempt      int
	retry        chan struct{}
	retryTimer   *time.Timer
	retryPending bool

	closeOnce sync.Once
}

func NewManager(opts Options) *Manager {
	if opts.Backoff.Initial <= 0 {
		opts.Backoff.Initial = 5 * time.Second
	}
	if opts.Backoff.Max < opts.Backoff.Initial {
		opts.Backoff.Max = 5 * time.Minute
	}
	return &Manager{
		transport: opts.Transport,
		bus:       opts.Bus,
		creds:     opts.Credentials,
		handler:   opts.Handler,
		backoff:   opts.Backoff,
		metrics:   opts.Metrics,
		retry:     make(chan struct{}, 1),
		snap: Snapshot{
			Status:    StatusDisconnected,
			Transport: opts.Transport.Name(),
			Since:     time.Now(),
		},
	}
}

// Status returns the current session snapshot.
func (m *Manager) Status() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := m.snap
	if snap.LastDisconnect != nil {
		d := *snap.LastDisconnect
		snap.LastDisconnect = &d
	}
	return snap
}

func (m *Manager) update(fn func(s *Snapshot)) {
	m.mu.Lock()
	fn(&m.snap)
	m.mu.Unlock()
}

func (m *Manager) setStatus(status Status) {
	m.update(func(s *Snapshot) {
		if s.Status != status {
			s.Status = status
			s.Since = time.Now()
		}
	})
	m.metrics.SetConnected(status == StatusOpen)
}

// Run starts the session and processes events until ctx is cancelled, the
// remote logs the session out (ErrLoggedOut) or a credential rotation cannot
// be persisted (ErrCredentialPersist).
//
// On cancellation the transport stays connected so replies still in flight
// can be sent; the caller disconnects it with Close once they have drained.
// The two error cases disconnect before returning.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.restoreCredentials(ctx); err != nil {
		return err
	}

	m.connect(ctx)

	for {
		select {
		case <-ctx.Done():
			m.stopRetry()
			return nil
		case <-m.bus.Done():
			m.stopRetry()
			return nil
		case <-m.retry:
			m.retryPending = false
			m.connect(ctx)
		case ev := <-m.bus.Events():
			if err := m.handle(ctx, ev); err != nil {
				m.shutdown()
				return err
			}
		}
	}
}

func (m *Manager) restoreCredentials(ctx context.Context) error {
	restorer, ok := m.transport.(transport.CredentialRestorer)
	if !ok || m.creds == nil {
		return nil
	}
	blob, err := m.creds.Load(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		logger.InfoC("session", "No stored credentials, pairing will be required")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	restorer.RestoreCredentials(blob)
	logger.InfoCF("session", "Credentials restored", map[string]interface{}{
		"bytes": len(blob),
	})
	return nil
}

func (m *Manager) connect(ctx context.Context) {
	m.setStatus(StatusConnecting)
	if err := m.transport.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.WarnCF("session", "Connection attempt failed", map[string]interface{}{
			"transport": m.transport.Name(),
			"error":     err.Error(),
		})
		m.setStatus(StatusDisconnected)
		m.scheduleRetry(ctx, bus.ReasonConnectFailure)
	}
}

// scheduleRetry arranges the next connection attempt. Retries are unbounded.
func (m *Manager) scheduleRetry(ctx context.Context, reason bus.DisconnectReason) {
	if m.retryPending {
		return
	}
	m.attempt++
	m.update(func(s *Snapshot) { s.Reconnects++ })
	m.metrics.RecordReconnect(string(reason))

	delay := m.backoff.Delay(m.attempt)
	if delay == 0 {
		logger.InfoCF("session", "Reconnecting", map[string]interface{}{"reason": reason})
		m.connect(ctx)
		return
	}

	logger.InfoCF("session", "Reconnect scheduled", map[string]interface{}{
		"reason":  reason,
		"attempt": m.attempt,
		"backoff": delay.String(),
	})
	m.retryPending = true
	m.retryTimer = time.AfterFunc(delay, func() {
		select {
		case m.retry <- struct{}{}:
		default:
		}
	})
}

func (m *Manager) handle(ctx context.Context, ev bus.Event) error {
	m.metrics.RecordEvent(string(ev.Type))

	switch ev.Type {
	case bus.EventReady:
		m.attempt = 0
		m.setStatus(StatusOpen)
		m.update(func(s *Snapshot) {
			s.ProtocolVersion = ev.Version
			s.PairingCode = ""
		})
		logger.InfoCF("session", "Session open", map[string]interface{}{
			"transport": ev.Transport,
			"version":   ev.Version,
		})

	case bus.EventMessage:
		if ev.Message == nil {
			return nil
		}
		if m.Status().Status != StatusOpen {
			logger.DebugCF("session", "Dropping message outside open session", map[string]interface{}{
				"id": ev.Message.ID,
			})
			return nil
		}
		if m.handler != nil {
			m.handler.OnMessage(ctx, ev.Message)
		}

	case bus.EventCredentials:
		return m.persistCredentials(ctx, ev.Credentials)

	case bus.EventPairing:
		if ev.QRCode != nil && ev.QRCode.Event == "code" {
			m.update(func(s *Snapshot) { s.PairingCode = ev.QRCode.Code })
			logger.InfoC("session", "Pairing required, scan the QR code")
		}

	case bus.EventDisconnect:
		if ev.Disconnect == nil {
			return nil
		}
		return m.handleDisconnect(ctx, *ev.Disconnect)
	}
	return nil
}

// persistCredentials stores a rotated blob before the loop handles anything
// else.
func (m *Manager) persistCredentials(ctx context.Context, blob []byte) error {
	if m.creds == nil {
		return nil
	}
	if err := m.creds.Save(ctx, blob); err != nil {
		logger.ErrorCF("session", "Credential persistence failed", map[string]interface{}{
			"error": err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrCredentialPersist, err)
	}
	logger.DebugCF("session", "Credentials persisted", map[string]interface{}{
		"bytes": len(blob),
	})
	return nil
}

func (m *Manager) handleDisconnect(ctx context.Context, d bus.Disconnect) error {
	m.update(func(s *Snapshot) { s.LastDisconnect = &d })

	if d.Reason.Terminal() {
		m.setStatus(StatusClosedFinal)
		logger.ErrorCF("session", "Session logged out", map[string]interface{}{
			"detail": d.Detail,
		})
		if m.creds != nil {
			if err := m.creds.Clear(ctx); err != nil {
				logger.WarnCF("session", "Failed to clear revoked credentials", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
		return ErrLoggedOut
	}

	if m.Status().Status == StatusClosedFinal {
		return nil
	}
	m.setStatus(StatusDisconnected)
	logger.WarnCF("session", "Connection closed", map[string]interface{}{
		"reason": d.Reason,
		"detail": d.Detail,
	})
	m.scheduleRetry(ctx, d.Reason)
	return nil
}

func (m *Manager) stopRetry() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
}

func (m *Manager) shutdown() {
	m.stopRetry()
	m.Close()
}

// Close disconnects the transport. It is safe to call more than once and
// after Run has returned.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.transport.Disconnect()
		if m.Status().Status != StatusClosedFinal {
			m.setStatus(StatusDisconnected)
		}
	})
}
