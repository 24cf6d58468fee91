package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/openapex/wabridge/pkg/bus"
	"github.com/openapex/wabridge/pkg/logger"
	"github.com/openapex/wabridge/pkg/metrics"
	"github.com/openapex/wabridge/pkg/transport"
)

// TextRelay forwards text to the backend. ok=false means no reply is due.
type TextRelay interface {
	RelayText(ctx context.Context, sender, text string) (reply string, ok bool)
}

// VoiceHandler processes one voice-note message end to end.
type VoiceHandler interface {
	Handle(ctx context.Context, msg *bus.InboundMessage)
}

// Drop reasons reported by Eligible.
const (
	ReasonSelf        = "self"
	ReasonGroup       = "group"
	ReasonBroadcast   = "broadcast"
	ReasonNotAllowed  = "not_allowed"
	ReasonUnsupported = "unsupported"
)

type Options struct {
	Transport transport.Transport
	Backend   TextRelay
	Voice     VoiceHandler
	// AllowFrom restricts senders by JID or phone number. Empty allows all.
	AllowFrom []string
	Metrics   *metrics.Metrics
}

// Router classifies inbound messages and dispatches each one on its own
// goroutine, so a slow backend call never holds up the event stream.
type Router struct {
	transport transport.Transport
	backend   TextRelay
	voice     VoiceHandler
	allow     map[string]bool
	metrics   *metrics.Metrics

	wg sync.WaitGroup
}

func New(opts Options) *Router {
	r := &Router{
		transport: opts.Transport,
		backend:   opts.Backend,
		voice:     opts.Voice,
		metrics:   opts.Metrics,
	}
	if len(opts.AllowFrom) > 0 {
		r.allow = make(map[string]bool, len(opts.AllowFrom))
		for _, id := range opts.AllowFrom {
			if id = normalizeID(id); id != "" {
				r.allow[id] = true
			}
		}
	}
	return r
}

// OnMessage handles one inbound event without blocking the caller. Tasks
// outlive cancellation of ctx so in-flight replies can finish; use Wait to
// drain them.
func (r *Router) OnMessage(ctx context.Context, msg *bus.InboundMessage) {
	taskCtx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.metrics.RecordPanic()
				logger.ErrorCF("router", "Message handler panicked", map[string]interface{}{
					"message_id": msg.ID,
					"panic":      fmt.Sprint(rec),
					"stack":      string(debug.Stack()),
				})
			}
		}()
		r.dispatch(taskCtx, msg)
	}()
}

// Wait blocks until all dispatched tasks finish or ctx is done.
func (r *Router) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) dispatch(ctx context.Context, msg *bus.InboundMessage) {
	if ok, reason := r.Eligible(msg); !ok {
		r.metrics.RecordMessage(string(msg.Kind), "dropped_"+reason)
		logger.DebugCF("router", "Message dropped", map[string]interface{}{
			"message_id": msg.ID,
			"sender":     msg.Sender,
			"reason":     reason,
		})
		return
	}

	if msg.Voice != nil && r.voice != nil {
		r.metrics.RecordMessage(string(bus.KindVoice), "relayed")
		logger.InfoCF("router", "Voice note received", map[string]interface{}{
			"sender":  msg.Sender,
			"seconds": msg.Voice.Seconds,
		})
		r.voice.Handle(ctx, msg)
		return
	}

	text := ExtractText(msg)
	if text == "" {
		r.metrics.RecordMessage(string(msg.Kind), "dropped_empty")
		return
	}

	r.metrics.RecordMessage(string(bus.KindText), "relayed")
	logger.InfoCF("router", "Text received", map[string]interface{}{
		"sender":  msg.Sender,
		"preview": logger.Truncate(text, 50),
	})
	r.relayText(ctx, msg, text)
}

func (r *Router) relayText(ctx context.Context, msg *bus.InboundMessage, text string) {
	_ = r.transport.SetTyping(ctx, msg.Chat, true)
	reply, ok := r.backend.RelayText(ctx, msg.Sender, text)
	_ = r.transport.SetTyping(ctx, msg.Chat, false)

	if !ok || strings.TrimSpace(reply) == "" {
		return
	}

	err := r.transport.ReplyText(ctx, msg, reply)
	r.metrics.RecordReply("text", err)
	if err != nil {
		logger.ErrorCF("router", "Failed to send reply", map[string]interface{}{
			"chat":  msg.Chat,
			"error": err.Error(),
		})
	}
}

// Eligible reports whether msg may reach the backend, and if not, why.
func (r *Router) Eligible(msg *bus.InboundMessage) (bool, string) {
	switch {
	case msg.FromMe:
		return false, ReasonSelf
	case msg.IsGroup:
		return false, ReasonGroup
	case msg.IsBroadcast:
		return false, ReasonBroadcast
	case !r.allowed(msg.Sender):
		return false, ReasonNotAllowed
	case msg.Kind == bus.KindOther && ExtractText(msg) == "":
		return false, ReasonUnsupported
	}
	return true, ""
}

func (r *Router) allowed(sender string) bool {
	if len(r.allow) == 0 {
		return true
	}
	id := normalizeID(sender)
	if r.allow[id] {
		return true
	}
	user, _, _ := strings.Cut(id, "@")
	return r.allow[user]
}

// ExtractText picks the best text representation: conversation text, then
// extended text, then media caption.
func ExtractText(msg *bus.InboundMessage) string {
	for _, candidate := range []string{msg.Conversation, msg.ExtendedText, msg.Caption} {
		if t := strings.TrimSpace(candidate); t != "" {
			return t
		}
	}
	return ""
}

func normalizeID(id string) string {
	return strings.TrimPrefix(strings.TrimSpace(id), "+")
}
