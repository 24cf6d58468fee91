package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/openapex/wabridge/pkg/backend"
	"github.com/openapex/wabridge/pkg/bus"
	"github.com/openapex/wabridge/pkg/logger"
	"github.com/openapex/wabridge/pkg/metrics"
	"github.com/openapex/wabridge/pkg/transport"
)

// MediaErrorText is sent when a voice note cannot be downloaded or stored.
const MediaErrorText = "Maaf, pesan suara tidak dapat diunduh. Silakan kirim ulang."

const defaultDownloadTimeout = 60 * time.Second

var ErrEmptyMedia = errors.New("voice: media stream was empty")

// VoiceRelay forwards a stored voice note to the backend.
type VoiceRelay interface {
	RelayVoice(ctx context.Context, sender, audioPath string) backend.VoiceReply
}

type Options struct {
	Transport       transport.Transport
	Backend         VoiceRelay
	Dir             string
	MediaErrorReply string
	DownloadTimeout time.Duration
	Metrics         *metrics.Metrics
}

// Pipeline turns a voice-note message into a backend voice relay and sends
// back whatever the backend produced.
type Pipeline struct {
	transport       transport.Transport
	backend         VoiceRelay
	dir             string
	mediaErrorReply string
	downloadTimeout time.Duration
	metrics         *metrics.Metrics
}

func NewPipeline(opts Options) *Pipeline {
	p := &Pipeline{
		transport:       opts.Transport,
		backend:         opts.Backend,
		dir:             opts.Dir,
		mediaErrorReply: opts.MediaErrorReply,
		downloadTimeout: opts.DownloadTimeout,
		metrics:         opts.Metrics,
	}
	if p.dir == "" {
		p.dir = "downloads"
	}
	if p.mediaErrorReply == "" {
		p.mediaErrorReply = MediaErrorText
	}
	if p.downloadTimeout <= 0 {
		p.downloadTimeout = defaultDownloadTimeout
	}
	return p
}

// Handle stores the voice note, relays it and delivers the reply. Failures
// before the relay still produce a text apology.
func (p *Pipeline) Handle(ctx context.Context, msg *bus.InboundMessage) {
	path, err := p.fetch(ctx, msg)
	if err != nil {
		logger.ErrorCF("voice", "Voice note unavailable", map[string]interface{}{
			"message_id": msg.ID,
			"sender":     msg.Sender,
			"error":      err.Error(),
		})
		p.sendText(ctx, msg, p.mediaErrorReply)
		return
	}

	logger.InfoCF("voice", "Voice note stored", map[string]interface{}{
		"sender": msg.Sender,
		"path":   path,
	})

	reply := p.backend.RelayVoice(ctx, msg.Sender, path)
	p.deliver(ctx, msg, reply)
}

func (p *Pipeline) fetch(ctx context.Context, msg *bus.InboundMessage) (string, error) {
	if msg.Voice == nil {
		return "", errors.New("message has no voice reference")
	}

	dlCtx, cancel := context.WithTimeout(ctx, p.downloadTimeout)
	defer cancel()

	rc, err := p.transport.OpenMedia(dlCtx, msg.Voice)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	data, err := Acquire(rc)
	if err != nil {
		return "", err
	}
	p.metrics.RecordVoiceBytes("in", len(data))

	return p.Persist(data)
}

// Acquire reads the whole stream into one buffer. Chunk boundaries carry no
// meaning; bytes are kept in delivery order.
func Acquire(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("failed to read media: %w", err)
	}
	if buf.Len() == 0 {
		return nil, ErrEmptyMedia
	}
	return buf.Bytes(), nil
}

// Persist writes data to a new file in the scratch directory and returns its
// absolute path. Names combine a nanosecond timestamp with a random suffix
// and are created exclusively, so concurrent notes never share a file.
func (p *Pipeline) Persist(data []byte) (string, error) {
	dir, err := filepath.Abs(p.dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	name := fmt.Sprintf("wa_incoming_%d_%s.ogg", time.Now().UnixNano(), uuid.NewString()[:8])
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create voice file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write voice file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write voice file: %w", err)
	}
	return path, nil
}

// deliver sends the text reply, then the audio reply when the backend
// produced a file that exists. A fallback reply never carries audio.
func (p *Pipeline) deliver(ctx context.Context, msg *bus.InboundMessage, reply backend.VoiceReply) {
	if reply.Text != "" {
		p.sendText(ctx, msg, reply.Text)
	}
	if reply.Fallback || reply.AudioPath == "" {
		return
	}

	info, err := os.Stat(reply.AudioPath)
	if err != nil || info.IsDir() {
		logger.WarnCF("voice", "Reply audio missing", map[string]interface{}{
			"path": reply.AudioPath,
		})
		return
	}

	audio, err := os.ReadFile(reply.AudioPath)
	if err != nil {
		logger.ErrorCF("voice", "Failed to read reply audio", map[string]interface{}{
			"path":  reply.AudioPath,
			"error": err.Error(),
		})
		return
	}

	err = p.transport.ReplyVoice(ctx, msg, audio, transport.VoiceMimetype)
	p.metrics.RecordReply("voice", err)
	if err != nil {
		logger.ErrorCF("voice", "Failed to send voice reply", map[string]interface{}{
			"chat":  msg.Chat,
			"error": err.Error(),
		})
		return
	}
	p.metrics.RecordVoiceBytes("out", len(audio))
}

func (p *Pipeline) sendText(ctx context.Context, msg *bus.InboundMessage, text string) {
	err := p.transport.ReplyText(ctx, msg, text)
	p.metrics.RecordReply("text", err)
	if err != nil {
		logger.ErrorCF("voice", "Failed to send text reply", map[string]interface{}{
			"chat":  msg.Chat,
			"error": err.Error(),
		})
	}
}
