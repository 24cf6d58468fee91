package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/openapex/wabridge/pkg/logger"
	"github.com/openapex/wabridge/pkg/metrics"
)

const (
	TextPath  = "/whatsapp/incoming"
	VoicePath = "/whatsapp/voice-incoming"

	DefaultBaseURL      = "http://localhost:5678"
	DefaultTextTimeout  = 60 * time.Second
	DefaultVoiceTimeout = 90 * time.Second

	// CompletionText is returned when the backend answered but said nothing usable.
	CompletionText = "Task selesai."
	// VoiceFallbackText is the apology sent when a voice round-trip fails.
	VoiceFallbackText = "Maaf, terjadi kesalahan saat memproses pesan suara. Silakan coba lagi."

	maxResponseBytes = 4 << 20
)

// VoiceReply is the normalized answer of the voice relay. Fallback is set
// when the backend could not be reached and Text holds the apology.
type VoiceReply struct {
	Text      string
	AudioPath string
	Fallback  bool
}

type Options struct {
	BaseURL       string
	TextTimeout   time.Duration
	VoiceTimeout  time.Duration
	FallbackReply string
	HTTPClient    *http.Client
	Metrics       *metrics.Metrics
}

// Client is the only egress path to the assistant backend.
type Client struct {
	baseURL       string
	textTimeout   time.Duration
	voiceTimeout  time.Duration
	fallbackReply string
	httpClient    *http.Client
	metrics       *metrics.Metrics
}

func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		textTimeout:   opts.TextTimeout,
		voiceTimeout:  opts.VoiceTimeout,
		fallbackReply: opts.FallbackReply,
		httpClient:    opts.HTTPClient,
		metrics:       opts.Metrics,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.textTimeout <= 0 {
		c.textTimeout = DefaultTextTimeout
	}
	if c.voiceTimeout <= 0 {
		c.voiceTimeout = DefaultVoiceTimeout
	}
	if c.fallbackReply == "" {
		c.fallbackReply = VoiceFallbackText
	}
	if c.httpClient == nil {
		c.httpClient = newDefaultHTTPClient()
	}
	return c
}

// newDefaultHTTPClient sets transport-level timeouts only; the request
// lifetime is bounded by the per-call context deadline.
func newDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}

type textRequest struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

type voiceRequest struct {
	Sender    string `json:"sender"`
	AudioPath string `json:"audio_path"`
}

// RelayText forwards a text message. ok is false when the backend was
// unreachable, timed out or answered with an error; the caller must not reply.
func (c *Client) RelayText(ctx context.Context, sender, text string) (string, bool) {
	status, body, err := c.post(ctx, TextPath, c.textTimeout, textRequest{Sender: sender, Message: text})
	if err != nil {
		logger.WarnCF("backend", "Text relay failed", map[string]interface{}{
			"sender": sender,
			"error":  err.Error(),
		})
		return "", false
	}

	reply, ok := normalize(status, body, "response")
	if !ok {
		logger.WarnCF("backend", "Text relay rejected", map[string]interface{}{
			"sender": sender,
			"status": status,
			"body":   logger.Truncate(string(body), 200),
		})
		return "", false
	}
	return reply, true
}

// RelayVoice forwards the path of a persisted voice note. It never fails:
// transport errors produce a fallback reply carrying only an apology.
func (c *Client) RelayVoice(ctx context.Context, sender, audioPath string) VoiceReply {
	fallback := VoiceReply{Text: c.fallbackReply, Fallback: true}

	status, body, err := c.post(ctx, VoicePath, c.voiceTimeout, voiceRequest{Sender: sender, AudioPath: audioPath})
	if err != nil {
		logger.WarnCF("backend", "Voice relay failed", map[string]interface{}{
			"sender": sender,
			"error":  err.Error(),
		})
		return fallback
	}

	success := status >= 200 && status < 300
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		if !success {
			return fallback
		}
		return VoiceReply{Text: rawText(body)}
	}

	// null and blank values count as absent
	text := strings.TrimSpace(gjson.GetBytes(body, "text_response").String())
	audio := strings.TrimSpace(gjson.GetBytes(body, "audio_path").String())
	if text == "" && audio == "" {
		if !success {
			logger.WarnCF("backend", "Voice relay rejected", map[string]interface{}{
				"sender": sender,
				"status": status,
			})
			return fallback
		}
		return VoiceReply{Text: CompletionText}
	}

	return VoiceReply{Text: text, AudioPath: audio}
}

func (c *Client) post(ctx context.Context, path string, timeout time.Duration, payload interface{}) (int, []byte, error) {
	endpoint := strings.TrimPrefix(path, "/whatsapp/")
	start := time.Now()

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		label := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			label = "timeout"
		}
		c.metrics.RecordBackend(endpoint, label, time.Since(start))
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.metrics.RecordBackend(endpoint, "error", time.Since(start))
		return 0, nil, fmt.Errorf("read response: %w", err)
	}

	c.metrics.RecordBackend(endpoint, strconv.Itoa(resp.StatusCode), time.Since(start))
	return resp.StatusCode, body, nil
}

// normalize extracts field from a response body. Bodies that are not JSON
// objects are surfaced as raw text on success; on an error status only a
// body carrying the field is accepted.
func normalize(status int, body []byte, field string) (string, bool) {
	success := status >= 200 && status < 300

	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		if !success {
			return "", false
		}
		return rawText(body), true
	}

	value := gjson.GetBytes(body, field)
	if !value.Exists() {
		if !success {
			return "", false
		}
		return CompletionText, true
	}
	return value.String(), true
}

func rawText(body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return CompletionText
	}
	return text
}
