package backend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newBackend(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{BaseURL: srv.URL})
}

func TestRelayTextSendsSenderAndMessage(t *testing.T) {
	var got textRequest
	var path string
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":"Hai!"}`))
	})

	reply, ok := c.RelayText(t.Context(), "628123@s.whatsapp.net", "halo")
	if !ok || reply != "Hai!" {
		t.Fatalf("RelayText = %q, %v", reply, ok)
	}
	if path != TextPath {
		t.Fatalf("path = %q", path)
	}
	if got.Sender != "628123@s.whatsapp.net" || got.Message != "halo" {
		t.Fatalf("request = %+v", got)
	}
}

func TestRelayTextConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Options{BaseURL: url})
	if reply, ok := c.RelayText(t.Context(), "628123@s.whatsapp.net", "halo"); ok || reply != "" {
		t.Fatalf("expected absent reply, got %q, %v", reply, ok)
	}
}

func TestRelayTextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, TextTimeout: 50 * time.Millisecond})
	if _, ok := c.RelayText(t.Context(), "628123@s.whatsapp.net", "halo"); ok {
		t.Fatal("expected timeout to produce absent reply")
	}
}

func TestRelayTextTolerantDecoding(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
		ok     bool
	}{
		{"plain text body", 200, "  selesai dikerjakan \n", "selesai dikerjakan", true},
		{"empty body", 200, "", CompletionText, true},
		{"json without field", 200, `{"status":"ok"}`, CompletionText, true},
		{"error status with error field", 500, `{"error":"boom"}`, "", false},
		{"error status plain text", 502, "Bad Gateway", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			got, ok := c.RelayText(t.Context(), "628123@s.whatsapp.net", "halo")
			if got != tt.want || ok != tt.ok {
				t.Fatalf("RelayText = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestRelayVoiceSuccess(t *testing.T) {
	var got voiceRequest
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != VoicePath {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"text_response":"transkripsi","audio_path":"/tmp/reply.m4a"}`))
	})

	reply := c.RelayVoice(t.Context(), "628123@s.whatsapp.net", "/data/downloads/wa_incoming_1.ogg")
	if reply.Fallback || reply.Text != "transkripsi" || reply.AudioPath != "/tmp/reply.m4a" {
		t.Fatalf("reply = %+v", reply)
	}
	if got.AudioPath != "/data/downloads/wa_incoming_1.ogg" || got.Sender != "628123@s.whatsapp.net" {
		t.Fatalf("request = %+v", got)
	}
}

func TestRelayVoiceFallbackOnTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	reply := NewClient(Options{BaseURL: url}).RelayVoice(t.Context(), "628123@s.whatsapp.net", "/x.ogg")
	if !reply.Fallback || reply.Text != VoiceFallbackText || reply.AudioPath != "" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestRelayVoiceErrorStatusWithTextIsDelivered(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"text_response":"Error: stt unavailable"}`))
	})

	reply := c.RelayVoice(t.Context(), "628123@s.whatsapp.net", "/x.ogg")
	if reply.Fallback || reply.Text != "Error: stt unavailable" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestRelayVoiceErrorStatusWithoutFields(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	})

	reply := NewClient(Options{BaseURL: c.baseURL, FallbackReply: "maaf"}).RelayVoice(t.Context(), "s", "/x.ogg")
	if !reply.Fallback || reply.Text != "maaf" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestRelayVoiceNullFieldsYieldCompletionText(t *testing.T) {
	tests := map[string]string{
		"both null":    `{"text_response":null,"audio_path":null}`,
		"blank":        `{"text_response":"  ","audio_path":""}`,
		"text missing": `{"audio_path":null}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			})

			reply := c.RelayVoice(t.Context(), "628123@s.whatsapp.net", "/x.ogg")
			if reply.Fallback || reply.Text != CompletionText || reply.AudioPath != "" {
				t.Fatalf("reply = %+v", reply)
			}
		})
	}
}

func TestRelayVoiceAudioOnly(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"text_response":null,"audio_path":"/tmp/reply.m4a"}`))
	})

	reply := c.RelayVoice(t.Context(), "628123@s.whatsapp.net", "/x.ogg")
	if reply.Text != "" || reply.AudioPath != "/tmp/reply.m4a" {
		t.Fatalf("reply = %+v", reply)
	}
}
