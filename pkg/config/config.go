package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

const (
	TransportWhatsmeow = "whatsmeow"
	TransportWebBridge = "webbridge"
)

type Config struct {
	AppRoot   string          `json:"app_root"`
	Transport TransportConfig `json:"transport"`
	Backend   BackendConfig   `json:"backend"`
	Voice     VoiceConfig     `json:"voice"`
	Session   SessionConfig   `json:"session"`
	Storage   StorageConfig   `json:"storage"`
	Dashboard DashboardConfig `json:"dashboard"`
	Log       LogConfig       `json:"log"`
	AllowFrom []string        `json:"allow_from"`
	mu        sync.RWMutex
}

type TransportConfig struct {
	Type      string          `json:"type"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	WebBridge WebBridgeConfig `json:"webbridge"`
}

type WhatsAppConfig struct {
	StorePath        string `json:"store_path"`
	VersionCheckCron string `json:"version_check_cron"`
}

type WebBridgeConfig struct {
	URL                string `json:"url"`
	DialTimeoutSeconds int    `json:"dial_timeout_seconds"`
}

type BackendConfig struct {
	BaseURL             string `json:"base_url"`
	TextTimeoutSeconds  int    `json:"text_timeout_seconds"`
	VoiceTimeoutSeconds int    `json:"voice_timeout_seconds"`
}

type VoiceConfig struct {
	DownloadDir     string `json:"download_dir"`
	FallbackReply   string `json:"fallback_reply"`
	MediaErrorReply string `json:"media_error_reply"`
}

type SessionConfig struct {
	ReconnectInitialSeconds int `json:"reconnect_initial_seconds"`
	ReconnectMaxSeconds     int `json:"reconnect_max_seconds"`
}

type StorageConfig struct {
	Type        string `json:"type"` // "file", "sqlite", "postgres"
	FilePath    string `json:"file_path"`
	DatabaseURL string `json:"database_url"`
	SSLEnabled  bool   `json:"ssl_enabled"`
	Encrypt     bool   `json:"encrypt"`
}

type DashboardConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Token   string `json:"token"`
}

type LogConfig struct {
	Level string `json:"level"`
	JSON  bool   `json:"json"`
}

func DefaultConfig() *Config {
	return &Config{
		AppRoot: "~/.wabridge",
		Transport: TransportConfig{
			Type: TransportWhatsmeow,
			WhatsApp: WhatsAppConfig{
				StorePath:        "~/.wabridge/whatsapp.db",
				VersionCheckCron: "0 */6 * * *",
			},
			WebBridge: WebBridgeConfig{
				URL:                "ws://127.0.0.1:5679/ws",
				DialTimeoutSeconds: 10,
			},
		},
		Backend: BackendConfig{
			BaseURL:             "http://localhost:5678",
			TextTimeoutSeconds:  60,
			VoiceTimeoutSeconds: 90,
		},
		Voice: VoiceConfig{
			FallbackReply:   "Maaf, terjadi kesalahan saat memproses pesan suara. Silakan coba lagi.",
			MediaErrorReply: "Maaf, pesan suara tidak dapat diunduh. Silakan kirim ulang.",
		},
		Session: SessionConfig{
			ReconnectInitialSeconds: 5,
			ReconnectMaxSeconds:     300,
		},
		Storage: StorageConfig{
			Type:    "file",
			Encrypt: true,
		},
		Dashboard: DashboardConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    18791,
		},
		Log: LogConfig{
			Level: "info",
		},
		AllowFrom: []string{},
	}
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wabridge", "config.json")
}

// LoadConfig reads path (or the default location) on top of the defaults and
// applies environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = DefaultConfig()
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE files into the environment without replacing
// variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		p = ExpandHome(p)
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

// SaveConfig writes cfg as indented JSON, replacing the file atomically.
func SaveConfig(path string, cfg *Config) error {
	if path == "" {
		path = DefaultConfigPath()
	}

	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && (path[1] == '/' || path[1] == '\\') {
		return home + path[1:]
	}
	return home
}

func (c *Config) AppRootPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.AppRoot == "" {
		return ExpandHome("~/.wabridge")
	}
	return ExpandHome(c.AppRoot)
}

// DownloadDir is the scratch directory for inbound voice notes.
func (c *Config) DownloadDir() string {
	c.mu.RLock()
	dir := c.Voice.DownloadDir
	c.mu.RUnlock()
	if dir != "" {
		return ExpandHome(dir)
	}
	return filepath.Join(c.AppRootPath(), "downloads")
}

// CredentialsPath is where the file storage backend keeps the session blob.
func (c *Config) CredentialsPath() string {
	c.mu.RLock()
	p := c.Storage.FilePath
	c.mu.RUnlock()
	if p != "" {
		return ExpandHome(p)
	}
	return filepath.Join(c.AppRootPath(), "session.bin")
}

func (c *Config) WhatsAppStorePath() string {
	c.mu.RLock()
	p := c.Transport.WhatsApp.StorePath
	c.mu.RUnlock()
	if p == "" {
		return filepath.Join(c.AppRootPath(), "whatsapp.db")
	}
	return ExpandHome(p)
}

func (c *Config) TextTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return secondsOr(c.Backend.TextTimeoutSeconds, 60)
}

func (c *Config) VoiceTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return secondsOr(c.Backend.VoiceTimeoutSeconds, 90)
}

func (c *Config) ReconnectBackoff() (initial, max time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return secondsOr(c.Session.ReconnectInitialSeconds, 5), secondsOr(c.Session.ReconnectMaxSeconds, 300)
}

func secondsOr(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}
