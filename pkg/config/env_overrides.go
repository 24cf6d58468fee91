package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnvOverrides applies selected runtime environment variables into config.
// It returns true when any value changed so callers can persist updated config.
func applyEnvOverrides(cfg *Config) bool {
	if cfg == nil {
		return false
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	changed := false

	setString := func(dst *string, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		if *dst != value {
			*dst = value
			changed = true
		}
	}
	setInt := func(dst *int, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return
		}
		if *dst != parsed {
			*dst = parsed
			changed = true
		}
	}
	setBool := func(dst *bool, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return
		}
		if *dst != parsed {
			*dst = parsed
			changed = true
		}
	}

	env := func(keys ...string) string {
		for _, key := range keys {
			if value := strings.TrimSpace(os.Getenv(key)); value != "" {
				return value
			}
		}
		return ""
	}

	setString(&cfg.AppRoot, env("WABRIDGE_APP_ROOT"))

	setString(&cfg.Transport.Type, env("WABRIDGE_TRANSPORT"))
	setString(&cfg.Transport.WhatsApp.StorePath, env("WABRIDGE_WHATSAPP_STORE_PATH"))
	setString(&cfg.Transport.WhatsApp.VersionCheckCron, env("WABRIDGE_WHATSAPP_VERSION_CRON"))
	setString(&cfg.Transport.WebBridge.URL, env("WABRIDGE_WEBBRIDGE_URL"))
	setInt(&cfg.Transport.WebBridge.DialTimeoutSeconds, env("WABRIDGE_WEBBRIDGE_DIAL_TIMEOUT"))

	setString(&cfg.Backend.BaseURL, env("WABRIDGE_BACKEND_URL"))
	setInt(&cfg.Backend.TextTimeoutSeconds, env("WABRIDGE_BACKEND_TEXT_TIMEOUT"))
	setInt(&cfg.Backend.VoiceTimeoutSeconds, env("WABRIDGE_BACKEND_VOICE_TIMEOUT"))

	setString(&cfg.Voice.DownloadDir, env("WABRIDGE_DOWNLOAD_DIR"))

	setInt(&cfg.Session.ReconnectInitialSeconds, env("WABRIDGE_RECONNECT_INITIAL"))
	setInt(&cfg.Session.ReconnectMaxSeconds, env("WABRIDGE_RECONNECT_MAX"))

	setString(&cfg.Storage.Type, env("WABRIDGE_STORAGE_TYPE"))
	setString(&cfg.Storage.FilePath, env("WABRIDGE_STORAGE_FILE_PATH"))
	setString(&cfg.Storage.DatabaseURL, env("WABRIDGE_STORAGE_DATABASE_URL", "DATABASE_URL"))
	setBool(&cfg.Storage.SSLEnabled, env("WABRIDGE_STORAGE_SSL_ENABLED"))
	setBool(&cfg.Storage.Encrypt, env("WABRIDGE_STORAGE_ENCRYPT"))

	setString(&cfg.Dashboard.Token, env("WABRIDGE_DASHBOARD_TOKEN", "DASHBOARD_TOKEN"))
	setString(&cfg.Dashboard.Host, env("WABRIDGE_DASHBOARD_HOST"))
	setInt(&cfg.Dashboard.Port, env("WABRIDGE_DASHBOARD_PORT"))
	setBool(&cfg.Dashboard.Enabled, env("WABRIDGE_DASHBOARD_ENABLED"))

	setString(&cfg.Log.Level, env("WABRIDGE_LOG_LEVEL"))
	setBool(&cfg.Log.JSON, env("WABRIDGE_LOG_JSON"))

	if allow := env("WABRIDGE_ALLOW_FROM"); allow != "" {
		var list []string
		for _, part := range strings.Split(allow, ",") {
			if part = strings.TrimSpace(part); part != "" {
				list = append(list, part)
			}
		}
		cfg.AllowFrom = list
		changed = true
	}

	return changed
}
