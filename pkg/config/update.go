package config

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
)

const dashboardTokenBytes = 24

// EnsureDashboardToken fills in a random dashboard token when none is set.
// It returns the new token and true only when one was generated.
func (c *Config) EnsureDashboardToken() (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.TrimSpace(c.Dashboard.Token) != "" {
		return "", false, nil
	}

	token, err := generateToken(dashboardTokenBytes)
	if err != nil {
		return "", false, err
	}

	c.Dashboard.Token = token
	return token, true, nil
}

func generateToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
