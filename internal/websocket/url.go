package websocket

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildURL derives the agent socket address from the configured server URL:
// scheme wss for https (ws otherwise), the server's host and base path, then
// /api/servers/{serverID}/ws?token={key}.
func BuildURL(serverURL, serverID, key string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(serverURL))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", serverURL)
	}

	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/api/servers/" + serverID + "/ws"
	u.RawPath = ""
	u.RawQuery = url.Values{"token": {key}}.Encode()
	u.Fragment = ""

	return u.String(), nil
}

// Redact strips the token from a socket URL for display and logging.
func Redact(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
