package session

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = 2 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
)

// ReconnectDelay is the wait before reconnect attempt number attempt
// (1-based): linear in the attempt number, capped at max.
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base * time.Duration(attempt)
	if delay > max {
		return max
	}
	return delay
}

// EndpointURL turns the REST base URL into the chat socket address of userID.
// http maps to ws and https to wss; ws and wss are kept as given.
func EndpointURL(baseURL string, userID int, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", baseURL)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/chat/ws/" + strconv.Itoa(userID)
	u.RawQuery = ""
	if token != "" {
		q := url.Values{}
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
