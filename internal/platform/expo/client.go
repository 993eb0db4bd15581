// Package expo provides the client and dispatcher for Expo's push relay.
package expo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultEndpoint is Expo's batch send API.
	DefaultEndpoint = "https://exp.host/--/api/v2/push/send"
	// MaxMessagesPerRequest is the documented per-request message limit.
	MaxMessagesPerRequest = 100
)

// Message is one entry of the request array.
type Message struct {
	To        string            `json:"to"`
	Title     string            `json:"title,omitempty"`
	Body      string            `json:"body,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Sound     string            `json:"sound,omitempty"`
	Priority  string            `json:"priority,omitempty"`
	ChannelID string            `json:"channelId,omitempty"`
}

// Gateway defines the subset of the Expo API we use.
// This interface allows us to mock the relay for unit testing.
type Gateway interface {
	// Push sends one request and returns the tickets aligned with msgs.
	Push(ctx context.Context, msgs []Message) ([]Ticket, error)
}

// Config holds the relay endpoint and credentials.
type Config struct {
	Endpoint string
	// AccessToken is only needed when enhanced push security is enabled for the project.
	AccessToken string
	Timeout     time.Duration
}

// HTTPGateway talks to the relay over HTTPS.
type HTTPGateway struct {
	endpoint    string
	accessToken string
	httpClient  *http.Client
}

func NewHTTPGateway(cfg Config) *HTTPGateway {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPGateway{
		endpoint:    endpoint,
		accessToken: cfg.AccessToken,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) Push(ctx context.Context, msgs []Message) ([]Ticket, error) {
	body, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.accessToken)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("expo transport failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read expo response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}

	return ParseTickets(respBody)
}

// StatusError is returned for a non-2xx response; the whole chunk failed.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("expo returned status %d: %s", e.StatusCode, e.Body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
