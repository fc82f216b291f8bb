package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StatusPath is served by a running agent on its local status address.
const StatusPath = "/status"

// Status is the operator view of a running agent.
type Status struct {
	Version   string         `json:"version"`
	Running   bool           `json:"running"`
	Connected bool           `json:"connected"`
	State     string         `json:"state"`
	Target    string         `json:"target"`
	Sessions  int            `json:"sessions"`
	Health    map[string]any `json:"health"`
	Logs      []string       `json:"logs"`
}

// Client reads the status endpoint of a local agent.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient accepts either a bare host:port or a full http URL.
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+StatusPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("status request failed with %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &status, nil
}
