// Package api is the ops API client behind the guardian console.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nettrace-guardian/internal/server"
)

// Client reads the guardian ops API.
type Client struct {
	baseURL    string
	apiKey     string
	keyHeader  string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key in header on every request.
func WithAPIKey(header, key string) Option {
	return func(c *Client) {
		c.keyHeader = header
		c.apiKey = key
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// Health is the body of GET /health.
type Health struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// NewClient creates a new API client
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		keyHeader: "X-API-Key",
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetHealth fetches health status
func (c *Client) GetHealth() (*Health, error) {
	var h Health
	if err := c.get("/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// GetStats fetches engine, pipeline and dispatcher counters.
func (c *Client) GetStats() (*server.StatsResponse, error) {
	var s server.StatsResponse
	if err := c.get("/v1/stats", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetMitigations fetches mitigation records and live blocklist entries.
func (c *Client) GetMitigations() (*server.MitigationsResponse, error) {
	var m server.MitigationsResponse
	if err := c.get("/v1/mitigations", &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetInterfaces fetches the interface inventory and host load.
func (c *Client) GetInterfaces() (*server.InterfacesResponse, error) {
	var i server.InterfacesResponse
	if err := c.get("/v1/interfaces", &i); err != nil {
		return nil, err
	}
	return &i, nil
}

func (c *Client) get(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set(c.keyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		if body.Error != "" {
			return fmt.Errorf("%s: %s (%d)", path, body.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
