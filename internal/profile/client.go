// Package profile fetches agent profiles from the platform's profile
// service. A profile carries the agent's identity, recorded in delivery
// audit trails, and the signing circuit configuration bound to the agent.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Profile is an agent profile
type Profile struct {
	ID        string `json:"uuid"`
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
	Email     string `json:"email"`

	// Signing circuit configuration
	ServiceOrganisationNumber int `json:"serviceOrganisationNumber,omitempty"`
	DaysToValidated           int `json:"daysToValidated,omitempty"`
}

// Client talks to the profile service
type Client struct {
	baseURL string
	client  *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// NewClient creates a profile service client
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetProfile fetches one agent profile by ID
func (c *Client) GetProfile(ctx context.Context, id string) (*Profile, error) {
	url := fmt.Sprintf("%s/api/admin/profile/%s", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching profile %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("profile service returned status %d: %s", resp.StatusCode, body)
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decoding profile %s: %w", id, err)
	}
	return &profile, nil
}
