// Package dns pushes the current server IP to a dyndns2-style update
// endpoint. Update failures are reported but never block a lifecycle
// transition.
package dns

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// dyndns2 defines its failure modes as body keywords, not status codes.
var (
	ErrUnauthorized    = errors.New("dyndns: invalid credentials")
	ErrNotYourDomain   = errors.New("dyndns: domain belongs to another user")
	ErrInvalidHostname = errors.New("dyndns: invalid hostname")
	ErrAbuse           = errors.New("dyndns: rate limited")
)

// Client issues dyndns2 updates against a configured endpoint.
type Client struct {
	updateURL string
	username  string
	password  string
	http      *http.Client
}

// NewClient creates a dyndns2 update client.
func NewClient(updateURL, username, password string) *Client {
	return &Client{
		updateURL: updateURL,
		username:  username,
		password:  password,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Update points hostname at ip.
func (c *Client) Update(ctx context.Context, hostname, ip string) error {
	query := url.Values{}
	query.Set("hostname", hostname)
	query.Set("myip", ip)

	req, err := http.NewRequestWithContext(ctx, "GET", c.updateURL+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("dyndns: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dyndns: update request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("dyndns: read response: %w", err)
	}

	// responses look like "good 203.0.113.7" or "nochg 203.0.113.7"
	code, _, _ := strings.Cut(strings.TrimSpace(string(data)), " ")
	switch code {
	case "good", "nochg":
		return nil
	case "badauth":
		return ErrUnauthorized
	case "!yours":
		return ErrNotYourDomain
	case "notfqdn", "nohost", "numhost":
		return ErrInvalidHostname
	case "abuse":
		return ErrAbuse
	default:
		return fmt.Errorf("dyndns: unexpected response %q", strings.TrimSpace(string(data)))
	}
}
