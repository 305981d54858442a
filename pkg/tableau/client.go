// Package tableau is the authenticated client for the remote analytics
// server. It caches sign-in tokens per site, deduplicates concurrent
// refreshes, and fetches view data as CSV with bounded parallelism.
package tableau

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/wisbric/reportowl/internal/telemetry"
)

const (
	apiVersion     = "3.21"
	requestTimeout = 60 * time.Second

	// maxTries bounds transport-level retries for one logical request.
	maxTries = 3

	// tokenLifetime is how long a sign-in token stays usable.
	tokenLifetime = 2 * time.Hour

	// refreshThreshold refreshes tokens this long before they expire.
	refreshThreshold = 10 * time.Minute
)

// AuthEntry is a cached sign-in result for one site.
type AuthEntry struct {
	Token     string
	SiteID    string
	ExpiresAt time.Time
}

// Usable reports whether the entry is still inside its refresh window.
func (e AuthEntry) Usable(now time.Time) bool {
	return e.Token != "" && now.Before(e.ExpiresAt.Add(-refreshThreshold))
}

// ViewRequest names one view to fetch together with its bound filter
// parameters (remote parameter name → value).
type ViewRequest struct {
	ViewKey      string
	ViewName     string
	FilterParams map[string]string
}

// Client talks to the Tableau REST API.
type Client struct {
	baseURL    string
	creds      CredentialSource
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.Mutex
	tokens map[string]AuthEntry
	flight singleflight.Group

	now func() time.Time
}

// New creates a Client. Outside production TLS certificate verification is
// skipped so the client can talk to servers with internal certificates.
func New(baseURL string, creds CredentialSource, production bool, logger *slog.Logger) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !production {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		baseURL: baseURL,
		creds:   creds,
		httpClient: &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
		},
		logger: logger,
		tokens: map[string]AuthEntry{},
		now:    time.Now,
	}
}

// Authenticate signs in to the given site with its personal access token
// and caches the resulting entry.
func (c *Client) Authenticate(ctx context.Context, site string) (AuthEntry, error) {
	creds := c.creds.Resolve(site)
	if creds.Name == "" || creds.Secret == "" {
		return AuthEntry{}, &AuthFailedError{Site: site, Err: fmt.Errorf("no personal access token configured")}
	}

	body := map[string]any{
		"credentials": map[string]any{
			"personalAccessTokenName":   creds.Name,
			"personalAccessTokenSecret": creds.Secret,
			"site":                      map[string]string{"contentUrl": site},
		},
	}

	var resp struct {
		Credentials struct {
			Token string `json:"token"`
			Site  struct {
				ID string `json:"id"`
			} `json:"site"`
		} `json:"credentials"`
	}

	if err := c.doJSON(ctx, http.MethodPost, c.apiURL("auth/signin"), "", body, &resp); err != nil {
		telemetry.AuthRequestsTotal.WithLabelValues("error").Inc()
		return AuthEntry{}, &AuthFailedError{Site: site, Err: err}
	}
	telemetry.AuthRequestsTotal.WithLabelValues("ok").Inc()

	entry := AuthEntry{
		Token:     resp.Credentials.Token,
		SiteID:    resp.Credentials.Site.ID,
		ExpiresAt: c.now().Add(tokenLifetime),
	}

	c.mu.Lock()
	c.tokens[site] = entry
	c.mu.Unlock()

	c.logger.Info("signed in to tableau site", "site", site, "site_id", entry.SiteID)
	return entry, nil
}

// GetValidToken returns the cached entry for the site if it is still
// usable, refreshing it otherwise. Concurrent refreshes for the same site
// collapse into a single sign-in request.
func (c *Client) GetValidToken(ctx context.Context, site string) (AuthEntry, error) {
	c.mu.Lock()
	entry, ok := c.tokens[site]
	c.mu.Unlock()
	if ok && entry.Usable(c.now()) {
		return entry, nil
	}

	v, err, _ := c.flight.Do(site, func() (any, error) {
		// Re-check under the flight: another caller may have refreshed
		// between our cache miss and acquiring the flight slot.
		c.mu.Lock()
		entry, ok := c.tokens[site]
		c.mu.Unlock()
		if ok && entry.Usable(c.now()) {
			return entry, nil
		}
		return c.Authenticate(ctx, site)
	})
	if err != nil {
		return AuthEntry{}, err
	}
	return v.(AuthEntry), nil
}

// SignOut invalidates the cached token for a site, best-effort telling the
// server first. Used during shutdown.
func (c *Client) SignOut(ctx context.Context, site string) {
	c.mu.Lock()
	entry, ok := c.tokens[site]
	delete(c.tokens, site)
	c.mu.Unlock()
	if !ok {
		return
	}

	if err := c.doJSON(ctx, http.MethodPost, c.apiURL("auth/signout"), entry.Token, nil, nil); err != nil {
		c.logger.Warn("tableau sign-out failed", "site", site, "error", err)
	}
}

// apiURL joins the base URL, API version, and path.
func (c *Client) apiURL(path string) string {
	return fmt.Sprintf("%s/api/%s/%s", c.baseURL, apiVersion, path)
}

// siteURL joins the base URL, API version, site scope, and path.
func (c *Client) siteURL(siteID, path string) string {
	return fmt.Sprintf("%s/api/%s/sites/%s/%s", c.baseURL, apiVersion, url.PathEscape(siteID), path)
}

// doJSON issues a JSON request and decodes the JSON response into out (out
// may be nil). Network errors and retryable statuses are retried with
// exponential backoff up to maxTries attempts; other statuses fail
// immediately.
func (c *Client) doJSON(ctx context.Context, method, rawURL, token string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	operation := func() ([]byte, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("building request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("X-Tableau-Auth", token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("calling tableau: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			statusErr := &httpStatusError{status: resp.StatusCode, body: truncate(data, 256)}
			if retryable(resp.StatusCode) {
				return nil, statusErr
			}
			return nil, backoff.Permanent(statusErr)
		}
		return data, nil
	}

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxTries),
	)
	if err != nil {
		return err
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// doRaw issues a GET and returns the raw response body (used for CSV view
// data). Same retry policy as doJSON.
func (c *Client) doRaw(ctx context.Context, rawURL, token string) ([]byte, error) {
	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("building request: %w", err))
		}
		req.Header.Set("X-Tableau-Auth", token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("calling tableau: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			statusErr := &httpStatusError{status: resp.StatusCode, body: truncate(data, 256)}
			if retryable(resp.StatusCode) {
				return nil, statusErr
			}
			return nil, backoff.Permanent(statusErr)
		}
		return data, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxTries),
	)
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "…"
}
