// Package challenge verifies bot-challenge tokens against an external
// verdict service. Only the verdict contract lives here; scoring
// internals belong to the service.
package challenge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://challenges.cloudflare.com"

// Client verifies challenge tokens.
type Client interface {
	Verify(ctx context.Context, token, originAddress string) (*Verdict, error)
}

// Verdict is the verdict service's judgment of a single token.
type Verdict struct {
	Success bool     `json:"success"`
	Score   float64  `json:"score"`
	Errors  []string `json:"error-codes,omitempty"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default verdict service URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout overrides the default per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

type httpClient struct {
	secret  string
	baseURL string
	http    *http.Client
}

// NewClient creates a verdict service client. The secret is owned by the
// pipeline and never exposed to callers.
func NewClient(secret string, opts ...Option) Client {
	c := &httpClient{
		secret:  secret,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 3 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Verify(ctx context.Context, token, originAddress string) (*Verdict, error) {
	form := url.Values{}
	form.Set("secret", c.secret)
	form.Set("response", token)
	if originAddress != "" {
		form.Set("remoteip", originAddress)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/turnstile/v0/siteverify", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, eris.Wrap(err, "challenge: create request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "challenge: send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "challenge: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("challenge: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var verdict Verdict
	if err := json.Unmarshal(body, &verdict); err != nil {
		return nil, eris.Wrap(err, "challenge: unmarshal response")
	}

	return &verdict, nil
}
