package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chicogong/media-dubbing/pkg/schemas"
	"github.com/chicogong/media-dubbing/pkg/tracing"
)

const maxErrorBody = 2048

// HTTPConfig configures the HTTP/JSON provider gateway.
type HTTPConfig struct {
	// BaseURL is the gateway root; each provider is served under
	// BaseURL/<provider name>.
	BaseURL string
	APIKey  string

	// Endpoints overrides the URL of individual providers.
	Endpoints map[schemas.Provider]string
}

// HTTPClient calls providers through a JSON-over-HTTP gateway. It performs
// no retries of its own: every failure is classified and returned.
type HTTPClient struct {
	cfg        HTTPConfig
	httpClient *http.Client
	now        func() time.Time
}

// HTTPOption customizes the client.
type HTTPOption func(*HTTPClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewHTTPClient constructs a gateway client.
func NewHTTPClient(cfg HTTPConfig, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		cfg: HTTPConfig{
			BaseURL:   strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			APIKey:    strings.TrimSpace(cfg.APIKey),
			Endpoints: cfg.Endpoints,
		},
		// no client timeout: each call is bounded by its context deadline,
		// which differs per stage
		httpClient: &http.Client{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) endpoint(p schemas.Provider) (string, error) {
	if u, ok := c.cfg.Endpoints[p]; ok && u != "" {
		return u, nil
	}
	if c.cfg.BaseURL == "" {
		return "", fmt.Errorf("no endpoint configured for provider %s", p)
	}
	return url.JoinPath(c.cfg.BaseURL, string(p))
}

// Invoke posts req to the provider's endpoint and decodes the response.
func (c *HTTPClient) Invoke(ctx context.Context, p schemas.Provider, req Request) (*Response, error) {
	endpoint, err := c.endpoint(p)
	if err != nil {
		return nil, Permanent(p, err)
	}
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, Permanent(p, fmt.Errorf("encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, Permanent(p, fmt.Errorf("new request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	tracing.InjectHTTPHeaders(ctx, httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, Transient(p, fmt.Errorf("http error: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(p, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, c.statusError(p, resp, body)
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, Permanent(p, fmt.Errorf("decode response: %w", err))
	}
	return &out, nil
}

func (c *HTTPClient) statusError(p schemas.Provider, resp *http.Response, body []byte) *Error {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	cause := errors.New(strings.TrimSpace(string(body)))

	var perr *Error
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter, _ := c.parseRetryAfter(resp.Header.Get("Retry-After"))
		perr = RateLimited(p, retryAfter, cause)
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= http.StatusInternalServerError:
		perr = Transient(p, cause)
	default:
		perr = Permanent(p, cause)
	}
	perr.StatusCode = resp.StatusCode
	return perr
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func (c *HTTPClient) parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := when.Sub(c.now())
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}
