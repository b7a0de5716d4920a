// Package copilot is the HTTP client of the incident copilot backend.
package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/copilot-chat/internal/errors"
	"github.com/xaenox/copilot-chat/internal/session"
)

// TokenSource supplies the bearer token attached to authenticated calls.
type TokenSource interface {
	Token() string
}

type Options struct {
	NetqueryURL    string
	HistoryURL     string
	ChatAPIBaseURL string
	UploadURL      string
	StatusURL      string
	DataSourcesURL string

	TenantID   string
	Debug      bool
	TopK       int
	Synthesize bool

	// Timeout bounds plain request/response calls. Streaming queries are
	// bounded only by their context.
	Timeout time.Duration
}

type Client struct {
	opts   Options
	tokens TokenSource
	plain  *http.Client
	stream *http.Client
	logger *zap.Logger
}

func NewClient(opts Options, tokens TokenSource, logger *zap.Logger) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Minute
	}
	opts.ChatAPIBaseURL = strings.TrimRight(opts.ChatAPIBaseURL, "/")
	opts.StatusURL = strings.TrimRight(opts.StatusURL, "/")
	return &Client{
		opts:   opts,
		tokens: tokens,
		plain:  &http.Client{Timeout: opts.Timeout},
		stream: &http.Client{},
		logger: logger,
	}
}

func (c *Client) token() string {
	if c.tokens == nil {
		return ""
	}
	return c.tokens.Token()
}

func (c *Client) authorize(req *http.Request) {
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) newJSONRequest(ctx context.Context, method, url string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to marshal request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	return req, nil
}

// doJSON performs a plain JSON call and decodes the answer into out.
func (c *Client) doJSON(ctx context.Context, method, url string, payload, out any) error {
	req, err := c.newJSONRequest(ctx, method, url, payload)
	if err != nil {
		return err
	}

	c.logger.Debug("Sending request", zap.String("method", method), zap.String("url", url))
	resp, err := c.plain.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrapf(errors.ErrCancelled, "%v", ctx.Err())
		}
		return errors.Wrapf(errors.ErrConnection, "%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(errors.ErrConnection, "failed to read response: %v", err)
	}
	if err := checkStatus(resp, data); err != nil {
		c.logger.Debug("Request failed",
			zap.String("url", url),
			zap.Int("status", resp.StatusCode))
		return err
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "failed to decode response from %s", url)
	}
	return nil
}

func checkStatus(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	return &errors.StatusError{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Detail:      session.Detail(body),
	}
}
