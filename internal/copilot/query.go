package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xaenox/copilot-chat/internal/errors"
)

type queryPayload struct {
	TenantID   string `json:"tenant_id"`
	Query      string `json:"query"`
	Debug      bool   `json:"debug"`
	TopK       int    `json:"top_k"`
	Synthesize bool   `json:"synthesize"`
}

// Stream is the answer to one query: a lazy sequence of raw JSON fragments.
// The connection is opened by the first Recv. Recv returns io.EOF once the
// answer is complete; Close aborts whichever connection is active.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	client *Client
	url    string
	body   []byte
	logger *zap.Logger

	started      bool
	fallbackUsed bool
	received     bool
	done         bool
	pending      []string
	err          error

	events *eventReader

	mu   sync.Mutex
	resp *http.Response
}

// Query sends text to the copilot query endpoint. The server may answer
// with an event stream or with a single JSON document; both are delivered
// through the returned Stream. When streaming fails before any fragment
// arrived the query is retried once as a plain request.
func (c *Client) Query(ctx context.Context, text string) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ctx:    ctx,
		cancel: cancel,
		client: c,
		url:    c.opts.NetqueryURL,
		logger: c.logger.With(zap.String("url", c.opts.NetqueryURL)),
	}

	if text == MockFileQuery {
		s.started = true
		s.done = true
		s.pending = []string{mockFileFragment()}
		return s
	}

	body, err := json.Marshal(queryPayload{
		TenantID:   c.opts.TenantID,
		Query:      text,
		Debug:      c.opts.Debug,
		TopK:       c.opts.TopK,
		Synthesize: c.opts.Synthesize,
	})
	if err != nil {
		s.err = errors.Wrapf(err, "failed to marshal query")
		return s
	}
	s.body = body
	return s
}

// Recv returns the next raw fragment.
func (s *Stream) Recv() (string, error) {
	for {
		if s.err != nil {
			return "", s.err
		}
		if err := s.ctx.Err(); err != nil {
			return "", s.finish(errors.Wrapf(errors.ErrCancelled, "%v", err))
		}
		if len(s.pending) > 0 {
			frag := s.pending[0]
			s.pending = s.pending[1:]
			s.received = true
			return frag, nil
		}
		if s.done {
			return "", s.finish(io.EOF)
		}

		if !s.started {
			s.started = true
			if err := s.open(); err != nil {
				return "", s.finish(err)
			}
			continue
		}

		ev, err := s.events.Next()
		if err == nil && s.ctx.Err() != nil {
			continue
		}
		switch {
		case err == io.EOF:
			s.logger.Debug("Event stream ended")
			return "", s.finish(io.EOF)
		case err != nil:
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return "", s.finish(errors.Wrapf(errors.ErrCancelled, "%v", ctxErr))
			}
			s.closeResponse()
			if ferr := s.retry(errors.Wrapf(errors.ErrConnection, "event stream: %v", err)); ferr != nil {
				return "", s.finish(ferr)
			}
			continue
		case ev.Event == "close":
			s.logger.Debug("Received close event")
			return "", s.finish(io.EOF)
		}

		s.received = true
		return ev.Data, nil
	}
}

// Close aborts the query. It may be called from another goroutine while
// Recv is blocked; Recv then returns an error wrapping ErrCancelled.
func (s *Stream) Close() error {
	s.cancel()
	s.closeResponse()
	return nil
}

func (s *Stream) finish(err error) error {
	s.err = err
	s.cancel()
	s.closeResponse()
	return err
}

func (s *Stream) closeResponse() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resp != nil {
		s.resp.Body.Close()
		s.resp = nil
	}
}

// open negotiates the streaming connection.
func (s *Stream) open() error {
	req, err := s.request(eventStreamContentType)
	if err != nil {
		return err
	}

	resp, err := s.client.stream.Do(req)
	if err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return errors.Wrapf(errors.ErrCancelled, "%v", ctxErr)
		}
		return s.retry(errors.Wrapf(errors.ErrConnection, "%v", err))
	}

	contentType := resp.Header.Get("Content-Type")
	s.logger.Debug("Query response",
		zap.Int("status", resp.StatusCode),
		zap.String("content_type", contentType))

	if errors.IsAuthStatus(resp.StatusCode) {
		resp.Body.Close()
		return &errors.StatusError{StatusCode: resp.StatusCode, ContentType: contentType}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		switch {
		case strings.Contains(contentType, eventStreamContentType):
			s.mu.Lock()
			s.resp = resp
			s.mu.Unlock()
			s.events = newEventReader(resp.Body)
			return nil
		case strings.Contains(contentType, "application/json"):
			resp.Body.Close()
			s.logger.Debug("Server answered with JSON, switching to plain request")
			return s.fallback()
		}
	}

	resp.Body.Close()
	return s.retry(&errors.StatusError{StatusCode: resp.StatusCode, ContentType: contentType})
}

// retry falls back to a plain request when nothing was received yet and
// the fallback is still unused; otherwise cause is returned.
func (s *Stream) retry(cause error) error {
	if s.received || s.fallbackUsed {
		return cause
	}
	s.logger.Warn("Streaming failed, trying plain request", zap.Error(cause))
	return s.fallback()
}

// fallback issues the query without event-stream negotiation and queues
// its body as the only fragment.
func (s *Stream) fallback() error {
	s.fallbackUsed = true

	req, err := s.request("application/json")
	if err != nil {
		return err
	}

	resp, err := s.client.stream.Do(req)
	if err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return errors.Wrapf(errors.ErrCancelled, "%v", ctxErr)
		}
		return errors.Wrapf(errors.ErrConnection, "%v", err)
	}
	s.mu.Lock()
	s.resp = resp
	s.mu.Unlock()
	defer s.closeResponse()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return errors.Wrapf(errors.ErrCancelled, "%v", ctxErr)
		}
		return errors.Wrapf(errors.ErrConnection, "failed to read response: %v", err)
	}
	if err := checkStatus(resp, data); err != nil {
		return err
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return errors.Wrapf(errors.ErrConnection, "invalid JSON answer: %v", err)
	}

	s.pending = append(s.pending, compact.String())
	s.done = true
	return nil
}

func (s *Stream) request(accept string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.url, bytes.NewReader(s.body))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	s.client.authorize(req)
	return req, nil
}
