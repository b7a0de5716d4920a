// Package session holds the authenticated state shared by the client,
// the importer and the front-ends. It replaces browser session storage:
// one Session is created at start-up, passed explicitly, and torn down
// with Logout.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/xaenox/copilot-chat/internal/errors"
	"github.com/xaenox/copilot-chat/internal/events"
)

const (
	demoUser     = "demo"
	demoPassword = "demo123"
	demoToken    = "demo-token-123"
)

type Endpoints struct {
	TokenURL    string
	RegisterURL string
}

type state struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

type Session struct {
	mu        sync.RWMutex
	state     state
	endpoints Endpoints
	client    *http.Client
	file      string
	bus       *events.Bus
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Session)

// WithFile persists the session to path so separate processes share it.
func WithFile(path string) Option {
	return func(s *Session) { s.file = path }
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) { s.client = c }
}

// WithBus publishes SessionEnded on logout.
func WithBus(bus *events.Bus) Option {
	return func(s *Session) { s.bus = bus }
}

func New(endpoints Endpoints, logger *zap.Logger, opts ...Option) *Session {
	s := &Session{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore loads a previously persisted session. A missing file is not an
// error.
func (s *Session) Restore() error {
	if s.file == "" {
		return nil
	}
	data, err := os.ReadFile(s.file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "failed to read session file")
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return errors.Wrapf(err, "failed to decode session file")
	}

	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	return nil
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Token
}

// Username is the part of the login before '@'.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, _, _ := strings.Cut(s.state.Username, "@")
	return name
}

// LoggedIn reports whether a token is held. JWT tokens whose exp claim has
// passed count as logged out; opaque tokens never expire locally.
func (s *Session) LoggedIn() bool {
	token := s.Token()
	if token == "" {
		return false
	}
	exp, ok := tokenExpiry(token)
	if !ok {
		return true
	}
	return s.now().Before(exp)
}

func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

// Login exchanges credentials for a bearer token.
func (s *Session) Login(ctx context.Context, email, password string) error {
	if email == demoUser && password == demoPassword {
		s.logger.Info("Logged in with demo account")
		return s.set(state{Token: demoToken, Username: email})
	}

	var resp loginResponse
	if err := s.post(ctx, s.endpoints.TokenURL, map[string]string{
		"email":    email,
		"password": password,
	}, &resp); err != nil {
		s.logger.Error("Login failed", zap.Error(err), zap.String("email", email))
		return err
	}
	if resp.AccessToken == "" {
		return errors.Wrapf(errors.ErrUnauthorized, "incorrect username or password")
	}

	s.logger.Info("Login successful", zap.String("username", email))
	return s.set(state{Token: resp.AccessToken, Username: email})
}

func (s *Session) Register(ctx context.Context, username, email, password string) error {
	if err := s.post(ctx, s.endpoints.RegisterURL, map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	}, nil); err != nil {
		s.logger.Error("Registration failed", zap.Error(err), zap.String("email", email))
		return err
	}
	s.logger.Info("Registration successful", zap.String("email", email))
	return nil
}

// Logout clears the session. expired marks a logout forced by a rejected
// token.
func (s *Session) Logout(expired bool) {
	s.mu.Lock()
	owner := s.state.Username
	s.state = state{}
	s.mu.Unlock()

	if s.file != "" {
		if err := os.Remove(s.file); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove session file", zap.Error(err))
		}
	}

	if expired {
		s.logger.Warn("Session expired, please log in again")
	} else {
		s.logger.Info("Logged out")
	}
	s.bus.Publish(events.Event{Type: events.SessionEnded, Owner: owner, Expired: expired})
}

func (s *Session) set(st state) error {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	if s.file == "" {
		return nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return errors.Wrapf(err, "failed to encode session")
	}
	if err := os.MkdirAll(filepath.Dir(s.file), 0o700); err != nil {
		return errors.Wrapf(err, "failed to create session dir")
	}
	if err := os.WriteFile(s.file, data, 0o600); err != nil {
		return errors.Wrapf(err, "failed to write session file")
	}
	return nil
}

func (s *Session) post(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(errors.ErrConnection, "%v", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &errors.StatusError{
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Detail:      Detail(data),
		}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "failed to decode response")
	}
	return nil
}

// Detail extracts the backend's error message: either a string "detail" or
// the first validation entry's "msg".
func Detail(body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(envelope.Detail, &text); err == nil {
		return text
	}

	var entries []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(envelope.Detail, &entries); err == nil && len(entries) > 0 {
		return entries[0].Msg
	}
	return ""
}
