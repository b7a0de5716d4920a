package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xaenox/copilot-chat/internal/copilot"
	"github.com/xaenox/copilot-chat/internal/errors"
	"github.com/xaenox/copilot-chat/internal/events"
	"github.com/xaenox/copilot-chat/internal/session"
	"github.com/xaenox/copilot-chat/internal/storage"
	"github.com/xaenox/copilot-chat/internal/titler"
	"github.com/xaenox/copilot-chat/pkg/config"
)

const historyBody = `{"history":[
	{"query_id":1,"timestamp":"2020-01-02T12:00:00","query_text":"is core-1 up","response_message":"yes"}
]}`

// newTestApp wires an app with in-memory storage, logged in with the demo
// account, against a backend served by handler.
func newTestApp(t *testing.T, handler http.Handler) *app {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{}
	cfg.Database.UseInMemory = true
	cfg.Features.EnableFeedback = true

	logger := zaptest.NewLogger(t)
	a := &app{
		cfg:     cfg,
		logger:  logger,
		bus:     events.NewBus(),
		storage: storage.NewMemoryStorage(),
		titler:  titler.NewSimpleTitler(titler.DefaultMaxLength),
	}
	a.session = session.New(session.Endpoints{}, logger, session.WithBus(a.bus))
	require.NoError(t, a.session.Login(context.Background(), "demo", "demo123"))

	a.client = copilot.NewClient(copilot.Options{
		NetqueryURL:    srv.URL + "/query/stream",
		HistoryURL:     srv.URL + "/history",
		ChatAPIBaseURL: srv.URL + "/api/v1",
		Timeout:        5 * time.Second,
	}, a.session, logger)
	return a
}

func backend(history string, threads http.HandlerFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, history)
	})
	mux.HandleFunc("/query/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"synthesis\":\"core-1 is healthy\"}\n\n")
	})
	mux.HandleFunc("/api/v1/suggestions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `["Why is BGP down?","Show interface errors"]`)
	})
	if threads == nil {
		threads = func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	}
	mux.HandleFunc("/api/v1/threads/", threads)
	return mux
}

func run(t *testing.T, cmd *cobra.Command, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAskContinuesThreadFromHistory(t *testing.T) {
	a := newTestApp(t, backend(historyBody, nil))
	threadID := "thread_" + time.Date(2020, 1, 2, 12, 0, 0, 0, time.UTC).Local().Format("2006-01-02")

	out, err := run(t, newAskCmd(func() *app { return a }), "", "--thread", threadID, "and", "core-2?")
	require.NoError(t, err)
	assert.Contains(t, out, "core-1 is healthy")

	msgs, err := a.newStore("demo").Messages(context.Background(), threadID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "and core-2?", msgs[2].Output)
	assert.Equal(t, "core-1 is healthy", msgs[3].Output)
}

func TestAskUnknownThread(t *testing.T) {
	a := newTestApp(t, backend(historyBody, nil))

	_, err := run(t, newAskCmd(func() *app { return a }), "", "--thread", "nope", "hello")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestThreadsWithoutRefreshNeedsDatabase(t *testing.T) {
	a := newTestApp(t, backend(historyBody, nil))

	_, err := run(t, newThreadsCmd(func() *app { return a }), "", "--refresh=false")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestFeedbackCommand(t *testing.T) {
	var (
		path string
		got  copilot.Feedback
	)
	a := newTestApp(t, backend(historyBody, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))

	out, err := run(t, newFeedbackCmd(func() *app { return a }), "", "t1", "m1", "down", "-r", "INCOMPLETE", "missed", "core-2")
	require.NoError(t, err)
	assert.Equal(t, "Thanks for the feedback.\n", out)
	assert.Equal(t, "/api/v1/threads/t1/messages/m1/feedback", path)
	assert.Equal(t, copilot.Feedback{Vote: false, Comment: "missed core-2", Reason: "INCOMPLETE"}, got)
}

func TestFeedbackCommandRejects(t *testing.T) {
	a := newTestApp(t, backend(historyBody, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
	}))

	_, err := run(t, newFeedbackCmd(func() *app { return a }), "", "t1", "m1", "sideways")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	a.cfg.Features.EnableFeedback = false
	_, err = run(t, newFeedbackCmd(func() *app { return a }), "", "t1", "m1", "up")
	assert.ErrorIs(t, err, errors.ErrNotImplemented)
}

func TestChatShowsSuggestionsForNewConversation(t *testing.T) {
	a := newTestApp(t, backend(`{"history":[]}`, nil))

	out, err := run(t, newChatCmd(func() *app { return a }), "/new\n/quit\n")
	require.NoError(t, err)

	assert.Contains(t, out, "Hello demo.")
	assert.Equal(t, 2, strings.Count(out, "  - Why is BGP down?\n"))
	assert.Contains(t, out, "  - Show interface errors\n")
}
