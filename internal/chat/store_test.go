package chat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xaenox/copilot-chat/internal/copilot"
	"github.com/xaenox/copilot-chat/internal/errors"
	"github.com/xaenox/copilot-chat/internal/events"
	"github.com/xaenox/copilot-chat/internal/models"
	"github.com/xaenox/copilot-chat/internal/storage"
)

var testNow = time.Date(2025, 9, 21, 15, 0, 0, 0, time.UTC)

type fakeSession struct {
	mu      sync.Mutex
	logouts []bool
}

func (f *fakeSession) Logout(expired bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts = append(f.logouts, expired)
}

type fixture struct {
	store   *Store
	storage *storage.MemoryStorage
	bus     *events.Bus
	session *fakeSession
}

func newFixture(t *testing.T, handler http.Handler, opts ...Option) *fixture {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := zaptest.NewLogger(t)
	client := copilot.NewClient(copilot.Options{
		NetqueryURL:    srv.URL + "/query/stream",
		HistoryURL:     srv.URL + "/history",
		ChatAPIBaseURL: srv.URL + "/api/v1",
		TenantID:       "NOVUS_RAG",
		Timeout:        5 * time.Second,
	}, nil, logger)

	f := &fixture{
		storage: storage.NewMemoryStorage(),
		bus:     events.NewBus(),
		session: &fakeSession{},
	}
	opts = append([]Option{
		WithBus(f.bus),
		WithSession(f.session),
		WithClock(func() time.Time { return testNow }),
		WithLocation(time.UTC),
	}, opts...)
	f.store = New("alice", f.storage, client, logger, opts...)
	return f
}

func (f *fixture) messages(t *testing.T, threadID string) []*models.Message {
	t.Helper()
	msgs, err := f.store.Messages(context.Background(), threadID)
	require.NoError(t, err)
	return msgs
}

func sse(w http.ResponseWriter, frags ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, e := range frags {
		fmt.Fprintf(w, "data: %s\n\n", e)
		w.(http.Flusher).Flush()
	}
}

func historyHandler(body string, status int) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	})
	return mux
}

func TestLoadHistoryPartitionsByDay(t *testing.T) {
	body := `{"history":[
		{"query_id":3,"timestamp":"2025-09-21T11:00:00","query_text":"second today","response_data":{"synthesis":"answer 3"}},
		{"query_id":1,"timestamp":"2025-09-19T08:00:00","query_text":"old","response_message":"answer 1"},
		{"query_id":2,"timestamp":"2025-09-21T09:00:00","query_text":"first today","response_message":"answer 2"},
		{"query_id":4,"timestamp":"2025-09-20T22:00:00","completion_timestamp":"2025-09-20T22:00:03","query_text":"report",
		 "response_message":"{\"filename\":\"r.txt\",\"content\":\"eA==\",\"message\":\"your report\"}"},
		{"query_id":5,"timestamp":"not a date","query_text":"broken"},
		{"query_id":6,"timestamp":"2025-09-21T11:00:00","query_text":"same second","response_message":"answer 6"}
	]}`
	f := newFixture(t, historyHandler(body, http.StatusOK))

	var changed int
	f.bus.Subscribe(func(events.Event) { changed++ }, events.ThreadsChanged)

	require.NoError(t, f.store.LoadHistory(context.Background()))
	assert.Equal(t, 1, changed)

	threads, err := f.store.Threads(context.Background())
	require.NoError(t, err)
	require.Len(t, threads, 3)

	assert.Equal(t, TodayThreadID, threads[0].ID)
	assert.Equal(t, "Today's Conversation", threads[0].Name)
	assert.Equal(t, "Recent Chats", threads[0].Usecase)

	assert.Equal(t, "thread_2025-09-20", threads[1].ID)
	assert.Equal(t, "Sep 20, 2025", threads[1].Name)
	assert.Equal(t, "System Agent", threads[1].Usecase)

	assert.Equal(t, "thread_2025-09-19", threads[2].ID)
	assert.Equal(t, "Sep 19, 2025", threads[2].Name)

	selected, isNew := f.store.Selected()
	assert.Equal(t, TodayThreadID, selected)
	assert.False(t, isNew)

	today := f.messages(t, TodayThreadID)
	require.Len(t, today, 6)
	assert.Equal(t, []string{"msg_2_q", "msg_2_r", "msg_3_q", "msg_3_r", "msg_6_q", "msg_6_r"}, messageIDs(today))
	assert.Equal(t, "first today", today[0].Output)
	assert.Equal(t, models.SenderUser, today[0].Sender)
	assert.Equal(t, "answer 2", today[1].Output)
	assert.Equal(t, "answer 3", today[3].Output)
	for i := 1; i < len(today); i++ {
		assert.True(t, today[i].CreatedAt.After(today[i-1].CreatedAt), "message %d not after %d", i, i-1)
	}

	day := f.messages(t, "thread_2025-09-20")
	require.Len(t, day, 2)
	assert.Equal(t, models.KindFile, day[1].Kind)
	assert.Equal(t, "your report", day[1].Output)
	assert.Equal(t, "r.txt", day[1].File.Filename)
	assert.Equal(t, 3*time.Second, day[1].CreatedAt.Sub(day[0].CreatedAt))
}

func TestLoadHistoryKeepsEachAnswerAfterItsQuestion(t *testing.T) {
	body := `{"history":[
		{"query_id":"a","timestamp":"2025-09-21T11:00:00","query_text":"q1","response_message":"a1"},
		{"query_id":"b","timestamp":"2025-09-21T11:00:00","query_text":"q2","response_message":"a2"},
		{"query_id":"c","timestamp":"2025-09-21T10:00:00","completion_timestamp":"2025-09-21T11:30:00","query_text":"q0","response_message":"a0"}
	]}`
	f := newFixture(t, historyHandler(body, http.StatusOK))
	require.NoError(t, f.store.LoadHistory(context.Background()))

	today := f.messages(t, TodayThreadID)
	outputs := make([]string, 0, len(today))
	for _, m := range today {
		outputs = append(outputs, m.Output)
	}
	assert.Equal(t, []string{"q0", "a0", "q1", "a1", "q2", "a2"}, outputs)
	for i := 1; i < len(today); i++ {
		assert.True(t, today[i].CreatedAt.After(today[i-1].CreatedAt), "message %d not after %d", i, i-1)
	}
}

func TestLoadHistoryMakesIDsUnique(t *testing.T) {
	body := `{"history":[
		{"timestamp":"2025-09-21T09:00:00","query_text":"no id","response_message":"r1"},
		{"timestamp":"2025-09-21T09:01:00","query_text":"no id either","response_message":"r2"},
		{"query_id":7,"timestamp":"2025-09-21T09:02:00","query_text":"seven","response_message":"r3"},
		{"query_id":7,"timestamp":"2025-09-21T09:03:00","query_text":"seven again","response_message":"r4"}
	]}`
	f := newFixture(t, historyHandler(body, http.StatusOK))
	require.NoError(t, f.store.LoadHistory(context.Background()))

	today := f.messages(t, TodayThreadID)
	require.Len(t, today, 8)

	ids := messageIDs(today)
	unique := make(map[string]bool, len(ids))
	for _, id := range ids {
		unique[id] = true
	}
	assert.Len(t, unique, len(ids))
	assert.Equal(t, "msg_7_q", ids[4])
	assert.Equal(t, "msg_7_3_q", ids[6])
}

func messageIDs(msgs []*models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestLoadHistoryFailsSoft(t *testing.T) {
	f := newFixture(t, historyHandler(`{"detail":"boom"}`, http.StatusInternalServerError))
	ctx := context.Background()

	require.NoError(t, f.storage.SaveThread(ctx, "alice", &models.Thread{ID: "stale"}))
	require.NoError(t, f.store.SelectThread(ctx, "stale"))

	require.NoError(t, f.store.LoadHistory(ctx))

	threads, err := f.store.Threads(ctx)
	require.NoError(t, err)
	assert.Empty(t, threads)

	selected, isNew := f.store.Selected()
	assert.Empty(t, selected)
	assert.True(t, isNew)
}

func TestLoadHistoryMissingHistoryFailsSoft(t *testing.T) {
	f := newFixture(t, historyHandler(`{"detail":"No history"}`, http.StatusOK))
	require.NoError(t, f.store.LoadHistory(context.Background()))

	_, isNew := f.store.Selected()
	assert.True(t, isNew)
}

func TestLoadThreadsFixture(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/threads", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"threads":[{"_id":"t1","name":"Outage","createdAt":"2025-09-21T08:00:00Z"}]}`)
	})
	mux.HandleFunc("/api/v1/threads/t1/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"messages":[
			{"message":{"content":"answer","metadata":{"sender":"ASSISTANT","timestamp":"2025-09-21T08:00:05Z"}}},
			{"message":{"content":"question","metadata":{"sender":"USER","timestamp":"2025-09-21T08:00:00Z"}}}]}`)
	})
	f := newFixture(t, mux, WithMockData(true))

	require.NoError(t, f.store.Load(context.Background()))

	selected, _ := f.store.Selected()
	assert.Equal(t, "t1", selected)

	msgs := f.messages(t, "t1")
	require.Len(t, msgs, 2)
	assert.Equal(t, models.KindUser, msgs[0].Kind)
	assert.Equal(t, "question", msgs[0].Output)
	assert.Equal(t, models.SenderSystem, msgs[1].Sender)
	assert.Equal(t, models.KindSystem, msgs[1].Kind)
}

// chatBackend serves thread creation, message saving and the query
// endpoint with the given handler.
func chatBackend(t *testing.T, createStatus int, query http.HandlerFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/threads", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(createStatus)
		if createStatus == http.StatusOK {
			fmt.Fprint(w, `{"thread":{"_id":"t1","name":"why is bgp down"}}`)
		}
	})
	mux.HandleFunc("/api/v1/threads/", func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/messages"))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/query/stream", query)
	return mux
}

func TestSendStreamsAnswer(t *testing.T) {
	f := newFixture(t, chatBackend(t, http.StatusOK, func(w http.ResponseWriter, r *http.Request) {
		sse(w, `{"chunk":"BGP "}`, `{"chunk":"is "}`, `{"chunk":"down"}`, `{"synthesis":"BGP is down on edge-1"}`)
	}))

	var updates []string
	f.bus.Subscribe(func(e events.Event) {
		updates = append(updates, e.Message.Output)
	}, events.MessageUpdated)

	f.store.NewThread()
	msg, err := f.store.Send(context.Background(), "  why is bgp down  ")
	require.NoError(t, err)

	assert.Equal(t, "BGP is down on edge-1", msg.Output)
	assert.Equal(t, models.KindSystem, msg.Kind)
	assert.Equal(t, models.StateComplete, msg.State)
	assert.Equal(t, []string{"BGP ", "BGP is ", "BGP is down", "BGP is down on edge-1"}, updates)

	selected, isNew := f.store.Selected()
	assert.Equal(t, "t1", selected)
	assert.False(t, isNew)

	msgs := f.messages(t, "t1")
	require.Len(t, msgs, 2)
	assert.Equal(t, "why is bgp down", msgs[0].Output)
	assert.Equal(t, models.KindUser, msgs[0].Kind)
	assert.Equal(t, msg.ID, msgs[1].ID)
	assert.False(t, msgs[1].IsLoading())
	assert.False(t, f.store.Pending("t1"))
}

func TestSendFallsBackToLocalThread(t *testing.T) {
	f := newFixture(t, chatBackend(t, http.StatusInternalServerError, func(w http.ResponseWriter, r *http.Request) {
		sse(w, `{"result":"ok"}`)
	}))

	_, err := f.store.Send(context.Background(), "a question that is much longer than thirty characters")
	require.NoError(t, err)

	threads, err := f.store.Threads(context.Background())
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.True(t, strings.HasPrefix(threads[0].ID, "thread_"))
	assert.Equal(t, "a question that is much longer", threads[0].Name)
	assert.Equal(t, NewThreadUsecase, threads[0].Usecase)
}

func TestSendWithoutTerminalFragment(t *testing.T) {
	f := newFixture(t, chatBackend(t, http.StatusOK, func(w http.ResponseWriter, r *http.Request) {
		sse(w, `not json`, `{"unexpected":true}`, `{"chunk":""}`, `{"chunk":"partial "}`, `{"chunk":"answer"}`)
	}))

	msg, err := f.store.Send(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "partial answer", msg.Output)
	assert.Equal(t, models.StateComplete, msg.State)
}

func TestSendFileAnswer(t *testing.T) {
	f := newFixture(t, chatBackend(t, http.StatusOK, http.NotFound))

	msg, err := f.store.Send(context.Background(), copilot.MockFileQuery)
	require.NoError(t, err)
	assert.Equal(t, models.KindFile, msg.Kind)
	require.NotNil(t, msg.File)
	assert.Equal(t, "sample_report.txt", msg.File.Filename)
	assert.Equal(t, "Here is your requested report. Please download the file below.", msg.Output)
}

func TestSendUnauthorizedLogsOut(t *testing.T) {
	f := newFixture(t, chatBackend(t, http.StatusOK, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	msg, err := f.store.Send(context.Background(), "q")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnauthorized))
	require.NotNil(t, msg)
	assert.Equal(t, ConnectionErrorText, msg.Output)
	assert.Equal(t, models.StateError, msg.State)
	assert.Equal(t, []bool{true}, f.session.logouts)
}

func TestSendConnectionError(t *testing.T) {
	f := newFixture(t, chatBackend(t, http.StatusOK, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	msg, err := f.store.Send(context.Background(), "q")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnection))
	assert.Equal(t, ConnectionErrorText, msg.Output)
	assert.Equal(t, models.StateError, msg.State)
	assert.Empty(t, f.session.logouts)
}

func TestSendCancel(t *testing.T) {
	f := newFixture(t, chatBackend(t, http.StatusOK, func(w http.ResponseWriter, r *http.Request) {
		sse(w, `{"chunk":"thinking"}`)
		<-r.Context().Done()
	}))

	f.bus.Subscribe(func(e events.Event) {
		assert.True(t, f.store.Cancel(e.ThreadID))
	}, events.MessageUpdated)

	msg, err := f.store.Send(context.Background(), "q")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCancelled))
	assert.Equal(t, models.StateCancelled, msg.State)
	assert.Equal(t, "thinking", msg.Output)

	msgs := f.messages(t, "t1")
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.False(t, m.IsLoading())
	}
	assert.False(t, f.store.Cancel("t1"))
}

func TestSendEmpty(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler())
	_, err := f.store.Send(context.Background(), "   ")
	assert.True(t, errors.Is(err, errors.ErrEmptyMessage))
}

func TestPlaceholderLifecycle(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler())
	ctx := context.Background()

	user, err := f.store.AppendUserMessage(ctx, "t", "hello")
	require.NoError(t, err)

	placeholder, err := f.store.AppendStreamingPlaceholder(ctx, "t")
	require.NoError(t, err)
	assert.True(t, placeholder.IsLoading())
	assert.True(t, placeholder.CreatedAt.After(user.CreatedAt))

	_, err = f.store.AppendStreamingPlaceholder(ctx, "t")
	assert.True(t, errors.Is(err, errors.ErrSendInProgress))

	require.NoError(t, f.store.UpdateStreamingMessage(ctx, "t", "hel"))
	msgs := f.messages(t, "t")
	require.Len(t, msgs, 2)
	assert.Equal(t, "hel", msgs[1].Output)
	assert.True(t, msgs[1].IsLoading())

	final, err := f.store.FinalizeStreamingMessage(ctx, "t", Failure("nope"))
	require.NoError(t, err)
	assert.Equal(t, placeholder.ID, final.ID)
	assert.Equal(t, models.StateError, final.State)

	msgs = f.messages(t, "t")
	require.Len(t, msgs, 2)
	assert.False(t, msgs[1].IsLoading())
	assert.Equal(t, "nope", msgs[1].Output)

	_, err = f.store.FinalizeStreamingMessage(ctx, "t", Answer("late"))
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = f.store.AppendStreamingPlaceholder(ctx, "t")
	assert.NoError(t, err)
}

func TestRenameAndDeleteNotImplemented(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler())
	assert.True(t, errors.Is(f.store.RenameThread(context.Background(), "t", "x"), errors.ErrNotImplemented))
	assert.True(t, errors.Is(f.store.DeleteThread(context.Background(), "t"), errors.ErrNotImplemented))
}

func TestGroupThreads(t *testing.T) {
	threads := []models.Thread{
		{ID: "a", CreatedAt: testNow.Add(-time.Hour)},
		{ID: "b", CreatedAt: testNow.AddDate(0, 0, -1)},
		{ID: "c", CreatedAt: testNow.AddDate(0, 0, -30)},
		{ID: "d", CreatedAt: testNow.AddDate(0, 0, -31)},
	}

	groups := GroupThreads(threads, testNow)
	require.Len(t, groups, 3)
	assert.Equal(t, GroupToday, groups[0].Label)
	assert.Equal(t, []models.Thread{threads[0]}, groups[0].Threads)
	assert.Equal(t, GroupPrevious, groups[1].Label)
	assert.Equal(t, []models.Thread{threads[1], threads[2]}, groups[1].Threads)
	assert.Equal(t, GroupOlder, groups[2].Label)
	assert.Equal(t, []models.Thread{threads[3]}, groups[2].Threads)
}
