package titler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestSimpleTitler(t *testing.T) {
	tt := NewSimpleTitler(0)
	assert.Equal(t, "show ip bgp summary", tt.Title(context.Background(), "  show ip bgp summary \n"))
	assert.Equal(t, "why does the core router in da", tt.Title(context.Background(), "why does the core router in dallas drop packets"))
	assert.Equal(t, "ééé", NewSimpleTitler(3).Title(context.Background(), "éééé"))
}

func newCompletionServer(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			}},
		})
	}))
}

func newTestTitler(t *testing.T, srv *httptest.Server) *GPTTitler {
	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL
	return NewGPTTitlerWithConfig(cfg, openai.GPT3Dot5Turbo, 20, 0.3, zaptest.NewLogger(t))
}

func TestGPTTitler(t *testing.T) {
	srv := newCompletionServer(t, `{"title": "BGP session flapping"}`, http.StatusOK)
	defer srv.Close()

	title := newTestTitler(t, srv).Title(context.Background(), "why does bgp keep going down on edge-1")
	assert.Equal(t, "BGP session flapping", title)
}

func TestGPTTitlerFallsBack(t *testing.T) {
	message := "why does bgp keep going down on edge-1"

	t.Run("api error", func(t *testing.T) {
		srv := newCompletionServer(t, "", http.StatusInternalServerError)
		defer srv.Close()
		assert.Equal(t, "why does bgp keep going down o", newTestTitler(t, srv).Title(context.Background(), message))
	})

	t.Run("not json", func(t *testing.T) {
		srv := newCompletionServer(t, "BGP flaps", http.StatusOK)
		defer srv.Close()
		assert.Equal(t, "why does bgp keep going down o", newTestTitler(t, srv).Title(context.Background(), message))
	})
}
