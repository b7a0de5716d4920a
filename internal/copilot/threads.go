package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/copilot-chat/internal/errors"
	"github.com/xaenox/copilot-chat/internal/models"
)

// SenderAssistant is how the chat API labels model answers.
const SenderAssistant = "ASSISTANT"

type threadWire struct {
	ID        FlexID          `json:"_id"`
	Name      string          `json:"name"`
	Title     string          `json:"title"`
	Usecase   string          `json:"usecase_name"`
	CreatedAt json.RawMessage `json:"createdAt"`
}

func (w threadWire) thread() models.Thread {
	name := w.Name
	if name == "" {
		name = w.Title
	}
	return models.Thread{
		ID:        string(w.ID),
		Name:      name,
		Usecase:   w.Usecase,
		CreatedAt: flexTime(w.CreatedAt),
	}
}

// flexTime decodes a time sent as epoch milliseconds or as a string.
// Unusable values yield the zero time.
func flexTime(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}
		}
		if t, err := models.ParseTime(s); err == nil {
			return t
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
		return time.Time{}
	}
	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms)).UTC()
}

// ThreadMessage is one message as stored by the chat API.
type ThreadMessage struct {
	Content   string
	Sender    models.Sender
	Timestamp time.Time
}

type threadMessageWire struct {
	Message struct {
		Content  string `json:"content"`
		Metadata struct {
			Sender    string          `json:"sender"`
			Timestamp json.RawMessage `json:"timestamp"`
		} `json:"metadata"`
	} `json:"message"`
}

// Feedback is a vote on one answer.
type Feedback struct {
	Vote    bool   `json:"vote"`
	Comment string `json:"comment"`
	Reason  string `json:"reason"`
}

func (c *Client) threadsURL(parts ...string) string {
	u := c.opts.ChatAPIBaseURL + "/threads"
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// Threads lists the saved threads.
func (c *Client) Threads(ctx context.Context) ([]models.Thread, error) {
	var resp struct {
		Threads []threadWire `json:"threads"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.threadsURL(), nil, &resp); err != nil {
		return nil, err
	}

	threads := make([]models.Thread, 0, len(resp.Threads))
	for _, w := range resp.Threads {
		threads = append(threads, w.thread())
	}
	return threads, nil
}

// CreateThread saves a new thread titled title.
func (c *Client) CreateThread(ctx context.Context, title string, metadata map[string]any) (*models.Thread, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	payload := map[string]any{
		"title":    title,
		"metadata": metadata,
	}

	var resp struct {
		Thread *threadWire `json:"thread"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.threadsURL(), payload, &resp); err != nil {
		return nil, err
	}
	if resp.Thread == nil || resp.Thread.ID == "" {
		return nil, errors.Wrapf(errors.ErrNotFound, "thread missing from response")
	}

	thread := resp.Thread.thread()
	if thread.Name == "" {
		thread.Name = title
	}
	c.logger.Debug("Created thread", zap.String("thread_id", thread.ID))
	return &thread, nil
}

// ThreadMessages lists the messages of a thread. ASSISTANT senders are
// reported as SYSTEM.
func (c *Client) ThreadMessages(ctx context.Context, threadID string) ([]ThreadMessage, error) {
	var resp struct {
		Messages []threadMessageWire `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.threadsURL(threadID, "messages"), nil, &resp); err != nil {
		return nil, err
	}

	messages := make([]ThreadMessage, 0, len(resp.Messages))
	for _, w := range resp.Messages {
		sender := models.Sender(w.Message.Metadata.Sender)
		if w.Message.Metadata.Sender == SenderAssistant {
			sender = models.SenderSystem
		}
		messages = append(messages, ThreadMessage{
			Content:   w.Message.Content,
			Sender:    sender,
			Timestamp: flexTime(w.Message.Metadata.Timestamp),
		})
	}
	return messages, nil
}

// AppendMessage stores a user message in a thread.
func (c *Client) AppendMessage(ctx context.Context, threadID, message string) error {
	payload := map[string]string{
		"thread_id": threadID,
		"message":   message,
	}
	return c.doJSON(ctx, http.MethodPost, c.threadsURL(threadID, "messages"), payload, nil)
}

func (c *Client) SaveFeedback(ctx context.Context, threadID, messageID string, fb Feedback) error {
	return c.doJSON(ctx, http.MethodPost, c.threadsURL(threadID, "messages", messageID, "feedback"), fb, nil)
}

// Suggestions returns the prompt suggestions offered on an empty thread.
func (c *Client) Suggestions(ctx context.Context) ([]string, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, c.opts.ChatAPIBaseURL+"/suggestions", nil, &raw); err != nil {
		return nil, err
	}
	return decodeSuggestions(raw)
}

// decodeSuggestions accepts a bare list or {"suggestions": [...]}, with
// entries given as strings or as objects carrying text/title.
func decodeSuggestions(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '{' {
		var wrapped struct {
			Suggestions json.RawMessage `json:"suggestions"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, errors.Wrapf(err, "failed to decode suggestions")
		}
		raw = bytes.TrimSpace(wrapped.Suggestions)
		if len(raw) == 0 {
			return nil, nil
		}
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrapf(err, "failed to decode suggestions")
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		var s string
		if json.Unmarshal(e, &s) == nil {
			out = append(out, s)
			continue
		}
		var obj struct {
			Text  string `json:"text"`
			Title string `json:"title"`
		}
		if json.Unmarshal(e, &obj) == nil {
			if obj.Text != "" {
				out = append(out, obj.Text)
			} else if obj.Title != "" {
				out = append(out, obj.Title)
			}
		}
	}
	return out, nil
}
