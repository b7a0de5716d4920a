package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/copilot-chat/internal/errors"
	"github.com/xaenox/copilot-chat/internal/models"
)

// FlexID accepts identifiers sent either as JSON strings or numbers.
type FlexID string

func (id *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.Wrapf(err, "invalid identifier %s", data)
	}
	*id = FlexID(n.String())
	return nil
}

type ResponseData struct {
	Synthesis string `json:"synthesis"`
	Query     string `json:"query"`
}

// HistoryItem is one past query together with its answer.
type HistoryItem struct {
	ID                  FlexID          `json:"id"`
	QueryID             FlexID          `json:"query_id"`
	Timestamp           string          `json:"timestamp"`
	CompletionTimestamp string          `json:"completion_timestamp"`
	QueryText           string          `json:"query_text"`
	ResponseMessage     string          `json:"response_message"`
	ResponseData        ResponseData    `json:"response_data"`
	AgentResponse       json.RawMessage `json:"agent_response,omitempty"`
}

// Key identifies the item for message ids; query_id wins over id.
func (h *HistoryItem) Key() string {
	if h.QueryID != "" {
		return string(h.QueryID)
	}
	return string(h.ID)
}

// AskedAt is the query timestamp.
func (h *HistoryItem) AskedAt() (time.Time, error) {
	return models.ParseTime(h.Timestamp)
}

// AnsweredAt is the completion timestamp, or ok=false when absent or
// unparsable.
func (h *HistoryItem) AnsweredAt() (time.Time, bool) {
	t, err := models.ParseTime(h.CompletionTimestamp)
	return t, err == nil
}

// AnswerText is the text shown for a non-file answer: the synthesis when
// present, the raw response message otherwise.
func (h *HistoryItem) AnswerText() string {
	if h.ResponseData.Synthesis != "" {
		return h.ResponseData.Synthesis
	}
	return h.ResponseMessage
}

// AnswerFile returns the file carried by the answer, either in
// agent_response or as a JSON encoded response_message.
func (h *HistoryItem) AnswerFile() (*models.FilePayload, bool) {
	raw := []byte(h.AgentResponse)
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = []byte(h.ResponseMessage)
	}

	chunk, err := models.ParseFragment(string(raw))
	if err != nil || chunk.Kind != models.ChunkFile {
		return nil, false
	}
	return chunk.File, true
}

// History fetches the query history of the logged in user.
func (c *Client) History(ctx context.Context) ([]HistoryItem, error) {
	var resp struct {
		History json.RawMessage `json:"history"`
		Detail  json.RawMessage `json:"detail"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.opts.HistoryURL, nil, &resp); err != nil {
		return nil, err
	}

	history := bytes.TrimSpace(resp.History)
	if len(history) == 0 || history[0] != '[' {
		detail := string(bytes.TrimSpace(resp.Detail))
		if s, err := strconv.Unquote(detail); err == nil {
			detail = s
		}
		return nil, errors.Wrapf(errors.ErrNotFound, "no history found: %s", detail)
	}

	var items []HistoryItem
	if err := json.Unmarshal(history, &items); err != nil {
		return nil, errors.Wrapf(err, "failed to decode history")
	}
	c.logger.Debug("Fetched history", zap.Int("items", len(items)))
	return items, nil
}
