package copilot

import (
	"context"
	"net/http"
	"net/url"

	"github.com/xaenox/copilot-chat/internal/models"
)

// Events lists the processing events of uploaded documents.
func (c *Client) Events(ctx context.Context) ([]models.ProcessingEvent, error) {
	var resp struct {
		Events []models.ProcessingEvent `json:"events"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.opts.StatusURL, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// EventDetails returns the stage timeline of one processing event.
func (c *Client) EventDetails(ctx context.Context, eventID string) (*models.EventDetails, error) {
	var details models.EventDetails
	u := c.opts.StatusURL + "/" + url.PathEscape(eventID)
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &details); err != nil {
		return nil, err
	}
	return &details, nil
}
