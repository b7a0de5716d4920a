package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/xaenox/copilot-chat/internal/errors"
)

// DataSource is one knowledge source known to the backend. Fields the
// client does not interpret are kept in Extra.
type DataSource struct {
	ID     string
	Name   string
	Type   string
	Status string
	Extra  map[string]any
}

// DataSources lists the configured data sources. The endpoint answers
// with a bare list or with {"datasources": [...]}.
func (c *Client) DataSources(ctx context.Context) ([]DataSource, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, c.opts.DataSourcesURL, nil, &raw); err != nil {
		return nil, err
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, errors.Wrapf(err, "failed to decode data sources")
		}
		raw = nil
		for _, key := range []string{"datasources", "data_sources", "items"} {
			if v, ok := wrapped[key]; ok {
				raw = v
				break
			}
		}
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var entries []map[string]any
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrapf(err, "failed to decode data sources")
	}

	sources := make([]DataSource, 0, len(entries))
	for _, e := range entries {
		ds := DataSource{Extra: map[string]any{}}
		for k, v := range e {
			s, _ := v.(string)
			switch k {
			case "id", "_id":
				if s == "" {
					if f, ok := v.(float64); ok {
						s = strconv.FormatFloat(f, 'f', -1, 64)
					}
				}
				ds.ID = s
			case "name":
				ds.Name = s
			case "type":
				ds.Type = s
			case "status":
				ds.Status = s
			default:
				ds.Extra[k] = v
			}
		}
		sources = append(sources, ds)
	}
	return sources, nil
}
