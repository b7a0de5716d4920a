package copilot

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"

	"go.uber.org/zap"

	"github.com/xaenox/copilot-chat/internal/errors"
)

// ProgressFunc receives the number of file bytes sent so far and the
// file size.
type ProgressFunc func(sent, total int64)

type progressReader struct {
	r        io.Reader
	sent     int64
	total    int64
	progress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.progress != nil {
			p.progress(p.sent, p.total)
		}
	}
	return n, err
}

// Upload sends a document for ingestion and returns the processing event
// id. The body is streamed; cancel ctx to abort.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader, size int64, progress ProgressFunc) (string, error) {
	token := c.token()
	if token == "" {
		return "", errors.Wrapf(errors.ErrUnauthorized, "Auth token not found")
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := func() error {
			part, err := mw.CreateFormFile("file", filename)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, &progressReader{r: r, total: size, progress: progress}); err != nil {
				return err
			}
			if err := mw.WriteField("tenant_id", c.opts.TenantID); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.UploadURL, pr)
	if err != nil {
		pr.CloseWithError(err)
		return "", errors.Wrapf(err, "failed to create request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	c.logger.Info("Uploading file", zap.String("filename", filename), zap.Int64("size", size))
	resp, err := c.stream.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		if ctx.Err() != nil {
			return "", errors.Wrapf(errors.ErrCancelled, "%v", ctx.Err())
		}
		return "", errors.Wrapf(errors.ErrConnection, "upload: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrapf(errors.ErrConnection, "failed to read response: %v", err)
	}
	if err := checkStatus(resp, data); err != nil {
		return "", err
	}

	var out struct {
		EventID FlexID `json:"event_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", errors.Wrapf(err, "failed to decode upload response")
	}
	return string(out.EventID), nil
}
