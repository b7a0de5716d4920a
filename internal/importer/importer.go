// Package importer uploads documents for ingestion and follows their
// processing status.
package importer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/xaenox/copilot-chat/internal/copilot"
	"github.com/xaenox/copilot-chat/internal/errors"
	"github.com/xaenox/copilot-chat/internal/models"
)

// Backend is the part of the copilot client the importer needs.
type Backend interface {
	Upload(ctx context.Context, filename string, r io.Reader, size int64, progress copilot.ProgressFunc) (string, error)
	Events(ctx context.Context) ([]models.ProcessingEvent, error)
	EventDetails(ctx context.Context, eventID string) (*models.EventDetails, error)
}

// ErrImportInProgress is returned when an import is started while another
// one is running.
var ErrImportInProgress = errors.New("import already in progress")

type Importer struct {
	backend      Backend
	pollInterval time.Duration
	onLog        func(string)
	now          func() time.Time
	logger       *zap.Logger

	mu        sync.Mutex
	logs      []string
	progress  int
	importing bool
	completed bool
	eventID   string
	cancel    context.CancelFunc
}

type Option func(*Importer)

// WithLogSink receives every log line as it is recorded.
func WithLogSink(fn func(string)) Option {
	return func(i *Importer) { i.onLog = fn }
}

func WithPollInterval(d time.Duration) Option {
	return func(i *Importer) {
		if d > 0 {
			i.pollInterval = d
		}
	}
}

func New(backend Backend, logger *zap.Logger, opts ...Option) *Importer {
	i := &Importer{
		backend:      backend,
		pollInterval: 5 * time.Second,
		now:          time.Now,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Import uploads the file at path and returns the processing event id.
// Progress and outcome are recorded in the log lines.
func (i *Importer) Import(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", errors.Wrapf(err, "failed to stat %s", path)
	}
	return i.ImportReader(ctx, filepath.Base(path), f, info.Size())
}

func (i *Importer) ImportReader(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	i.mu.Lock()
	if i.importing {
		i.mu.Unlock()
		return "", ErrImportInProgress
	}
	i.importing = true
	i.completed = false
	i.progress = 0
	i.eventID = ""
	i.logs = nil
	i.cancel = cancel
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		i.importing = false
		i.cancel = nil
		i.mu.Unlock()
	}()

	i.log(fmt.Sprintf("Starting import of %s (%s)...", name, humanize.Bytes(uint64(size))))
	i.logger.Info("Starting import", zap.String("filename", name), zap.Int64("size", size))

	lastPercent := -1
	eventID, err := i.backend.Upload(ctx, name, r, size, func(sent, total int64) {
		if total <= 0 {
			return
		}
		percent := int(100 * sent / total)
		if percent == lastPercent {
			return
		}
		lastPercent = percent
		i.setProgress(percent)
		i.log(fmt.Sprintf("Upload progress: %d%% (%s of %s)", percent,
			humanize.Bytes(uint64(sent)), humanize.Bytes(uint64(total))))
	})
	if err != nil {
		if errors.Is(err, errors.ErrCancelled) || ctx.Err() != nil {
			i.log("Import cancelled by user.")
			return "", errors.Wrapf(errors.ErrCancelled, "import of %s", name)
		}
		i.log(fmt.Sprintf("An error occurred during import: %v", err))
		i.logger.Error("Import failed", zap.String("filename", name), zap.Error(err))
		return "", err
	}

	i.log("File uploaded successfully. Processing on server...")
	if eventID != "" {
		i.log(fmt.Sprintf("Event ID: %s", eventID))
	}

	i.mu.Lock()
	i.completed = true
	i.progress = 100
	i.eventID = eventID
	i.mu.Unlock()

	i.logger.Info("Import uploaded", zap.String("filename", name), zap.String("event_id", eventID))
	return eventID, nil
}

// Cancel aborts the running import.
func (i *Importer) Cancel() bool {
	i.mu.Lock()
	cancel := i.cancel
	i.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// CheckStatus fetches the stage timeline of an uploaded document.
func (i *Importer) CheckStatus(ctx context.Context, eventID string) (*models.EventDetails, error) {
	if eventID == "" {
		return nil, errors.Wrapf(errors.ErrNotFound, "no event id")
	}
	details, err := i.backend.EventDetails(ctx, eventID)
	if err != nil {
		i.log(fmt.Sprintf("Error checking status for event %s: %v", eventID, err))
		return nil, err
	}
	return details, nil
}

// Watch polls the event until its pipeline is done or ctx ends. onUpdate
// sees every fetched timeline. Fetch errors are logged and polling goes on.
func (i *Importer) Watch(ctx context.Context, eventID string, onUpdate func(*models.EventDetails)) (*models.EventDetails, error) {
	ticker := time.NewTicker(i.pollInterval)
	defer ticker.Stop()

	for {
		details, err := i.CheckStatus(ctx, eventID)
		if err == nil {
			if onUpdate != nil {
				onUpdate(details)
			}
			if details.Done() {
				return details, nil
			}
		} else if errors.Is(err, errors.ErrUnauthorized) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(errors.ErrCancelled, "%v", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Snapshot lists the processing events with their counts per status.
func (i *Importer) Snapshot(ctx context.Context) (*models.StatusSnapshot, error) {
	evs, err := i.backend.Events(ctx)
	if err != nil {
		i.logger.Error("Failed to fetch processing events", zap.Error(err))
		return nil, err
	}
	return &models.StatusSnapshot{
		Events:      evs,
		Counts:      models.CountStatuses(evs),
		LastUpdated: i.now(),
	}, nil
}

func (i *Importer) Logs() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.logs...)
}

func (i *Importer) Progress() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.progress
}

func (i *Importer) Importing() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.importing
}

// Completed reports whether the last import finished uploading.
func (i *Importer) Completed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.completed
}

func (i *Importer) EventID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.eventID
}

func (i *Importer) setProgress(p int) {
	i.mu.Lock()
	i.progress = p
	i.mu.Unlock()
}

func (i *Importer) log(line string) {
	i.mu.Lock()
	i.logs = append(i.logs, line)
	sink := i.onLog
	i.mu.Unlock()
	if sink != nil {
		sink(line)
	}
}
