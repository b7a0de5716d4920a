package models

import "time"

type StageStatus string

const (
	StatusPending    StageStatus = "pending"
	StatusInProgress StageStatus = "in_progress"
	StatusCompleted  StageStatus = "completed"
	StatusFailed     StageStatus = "failed"
)

func (s StageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ProcessingEvent is one import job as reported by the status endpoint.
type ProcessingEvent struct {
	EventID            string      `json:"event_id"`
	OverallStatus      StageStatus `json:"overall_status"`
	CurrentStage       string      `json:"current_stage"`
	ProgressPercentage float64     `json:"progress_percentage"`
	CreatedAt          string      `json:"created_at"`
	UpdatedAt          string      `json:"updated_at"`
	LastError          string      `json:"last_error,omitempty"`
}

type TimelineEntry struct {
	Stage     string      `json:"stage"`
	Status    StageStatus `json:"status"`
	Timestamp string      `json:"timestamp,omitempty"`
}

type EventDetails struct {
	Timeline []TimelineEntry `json:"timeline"`
}

// StageStatus returns the status of stage, pending when unknown.
func (d *EventDetails) StageStatus(stage string) StageStatus {
	if d == nil {
		return StatusPending
	}
	for _, e := range d.Timeline {
		if e.Stage == stage {
			return e.Status
		}
	}
	return StatusPending
}

// Done reports whether the timeline reached a final stage.
func (d *EventDetails) Done() bool {
	if d == nil || len(d.Timeline) == 0 {
		return false
	}
	for _, e := range d.Timeline {
		if (e.Stage == "processing_completed" || e.Stage == "processing_failed") && e.Status.Terminal() {
			return true
		}
		if e.Status == StatusFailed {
			return true
		}
	}
	for _, e := range d.Timeline {
		if !e.Status.Terminal() {
			return false
		}
	}
	return true
}

type StatusCounts struct {
	Completed  int `json:"completed"`
	InProgress int `json:"in_progress"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
}

func CountStatuses(events []ProcessingEvent) StatusCounts {
	var c StatusCounts
	for _, e := range events {
		switch e.OverallStatus {
		case StatusCompleted:
			c.Completed++
		case StatusInProgress:
			c.InProgress++
		case StatusFailed:
			c.Failed++
		case StatusPending:
			c.Pending++
		}
	}
	return c
}

// StageNames maps pipeline stages to short display names, in pipeline order.
var StageNames = []struct {
	Stage string
	Name  string
}{
	{"upload_received", "Upload"},
	{"file_stored", "Storage"},
	{"metadata_extracted", "Metadata"},
	{"event_published", "Queue"},
	{"pdf_processing_started", "PDF Start"},
	{"pdf_processing_completed", "PDF Done"},
	{"chunking_started", "Chunk Start"},
	{"chunking_completed", "Chunk Done"},
	{"embedding_started", "Embed Start"},
	{"embedding_completed", "Embed Done"},
	{"vector_store_started", "Vector Start"},
	{"vector_store_completed", "Vector Done"},
	{"graph_update_started", "Graph Start"},
	{"graph_update_completed", "Graph Done"},
	{"processing_completed", "Complete"},
	{"processing_failed", "Failed"},
}

// StatusSnapshot is what a status refresh produced.
type StatusSnapshot struct {
	Events      []ProcessingEvent
	Counts      StatusCounts
	LastUpdated time.Time
}
