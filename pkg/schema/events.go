// pkg/schema/events.go
package schema

import "time"

// Default subjects for the three message kinds carried on the bus.
const (
	SubjectUploadAccepted    = "videos.upload.accepted"
	SubjectStatusChanged     = "videos.status.changed"
	SubjectAnalysisCompleted = "videos.analysis.completed"
)

type Status string

const (
	StatusQueued     Status = "Queued"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

type FailureType string

const (
	FailureTypeRetryable  FailureType = "retryable"
	FailureTypePermanent  FailureType = "permanent"
	FailureTypeValidation FailureType = "validation"
)

type UploadAccepted struct {
	VideoID    string    `json:"video_id" validate:"required"`
	FilePath   string    `json:"file_path" validate:"required"`
	UploadedAt time.Time `json:"uploaded_at" validate:"required"`
}

type StatusChanged struct {
	VideoID     string      `json:"video_id" validate:"required"`
	Status      Status      `json:"status" validate:"required,oneof=Processing Completed Failed"`
	UpdatedAt   time.Time   `json:"updated_at" validate:"required"`
	Message     string      `json:"message,omitempty"`
	FailureType FailureType `json:"failure_type,omitempty"`
}

type Detection struct {
	Content          string  `json:"content"`
	FrameNumber      int     `json:"frame_number"`
	TimestampSeconds float64 `json:"timestamp_seconds"`
	FramePath        string  `json:"frame_path"`
}

type AnalysisCompleted struct {
	VideoID     string      `json:"video_id" validate:"required"`
	CompletedAt time.Time   `json:"completed_at" validate:"required"`
	Detections  []Detection `json:"detections"`
}

// Push events delivered to clients joined to a video group.
const (
	EventStatusUpdate       = "StatusUpdate"
	EventProcessingComplete = "ProcessingComplete"
	EventProcessingError    = "ProcessingError"
)

type PushEvent struct {
	Type      string      `json:"type"`
	VideoID   string      `json:"video_id"`
	Status    Status      `json:"status"`
	Message   string      `json:"message,omitempty"`
	Error     string      `json:"error,omitempty"`
	Results   *PushResult `json:"results,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type PushResult struct {
	CompletedAt time.Time   `json:"completed_at"`
	UniqueCount int         `json:"unique_count"`
	Detections  []Detection `json:"detections"`
}
