// Package pending persists upload records that must survive process death.
package pending

import "time"

// Trigger records how an upload entered the pipeline.
type Trigger string

const (
	TriggerRecording Trigger = "recording"
	TriggerRetake    Trigger = "retake"
	TriggerManual    Trigger = "manual"
)

// Record is the durable seed for crash recovery: everything needed to
// re-enter the upload pipeline without the original in-memory state.
type Record struct {
	LectureID       string    `json:"lectureId"`
	UserID          string    `json:"userId"`
	Title           string    `json:"title"`
	CapturedAt      time.Time `json:"capturedAt"`
	DurationMinutes float64   `json:"durationMinutes,omitempty"`
	FolderID        string    `json:"folderId,omitempty"`
	BlobPath        string    `json:"blobPath"`
	LocalPath       string    `json:"localPath"`
	Trigger         Trigger   `json:"trigger"`
}
