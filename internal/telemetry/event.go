package telemetry

import (
	"time"

	"github.com/lecternhq/lectern/internal/xerrors"
)

// Phase names one stage of the recording pipeline.
type Phase string

const (
	PhaseUpload        Phase = "upload"
	PhaseTranscription Phase = "transcription"
	PhaseSummarization Phase = "summarization"
)

// Kind is the lifecycle step an event reports.
type Kind string

const (
	KindAttempt Kind = "attempt"
	KindStarted Kind = "started"
	KindSuccess Kind = "success"
	KindFailed  Kind = "failed"
)

// Event is one pipeline lifecycle observation. The three identifier fields
// let downstream consumers join events across phases: a summarization
// event carries the transcription and upload ids that produced its input.
type Event struct {
	Phase           Phase        `json:"phase"`
	Kind            Kind         `json:"kind"`
	LectureID       string       `json:"lectureId"`
	PhaseID         string       `json:"phaseId"`
	UploadID        string       `json:"uploadId,omitempty"`
	TranscriptionID string       `json:"transcriptionId,omitempty"`
	RetriesCount    int          `json:"retriesCount"`
	Resume          bool         `json:"resume,omitempty"`
	ErrorCode       xerrors.Code `json:"errorCode,omitempty"`
	Bytes           int64        `json:"bytes,omitempty"`
	Chars           int          `json:"chars,omitempty"`
	Elapsed         float64      `json:"elapsedSeconds,omitempty"`
	At              time.Time    `json:"at"`
}
