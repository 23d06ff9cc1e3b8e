// Package lecture defines the lecture document model shared by the
// reconciler, upload pipeline and control surface.
package lecture

import (
	"encoding/json"
	"time"
)

// Status tracks a lecture through the processing pipeline.
type Status string

const (
	StatusRecording    Status = "recording"
	StatusProcessing   Status = "processing"
	StatusTranscribed  Status = "transcribed"
	StatusSummarizing  Status = "summarizing"
	StatusReady        Status = "ready"
	StatusFailed       Status = "failed"
	StatusBlockedQuota Status = "blockedQuota"
)

// ParseStatus maps a wire string to a Status. Unrecognized values decode
// as processing so a newer server cannot break older clients.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusRecording, StatusProcessing, StatusTranscribed,
		StatusSummarizing, StatusReady, StatusFailed, StatusBlockedQuota:
		return Status(s)
	default:
		return StatusProcessing
	}
}

// Terminal reports whether the status ends the current pipeline attempt.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed || s == StatusBlockedQuota
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ParseStatus(raw)
	return nil
}

// Summary is the structured output of the summarization phase.
type Summary struct {
	MainTheme     string   `json:"mainTheme"`
	KeyPoints     []string `json:"keyPoints,omitempty"`
	References    []string `json:"references,omitempty"`
	WeeklyActions []string `json:"weeklyActions,omitempty"`
}

// SummaryProgress marks a summarization job in flight. Older documents
// store a bare boolean instead of the object form.
type SummaryProgress struct {
	StartedAt time.Time  `json:"startedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (p *SummaryProgress) UnmarshalJSON(data []byte) error {
	// Legacy form: summaryInProgress: true
	var legacy bool
	if err := json.Unmarshal(data, &legacy); err == nil {
		*p = SummaryProgress{}
		return nil
	}

	type alias SummaryProgress
	var obj alias
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*p = SummaryProgress(obj)
	return nil
}

// Translations tracks requested language codes through their lifecycle.
type Translations struct {
	Requested  []string `json:"requested,omitempty"`
	InProgress []string `json:"inProgress,omitempty"`
	Failed     []string `json:"failed,omitempty"`
}

// Lecture is the user-visible unit of work. The id is client-generated
// and immutable; all other fields follow the remote document.
type Lecture struct {
	ID                  string           `json:"id"`
	Title               string           `json:"title"`
	CreatedAt           time.Time        `json:"createdAt"`
	DurationMinutes     *float64         `json:"durationMinutes,omitempty"`
	ChargedMinutes      *float64         `json:"chargedMinutes,omitempty"`
	Favorite            bool             `json:"favorite,omitempty"`
	Status              Status           `json:"status"`
	QuotaReason         string           `json:"quotaReason,omitempty"`
	ErrorMessage        string           `json:"errorMessage,omitempty"`
	Transcript          string           `json:"transcript,omitempty"`
	FormattedTranscript string           `json:"formattedTranscript,omitempty"`
	Summary             *Summary         `json:"summary,omitempty"`
	SummaryInProgress   *SummaryProgress `json:"summaryInProgress,omitempty"`
	Translations        *Translations    `json:"translations,omitempty"`
	AudioPath           string           `json:"audioPath,omitempty"`
	FolderID            string           `json:"folderId,omitempty"`
	FolderName          string           `json:"folderName,omitempty"`
}

// HasTranscript reports whether transcription output is present.
func (l *Lecture) HasTranscript() bool {
	return l.Transcript != "" || l.FormattedTranscript != ""
}

// HasSummary reports whether summarization output is present.
func (l *Lecture) HasSummary() bool {
	return l.Summary != nil
}

// NeedsDuration reports whether the lazy duration backfill applies:
// a known blob path but no stored duration.
func (l *Lecture) NeedsDuration() bool {
	return l.AudioPath != "" && l.DurationMinutes == nil
}
