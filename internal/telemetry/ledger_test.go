package telemetry

import (
	"fmt"
	"testing"
	"time"

	"github.com/lecternhq/lectern/internal/lecture"
	"github.com/lecternhq/lectern/internal/xerrors"
)

type captureSink struct {
	events []Event
}

func (c *captureSink) Emit(e Event) { c.events = append(c.events, e) }

func (c *captureSink) of(phase Phase, kind Kind) []Event {
	var out []Event
	for _, e := range c.events {
		if e.Phase == phase && e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newTestLedger() (*Ledger, *captureSink) {
	sink := &captureSink{}
	g := NewLedger(sink)
	n := 0
	g.newID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }
	return g, sink
}

func readyLecture(id string) lecture.Lecture {
	return lecture.Lecture{
		ID:         id,
		Status:     lecture.StatusReady,
		Transcript: "the full transcript",
		Summary:    &lecture.Summary{MainTheme: "Theme", KeyPoints: []string{"a", "b"}},
	}
}

func TestRetryBudgetYieldsOneSuccessEvent(t *testing.T) {
	g, sink := newTestLedger()

	g.UploadAttempt("lec1", 2048)
	g.UploadStarted("lec1") // attempt 1, fails
	g.UploadStarted("lec1") // attempt 2, fails
	g.UploadStarted("lec1") // attempt 3, succeeds
	g.UploadSucceeded("lec1")

	successes := sink.of(PhaseUpload, KindSuccess)
	if len(successes) != 1 {
		t.Fatalf("got %d success events, want 1", len(successes))
	}
	if successes[0].RetriesCount != 2 {
		t.Errorf("retriesCount = %d, want 2", successes[0].RetriesCount)
	}
	if got := sink.of(PhaseUpload, KindFailed); len(got) != 0 {
		t.Errorf("got %d failed events, want 0", len(got))
	}
	if got := sink.of(PhaseUpload, KindStarted); len(got) != 1 {
		t.Errorf("got %d started events, want 1", len(got))
	}
}

func TestSkippedStatesStillProduceOneSuccessPerPhase(t *testing.T) {
	g, sink := newTestLedger()

	g.UploadAttempt("lec1", 1024)
	g.UploadStarted("lec1")
	g.UploadSucceeded("lec1")

	// The snapshot jumps straight to ready; transcribed and summarizing
	// were never observed.
	g.ObserveLecture(readyLecture("lec1"))

	if got := sink.of(PhaseTranscription, KindSuccess); len(got) != 1 {
		t.Fatalf("transcription successes = %d, want 1", len(got))
	}
	if got := sink.of(PhaseSummarization, KindSuccess); len(got) != 1 {
		t.Fatalf("summarization successes = %d, want 1", len(got))
	}

	// Observing the same terminal snapshot again must not double-emit.
	g.ObserveLecture(readyLecture("lec1"))
	if got := sink.of(PhaseTranscription, KindSuccess); len(got) != 1 {
		t.Errorf("transcription successes after re-observe = %d, want 1", len(got))
	}
	if got := sink.of(PhaseSummarization, KindSuccess); len(got) != 1 {
		t.Errorf("summarization successes after re-observe = %d, want 1", len(got))
	}
}

func TestSummarizationCarriesUpstreamIdentifiers(t *testing.T) {
	g, sink := newTestLedger()

	g.UploadAttempt("lec1", 1024)
	g.UploadStarted("lec1")
	g.UploadSucceeded("lec1")
	g.ObserveLecture(readyLecture("lec1"))

	uploads := sink.of(PhaseUpload, KindSuccess)
	transcriptions := sink.of(PhaseTranscription, KindSuccess)
	summaries := sink.of(PhaseSummarization, KindSuccess)
	if len(uploads) != 1 || len(transcriptions) != 1 || len(summaries) != 1 {
		t.Fatalf("expected one success per phase, got %d/%d/%d",
			len(uploads), len(transcriptions), len(summaries))
	}

	if summaries[0].UploadID != uploads[0].PhaseID {
		t.Errorf("summary uploadId = %q, want %q", summaries[0].UploadID, uploads[0].PhaseID)
	}
	if summaries[0].TranscriptionID != transcriptions[0].PhaseID {
		t.Errorf("summary transcriptionId = %q, want %q",
			summaries[0].TranscriptionID, transcriptions[0].PhaseID)
	}
	if transcriptions[0].UploadID != uploads[0].PhaseID {
		t.Errorf("transcription uploadId = %q, want %q",
			transcriptions[0].UploadID, uploads[0].PhaseID)
	}
}

func TestUploadFailureEndsChain(t *testing.T) {
	g, sink := newTestLedger()

	g.UploadAttempt("lec1", 1024)
	g.UploadStarted("lec1")
	g.UploadStarted("lec1")
	g.UploadStarted("lec1")
	g.UploadFailed("lec1", xerrors.New(xerrors.CodeNetwork, "socket closed"))

	failures := sink.of(PhaseUpload, KindFailed)
	if len(failures) != 1 {
		t.Fatalf("failed events = %d, want 1", len(failures))
	}
	if failures[0].RetriesCount != 2 {
		t.Errorf("retriesCount = %d, want 2", failures[0].RetriesCount)
	}
	if failures[0].ErrorCode != xerrors.CodeNetwork {
		t.Errorf("errorCode = %s, want network", failures[0].ErrorCode)
	}
	if got := sink.of(PhaseTranscription, KindAttempt); len(got) != 0 {
		t.Errorf("transcription attempts after upload failure = %d, want 0", len(got))
	}

	// The context is gone; a second failure report is a no-op.
	g.UploadFailed("lec1", xerrors.New(xerrors.CodeNetwork, "socket closed"))
	if got := sink.of(PhaseUpload, KindFailed); len(got) != 1 {
		t.Errorf("failed events after duplicate report = %d, want 1", len(got))
	}
}

func TestFailureChargedToInnermostOpenPhase(t *testing.T) {
	g, sink := newTestLedger()

	g.UploadAttempt("lec1", 1024)
	g.UploadStarted("lec1")
	g.UploadSucceeded("lec1")

	// Transcript arrives, then the summarization dies server-side. One
	// snapshot carries both facts.
	g.ObserveLecture(lecture.Lecture{
		ID:         "lec1",
		Status:     lecture.StatusFailed,
		Transcript: "full text",
	})

	if got := sink.of(PhaseTranscription, KindSuccess); len(got) != 1 {
		t.Errorf("transcription successes = %d, want 1", len(got))
	}
	failures := sink.of(PhaseSummarization, KindFailed)
	if len(failures) != 1 {
		t.Fatalf("summarization failures = %d, want 1", len(failures))
	}
	if failures[0].ErrorCode != xerrors.CodeUnknown {
		t.Errorf("errorCode = %s, want unknown", failures[0].ErrorCode)
	}
	if got := sink.of(PhaseTranscription, KindFailed); len(got) != 0 {
		t.Errorf("transcription failures = %d, want 0", len(got))
	}
}

func TestQuotaBlockMapsToQuotaCode(t *testing.T) {
	g, sink := newTestLedger()

	g.UploadAttempt("lec1", 1024)
	g.UploadStarted("lec1")
	g.UploadSucceeded("lec1")
	g.ObserveLecture(lecture.Lecture{ID: "lec1", Status: lecture.StatusBlockedQuota})

	failures := sink.of(PhaseTranscription, KindFailed)
	if len(failures) != 1 {
		t.Fatalf("transcription failures = %d, want 1", len(failures))
	}
	if failures[0].ErrorCode != xerrors.CodeQuota {
		t.Errorf("errorCode = %s, want quota", failures[0].ErrorCode)
	}
}

func TestHistoricalLecturesProduceNoEvents(t *testing.T) {
	g, sink := newTestLedger()

	// First snapshot after startup carries finished lectures this process
	// never uploaded.
	g.ObserveLecture(readyLecture("old1"))
	g.ObserveLecture(lecture.Lecture{ID: "old2", Status: lecture.StatusFailed})

	if len(sink.events) != 0 {
		t.Errorf("got %d events for historical lectures, want 0", len(sink.events))
	}
}

func TestFreshAttemptGetsFreshIdentifier(t *testing.T) {
	g, sink := newTestLedger()

	g.UploadAttempt("lec1", 1024)
	g.UploadStarted("lec1")
	g.UploadFailed("lec1", xerrors.New(xerrors.CodeServer, "boom"))

	g.UploadAttempt("lec1", 1024)

	attempts := sink.of(PhaseUpload, KindAttempt)
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if attempts[0].PhaseID == attempts[1].PhaseID {
		t.Error("retry reused the previous phase identifier")
	}
}

func TestStartedWithoutAttemptIsIgnored(t *testing.T) {
	g, sink := newTestLedger()

	g.UploadStarted("ghost")
	g.UploadSucceeded("ghost")

	if len(sink.events) != 0 {
		t.Errorf("got %d events without an open context, want 0", len(sink.events))
	}
}
