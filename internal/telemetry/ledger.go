package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lecternhq/lectern/internal/lecture"
	"github.com/lecternhq/lectern/internal/xerrors"
)

// phaseContext is the ephemeral bookkeeping for one open phase of one
// lecture. Never persisted; a restart loses correlation but not uploads.
type phaseContext struct {
	id              string
	uploadID        string
	transcriptionID string
	startedAt       time.Time
	sent            bool
	retries         int
	bytes           int64
}

// completedIDs carries identifiers of concluded phases forward so later
// phases can reference the work that produced their input.
type completedIDs struct {
	uploadID        string
	transcriptionID string
}

// Ledger turns upload callbacks and remote snapshot observations into an
// exactly-once stream of per-phase lifecycle events. Events fire only for
// lectures whose upload this process performed; pre-existing lectures in
// the first snapshot never produce events.
type Ledger struct {
	mu    sync.Mutex
	sink  Sink
	now   func() time.Time
	newID func() string

	upload        map[string]*phaseContext
	transcription map[string]*phaseContext
	summarization map[string]*phaseContext
	completed     map[string]completedIDs
}

func NewLedger(sink Sink) *Ledger {
	if sink == nil {
		sink = SlogSink{}
	}
	return &Ledger{
		sink:          sink,
		now:           time.Now,
		newID:         uuid.NewString,
		upload:        make(map[string]*phaseContext),
		transcription: make(map[string]*phaseContext),
		summarization: make(map[string]*phaseContext),
		completed:     make(map[string]completedIDs),
	}
}

// UploadAttempt opens a fresh upload context. Any leftover contexts from a
// previous chain for the same lecture are abandoned; a retry is a new
// pipeline with new identifiers.
func (g *Ledger) UploadAttempt(lectureID string, bytes int64) {
	g.openUpload(lectureID, bytes, false)
}

// UploadResumed opens an upload context for a pipeline re-entered by crash
// recovery. Identical to UploadAttempt except the event is tagged, since
// resumes and fresh attempts are counted apart downstream.
func (g *Ledger) UploadResumed(lectureID string, bytes int64) {
	g.openUpload(lectureID, bytes, true)
}

func (g *Ledger) openUpload(lectureID string, bytes int64, resume bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.transcription, lectureID)
	delete(g.summarization, lectureID)
	delete(g.completed, lectureID)

	ctx := &phaseContext{id: g.newID(), startedAt: g.now(), bytes: bytes}
	g.upload[lectureID] = ctx
	g.emit(Event{
		Phase:     PhaseUpload,
		Kind:      KindAttempt,
		LectureID: lectureID,
		PhaseID:   ctx.id,
		Resume:    resume,
		Bytes:     bytes,
	})
}

// UploadStarted records that the blob write left the client. The first
// call emits; every later call counts as a retry of the same phase.
func (g *Ledger) UploadStarted(lectureID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx := g.upload[lectureID]
	if ctx == nil {
		return
	}
	if ctx.sent {
		ctx.retries++
		return
	}
	ctx.sent = true
	g.emit(Event{
		Phase:     PhaseUpload,
		Kind:      KindStarted,
		LectureID: lectureID,
		PhaseID:   ctx.id,
		Bytes:     ctx.bytes,
	})
}

// UploadSucceeded closes the upload phase and opens the transcription
// phase, carrying the upload identifier forward.
func (g *Ledger) UploadSucceeded(lectureID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx := g.upload[lectureID]
	if ctx == nil {
		return
	}
	delete(g.upload, lectureID)
	g.completed[lectureID] = completedIDs{uploadID: ctx.id}

	g.emit(Event{
		Phase:        PhaseUpload,
		Kind:         KindSuccess,
		LectureID:    lectureID,
		PhaseID:      ctx.id,
		RetriesCount: ctx.retries,
		Bytes:        ctx.bytes,
		Elapsed:      g.now().Sub(ctx.startedAt).Seconds(),
	})

	tctx := &phaseContext{id: g.newID(), uploadID: ctx.id, startedAt: g.now()}
	g.transcription[lectureID] = tctx
	g.emit(Event{
		Phase:     PhaseTranscription,
		Kind:      KindAttempt,
		LectureID: lectureID,
		PhaseID:   tctx.id,
		UploadID:  ctx.id,
	})
}

// UploadFailed closes the upload phase terminally. No downstream phase
// opens.
func (g *Ledger) UploadFailed(lectureID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ctx := g.upload[lectureID]
	if ctx == nil {
		return
	}
	delete(g.upload, lectureID)
	delete(g.completed, lectureID)

	g.emit(Event{
		Phase:        PhaseUpload,
		Kind:         KindFailed,
		LectureID:    lectureID,
		PhaseID:      ctx.id,
		RetriesCount: ctx.retries,
		ErrorCode:    xerrors.CodeOf(err),
		Bytes:        ctx.bytes,
		Elapsed:      g.now().Sub(ctx.startedAt).Seconds(),
	})
}

// ObserveLecture diffs one merged snapshot row against the open contexts.
// Successes are resolved before failures so a snapshot that both delivers
// a transcript and reports a failed summarization credits the former and
// charges the latter.
func (g *Ledger) ObserveLecture(l lecture.Lecture) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if tctx := g.transcription[l.ID]; tctx != nil {
		if !tctx.sent {
			// The document's presence in a remote snapshot is the
			// observable signal that the finalize write landed.
			tctx.sent = true
			g.emit(Event{
				Phase:     PhaseTranscription,
				Kind:      KindStarted,
				LectureID: l.ID,
				PhaseID:   tctx.id,
				UploadID:  tctx.uploadID,
			})
		}

		// A summary implies a transcript even when no snapshot ever
		// showed the intermediate state.
		if l.HasTranscript() || l.HasSummary() {
			delete(g.transcription, l.ID)
			ids := g.completed[l.ID]
			ids.transcriptionID = tctx.id
			g.completed[l.ID] = ids

			g.emit(Event{
				Phase:     PhaseTranscription,
				Kind:      KindSuccess,
				LectureID: l.ID,
				PhaseID:   tctx.id,
				UploadID:  tctx.uploadID,
				Chars:     transcriptChars(l),
				Elapsed:   g.now().Sub(tctx.startedAt).Seconds(),
			})

			sctx := &phaseContext{
				id:              g.newID(),
				uploadID:        tctx.uploadID,
				transcriptionID: tctx.id,
				startedAt:       g.now(),
			}
			g.summarization[l.ID] = sctx
			g.emit(Event{
				Phase:           PhaseSummarization,
				Kind:            KindAttempt,
				LectureID:       l.ID,
				PhaseID:         sctx.id,
				UploadID:        sctx.uploadID,
				TranscriptionID: sctx.transcriptionID,
			})
		}
	}

	if sctx := g.summarization[l.ID]; sctx != nil {
		if !sctx.sent && (l.Status == lecture.StatusSummarizing || l.SummaryInProgress != nil) {
			sctx.sent = true
			g.emit(Event{
				Phase:           PhaseSummarization,
				Kind:            KindStarted,
				LectureID:       l.ID,
				PhaseID:         sctx.id,
				UploadID:        sctx.uploadID,
				TranscriptionID: sctx.transcriptionID,
			})
		}

		if l.HasSummary() {
			delete(g.summarization, l.ID)
			delete(g.completed, l.ID)
			g.emit(Event{
				Phase:           PhaseSummarization,
				Kind:            KindSuccess,
				LectureID:       l.ID,
				PhaseID:         sctx.id,
				UploadID:        sctx.uploadID,
				TranscriptionID: sctx.transcriptionID,
				Chars:           summaryChars(l),
				Elapsed:         g.now().Sub(sctx.startedAt).Seconds(),
			})
		}
	}

	if l.Status != lecture.StatusFailed && l.Status != lecture.StatusBlockedQuota {
		return
	}
	code := xerrors.CodeUnknown
	if l.Status == lecture.StatusBlockedQuota {
		code = xerrors.CodeQuota
	}

	// The innermost still-open phase takes the failure.
	if sctx := g.summarization[l.ID]; sctx != nil {
		delete(g.summarization, l.ID)
		delete(g.completed, l.ID)
		g.emit(Event{
			Phase:           PhaseSummarization,
			Kind:            KindFailed,
			LectureID:       l.ID,
			PhaseID:         sctx.id,
			UploadID:        sctx.uploadID,
			TranscriptionID: sctx.transcriptionID,
			ErrorCode:       code,
			Elapsed:         g.now().Sub(sctx.startedAt).Seconds(),
		})
		return
	}
	if tctx := g.transcription[l.ID]; tctx != nil {
		delete(g.transcription, l.ID)
		delete(g.completed, l.ID)
		g.emit(Event{
			Phase:     PhaseTranscription,
			Kind:      KindFailed,
			LectureID: l.ID,
			PhaseID:   tctx.id,
			UploadID:  tctx.uploadID,
			ErrorCode: code,
			Elapsed:   g.now().Sub(tctx.startedAt).Seconds(),
		})
	}
}

func (g *Ledger) emit(e Event) {
	e.At = g.now()
	g.sink.Emit(e)
}

func transcriptChars(l lecture.Lecture) int {
	if l.FormattedTranscript != "" {
		return len(l.FormattedTranscript)
	}
	return len(l.Transcript)
}

func summaryChars(l lecture.Lecture) int {
	if l.Summary == nil {
		return 0
	}
	n := len(l.Summary.MainTheme)
	for _, p := range l.Summary.KeyPoints {
		n += len(p)
	}
	return n
}
