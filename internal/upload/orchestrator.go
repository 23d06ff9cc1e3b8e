// Package upload drives finished recordings to durable remote state:
// blob first, metadata second, crash-recoverable in between.
package upload

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/lecternhq/lectern/internal/lecture"
	"github.com/lecternhq/lectern/internal/media"
	"github.com/lecternhq/lectern/internal/pending"
	"github.com/lecternhq/lectern/internal/remote"
	"github.com/lecternhq/lectern/internal/resilience"
	"github.com/lecternhq/lectern/internal/syncx"
	"github.com/lecternhq/lectern/internal/telemetry"
	"github.com/lecternhq/lectern/internal/trace"
	"github.com/lecternhq/lectern/internal/xerrors"
)

const canonicalContentType = "audio/mpeg"

var (
	// ErrAlreadyActive rejects a second pipeline for a lecture that has
	// one running. The caller surfaces it; nothing is queued.
	ErrAlreadyActive = xerrors.New(xerrors.CodeClient, "an upload for this lecture is already active")

	// ErrNoRecoverableSource means a retry was requested but neither the
	// original file nor a prepared intermediate survives on disk.
	ErrNoRecoverableSource = xerrors.New(xerrors.CodeNoSource, "no recoverable source for retry")
)

// Notifier receives local-state side effects of the pipeline. The
// reconciler implements it; the orchestrator never touches the visible
// lecture list directly.
type Notifier interface {
	LectureCreated(l lecture.Lecture)
	LectureFailed(lectureID string, err error)
}

// Request describes one finished capture entering the pipeline.
type Request struct {
	LectureID       string
	Title           string
	CapturedAt      time.Time
	DurationMinutes float64
	LocalPath       string
	FolderID        string
	Trigger         pending.Trigger
}

// Options wires an Orchestrator. All fields are required except Quota.
type Options struct {
	Store      pending.Store
	Docs       remote.DocumentStore
	Blobs      remote.BlobStore
	Transcoder *media.Transcoder
	Ledger     *telemetry.Ledger
	Notify     Notifier
	User       string
	TmpDir     string
	MaxBytes   int64

	// MaxMinutes caps a single recording's length; zero disables the check.
	MaxMinutes float64

	// Quota, when set, is consulted before a new upload is accepted.
	Quota func() *lecture.UsageQuota
}

// Orchestrator owns every active upload pipeline for one user. At most
// one pipeline runs per lecture id; the rest of the system observes
// progress through the Notifier and the remote document feed.
type Orchestrator struct {
	store      pending.Store
	docs       remote.DocumentStore
	blobs      remote.BlobStore
	transcoder *media.Transcoder
	ledger     *telemetry.Ledger
	notify     Notifier
	user       string
	tmpDir     string
	maxBytes   int64
	maxMinutes float64
	quota      func() *lecture.UsageQuota

	active   *syncx.KeySet[string]
	retryCfg resilience.RetryConfig
	ctx      context.Context
}

func New(opts Options) *Orchestrator {
	retryCfg := resilience.UploadRetryConfig()
	retryCfg.IsRetryable = blobRetryable
	return &Orchestrator{
		store:      opts.Store,
		docs:       opts.Docs,
		blobs:      opts.Blobs,
		transcoder: opts.Transcoder,
		ledger:     opts.Ledger,
		notify:     opts.Notify,
		user:       opts.User,
		tmpDir:     opts.TmpDir,
		maxBytes:   opts.MaxBytes,
		maxMinutes: opts.MaxMinutes,
		quota:      opts.Quota,
		active:     syncx.NewKeySet[string](),
		retryCfg:   retryCfg,
	}
}

// Start binds the orchestrator to its lifetime context and re-enters any
// pending uploads that survived the last process.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx = ctx
	return o.recover(ctx)
}

// Enqueue accepts a finished capture and drives it through the pipeline
// asynchronously. The lecture appears locally as processing before any
// network call completes.
func (o *Orchestrator) Enqueue(ctx context.Context, req Request) (string, error) {
	if req.LectureID == "" {
		req.LectureID = uuid.NewString()
	}
	log := trace.Logger(ctx)

	if o.quota != nil {
		if q := o.quota(); q != nil && q.Exhausted() {
			return "", xerrors.New(xerrors.CodeQuota, "recording minutes exhausted for this plan")
		}
	}
	// Server-side policy still applies; this only spares an upload that
	// would certainly be blocked.
	if o.maxMinutes > 0 && req.DurationMinutes > o.maxMinutes {
		return "", xerrors.New(xerrors.CodeQuota, "recording is longer than a single lecture may be")
	}

	if !o.active.TryAcquire(req.LectureID) {
		log.Warn("upload rejected, already active", "lecture", req.LectureID)
		return "", ErrAlreadyActive
	}

	rec := pending.Record{
		LectureID:       req.LectureID,
		UserID:          o.user,
		Title:           req.Title,
		CapturedAt:      req.CapturedAt,
		DurationMinutes: req.DurationMinutes,
		FolderID:        req.FolderID,
		BlobPath:        path.Join(o.user, req.LectureID+media.CanonicalExt),
		LocalPath:       req.LocalPath,
		Trigger:         req.Trigger,
	}
	if err := o.store.Upsert(o.user, rec); err != nil {
		o.active.Release(req.LectureID)
		return "", err
	}

	o.notify.LectureCreated(optimisticLecture(rec))
	o.ledger.UploadAttempt(rec.LectureID, fileSize(rec.LocalPath))

	go o.run(rec, false)
	return req.LectureID, nil
}

// Retry re-enters the pipeline for a lecture with a recoverable pending
// record. Budget resets: an explicit retry is a fresh lifecycle.
func (o *Orchestrator) Retry(ctx context.Context, lectureID string) error {
	log := trace.Logger(ctx)

	rec, ok, err := o.findRecord(lectureID)
	if err != nil {
		return err
	}
	if !ok || !o.recoverable(rec) {
		return ErrNoRecoverableSource
	}

	if !o.active.TryAcquire(lectureID) {
		log.Warn("retry rejected, already active", "lecture", lectureID)
		return ErrAlreadyActive
	}

	o.notify.LectureCreated(optimisticLecture(rec))
	o.ledger.UploadAttempt(lectureID, fileSize(rec.LocalPath))

	go o.run(rec, false)
	return nil
}

// recover re-enters pipelines for records that survived a process death,
// purging records whose files are gone.
func (o *Orchestrator) recover(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "upload_recovery")
	defer span.End()
	log := trace.Logger(ctx)

	recs, err := o.store.Load(o.user)
	if err != nil {
		return err
	}
	span.SetAttr("pending", len(recs))

	for _, rec := range recs {
		if !o.recoverable(rec) {
			log.Info("dropping unrecoverable pending record", "lecture", rec.LectureID)
			if err := o.store.Remove(o.user, rec.LectureID); err != nil {
				log.Warn("pending record purge failed", "lecture", rec.LectureID, "error", err)
			}
			continue
		}
		if !o.active.TryAcquire(rec.LectureID) {
			continue
		}

		log.Info("resuming pending upload", "lecture", rec.LectureID, "title", rec.Title)
		o.notify.LectureCreated(optimisticLecture(rec))
		o.ledger.UploadResumed(rec.LectureID, fileSize(rec.LocalPath))
		go o.run(rec, true)
	}
	return nil
}

// Active reports whether a pipeline is currently running for the id.
func (o *Orchestrator) Active(lectureID string) bool {
	return o.active.Held(lectureID)
}

func (o *Orchestrator) run(rec pending.Record, resume bool) {
	defer o.active.Release(rec.LectureID)

	base := o.ctx
	if base == nil {
		base = context.Background()
	}
	ctx, span := trace.StartSpan(base, "upload_pipeline")
	defer span.End()
	span.SetAttr("lecture", rec.LectureID)
	span.SetAttr("resume", resume)
	log := trace.Logger(ctx)

	if err := o.pipeline(ctx, rec, resume); err != nil {
		span.SetAttr("error", err.Error())
		o.fail(ctx, rec, err)
		return
	}
	log.Info("upload complete", "lecture", rec.LectureID, "blob", rec.BlobPath)
}

func (o *Orchestrator) pipeline(ctx context.Context, rec pending.Record, resume bool) error {
	log := trace.Logger(ctx)

	// A resumed pipeline may have died between blob write and finalize;
	// re-uploading an existing blob would be wasted work.
	if resume && o.blobPresent(ctx, rec.BlobPath) {
		log.Debug("blob already uploaded, finalizing only", "path", rec.BlobPath)
		return o.conclude(ctx, rec, "")
	}

	prepared, err := o.prepare(ctx, rec)
	if err != nil {
		return err
	}

	err = resilience.Retry(ctx, o.retryCfg, func() error {
		o.ledger.UploadStarted(rec.LectureID)
		return o.blobs.Upload(ctx, rec.BlobPath, prepared, canonicalContentType)
	})
	if err != nil {
		return err
	}

	return o.conclude(ctx, rec, prepared)
}

// conclude finalizes metadata and cleans up local artifacts. Called
// only after the blob is known to exist remotely.
func (o *Orchestrator) conclude(ctx context.Context, rec pending.Record, prepared string) error {
	if err := o.finalize(ctx, rec); err != nil {
		return err
	}

	o.ledger.UploadSucceeded(rec.LectureID)
	if err := o.store.Remove(o.user, rec.LectureID); err != nil {
		trace.Logger(ctx).Warn("pending record cleanup failed", "lecture", rec.LectureID, "error", err)
	}
	o.cleanupLocal(rec, prepared)
	return nil
}

// prepare yields an upload-ready file: validated, canonical encoding,
// under the size ceiling. Failures here are terminal and consume no
// retry budget.
func (o *Orchestrator) prepare(ctx context.Context, rec pending.Record) (string, error) {
	intermediate := o.intermediatePath(rec.LectureID)
	if fileExists(intermediate) {
		if err := media.Validate(intermediate, o.maxBytes); err == nil {
			return intermediate, nil
		}
		os.Remove(intermediate)
	}

	if !fileExists(rec.LocalPath) {
		return "", ErrNoRecoverableSource
	}
	if err := media.Validate(rec.LocalPath, o.maxBytes); err != nil {
		return "", err
	}
	if media.IsCanonical(rec.LocalPath) {
		return rec.LocalPath, nil
	}

	if err := o.transcoder.ToMP3(ctx, rec.LocalPath, intermediate); err != nil {
		return "", err
	}
	if err := media.Validate(intermediate, o.maxBytes); err != nil {
		os.Remove(intermediate)
		return "", err
	}
	return intermediate, nil
}

// finalize merge-upserts the lecture document. Idempotent: re-invoking
// with the same inputs leaves the document unchanged.
func (o *Orchestrator) finalize(ctx context.Context, rec pending.Record) error {
	fields := map[string]any{
		"title":     rec.Title,
		"createdAt": rec.CapturedAt,
		"status":    string(lecture.StatusProcessing),
		"audioPath": rec.BlobPath,
	}
	if rec.DurationMinutes > 0 {
		fields["durationMinutes"] = rec.DurationMinutes
	}
	if rec.FolderID != "" {
		fields["folderId"] = rec.FolderID
	}
	return o.docs.UpsertLecture(ctx, o.user, rec.LectureID, fields)
}

func (o *Orchestrator) fail(ctx context.Context, rec pending.Record, err error) {
	log := trace.Logger(ctx)
	code := xerrors.Classify(err)

	// Shutdown is not failure; recovery resumes this record next start.
	if code == xerrors.CodeCanceled {
		log.Info("upload interrupted, will resume on next start", "lecture", rec.LectureID)
		return
	}

	log.Error("upload failed", "lecture", rec.LectureID, "code", code, "error", err)
	o.ledger.UploadFailed(rec.LectureID, err)
	o.notify.LectureFailed(rec.LectureID, err)

	fields := map[string]any{
		"status":       string(lecture.StatusFailed),
		"errorMessage": xerrors.UserMessage(err),
	}
	if code == xerrors.CodeQuota {
		fields["status"] = string(lecture.StatusBlockedQuota)
		fields["quotaReason"] = "plan_limit_reached"
	}
	if uerr := o.docs.UpsertLecture(ctx, o.user, rec.LectureID, fields); uerr != nil {
		log.Warn("failed-status write did not reach the document store",
			"lecture", rec.LectureID, "error", uerr)
	}

	if !o.recoverable(rec) {
		if rerr := o.store.Remove(o.user, rec.LectureID); rerr != nil {
			log.Warn("pending record cleanup failed", "lecture", rec.LectureID, "error", rerr)
		}
	}
}

// cleanupLocal removes the prepared intermediate and, for recordings this
// process produced, the raw capture. Imported files stay where the user
// put them.
func (o *Orchestrator) cleanupLocal(rec pending.Record, prepared string) {
	if prepared != "" && prepared != rec.LocalPath {
		os.Remove(prepared)
	} else {
		os.Remove(o.intermediatePath(rec.LectureID))
	}
	if rec.Trigger != pending.TriggerManual && fileExists(rec.LocalPath) {
		os.Remove(rec.LocalPath)
	}
}

func (o *Orchestrator) blobPresent(ctx context.Context, blobPath string) bool {
	_, err := o.blobs.SignedURL(ctx, blobPath, time.Minute)
	return err == nil
}

func (o *Orchestrator) findRecord(lectureID string) (pending.Record, bool, error) {
	recs, err := o.store.Load(o.user)
	if err != nil {
		return pending.Record{}, false, err
	}
	for _, rec := range recs {
		if rec.LectureID == lectureID {
			return rec, true, nil
		}
	}
	return pending.Record{}, false, nil
}

// recoverable reports whether any local source survives for the record.
func (o *Orchestrator) recoverable(rec pending.Record) bool {
	return fileExists(rec.LocalPath) || fileExists(o.intermediatePath(rec.LectureID))
}

func (o *Orchestrator) intermediatePath(lectureID string) string {
	return filepath.Join(o.tmpDir, fmt.Sprintf("prepared-%s%s", lectureID, media.CanonicalExt))
}

// blobRetryable widens the default policy for the blob stage only:
// storage SDK errors surface as unclassified strings, and the write is
// idempotent by path, so unknown is worth another attempt.
func blobRetryable(err error) bool {
	code := xerrors.Classify(err)
	return xerrors.Retryable(code) || code == xerrors.CodeUnknown
}

func optimisticLecture(rec pending.Record) lecture.Lecture {
	l := lecture.Lecture{
		ID:        rec.LectureID,
		Title:     rec.Title,
		CreatedAt: rec.CapturedAt,
		Status:    lecture.StatusProcessing,
		AudioPath: rec.BlobPath,
		FolderID:  rec.FolderID,
	}
	if rec.DurationMinutes > 0 {
		d := rec.DurationMinutes
		l.DurationMinutes = &d
	}
	return l
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
