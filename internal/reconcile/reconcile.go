// Package reconcile owns the visible lecture state. It merges the remote
// document feed with locally pending uploads into one ordered view,
// drives the status state machine, and feeds the telemetry ledger in
// strict arrival order.
package reconcile

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/lecternhq/lectern/internal/lecture"
	"github.com/lecternhq/lectern/internal/pending"
	"github.com/lecternhq/lectern/internal/remote"
	"github.com/lecternhq/lectern/internal/syncx"
	"github.com/lecternhq/lectern/internal/telemetry"
	"github.com/lecternhq/lectern/internal/trace"
	"github.com/lecternhq/lectern/internal/xerrors"
)

const updateBuffer = 16

// UpdateKind names which facet of local state an Update carries.
type UpdateKind string

const (
	UpdateLectures UpdateKind = "lectures"
	UpdateQuota    UpdateKind = "quota"
	UpdateFolders  UpdateKind = "folders"
)

// Update is one state change pushed to the UI-facing consumer.
type Update struct {
	Kind     UpdateKind
	Lectures []lecture.Lecture
	Quota    *lecture.UsageQuota
	Folders  []lecture.Folder
}

// SummaryRequester triggers a server-side summarization run.
type SummaryRequester interface {
	RequestSummary(ctx context.Context, userID, lectureID string) error
}

// Options wires a Reconciler. Summaries may be nil, which disables the
// stuck-summary sweeper and manual summary retries.
type Options struct {
	Docs      remote.DocumentStore
	Blobs     remote.BlobStore
	Store     pending.Store
	Summaries SummaryRequester
	Ledger    *telemetry.Ledger
	User      string

	// SummaryTTL and SweepInterval tune the stuck-summary sweeper. Zero
	// values take the defaults.
	SummaryTTL    time.Duration
	SweepInterval time.Duration
}

// Reconciler is the single owner of the merged lecture list. Confirmed
// state comes only from the remote feed; optimistic rows bridge the gap
// between a local insert and its first confirming snapshot.
type Reconciler struct {
	docs      remote.DocumentStore
	blobs     remote.BlobStore
	store     pending.Store
	summaries SummaryRequester
	ledger    *telemetry.Ledger
	user      string

	mu      sync.RWMutex
	base    []lecture.Lecture
	overlay map[string]lecture.Lecture
	view    []lecture.Lecture
	quota   *lecture.UsageQuota
	folders []lecture.Folder
	retryAt map[string]time.Time
	probeAt map[string]time.Time

	probes        *syncx.KeySet[string]
	updates       chan Update
	httpc         *http.Client
	now           func() time.Time
	summaryTTL    time.Duration
	sweepInterval time.Duration
}

func New(opts Options) *Reconciler {
	if opts.SummaryTTL <= 0 {
		opts.SummaryTTL = summaryTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = sweepInterval
	}
	return &Reconciler{
		docs:          opts.Docs,
		blobs:         opts.Blobs,
		store:         opts.Store,
		summaries:     opts.Summaries,
		ledger:        opts.Ledger,
		user:          opts.User,
		overlay:       make(map[string]lecture.Lecture),
		retryAt:       make(map[string]time.Time),
		probeAt:       make(map[string]time.Time),
		probes:        syncx.NewKeySet[string](),
		updates:       make(chan Update, updateBuffer),
		httpc:         &http.Client{Timeout: probeFetchTimeout},
		now:           time.Now,
		summaryTTL:    opts.SummaryTTL,
		sweepInterval: opts.SweepInterval,
	}
}

// Run consumes the remote feed until ctx ends or the feed closes.
// Snapshots are processed strictly in arrival order because this loop is
// the only feed consumer.
func (r *Reconciler) Run(ctx context.Context, feed <-chan remote.Snapshot) {
	log := trace.Logger(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-feed:
			if !ok {
				log.Warn("remote feed closed")
				return
			}
			r.apply(ctx, snap)
		}
	}
}

func (r *Reconciler) apply(ctx context.Context, snap remote.Snapshot) {
	switch snap.Kind {
	case remote.SnapshotLectures:
		r.applyLectures(ctx, snap.Lectures)
	case remote.SnapshotQuota:
		r.applyQuota(snap.Quota)
	case remote.SnapshotFolders:
		r.applyFolders(snap.Folders)
	}
}

func (r *Reconciler) applyLectures(ctx context.Context, snap []lecture.Lecture) {
	r.mu.Lock()
	r.base = snap
	for id := range r.overlay {
		if lectureByID(snap, id) != nil {
			delete(r.overlay, id)
		}
	}
	view := r.rebuildLocked()
	r.mu.Unlock()

	// Ledger observation and backfill run outside the lock; ordering
	// across snapshots holds because Run is the only caller.
	for _, l := range view {
		r.ledger.ObserveLecture(l)
		r.maybeBackfill(ctx, l)
	}
	r.emit(Update{Kind: UpdateLectures, Lectures: view})
}

func (r *Reconciler) applyQuota(q *lecture.UsageQuota) {
	if q == nil {
		return
	}
	r.mu.Lock()
	r.quota = q
	r.mu.Unlock()
	r.emit(Update{Kind: UpdateQuota, Quota: q})
}

func (r *Reconciler) applyFolders(fs []lecture.Folder) {
	r.mu.Lock()
	r.folders = fs
	r.mu.Unlock()
	r.emit(Update{Kind: UpdateFolders, Folders: fs})
}

// rebuildLocked merges base and overlay into the ordered view, newest
// first, ties broken by id for determinism.
func (r *Reconciler) rebuildLocked() []lecture.Lecture {
	merged := make([]lecture.Lecture, 0, len(r.base)+len(r.overlay))
	merged = append(merged, r.base...)
	for _, l := range r.overlay {
		merged = append(merged, l)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.After(merged[j].CreatedAt)
		}
		return merged[i].ID < merged[j].ID
	})
	r.view = merged
	return merged
}

// LectureCreated inserts an optimistic row ahead of its first remote
// confirmation. Implements the upload pipeline's notifier.
func (r *Reconciler) LectureCreated(l lecture.Lecture) {
	r.mu.Lock()
	if lectureByID(r.base, l.ID) != nil {
		r.mu.Unlock()
		return
	}
	r.overlay[l.ID] = l
	view := r.rebuildLocked()
	r.mu.Unlock()
	r.emit(Update{Kind: UpdateLectures, Lectures: view})
}

// LectureFailed marks an unconfirmed row terminal. Confirmed rows get
// their failed status from the remote feed instead.
func (r *Reconciler) LectureFailed(lectureID string, err error) {
	r.mu.Lock()
	l, ok := r.overlay[lectureID]
	if !ok {
		r.mu.Unlock()
		return
	}
	l.Status = lecture.StatusFailed
	l.ErrorMessage = xerrors.UserMessage(err)
	if xerrors.Classify(err) == xerrors.CodeQuota {
		l.Status = lecture.StatusBlockedQuota
		l.QuotaReason = "plan_limit_reached"
	}
	r.overlay[lectureID] = l
	view := r.rebuildLocked()
	r.mu.Unlock()
	r.emit(Update{Kind: UpdateLectures, Lectures: view})
}

// Delete removes a lecture everywhere: remote document, blob, pending
// record, and the local view. The document delete is the commit point;
// blob and record cleanup are best effort. A 4xx from the document store
// means the document is already gone and local cleanup proceeds.
func (r *Reconciler) Delete(ctx context.Context, lectureID string) error {
	log := trace.Logger(ctx)

	var blobPath string
	r.mu.RLock()
	if l := lectureByID(r.view, lectureID); l != nil {
		blobPath = l.AudioPath
	}
	r.mu.RUnlock()

	if err := r.docs.DeleteLecture(ctx, r.user, lectureID); err != nil {
		if xerrors.CodeOf(err) != xerrors.CodeClient {
			return err
		}
		log.Warn("document already gone, continuing delete", "lecture", lectureID)
	}
	if blobPath != "" {
		if err := r.blobs.Remove(ctx, blobPath); err != nil {
			log.Warn("blob removal failed", "path", blobPath, "error", err)
		}
	}
	if err := r.store.Remove(r.user, lectureID); err != nil {
		log.Warn("pending record removal failed", "lecture", lectureID, "error", err)
	}

	r.mu.Lock()
	delete(r.overlay, lectureID)
	kept := make([]lecture.Lecture, 0, len(r.base))
	for _, l := range r.base {
		if l.ID != lectureID {
			kept = append(kept, l)
		}
	}
	r.base = kept
	view := r.rebuildLocked()
	r.mu.Unlock()
	r.emit(Update{Kind: UpdateLectures, Lectures: view})
	return nil
}

// Lectures returns the current merged view, newest first.
func (r *Reconciler) Lectures() []lecture.Lecture {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]lecture.Lecture(nil), r.view...)
}

// Lecture looks up one row of the merged view.
func (r *Reconciler) Lecture(lectureID string) (lecture.Lecture, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l := lectureByID(r.view, lectureID); l != nil {
		return *l, true
	}
	return lecture.Lecture{}, false
}

// Quota returns the last server-published usage document, nil before the
// first quota snapshot.
func (r *Reconciler) Quota() *lecture.UsageQuota {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.quota == nil {
		return nil
	}
	q := *r.quota
	return &q
}

// Folders returns the current folder list.
func (r *Reconciler) Folders() []lecture.Folder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]lecture.Folder(nil), r.folders...)
}

// Updates delivers state changes to one consumer. Delivery is best
// effort: a slow consumer misses intermediate snapshots, and should
// re-read the accessors for current state.
func (r *Reconciler) Updates() <-chan Update {
	return r.updates
}

func (r *Reconciler) emit(u Update) {
	select {
	case r.updates <- u:
	default:
		slog.Debug("state update dropped, consumer slow", "kind", u.Kind)
	}
}

func lectureByID(list []lecture.Lecture, id string) *lecture.Lecture {
	for i := range list {
		if list[i].ID == id {
			return &list[i]
		}
	}
	return nil
}
