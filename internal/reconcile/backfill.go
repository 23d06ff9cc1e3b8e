package reconcile

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lecternhq/lectern/internal/lecture"
	"github.com/lecternhq/lectern/internal/media"
	"github.com/lecternhq/lectern/internal/trace"
	"github.com/lecternhq/lectern/internal/xerrors"
)

const (
	probeURLTTL       = 10 * time.Minute
	probeCooldown     = 10 * time.Minute
	probeFetchTimeout = 5 * time.Minute
)

// maybeBackfill schedules a duration probe for a lecture that has a blob
// but no stored duration. At most one probe runs per lecture id, and a
// failed probe is not retried before the cooldown passes.
func (r *Reconciler) maybeBackfill(ctx context.Context, l lecture.Lecture) {
	if !l.NeedsDuration() {
		return
	}
	now := r.now()
	r.mu.Lock()
	if at, ok := r.probeAt[l.ID]; ok && now.Sub(at) < probeCooldown {
		r.mu.Unlock()
		return
	}
	r.probeAt[l.ID] = now
	r.mu.Unlock()

	if !r.probes.TryAcquire(l.ID) {
		return
	}
	go r.probeDuration(ctx, l.ID, l.AudioPath)
}

func (r *Reconciler) probeDuration(ctx context.Context, lectureID, blobPath string) {
	defer r.probes.Release(lectureID)
	ctx, span := trace.StartSpan(ctx, "duration_backfill")
	defer span.End()
	span.SetAttr("lecture", lectureID)
	log := trace.Logger(ctx)

	url, err := r.blobs.SignedURL(ctx, blobPath, probeURLTTL)
	if err != nil {
		log.Warn("duration probe could not resolve blob", "lecture", lectureID, "error", err)
		return
	}
	minutes, err := r.fetchDuration(ctx, url)
	if err != nil {
		log.Warn("duration probe failed", "lecture", lectureID, "error", err)
		return
	}

	fields := map[string]any{"durationMinutes": minutes}
	if err := r.docs.UpsertLecture(ctx, r.user, lectureID, fields); err != nil {
		log.Warn("duration write-back failed", "lecture", lectureID, "error", err)
		return
	}
	log.Debug("backfilled duration", "lecture", lectureID, "minutes", minutes)
}

// fetchDuration streams the blob and probes its playable length without
// buffering the whole file.
func (r *Reconciler) fetchDuration(ctx context.Context, url string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, xerrors.Wrap(err, xerrors.CodeClient, "build blob request")
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, xerrors.Wrap(err, xerrors.Classify(err), "fetch blob")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, xerrors.New(xerrors.FromStatus(resp.StatusCode),
			fmt.Sprintf("blob fetch returned %d", resp.StatusCode))
	}

	d, err := media.Duration(resp.Body)
	if err != nil {
		return 0, err
	}
	return d.Minutes(), nil
}
