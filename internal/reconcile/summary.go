package reconcile

import (
	"context"
	"time"

	"github.com/lecternhq/lectern/internal/lecture"
	"github.com/lecternhq/lectern/internal/trace"
	"github.com/lecternhq/lectern/internal/xerrors"
)

const (
	// summaryTTL bounds how long a summarization job may stay in flight
	// without an explicit expiry before it counts as dead.
	summaryTTL = 15 * time.Minute

	sweepInterval = time.Minute
	retryCooldown = 30 * time.Minute
)

// ShouldShowSummaryRetry reports whether a summary retry is sensible for
// the lecture at the given instant, using the default TTL. Pure function:
// failed lectures with a transcript qualify, as do summarizing lectures
// whose in-progress marker has expired or outlived the TTL. A zero
// StartedAt comes from legacy boolean markers whose age is unknowable;
// those count as already stale.
func ShouldShowSummaryRetry(l lecture.Lecture, now time.Time) bool {
	return summaryRetryEligible(l, now, summaryTTL)
}

func summaryRetryEligible(l lecture.Lecture, now time.Time, ttl time.Duration) bool {
	switch l.Status {
	case lecture.StatusFailed:
		return l.HasTranscript()
	case lecture.StatusSummarizing:
		p := l.SummaryInProgress
		if p == nil {
			return false
		}
		if p.ExpiresAt != nil {
			return now.After(*p.ExpiresAt)
		}
		return now.Sub(p.StartedAt) > ttl
	default:
		return false
	}
}

// RetrySummary validates eligibility and asks the backend to re-run
// summarization for the lecture.
func (r *Reconciler) RetrySummary(ctx context.Context, lectureID string) error {
	if r.summaries == nil {
		return xerrors.New(xerrors.CodeClient, "summary retry is not configured")
	}
	l, ok := r.Lecture(lectureID)
	if !ok {
		return xerrors.New(xerrors.CodeClient, "unknown lecture")
	}
	if !summaryRetryEligible(l, r.now(), r.summaryTTL) {
		return xerrors.New(xerrors.CodeClient, "lecture is not eligible for a summary retry")
	}
	if err := r.summaries.RequestSummary(ctx, r.user, lectureID); err != nil {
		return err
	}
	r.mu.Lock()
	r.retryAt[lectureID] = r.now()
	r.mu.Unlock()
	return nil
}

// Sweep nudges the backend once per cooldown window for each
// summarization job that silently died. Failed lectures are left for an
// explicit user retry.
func (r *Reconciler) Sweep(ctx context.Context) {
	if r.summaries == nil {
		return
	}
	now := r.now()
	log := trace.Logger(ctx)

	r.mu.RLock()
	var stuck []string
	for _, l := range r.view {
		if l.Status != lecture.StatusSummarizing || !summaryRetryEligible(l, now, r.summaryTTL) {
			continue
		}
		if last, ok := r.retryAt[l.ID]; ok && now.Sub(last) < retryCooldown {
			continue
		}
		stuck = append(stuck, l.ID)
	}
	r.mu.RUnlock()

	for _, id := range stuck {
		if err := r.summaries.RequestSummary(ctx, r.user, id); err != nil {
			log.Warn("stuck summary nudge failed", "lecture", id, "error", err)
			continue
		}
		log.Info("requested retry for stuck summarization", "lecture", id)
		r.mu.Lock()
		r.retryAt[id] = now
		r.mu.Unlock()
	}
}

// RunSweeper periodically self-heals stuck summarization jobs until ctx
// ends.
func (r *Reconciler) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}
