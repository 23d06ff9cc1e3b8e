package reconcile

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lecternhq/lectern/internal/lecture"
)

func mp3Bytes(frames int) []byte {
	frame := make([]byte, 417)
	copy(frame, []byte{0xFF, 0xFB, 0x90, 0xC0})
	var buf bytes.Buffer
	for i := 0; i < frames; i++ {
		buf.Write(frame)
	}
	return buf.Bytes()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBackfillProbesAndWritesBack(t *testing.T) {
	rig := newRecRig(t)
	ctx := context.Background()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write(mp3Bytes(40))
	}))
	defer srv.Close()
	rig.blobs.signBase = srv.URL

	l := lecture.Lecture{
		ID: "a", Title: "No Duration", CreatedAt: time.Now(),
		Status: lecture.StatusReady, AudioPath: "u1/a.mp3",
	}
	rig.r.apply(ctx, lecturesSnap(l))

	waitFor(t, "duration write-back", func() bool {
		for _, up := range rig.docs.allUpserts() {
			if up.lectureID == "a" {
				if _, ok := up.fields["durationMinutes"]; ok {
					return true
				}
			}
		}
		return false
	})

	if got := rig.blobs.allSigned(); len(got) != 1 || got[0] != "u1/a.mp3" {
		t.Errorf("signed paths = %v", got)
	}
	ups := rig.docs.allUpserts()
	minutes, _ := ups[len(ups)-1].fields["durationMinutes"].(float64)
	if minutes <= 0 || minutes > 1 {
		t.Errorf("durationMinutes = %v, want a small positive value", minutes)
	}
	if hits.Load() != 1 {
		t.Errorf("blob fetched %d times, want 1", hits.Load())
	}
}

func TestBackfillDedupsInFlightProbes(t *testing.T) {
	rig := newRecRig(t)
	ctx := context.Background()

	gate := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		<-gate
		w.Write(mp3Bytes(4))
	}))
	defer srv.Close()
	rig.blobs.signBase = srv.URL

	known := mkLecture("known", time.Now(), lecture.StatusReady)
	noDur := lecture.Lecture{
		ID: "nd", CreatedAt: time.Now(),
		Status: lecture.StatusReady, AudioPath: "u1/nd.mp3",
	}

	rig.r.apply(ctx, lecturesSnap(known, noDur))
	rig.r.apply(ctx, lecturesSnap(known, noDur))

	waitFor(t, "first fetch", func() bool { return hits.Load() >= 1 })
	close(gate)
	waitFor(t, "write-back", func() bool { return len(rig.docs.allUpserts()) >= 1 })

	if hits.Load() != 1 {
		t.Errorf("probe ran %d times for one lecture, want 1", hits.Load())
	}
	if got := rig.blobs.allSigned(); len(got) != 1 {
		t.Errorf("signed paths = %v, lectures with known duration must not probe", got)
	}
}

func TestBackfillRetriesAfterCooldown(t *testing.T) {
	rig := newRecRig(t)
	ctx := context.Background()

	var fail atomic.Bool
	fail.Store(true)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(mp3Bytes(4))
	}))
	defer srv.Close()
	rig.blobs.signBase = srv.URL

	noDur := lecture.Lecture{
		ID: "nd", CreatedAt: time.Now(),
		Status: lecture.StatusReady, AudioPath: "u1/nd.mp3",
	}

	rig.r.apply(ctx, lecturesSnap(noDur))
	waitFor(t, "failed probe", func() bool { return hits.Load() == 1 })
	waitFor(t, "probe release", func() bool { return !rig.r.probes.Held("nd") })

	rig.r.apply(ctx, lecturesSnap(noDur))
	time.Sleep(20 * time.Millisecond)
	if hits.Load() != 1 {
		t.Fatalf("probe re-ran within cooldown, hits = %d", hits.Load())
	}

	fail.Store(false)
	rig.now = rig.now.Add(probeCooldown + time.Minute)
	rig.r.apply(ctx, lecturesSnap(noDur))
	waitFor(t, "write-back after cooldown", func() bool { return len(rig.docs.allUpserts()) == 1 })
}
