package telemetry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type collectorServer struct {
	mu      sync.Mutex
	batches [][]Event
	arrived chan struct{}
}

func newCollector() (*collectorServer, *httptest.Server) {
	c := &collectorServer{arrived: make(chan struct{}, 16)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Events []Event `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.batches = append(c.batches, body.Events)
		c.mu.Unlock()
		c.arrived <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	return c, srv
}

func (c *collectorServer) waitForBatch(t *testing.T) []Event {
	t.Helper()
	select {
	case <-c.arrived:
	case <-time.After(3 * time.Second):
		t.Fatal("no batch arrived")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches[len(c.batches)-1]
}

func TestExporterFlushesWhenBatchFills(t *testing.T) {
	collector, srv := newCollector()
	defer srv.Close()

	x := NewExporter(srv.URL, 2, time.Hour)
	defer x.Stop()

	x.Emit(Event{Phase: PhaseUpload, Kind: KindAttempt, LectureID: "a"})
	x.Emit(Event{Phase: PhaseUpload, Kind: KindStarted, LectureID: "a"})

	batch := collector.waitForBatch(t)
	if len(batch) != 2 {
		t.Fatalf("batch size = %d, want 2", len(batch))
	}
	if batch[0].Kind != KindAttempt || batch[1].Kind != KindStarted {
		t.Errorf("batch order = %s, %s", batch[0].Kind, batch[1].Kind)
	}
}

func TestExporterFlushesOnInterval(t *testing.T) {
	collector, srv := newCollector()
	defer srv.Close()

	x := NewExporter(srv.URL, 100, 50*time.Millisecond)
	defer x.Stop()

	x.Emit(Event{Phase: PhaseUpload, Kind: KindSuccess, LectureID: "a", RetriesCount: 2})

	batch := collector.waitForBatch(t)
	if len(batch) != 1 {
		t.Fatalf("batch size = %d, want 1", len(batch))
	}
	if batch[0].RetriesCount != 2 {
		t.Errorf("retriesCount = %d, want 2", batch[0].RetriesCount)
	}
}

func TestExporterStopFlushesRemainder(t *testing.T) {
	collector, srv := newCollector()
	defer srv.Close()

	x := NewExporter(srv.URL, 100, time.Hour)
	x.Emit(Event{Phase: PhaseSummarization, Kind: KindSuccess, LectureID: "a"})
	x.Stop()

	collector.mu.Lock()
	got := len(collector.batches)
	collector.mu.Unlock()
	if got != 1 {
		t.Fatalf("batches after Stop = %d, want 1", got)
	}

	// Emits after Stop are dropped, not queued.
	x.Emit(Event{Phase: PhaseUpload, Kind: KindAttempt, LectureID: "b"})
	x.Flush()
	select {
	case <-collector.arrived:
		// the Stop flush already signalled once
	default:
	}
	collector.mu.Lock()
	defer collector.mu.Unlock()
	if len(collector.batches) != 1 {
		t.Errorf("batches after post-Stop emit = %d, want 1", len(collector.batches))
	}
}
