package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lecternhq/lectern/internal/trace"
)

const (
	DefaultExportBatchSize = 32
	DefaultExportInterval  = 10 * time.Second
)

// Exporter batches events and ships them to a collector endpoint. Export
// is best-effort: a failed flush logs and drops, it never blocks or
// retries into the pipeline's path.
type Exporter struct {
	url        string
	maxSize    int
	flushDelay time.Duration
	http       *http.Client

	mu      sync.Mutex
	events  []Event
	timer   *time.Timer
	stopped bool
	wg      sync.WaitGroup
}

// NewExporter creates an exporter posting to url. A zero maxSize or
// flushDelay falls back to the defaults.
func NewExporter(url string, maxSize int, flushDelay time.Duration) *Exporter {
	if maxSize <= 0 {
		maxSize = DefaultExportBatchSize
	}
	if flushDelay <= 0 {
		flushDelay = DefaultExportInterval
	}
	return &Exporter{
		url:        url,
		maxSize:    maxSize,
		flushDelay: flushDelay,
		http:       &http.Client{Timeout: 10 * time.Second},
		events:     make([]Event, 0, maxSize),
	}
}

// Emit queues an event for the next batch.
func (x *Exporter) Emit(e Event) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.stopped {
		return
	}
	x.events = append(x.events, e)

	if len(x.events) >= x.maxSize {
		x.flushLocked()
		return
	}

	if x.timer == nil {
		x.timer = time.AfterFunc(x.flushDelay, x.timerFlush)
	} else {
		x.timer.Reset(x.flushDelay)
	}
}

func (x *Exporter) timerFlush() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.flushLocked()
}

func (x *Exporter) flushLocked() {
	if len(x.events) == 0 {
		return
	}
	if x.timer != nil {
		x.timer.Stop()
		x.timer = nil
	}
	batch := x.events
	x.events = make([]Event, 0, x.maxSize)

	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		ctx, span := trace.StartSpan(context.Background(), "telemetry_flush")
		defer span.End()
		span.SetAttr("count", len(batch))

		log := trace.Logger(ctx)
		if err := x.post(ctx, batch); err != nil {
			span.SetAttr("error", err.Error())
			log.Warn("telemetry flush failed", "error", err, "count", len(batch))
		} else {
			log.Debug("telemetry flushed", "count", len(batch))
		}
	}()
}

func (x *Exporter) post(ctx context.Context, batch []Event) error {
	body, err := json.Marshal(map[string]any{"events": batch})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("collector returned %d", resp.StatusCode)
	}
	return nil
}

// Flush forces an immediate flush of queued events.
func (x *Exporter) Flush() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.flushLocked()
}

// Stop flushes what is queued and waits for in-flight posts.
func (x *Exporter) Stop() {
	x.mu.Lock()
	x.stopped = true
	x.flushLocked()
	x.mu.Unlock()
	x.wg.Wait()
}
