package audio

import (
	"context"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lecternhq/lectern/internal/media"
	"github.com/lecternhq/lectern/internal/syncx"
	"github.com/lecternhq/lectern/internal/xerrors"
)

// State is the recorder lifecycle: idle -> recording <-> paused -> idle.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
)

const framesPerBuffer = 1024 // ~23ms at 44100Hz

// Take is a finished recording on disk.
type Take struct {
	Path       string
	Duration   time.Duration
	SampleRate int
}

// Options configure a Recorder.
type Options struct {
	TmpDir      string
	SampleRate  int
	Channels    int
	MeterRateHz float64
}

// Recorder owns the capture session state machine. Elapsed time accumulates
// only while recording; the level meter reads 0 while paused or idle.
type Recorder struct {
	engine    Engine
	perm      Checker
	tmpDir    string
	rate      int
	channels  int
	meterRate float64

	now func() time.Time

	level *syncx.RWGuard[float64]

	mu          sync.Mutex
	state       State
	starting    bool
	writer      *media.WavWriter
	stream      Stream
	takePath    string
	accumulated time.Duration
	segStart    time.Time
	captureErr  error
	done        chan struct{}
}

// NewRecorder wires a recorder to a capture engine and permission checker.
func NewRecorder(engine Engine, perm Checker, opts Options) *Recorder {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 44100
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.MeterRateHz <= 0 {
		opts.MeterRateHz = 8.0
	}
	if opts.TmpDir == "" {
		opts.TmpDir = os.TempDir()
	}
	return &Recorder{
		engine:    engine,
		perm:      perm,
		tmpDir:    opts.TmpDir,
		rate:      opts.SampleRate,
		channels:  opts.Channels,
		meterRate: opts.MeterRateHz,
		now:       time.Now,
		level:     syncx.NewGuard(0.0),
		state:     StateIdle,
	}
}

// State returns the current lifecycle state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Elapsed returns time spent strictly in the recording state.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRecording {
		return r.accumulated + r.now().Sub(r.segStart)
	}
	return r.accumulated
}

// Level returns the latest normalized meter value in [0, 1].
func (r *Recorder) Level() float64 {
	return r.level.Get()
}

// Start begins a new capture session. A denied permission fails with a
// typed error; an undetermined permission is requested first, and a
// declined request is a silent no-op so the caller can re-invoke later.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateIdle || r.starting {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeCaptureFailed, "capture already active")
	}
	r.starting = true
	r.mu.Unlock()

	clearStarting := func() {
		r.mu.Lock()
		r.starting = false
		r.mu.Unlock()
	}

	switch r.perm.Status() {
	case PermissionDenied:
		clearStarting()
		return xerrors.New(xerrors.CodePermissionDenied, "microphone permission denied")
	case PermissionUndetermined:
		got, err := r.perm.Request(ctx)
		if err != nil {
			clearStarting()
			return xerrors.Wrap(err, xerrors.CodePermissionDenied, "microphone permission request failed")
		}
		if got != PermissionGranted {
			clearStarting()
			slog.Warn("microphone permission declined")
			return nil
		}
	}

	path := filepath.Join(r.tmpDir, "rec-"+uuid.NewString()+".wav")
	w, err := media.NewWavWriter(path, r.rate, r.channels)
	if err != nil {
		clearStarting()
		return xerrors.Wrap(err, xerrors.CodeCaptureFailed, "allocate recording file")
	}

	stream, err := r.engine.Open(r.rate, r.channels, framesPerBuffer)
	if err != nil {
		w.Close()
		os.Remove(path)
		clearStarting()
		return xerrors.Wrap(err, xerrors.CodeCaptureFailed, "open capture device")
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		w.Close()
		os.Remove(path)
		clearStarting()
		return xerrors.Wrap(err, xerrors.CodeCaptureFailed, "start capture stream")
	}

	done := make(chan struct{})

	r.mu.Lock()
	r.state = StateRecording
	r.starting = false
	r.writer = w
	r.stream = stream
	r.takePath = path
	r.accumulated = 0
	r.segStart = r.now()
	r.captureErr = nil
	r.done = done
	r.mu.Unlock()

	go r.readLoop(stream, w, done)
	slog.Info("capture started", "file", path, "rate", r.rate)
	return nil
}

// Pause freezes elapsed-time accumulation. No-op unless recording.
func (r *Recorder) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording {
		return
	}
	r.accumulated += r.now().Sub(r.segStart)
	r.segStart = time.Time{}
	r.state = StatePaused
	r.level.Set(0)
	slog.Debug("capture paused", "elapsed", r.accumulated)
}

// Resume restarts accumulation. No-op unless paused, or if the capture
// stream already died.
func (r *Recorder) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePaused {
		return
	}
	if r.captureErr != nil {
		slog.Warn("cannot resume: capture stream failed", "error", r.captureErr)
		return
	}
	r.segStart = r.now()
	r.state = StateRecording
	slog.Debug("capture resumed")
}

// Stop ends the session and returns the finished take, or nil if nothing
// was recording. A mid-capture engine failure is reported alongside the
// partial take, which remains readable.
func (r *Recorder) Stop() (*Take, error) {
	r.mu.Lock()
	if r.state == StateIdle {
		r.mu.Unlock()
		return nil, nil
	}
	if r.state == StateRecording {
		r.accumulated += r.now().Sub(r.segStart)
	}
	elapsed := r.accumulated
	w := r.writer
	stream := r.stream
	path := r.takePath
	cerr := r.captureErr
	done := r.done

	r.state = StateIdle
	r.writer = nil
	r.stream = nil
	r.takePath = ""
	r.accumulated = 0
	r.segStart = time.Time{}
	r.captureErr = nil
	r.done = nil
	r.mu.Unlock()

	r.level.Set(0)

	if stream != nil {
		stream.Stop()
		stream.Close()
	}
	if done != nil {
		<-done
	}

	if err := w.Close(); err != nil && cerr == nil {
		cerr = xerrors.Wrap(err, xerrors.CodeCaptureFailed, "finalize recording file")
	}

	slog.Info("capture stopped", "file", path, "duration", elapsed)
	return &Take{Path: path, Duration: elapsed, SampleRate: r.rate}, cerr
}

// readLoop drains the stream, appending samples while recording and
// updating the meter on a fixed tick.
func (r *Recorder) readLoop(stream Stream, w *media.WavWriter, done chan struct{}) {
	defer close(done)

	tick := time.Duration(float64(time.Second) / r.meterRate)
	lastTick := r.now()
	var sumSquares float64
	var sampleCount int

	for {
		buf, err := stream.Read()
		if err != nil {
			r.freezeOnError(err)
			return
		}

		r.mu.Lock()
		state := r.state
		if state == StateIdle {
			r.mu.Unlock()
			return
		}
		if state == StateRecording {
			if werr := w.WriteSamples(buf); werr != nil {
				r.mu.Unlock()
				r.freezeOnError(werr)
				return
			}
			for _, s := range buf {
				sumSquares += float64(s) * float64(s)
			}
			sampleCount += len(buf)
		}
		r.mu.Unlock()

		if now := r.now(); now.Sub(lastTick) >= tick {
			lastTick = now
			if state == StateRecording && sampleCount > 0 {
				rms := math.Sqrt(sumSquares / float64(sampleCount))
				r.level.Set(LevelFromDB(DBFromRMS(rms)))
			} else {
				r.level.Set(0)
			}
			sumSquares, sampleCount = 0, 0
		}
	}
}

// freezeOnError parks a failed session in paused so Stop can still hand
// back the partial file. A Read error after Stop is the normal shutdown
// path and is ignored.
func (r *Recorder) freezeOnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateIdle {
		return
	}
	slog.Error("capture stream failed", "error", err)
	r.captureErr = xerrors.Wrap(err, xerrors.CodeCaptureFailed, "capture stream failed")
	if r.state == StateRecording {
		r.accumulated += r.now().Sub(r.segStart)
		r.segStart = time.Time{}
	}
	r.state = StatePaused
	r.level.Set(0)
}
