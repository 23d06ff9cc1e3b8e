// Package server provides HTTP and WebSocket handlers
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lecternhq/lectern/internal/audio"
	"github.com/lecternhq/lectern/internal/deeplink"
	"github.com/lecternhq/lectern/internal/lecture"
	"github.com/lecternhq/lectern/internal/pending"
	"github.com/lecternhq/lectern/internal/reconcile"
	"github.com/lecternhq/lectern/internal/trace"
	"github.com/lecternhq/lectern/internal/upload"
	"github.com/lecternhq/lectern/internal/xerrors"
)

// Recorder drives the capture session.
type Recorder interface {
	Start(ctx context.Context) error
	Pause()
	Resume()
	Stop() (*audio.Take, error)
	State() audio.State
	Elapsed() time.Duration
	Level() float64
}

// Uploader accepts finished takes and manual retries.
type Uploader interface {
	Enqueue(ctx context.Context, req upload.Request) (string, error)
	Retry(ctx context.Context, lectureID string) error
}

// Library exposes the merged lecture state and its mutations.
type Library interface {
	Lectures() []lecture.Lecture
	Lecture(lectureID string) (lecture.Lecture, bool)
	Quota() *lecture.UsageQuota
	Folders() []lecture.Folder
	Updates() <-chan reconcile.Update
	Delete(ctx context.Context, lectureID string) error
	RetrySummary(ctx context.Context, lectureID string) error
}

// FolderWriter writes folder documents; reads come from Library.
type FolderWriter interface {
	UpsertFolder(ctx context.Context, userID string, folder lecture.Folder) error
	DeleteFolder(ctx context.Context, userID, folderID string) error
}

// SignedURLs mints short-lived playback URLs for stored audio.
type SignedURLs interface {
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// Accounts performs destructive account operations. DeleteAccount must
// succeed only on an exact 200 from the backend.
type Accounts interface {
	DeleteAccount(ctx context.Context) error
}

// LinkStore persists deep links across relaunches.
type LinkStore interface {
	Set(link deeplink.Link) error
	Take() (deeplink.Link, bool, error)
}

// Message types.
type Message struct {
	Type string `json:"type"`
}

type LecturesMessage struct {
	Type     string            `json:"type"`
	Lectures []lecture.Lecture `json:"lectures"`
}

type QuotaMessage struct {
	Type  string              `json:"type"`
	Quota *lecture.UsageQuota `json:"quota"`
}

type FoldersMessage struct {
	Type    string           `json:"type"`
	Folders []lecture.Folder `json:"folders"`
}

type RecordingMessage struct {
	Type           string  `json:"type"`
	State          string  `json:"state"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
	Level          float64 `json:"level"`
}

type RecordStopMessage struct {
	Type     string `json:"type"`
	Title    string `json:"title,omitempty"`
	FolderID string `json:"folderId,omitempty"`
}

type UploadQueuedMessage struct {
	Type      string `json:"type"`
	LectureID string `json:"lectureId"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	// Prune old timestamps
	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// Options wires a Server to the pipeline it fronts.
type Options struct {
	Recorder Recorder
	Uploads  Uploader
	Library  Library
	Folders  FolderWriter
	Accounts Accounts
	Links    LinkStore
	Blobs    SignedURLs
	User     string

	// SignedURLTTL bounds playback URL lifetime; zero takes the default.
	SignedURLTTL time.Duration

	// SignOut, when set, runs after a successful account deletion to
	// clear local credentials and caches.
	SignOut func() error
}

const defaultSignedURLTTL = 15 * time.Minute

// Server handles HTTP and WebSocket connections.
type Server struct {
	recorder Recorder
	uploads  Uploader
	library  Library
	folders  FolderWriter
	accounts Accounts
	links    LinkStore
	blobs    SignedURLs
	urlTTL   time.Duration
	user     string
	signOut  func() error

	mu         sync.RWMutex
	conns      map[*websocket.Conn]struct{}
	rateLimits map[*websocket.Conn]*rateLimiter
}

// New creates a new server.
func New(opts Options) *Server {
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = defaultSignedURLTTL
	}
	s := &Server{
		recorder:   opts.Recorder,
		uploads:    opts.Uploads,
		library:    opts.Library,
		folders:    opts.Folders,
		accounts:   opts.Accounts,
		links:      opts.Links,
		blobs:      opts.Blobs,
		urlTTL:     opts.SignedURLTTL,
		user:       opts.User,
		signOut:    opts.SignOut,
		conns:      make(map[*websocket.Conn]struct{}),
		rateLimits: make(map[*websocket.Conn]*rateLimiter),
	}

	// Start broadcasters
	go s.broadcastUpdates(s.library.Updates())
	go s.broadcastMeter()

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// REST API
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/recording", s.handleRecordingStatus)
	mux.HandleFunc("POST /api/recording/start", s.handleRecordingStart)
	mux.HandleFunc("POST /api/recording/stop", s.handleRecordingStop)
	mux.HandleFunc("POST /api/recording/pause", s.handleRecordingPause)
	mux.HandleFunc("POST /api/recording/resume", s.handleRecordingResume)

	mux.HandleFunc("GET /api/lectures", s.handleLectureList)
	mux.HandleFunc("GET /api/lectures/{id}", s.handleLectureGet)
	mux.HandleFunc("GET /api/lectures/{id}/audio", s.handleLectureAudio)
	mux.HandleFunc("DELETE /api/lectures/{id}", s.handleLectureDelete)
	mux.HandleFunc("POST /api/lectures/{id}/retry", s.handleLectureRetry)
	mux.HandleFunc("POST /api/lectures/{id}/retry-summary", s.handleSummaryRetry)

	mux.HandleFunc("POST /api/import", s.handleImport)

	mux.HandleFunc("GET /api/quota", s.handleQuota)

	mux.HandleFunc("GET /api/folders", s.handleFolderList)
	mux.HandleFunc("POST /api/folders", s.handleFolderCreate)
	mux.HandleFunc("POST /api/folders/{id}", s.handleFolderRename)
	mux.HandleFunc("DELETE /api/folders/{id}", s.handleFolderDelete)

	mux.HandleFunc("GET /api/deeplink", s.handleDeeplinkTake)
	mux.HandleFunc("POST /api/deeplink", s.handleDeeplinkSet)

	mux.HandleFunc("POST /api/account/delete", s.handleAccountDelete)

	mux.Handle("GET /metrics", promhttp.Handler())

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := xerrors.Classify(err)
	trace.Logger(r.Context()).Error("request failed",
		"path", r.URL.Path, "code", code, "error", err)
	writeJSON(w, httpStatus(code), map[string]string{
		"code":  string(code),
		"error": xerrors.UserMessage(err),
	})
}

// httpStatus maps the error taxonomy onto response codes.
func httpStatus(code xerrors.Code) int {
	switch code {
	case xerrors.CodeClient, xerrors.CodePreparation, xerrors.CodeInvalidMedia:
		return http.StatusBadRequest
	case xerrors.CodeAuth, xerrors.CodePermissionDenied:
		return http.StatusForbidden
	case xerrors.CodeQuota:
		return http.StatusTooManyRequests
	case xerrors.CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case xerrors.CodeUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case xerrors.CodeNoSource:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeNetwork, xerrors.CodeServer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.rateLimits[conn] = &rateLimiter{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		delete(s.rateLimits, conn)
		s.mu.Unlock()
	}()

	// Get trace context from HTTP upgrade request
	baseCtx := r.Context()
	log := trace.Logger(baseCtx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	// New clients get the full state up front, then deltas via broadcast.
	_ = wsjson.Write(baseCtx, conn, LecturesMessage{Type: "lectures", Lectures: s.library.Lectures()})
	if q := s.library.Quota(); q != nil {
		_ = wsjson.Write(baseCtx, conn, QuotaMessage{Type: "quota", Quota: q})
	}
	_ = wsjson.Write(baseCtx, conn, FoldersMessage{Type: "folders", Folders: s.library.Folders()})
	_ = wsjson.Write(baseCtx, conn, s.recordingStatus())

	for {
		var msg json.RawMessage
		if err := wsjson.Read(baseCtx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		// Check rate limit
		s.mu.RLock()
		rl := s.rateLimits[conn]
		s.mu.RUnlock()

		if !rl.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			_ = wsjson.Write(baseCtx, conn, ErrorMessage{
				Type:    "error",
				Message: "rate limit exceeded",
			})
			continue
		}

		var base Message
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}

		switch base.Type {
		case "record_start":
			if err := s.recorder.Start(baseCtx); err != nil {
				s.writeWSError(baseCtx, conn, err)
				continue
			}
			s.broadcast(s.recordingStatus())
		case "record_pause":
			s.recorder.Pause()
			s.broadcast(s.recordingStatus())
		case "record_resume":
			s.recorder.Resume()
			s.broadcast(s.recordingStatus())
		case "record_stop":
			var stop RecordStopMessage
			if err := json.Unmarshal(msg, &stop); err != nil {
				continue
			}
			id, err := s.finishRecording(baseCtx, stop.Title, stop.FolderID)
			if err != nil {
				s.writeWSError(baseCtx, conn, err)
				continue
			}
			_ = wsjson.Write(baseCtx, conn, UploadQueuedMessage{Type: "upload_queued", LectureID: id})
		}
	}
}

func (s *Server) writeWSError(ctx context.Context, conn *websocket.Conn, err error) {
	_ = wsjson.Write(ctx, conn, ErrorMessage{
		Type:    "error",
		Code:    string(xerrors.Classify(err)),
		Message: xerrors.UserMessage(err),
	})
}

// broadcastUpdates fans reconciler state changes out to every client.
func (s *Server) broadcastUpdates(updates <-chan reconcile.Update) {
	for u := range updates {
		var msg any
		switch u.Kind {
		case reconcile.UpdateLectures:
			msg = LecturesMessage{Type: "lectures", Lectures: u.Lectures}
		case reconcile.UpdateQuota:
			msg = QuotaMessage{Type: "quota", Quota: u.Quota}
		case reconcile.UpdateFolders:
			msg = FoldersMessage{Type: "folders", Folders: u.Folders}
		default:
			continue
		}
		s.broadcast(msg)
	}
}

// broadcastMeter pushes live level and elapsed frames while capturing.
func (s *Server) broadcastMeter() {
	t := time.NewTicker(MeterPushInterval)
	defer t.Stop()
	for range t.C {
		if s.recorder.State() == audio.StateIdle {
			continue
		}
		s.broadcast(s.recordingStatus())
	}
}

func (s *Server) broadcast(msg any) {
	s.mu.RLock()
	for conn := range s.conns {
		go func(c *websocket.Conn) {
			_ = wsjson.Write(context.Background(), c, msg)
		}(conn)
	}
	s.mu.RUnlock()
}

func (s *Server) recordingStatus() RecordingMessage {
	return RecordingMessage{
		Type:           "recording",
		State:          string(s.recorder.State()),
		ElapsedSeconds: s.recorder.Elapsed().Seconds(),
		Level:          s.recorder.Level(),
	}
}

// finishRecording stops the session and hands the take to the upload
// pipeline. A mid-capture engine failure still yields a usable partial
// take; only an empty session is an error.
func (s *Server) finishRecording(ctx context.Context, title, folderID string) (string, error) {
	take, err := s.recorder.Stop()
	if take == nil {
		if err != nil {
			return "", err
		}
		return "", xerrors.New(xerrors.CodeClient, "no active recording")
	}
	if err != nil {
		trace.Logger(ctx).Warn("capture ended with error, uploading partial take", "error", err)
	}

	if title == "" {
		title = "Lecture " + time.Now().Format("Jan 2 15:04")
	}

	id, err := s.uploads.Enqueue(ctx, upload.Request{
		Title:           title,
		CapturedAt:      time.Now(),
		DurationMinutes: take.Duration.Minutes(),
		LocalPath:       take.Path,
		FolderID:        folderID,
		Trigger:         pending.TriggerRecording,
	})
	if err != nil {
		return "", err
	}

	s.broadcast(s.recordingStatus())
	return id, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.recordingStatus())
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if err := s.recorder.Start(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	s.broadcast(s.recordingStatus())
	writeJSON(w, http.StatusOK, s.recordingStatus())
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	var body RecordStopMessage
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	id, err := s.finishRecording(r.Context(), body.Title, body.FolderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"lectureId": id})
}

func (s *Server) handleRecordingPause(w http.ResponseWriter, r *http.Request) {
	s.recorder.Pause()
	s.broadcast(s.recordingStatus())
	writeJSON(w, http.StatusOK, s.recordingStatus())
}

func (s *Server) handleRecordingResume(w http.ResponseWriter, r *http.Request) {
	s.recorder.Resume()
	s.broadcast(s.recordingStatus())
	writeJSON(w, http.StatusOK, s.recordingStatus())
}

func (s *Server) handleLectureList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"lectures": s.library.Lectures()})
}

func (s *Server) handleLectureGet(w http.ResponseWriter, r *http.Request) {
	l, ok := s.library.Lecture(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "lecture not found"})
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleLectureAudio(w http.ResponseWriter, r *http.Request) {
	l, ok := s.library.Lecture(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "lecture not found"})
		return
	}
	if l.AudioPath == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "lecture has no audio"})
		return
	}
	url, err := s.blobs.SignedURL(r.Context(), l.AudioPath, s.urlTTL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleLectureDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.library.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleLectureRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.uploads.Retry(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retry_started"})
}

func (s *Server) handleSummaryRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.library.RetrySummary(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "summary_requested"})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path     string `json:"path"`
		Title    string `json:"title"`
		FolderID string `json:"folderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "path is required"})
		return
	}
	if _, err := os.Stat(body.Path); err != nil {
		writeError(w, r, xerrors.Wrap(err, xerrors.CodeClient, "import file not readable"))
		return
	}

	title := body.Title
	if title == "" {
		base := filepath.Base(body.Path)
		title = strings.TrimSuffix(base, filepath.Ext(base))
	}

	id, err := s.uploads.Enqueue(r.Context(), upload.Request{
		Title:      title,
		CapturedAt: time.Now(),
		LocalPath:  body.Path,
		FolderID:   body.FolderID,
		Trigger:    pending.TriggerManual,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"lectureId": id})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"quota": s.library.Quota()})
}

func (s *Server) handleFolderList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"folders": s.library.Folders()})
}

func (s *Server) handleFolderCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	folder := lecture.Folder{
		ID:        uuid.NewString(),
		Name:      body.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.folders.UpsertFolder(r.Context(), s.user, folder); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, folder)
}

func (s *Server) handleFolderRename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}

	id := r.PathValue("id")
	var existing *lecture.Folder
	for _, f := range s.library.Folders() {
		if f.ID == id {
			existing = &f
			break
		}
	}
	if existing == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "folder not found"})
		return
	}

	existing.Name = body.Name
	if err := s.folders.UpsertFolder(r.Context(), s.user, *existing); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, *existing)
}

func (s *Server) handleFolderDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.folders.DeleteFolder(r.Context(), s.user, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleDeeplinkTake(w http.ResponseWriter, r *http.Request) {
	link, ok, err := s.links.Take()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *Server) handleDeeplinkSet(w http.ResponseWriter, r *http.Request) {
	var link deeplink.Link
	if err := json.NewDecoder(r.Body).Decode(&link); err != nil || link.Route == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "route is required"})
		return
	}
	if err := s.links.Set(link); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// handleAccountDelete wipes the account remotely, then local state. The
// remote call is the gate: local cleanup only runs once the backend has
// confirmed the deletion.
func (s *Server) handleAccountDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.accounts.DeleteAccount(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	if s.signOut != nil {
		if err := s.signOut(); err != nil {
			trace.Logger(r.Context()).Warn("local cleanup after account deletion failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "account_deleted"})
}
