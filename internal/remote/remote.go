// Package remote talks to the sync backend and blob storage on behalf of
// the rest of the daemon.
package remote

import (
	"context"
	"time"

	"github.com/lecternhq/lectern/internal/lecture"
)

// SnapshotKind names which payload field of a Snapshot is set.
type SnapshotKind string

const (
	SnapshotLectures SnapshotKind = "lectures"
	SnapshotQuota    SnapshotKind = "quota"
	SnapshotFolders  SnapshotKind = "folders"
)

// Snapshot is one live-feed message. Kind names the payload field that is
// set, and snapshots must be consumed in arrival order.
type Snapshot struct {
	Kind     SnapshotKind
	Lectures []lecture.Lecture
	Quota    *lecture.UsageQuota
	Folders  []lecture.Folder
}

// DocumentStore is the per-user lecture document collection with a live
// change feed. Upserts are field-level merges, never whole-document writes.
type DocumentStore interface {
	UpsertLecture(ctx context.Context, userID, lectureID string, fields map[string]any) error
	DeleteLecture(ctx context.Context, userID, lectureID string) error
	ListLectures(ctx context.Context, userID string) ([]lecture.Lecture, error)
	UpsertFolder(ctx context.Context, userID string, folder lecture.Folder) error
	DeleteFolder(ctx context.Context, userID, folderID string) error
	Feed(ctx context.Context, userID string) (<-chan Snapshot, error)
}

// BlobStore uploads recordings by path and resolves paths to short-lived
// download URLs.
type BlobStore interface {
	Upload(ctx context.Context, path, localFile, contentType string) error
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
	Remove(ctx context.Context, path string) error
}

// Auth provides the anonymous identity and bearer tokens.
type Auth interface {
	UserID() string
	Token(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) error
	SignOut() error
}
