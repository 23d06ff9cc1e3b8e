// Package deeplink persists route tokens across process relaunches so an
// action chosen in one run is picked up on the next foreground.
package deeplink

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RouteSaveCard reopens the save-card surface for a lecture.
const RouteSaveCard = "save-card"

// linkTTL bounds how long a persisted link stays actionable. A token set
// weeks ago firing on launch would be more confusing than helpful.
const linkTTL = 24 * time.Hour

// Link is one pending navigation token.
type Link struct {
	Route     string    `json:"route"`
	LectureID string    `json:"lectureId,omitempty"`
	SetAt     time.Time `json:"setAt"`
}

// SaveCard builds the link that reopens the save-card surface for a
// lecture on next launch.
func SaveCard(lectureID string) Link {
	return Link{Route: RouteSaveCard, LectureID: lectureID}
}

// Store holds at most one pending link in a shared file. Set overwrites,
// Take returns-and-clears.
type Store struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewStore creates the backing directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create deeplink directory: %w", err)
	}
	return &Store{
		path: filepath.Join(dir, "deeplink.json"),
		now:  time.Now,
	}, nil
}

// Set persists the link, replacing any previous one.
func (s *Store) Set(link Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if link.SetAt.IsZero() {
		link.SetAt = s.now()
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "deeplink-*.json")
	if err != nil {
		return fmt.Errorf("create temp deeplink file: %w", err)
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(link); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encode deeplink: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp deeplink file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace deeplink file: %w", err)
	}
	return nil
}

// Take returns the pending link, if any, and clears it. Expired or
// unreadable links are discarded silently.
func (s *Store) Take() (Link, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Link{}, false, nil
	}
	if err != nil {
		return Link{}, false, fmt.Errorf("read deeplink file: %w", err)
	}

	if err := os.Remove(s.path); err != nil {
		return Link{}, false, fmt.Errorf("clear deeplink file: %w", err)
	}

	var link Link
	if err := json.Unmarshal(data, &link); err != nil {
		slog.Warn("discarding unreadable deeplink", "error", err)
		return Link{}, false, nil
	}
	if s.now().Sub(link.SetAt) > linkTTL {
		slog.Debug("discarding expired deeplink", "route", link.Route, "setAt", link.SetAt)
		return Link{}, false, nil
	}
	return link, true, nil
}
