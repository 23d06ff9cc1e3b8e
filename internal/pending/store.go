package pending

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Store is what the upload pipeline needs from durable pending storage.
type Store interface {
	Upsert(userID string, rec Record) error
	Remove(userID, lectureID string) error
	Load(userID string) ([]Record, error)
	Replace(userID string, recs []Record) error
}

type userFile struct {
	Records map[string]Record `json:"records"`
}

// FileStore keeps one JSON file per user under dir. Every mutation reads
// the full file, applies the change, and writes back via temp+rename.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates the backing directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create pending directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Upsert inserts or replaces the record for its lecture id.
func (s *FileStore) Upsert(userID string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read(userID)
	if err != nil {
		return err
	}
	data.Records[rec.LectureID] = rec
	return s.write(userID, data)
}

// Remove drops the record for lectureID. Removing an absent id is a no-op.
func (s *FileStore) Remove(userID, lectureID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read(userID)
	if err != nil {
		return err
	}
	if _, ok := data.Records[lectureID]; !ok {
		return nil
	}
	delete(data.Records, lectureID)
	return s.write(userID, data)
}

// Load returns all records for the user, newest capture first.
func (s *FileStore) Load(userID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read(userID)
	if err != nil {
		return nil, err
	}

	recs := make([]Record, 0, len(data.Records))
	for _, r := range data.Records {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CapturedAt.After(recs[j].CapturedAt)
	})
	return recs, nil
}

// Replace overwrites the user's full record set in one atomic write.
func (s *FileStore) Replace(userID string, recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := userFile{Records: make(map[string]Record, len(recs))}
	for _, r := range recs {
		data.Records[r.LectureID] = r
	}
	return s.write(userID, data)
}

func (s *FileStore) path(userID string) string {
	return filepath.Join(s.dir, userID+".json")
}

func (s *FileStore) read(userID string) (userFile, error) {
	data := userFile{Records: map[string]Record{}}

	f, err := os.Open(s.path(userID))
	if errors.Is(err, os.ErrNotExist) {
		return data, nil
	}
	if err != nil {
		return data, fmt.Errorf("open pending file: %w", err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&data); err != nil {
		return data, fmt.Errorf("decode pending file: %w", err)
	}
	if data.Records == nil {
		data.Records = map[string]Record{}
	}
	return data, nil
}

func (s *FileStore) write(userID string, data userFile) error {
	tmp, err := os.CreateTemp(s.dir, "pending-*.json")
	if err != nil {
		return fmt.Errorf("create temp pending file: %w", err)
	}

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encode pending file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp pending file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(userID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace pending file: %w", err)
	}
	return nil
}
