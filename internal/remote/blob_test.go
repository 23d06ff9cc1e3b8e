package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/lecternhq/lectern/internal/xerrors"
)

func newTestBlobStore(t *testing.T, baseURL string) *SupabaseBlobStore {
	t.Helper()
	s, err := NewSupabaseBlobStore(baseURL, "service-key", "lectures")
	if err != nil {
		t.Fatalf("NewSupabaseBlobStore: %v", err)
	}
	return s
}

func TestSignedURLServedFromCache(t *testing.T) {
	s := newTestBlobStore(t, "http://localhost")

	calls := 0
	s.sign = func(path string, ttl time.Duration) (string, error) {
		calls++
		return fmt.Sprintf("https://signed.example/%s?n=%d", path, calls), nil
	}
	current := time.Now()
	s.now = func() time.Time { return current }

	first, err := s.SignedURL(context.Background(), "u1/l1.mp3", 15*time.Minute)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	second, err := s.SignedURL(context.Background(), "u1/l1.mp3", 15*time.Minute)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}

	if first != second {
		t.Errorf("cached URL changed: %q vs %q", first, second)
	}
	if calls != 1 {
		t.Errorf("signer calls = %d, want 1", calls)
	}

	// A different object gets its own entry.
	if _, err := s.SignedURL(context.Background(), "u1/l2.mp3", 15*time.Minute); err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if calls != 2 {
		t.Errorf("signer calls = %d, want 2", calls)
	}
}

func TestSignedURLRenewsNearExpiry(t *testing.T) {
	s := newTestBlobStore(t, "http://localhost")

	calls := 0
	s.sign = func(path string, ttl time.Duration) (string, error) {
		calls++
		return fmt.Sprintf("https://signed.example/%s?n=%d", path, calls), nil
	}
	current := time.Now()
	s.now = func() time.Time { return current }

	if _, err := s.SignedURL(context.Background(), "u1/l1.mp3", 15*time.Minute); err != nil {
		t.Fatalf("SignedURL: %v", err)
	}

	// Still comfortably alive: served from cache.
	current = current.Add(14 * time.Minute)
	if _, err := s.SignedURL(context.Background(), "u1/l1.mp3", 15*time.Minute); err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if calls != 1 {
		t.Errorf("signer calls = %d, want 1", calls)
	}

	// Inside the slack window before expiry: renewed.
	current = current.Add(45 * time.Second)
	if _, err := s.SignedURL(context.Background(), "u1/l1.mp3", 15*time.Minute); err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if calls != 2 {
		t.Errorf("signer calls = %d, want 2", calls)
	}
}

func TestRemoveDeletesObjectAndInvalidatesCache(t *testing.T) {
	var gotMethod, gotPath, gotAuth, gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("apikey")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := newTestBlobStore(t, srv.URL)
	calls := 0
	s.sign = func(path string, ttl time.Duration) (string, error) {
		calls++
		return "https://signed.example/x", nil
	}

	if _, err := s.SignedURL(context.Background(), "u1/l1.mp3", 15*time.Minute); err != nil {
		t.Fatalf("SignedURL: %v", err)
	}

	if err := s.Remove(context.Background(), "u1/l1.mp3"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if gotMethod != http.MethodDelete {
		t.Errorf("method = %s, want DELETE", gotMethod)
	}
	if gotPath != "/storage/v1/object/lectures/u1/l1.mp3" {
		t.Errorf("path = %s", gotPath)
	}
	if gotAuth != "Bearer service-key" || gotAPIKey != "service-key" {
		t.Errorf("auth headers = %q / %q", gotAuth, gotAPIKey)
	}

	// Removing the object drops its signed URL too.
	if _, err := s.SignedURL(context.Background(), "u1/l1.mp3", 15*time.Minute); err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if calls != 2 {
		t.Errorf("signer calls = %d, want 2", calls)
	}
}

func TestRemoveRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := newTestBlobStore(t, srv.URL)
	err := s.Remove(context.Background(), "u1/l1.mp3")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := xerrors.CodeOf(err); got != xerrors.CodeClient {
		t.Errorf("code = %s, want client", got)
	}
}

func TestUploadMissingSourceFile(t *testing.T) {
	s := newTestBlobStore(t, "http://localhost")
	err := s.Upload(context.Background(), "u1/l1.mp3", filepath.Join(t.TempDir(), "gone.mp3"), "audio/mpeg")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := xerrors.CodeOf(err); got != xerrors.CodePreparation {
		t.Errorf("code = %s, want preparation", got)
	}
}
