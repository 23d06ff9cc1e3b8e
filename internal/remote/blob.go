package remote

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	storage "github.com/supabase-community/storage-go"

	"github.com/lecternhq/lectern/internal/resilience"
	"github.com/lecternhq/lectern/internal/xerrors"
)

const (
	signedURLCacheSize = 128

	// signedURLSlack keeps cached URLs out of circulation once they get
	// close enough to expiry that a slow download could outlive them.
	signedURLSlack = 30 * time.Second
)

type signedEntry struct {
	url     string
	expires time.Time
}

// SupabaseBlobStore stores lecture audio in a Supabase Storage bucket.
// Signed download URLs are cached until shortly before they expire.
type SupabaseBlobStore struct {
	client  *storage.Client
	baseURL string
	apiKey  string
	bucket  string
	http    *http.Client
	breaker *resilience.Breaker
	cache   *lru.Cache[string, signedEntry]
	now     func() time.Time

	// sign is swappable so URL caching can be tested without the SDK.
	sign func(path string, ttl time.Duration) (string, error)
}

// NewSupabaseBlobStore builds a blob store for one bucket.
func NewSupabaseBlobStore(baseURL, apiKey, bucket string) (*SupabaseBlobStore, error) {
	cache, err := lru.New[string, signedEntry](signedURLCacheSize)
	if err != nil {
		return nil, err
	}

	s := &SupabaseBlobStore{
		client:  storage.NewClient(baseURL+"/storage/v1", apiKey, nil),
		baseURL: baseURL,
		apiKey:  apiKey,
		bucket:  bucket,
		http:    &http.Client{Timeout: 30 * time.Second},
		breaker: resilience.New("blob", resilience.SlowConfig()),
		cache:   cache,
		now:     time.Now,
	}
	s.sign = s.createSignedURL
	return s, nil
}

// Upload streams a local file to the given object path. The path is the
// identity of the blob, so re-uploading the same path is a safe overwrite.
func (s *SupabaseBlobStore) Upload(ctx context.Context, path, localFile, contentType string) error {
	if err := ctx.Err(); err != nil {
		return xerrors.Wrap(err, xerrors.CodeCanceled, "upload")
	}

	f, err := os.Open(localFile)
	if err != nil {
		return xerrors.Wrap(err, xerrors.CodePreparation, "open upload source")
	}
	defer f.Close()

	return s.breaker.Execute(func() error {
		_, err := s.client.UploadFile(s.bucket, path, f, storage.FileOptions{ContentType: &contentType})
		if err != nil {
			return xerrors.Wrap(err, xerrors.Classify(err), "upload blob")
		}
		return nil
	})
}

// SignedURL resolves an object path to a time-limited download URL.
func (s *SupabaseBlobStore) SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", xerrors.Wrap(err, xerrors.CodeCanceled, "sign url")
	}

	if entry, ok := s.cache.Get(path); ok {
		if s.now().Add(signedURLSlack).Before(entry.expires) {
			return entry.url, nil
		}
		s.cache.Remove(path)
	}

	url, err := s.sign(path, ttl)
	if err != nil {
		return "", err
	}
	s.cache.Add(path, signedEntry{url: url, expires: s.now().Add(ttl)})
	return url, nil
}

func (s *SupabaseBlobStore) createSignedURL(path string, ttl time.Duration) (string, error) {
	var url string
	err := s.breaker.Execute(func() error {
		resp, err := s.client.CreateSignedUrl(s.bucket, path, int(ttl.Seconds()))
		if err != nil {
			return xerrors.Wrap(err, xerrors.Classify(err), "sign blob url")
		}
		url = resp.SignedURL
		return nil
	})
	return url, err
}

// Remove deletes an object. The storage API answers 200 or 204 for a
// successful delete.
func (s *SupabaseBlobStore) Remove(ctx context.Context, path string) error {
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, s.bucket, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return xerrors.Wrap(err, xerrors.CodeUnknown, "build delete request")
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("apikey", s.apiKey)

	return s.breaker.Execute(func() error {
		resp, err := s.http.Do(req)
		if err != nil {
			return xerrors.Wrap(err, xerrors.Classify(err), "delete blob")
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
			return xerrors.Newf(xerrors.FromStatus(resp.StatusCode), "delete blob returned %d", resp.StatusCode)
		}
		s.cache.Remove(path)
		return nil
	})
}
