package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lecternhq/lectern/internal/lecture"
	"github.com/lecternhq/lectern/internal/resilience"
	"github.com/lecternhq/lectern/internal/trace"
	"github.com/lecternhq/lectern/internal/xerrors"
)

const defaultRequestTimeout = 30 * time.Second

// Client implements DocumentStore against the sync backend's REST surface
// and carries the account-deletion endpoint.
type Client struct {
	baseURL string
	wsURL   string
	auth    Auth
	http    *http.Client
	breaker *resilience.Breaker
}

// NewClient wires a document-store client. wsURL may be empty if the feed
// is never subscribed.
func NewClient(baseURL, wsURL string, auth Auth) *Client {
	return &Client{
		baseURL: baseURL,
		wsURL:   wsURL,
		auth:    auth,
		http:    &http.Client{Timeout: defaultRequestTimeout},
		breaker: resilience.New("sync", resilience.DefaultConfig()),
	}
}

// UpsertLecture merges fields into the lecture document, creating it if
// absent. Safe to re-invoke with the same fields.
func (c *Client) UpsertLecture(ctx context.Context, userID, lectureID string, fields map[string]any) error {
	path := fmt.Sprintf("/v1/users/%s/lectures/%s", userID, lectureID)
	return c.do(ctx, http.MethodPatch, path, fields, nil)
}

// DeleteLecture removes the lecture document.
func (c *Client) DeleteLecture(ctx context.Context, userID, lectureID string) error {
	path := fmt.Sprintf("/v1/users/%s/lectures/%s", userID, lectureID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// ListLectures fetches the current collection, sorted by date descending
// by backend contract.
func (c *Client) ListLectures(ctx context.Context, userID string) ([]lecture.Lecture, error) {
	var out struct {
		Lectures []lecture.Lecture `json:"lectures"`
	}
	path := fmt.Sprintf("/v1/users/%s/lectures", userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Lectures, nil
}

// RequestSummary asks the backend to (re)run summarization for a lecture
// that already has a transcript or a stalled summary job.
func (c *Client) RequestSummary(ctx context.Context, userID, lectureID string) error {
	path := fmt.Sprintf("/v1/users/%s/lectures/%s/summarize", userID, lectureID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// UpsertFolder creates or renames a folder.
func (c *Client) UpsertFolder(ctx context.Context, userID string, folder lecture.Folder) error {
	path := fmt.Sprintf("/v1/users/%s/folders/%s", userID, folder.ID)
	return c.do(ctx, http.MethodPut, path, folder, nil)
}

// DeleteFolder removes a folder; lectures inside keep existing unfoldered.
func (c *Client) DeleteFolder(ctx context.Context, userID, folderID string) error {
	path := fmt.Sprintf("/v1/users/%s/folders/%s", userID, folderID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// DeleteAccount wipes all server-side user data. Anything but a 200 is a
// failure and the caller must not clear local state.
func (c *Client) DeleteAccount(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/account/delete", nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return xerrors.Wrap(err, xerrors.Classify(err), "delete account")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return xerrors.New(xerrors.FromStatus(resp.StatusCode),
			fmt.Sprintf("account deletion returned %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, xerrors.Wrap(err, xerrors.CodeClient, "encode request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.CodeClient, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.auth.Token(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.CodeAuth, "resolve bearer token")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	if tc, ok := trace.FromContext(ctx); ok {
		req.Header.Set(trace.TraceIDKey, tc.TraceID)
		req.Header.Set(trace.SpanIDKey, tc.SpanID)
	}
	return req, nil
}

// do runs a single attempt through the breaker. Retry policy belongs to
// the caller; document operations are merge-idempotent so re-invoking is
// always safe.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.breaker.Execute(func() error {
		req, err := c.newRequest(ctx, method, path, body)
		if err != nil {
			return err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return xerrors.Wrapf(err, xerrors.Classify(err), "%s %s", method, path)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			slog.Debug("sync request failed", "method", method, "path", path,
				"status", resp.StatusCode, "body", string(payload))
			return xerrors.New(xerrors.FromStatus(resp.StatusCode),
				fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode))
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return xerrors.Wrap(err, xerrors.CodeServer, "decode response")
			}
		}
		return nil
	})
}
