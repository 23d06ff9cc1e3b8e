package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lecternhq/lectern/internal/lecture"
)

func TestFeedDeliversSnapshotsInOrder(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/users/u1/feed" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth = %q", got)
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		wsjson.Write(ctx, conn, map[string]any{
			"type": "lectures",
			"docs": []map[string]any{{"id": "a", "title": "One", "status": "ready"}},
		})
		wsjson.Write(ctx, conn, map[string]any{
			"type":  "quota",
			"quota": map[string]any{"plan": "free", "minutesUsed": 10.0, "minutesLimit": 120.0},
		})
		wsjson.Write(ctx, conn, map[string]any{
			"type":    "folders",
			"folders": []map[string]any{{"id": "f1", "name": "Week 1"}},
		})
		<-done
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer close(done)

	c := NewClient(srv.URL, srv.URL, staticAuth{user: "u1", token: "tok"})
	feed, err := c.Feed(ctx, "u1")
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}

	first := readSnapshot(t, feed)
	if first.Kind != SnapshotLectures || len(first.Lectures) != 1 || first.Lectures[0].ID != "a" {
		t.Errorf("first snapshot = %+v", first)
	}

	second := readSnapshot(t, feed)
	if second.Kind != SnapshotQuota || second.Quota == nil || second.Quota.MinutesUsed != 10 {
		t.Errorf("second snapshot = %+v", second)
	}

	third := readSnapshot(t, feed)
	if third.Kind != SnapshotFolders || len(third.Folders) != 1 || third.Folders[0].Name != "Week 1" {
		t.Errorf("third snapshot = %+v", third)
	}
}

func TestFeedClosesOnCancel(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		<-done
	}))
	defer srv.Close()
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(srv.URL, srv.URL, staticAuth{user: "u1", token: "tok"})
	feed, err := c.Feed(ctx, "u1")
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}

	cancel()

	select {
	case _, open := <-feed:
		if open {
			t.Error("expected closed channel after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("feed channel did not close")
	}
}

func TestDecodeSnapshotDropsMalformedDocs(t *testing.T) {
	msg := feedMessage{
		Type: "lectures",
		Docs: []json.RawMessage{
			json.RawMessage(`{"id":"good","title":"Kept"}`),
			json.RawMessage(`{"id":"bad","createdAt":"not-a-time"}`),
			json.RawMessage(`{"title":"missing id"}`),
			json.RawMessage(`{"id":"also-good","status":"someFutureStatus"}`),
		},
	}

	snap, ok := decodeSnapshot(msg)
	if !ok {
		t.Fatal("expected snapshot")
	}
	if len(snap.Lectures) != 2 {
		t.Fatalf("kept %d lectures, want 2", len(snap.Lectures))
	}
	if snap.Lectures[0].ID != "good" || snap.Lectures[1].ID != "also-good" {
		t.Errorf("kept = %s, %s", snap.Lectures[0].ID, snap.Lectures[1].ID)
	}
	if snap.Lectures[1].Status != lecture.StatusProcessing {
		t.Errorf("unrecognized status decoded to %q, want processing", snap.Lectures[1].Status)
	}
}

func TestDecodeSnapshotIgnoresUnknownType(t *testing.T) {
	if _, ok := decodeSnapshot(feedMessage{Type: "presence"}); ok {
		t.Error("unknown message type should be skipped")
	}
	if _, ok := decodeSnapshot(feedMessage{Type: "quota"}); ok {
		t.Error("quota message without payload should be skipped")
	}
}

func readSnapshot(t *testing.T, feed <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap, open := <-feed:
		if !open {
			t.Fatal("feed closed early")
		}
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}
