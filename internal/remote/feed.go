package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lecternhq/lectern/internal/lecture"
)

const (
	feedReconnectBase = time.Second
	feedReconnectMax  = 30 * time.Second
)

// feedMessage is the wire form of a live-feed push. Lecture documents
// arrive as raw JSON so a single malformed document can be dropped
// without losing the snapshot.
type feedMessage struct {
	Type    string              `json:"type"`
	Docs    []json.RawMessage   `json:"docs,omitempty"`
	Quota   *lecture.UsageQuota `json:"quota,omitempty"`
	Folders []lecture.Folder    `json:"folders,omitempty"`
}

// Feed subscribes to the user's live snapshot stream. The returned channel
// preserves arrival order across reconnects and closes when ctx ends.
func (c *Client) Feed(ctx context.Context, userID string) (<-chan Snapshot, error) {
	if c.wsURL == "" {
		return nil, fmt.Errorf("feed url not configured")
	}

	out := make(chan Snapshot, 16)
	go c.feedLoop(ctx, userID, out)
	return out, nil
}

func (c *Client) feedLoop(ctx context.Context, userID string, out chan<- Snapshot) {
	defer close(out)

	delay := feedReconnectBase
	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		err := c.consumeFeed(ctx, userID, out)
		if ctx.Err() != nil {
			return
		}

		// A connection that outlived the max backoff counts as healthy.
		if time.Since(started) > feedReconnectMax {
			delay = feedReconnectBase
		}

		slog.Warn("feed disconnected, reconnecting", "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, feedReconnectMax)
	}
}

// consumeFeed runs one connection until it drops.
func (c *Client) consumeFeed(ctx context.Context, userID string, out chan<- Snapshot) error {
	token, err := c.auth.Token(ctx)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/v1/users/%s/feed", c.wsURL, userID)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(16 << 20) // full-collection snapshots can be large

	slog.Info("feed connected", "user", userID)

	for {
		var msg feedMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}

		snap, ok := decodeSnapshot(msg)
		if !ok {
			continue
		}

		select {
		case out <- snap:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// decodeSnapshot converts a wire message, dropping malformed lecture
// documents individually rather than rejecting the whole snapshot.
func decodeSnapshot(msg feedMessage) (Snapshot, bool) {
	switch msg.Type {
	case "lectures":
		lectures := make([]lecture.Lecture, 0, len(msg.Docs))
		for _, raw := range msg.Docs {
			var l lecture.Lecture
			if err := json.Unmarshal(raw, &l); err != nil {
				slog.Warn("dropping malformed lecture document", "error", err)
				continue
			}
			if l.ID == "" {
				slog.Warn("dropping lecture document without id")
				continue
			}
			lectures = append(lectures, l)
		}
		return Snapshot{Kind: SnapshotLectures, Lectures: lectures}, true
	case "quota":
		if msg.Quota == nil {
			return Snapshot{}, false
		}
		return Snapshot{Kind: SnapshotQuota, Quota: msg.Quota}, true
	case "folders":
		return Snapshot{Kind: SnapshotFolders, Folders: msg.Folders}, true
	default:
		slog.Debug("ignoring unknown feed message", "type", msg.Type)
		return Snapshot{}, false
	}
}
