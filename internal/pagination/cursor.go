// Package pagination implements the opaque cursors the history endpoint
// hands out. A cursor pins a (created_at, id) position in the snapshot
// ordering; clients treat the string as a black box.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is a decoded position in the snapshot ordering. ID breaks ties
// between snapshots sharing a timestamp.
type Cursor struct {
	CreatedAt time.Time
	ID        int64
}

// Encode packs a snapshot key into an opaque URL-safe string.
func Encode(createdAt time.Time, id int64) string {
	raw := fmt.Sprintf("%d|%d", createdAt.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode unpacks a cursor produced by Encode. Empty input means "from the
// top" and decodes to nil; anything else malformed is an error, never a
// guess.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	nanosStr, idStr, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, fmt.Errorf("invalid cursor")
	}
	nanos, err := strconv.ParseInt(nanosStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims an overfetched page (limit+1 rows) to the requested
// limit and derives the next cursor from the final kept row. An empty
// cursor with hasMore false means the page was the last one.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, int64)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
