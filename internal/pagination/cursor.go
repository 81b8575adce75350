// Package pagination implements opaque cursors for history listings.
package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalidCursor is returned when a cursor string cannot be decoded.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks a position in a time-ordered result set. CreatedAt is
// the timestamp of the last row on the previous page; ID breaks ties
// between rows sharing a timestamp.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

type cursorWire struct {
	T  int64  `json:"t"`
	ID string `json:"id"`
}

// Encode serializes a position into an opaque URL-safe string.
func Encode(createdAt time.Time, id string) string {
	raw, _ := json.Marshal(cursorWire{T: createdAt.UnixNano(), ID: id})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses a cursor produced by Encode. An empty string decodes
// to a nil cursor, meaning start from the beginning.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var w cursorWire
	if err := json.Unmarshal(raw, &w); err != nil || w.T == 0 {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, w.T).UTC(), ID: w.ID}, nil
}

// ComputePage trims a result fetched with limit+1 rows down to the
// page itself. When the extra row is present, the returned cursor
// points at the last row kept and hasMore is true.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	page := items[:limit]
	createdAt, id := key(page[len(page)-1])
	return page, Encode(createdAt, id), true
}
