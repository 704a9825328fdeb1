// Package model holds the shared wire and storage shapes for mind maps: the
// compact interchange format exchanged with clients, the static map record,
// and snapshot metadata.
package model

import (
	"fmt"
	"time"
)

const (
	// MaxNoteContentLen bounds a single note's text in runes.
	MaxNoteContentLen = 10000
	// MaxNotes and MaxConnections bound a whole document. Enforced after an
	// import is applied, so strict deployments must pre-validate payload size.
	MaxNotes       = 2000
	MaxConnections = 5000

	// DefaultNoteColor is omitted from exports.
	DefaultNoteColor = "#ffd966"
	// DefaultConnectionType is omitted from exports.
	DefaultConnectionType = "arrow"
)

// Note is a single node on the canvas. Content is collaboratively editable
// text once inside a document; here it is the materialized string.
type Note struct {
	ID       string    `json:"i"`
	Content  string    `json:"c"`
	Position []float64 `json:"p"`
	Color    string    `json:"color,omitempty"`
}

// Connection links two notes. Its document id is derived, never stored.
type Connection struct {
	From string `json:"f"`
	To   string `json:"t"`
	Type string `json:"tp,omitempty"`
}

// ID derives the deterministic connection id.
func (c Connection) ID() string {
	t := c.Type
	if t == "" {
		t = DefaultConnectionType
	}
	return fmt.Sprintf("%s:%s:%s", c.From, c.To, t)
}

// MapJSON is the compact interchange format for a whole map.
type MapJSON struct {
	Notes       []Note                 `json:"n"`
	Connections []Connection           `json:"c"`
	Meta        map[string]interface{} `json:"m,omitempty"`
}

// IsEmpty reports whether the exported content carries anything worth
// preferring over a static record: a note with non-empty text, or any
// connection.
func (m *MapJSON) IsEmpty() bool {
	if len(m.Connections) > 0 {
		return false
	}
	for _, n := range m.Notes {
		if n.Content != "" {
			return false
		}
	}
	return true
}

// MapRecord is the static, non-collaborative representation with integer
// optimistic-concurrency versioning.
type MapRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
	StateJSON string    `json:"-"`
	SizeBytes int64     `json:"sizeBytes"`
}

// SnapshotInfo is snapshot metadata without the payload.
type SnapshotInfo struct {
	MapID     string    `json:"mapId"`
	UpdatedAt time.Time `json:"updatedAt"`
	SizeBytes int64     `json:"sizeBytes"`
}

// SnapshotStats aggregates the snapshot table.
type SnapshotStats struct {
	Count      int64 `json:"count"`
	TotalBytes int64 `json:"totalBytes"`
}
