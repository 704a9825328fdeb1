// Package doc owns the replicated document layout and its lossless
// conversion to and from the compact interchange format. A document has
// three root containers: "notes" (note id -> note map), "connections"
// (derived id -> connection map) and "meta" (scalar map).
package doc

import (
	"time"

	"github.com/automerge/automerge-go"
	"github.com/pkg/errors"
)

const (
	notesKey       = "notes"
	connectionsKey = "connections"
	metaKey        = "meta"

	// DefaultCanvasType and friends seed the meta container of a fresh
	// document. Meta always carries version, created, modified, zoomLevel,
	// canvasType and mapName once initialized.
	DefaultCanvasType = "mindmap"
	DefaultMapName    = "Untitled Map"
	DefaultZoomLevel  = 1.0
	metaVersion       = 1
)

// New builds an empty document with its three root containers and default
// metadata in place.
func New(mapName string) (*automerge.Doc, error) {
	d := automerge.New()
	if mapName == "" {
		mapName = DefaultMapName
	}
	if err := d.Path(notesKey).Set(map[string]interface{}{}); err != nil {
		return nil, errors.Wrap(err, "failed to init notes")
	}
	if err := d.Path(connectionsKey).Set(map[string]interface{}{}); err != nil {
		return nil, errors.Wrap(err, "failed to init connections")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	meta := map[string]interface{}{
		"version":    metaVersion,
		"created":    now,
		"modified":   now,
		"zoomLevel":  DefaultZoomLevel,
		"canvasType": DefaultCanvasType,
		"mapName":    mapName,
	}
	for k, v := range meta {
		if err := d.Path(metaKey, k).Set(v); err != nil {
			return nil, errors.Wrapf(err, "failed to init meta key %q", k)
		}
	}
	if _, err := d.Commit("init", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, errors.Wrap(err, "failed to commit init")
	}
	return d, nil
}

// Load reconstructs a document from a stored snapshot.
func Load(state []byte) (*automerge.Doc, error) {
	d, err := automerge.Load(state)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load document state")
	}
	return d, nil
}

// StampModified rewrites meta.modified with the current time.
func StampModified(d *automerge.Doc) error {
	return d.Path(metaKey, "modified").Set(time.Now().UTC().Format(time.RFC3339))
}
