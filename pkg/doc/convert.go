package doc

import (
	"log/slog"
	"unicode/utf8"

	"github.com/automerge/automerge-go"
	"github.com/pkg/errors"

	"github.com/mindmesh/mindmesh/pkg/faults"
	"github.com/mindmesh/mindmesh/pkg/model"
)

// ToDocument applies the interchange payload to the document. Unless merge is
// requested the existing notes and connections are cleared first. Individual
// notes and connections failing validation are skipped and logged, never
// fatal. The whole application is committed as one "import" change so
// downstream consumers can tell bulk seeds from interactive edits.
//
// Hard totals are enforced after mutation, matching the original behavior:
// an oversized import is rejected even though it has already been applied, so
// strict callers must validate payload size up front.
func ToDocument(data *model.MapJSON, d *automerge.Doc, merge bool) error {
	if !merge {
		if err := d.Path(notesKey).Set(map[string]interface{}{}); err != nil {
			return errors.Wrap(err, "failed to clear notes")
		}
		if err := d.Path(connectionsKey).Set(map[string]interface{}{}); err != nil {
			return errors.Wrap(err, "failed to clear connections")
		}
	}

	known, err := noteIDs(d)
	if err != nil {
		return err
	}

	for _, n := range data.Notes {
		if !validNote(n) {
			slog.Warn("skipping invalid note", "note", n.ID)
			continue
		}
		fields := map[string]interface{}{
			"id":       n.ID,
			"position": []interface{}{n.Position[0], n.Position[1]},
		}
		if n.Color != "" && n.Color != model.DefaultNoteColor {
			fields["color"] = n.Color
		}
		if err := d.Path(notesKey, n.ID).Set(fields); err != nil {
			return errors.Wrapf(err, "failed to set note %q", n.ID)
		}
		if err := d.Path(notesKey, n.ID, "content").Set(automerge.NewText(n.Content)); err != nil {
			return errors.Wrapf(err, "failed to set note content %q", n.ID)
		}
		known[n.ID] = struct{}{}
	}

	for _, c := range data.Connections {
		if c.From == "" || c.To == "" || c.From == c.To {
			slog.Warn("skipping invalid connection", "from", c.From, "to", c.To)
			continue
		}
		if _, ok := known[c.From]; !ok {
			slog.Warn("skipping connection with missing endpoint", "from", c.From, "to", c.To)
			continue
		}
		if _, ok := known[c.To]; !ok {
			slog.Warn("skipping connection with missing endpoint", "from", c.From, "to", c.To)
			continue
		}
		typ := c.Type
		if typ == "" {
			typ = model.DefaultConnectionType
		}
		if err := d.Path(connectionsKey, c.ID()).Set(map[string]interface{}{
			"from": c.From,
			"to":   c.To,
			"type": typ,
		}); err != nil {
			return errors.Wrapf(err, "failed to set connection %q", c.ID())
		}
	}

	for k, v := range data.Meta {
		if err := d.Path(metaKey, k).Set(v); err != nil {
			return errors.Wrapf(err, "failed to set meta key %q", k)
		}
	}
	if err := StampModified(d); err != nil {
		return errors.Wrap(err, "failed to stamp modified")
	}
	if _, err := d.Commit("import", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return errors.Wrap(err, "failed to commit import")
	}

	noteCount, connCount, err := counts(d)
	if err != nil {
		return err
	}
	if noteCount > model.MaxNotes {
		return faults.ResourceLimit("document has %d notes, limit is %d", noteCount, model.MaxNotes)
	}
	if connCount > model.MaxConnections {
		return faults.ResourceLimit("document has %d connections, limit is %d", connCount, model.MaxConnections)
	}
	return nil
}

// FromDocument exports the document into the interchange format. Pure: no
// side effects, safe to call repeatedly.
func FromDocument(d *automerge.Doc) (*model.MapJSON, error) {
	out := &model.MapJSON{
		Notes:       make([]model.Note, 0),
		Connections: make([]model.Connection, 0),
		Meta:        make(map[string]interface{}),
	}

	notes := d.Path(notesKey).Map()
	keys, err := notes.Keys()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list note ids")
	}
	for _, id := range keys {
		v, err := notes.Get(id)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get note %q", id)
		}
		if v.Kind() != automerge.KindMap {
			continue
		}
		nm := v.Map()
		n := model.Note{ID: id}
		if n.Content, err = stringField(nm, "content"); err != nil {
			return nil, errors.Wrapf(err, "failed to read content of note %q", id)
		}
		if n.Position, err = positionField(nm); err != nil {
			return nil, errors.Wrapf(err, "failed to read position of note %q", id)
		}
		color, err := stringField(nm, "color")
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read color of note %q", id)
		}
		if color != "" && color != model.DefaultNoteColor {
			n.Color = color
		}
		out.Notes = append(out.Notes, n)
	}

	conns := d.Path(connectionsKey).Map()
	keys, err = conns.Keys()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list connection ids")
	}
	for _, id := range keys {
		v, err := conns.Get(id)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get connection %q", id)
		}
		if v.Kind() != automerge.KindMap {
			continue
		}
		cm := v.Map()
		c := model.Connection{}
		if c.From, err = stringField(cm, "from"); err != nil {
			return nil, errors.Wrapf(err, "failed to read connection %q", id)
		}
		if c.To, err = stringField(cm, "to"); err != nil {
			return nil, errors.Wrapf(err, "failed to read connection %q", id)
		}
		typ, err := stringField(cm, "type")
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read connection %q", id)
		}
		if typ != "" && typ != model.DefaultConnectionType {
			c.Type = typ
		}
		out.Connections = append(out.Connections, c)
	}

	meta := d.Path(metaKey).Map()
	keys, err = meta.Keys()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list meta keys")
	}
	for _, k := range keys {
		v, err := meta.Get(k)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to get meta key %q", k)
		}
		if v.Kind() == automerge.KindVoid {
			continue
		}
		out.Meta[k] = v.Interface()
	}
	return out, nil
}

func validNote(n model.Note) bool {
	if n.ID == "" {
		return false
	}
	if len(n.Position) != 2 {
		return false
	}
	if utf8.RuneCountInString(n.Content) > model.MaxNoteContentLen {
		return false
	}
	return true
}

func noteIDs(d *automerge.Doc) (map[string]struct{}, error) {
	keys, err := d.Path(notesKey).Map().Keys()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list note ids")
	}
	ids := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		ids[k] = struct{}{}
	}
	return ids, nil
}

func counts(d *automerge.Doc) (int, int, error) {
	notes, err := d.Path(notesKey).Map().Keys()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to count notes")
	}
	conns, err := d.Path(connectionsKey).Map().Keys()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to count connections")
	}
	return len(notes), len(conns), nil
}

func stringField(m *automerge.Map, key string) (string, error) {
	v, err := m.Get(key)
	if err != nil {
		return "", err
	}
	if v.Kind() == automerge.KindVoid {
		return "", nil
	}
	return automerge.As[string](v, nil)
}

func positionField(m *automerge.Map) ([]float64, error) {
	v, err := m.Get("position")
	if err != nil {
		return nil, err
	}
	if v.Kind() == automerge.KindVoid {
		return nil, nil
	}
	return automerge.As[[]float64](v, nil)
}
