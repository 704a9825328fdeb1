// Package api wires the REST surface and the websocket upgrade endpoint onto
// a mux router.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/mindmesh/mindmesh/pkg/bridge"
	"github.com/mindmesh/mindmesh/pkg/faults"
	"github.com/mindmesh/mindmesh/pkg/model"
	"github.com/mindmesh/mindmesh/pkg/store"
	"github.com/mindmesh/mindmesh/pkg/viz"
	"github.com/mindmesh/mindmesh/pkg/ws"
)

// Config selects the optional surfaces.
type Config struct {
	// WSNamespace is the first path segment of the upgrade endpoint.
	WSNamespace string
	// SyncEnabled exposes the websocket route; when false the service is a
	// plain record store.
	SyncEnabled bool
}

type Server struct {
	bridge    *bridge.Bridge
	snapshots *store.SnapshotStore
	hub       *ws.Hub
	validate  *validator.Validate
	cfg       Config
}

func NewServer(b *bridge.Bridge, snapshots *store.SnapshotStore, hub *ws.Hub, cfg Config) *Server {
	if cfg.WSNamespace == "" {
		cfg.WSNamespace = "sync"
	}
	return &Server{
		bridge:    b,
		snapshots: snapshots,
		hub:       hub,
		validate:  validator.New(),
		cfg:       cfg,
	}
}

// Router builds the route table. Paths not matching a route (including
// malformed upgrade paths) are rejected by mux before any upgrade happens.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/maps").HandlerFunc(s.listMaps)
	r.Methods(http.MethodPost).Path("/maps").HandlerFunc(s.createMap)
	r.Methods(http.MethodGet).Path("/maps/{id}").HandlerFunc(s.getMap)
	r.Methods(http.MethodPut).Path("/maps/{id}").HandlerFunc(s.putMap)
	r.Methods(http.MethodDelete).Path("/maps/{id}").HandlerFunc(s.deleteMap)
	r.Methods(http.MethodPost).Path("/maps/{id}/import").HandlerFunc(s.importMap)
	r.Methods(http.MethodGet).Path("/maps/{id}/render").HandlerFunc(s.renderMap)
	r.Methods(http.MethodGet).Path("/snapshots").HandlerFunc(s.listSnapshots)
	r.Methods(http.MethodGet).Path("/snapshots/{id}").HandlerFunc(s.snapshotInfo)
	r.Methods(http.MethodGet).Path("/stats").HandlerFunc(s.stats)

	if s.cfg.SyncEnabled && s.hub != nil {
		r.Methods(http.MethodGet).Path("/" + s.cfg.WSNamespace + "/{mapId}").HandlerFunc(s.hub.Serve)
	}
	return r
}

func (s *Server) listMaps(w http.ResponseWriter, r *http.Request) {
	recs, err := s.bridge.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"maps": recs})
}

type createMapRequest struct {
	Name string `json:"name" validate:"required,max=200"`
	// Data and State are interchangeable; State is the legacy field name.
	Data  *model.MapJSON `json:"data"`
	State *model.MapJSON `json:"state"`
}

func (s *Server) createMap(w http.ResponseWriter, r *http.Request) {
	var req createMapRequest
	if !s.decode(w, r, &req) {
		return
	}
	data := req.Data
	if data == nil {
		data = req.State
	}
	rec, err := s.bridge.Create(r.Context(), req.Name, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) getMap(w http.ResponseWriter, r *http.Request) {
	res, err := s.bridge.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", res.ETag)
	writeJSON(w, http.StatusOK, res)
}

type updateMapRequest struct {
	Data    *model.MapJSON `json:"data" validate:"required"`
	Version int            `json:"version" validate:"gte=1"`
}

func (s *Server) putMap(w http.ResponseWriter, r *http.Request) {
	var req updateMapRequest
	if !s.decode(w, r, &req) {
		return
	}
	version, err := s.bridge.Update(r.Context(), mux.Vars(r)["id"], req.Data, req.Version, r.Header.Get("If-Match"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"version": version})
}

func (s *Server) deleteMap(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) importMap(w http.ResponseWriter, r *http.Request) {
	var data model.MapJSON
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, faults.Validation("failed to decode import payload: %v", err))
		return
	}
	if data.Notes == nil && data.Connections == nil {
		writeError(w, faults.Validation("import payload carries neither notes nor connections"))
		return
	}
	createStatic := r.URL.Query().Get("static") != "false"
	if err := s.bridge.Import(r.Context(), mux.Vars(r)["id"], &data, createStatic); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"imported": true})
}

func (s *Server) renderMap(w http.ResponseWriter, r *http.Request) {
	res, err := s.bridge.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	var data model.MapJSON
	if err := json.Unmarshal(res.Data, &data); err != nil {
		writeError(w, err)
		return
	}
	svg, err := viz.RenderSVG(&data)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	if _, err := w.Write(svg); err != nil {
		slog.Error("failed to write render", "err", err)
	}
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	infos, err := s.snapshots.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": infos})
}

func (s *Server) snapshotInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.snapshots.Info(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.snapshots.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// decode unmarshals and validates a request body, writing the 400 itself
// when the payload is unusable.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, faults.Validation("failed to decode body: %v", err))
		return false
	}
	if err := s.validate.Struct(into); err != nil {
		writeError(w, faults.Validation("invalid body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch faults.KindOf(err) {
	case faults.KindValidation:
		status = http.StatusBadRequest
	case faults.KindNotFound:
		status = http.StatusNotFound
	case faults.KindConflict:
		status = http.StatusConflict
	case faults.KindResourceLimit:
		status = http.StatusRequestEntityTooLarge
	case faults.KindPersistence:
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
