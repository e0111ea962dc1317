package authority

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/transport/wsconn"
)

// Handler serves the sync protocol over websocket plus a small REST view
// of the authoritative entities:
//
//	GET    /v1/sync                          websocket sync endpoint
//	GET    /v1/entities/{collection}         live entities, ordered by id
//	GET    /v1/entities/{collection}/{id}    one entity (tombstones included)
//	PUT    /v1/entities/{collection}/{id}    server-side write, pushed to clients
//	DELETE /v1/entities/{collection}/{id}    server-side delete, pushed to clients
//	GET    /healthz
func (s *Server) Handler() http.Handler {
	upgrader := wsconn.NewUpgrader()

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, w, req)
			s.logger.Info("handled", "method", req.Method, "url", req.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/v1/sync").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req)
		if err != nil {
			s.logger.Error("failed to upgrade", "error", err)
			return
		}
		if err := s.Serve(req.Context(), conn); err != nil {
			s.logger.Error("sync connection ended", "error", err)
		}
	})
	r.Methods(http.MethodGet).Path("/v1/entities/{collection}").HandlerFunc(s.listEntities)
	r.Methods(http.MethodGet).Path("/v1/entities/{collection}/{id}").HandlerFunc(s.getEntity)
	r.Methods(http.MethodPut).Path("/v1/entities/{collection}/{id}").HandlerFunc(s.putEntity)
	r.Methods(http.MethodDelete).Path("/v1/entities/{collection}/{id}").HandlerFunc(s.deleteEntity)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": s.Version(), "peers": s.Peers()})
	})
	return r
}

func (s *Server) listEntities(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	s.writeJSON(w, http.StatusOK, s.Entities(vars["collection"]))
}

func (s *Server) getEntity(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	e, ok := s.Entity(vars["collection"], vars["id"])
	if !ok {
		s.writeError(w, http.StatusNotFound, errors.New("entity not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) putEntity(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	attrs, err := ir.ParseObject(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	e, err := s.Write(req.Context(), vars["collection"], vars["id"], attrs)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) deleteEntity(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	removed, err := s.Remove(req.Context(), vars["collection"], vars["id"])
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !removed {
		s.writeError(w, http.StatusNotFound, errors.New("entity not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write out", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
