package httpapi

import (
	"net/http"
	"strconv"

	"chargehub/internal/models"

	"github.com/go-chi/chi/v5"
)

func (s *Server) station(w http.ResponseWriter, r *http.Request) (*models.Station, bool) {
	code := chi.URLParam(r, "code")
	st, err := s.Store.GetStation(r.Context(), code)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	if st == nil {
		writeFailure(w, http.StatusNotFound, "not_found")
		return nil, false
	}
	return st, true
}

func (s *Server) GetStation(w http.ResponseWriter, r *http.Request) {
	st, ok := s.station(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "station": st})
}

func (s *Server) ListConnectors(w http.ResponseWriter, r *http.Request) {
	st, ok := s.station(w, r)
	if !ok {
		return
	}
	items, err := s.Store.ListConnectors(r.Context(), st.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []models.Connector{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "connectors": items})
}

func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	st, ok := s.station(w, r)
	if !ok {
		return
	}
	items, err := s.Store.ListSessions(r.Context(), st.ID, queryLimit(r, 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []models.ChargingSession{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessions": items})
}

func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sessionId"), 10, 64)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid_session_id")
		return
	}
	sess, err := s.Store.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sess == nil {
		writeFailure(w, http.StatusNotFound, "not_found")
		return
	}
	samples, err := s.Store.ListMeterSamples(r.Context(), id, queryLimit(r, 200))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if samples == nil {
		samples = []models.MeterSample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session": sess, "meter_samples": samples})
}
