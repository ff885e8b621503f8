package httpapi

import (
	"net/http"

	"chargehub/internal/normalize"
)

// POST /api/ocpp/commands
func (s *Server) EnqueueCommand(w http.ResponseWriter, r *http.Request) {
	body, err := readObject(r)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if !sameStation(r, normalize.StationCode(body)) {
		writeFailure(w, http.StatusForbidden, "station_mismatch")
		return
	}
	resp, err := s.Commands.Enqueue(r.Context(), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/ocpp/commands/poll?station_code=...&connector=...
func (s *Server) PollCommand(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	body := map[string]any{}
	for _, k := range []string{"station_code", "stationCode", "connector", "connectorId"} {
		if v := q.Get(k); v != "" {
			body[k] = v
		}
	}
	if !sameStation(r, normalize.StationCode(body)) {
		writeFailure(w, http.StatusForbidden, "station_mismatch")
		return
	}
	resp, err := s.Commands.Poll(r.Context(), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /api/ocpp/commands/ack
func (s *Server) AckCommand(w http.ResponseWriter, r *http.Request) {
	body, err := readObject(r)
	if err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid_json")
		return
	}
	resp, err := s.Commands.Ack(r.Context(), body, AuthenticatedStation(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
