package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"chargehub/internal/apperr"
	"chargehub/internal/services"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

func readAll(r *http.Request, limit int64) ([]byte, error) {
	body := http.MaxBytesReader(nil, r.Body, limit)
	defer body.Close()
	return io.ReadAll(body)
}

// readObject decodes a JSON object body, keeping numbers as json.Number so
// identifiers never pass through float64. An empty body is an empty object.
func readObject(r *http.Request) (map[string]any, error) {
	raw, err := readAll(r, maxBodyBytes)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeFailure(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": code})
}

// writeError maps the error taxonomy onto HTTP. Storage failures are logged
// here and never echoed to the caller.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *apperr.ValidationError
	var nf *apperr.NotFoundError
	var fb *apperr.ForbiddenError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"ok":     false,
			"error":  "validation_failed",
			"fields": ve.Fields,
		})
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, map[string]any{
			"ok":     false,
			"error":  "not_found",
			"entity": nf.Entity,
		})
	case errors.As(err, &fb):
		writeJSON(w, http.StatusForbidden, map[string]any{
			"ok":     false,
			"error":  "forbidden",
			"entity": fb.Entity,
		})
	case errors.Is(err, services.ErrUnknownEvent):
		writeFailure(w, http.StatusNotFound, "unknown_event")
	default:
		s.Log.WithError(err).WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).Error("request failed")
		writeFailure(w, http.StatusInternalServerError, "server_error")
	}
}
