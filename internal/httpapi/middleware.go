package httpapi

import (
	"context"
	"net/http"
	"strings"

	"chargehub/internal/config"
	"chargehub/internal/security"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

const (
	HeaderOCPPKey        = "X-OCPP-Key"
	HeaderStationCode    = "X-Station-Code"
	HeaderIdempotencyKey = "X-Idempotency-Key"
)

type ctxKey int

const (
	idempotencyKeyCtx ctxKey = iota
	stationCodeCtx
)

// IdempotencyKey returns the key forwarded from the request header, or nil.
func IdempotencyKey(ctx context.Context) *string {
	if v, ok := ctx.Value(idempotencyKeyCtx).(string); ok {
		return &v
	}
	return nil
}

// AuthenticatedStation is the station code proven by a per-station key, or "".
func AuthenticatedStation(ctx context.Context) string {
	v, _ := ctx.Value(stationCodeCtx).(string)
	return v
}

func WithIdempotencyKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)); key != "" {
			r = r.WithContext(context.WithValue(r.Context(), idempotencyKeyCtx, key))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSharedKey checks X-OCPP-Key against one deployment-wide key.
// An empty key disables the check.
func RequireSharedKey(key string, next http.Handler) http.Handler {
	if key == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !security.ConstantTimeEqual(r.Header.Get(HeaderOCPPKey), key) {
			writeFailure(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireStationKey checks X-OCPP-Key against the hash stored for the station
// named in X-Station-Code. Stations without a provisioned key are refused.
func (s *Server) requireStationKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := strings.TrimSpace(r.Header.Get(HeaderStationCode))
		if code == "" {
			writeFailure(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		hash, found, err := s.Store.StationAuthKeyHash(r.Context(), code)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !found || !security.VerifySecret(hash, r.Header.Get(HeaderOCPPKey)) {
			s.Log.WithFields(logrus.Fields{
				"station_code": code,
				"request_id":   middleware.GetReqID(r.Context()),
			}).Warn("station authentication failed")
			writeFailure(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), stationCodeCtx, code)))
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.Cfg.AuthMode == config.AuthStation {
		return s.requireStationKey(next)
	}
	return RequireSharedKey(s.Cfg.OCPPKey, next)
}

// sameStation refuses a request whose payload names a different station than
// the one that authenticated. Shared-key requests carry no station identity.
func sameStation(r *http.Request, code string) bool {
	authed := AuthenticatedStation(r.Context())
	return authed == "" || code == "" || authed == code
}
