package httpapi

import (
	"net/http"
	"strconv"

	"chargehub/internal/config"
	"chargehub/internal/normalize"
	"chargehub/internal/repo"
	"chargehub/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

type Server struct {
	Cfg       config.Config
	Store     repo.Store
	Processor *services.EventsProcessor
	Commands  *services.CommandQueue
	Log       logrus.FieldLogger
}

func NewServer(cfg config.Config, store repo.Store, processor *services.EventsProcessor, commands *services.CommandQueue, log logrus.FieldLogger) *Server {
	return &Server{
		Cfg:       cfg,
		Store:     store,
		Processor: processor,
		Commands:  commands,
		Log:       log.WithField("component", "http"),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/ocpp", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(WithIdempotencyKey)

		r.Post("/boot-notification", s.event(normalize.EventBootNotification))
		r.Post("/authorize", s.event(normalize.EventAuthorize))
		r.Post("/start-transaction", s.event(normalize.EventStartTransaction))
		r.Post("/meter-values", s.event(normalize.EventMeterValues))
		r.Post("/stop-transaction", s.event(normalize.EventStopTransaction))
		r.Post("/status-notification", s.event(normalize.EventStatusNotification))
		r.Post("/heartbeat", s.event(normalize.EventHeartbeat))

		r.Post("/commands", s.EnqueueCommand)
		r.Get("/commands/poll", s.PollCommand)
		r.Post("/commands/ack", s.AckCommand)
	})

	r.Get("/v1/stations/{code}", s.GetStation)
	r.Get("/v1/stations/{code}/connectors", s.ListConnectors)
	r.Get("/v1/stations/{code}/sessions", s.ListSessions)
	r.Get("/v1/sessions/{sessionId}", s.GetSession)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}

// event serves one device webhook.
func (s *Server) event(eventType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readObject(r)
		if err != nil {
			writeFailure(w, http.StatusBadRequest, "invalid_json")
			return
		}
		if !sameStation(r, normalize.StationCode(body)) {
			writeFailure(w, http.StatusForbidden, "station_mismatch")
			return
		}
		resp, err := s.Processor.Handle(r.Context(), eventType, body, IdempotencyKey(r.Context()))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
