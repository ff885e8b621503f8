package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chargehub/internal/models"
	"chargehub/internal/normalize"
	"chargehub/internal/repo"

	"github.com/sirupsen/logrus"
)

// ErrUnknownEvent is returned for an event type with no handler.
var ErrUnknownEvent = errors.New("unknown event type")

type EventsProcessor struct {
	Tx         repo.Transactor
	Reconciler *Reconciler
	Guard      *Guard
	Cards      CredentialValidator
	Sink       EventSink
	Telemetry  TelemetryWriter
	Clock      Clock
	Log        logrus.FieldLogger
}

func NewEventsProcessor(tx repo.Transactor, clock Clock, log logrus.FieldLogger) *EventsProcessor {
	log = log.WithField("component", "events")
	return &EventsProcessor{
		Tx:         tx,
		Reconciler: &Reconciler{Clock: clock, Log: log},
		Guard:      &Guard{Log: log},
		Cards:      AllowAll{},
		Clock:      clock,
		Log:        log,
	}
}

// outcome is what a handler produced inside the transaction.
type outcome struct {
	response  map[string]any
	relatedID *int64
	logID     int64
	connector int
	samples   []models.MeterSample
}

type handlerFunc func(ctx context.Context, tx repo.Store, f normalize.Fields, raw json.RawMessage) (*outcome, error)

type route struct {
	schema normalize.Schema
	handle handlerFunc
	keyed  bool
}

func (p *EventsProcessor) route(eventType string) (route, bool) {
	switch eventType {
	case normalize.EventBootNotification:
		return route{normalize.BootNotification, p.bootNotification, true}, true
	case normalize.EventAuthorize:
		return route{normalize.Authorize, p.authorize, false}, true
	case normalize.EventStartTransaction:
		return route{normalize.StartTransaction, p.startTransaction, true}, true
	case normalize.EventMeterValues:
		return route{normalize.MeterValues, p.meterValues, true}, true
	case normalize.EventStopTransaction:
		return route{normalize.StopTransaction, p.stopTransaction, true}, true
	case normalize.EventStatusNotification:
		return route{normalize.StatusNotification, p.statusNotification, true}, true
	case normalize.EventHeartbeat:
		return route{normalize.Heartbeat, p.heartbeat, true}, true
	}
	return route{}, false
}

// Handle runs one device event through normalize, identity, idempotency,
// the type handler and the audit log, all in a single transaction. Sinks run
// only after commit.
func (p *EventsProcessor) Handle(ctx context.Context, eventType string, body map[string]any, key *string) (map[string]any, error) {
	rt, ok := p.route(eventType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, eventType)
	}
	f, err := normalize.Normalize(rt.schema, body)
	if err != nil {
		return nil, err
	}
	if !rt.keyed {
		key = nil
	}

	log := p.Log.WithFields(logrus.Fields{"type": eventType, "station_code": f.String("station_code")})
	if p.Guard.SeenCached(ctx, eventType, key) {
		log.WithField("idempotency_key", *key).Info("idempotent hit")
		return idempotentResponse(), nil
	}

	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	receivedAt := p.Clock.now()

	var out *outcome
	idempotent := false
	err = p.Tx.InTx(ctx, func(tx repo.Store) error {
		seen, err := p.Guard.Seen(ctx, tx, eventType, key)
		if err != nil {
			return err
		}
		if seen {
			idempotent = true
			return nil
		}

		o, err := rt.handle(ctx, tx, f, raw)
		if err != nil {
			return err
		}
		logID, err := Record(ctx, tx, eventType, f, o.response, o.relatedID, key, receivedAt)
		if err != nil {
			return err
		}
		o.logID = logID
		o.response["log_id"] = logID
		out = o
		return nil
	})
	if errors.Is(err, ErrDuplicateDelivery) {
		idempotent, err = true, nil
	}
	if err != nil {
		return nil, err
	}

	p.Guard.Remember(ctx, eventType, key)
	if idempotent {
		log.WithField("idempotency_key", *key).Info("idempotent hit")
		return idempotentResponse(), nil
	}

	log.WithField("log_id", out.logID).Info("event processed")
	p.afterCommit(ctx, eventType, f.String("station_code"), raw, out, receivedAt)
	return out.response, nil
}

func (p *EventsProcessor) afterCommit(ctx context.Context, eventType, stationCode string, raw json.RawMessage, out *outcome, at time.Time) {
	if p.Telemetry != nil && len(out.samples) > 0 {
		if err := p.Telemetry.WriteSamples(ctx, stationCode, out.connector, out.samples); err != nil {
			p.Log.WithError(err).WithField("station_code", stationCode).Warn("telemetry write failed")
		}
	}
	if p.Sink == nil {
		return
	}
	ev := Event{
		Type:        eventType,
		StationCode: stationCode,
		LogID:       out.logID,
		Payload:     raw,
		Response:    out.response,
		At:          at,
	}
	if err := p.Sink.Publish(ctx, ev); err != nil {
		p.Log.WithError(err).WithFields(logrus.Fields{"type": eventType, "log_id": out.logID}).Warn("event publish failed")
	}
}

func (p *EventsProcessor) bootNotification(ctx context.Context, tx repo.Store, f normalize.Fields, _ json.RawMessage) (*outcome, error) {
	at := p.Clock.EventTime(f.Time("timestamp"))
	stationID, err := ResolveStation(ctx, tx, f.String("station_code"))
	if err != nil {
		return nil, err
	}
	info := models.DeviceInfo{
		Vendor:   f.OptString("vendor"),
		Model:    f.OptString("model"),
		Firmware: f.OptString("firmware"),
	}
	if err := tx.ApplyBoot(ctx, stationID, info, at); err != nil {
		return nil, fmt.Errorf("apply boot: %w", err)
	}
	return &outcome{
		response:  map[string]any{"ok": true, "station_id": stationID},
		relatedID: &stationID,
	}, nil
}

func (p *EventsProcessor) authorize(ctx context.Context, tx repo.Store, f normalize.Fields, _ json.RawMessage) (*outcome, error) {
	stationID, err := ResolveStation(ctx, tx, f.String("station_code"))
	if err != nil {
		return nil, err
	}
	status, err := p.Cards.Validate(ctx, f.String("idTag"))
	if err != nil {
		return nil, fmt.Errorf("validate card: %w", err)
	}
	p.Log.WithFields(logrus.Fields{"station_code": f.String("station_code"), "card_status": status}).Debug("authorize decision")
	return &outcome{
		response:  map[string]any{"ok": status != CardRejected, "card_status": string(status)},
		relatedID: &stationID,
	}, nil
}

func (p *EventsProcessor) startTransaction(ctx context.Context, tx repo.Store, f normalize.Fields, raw json.RawMessage) (*outcome, error) {
	stationID, connectorID, err := Resolve(ctx, tx, f.String("station_code"), f.Int("connector"))
	if err != nil {
		return nil, err
	}
	sessionID, err := p.Reconciler.Start(ctx, tx, StartInput{
		StationID:     stationID,
		ConnectorID:   connectorID,
		TransactionID: f.String("transactionId"),
		IdTag:         f.OptString("idTag"),
		MeterStart:    f.OptFloat("meterStart"),
		At:            p.Clock.EventTime(f.Time("timestamp")),
		Raw:           raw,
	})
	if err != nil {
		return nil, err
	}
	return &outcome{
		response:  map[string]any{"ok": true, "session_id": sessionID},
		relatedID: &sessionID,
	}, nil
}

func (p *EventsProcessor) meterValues(ctx context.Context, tx repo.Store, f normalize.Fields, _ json.RawMessage) (*outcome, error) {
	stationID, connectorID, err := Resolve(ctx, tx, f.String("station_code"), f.Int("connector"))
	if err != nil {
		return nil, err
	}
	sessionID, samples, err := p.Reconciler.Meter(ctx, tx, MeterInput{
		StationID:   stationID,
		ConnectorID: connectorID,
		Batch:       f.Array("meterValue"),
		At:          p.Clock.now(),
	})
	if err != nil {
		return nil, err
	}
	return &outcome{
		response:  map[string]any{"ok": true, "session_id": sessionID},
		relatedID: &sessionID,
		connector: f.Int("connector"),
		samples:   samples,
	}, nil
}

func (p *EventsProcessor) stopTransaction(ctx context.Context, tx repo.Store, f normalize.Fields, raw json.RawMessage) (*outcome, error) {
	stationID, connectorID, err := Resolve(ctx, tx, f.String("station_code"), f.Int("connector"))
	if err != nil {
		return nil, err
	}
	sessionID, err := p.Reconciler.Stop(ctx, tx, StopInput{
		StationID:      stationID,
		ConnectorID:    connectorID,
		TransactionID:  f.String("transactionId"),
		Reason:         f.OptString("reason"),
		MeterStop:      f.OptFloat("meterStop"),
		TotalEnergyKWh: f.OptFloat("total_kwh"),
		TotalCost:      f.OptFloat("total_cost"),
		At:             p.Clock.EventTime(f.Time("timestamp")),
		Raw:            raw,
	})
	if err != nil {
		return nil, err
	}
	resp := map[string]any{"ok": true, "session_id": nil}
	if sessionID != nil {
		resp["session_id"] = *sessionID
	}
	return &outcome{response: resp, relatedID: sessionID}, nil
}

func (p *EventsProcessor) statusNotification(ctx context.Context, tx repo.Store, f normalize.Fields, _ json.RawMessage) (*outcome, error) {
	stationID, connectorID, err := Resolve(ctx, tx, f.String("station_code"), f.Int("connector"))
	if err != nil {
		return nil, err
	}
	at := p.Clock.EventTime(f.Time("timestamp"))

	var status *models.Status
	if st, ok := models.ParseStatus(f.String("status")); ok {
		status = &st
	} else {
		p.Log.WithFields(logrus.Fields{
			"station_code": f.String("station_code"),
			"status":       f.String("status"),
		}).Debug("ignoring unknown status")
	}

	if err := tx.TouchStation(ctx, stationID, status, at); err != nil {
		return nil, fmt.Errorf("touch station: %w", err)
	}
	if status != nil {
		if err := tx.UpdateConnectorStatus(ctx, connectorID, *status, at); err != nil {
			return nil, fmt.Errorf("update connector status: %w", err)
		}
	}
	return &outcome{
		response:  map[string]any{"ok": true, "station_id": stationID, "connector_id": connectorID},
		relatedID: &connectorID,
	}, nil
}

func (p *EventsProcessor) heartbeat(ctx context.Context, tx repo.Store, f normalize.Fields, _ json.RawMessage) (*outcome, error) {
	stationID, err := ResolveStation(ctx, tx, f.String("station_code"))
	if err != nil {
		return nil, err
	}
	if err := tx.TouchStation(ctx, stationID, nil, p.Clock.EventTime(f.Time("timestamp"))); err != nil {
		return nil, fmt.Errorf("touch station: %w", err)
	}
	return &outcome{
		response:  map[string]any{"ok": true},
		relatedID: &stationID,
	}, nil
}
