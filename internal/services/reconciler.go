package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chargehub/internal/metering"
	"chargehub/internal/models"
	"chargehub/internal/repo"

	"github.com/sirupsen/logrus"
)

// Reconciler drives the charging-session state machine. Only ongoing ->
// stopped happens here; failed is reserved for external tooling.
type Reconciler struct {
	Clock Clock
	Log   logrus.FieldLogger
}

type StartInput struct {
	StationID     int64
	ConnectorID   int64
	TransactionID string
	IdTag         *string
	MeterStart    *float64
	At            time.Time
	Raw           json.RawMessage
}

// Start always opens a new ongoing session, even if one is already ongoing
// on the connector.
func (r *Reconciler) Start(ctx context.Context, tx repo.Store, in StartInput) (int64, error) {
	prev, found, err := tx.LatestSessionID(ctx, in.StationID, in.ConnectorID, models.SessionOngoing)
	if err != nil {
		return 0, err
	}
	if found {
		r.Log.WithFields(logrus.Fields{
			"station_id":      in.StationID,
			"connector_id":    in.ConnectorID,
			"ongoing_session": prev,
			"transaction_id":  in.TransactionID,
		}).Warn("start-transaction while another session is ongoing")
	}

	sessionID, err := tx.CreateSession(ctx, models.ChargingSession{
		StationID:   in.StationID,
		ConnectorID: in.ConnectorID,
		Status:      models.SessionOngoing,
		StartMethod: models.MethodWebhook,
		CreatedAt:   in.At,
	})
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}

	raw, kwh := meterReading(in.MeterStart)
	if _, err := tx.InsertStartRecord(ctx, models.StartRecord{
		SessionID:     sessionID,
		StationID:     in.StationID,
		ConnectorID:   in.ConnectorID,
		IdTag:         in.IdTag,
		MeterStart:    raw,
		MeterStartKWh: kwh,
		Timestamp:     in.At,
		Raw:           in.Raw,
	}); err != nil {
		return 0, fmt.Errorf("insert start record: %w", err)
	}
	return sessionID, nil
}

type MeterInput struct {
	StationID   int64
	ConnectorID int64
	Batch       []any
	At          time.Time
}

// Meter attaches a batch to the latest ongoing session, else the latest
// session of any status, else a new webhook-auto session. One sample row is
// written per batch element.
func (r *Reconciler) Meter(ctx context.Context, tx repo.Store, in MeterInput) (int64, []models.MeterSample, error) {
	sessionID, err := r.sessionForTelemetry(ctx, tx, in)
	if err != nil {
		return 0, nil, err
	}

	readings := metering.ParseBatch(in.Batch)
	samples := make([]models.MeterSample, 0, len(readings))
	for _, rd := range readings {
		m := models.MeterSample{
			StationID:   in.StationID,
			ConnectorID: in.ConnectorID,
			SessionID:   sessionID,
			EventTime:   in.At,
			RawJSON:     rd.Raw,
			EnergyKWh:   rd.EnergyKWh,
			PowerKW:     rd.PowerKW,
			Voltage:     rd.Voltage,
			Current:     rd.Current,
		}
		if rd.HasTimestamp {
			m.EventTime = r.Clock.EventTime(rd.Timestamp, true)
		}
		id, err := tx.InsertMeterSample(ctx, m)
		if err != nil {
			return 0, nil, fmt.Errorf("insert meter sample: %w", err)
		}
		m.ID = id
		samples = append(samples, m)
	}
	return sessionID, samples, nil
}

func (r *Reconciler) sessionForTelemetry(ctx context.Context, tx repo.Store, in MeterInput) (int64, error) {
	if id, ok, err := tx.LatestSessionID(ctx, in.StationID, in.ConnectorID, models.SessionOngoing); err != nil || ok {
		return id, err
	}
	if id, ok, err := tx.LatestSessionID(ctx, in.StationID, in.ConnectorID, ""); err != nil || ok {
		return id, err
	}
	id, err := tx.CreateSession(ctx, models.ChargingSession{
		StationID:   in.StationID,
		ConnectorID: in.ConnectorID,
		Status:      models.SessionOngoing,
		StartMethod: models.MethodWebhookAuto,
		CreatedAt:   in.At,
	})
	if err != nil {
		return 0, fmt.Errorf("auto-create session: %w", err)
	}
	r.Log.WithFields(logrus.Fields{
		"station_id":   in.StationID,
		"connector_id": in.ConnectorID,
		"session_id":   id,
	}).Info("meter-values without session, opened webhook-auto session")
	return id, nil
}

type StopInput struct {
	StationID      int64
	ConnectorID    int64
	TransactionID  string
	Reason         *string
	MeterStop      *float64
	TotalEnergyKWh *float64
	TotalCost      *float64
	At             time.Time
	Raw            json.RawMessage
}

// Stop attaches to the latest session on the connector regardless of status.
// With no session at all the stop record is kept with a null session and the
// returned id is nil.
func (r *Reconciler) Stop(ctx context.Context, tx repo.Store, in StopInput) (*int64, error) {
	var sessionID *int64
	id, found, err := tx.LatestSessionID(ctx, in.StationID, in.ConnectorID, "")
	if err != nil {
		return nil, err
	}
	if found {
		sessionID = &id
	} else {
		r.Log.WithFields(logrus.Fields{
			"station_id":     in.StationID,
			"connector_id":   in.ConnectorID,
			"transaction_id": in.TransactionID,
		}).Warn("stop-transaction without any session, storing orphan stop record")
	}

	raw, kwh := meterReading(in.MeterStop)
	if _, err := tx.InsertStopRecord(ctx, models.StopRecord{
		SessionID:      sessionID,
		StationID:      in.StationID,
		ConnectorID:    in.ConnectorID,
		EventTime:      in.At,
		Reason:         in.Reason,
		MeterStop:      raw,
		MeterStopKWh:   kwh,
		TotalEnergyKWh: in.TotalEnergyKWh,
		TotalCost:      in.TotalCost,
		Raw:            in.Raw,
	}); err != nil {
		return nil, fmt.Errorf("insert stop record: %w", err)
	}

	if sessionID != nil {
		if err := tx.StopSession(ctx, *sessionID, models.MethodWebhook, in.At); err != nil {
			return nil, fmt.Errorf("stop session: %w", err)
		}
	}
	return sessionID, nil
}

// meterReading keeps the raw watt-hour register and its kWh value.
func meterReading(wh *float64) (*int64, *float64) {
	if wh == nil {
		return nil, nil
	}
	raw := int64(*wh)
	kwh := metering.WhToKWh(*wh)
	return &raw, &kwh
}
