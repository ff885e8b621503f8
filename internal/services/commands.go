package services

import (
	"context"
	"encoding/json"
	"fmt"

	"chargehub/internal/apperr"
	"chargehub/internal/models"
	"chargehub/internal/normalize"
	"chargehub/internal/repo"

	"github.com/sirupsen/logrus"
)

// CommandQueue is the per-station mailbox of remote commands:
// pending -> sent -> ack | error | cancelled.
type CommandQueue struct {
	Tx       repo.Transactor
	Notifier CommandNotifier
	Clock    Clock
	Log      logrus.FieldLogger
}

func NewCommandQueue(tx repo.Transactor, clock Clock, log logrus.FieldLogger) *CommandQueue {
	return &CommandQueue{Tx: tx, Clock: clock, Log: log.WithField("component", "commands")}
}

// Enqueue stores a pending command for an existing station.
func (q *CommandQueue) Enqueue(ctx context.Context, body map[string]any) (map[string]any, error) {
	f, err := normalize.Normalize(normalize.CommandEnqueue, body)
	if err != nil {
		return nil, err
	}
	var payload json.RawMessage
	if f.Has("payload") {
		if payload, err = json.Marshal(f.Object("payload")); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	code := f.String("station_code")
	var cmd models.RemoteCommand
	err = q.Tx.InTx(ctx, func(tx repo.Store) error {
		stationID, connectorID, err := ResolveExisting(ctx, tx, code, f.OptInt("connector"))
		if err != nil {
			return err
		}
		cmd = models.RemoteCommand{
			StationID:   stationID,
			ConnectorID: connectorID,
			Command:     f.String("command"),
			Payload:     payload,
			Status:      models.CommandPending,
		}
		cmd.ID, err = tx.InsertCommand(ctx, cmd)
		return err
	})
	if err != nil {
		return nil, err
	}

	q.Log.WithFields(logrus.Fields{"station_code": code, "command_id": cmd.ID, "command": cmd.Command}).Info("command queued")
	if q.Notifier != nil {
		if err := q.Notifier.CommandQueued(ctx, code, cmd); err != nil {
			q.Log.WithError(err).WithField("command_id", cmd.ID).Warn("command notification failed")
		}
	}
	return map[string]any{"ok": true, "command_id": cmd.ID}, nil
}

// Poll hands out the oldest pending command and marks it sent in the same statement.
func (q *CommandQueue) Poll(ctx context.Context, body map[string]any) (map[string]any, error) {
	f, err := normalize.Normalize(normalize.CommandPoll, body)
	if err != nil {
		return nil, err
	}

	var cmd *models.RemoteCommand
	err = q.Tx.InTx(ctx, func(tx repo.Store) error {
		stationID, connectorID, err := ResolveExisting(ctx, tx, f.String("station_code"), f.OptInt("connector"))
		if err != nil {
			return err
		}
		cmd, err = tx.ClaimNextCommand(ctx, stationID, connectorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return map[string]any{"ok": true, "command": nil}, nil
	}

	q.Log.WithFields(logrus.Fields{"station_code": f.String("station_code"), "command_id": cmd.ID}).Info("command sent")
	payload := cmd.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return map[string]any{
		"ok": true,
		"command": map[string]any{
			"id":           cmd.ID,
			"command":      cmd.Command,
			"action":       normalize.ActionName(cmd.Command),
			"payload":      payload,
			"station_id":   cmd.StationID,
			"connector_id": cmd.ConnectorID,
		},
	}, nil
}

// Ack records the station's terminal answer. Any current state may be
// overwritten. A detail object is kept as a RemoteCommandAck event.
// A non-empty station restricts the ack to that station's commands.
func (q *CommandQueue) Ack(ctx context.Context, body map[string]any, station string) (map[string]any, error) {
	f, err := normalize.Normalize(normalize.CommandAck, body)
	if err != nil {
		return nil, err
	}
	id := int64(f.Int("id"))
	status := models.CommandStatus(f.String("status"))

	err = q.Tx.InTx(ctx, func(tx repo.Store) error {
		cmd, err := tx.SetCommandStatus(ctx, id, status)
		if err != nil {
			return err
		}
		if cmd == nil {
			return apperr.NewNotFound("command", fmt.Sprint(id))
		}
		if station != "" {
			owner, found, err := tx.FindStationID(ctx, station)
			if err != nil {
				return err
			}
			if !found || owner != cmd.StationID {
				q.Log.WithFields(logrus.Fields{"command_id": id, "station_code": station}).Warn("ack for another station's command refused")
				return apperr.NewForbidden("command", fmt.Sprint(id))
			}
		}
		if !f.Has("detail") {
			return nil
		}
		detail, err := json.Marshal(map[string]any{"command_id": id, "detail": f.Object("detail")})
		if err != nil {
			return err
		}
		level := "info"
		if status != models.CommandAck {
			level = "error"
		}
		_, err = tx.InsertOcppEvent(ctx, models.OcppEvent{
			StationID:   &cmd.StationID,
			ConnectorID: cmd.ConnectorID,
			Name:        "RemoteCommandAck",
			Level:       level,
			Detail:      detail,
			EventTime:   q.Clock.now(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	q.Log.WithFields(logrus.Fields{"command_id": id, "status": status}).Info("command acknowledged")
	return map[string]any{"ok": true, "command_id": id, "status": string(status)}, nil
}
