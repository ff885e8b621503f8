package services

import (
	"context"
	"encoding/json"
	"time"

	"chargehub/internal/models"
)

// Event is what downstream consumers see once an event has committed.
type Event struct {
	Type        string          `json:"type"`
	StationCode string          `json:"station_code"`
	LogID       int64           `json:"log_id"`
	Payload     json.RawMessage `json:"payload"`
	Response    map[string]any  `json:"response"`
	At          time.Time       `json:"at"`
}

// EventSink publishes committed events. Failures never affect the request.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// TelemetryWriter receives stored meter samples after commit.
type TelemetryWriter interface {
	WriteSamples(ctx context.Context, stationCode string, connector int, samples []models.MeterSample) error
}

// CommandNotifier tells a station that a command is waiting to be polled.
type CommandNotifier interface {
	CommandQueued(ctx context.Context, stationCode string, cmd models.RemoteCommand) error
}
