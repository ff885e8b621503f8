package models

import (
	"encoding/json"
	"strings"
	"time"
)

type Status string

const (
	StatusAvailable     Status = "available"
	StatusCharging      Status = "charging"
	StatusFaulted       Status = "faulted"
	StatusPreparing     Status = "preparing"
	StatusSuspendedEV   Status = "suspended_ev"
	StatusSuspendedEVSE Status = "suspended_evse"
	StatusFinishing     Status = "finishing"
	StatusReserved      Status = "reserved"
	StatusUnavailable   Status = "unavailable"
)

var allowedStatuses = map[Status]struct{}{
	StatusAvailable: {}, StatusCharging: {}, StatusFaulted: {}, StatusPreparing: {},
	StatusSuspendedEV: {}, StatusSuspendedEVSE: {}, StatusFinishing: {}, StatusReserved: {},
	StatusUnavailable: {},
}

// ParseStatus lower-cases s and reports whether it is one of the allowed
// station/connector statuses.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	_, ok := allowedStatuses[st]
	return st, ok
}

const (
	ConnectivityOnline  = "online"
	ConnectivityOffline = "offline"
)

type SessionStatus string

const (
	SessionOngoing SessionStatus = "ongoing"
	SessionStopped SessionStatus = "stopped"
	SessionFailed  SessionStatus = "failed"
)

const (
	MethodWebhook     = "webhook"
	MethodWebhookAuto = "webhook-auto"
	MethodManual      = "manual"
	MethodAuto        = "auto"
)

type Station struct {
	ID                 int64      `json:"id"`
	Code               string     `json:"code"`
	Name               string     `json:"name"`
	Status             Status     `json:"status"`
	ConnectivityStatus string     `json:"connectivity_status"`
	LastHeartbeatAt    *time.Time `json:"last_heartbeat_at"`
	LastSeenAt         *time.Time `json:"last_seen_at"` // server receive time
	Vendor             *string    `json:"vendor"`
	Model              *string    `json:"model"`
	FirmwareVersion    *string    `json:"firmware_version"`
	AuthKeyHash        string     `json:"-"`
	ConnectorsCount    int        `json:"connectors_count"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// DeviceInfo carries boot-notification metadata; nil fields leave the stored value alone.
type DeviceInfo struct {
	Vendor   *string
	Model    *string
	Firmware *string
}

type Connector struct {
	ID              int64      `json:"id"`
	StationID       int64      `json:"station_id"`
	ConnectorNumber int        `json:"connector_number"`
	Status          Status     `json:"status"`
	PowerKW         *float64   `json:"power_kw"`
	LastStatusAt    *time.Time `json:"last_status_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type ChargingSession struct {
	ID             int64         `json:"id"`
	StationID      int64         `json:"station_id"`
	ConnectorID    int64         `json:"connector_id"`
	Status         SessionStatus `json:"status"`
	StartMethod    string        `json:"start_method"`
	EndMethod      *string       `json:"end_method"`
	TotalEnergyKWh *float64      `json:"total_energy_kwh"`
	EnergyCost     *float64      `json:"energy_cost"`
	TotalCost      *float64      `json:"total_cost"`
	EndedAt        *time.Time    `json:"ended_at"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type MeterSample struct {
	ID          int64           `json:"id"`
	StationID   int64           `json:"station_id"`
	ConnectorID int64           `json:"connector_id"`
	SessionID   int64           `json:"session_id"`
	EventTime   time.Time       `json:"event_time"`
	RawJSON     json.RawMessage `json:"meter_value"`
	EnergyKWh   *float64        `json:"energy_kwh"`
	PowerKW     *float64        `json:"power_kw"`
	Voltage     *float64        `json:"voltage"`
	Current     *float64        `json:"current"`
	CreatedAt   time.Time       `json:"created_at"`
}

type StartRecord struct {
	ID            int64
	SessionID     int64
	StationID     int64
	ConnectorID   int64
	IdTag         *string
	MeterStart    *int64
	MeterStartKWh *float64
	Timestamp     time.Time
	Raw           json.RawMessage
}

// StopRecord.SessionID is nil when the stop could not be attached to any session.
type StopRecord struct {
	ID             int64
	SessionID      *int64
	StationID      int64
	ConnectorID    int64
	EventTime      time.Time
	Reason         *string
	MeterStop      *int64
	MeterStopKWh   *float64
	TotalEnergyKWh *float64
	TotalCost      *float64
	Raw            json.RawMessage
}

type WebhookLog struct {
	ID             int64
	Type           string
	RelatedID      *int64
	IdempotencyKey *string
	Payload        json.RawMessage
	Response       json.RawMessage
	StatusCode     int
	ReceivedAt     time.Time
}

type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandSent      CommandStatus = "sent"
	CommandAck       CommandStatus = "ack"
	CommandError     CommandStatus = "error"
	CommandCancelled CommandStatus = "cancelled"
)

const (
	CommandRemoteStart = "remote-start"
	CommandRemoteStop  = "remote-stop"
)

type RemoteCommand struct {
	ID          int64           `json:"id"`
	StationID   int64           `json:"station_id"`
	ConnectorID *int64          `json:"connector_id"`
	Command     string          `json:"command"`
	Payload     json.RawMessage `json:"payload"`
	Status      CommandStatus   `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// OcppEvent is a generic audit row for station-originated notices (command acks, faults).
type OcppEvent struct {
	ID          int64
	StationID   *int64
	ConnectorID *int64
	Name        string
	Level       string
	Detail      json.RawMessage
	EventTime   time.Time
}
