package normalize

import (
	"time"

	"chargehub/internal/models"
)

const (
	EventBootNotification   = "boot-notification"
	EventAuthorize          = "authorize"
	EventStartTransaction   = "start-transaction"
	EventMeterValues        = "meter-values"
	EventStopTransaction    = "stop-transaction"
	EventStatusNotification = "status-notification"
	EventHeartbeat          = "heartbeat"
	EventCommandEnqueue     = "command-enqueue"
	EventCommandPoll        = "command-poll"
	EventCommandAck         = "command-ack"
)

var (
	stationCode = Field{Name: "station_code", Kind: KindString, Required: true, MaxLen: 100}
	connector   = Field{Name: "connector", Kind: KindInt, Required: true, Min: 0}
	txID        = Field{Name: "transactionId", Kind: KindString, Required: true, MaxLen: 100}
	idTag       = Field{Name: "idTag", Kind: KindString, MaxLen: 255}
	timestamp   = Field{Name: "timestamp", Kind: KindDate}
)

var BootNotification = Schema{Event: EventBootNotification, Fields: []Field{
	stationCode,
	{Name: "vendor", Kind: KindString, MaxLen: 100},
	{Name: "model", Kind: KindString, MaxLen: 100},
	{Name: "firmware", Kind: KindString, MaxLen: 100},
	timestamp,
}}

var Authorize = Schema{Event: EventAuthorize, Fields: []Field{
	stationCode,
	{Name: "idTag", Kind: KindString, Required: true, MaxLen: 255},
	timestamp,
}}

var StartTransaction = Schema{Event: EventStartTransaction, Fields: []Field{
	stationCode, connector, txID, idTag,
	{Name: "meterStart", Kind: KindNumber},
	timestamp,
}}

var MeterValues = Schema{Event: EventMeterValues, RecoverRelay: true, Fields: []Field{
	stationCode, connector, txID,
	{Name: "meterValue", Kind: KindArray, Required: true},
}}

var StopTransaction = Schema{Event: EventStopTransaction, Fields: []Field{
	stationCode, connector, txID, idTag,
	{Name: "meterStop", Kind: KindNumber},
	{Name: "reason", Kind: KindString, MaxLen: 100},
	timestamp,
	{Name: "total_kwh", Kind: KindNumber},
	{Name: "total_cost", Kind: KindNumber},
}}

var StatusNotification = Schema{Event: EventStatusNotification, Fields: []Field{
	stationCode, connector,
	{Name: "status", Kind: KindString, Required: true, MaxLen: 50},
	{Name: "errorCode", Kind: KindString, MaxLen: 50},
	timestamp,
}}

var Heartbeat = Schema{Event: EventHeartbeat, Fields: []Field{
	stationCode, timestamp,
}}

var CommandEnqueue = Schema{Event: EventCommandEnqueue, Fields: []Field{
	stationCode,
	{Name: "connector", Kind: KindInt, Min: 0},
	{
		Name: "command", Kind: KindEnum, Required: true,
		Enum: []string{models.CommandRemoteStart, models.CommandRemoteStop},
		EnumAliases: map[string]string{
			"RemoteStartTransaction": models.CommandRemoteStart,
			"RemoteStopTransaction":  models.CommandRemoteStop,
		},
	},
	{Name: "payload", Kind: KindObject},
}}

var CommandPoll = Schema{Event: EventCommandPoll, Fields: []Field{
	stationCode,
	{Name: "connector", Kind: KindInt, Min: 0},
}}

var CommandAck = Schema{Event: EventCommandAck, Fields: []Field{
	{Name: "id", Kind: KindInt, Required: true, Min: 1},
	{
		Name: "status", Kind: KindEnum, Required: true,
		Enum: []string{string(models.CommandAck), string(models.CommandError), string(models.CommandCancelled)},
	},
	{Name: "detail", Kind: KindObject},
}}

// ActionName maps a canonical command onto its OCPP action.
func ActionName(command string) string {
	switch command {
	case models.CommandRemoteStart:
		return "RemoteStartTransaction"
	case models.CommandRemoteStop:
		return "RemoteStopTransaction"
	}
	return command
}

// Fields is the canonical, validated view of one payload.
type Fields map[string]any

func (f Fields) Has(name string) bool {
	_, ok := f[name]
	return ok
}

func (f Fields) String(name string) string {
	s, _ := f[name].(string)
	return s
}

func (f Fields) OptString(name string) *string {
	s, ok := f[name].(string)
	if !ok {
		return nil
	}
	return &s
}

func (f Fields) Int(name string) int {
	n, _ := f[name].(int)
	return n
}

func (f Fields) OptInt(name string) *int {
	n, ok := f[name].(int)
	if !ok {
		return nil
	}
	return &n
}

func (f Fields) OptFloat(name string) *float64 {
	n, ok := f[name].(float64)
	if !ok {
		return nil
	}
	return &n
}

func (f Fields) Time(name string) (time.Time, bool) {
	t, ok := f[name].(time.Time)
	return t, ok
}

func (f Fields) Array(name string) []any {
	a, _ := f[name].([]any)
	return a
}

func (f Fields) Object(name string) map[string]any {
	m, _ := f[name].(map[string]any)
	return m
}
