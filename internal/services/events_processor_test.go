package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"chargehub/internal/apperr"
	"chargehub/internal/logging"
	"chargehub/internal/memstore"
	"chargehub/internal/models"
	"chargehub/internal/repo"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newProcessor(t *testing.T) (*EventsProcessor, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	store.Now = func() time.Time { return fixedNow }
	p := NewEventsProcessor(store, Clock{Now: func() time.Time { return fixedNow }}, logging.Discard())
	return p, store
}

func body(t *testing.T, s string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return m
}

func key(s string) *string { return &s }

func mustHandle(t *testing.T, p *EventsProcessor, eventType, payload string, k *string) map[string]any {
	t.Helper()
	resp, err := p.Handle(context.Background(), eventType, body(t, payload), k)
	if err != nil {
		t.Fatalf("Handle(%s): %v", eventType, err)
	}
	return resp
}

func TestIdempotentRedelivery(t *testing.T) {
	tests := []struct {
		event   string
		payload string
	}{
		{"boot-notification", `{"station_code":"CP-1","vendor":"ACME"}`},
		{"start-transaction", `{"station_code":"CP-1","connector":1,"transactionId":"T1","meterStart":1000}`},
		{"meter-values", `{"station_code":"CP-1","connector":1,"transactionId":"T1","meterValue":[{"sampledValue":[{"measurand":"Voltage","unit":"V","value":"230"}]}]}`},
		{"stop-transaction", `{"station_code":"CP-1","connector":1,"transactionId":"T1","meterStop":5000}`},
		{"status-notification", `{"station_code":"CP-1","connector":1,"status":"Charging"}`},
		{"heartbeat", `{"station_code":"CP-1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			p, store := newProcessor(t)
			first := mustHandle(t, p, tt.event, tt.payload, key("K-1"))
			if first["idempotent"] != nil {
				t.Fatalf("first delivery reported idempotent: %v", first)
			}
			before := snapshotCounts(store)

			second := mustHandle(t, p, tt.event, tt.payload, key("K-1"))
			if second["ok"] != true || second["idempotent"] != true {
				t.Errorf("second response = %v", second)
			}
			if after := snapshotCounts(store); after != before {
				t.Errorf("side effects on redelivery: before %+v after %+v", before, after)
			}
			if n := len(store.WebhookLogs()); n != 1 {
				t.Errorf("webhook logs = %d, want 1", n)
			}
		})
	}
}

type counts struct {
	stations, connectors, sessions, starts, stops, samples, logs int
}

func snapshotCounts(s *memstore.Store) counts {
	return counts{
		stations:   len(s.Stations()),
		connectors: len(s.Connectors()),
		sessions:   len(s.Sessions()),
		starts:     len(s.StartRecords()),
		stops:      len(s.StopRecords()),
		samples:    len(s.MeterSamples()),
		logs:       len(s.WebhookLogs()),
	}
}

func TestIdempotencyKeyIsScopedByType(t *testing.T) {
	p, store := newProcessor(t)
	mustHandle(t, p, "heartbeat", `{"station_code":"CP-1"}`, key("same"))
	resp := mustHandle(t, p, "boot-notification", `{"station_code":"CP-1"}`, key("same"))
	if resp["idempotent"] != nil {
		t.Errorf("boot with a heartbeat key was treated as duplicate: %v", resp)
	}
	if n := len(store.WebhookLogs()); n != 2 {
		t.Errorf("logs = %d, want 2", n)
	}
}

func TestConcurrentDuplicateLosesAtLogInsert(t *testing.T) {
	p, store := newProcessor(t)
	store.SimulateLogRace("start-transaction", "K-race")

	resp := mustHandle(t, p, "start-transaction", `{"station_code":"CP-1","connector":1,"transactionId":"T1"}`, key("K-race"))
	if resp["idempotent"] != true {
		t.Fatalf("resp = %v, want idempotent", resp)
	}
	if n := len(store.Sessions()); n != 0 {
		t.Errorf("sessions = %d, want rollback to 0", n)
	}
	if n := len(store.StartRecords()); n != 0 {
		t.Errorf("start records = %d, want 0", n)
	}
	if n := len(store.WebhookLogs()); n != 1 {
		t.Errorf("logs = %d, want only the winner's", n)
	}
}

func TestIdentityStableAcrossEvents(t *testing.T) {
	p, store := newProcessor(t)
	a := mustHandle(t, p, "boot-notification", `{"station_code":"CP-7"}`, nil)
	b := mustHandle(t, p, "status-notification", `{"stationCode":"CP-7","connectorId":2,"status":"Available"}`, nil)
	c := mustHandle(t, p, "status-notification", `{"station_code":"CP-7","connector_id":"2","status":"Available"}`, nil)

	if a["station_id"] != b["station_id"] || b["station_id"] != c["station_id"] {
		t.Errorf("station ids differ: %v %v %v", a["station_id"], b["station_id"], c["station_id"])
	}
	if b["connector_id"] != c["connector_id"] {
		t.Errorf("connector ids differ: %v %v", b["connector_id"], c["connector_id"])
	}
	if n := len(store.Stations()); n != 1 {
		t.Errorf("stations = %d", n)
	}
	if n := len(store.Connectors()); n != 1 {
		t.Errorf("connectors = %d", n)
	}
}

func TestFirstContactRaceConverges(t *testing.T) {
	p, store := newProcessor(t)
	store.SimulateStationRace("CP-R")

	resp := mustHandle(t, p, "heartbeat", `{"station_code":"CP-R"}`, nil)
	stations := store.Stations()
	if len(stations) != 1 {
		t.Fatalf("stations = %+v", stations)
	}
	logs := store.WebhookLogs()
	if len(logs) != 1 || logs[0].RelatedID == nil || *logs[0].RelatedID != stations[0].ID {
		t.Errorf("log = %+v, want related to station %d", logs, stations[0].ID)
	}
	if resp["ok"] != true || stations[0].ConnectivityStatus != models.ConnectivityOnline {
		t.Errorf("resp = %v, station = %+v", resp, stations[0])
	}
}

func TestMeterValuesUnitConversion(t *testing.T) {
	p, store := newProcessor(t)
	mustHandle(t, p, "meter-values", `{
		"station_code":"CP-1","connector":1,"transactionId":"T",
		"meterValue":[
			{"timestamp":"2024-06-01T11:59:00Z","sampledValue":[{"measurand":"Energy.Active.Import.Register","unit":"Wh","value":"1500"}]},
			{"timestamp":"2024-06-01T11:59:30Z","sampledValue":[{"measurand":"Energy.Active.Import.Register","unit":"kWh","value":"2.75"}]},
			{"timestamp":"2024-06-01T11:59:45Z","sampledValue":[{"measurand":"Energy.Active.Import.Register","unit":"varh","value":"9"}]}
		]}`, nil)

	samples := store.MeterSamples()
	if len(samples) != 3 {
		t.Fatalf("samples = %d, want 3", len(samples))
	}
	if samples[0].EnergyKWh == nil || *samples[0].EnergyKWh != 1.5 {
		t.Errorf("Wh sample = %v", samples[0].EnergyKWh)
	}
	if samples[1].EnergyKWh == nil || *samples[1].EnergyKWh != 2.75 {
		t.Errorf("kWh sample = %v", samples[1].EnergyKWh)
	}
	if samples[2].EnergyKWh != nil {
		t.Errorf("unknown unit sample = %v, want nil", *samples[2].EnergyKWh)
	}
	if !samples[0].EventTime.Equal(time.Date(2024, 6, 1, 11, 59, 0, 0, time.UTC)) {
		t.Errorf("event time = %v", samples[0].EventTime)
	}
}

func TestMeterValuesRecoveryCreatesOneSession(t *testing.T) {
	p, store := newProcessor(t)
	resp := mustHandle(t, p, "meter-values", `{
		"station_code":"CP-1","connector":3,
		"raw":{"transaction_id":77,"meter_value":[{"sampledValue":[]},{"sampledValue":[]}]}
	}`, nil)

	sessions := store.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	s := sessions[0]
	if s.StartMethod != models.MethodWebhookAuto || s.Status != models.SessionOngoing {
		t.Errorf("session = %+v", s)
	}
	if resp["session_id"] != s.ID {
		t.Errorf("response session_id = %v, want %d", resp["session_id"], s.ID)
	}
	for _, m := range store.MeterSamples() {
		if m.SessionID != s.ID {
			t.Errorf("sample %d attached to %d", m.ID, m.SessionID)
		}
	}
	if n := len(store.MeterSamples()); n != 2 {
		t.Errorf("samples = %d, want 2", n)
	}
}

func TestMeterValuesSessionPrecedence(t *testing.T) {
	p, store := newProcessor(t)
	meter := `{"station_code":"CP-1","connector":1,"transactionId":"T","meterValue":[{}]}`

	s1 := mustHandle(t, p, "start-transaction", `{"station_code":"CP-1","connector":1,"transactionId":"A"}`, nil)["session_id"]
	mustHandle(t, p, "stop-transaction", `{"station_code":"CP-1","connector":1,"transactionId":"A"}`, nil)

	// only a stopped session: latest of any status
	if got := mustHandle(t, p, "meter-values", meter, nil)["session_id"]; got != s1 {
		t.Errorf("stopped fallback session = %v, want %v", got, s1)
	}

	s2 := mustHandle(t, p, "start-transaction", `{"station_code":"CP-1","connector":1,"transactionId":"B"}`, nil)["session_id"]
	if got := mustHandle(t, p, "meter-values", meter, nil)["session_id"]; got != s2 {
		t.Errorf("ongoing session = %v, want %v", got, s2)
	}
	if n := len(store.Sessions()); n != 2 {
		t.Errorf("sessions = %d, want 2 (no auto-create)", n)
	}
}

func TestStartAlwaysOpensNewSession(t *testing.T) {
	p, store := newProcessor(t)
	start := `{"station_code":"CP-1","connector":1,"transactionId":"T","idTag":"TAG","meterStart":12345,"timestamp":"2024-06-01T11:00:00Z"}`
	a := mustHandle(t, p, "start-transaction", start, nil)
	b := mustHandle(t, p, "start-transaction", start, nil)
	if a["session_id"] == b["session_id"] {
		t.Fatalf("second start reused session %v", a["session_id"])
	}

	sessions := store.Sessions()
	for _, s := range sessions {
		if s.Status != models.SessionOngoing || s.StartMethod != models.MethodWebhook {
			t.Errorf("session = %+v", s)
		}
		if !s.CreatedAt.Equal(time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)) {
			t.Errorf("created_at = %v", s.CreatedAt)
		}
	}
	rec := store.StartRecords()[0]
	if rec.MeterStart == nil || *rec.MeterStart != 12345 || rec.MeterStartKWh == nil || *rec.MeterStartKWh != 12.345 {
		t.Errorf("start record = %+v", rec)
	}
	if rec.IdTag == nil || *rec.IdTag != "TAG" {
		t.Errorf("id tag = %v", rec.IdTag)
	}
}

func TestStopAttachesLatestSessionAndStopsIt(t *testing.T) {
	p, store := newProcessor(t)
	sid := mustHandle(t, p, "start-transaction", `{"station_code":"CP-1","connector":1,"transactionId":"T"}`, nil)["session_id"]
	resp := mustHandle(t, p, "stop-transaction", `{
		"station_code":"CP-1","connector":1,"transactionId":"T",
		"meterStop":4200,"reason":"Local","total_kwh":4.2,"total_cost":"1.05"
	}`, nil)

	if resp["session_id"] != sid {
		t.Fatalf("session_id = %v, want %v", resp["session_id"], sid)
	}
	s := store.Sessions()[0]
	if s.Status != models.SessionStopped || s.EndMethod == nil || *s.EndMethod != models.MethodWebhook {
		t.Errorf("session = %+v", s)
	}
	stop := store.StopRecords()[0]
	if stop.SessionID == nil || *stop.SessionID != s.ID {
		t.Errorf("stop session = %v", stop.SessionID)
	}
	if stop.MeterStopKWh == nil || *stop.MeterStopKWh != 4.2 || *stop.MeterStop != 4200 {
		t.Errorf("stop meter = %v/%v", stop.MeterStop, stop.MeterStopKWh)
	}
	if stop.TotalCost == nil || *stop.TotalCost != 1.05 || stop.TotalEnergyKWh == nil || *stop.TotalEnergyKWh != 4.2 {
		t.Errorf("totals = %v/%v", stop.TotalEnergyKWh, stop.TotalCost)
	}

	// a second stop still attaches to the same (already stopped) session
	again := mustHandle(t, p, "stop-transaction", `{"station_code":"CP-1","connector":1,"transactionId":"T"}`, nil)
	if again["session_id"] != sid {
		t.Errorf("second stop session_id = %v", again["session_id"])
	}
}

func TestStopWithoutSessionStoresOrphan(t *testing.T) {
	p, store := newProcessor(t)
	resp := mustHandle(t, p, "stop-transaction", `{"station_code":"CP-1","connector":1,"transactionId":"T","meterStop":100}`, nil)

	if resp["ok"] != true {
		t.Errorf("ok = %v", resp["ok"])
	}
	if v, present := resp["session_id"]; !present || v != nil {
		t.Errorf("session_id = %v (present %v), want explicit null", v, present)
	}
	stops := store.StopRecords()
	if len(stops) != 1 || stops[0].SessionID != nil {
		t.Fatalf("stop records = %+v", stops)
	}
	if n := len(store.Sessions()); n != 0 {
		t.Errorf("sessions = %d, want 0", n)
	}
	if logs := store.WebhookLogs(); len(logs) != 1 || logs[0].RelatedID != nil {
		t.Errorf("log = %+v", logs)
	}
}

func TestStatusNotificationFiltering(t *testing.T) {
	p, store := newProcessor(t)
	mustHandle(t, p, "status-notification", `{"station_code":"CP-1","connector":1,"status":"Charging","timestamp":"2024-06-01T11:58:00Z"}`, nil)

	st := store.Stations()[0]
	conn := store.Connectors()[0]
	if st.Status != models.StatusCharging || conn.Status != models.StatusCharging {
		t.Fatalf("station %s connector %s, want charging", st.Status, conn.Status)
	}

	mustHandle(t, p, "status-notification", `{"station_code":"CP-1","connector":1,"status":"bogus","timestamp":"2024-06-01T11:59:00Z"}`, nil)
	st = store.Stations()[0]
	conn = store.Connectors()[0]
	if st.Status != models.StatusCharging || conn.Status != models.StatusCharging {
		t.Errorf("bogus status mutated: station %s connector %s", st.Status, conn.Status)
	}
	if st.LastHeartbeatAt == nil || !st.LastHeartbeatAt.Equal(time.Date(2024, 6, 1, 11, 59, 0, 0, time.UTC)) {
		t.Errorf("heartbeat = %v", st.LastHeartbeatAt)
	}
	if st.ConnectivityStatus != models.ConnectivityOnline {
		t.Errorf("connectivity = %s", st.ConnectivityStatus)
	}
	if n := len(store.WebhookLogs()); n != 2 {
		t.Errorf("logs = %d, want 2", n)
	}
}

func TestHeartbeatLeavesStatus(t *testing.T) {
	p, store := newProcessor(t)
	mustHandle(t, p, "status-notification", `{"station_code":"CP-1","connector":1,"status":"Faulted"}`, nil)
	mustHandle(t, p, "heartbeat", `{"station_code":"CP-1","timestamp":"2024-06-01T11:59:59Z"}`, nil)
	st := store.Stations()[0]
	if st.Status != models.StatusFaulted {
		t.Errorf("status = %s", st.Status)
	}
	if !st.LastHeartbeatAt.Equal(time.Date(2024, 6, 1, 11, 59, 59, 0, time.UTC)) {
		t.Errorf("heartbeat = %v", st.LastHeartbeatAt)
	}
}

func TestBootNotificationKeepsUnsuppliedMetadata(t *testing.T) {
	p, store := newProcessor(t)
	mustHandle(t, p, "boot-notification", `{"station_code":"CP-1","vendor":"ACME","model":"X1","firmwareVersion":"1.0"}`, nil)
	mustHandle(t, p, "boot-notification", `{"station_code":"CP-1","firmware":"1.1"}`, nil)

	st := store.Stations()[0]
	if st.Vendor == nil || *st.Vendor != "ACME" || st.Model == nil || *st.Model != "X1" {
		t.Errorf("vendor/model = %v/%v", st.Vendor, st.Model)
	}
	if st.FirmwareVersion == nil || *st.FirmwareVersion != "1.1" {
		t.Errorf("firmware = %v", st.FirmwareVersion)
	}
	if st.Status != models.StatusAvailable || st.ConnectivityStatus != models.ConnectivityOnline {
		t.Errorf("station = %+v", st)
	}
}

func TestAuthorizeCardValidation(t *testing.T) {
	p, store := newProcessor(t)

	resp := mustHandle(t, p, "authorize", `{"station_code":"CP-1","idTag":"ANY"}`, nil)
	if resp["ok"] != true || resp["card_status"] != "unknown" {
		t.Errorf("allow-all resp = %v", resp)
	}

	store.AddCard("GOOD", true)
	store.AddCard("OFF", false)
	p.Cards = CardTable{Cards: store}
	tests := []struct {
		tag    string
		ok     bool
		status string
	}{
		{"GOOD", true, "allowed"},
		{"OFF", false, "rejected"},
		{"NOPE", false, "rejected"},
	}
	for _, tt := range tests {
		resp := mustHandle(t, p, "authorize", `{"station_code":"CP-1","idTag":"`+tt.tag+`"}`, nil)
		if resp["ok"] != tt.ok || resp["card_status"] != tt.status {
			t.Errorf("%s: resp = %v", tt.tag, resp)
		}
		if _, ok := resp["log_id"]; !ok {
			t.Errorf("%s: missing log_id", tt.tag)
		}
	}
}

func TestAuthorizeIgnoresIdempotencyKey(t *testing.T) {
	p, store := newProcessor(t)
	mustHandle(t, p, "authorize", `{"station_code":"CP-1","idTag":"A"}`, key("K"))
	resp := mustHandle(t, p, "authorize", `{"station_code":"CP-1","idTag":"A"}`, key("K"))
	if resp["idempotent"] != nil || resp["card_status"] != "unknown" {
		t.Errorf("resp = %v", resp)
	}
	for _, l := range store.WebhookLogs() {
		if l.IdempotencyKey != nil {
			t.Errorf("authorize log stored key %q", *l.IdempotencyKey)
		}
	}
}

func TestValidationErrorWritesNothing(t *testing.T) {
	p, store := newProcessor(t)
	_, err := p.Handle(context.Background(), "start-transaction", body(t, `{"connector":"x"}`), key("K"))
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	for _, f := range []string{"station_code", "connector", "transactionId"} {
		if _, ok := ve.Fields[f]; !ok {
			t.Errorf("missing field %q in %v", f, ve.Fields)
		}
	}
	if c := snapshotCounts(store); c != (counts{}) {
		t.Errorf("writes after validation error: %+v", c)
	}
}

func TestUnknownEventType(t *testing.T) {
	p, _ := newProcessor(t)
	if _, err := p.Handle(context.Background(), "data-transfer", map[string]any{}, nil); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("err = %v", err)
	}
}

// failingStore breaks one write so the rollback path can be observed.
type failingStore struct {
	repo.Store
}

func (failingStore) InsertMeterSample(context.Context, models.MeterSample) (int64, error) {
	return 0, errors.New("disk full")
}

type failingTx struct{ *memstore.Store }

func (f failingTx) InTx(ctx context.Context, fn func(repo.Store) error) error {
	return f.Store.InTx(ctx, func(tx repo.Store) error { return fn(failingStore{tx}) })
}

func TestStorageFailureRollsBackEverything(t *testing.T) {
	store := memstore.New()
	p := NewEventsProcessor(failingTx{store}, Clock{}, logging.Discard())
	sink := &recordingSink{}
	p.Sink = sink

	_, err := p.Handle(context.Background(), "meter-values",
		body(t, `{"station_code":"CP-1","connector":1,"transactionId":"T","meterValue":[{}]}`), key("K"))
	if err == nil {
		t.Fatal("expected error")
	}
	if c := snapshotCounts(store); c != (counts{}) {
		t.Errorf("partial writes survived: %+v", c)
	}
	if len(sink.events) != 0 {
		t.Errorf("sink saw %d events for a failed request", len(sink.events))
	}
}

func TestMaxEventSkewClampsTimestamps(t *testing.T) {
	p, store := newProcessor(t)
	p.Clock.MaxSkew = time.Hour
	p.Reconciler.Clock.MaxSkew = time.Hour

	mustHandle(t, p, "heartbeat", `{"station_code":"CP-1","timestamp":"2019-01-01T00:00:00Z"}`, nil)
	if st := store.Stations()[0]; !st.LastHeartbeatAt.Equal(fixedNow) {
		t.Errorf("skewed heartbeat stored as %v, want %v", st.LastHeartbeatAt, fixedNow)
	}
	mustHandle(t, p, "heartbeat", `{"station_code":"CP-1","timestamp":"2024-06-01T11:30:00Z"}`, nil)
	if st := store.Stations()[0]; !st.LastHeartbeatAt.Equal(time.Date(2024, 6, 1, 11, 30, 0, 0, time.UTC)) {
		t.Errorf("in-window heartbeat stored as %v", st.LastHeartbeatAt)
	}
}

type recordingSink struct{ events []Event }

func (s *recordingSink) Publish(_ context.Context, ev Event) error {
	s.events = append(s.events, ev)
	return nil
}

type recordingTelemetry struct {
	station   string
	connector int
	samples   int
}

func (r *recordingTelemetry) WriteSamples(_ context.Context, station string, connector int, samples []models.MeterSample) error {
	r.station, r.connector, r.samples = station, connector, len(samples)
	return errors.New("influx down")
}

func TestSinksRunAfterCommitOnly(t *testing.T) {
	p, _ := newProcessor(t)
	sink := &recordingSink{}
	tel := &recordingTelemetry{}
	p.Sink, p.Telemetry = sink, tel

	payload := `{"station_code":"CP-1","connector":2,"transactionId":"T","meterValue":[{},{}]}`
	resp := mustHandle(t, p, "meter-values", payload, key("K"))
	mustHandle(t, p, "meter-values", payload, key("K"))

	if len(sink.events) != 1 {
		t.Fatalf("published %d events, want 1", len(sink.events))
	}
	ev := sink.events[0]
	if ev.Type != "meter-values" || ev.StationCode != "CP-1" || ev.LogID != resp["log_id"] {
		t.Errorf("event = %+v", ev)
	}
	if tel.station != "CP-1" || tel.connector != 2 || tel.samples != 2 {
		t.Errorf("telemetry = %+v", tel)
	}
	if resp["ok"] != true {
		t.Errorf("telemetry failure leaked into response: %v", resp)
	}
}

type mapCache struct{ seen map[string]bool }

func (c *mapCache) Seen(_ context.Context, eventType, key string) (bool, error) {
	return c.seen[eventType+"|"+key], nil
}

func (c *mapCache) Remember(_ context.Context, eventType, key string) error {
	c.seen[eventType+"|"+key] = true
	return nil
}

func TestCacheShortCircuitsKnownKeys(t *testing.T) {
	p, store := newProcessor(t)
	cache := &mapCache{seen: map[string]bool{}}
	p.Guard.Cache = cache

	mustHandle(t, p, "heartbeat", `{"station_code":"CP-1"}`, key("K"))
	if !cache.seen["heartbeat|K"] {
		t.Fatal("committed key not remembered")
	}

	cache.seen["heartbeat|other"] = true
	resp := mustHandle(t, p, "heartbeat", `{"station_code":"CP-2"}`, key("other"))
	if resp["idempotent"] != true {
		t.Errorf("resp = %v", resp)
	}
	if n := len(store.Stations()); n != 1 {
		t.Errorf("stations = %d, cache hit should not touch storage", n)
	}
}
