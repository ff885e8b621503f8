// Package memstore is an in-memory repo.Transactor. Transactions are
// serialised and roll back to a snapshot on error; unique constraints on
// station code, (station, connector_number) and (type, idempotency_key)
// behave like the PostgreSQL schema.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"chargehub/internal/models"
	"chargehub/internal/repo"
)

type state struct {
	seq        int64
	stations   map[int64]models.Station
	connectors map[int64]models.Connector
	sessions   map[int64]models.ChargingSession
	starts     map[int64]models.StartRecord
	stops      map[int64]models.StopRecord
	samples    map[int64]models.MeterSample
	logs       map[int64]models.WebhookLog
	commands   map[int64]models.RemoteCommand
	events     map[int64]models.OcppEvent
}

func newState() *state {
	return &state{
		stations:   map[int64]models.Station{},
		connectors: map[int64]models.Connector{},
		sessions:   map[int64]models.ChargingSession{},
		starts:     map[int64]models.StartRecord{},
		stops:      map[int64]models.StopRecord{},
		samples:    map[int64]models.MeterSample{},
		logs:       map[int64]models.WebhookLog{},
		commands:   map[int64]models.RemoteCommand{},
		events:     map[int64]models.OcppEvent{},
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	return &state{
		seq:        s.seq,
		stations:   cloneMap(s.stations),
		connectors: cloneMap(s.connectors),
		sessions:   cloneMap(s.sessions),
		starts:     cloneMap(s.starts),
		stops:      cloneMap(s.stops),
		samples:    cloneMap(s.samples),
		logs:       cloneMap(s.logs),
		commands:   cloneMap(s.commands),
		events:     cloneMap(s.events),
	}
}

func (s *state) nextID() int64 {
	s.seq++
	return s.seq
}

type Store struct {
	mu    sync.Mutex
	data  *state
	snap  *state
	races map[string]func(st *state, id int64)
	Now   func() time.Time

	cardMu sync.RWMutex
	cards  map[string]bool
}

func New() *Store {
	return &Store{
		data:  newState(),
		races: map[string]func(st *state, id int64){},
		Now:   func() time.Time { return time.Now().UTC() },
		cards: map[string]bool{},
	}
}

func (s *Store) InTx(ctx context.Context, fn func(repo.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap = s.data.clone()
	defer func() { s.snap = nil }()

	if err := fn(&view{s: s, tx: true}); err != nil {
		s.data = s.snap
		return err
	}
	return nil
}

func (s *Store) Reader() repo.Store { return &view{s: s} }

// AddCard registers an RFID tag for the card allow-list.
func (s *Store) AddCard(idTag string, active bool) {
	s.cardMu.Lock()
	defer s.cardMu.Unlock()
	s.cards[idTag] = active
}

func (s *Store) ActiveCardExists(_ context.Context, idTag string) (bool, error) {
	s.cardMu.RLock()
	defer s.cardMu.RUnlock()
	return s.cards[idTag], nil
}

// SimulateStationRace makes the next CreateStation for code behave as if a
// concurrent transaction committed the same code first.
func (s *Store) SimulateStationRace(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.races["station:"+code] = func(st *state, id int64) {
		now := s.Now()
		st.stations[id] = models.Station{
			ID: id, Code: code, Name: code,
			Status: models.StatusAvailable, ConnectivityStatus: models.ConnectivityOffline,
			CreatedAt: now, UpdatedAt: now,
		}
	}
}

// SimulateLogRace makes the next webhook log insert for (eventType, key)
// collide with a log committed by a concurrent delivery.
func (s *Store) SimulateLogRace(eventType, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.races["log:"+eventType+"|"+key] = func(st *state, id int64) {
		k := key
		st.logs[id] = models.WebhookLog{ID: id, Type: eventType, IdempotencyKey: &k, StatusCode: 200, ReceivedAt: s.Now()}
	}
}

// fireRace applies a pending simulated commit to both the live state and the
// rollback snapshot, since the other transaction's commit survives ours.
func (s *Store) fireRace(key string) {
	apply, ok := s.races[key]
	if !ok {
		return
	}
	delete(s.races, key)
	id := s.data.nextID()
	apply(s.data, id)
	if s.snap != nil {
		apply(s.snap, id)
		s.snap.seq = s.data.seq
	}
}

// Snapshot accessors used by tests and the read API.

func (s *Store) Stations() []models.Station {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.data.stations, func(v models.Station) int64 { return v.ID })
}

func (s *Store) Connectors() []models.Connector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.data.connectors, func(v models.Connector) int64 { return v.ID })
}

func (s *Store) Sessions() []models.ChargingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.data.sessions, func(v models.ChargingSession) int64 { return v.ID })
}

func (s *Store) StartRecords() []models.StartRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.data.starts, func(v models.StartRecord) int64 { return v.ID })
}

func (s *Store) StopRecords() []models.StopRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.data.stops, func(v models.StopRecord) int64 { return v.ID })
}

func (s *Store) MeterSamples() []models.MeterSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.data.samples, func(v models.MeterSample) int64 { return v.ID })
}

func (s *Store) WebhookLogs() []models.WebhookLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.data.logs, func(v models.WebhookLog) int64 { return v.ID })
}

func (s *Store) Commands() []models.RemoteCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.data.commands, func(v models.RemoteCommand) int64 { return v.ID })
}

func (s *Store) OcppEvents() []models.OcppEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedValues(s.data.events, func(v models.OcppEvent) int64 { return v.ID })
}

func sortedValues[V any](m map[int64]V, id func(V) int64) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return id(out[i]) < id(out[j]) })
	return out
}
