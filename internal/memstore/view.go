package memstore

import (
	"context"
	"time"

	"chargehub/internal/models"
	"chargehub/internal/repo"
)

// view is the repo.Store handed to a transaction, or, with tx unset, the
// reader that locks around every call.
type view struct {
	s  *Store
	tx bool
}

var _ repo.Store = (*view)(nil)

func (v *view) lock() func() {
	if v.tx {
		return func() {}
	}
	v.s.mu.Lock()
	return v.s.mu.Unlock
}

func (v *view) st() *state { return v.s.data }

func (v *view) FindStationID(_ context.Context, code string) (int64, bool, error) {
	defer v.lock()()
	for id, s := range v.st().stations {
		if s.Code == code {
			return id, true, nil
		}
	}
	return 0, false, nil
}

func (v *view) CreateStation(ctx context.Context, code string) (int64, error) {
	defer v.lock()()
	v.s.fireRace("station:" + code)
	for _, s := range v.st().stations {
		if s.Code == code {
			return 0, repo.ErrConflict
		}
	}
	id := v.st().nextID()
	now := v.s.Now()
	v.st().stations[id] = models.Station{
		ID: id, Code: code, Name: code,
		Status: models.StatusAvailable, ConnectivityStatus: models.ConnectivityOffline,
		CreatedAt: now, UpdatedAt: now,
	}
	return id, nil
}

func (v *view) GetStation(_ context.Context, code string) (*models.Station, error) {
	defer v.lock()()
	for _, s := range v.st().stations {
		if s.Code != code {
			continue
		}
		for _, c := range v.st().connectors {
			if c.StationID == s.ID {
				s.ConnectorsCount++
			}
		}
		return &s, nil
	}
	return nil, nil
}

func (v *view) StationAuthKeyHash(_ context.Context, code string) (string, bool, error) {
	defer v.lock()()
	for _, s := range v.st().stations {
		if s.Code == code {
			return s.AuthKeyHash, true, nil
		}
	}
	return "", false, nil
}

func (v *view) ProvisionStation(_ context.Context, code, name, authKeyHash string) (int64, error) {
	defer v.lock()()
	now := v.s.Now()
	for id, s := range v.st().stations {
		if s.Code == code {
			s.Name = name
			if authKeyHash != "" {
				s.AuthKeyHash = authKeyHash
			}
			s.UpdatedAt = now
			v.st().stations[id] = s
			return id, nil
		}
	}
	id := v.st().nextID()
	v.st().stations[id] = models.Station{
		ID: id, Code: code, Name: name, AuthKeyHash: authKeyHash,
		Status: models.StatusAvailable, ConnectivityStatus: models.ConnectivityOffline,
		CreatedAt: now, UpdatedAt: now,
	}
	return id, nil
}

func (v *view) ApplyBoot(_ context.Context, id int64, info models.DeviceInfo, at time.Time) error {
	defer v.lock()()
	s, ok := v.st().stations[id]
	if !ok {
		return nil
	}
	s.Status = models.StatusAvailable
	s.ConnectivityStatus = models.ConnectivityOnline
	s.LastHeartbeatAt = &at
	seen := v.s.Now()
	s.LastSeenAt = &seen
	if info.Vendor != nil {
		s.Vendor = info.Vendor
	}
	if info.Model != nil {
		s.Model = info.Model
	}
	if info.Firmware != nil {
		s.FirmwareVersion = info.Firmware
	}
	s.UpdatedAt = v.s.Now()
	v.st().stations[id] = s
	return nil
}

func (v *view) TouchStation(_ context.Context, id int64, status *models.Status, at time.Time) error {
	defer v.lock()()
	s, ok := v.st().stations[id]
	if !ok {
		return nil
	}
	s.ConnectivityStatus = models.ConnectivityOnline
	s.LastHeartbeatAt = &at
	seen := v.s.Now()
	s.LastSeenAt = &seen
	if status != nil {
		s.Status = *status
	}
	s.UpdatedAt = v.s.Now()
	v.st().stations[id] = s
	return nil
}

func (v *view) MarkStaleOffline(_ context.Context, before time.Time) (int64, error) {
	defer v.lock()()
	var n int64
	for id, s := range v.st().stations {
		if s.ConnectivityStatus != models.ConnectivityOnline {
			continue
		}
		if s.LastSeenAt == nil || s.LastSeenAt.Before(before) {
			s.ConnectivityStatus = models.ConnectivityOffline
			s.UpdatedAt = v.s.Now()
			v.st().stations[id] = s
			n++
		}
	}
	return n, nil
}

func (v *view) FindConnectorID(_ context.Context, stationID int64, number int) (int64, bool, error) {
	defer v.lock()()
	for id, c := range v.st().connectors {
		if c.StationID == stationID && c.ConnectorNumber == number {
			return id, true, nil
		}
	}
	return 0, false, nil
}

func (v *view) CreateConnector(_ context.Context, stationID int64, number int) (int64, error) {
	defer v.lock()()
	for _, c := range v.st().connectors {
		if c.StationID == stationID && c.ConnectorNumber == number {
			return 0, repo.ErrConflict
		}
	}
	id := v.st().nextID()
	now := v.s.Now()
	v.st().connectors[id] = models.Connector{
		ID: id, StationID: stationID, ConnectorNumber: number,
		Status: models.StatusAvailable, CreatedAt: now, UpdatedAt: now,
	}
	return id, nil
}

func (v *view) UpdateConnectorStatus(_ context.Context, id int64, status models.Status, at time.Time) error {
	defer v.lock()()
	c, ok := v.st().connectors[id]
	if !ok {
		return nil
	}
	c.Status = status
	c.LastStatusAt = &at
	c.UpdatedAt = v.s.Now()
	v.st().connectors[id] = c
	return nil
}

func (v *view) ListConnectors(_ context.Context, stationID int64) ([]models.Connector, error) {
	defer v.lock()()
	var out []models.Connector
	for _, c := range sortedValues(v.st().connectors, func(c models.Connector) int64 { return int64(c.ConnectorNumber) }) {
		if c.StationID == stationID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (v *view) CreateSession(_ context.Context, s models.ChargingSession) (int64, error) {
	defer v.lock()()
	s.ID = v.st().nextID()
	s.UpdatedAt = v.s.Now()
	v.st().sessions[s.ID] = s
	return s.ID, nil
}

func (v *view) LatestSessionID(_ context.Context, stationID, connectorID int64, status models.SessionStatus) (int64, bool, error) {
	defer v.lock()()
	var best int64
	for id, s := range v.st().sessions {
		if s.StationID != stationID || s.ConnectorID != connectorID {
			continue
		}
		if status != "" && s.Status != status {
			continue
		}
		if id > best {
			best = id
		}
	}
	return best, best != 0, nil
}

func (v *view) StopSession(_ context.Context, id int64, endMethod string, at time.Time) error {
	defer v.lock()()
	s, ok := v.st().sessions[id]
	if !ok {
		return nil
	}
	s.Status = models.SessionStopped
	s.EndMethod = &endMethod
	s.EndedAt = &at
	s.UpdatedAt = v.s.Now()
	v.st().sessions[id] = s
	return nil
}

func (v *view) GetSession(_ context.Context, id int64) (*models.ChargingSession, error) {
	defer v.lock()()
	s, ok := v.st().sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (v *view) ListSessions(_ context.Context, stationID int64, limit int) ([]models.ChargingSession, error) {
	defer v.lock()()
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	all := sortedValues(v.st().sessions, func(s models.ChargingSession) int64 { return -s.ID })
	var out []models.ChargingSession
	for _, s := range all {
		if s.StationID == stationID && len(out) < limit {
			out = append(out, s)
		}
	}
	return out, nil
}

func (v *view) InsertStartRecord(_ context.Context, r models.StartRecord) (int64, error) {
	defer v.lock()()
	r.ID = v.st().nextID()
	v.st().starts[r.ID] = r
	return r.ID, nil
}

func (v *view) InsertStopRecord(_ context.Context, r models.StopRecord) (int64, error) {
	defer v.lock()()
	r.ID = v.st().nextID()
	v.st().stops[r.ID] = r
	return r.ID, nil
}

func (v *view) InsertMeterSample(_ context.Context, m models.MeterSample) (int64, error) {
	defer v.lock()()
	m.ID = v.st().nextID()
	m.CreatedAt = v.s.Now()
	v.st().samples[m.ID] = m
	return m.ID, nil
}

func (v *view) ListMeterSamples(_ context.Context, sessionID int64, limit int) ([]models.MeterSample, error) {
	defer v.lock()()
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var out []models.MeterSample
	for _, m := range sortedValues(v.st().samples, func(m models.MeterSample) int64 { return m.ID }) {
		if m.SessionID == sessionID && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (v *view) WebhookLogExists(_ context.Context, eventType, key string) (bool, error) {
	defer v.lock()()
	for _, l := range v.st().logs {
		if l.Type == eventType && l.IdempotencyKey != nil && *l.IdempotencyKey == key {
			return true, nil
		}
	}
	return false, nil
}

func (v *view) InsertWebhookLog(_ context.Context, l models.WebhookLog) (int64, error) {
	defer v.lock()()
	if l.IdempotencyKey != nil {
		v.s.fireRace("log:" + l.Type + "|" + *l.IdempotencyKey)
		for _, existing := range v.st().logs {
			if existing.Type == l.Type && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *l.IdempotencyKey {
				return 0, repo.ErrConflict
			}
		}
	}
	l.ID = v.st().nextID()
	v.st().logs[l.ID] = l
	return l.ID, nil
}

func (v *view) InsertOcppEvent(_ context.Context, e models.OcppEvent) (int64, error) {
	defer v.lock()()
	e.ID = v.st().nextID()
	v.st().events[e.ID] = e
	return e.ID, nil
}

func (v *view) InsertCommand(_ context.Context, c models.RemoteCommand) (int64, error) {
	defer v.lock()()
	now := v.s.Now()
	c.ID = v.st().nextID()
	c.Status = models.CommandPending
	c.CreatedAt, c.UpdatedAt = now, now
	v.st().commands[c.ID] = c
	return c.ID, nil
}

func (v *view) ClaimNextCommand(_ context.Context, stationID int64, connectorID *int64) (*models.RemoteCommand, error) {
	defer v.lock()()
	for _, c := range sortedValues(v.st().commands, func(c models.RemoteCommand) int64 { return c.ID }) {
		if c.StationID != stationID || c.Status != models.CommandPending {
			continue
		}
		if connectorID != nil && (c.ConnectorID == nil || *c.ConnectorID != *connectorID) {
			continue
		}
		c.Status = models.CommandSent
		c.UpdatedAt = v.s.Now()
		v.st().commands[c.ID] = c
		return &c, nil
	}
	return nil, nil
}

func (v *view) SetCommandStatus(_ context.Context, id int64, status models.CommandStatus) (*models.RemoteCommand, error) {
	defer v.lock()()
	c, ok := v.st().commands[id]
	if !ok {
		return nil, nil
	}
	c.Status = status
	c.UpdatedAt = v.s.Now()
	v.st().commands[id] = c
	return &c, nil
}
