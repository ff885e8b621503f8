package repo

import (
	"context"
	"errors"
	"time"

	"chargehub/internal/models"

	"github.com/jackc/pgx/v5"
)

const sessionColumns = `id, station_id, connector_id, status, start_method, end_method,
	total_energy_kwh::float8, energy_cost::float8, total_cost::float8, ended_at, created_at, updated_at`

func scanSession(row pgx.Row, s *models.ChargingSession) error {
	return row.Scan(&s.ID, &s.StationID, &s.ConnectorID, &s.Status, &s.StartMethod, &s.EndMethod,
		&s.TotalEnergyKWh, &s.EnergyCost, &s.TotalCost, &s.EndedAt, &s.CreatedAt, &s.UpdatedAt)
}

func (r *PgStore) CreateSession(ctx context.Context, s models.ChargingSession) (int64, error) {
	row := r.db.QueryRow(ctx, `
		insert into charging_sessions (station_id, connector_id, status, start_method, created_at, updated_at)
		values ($1,$2,$3,$4,$5,now())
		returning id
	`, s.StationID, s.ConnectorID, string(s.Status), s.StartMethod, s.CreatedAt)

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *PgStore) LatestSessionID(ctx context.Context, stationID, connectorID int64, status models.SessionStatus) (int64, bool, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		select id from charging_sessions
		where station_id=$1 and connector_id=$2 and ($3::text = '' or status = $3::text)
		order by id desc
		limit 1
	`, stationID, connectorID, string(status)).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

func (r *PgStore) StopSession(ctx context.Context, id int64, endMethod string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		update charging_sessions set status='stopped', end_method=$2, ended_at=$3, updated_at=now()
		where id=$1
	`, id, endMethod, at)
	return err
}

func (r *PgStore) GetSession(ctx context.Context, id int64) (*models.ChargingSession, error) {
	row := r.db.QueryRow(ctx, `select `+sessionColumns+` from charging_sessions where id=$1`, id)

	var s models.ChargingSession
	if err := scanSession(row, &s); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *PgStore) ListSessions(ctx context.Context, stationID int64, limit int) ([]models.ChargingSession, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		select `+sessionColumns+`
		from charging_sessions where station_id=$1
		order by id desc
		limit $2
	`, stationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChargingSession
	for rows.Next() {
		var s models.ChargingSession
		if err := scanSession(rows, &s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PgStore) InsertStartRecord(ctx context.Context, rec models.StartRecord) (int64, error) {
	row := r.db.QueryRow(ctx, `
		insert into ocpp_start_transactions (session_id, station_id, connector_id, id_tag, meter_start, meter_start_kwh, timestamp, raw, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,now(),now())
		returning id
	`, rec.SessionID, rec.StationID, rec.ConnectorID, rec.IdTag, rec.MeterStart, rec.MeterStartKWh, rec.Timestamp, []byte(rec.Raw))

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *PgStore) InsertStopRecord(ctx context.Context, rec models.StopRecord) (int64, error) {
	row := r.db.QueryRow(ctx, `
		insert into ocpp_stop_transactions (session_id, station_id, connector_id, event_time, reason, meter_stop, meter_stop_kwh, total_energy_kwh, total_cost, raw, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
		returning id
	`, rec.SessionID, rec.StationID, rec.ConnectorID, rec.EventTime, rec.Reason, rec.MeterStop, rec.MeterStopKWh, rec.TotalEnergyKWh, rec.TotalCost, []byte(rec.Raw))

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *PgStore) InsertMeterSample(ctx context.Context, m models.MeterSample) (int64, error) {
	row := r.db.QueryRow(ctx, `
		insert into ocpp_meter_values (station_id, connector_id, session_id, event_time, meter_value, energy_kwh, power_kw, voltage, current, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),now())
		returning id
	`, m.StationID, m.ConnectorID, m.SessionID, m.EventTime, []byte(m.RawJSON), m.EnergyKWh, m.PowerKW, m.Voltage, m.Current)

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *PgStore) ListMeterSamples(ctx context.Context, sessionID int64, limit int) ([]models.MeterSample, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := r.db.Query(ctx, `
		select id, station_id, connector_id, session_id, event_time, meter_value,
		       energy_kwh::float8, power_kw::float8, voltage::float8, current::float8, created_at
		from ocpp_meter_values where session_id=$1
		order by id asc
		limit $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MeterSample
	for rows.Next() {
		var m models.MeterSample
		var raw []byte
		if err := rows.Scan(&m.ID, &m.StationID, &m.ConnectorID, &m.SessionID, &m.EventTime, &raw,
			&m.EnergyKWh, &m.PowerKW, &m.Voltage, &m.Current, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.RawJSON = raw
		out = append(out, m)
	}
	return out, rows.Err()
}
