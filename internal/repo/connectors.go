package repo

import (
	"context"
	"errors"
	"time"

	"chargehub/internal/models"

	"github.com/jackc/pgx/v5"
)

func (r *PgStore) FindConnectorID(ctx context.Context, stationID int64, number int) (int64, bool, error) {
	var id int64
	err := r.db.QueryRow(ctx, `select id from connectors where station_id=$1 and connector_number=$2`, stationID, number).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

func (r *PgStore) CreateConnector(ctx context.Context, stationID int64, number int) (int64, error) {
	return insertReturningID(ctx, r.db, `
		insert into connectors (station_id, connector_number, status, created_at, updated_at)
		values ($1, $2, 'available', now(), now())
		on conflict (station_id, connector_number) do nothing
		returning id
	`, stationID, number)
}

func (r *PgStore) UpdateConnectorStatus(ctx context.Context, id int64, status models.Status, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		update connectors set status=$2, last_status_at=$3, updated_at=now()
		where id=$1
	`, id, string(status), at)
	return err
}

func (r *PgStore) ListConnectors(ctx context.Context, stationID int64) ([]models.Connector, error) {
	rows, err := r.db.Query(ctx, `
		select id, station_id, connector_number, status, power_kw::float8, last_status_at, created_at, updated_at
		from connectors where station_id=$1
		order by connector_number asc
	`, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Connector
	for rows.Next() {
		var c models.Connector
		if err := rows.Scan(&c.ID, &c.StationID, &c.ConnectorNumber, &c.Status, &c.PowerKW, &c.LastStatusAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
