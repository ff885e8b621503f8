package repo

import (
	"context"
	"errors"
	"time"

	"chargehub/internal/models"

	"github.com/jackc/pgx/v5"
)

func (r *PgStore) FindStationID(ctx context.Context, code string) (int64, bool, error) {
	var id int64
	err := r.db.QueryRow(ctx, `select id from stations where code=$1`, code).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

func (r *PgStore) CreateStation(ctx context.Context, code string) (int64, error) {
	return insertReturningID(ctx, r.db, `
		insert into stations (code, name, status, connectivity_status, created_at, updated_at)
		values ($1, $1, 'available', 'offline', now(), now())
		on conflict (code) do nothing
		returning id
	`, code)
}

func (r *PgStore) GetStation(ctx context.Context, code string) (*models.Station, error) {
	row := r.db.QueryRow(ctx, `
		select s.id, s.code, s.name, s.status, s.connectivity_status, s.last_heartbeat_at, s.last_seen_at,
		       s.vendor, s.model, s.firmware_version,
		       (select count(*) from connectors c where c.station_id = s.id),
		       s.created_at, s.updated_at
		from stations s where s.code=$1
	`, code)

	var s models.Station
	if err := row.Scan(&s.ID, &s.Code, &s.Name, &s.Status, &s.ConnectivityStatus, &s.LastHeartbeatAt, &s.LastSeenAt,
		&s.Vendor, &s.Model, &s.FirmwareVersion, &s.ConnectorsCount, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *PgStore) StationAuthKeyHash(ctx context.Context, code string) (string, bool, error) {
	var hash string
	err := r.db.QueryRow(ctx, `select coalesce(auth_key_hash,'') from stations where code=$1 and deleted_at is null`, code).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return hash, true, nil
}

func (r *PgStore) ProvisionStation(ctx context.Context, code, name, authKeyHash string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		insert into stations (code, name, status, connectivity_status, auth_key_hash, created_at, updated_at)
		values ($1, $2, 'available', 'offline', nullif($3,''), now(), now())
		on conflict (code) do update set
		  name=excluded.name,
		  auth_key_hash=coalesce(excluded.auth_key_hash, stations.auth_key_hash),
		  updated_at=now()
		returning id
	`, code, name, authKeyHash).Scan(&id)
	return id, err
}

func (r *PgStore) ApplyBoot(ctx context.Context, id int64, info models.DeviceInfo, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		update stations set
		  status='available',
		  connectivity_status='online',
		  last_heartbeat_at=$2,
		  last_seen_at=now(),
		  vendor=coalesce($3, vendor),
		  model=coalesce($4, model),
		  firmware_version=coalesce($5, firmware_version),
		  updated_at=now()
		where id=$1
	`, id, at, info.Vendor, info.Model, info.Firmware)
	return err
}

func (r *PgStore) TouchStation(ctx context.Context, id int64, status *models.Status, at time.Time) error {
	var st *string
	if status != nil {
		s := string(*status)
		st = &s
	}
	_, err := r.db.Exec(ctx, `
		update stations set connectivity_status='online', last_heartbeat_at=$2, last_seen_at=now(), status=coalesce($3, status), updated_at=now()
		where id=$1
	`, id, at, st)
	return err
}

func (r *PgStore) MarkStaleOffline(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		update stations set connectivity_status='offline', updated_at=now()
		where connectivity_status='online' and (last_seen_at is null or last_seen_at < $1)
	`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
