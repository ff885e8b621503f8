package repo

import (
	"context"
	"errors"

	"chargehub/internal/models"

	"github.com/jackc/pgx/v5"
)

const commandColumns = `id, station_id, connector_id, command, payload, status, created_at, updated_at`

func scanCommand(row pgx.Row) (*models.RemoteCommand, error) {
	var c models.RemoteCommand
	var payload []byte
	if err := row.Scan(&c.ID, &c.StationID, &c.ConnectorID, &c.Command, &payload, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.Payload = payload
	return &c, nil
}

func (r *PgStore) InsertCommand(ctx context.Context, c models.RemoteCommand) (int64, error) {
	var payload []byte
	if len(c.Payload) > 0 {
		payload = c.Payload
	}
	row := r.db.QueryRow(ctx, `
		insert into remote_commands (station_id, connector_id, command, payload, status, created_at, updated_at)
		values ($1,$2,$3,$4,'pending',now(),now())
		returning id
	`, c.StationID, c.ConnectorID, c.Command, payload)

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// ClaimNextCommand locks the oldest pending row with skip locked so two
// concurrent polls never hand out the same command.
func (r *PgStore) ClaimNextCommand(ctx context.Context, stationID int64, connectorID *int64) (*models.RemoteCommand, error) {
	return scanCommand(r.db.QueryRow(ctx, `
		update remote_commands set status='sent', updated_at=now()
		where id = (
		  select id from remote_commands
		  where station_id=$1 and status='pending' and ($2::bigint is null or connector_id=$2::bigint)
		  order by id asc
		  limit 1
		  for update skip locked
		)
		returning `+commandColumns, stationID, connectorID))
}

func (r *PgStore) SetCommandStatus(ctx context.Context, id int64, status models.CommandStatus) (*models.RemoteCommand, error) {
	return scanCommand(r.db.QueryRow(ctx, `
		update remote_commands set status=$2, updated_at=now()
		where id=$1
		returning `+commandColumns, id, string(status)))
}
