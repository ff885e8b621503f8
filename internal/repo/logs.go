package repo

import (
	"context"

	"chargehub/internal/models"
)

func (r *PgStore) WebhookLogExists(ctx context.Context, eventType, key string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		select exists(select 1 from webhook_logs where type=$1 and idempotency_key=$2)
	`, eventType, key).Scan(&exists)
	return exists, err
}

func (r *PgStore) InsertWebhookLog(ctx context.Context, l models.WebhookLog) (int64, error) {
	return insertReturningID(ctx, r.db, `
		insert into webhook_logs (type, related_id, idempotency_key, payload, response, status_code, received_at, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,now(),now())
		on conflict (type, idempotency_key) do nothing
		returning id
	`, l.Type, l.RelatedID, l.IdempotencyKey, []byte(l.Payload), []byte(l.Response), l.StatusCode, l.ReceivedAt)
}

func (r *PgStore) InsertOcppEvent(ctx context.Context, e models.OcppEvent) (int64, error) {
	row := r.db.QueryRow(ctx, `
		insert into ocpp_events (station_id, connector_id, name, level, detail, event_time, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,now(),now())
		returning id
	`, e.StationID, e.ConnectorID, e.Name, e.Level, []byte(e.Detail), e.EventTime)

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// ActiveCardExists is the rfid_cards lookup behind the card allow-list.
func (r *PgStore) ActiveCardExists(ctx context.Context, idTag string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		select exists(select 1 from rfid_cards where id_tag=$1 and is_active)
	`, idTag).Scan(&exists)
	return exists, err
}
