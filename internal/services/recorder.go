package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"chargehub/internal/models"
	"chargehub/internal/repo"
)

// Record appends the audit row for one processed event. A unique collision on
// (type, key) means a concurrent duplicate won and becomes ErrDuplicateDelivery.
func Record(ctx context.Context, tx repo.Store, eventType string, payload, response any, relatedID *int64, key *string, at time.Time) (int64, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	r, err := json.Marshal(response)
	if err != nil {
		return 0, fmt.Errorf("encode response: %w", err)
	}
	id, err := tx.InsertWebhookLog(ctx, models.WebhookLog{
		Type:           eventType,
		RelatedID:      relatedID,
		IdempotencyKey: key,
		Payload:        p,
		Response:       r,
		StatusCode:     http.StatusOK,
		ReceivedAt:     at,
	})
	if errors.Is(err, repo.ErrConflict) {
		return 0, ErrDuplicateDelivery
	}
	if err != nil {
		return 0, fmt.Errorf("insert webhook log: %w", err)
	}
	return id, nil
}
