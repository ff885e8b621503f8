package services

import (
	"context"
	"errors"

	"chargehub/internal/repo"

	"github.com/sirupsen/logrus"
)

// ErrDuplicateDelivery is returned from inside a transaction when the webhook
// log insert collides on (type, idempotency_key). The caller rolls back and
// answers as an idempotent hit.
var ErrDuplicateDelivery = errors.New("duplicate delivery")

// IdempotencyCache is a best-effort fast path in front of webhook_logs.
// The database constraint stays authoritative.
type IdempotencyCache interface {
	Seen(ctx context.Context, eventType, key string) (bool, error)
	Remember(ctx context.Context, eventType, key string) error
}

type Guard struct {
	Cache IdempotencyCache
	Log   logrus.FieldLogger
}

// SeenCached consults the cache only; cache errors count as a miss.
func (g *Guard) SeenCached(ctx context.Context, eventType string, key *string) bool {
	if g == nil || g.Cache == nil || key == nil {
		return false
	}
	hit, err := g.Cache.Seen(ctx, eventType, *key)
	if err != nil {
		g.Log.WithError(err).Warn("idempotency cache lookup failed")
		return false
	}
	return hit
}

// Seen reports whether a webhook log already exists for (eventType, key).
func (g *Guard) Seen(ctx context.Context, tx repo.Store, eventType string, key *string) (bool, error) {
	if key == nil {
		return false, nil
	}
	return tx.WebhookLogExists(ctx, eventType, *key)
}

// Remember records a committed key in the cache.
func (g *Guard) Remember(ctx context.Context, eventType string, key *string) {
	if g == nil || g.Cache == nil || key == nil {
		return
	}
	if err := g.Cache.Remember(ctx, eventType, *key); err != nil {
		g.Log.WithError(err).Warn("idempotency cache write failed")
	}
}

func idempotentResponse() map[string]any {
	return map[string]any{"ok": true, "idempotent": true}
}
