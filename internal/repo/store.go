// Package repo holds the storage contracts used by the ingestion pipeline
// and their PostgreSQL implementation.
package repo

import (
	"context"
	"errors"
	"time"

	"chargehub/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrConflict reports that an insert lost a race against a unique constraint.
var ErrConflict = errors.New("repo: unique constraint conflict")

type StationStore interface {
	FindStationID(ctx context.Context, code string) (int64, bool, error)
	// CreateStation returns ErrConflict when the code already exists.
	CreateStation(ctx context.Context, code string) (int64, error)
	GetStation(ctx context.Context, code string) (*models.Station, error)
	StationAuthKeyHash(ctx context.Context, code string) (string, bool, error)
	ProvisionStation(ctx context.Context, code, name, authKeyHash string) (int64, error)
	ApplyBoot(ctx context.Context, id int64, info models.DeviceInfo, at time.Time) error
	// TouchStation marks the station online at the given time; a nil status leaves it unchanged.
	TouchStation(ctx context.Context, id int64, status *models.Status, at time.Time) error
	MarkStaleOffline(ctx context.Context, before time.Time) (int64, error)
}

type ConnectorStore interface {
	FindConnectorID(ctx context.Context, stationID int64, number int) (int64, bool, error)
	// CreateConnector returns ErrConflict when (station, number) already exists.
	CreateConnector(ctx context.Context, stationID int64, number int) (int64, error)
	UpdateConnectorStatus(ctx context.Context, id int64, status models.Status, at time.Time) error
	ListConnectors(ctx context.Context, stationID int64) ([]models.Connector, error)
}

type SessionStore interface {
	CreateSession(ctx context.Context, s models.ChargingSession) (int64, error)
	// LatestSessionID returns the highest session id on the connector, limited
	// to the given status unless status is empty.
	LatestSessionID(ctx context.Context, stationID, connectorID int64, status models.SessionStatus) (int64, bool, error)
	StopSession(ctx context.Context, id int64, endMethod string, at time.Time) error
	GetSession(ctx context.Context, id int64) (*models.ChargingSession, error)
	ListSessions(ctx context.Context, stationID int64, limit int) ([]models.ChargingSession, error)
	InsertStartRecord(ctx context.Context, r models.StartRecord) (int64, error)
	InsertStopRecord(ctx context.Context, r models.StopRecord) (int64, error)
	InsertMeterSample(ctx context.Context, m models.MeterSample) (int64, error)
	ListMeterSamples(ctx context.Context, sessionID int64, limit int) ([]models.MeterSample, error)
}

type LogStore interface {
	WebhookLogExists(ctx context.Context, eventType, key string) (bool, error)
	// InsertWebhookLog returns ErrConflict when (type, idempotency_key) is taken.
	InsertWebhookLog(ctx context.Context, l models.WebhookLog) (int64, error)
	InsertOcppEvent(ctx context.Context, e models.OcppEvent) (int64, error)
}

type CommandStore interface {
	InsertCommand(ctx context.Context, c models.RemoteCommand) (int64, error)
	// ClaimNextCommand moves the oldest pending command to sent and returns it,
	// or nil when the queue is empty.
	ClaimNextCommand(ctx context.Context, stationID int64, connectorID *int64) (*models.RemoteCommand, error)
	// SetCommandStatus returns nil when no command has the id.
	SetCommandStatus(ctx context.Context, id int64, status models.CommandStatus) (*models.RemoteCommand, error)
}

// CardStore backs the optional RFID allow-list.
type CardStore interface {
	ActiveCardExists(ctx context.Context, idTag string) (bool, error)
}

type Store interface {
	StationStore
	ConnectorStore
	SessionStore
	LogStore
	CommandStore
}

// Transactor runs fn inside one transaction; fn's error rolls everything back.
type Transactor interface {
	InTx(ctx context.Context, fn func(Store) error) error
	// Reader returns a Store outside any transaction for read-only paths.
	Reader() Store
}

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgStore struct{ db DBTX }

func NewPgStore(db DBTX) *PgStore { return &PgStore{db: db} }

type PgTransactor struct{ pool *pgxpool.Pool }

func NewPgTransactor(pool *pgxpool.Pool) *PgTransactor { return &PgTransactor{pool: pool} }

func (t *PgTransactor) InTx(ctx context.Context, fn func(Store) error) error {
	return pgx.BeginFunc(ctx, t.pool, func(tx pgx.Tx) error {
		return fn(&PgStore{db: tx})
	})
}

func (t *PgTransactor) Reader() Store { return &PgStore{db: t.pool} }

// insertReturningID runs an "on conflict do nothing returning id" statement and
// maps the empty result onto ErrConflict.
func insertReturningID(ctx context.Context, db DBTX, sql string, args ...any) (int64, error) {
	var id int64
	if err := db.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
			return 0, ErrConflict
		}
		return 0, err
	}
	return id, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
