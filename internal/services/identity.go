package services

import (
	"context"
	"errors"
	"fmt"

	"chargehub/internal/apperr"
	"chargehub/internal/repo"
)

// ResolveStation returns the id for code, creating the station inside tx when
// it is unknown.
func ResolveStation(ctx context.Context, tx repo.Store, code string) (int64, error) {
	id, err := findOrCreate(
		func() (int64, bool, error) { return tx.FindStationID(ctx, code) },
		func() (int64, error) { return tx.CreateStation(ctx, code) },
	)
	if err != nil {
		return 0, fmt.Errorf("resolve station %q: %w", code, err)
	}
	return id, nil
}

// ResolveConnector returns the connector id for (stationID, number), creating it when missing.
func ResolveConnector(ctx context.Context, tx repo.Store, stationID int64, number int) (int64, error) {
	id, err := findOrCreate(
		func() (int64, bool, error) { return tx.FindConnectorID(ctx, stationID, number) },
		func() (int64, error) { return tx.CreateConnector(ctx, stationID, number) },
	)
	if err != nil {
		return 0, fmt.Errorf("resolve connector %d/%d: %w", stationID, number, err)
	}
	return id, nil
}

// Resolve is ResolveStation plus ResolveConnector.
func Resolve(ctx context.Context, tx repo.Store, code string, number int) (stationID, connectorID int64, err error) {
	stationID, err = ResolveStation(ctx, tx, code)
	if err != nil {
		return 0, 0, err
	}
	connectorID, err = ResolveConnector(ctx, tx, stationID, number)
	return stationID, connectorID, err
}

// ResolveExisting never creates: an unknown station or connector is a NotFoundError.
func ResolveExisting(ctx context.Context, tx repo.Store, code string, number *int) (int64, *int64, error) {
	stationID, ok, err := tx.FindStationID(ctx, code)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, apperr.NewNotFound("station", code)
	}
	if number == nil {
		return stationID, nil, nil
	}
	connectorID, ok, err := tx.FindConnectorID(ctx, stationID, *number)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, apperr.NewNotFound("connector", fmt.Sprintf("%s#%d", code, *number))
	}
	return stationID, &connectorID, nil
}

// findOrCreate retries the lookup once when the insert loses a unique-constraint race.
func findOrCreate(find func() (int64, bool, error), create func() (int64, error)) (int64, error) {
	if id, ok, err := find(); err != nil || ok {
		return id, err
	}
	id, err := create()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, repo.ErrConflict) {
		return 0, err
	}
	id, ok, err := find()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.New("row missing after unique conflict")
	}
	return id, nil
}
