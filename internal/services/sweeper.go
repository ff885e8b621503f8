package services

import (
	"context"
	"time"

	"chargehub/internal/repo"

	"github.com/sirupsen/logrus"
)

// ConnectivitySweeper marks stations offline once nothing has been received
// from them for OfflineAfter, measured on the server clock.
type ConnectivitySweeper struct {
	Tx           repo.Transactor
	OfflineAfter time.Duration
	Interval     time.Duration
	Clock        Clock
	Log          logrus.FieldLogger
}

func (s *ConnectivitySweeper) Sweep(ctx context.Context) (int64, error) {
	before := s.Clock.now().Add(-s.OfflineAfter)
	var n int64
	err := s.Tx.InTx(ctx, func(tx repo.Store) error {
		var err error
		n, err = tx.MarkStaleOffline(ctx, before)
		return err
	})
	return n, err
}

// Run sweeps every Interval until ctx is done. It returns at once when the
// sweeper is disabled.
func (s *ConnectivitySweeper) Run(ctx context.Context) {
	if s.OfflineAfter <= 0 || s.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.Log.WithError(err).Error("connectivity sweep failed")
				continue
			}
			if n > 0 {
				s.Log.WithField("stations", n).Info("marked stale stations offline")
			}
		}
	}
}
