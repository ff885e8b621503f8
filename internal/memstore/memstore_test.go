package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"chargehub/internal/models"
	"chargehub/internal/repo"
)

func TestRollbackRestoresSnapshot(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx repo.Store) error {
		if _, err := tx.CreateStation(ctx, "CP-1"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx err = %v", err)
	}
	if n := len(s.Stations()); n != 0 {
		t.Errorf("stations after rollback = %d", n)
	}
}

func TestUniqueConstraints(t *testing.T) {
	s := New()
	ctx := context.Background()
	err := s.InTx(ctx, func(tx repo.Store) error {
		id, err := tx.CreateStation(ctx, "CP-1")
		if err != nil {
			return err
		}
		if _, err := tx.CreateStation(ctx, "CP-1"); !errors.Is(err, repo.ErrConflict) {
			t.Errorf("duplicate station err = %v", err)
		}
		if _, err := tx.CreateConnector(ctx, id, 1); err != nil {
			return err
		}
		if _, err := tx.CreateConnector(ctx, id, 1); !errors.Is(err, repo.ErrConflict) {
			t.Errorf("duplicate connector err = %v", err)
		}
		key := "k1"
		if _, err := tx.InsertWebhookLog(ctx, models.WebhookLog{Type: "heartbeat", IdempotencyKey: &key}); err != nil {
			return err
		}
		if _, err := tx.InsertWebhookLog(ctx, models.WebhookLog{Type: "heartbeat", IdempotencyKey: &key}); !errors.Is(err, repo.ErrConflict) {
			t.Errorf("duplicate log err = %v", err)
		}
		if _, err := tx.InsertWebhookLog(ctx, models.WebhookLog{Type: "authorize", IdempotencyKey: &key}); err != nil {
			t.Errorf("same key other type err = %v", err)
		}
		// null keys never collide
		for i := 0; i < 2; i++ {
			if _, err := tx.InsertWebhookLog(ctx, models.WebhookLog{Type: "heartbeat"}); err != nil {
				t.Errorf("keyless log err = %v", err)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
}

func TestSimulatedStationRaceSurvivesRollback(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.SimulateStationRace("CP-9")

	err := s.InTx(ctx, func(tx repo.Store) error {
		_, err := tx.CreateStation(ctx, "CP-9")
		return err
	})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if got := s.Stations(); len(got) != 1 || got[0].Code != "CP-9" {
		t.Errorf("stations = %+v", got)
	}
}

func TestClaimNextCommandFIFO(t *testing.T) {
	s := New()
	ctx := context.Background()
	var station int64
	_ = s.InTx(ctx, func(tx repo.Store) error {
		station, _ = tx.CreateStation(ctx, "CP")
		for i := 0; i < 2; i++ {
			_, _ = tx.InsertCommand(ctx, models.RemoteCommand{StationID: station, Command: models.CommandRemoteStart})
		}
		return nil
	})

	r := s.Reader()
	first, _ := r.ClaimNextCommand(ctx, station, nil)
	second, _ := r.ClaimNextCommand(ctx, station, nil)
	third, _ := r.ClaimNextCommand(ctx, station, nil)
	if first == nil || second == nil || first.ID >= second.ID {
		t.Fatalf("claims = %+v, %+v", first, second)
	}
	if first.Status != models.CommandSent {
		t.Errorf("status = %s", first.Status)
	}
	if third != nil {
		t.Errorf("third claim = %+v, want nil", third)
	}
}

func TestMarkStaleOfflineUsesReceiveTime(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var a, b int64
	_ = s.InTx(ctx, func(tx repo.Store) error {
		a, _ = tx.CreateStation(ctx, "A")
		b, _ = tx.CreateStation(ctx, "B")
		return nil
	})

	// device timestamps are the reverse of arrival order
	s.Now = func() time.Time { return now.Add(-time.Hour) }
	_ = s.Reader().TouchStation(ctx, a, nil, now)
	s.Now = func() time.Time { return now }
	_ = s.Reader().TouchStation(ctx, b, nil, now.Add(-time.Hour))

	n, err := s.Reader().MarkStaleOffline(ctx, now.Add(-5*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("MarkStaleOffline = %d, %v", n, err)
	}
	for _, st := range s.Stations() {
		want := models.ConnectivityOnline
		if st.Code == "A" {
			want = models.ConnectivityOffline
		}
		if st.ConnectivityStatus != want {
			t.Errorf("%s connectivity = %s, want %s", st.Code, st.ConnectivityStatus, want)
		}
	}
}
