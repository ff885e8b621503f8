package services

import (
	"context"
	"testing"
	"time"

	"chargehub/internal/logging"
	"chargehub/internal/memstore"
	"chargehub/internal/models"
)

func TestSweepJudgesLivenessByReceiveTime(t *testing.T) {
	p, store := newProcessor(t)

	// received an hour ago, device clock claims it is current
	store.Now = func() time.Time { return fixedNow.Add(-time.Hour) }
	mustHandle(t, p, "heartbeat", `{"station_code":"OLD","timestamp":"2024-06-01T11:59:00Z"}`, nil)

	// received now, device clock ten minutes behind
	store.Now = func() time.Time { return fixedNow }
	mustHandle(t, p, "heartbeat", `{"station_code":"LAGGING","timestamp":"2024-06-01T11:50:00Z"}`, nil)
	mustHandle(t, p, "status-notification", `{"station_code":"RETRIED","connector":1,"status":"Available","timestamp":"2024-06-01T09:00:00Z"}`, nil)

	s := &ConnectivitySweeper{
		Tx:           store,
		OfflineAfter: 5 * time.Minute,
		Clock:        Clock{Now: func() time.Time { return fixedNow }},
		Log:          logging.Discard(),
	}
	n, err := s.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
	for _, st := range store.Stations() {
		want := models.ConnectivityOnline
		if st.Code == "OLD" {
			want = models.ConnectivityOffline
		}
		if st.ConnectivityStatus != want {
			t.Errorf("%s = %s, want %s", st.Code, st.ConnectivityStatus, want)
		}
	}
}

func TestRunReturnsWhenDisabledOrCancelled(t *testing.T) {
	s := &ConnectivitySweeper{Tx: memstore.New(), Log: logging.Discard()}
	done := make(chan struct{})
	go func() { s.Run(context.Background()); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled sweeper did not return")
	}

	s.OfflineAfter, s.Interval = time.Minute, 10*time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done = make(chan struct{})
	go func() { s.Run(ctx); close(done) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper ignored cancellation")
	}
}
