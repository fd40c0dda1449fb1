package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"titlepilot/internal/domain"
	"titlepilot/internal/store"
)

type recordingExecutor struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingExecutor) Execute(ctx context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *recordingExecutor) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func newTestService(t *testing.T, tick time.Duration) (*Service, *store.Store, *recordingExecutor) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	exec := &recordingExecutor{}
	svc := NewService(st, exec, tick, 100, 10*time.Minute, 1000, 100)
	return svc, st, exec
}

func seedDue(t *testing.T, st *store.Store, fireAt time.Time) string {
	t.Helper()
	id, err := st.CreateExperiment(context.Background(), domain.Experiment{
		AccountID:   "acct-1",
		VideoID:     "vid-1",
		Variants:    []string{"A", "B"},
		RotateEvery: time.Hour,
		Status:      domain.StatusActive,
		NextFireAt:  &fireAt,
	})
	if err != nil {
		t.Fatalf("create experiment: %v", err)
	}
	return id
}

func TestTickDispatchesDueExperiments(t *testing.T) {
	svc, st, exec := newTestService(t, time.Minute)
	now := time.Now().UTC()

	due := seedDue(t, st, now.Add(-time.Minute))
	seedDue(t, st, now.Add(time.Hour)) // not due

	svc.runTick(context.Background(), now)

	got := exec.executed()
	if len(got) != 1 || got[0] != due {
		t.Fatalf("executed %v, want [%s]", got, due)
	}

	// The claim advanced the schedule, so the next tick sees nothing.
	svc.runTick(context.Background(), now)
	if got := exec.executed(); len(got) != 1 {
		t.Fatalf("second tick re-dispatched: %v", got)
	}
}

func TestStatusLifecycle(t *testing.T) {
	svc, _, _ := newTestService(t, 20*time.Millisecond)

	if st := svc.Status(); st.Running {
		t.Fatal("scheduler must not report running before Start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !svc.Status().Running {
		if time.Now().After(deadline) {
			t.Fatal("scheduler never reported running")
		}
		time.Sleep(time.Millisecond)
	}
	if st := svc.Status(); st.NextTickAt == nil {
		t.Error("running scheduler must report next tick")
	}

	svc.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	if st := svc.Status(); st.Running {
		t.Error("stopped scheduler must not report running")
	}
}

func TestStartLoopClaims(t *testing.T) {
	svc, st, exec := newTestService(t, 20*time.Millisecond)
	seedDue(t, st, time.Now().UTC().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Start(ctx)
	defer svc.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for len(exec.executed()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("due experiment was never dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManualTriggerConsumesClaim(t *testing.T) {
	svc, st, exec := newTestService(t, time.Minute)
	ctx := context.Background()
	id := seedDue(t, st, time.Now().UTC().Add(time.Hour))

	if err := svc.TriggerManualRotation(ctx, id); err != nil {
		t.Fatalf("manual trigger: %v", err)
	}
	if got := exec.executed(); len(got) != 1 || got[0] != id {
		t.Fatalf("executed %v, want [%s]", got, id)
	}

	// The pending occurrence was consumed; a due-scan cannot double-fire.
	svc.runTick(ctx, time.Now().UTC().Add(2*time.Hour))
	if got := exec.executed(); len(got) != 1 {
		t.Fatalf("manual trigger raced the tick: %v", got)
	}

	// And a second manual trigger has nothing to claim.
	if err := svc.TriggerManualRotation(ctx, id); !errors.Is(err, ErrNotClaimable) {
		t.Fatalf("err = %v, want ErrNotClaimable", err)
	}
}

func TestManualTriggerRejectsPaused(t *testing.T) {
	svc, st, _ := newTestService(t, time.Minute)
	ctx := context.Background()
	id := seedDue(t, st, time.Now().UTC().Add(time.Hour))

	if err := st.SetStatus(ctx, id, domain.StatusPaused, ""); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := svc.TriggerManualRotation(ctx, id); !errors.Is(err, ErrNotClaimable) {
		t.Fatalf("err = %v, want ErrNotClaimable", err)
	}
}

func TestNextFireInterval(t *testing.T) {
	e := domain.Experiment{ID: "exp_1", RotateEvery: time.Hour}
	from := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	got, err := NextFire(&e, from)
	if err != nil {
		t.Fatalf("NextFire: %v", err)
	}
	if !got.Equal(from.Add(time.Hour)) {
		t.Errorf("NextFire = %v, want %v", got, from.Add(time.Hour))
	}
}

func TestNextFireCron(t *testing.T) {
	e := domain.Experiment{ID: "exp_1", CronExpr: "0 * * * *"} // top of every hour
	from := time.Date(2026, 8, 28, 10, 30, 0, 0, time.UTC)
	got, err := NextFire(&e, from)
	if err != nil {
		t.Fatalf("NextFire: %v", err)
	}
	want := time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextFire = %v, want %v", got, want)
	}
}

func TestNextFireNoCadence(t *testing.T) {
	e := domain.Experiment{ID: "exp_1"}
	if _, err := NextFire(&e, time.Now()); err == nil {
		t.Fatal("experiment without cadence must error")
	}
}

func TestValidateCadence(t *testing.T) {
	if err := ValidateCadence(time.Hour, ""); err != nil {
		t.Errorf("interval cadence: %v", err)
	}
	if err := ValidateCadence(0, "*/10 * * * *"); err != nil {
		t.Errorf("cron cadence: %v", err)
	}
	if err := ValidateCadence(0, ""); err == nil {
		t.Error("missing cadence must error")
	}
	if err := ValidateCadence(0, "not a cron"); err == nil {
		t.Error("bad cron must error")
	}
}
