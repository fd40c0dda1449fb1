package worker

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
	"titlepilot/internal/quota"
	"titlepilot/internal/store"
)

type fakeRenamer struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (f *fakeRenamer) Rename(ctx context.Context, videoID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.titles = append(f.titles, title)
	return nil
}

func (f *fakeRenamer) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.titles...)
}

type slowRenamer struct{}

func (slowRenamer) Rename(ctx context.Context, videoID, title string) error {
	<-ctx.Done()
	return ctx.Err()
}

func newTestPool(t *testing.T, renamer interface {
	Rename(context.Context, string, string) error
}, quotaLimit int) (*Pool, *store.Store, *quota.Ledger) {
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
	ledger := quota.NewLedger(db, quotaLimit, quota.Costs{Write: 50, Read: 1})
	p := NewPool(st, ledger, renamer, 2, 50*time.Millisecond, 3, time.Minute)
	return p, st, ledger
}

func createExperiment(t *testing.T, st *store.Store, policy domain.Policy) string {
	t.Helper()
	id, err := st.CreateExperiment(context.Background(), domain.Experiment{
		AccountID:   "acct-1",
		VideoID:     "vid-1",
		Variants:    []string{"A", "B", "C"},
		RotateEvery: time.Hour,
		Policy:      policy,
		Status:      domain.StatusActive,
	})
	if err != nil {
		t.Fatalf("create experiment: %v", err)
	}
	return id
}

// Experiment with variants [A B C] and a 1-hour interval rotates to B, then
// C, then completes with no further schedule.
func TestRotateSequenceToCompletion(t *testing.T) {
	fr := &fakeRenamer{}
	p, st, _ := newTestPool(t, fr, 1000)
	ctx := context.Background()
	id := createExperiment(t, st, domain.PolicySequential)

	t0 := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	for hour := 1; hour <= 3; hour++ {
		now := t0.Add(time.Duration(hour) * time.Hour)
		p.now = func() time.Time { return now }
		p.rotate(ctx, id)
	}

	e, err := st.GetExperiment(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Status != domain.StatusCompleted {
		t.Fatalf("Status = %s, want completed", e.Status)
	}
	if e.NextFireAt != nil {
		t.Error("completed experiment must not be scheduled")
	}
	if got := fr.calls(); len(got) != 2 || got[0] != "B" || got[1] != "C" {
		t.Fatalf("renames = %v, want [B C]", got)
	}

	entries, _ := st.ListRotations(ctx, id, 10)
	if len(entries) != 2 {
		t.Fatalf("rotation log has %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Outcome != domain.OutcomeSuccess {
			t.Errorf("outcome = %s, want success", e.Outcome)
		}
	}
}

func TestRotateSchedulesNextInterval(t *testing.T) {
	fr := &fakeRenamer{}
	p, st, _ := newTestPool(t, fr, 1000)
	ctx := context.Background()
	id := createExperiment(t, st, domain.PolicySequential)

	now := time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	p.rotate(ctx, id)

	e, _ := st.GetExperiment(ctx, id)
	if e.VariantIndex != 1 {
		t.Fatalf("VariantIndex = %d, want 1", e.VariantIndex)
	}
	want := now.Add(time.Hour)
	if e.NextFireAt == nil || !e.NextFireAt.Equal(want) {
		t.Fatalf("NextFireAt = %v, want %v", e.NextFireAt, want)
	}
}

func TestRotateCyclicWraps(t *testing.T) {
	fr := &fakeRenamer{}
	p, st, _ := newTestPool(t, fr, 1000)
	ctx := context.Background()
	id := createExperiment(t, st, domain.PolicyCyclic)

	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		now = now.Add(time.Hour)
		p.now = func() time.Time { return now }
		p.rotate(ctx, id)
	}

	e, _ := st.GetExperiment(ctx, id)
	if e.Status != domain.StatusActive {
		t.Fatalf("Status = %s, want active", e.Status)
	}
	// 0 -> 1 -> 2 -> 0 -> 1
	if e.VariantIndex != 1 {
		t.Fatalf("VariantIndex = %d, want 1", e.VariantIndex)
	}
	if got := fr.calls(); len(got) != 4 || got[2] != "A" {
		t.Fatalf("renames = %v, want wrap back to A on third rotation", got)
	}
}

// Quota denial defers the rotation a full interval without touching the
// variant index or failure streak.
func TestRotateQuotaDeferred(t *testing.T) {
	fr := &fakeRenamer{}
	p, st, ledger := newTestPool(t, fr, 200)
	ctx := context.Background()
	id := createExperiment(t, st, domain.PolicySequential)

	// Drive the account to 190/200; the 50-unit write no longer fits.
	for i := 0; i < 3; i++ {
		if err := ledger.Admit(ctx, "acct-1", domain.OpWrite); err != nil {
			t.Fatalf("seed write: %v", err)
		}
	}
	for i := 0; i < 40; i++ {
		if err := ledger.Admit(ctx, "acct-1", domain.OpRead); err != nil {
			t.Fatalf("seed read: %v", err)
		}
	}

	now := time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	p.rotate(ctx, id)

	if len(fr.calls()) != 0 {
		t.Fatal("denied rotation must not call the platform")
	}
	e, _ := st.GetExperiment(ctx, id)
	if e.Status != domain.StatusActive || e.VariantIndex != 0 || e.ConsecutiveFailures != 0 {
		t.Fatalf("deferral mutated experiment: %+v", e)
	}
	want := now.Add(time.Hour)
	if e.NextFireAt == nil || !e.NextFireAt.Equal(want) {
		t.Fatalf("NextFireAt = %v, want deferral to %v", e.NextFireAt, want)
	}
	entries, _ := st.ListRotations(ctx, id, 10)
	if len(entries) != 1 || entries[0].Outcome != domain.OutcomeQuotaDeferred {
		t.Fatalf("log = %+v, want one quota_deferred entry", entries)
	}
}

// Three consecutive failures pause the experiment and surface the reason.
func TestRotateFailureCeilingPauses(t *testing.T) {
	fr := &fakeRenamer{err: errors.New("upstream 500")}
	p, st, _ := newTestPool(t, fr, 1000)
	ctx := context.Background()
	id := createExperiment(t, st, domain.PolicySequential)

	now := time.Date(2026, 8, 28, 11, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	// First two failures: short-backoff retry, still active.
	for i := 0; i < 2; i++ {
		p.rotate(ctx, id)
		e, _ := st.GetExperiment(ctx, id)
		if e.Status != domain.StatusActive {
			t.Fatalf("failure %d: Status = %s, want active", i+1, e.Status)
		}
		want := now.Add(time.Minute)
		if e.NextFireAt == nil || !e.NextFireAt.Equal(want) {
			t.Fatalf("failure %d: NextFireAt = %v, want backoff to %v", i+1, e.NextFireAt, want)
		}
	}

	p.rotate(ctx, id)

	e, _ := st.GetExperiment(ctx, id)
	if e.Status != domain.StatusPaused {
		t.Fatalf("Status = %s, want paused", e.Status)
	}
	if e.NextFireAt != nil {
		t.Error("auto-paused experiment must not be scheduled")
	}
	if e.PauseReason == "" || e.LastError == "" || e.LastFailureAt == nil {
		t.Errorf("failure detail not surfaced: %+v", e)
	}
	if e.VariantIndex != 0 {
		t.Errorf("failed rotations must not advance the variant index, got %d", e.VariantIndex)
	}
	entries, _ := st.ListRotations(ctx, id, 10)
	if len(entries) != 3 {
		t.Fatalf("log has %d entries, want 3", len(entries))
	}
	for _, en := range entries {
		if en.Outcome != domain.OutcomeFailure || en.Error == "" {
			t.Errorf("entry = %+v, want failure with detail", en)
		}
	}
}

func TestRotateTimeoutIsFailure(t *testing.T) {
	p, st, _ := newTestPool(t, slowRenamer{}, 1000)
	ctx := context.Background()
	id := createExperiment(t, st, domain.PolicySequential)

	p.rotate(ctx, id)

	e, _ := st.GetExperiment(ctx, id)
	if e.ConsecutiveFailures != 1 {
		t.Fatalf("ConsecutiveFailures = %d, want 1", e.ConsecutiveFailures)
	}
	entries, _ := st.ListRotations(ctx, id, 10)
	if len(entries) != 1 || entries[0].Outcome != domain.OutcomeFailure {
		t.Fatalf("log = %+v, want one failure entry", entries)
	}
}

// A claim that was dispatched before the experiment was paused is discarded
// silently.
func TestRotateStaleDispatchDiscarded(t *testing.T) {
	fr := &fakeRenamer{}
	p, st, _ := newTestPool(t, fr, 1000)
	ctx := context.Background()
	id := createExperiment(t, st, domain.PolicySequential)

	if err := st.SetStatus(ctx, id, domain.StatusPaused, "paused by owner"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	p.rotate(ctx, id)

	if len(fr.calls()) != 0 {
		t.Fatal("paused experiment must not be rotated")
	}
	entries, _ := st.ListRotations(ctx, id, 10)
	if len(entries) != 0 {
		t.Fatalf("stale dispatch logged entries: %+v", entries)
	}
}

func TestRotatePastEndTimeCompletes(t *testing.T) {
	fr := &fakeRenamer{}
	p, st, _ := newTestPool(t, fr, 1000)
	ctx := context.Background()

	end := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	id, err := st.CreateExperiment(ctx, domain.Experiment{
		AccountID:   "acct-1",
		VideoID:     "vid-1",
		Variants:    []string{"A", "B"},
		RotateEvery: time.Hour,
		Policy:      domain.PolicyCyclic,
		Status:      domain.StatusActive,
		EndAt:       &end,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	p.now = func() time.Time { return end.Add(time.Minute) }
	p.rotate(ctx, id)

	e, _ := st.GetExperiment(ctx, id)
	if e.Status != domain.StatusCompleted {
		t.Fatalf("Status = %s, want completed", e.Status)
	}
	if len(fr.calls()) != 0 {
		t.Fatal("no rename may happen past the end time")
	}
}
