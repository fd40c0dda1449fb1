package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"titlepilot/internal/domain"
	"titlepilot/internal/metrics"
	"titlepilot/internal/store"
)

// ErrNotClaimable is returned by TriggerManualRotation when the experiment
// is not active or its schedule is already claimed by a concurrent attempt.
var ErrNotClaimable = errors.New("experiment not claimable")

// Executor runs one rotation attempt for a claimed experiment.
// Implemented by the worker pool.
type Executor interface {
	Execute(ctx context.Context, experimentID string)
}

// Service owns the recurring poll loop: at each tick it claims due
// experiments from the store and hands them to the executor. Claiming is the
// sole serialization point, so several Service instances can run against the
// same store without double-firing.
type Service struct {
	store      *store.Store
	exec       Executor
	limiter    *rate.Limiter
	tick       time.Duration
	claimLimit int
	stallAfter time.Duration
	now        func() time.Time

	mu       sync.Mutex
	running  bool
	lastTick time.Time
	nextTick time.Time
	stop     chan struct{}
}

func NewService(st *store.Store, exec Executor, tick time.Duration, claimLimit int, stallAfter time.Duration, rps float64, burst int) *Service {
	return &Service{
		store:      st,
		exec:       exec,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		tick:       tick,
		claimLimit: claimLimit,
		stallAfter: stallAfter,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
}

// Start runs the poll loop until ctx is canceled or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.nextTick = s.now().Add(s.tick)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	log.Info().Dur("tick", s.tick).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.runTick(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// Status reports the loop's observability snapshot.
func (s *Service) Status() domain.SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := domain.SchedulerStatus{Running: s.running}
	if !s.lastTick.IsZero() {
		t := s.lastTick
		st.LastTickAt = &t
	}
	if s.running && !s.nextTick.IsZero() {
		t := s.nextTick
		st.NextTickAt = &t
	}
	return st
}

func (s *Service) runTick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	s.lastTick = now
	s.nextTick = now.Add(s.tick)
	s.mu.Unlock()
	metrics.SchedulerTicksTotal.Inc()

	if n, err := s.store.RecoverStalled(ctx, now, s.stallAfter); err != nil {
		log.Error().Err(err).Msg("recover stalled experiments")
	} else if n > 0 {
		log.Warn().Int("recovered", n).Msg("rescheduled stalled experiments")
	}

	ids, err := s.store.ClaimDue(ctx, now, s.claimLimit)
	if err != nil {
		// Store unreachable: abort the whole cycle, retry at the next tick.
		log.Error().Err(err).Msg("claim due experiments")
		return
	}
	if len(ids) == 0 {
		return
	}
	log.Info().Int("claimed", len(ids)).Msg("dispatching due experiments")

	for _, id := range ids {
		// The limiter keeps a backlogged cycle from storming the quota of
		// every account at once.
		if err := s.limiter.Wait(ctx); err != nil {
			log.Error().Err(err).Int("undispatched", undispatched(ids, id)).Msg("dispatch interrupted")
			return
		}
		s.exec.Execute(ctx, id)
	}
}

// TriggerManualRotation executes one rotation out of band. It reuses the
// same claim mechanism as the tick path, so a manual trigger can never race
// a simultaneously-due scheduled attempt for the same experiment; the
// pending occurrence is consumed and the worker reschedules from now.
func (s *Service) TriggerManualRotation(ctx context.Context, experimentID string) error {
	claimed, err := s.store.ClaimOne(ctx, experimentID, s.now())
	if err != nil {
		return fmt.Errorf("claim %s: %w", experimentID, err)
	}
	if !claimed {
		return ErrNotClaimable
	}
	log.Info().Str("experiment_id", experimentID).Msg("manual rotation triggered")
	s.exec.Execute(ctx, experimentID)
	return nil
}

// NextFire computes when e should rotate next, counting from `from`. Cron
// cadence wins over the fixed interval when both are present.
func NextFire(e *domain.Experiment, from time.Time) (time.Time, error) {
	if e.CronExpr != "" {
		sched, err := cron.ParseStandard(e.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", e.CronExpr, err)
		}
		return sched.Next(from), nil
	}
	if e.RotateEvery <= 0 {
		return time.Time{}, fmt.Errorf("experiment %s has no cadence", e.ID)
	}
	return from.Add(e.RotateEvery), nil
}

// ValidateCadence checks an interval/cron cadence pair at experiment
// creation time.
func ValidateCadence(rotateEvery time.Duration, cronExpr string) error {
	if cronExpr != "" {
		_, err := cron.ParseStandard(cronExpr)
		return err
	}
	if rotateEvery <= 0 {
		return errors.New("rotation interval must be positive")
	}
	return nil
}

func undispatched(ids []string, current string) int {
	for i, id := range ids {
		if id == current {
			return len(ids) - i
		}
	}
	return 0
}
