package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"titlepilot/internal/domain"
	"titlepilot/internal/metrics"
	"titlepilot/internal/platform"
	"titlepilot/internal/quota"
	"titlepilot/internal/scheduler"
	"titlepilot/internal/store"
)

// Pool executes rotation attempts for claimed experiments, bounded by a
// semaphore. Each attempt runs the full pipeline: state check, quota
// admission, variant advance, external rename, outcome persistence and
// reschedule.
type Pool struct {
	store   *store.Store
	quota   *quota.Ledger
	renamer platform.Renamer
	sem     chan struct{}

	timeout        time.Duration
	maxFailures    int
	failureBackoff time.Duration
	now            func() time.Time
}

func NewPool(st *store.Store, ledger *quota.Ledger, renamer platform.Renamer, size int, timeout time.Duration, maxFailures int, failureBackoff time.Duration) *Pool {
	return &Pool{
		store:          st,
		quota:          ledger,
		renamer:        renamer,
		sem:            make(chan struct{}, size),
		timeout:        timeout,
		maxFailures:    maxFailures,
		failureBackoff: failureBackoff,
		now:            time.Now,
	}
}

// Execute runs one rotation attempt for a claimed experiment, asynchronously.
func (p *Pool) Execute(ctx context.Context, experimentID string) {
	p.sem <- struct{}{}
	go func() {
		defer func() { <-p.sem }()
		p.rotate(ctx, experimentID)
	}()
}

func (p *Pool) rotate(ctx context.Context, id string) {
	now := p.now()

	exp, err := p.store.GetExperiment(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("experiment_id", id).Msg("load claimed experiment")
		return
	}

	// Stale dispatch: the experiment left active after being claimed.
	if exp.Status != domain.StatusActive {
		log.Debug().Str("experiment_id", id).Str("status", string(exp.Status)).Msg("discarding stale dispatch")
		metrics.RotationsTotal.WithLabelValues("stale").Inc()
		return
	}

	if exp.EndAt != nil && !now.Before(*exp.EndAt) {
		p.complete(ctx, &exp, "end time reached")
		return
	}

	nextIdx, ok := exp.NextVariant()
	if !ok {
		p.complete(ctx, &exp, "variant sequence exhausted")
		return
	}

	if err := p.quota.Admit(ctx, exp.AccountID, domain.OpWrite); err != nil {
		if errors.Is(err, quota.ErrDenied) {
			p.deferQuota(ctx, &exp, nextIdx, now)
			return
		}
		// Ledger store unreachable: fail closed, retry on a short backoff.
		log.Error().Err(err).Str("experiment_id", id).Msg("quota admission")
		p.reschedule(ctx, &exp, now.Add(p.failureBackoff))
		return
	}

	newTitle := exp.Variants[nextIdx]
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	err = p.renamer.Rename(callCtx, exp.VideoID, newTitle)
	cancel()

	// All experiment writes happen only after the external call resolved,
	// so the log never records a rotation that did not happen.
	if err != nil {
		p.fail(ctx, &exp, newTitle, err, now)
		return
	}
	p.succeed(ctx, &exp, nextIdx, newTitle, now)
}

func (p *Pool) succeed(ctx context.Context, exp *domain.Experiment, nextIdx int, newTitle string, now time.Time) {
	if err := p.store.UpdateVariant(ctx, exp.ID, nextIdx); err != nil {
		log.Error().Err(err).Str("experiment_id", exp.ID).Msg("persist variant index")
		return
	}
	p.appendLog(ctx, exp.ID, exp.CurrentTitle(), newTitle, domain.OutcomeSuccess, "", now)
	metrics.RotationsTotal.WithLabelValues("success").Inc()

	next, err := scheduler.NextFire(exp, now)
	if err != nil {
		log.Error().Err(err).Str("experiment_id", exp.ID).Msg("compute next fire")
		return
	}
	p.reschedule(ctx, exp, next)
	log.Info().Str("experiment_id", exp.ID).Str("title", newTitle).Time("next_fire", next).Msg("rotated")
}

func (p *Pool) fail(ctx context.Context, exp *domain.Experiment, attemptedTitle string, cause error, now time.Time) {
	failures, err := p.store.RecordFailure(ctx, exp.ID, cause.Error(), now)
	if err != nil {
		log.Error().Err(err).Str("experiment_id", exp.ID).Msg("record failure")
		return
	}
	p.appendLog(ctx, exp.ID, exp.CurrentTitle(), attemptedTitle, domain.OutcomeFailure, cause.Error(), now)
	metrics.RotationsTotal.WithLabelValues("failure").Inc()

	if failures >= p.maxFailures {
		reason := fmt.Sprintf("auto-paused after %d consecutive rotation failures: %s", failures, cause)
		if err := p.store.SetStatus(ctx, exp.ID, domain.StatusPaused, reason); err != nil {
			log.Error().Err(err).Str("experiment_id", exp.ID).Msg("auto-pause experiment")
			return
		}
		metrics.ExperimentsAutoPaused.Inc()
		log.Warn().Str("experiment_id", exp.ID).Int("failures", failures).Err(cause).Msg("experiment auto-paused")
		return
	}

	// Bounded retry: short backoff instead of the full interval.
	p.reschedule(ctx, exp, now.Add(p.failureBackoff))
	log.Warn().Str("experiment_id", exp.ID).Int("failures", failures).Err(cause).Msg("rotation failed, retrying")
}

// deferQuota records a quota denial. Not an experiment failure: the schedule
// moves a full interval out and the attempt is retried next cycle.
func (p *Pool) deferQuota(ctx context.Context, exp *domain.Experiment, nextIdx int, now time.Time) {
	p.appendLog(ctx, exp.ID, exp.CurrentTitle(), exp.Variants[nextIdx], domain.OutcomeQuotaDeferred, "daily quota exhausted", now)
	metrics.RotationsTotal.WithLabelValues("quota_deferred").Inc()
	metrics.QuotaDeniedTotal.Inc()

	next, err := scheduler.NextFire(exp, now)
	if err != nil {
		log.Error().Err(err).Str("experiment_id", exp.ID).Msg("compute next fire")
		return
	}
	p.reschedule(ctx, exp, next)
	log.Info().Str("experiment_id", exp.ID).Str("account_id", exp.AccountID).Time("next_fire", next).Msg("rotation deferred, quota exhausted")
}

func (p *Pool) complete(ctx context.Context, exp *domain.Experiment, why string) {
	if err := p.store.SetStatus(ctx, exp.ID, domain.StatusCompleted, ""); err != nil {
		log.Error().Err(err).Str("experiment_id", exp.ID).Msg("complete experiment")
		return
	}
	log.Info().Str("experiment_id", exp.ID).Str("reason", why).Msg("experiment completed")
}

func (p *Pool) reschedule(ctx context.Context, exp *domain.Experiment, at time.Time) {
	if err := p.store.UpsertSchedule(ctx, exp.ID, at); err != nil {
		// The experiment may have been paused or deleted mid-attempt; its
		// cancellation wins over rescheduling.
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Str("experiment_id", exp.ID).Msg("upsert schedule")
		}
	}
}

func (p *Pool) appendLog(ctx context.Context, id, oldTitle, newTitle string, outcome domain.Outcome, detail string, now time.Time) {
	entry := domain.RotationEntry{
		ExperimentID: id,
		RotatedAt:    now,
		OldTitle:     oldTitle,
		NewTitle:     newTitle,
		Outcome:      outcome,
		Error:        detail,
	}
	if err := p.store.AppendRotation(ctx, entry); err != nil {
		log.Error().Err(err).Str("experiment_id", id).Msg("append rotation log")
	}
}
