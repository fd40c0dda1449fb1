// Package experiments is the controller-facing surface of the rotation core:
// experiment lifecycle actions, analytics and account stats. Every lifecycle
// change goes through the state machine before it touches the store.
package experiments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"titlepilot/internal/domain"
	"titlepilot/internal/scheduler"
	"titlepilot/internal/store"
)

// ErrValidation marks caller input errors on experiment creation.
var ErrValidation = errors.New("invalid experiment")

// Analytics is what getAnalytics returns: current state plus the rotation log.
type Analytics struct {
	Experiment domain.Experiment      `json:"experiment"`
	Rotations  []domain.RotationEntry `json:"rotations"`
}

type Service struct {
	store *store.Store
	now   func() time.Time
}

func NewService(st *store.Store) *Service {
	return &Service{store: st, now: time.Now}
}

// CreateParams describes a new experiment. Either RotateEvery or CronExpr
// must be set; CronExpr wins when both are.
type CreateParams struct {
	AccountID   string
	VideoID     string
	Variants    []string
	RotateEvery time.Duration
	CronExpr    string
	Policy      domain.Policy
	EndAt       *time.Time
}

// Create registers an experiment as active with its first rotation due one
// cadence step from now.
func (s *Service) Create(ctx context.Context, p CreateParams) (domain.Experiment, error) {
	if p.AccountID == "" {
		return domain.Experiment{}, fmt.Errorf("%w: account id is required", ErrValidation)
	}
	if p.VideoID == "" {
		return domain.Experiment{}, fmt.Errorf("%w: video id is required", ErrValidation)
	}
	if len(p.Variants) < 2 {
		return domain.Experiment{}, fmt.Errorf("%w: at least two title variants are required", ErrValidation)
	}
	for _, v := range p.Variants {
		if v == "" {
			return domain.Experiment{}, fmt.Errorf("%w: variant titles must not be empty", ErrValidation)
		}
	}
	if err := scheduler.ValidateCadence(p.RotateEvery, p.CronExpr); err != nil {
		return domain.Experiment{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	policy := p.Policy
	switch policy {
	case "":
		policy = domain.PolicySequential
	case domain.PolicySequential, domain.PolicyCyclic:
	default:
		return domain.Experiment{}, fmt.Errorf("%w: unknown policy %q", ErrValidation, policy)
	}

	exp := domain.Experiment{
		AccountID:   p.AccountID,
		VideoID:     p.VideoID,
		Variants:    p.Variants,
		RotateEvery: p.RotateEvery,
		CronExpr:    p.CronExpr,
		Policy:      policy,
		Status:      domain.StatusActive,
		EndAt:       p.EndAt,
	}
	firstFire, err := scheduler.NextFire(&exp, s.now())
	if err != nil {
		return domain.Experiment{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	exp.NextFireAt = &firstFire

	id, err := s.store.CreateExperiment(ctx, exp)
	if err != nil {
		return domain.Experiment{}, err
	}
	log.Info().Str("experiment_id", id).Str("account_id", p.AccountID).Time("first_fire", firstFire).Msg("experiment created")
	return s.store.GetExperiment(ctx, id)
}

func (s *Service) Get(ctx context.Context, id string) (domain.Experiment, error) {
	return s.store.GetExperiment(ctx, id)
}

// Pause stops future rotations. An attempt already in flight completes and
// persists its outcome, but cannot reschedule past the pause.
func (s *Service) Pause(ctx context.Context, id string) error {
	return s.transition(ctx, id, domain.StatusPaused, "paused by owner")
}

// Resume reactivates a paused experiment with next-fire one cadence step out.
func (s *Service) Resume(ctx context.Context, id string) error {
	exp, err := s.store.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	if !domain.CanTransition(exp.Status, domain.StatusActive) {
		return fmt.Errorf("%w: %s -> active", domain.ErrInvalidTransition, exp.Status)
	}
	next, err := scheduler.NextFire(&exp, s.now())
	if err != nil {
		return err
	}
	if err := s.store.SetStatus(ctx, id, domain.StatusActive, ""); err != nil {
		return err
	}
	return s.store.UpsertSchedule(ctx, id, next)
}

// Complete ends an experiment early. Terminal.
func (s *Service) Complete(ctx context.Context, id string) error {
	return s.transition(ctx, id, domain.StatusCompleted, "")
}

// Delete soft-deletes an experiment and cancels any pending rotation.
// Terminal.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.transition(ctx, id, domain.StatusDeleted, "")
}

func (s *Service) transition(ctx context.Context, id string, to domain.Status, reason string) error {
	exp, err := s.store.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	if !domain.CanTransition(exp.Status, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, exp.Status, to)
	}
	if err := s.store.SetStatus(ctx, id, to, reason); err != nil {
		return err
	}
	log.Info().Str("experiment_id", id).Str("from", string(exp.Status)).Str("to", string(to)).Msg("experiment transitioned")
	return nil
}

// Analytics returns the experiment's current state and rotation log. An
// auto-paused experiment surfaces its pause reason and last failure here.
func (s *Service) Analytics(ctx context.Context, id string) (Analytics, error) {
	exp, err := s.store.GetExperiment(ctx, id)
	if err != nil {
		return Analytics{}, err
	}
	entries, err := s.store.ListRotations(ctx, id, 100)
	if err != nil {
		return Analytics{}, err
	}
	return Analytics{Experiment: exp, Rotations: entries}, nil
}

func (s *Service) List(ctx context.Context, accountID string) ([]domain.Experiment, error) {
	return s.store.ListByAccount(ctx, accountID)
}

func (s *Service) DashboardStats(ctx context.Context, accountID string) (domain.DashboardStats, error) {
	return s.store.DashboardStats(ctx, accountID, s.now())
}
