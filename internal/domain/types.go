package domain

import "time"

// Status is an experiment's lifecycle state. Completed and deleted are
// terminal: no rotation may execute for them and no transition leaves them.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusDeleted   Status = "deleted"
)

// Terminal reports whether no further transitions are permitted from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeleted
}

// CanTransition reports whether from -> to is a legal lifecycle transition.
// active -> active is the rotation self-loop.
func CanTransition(from, to Status) bool {
	if to == StatusDeleted {
		// Delete is permitted from any non-deleted state.
		return from != StatusDeleted
	}
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusActive:
		return from == StatusActive || from == StatusPaused
	case StatusPaused:
		return from == StatusActive
	case StatusCompleted:
		return from == StatusActive
	}
	return false
}

// Policy controls variant advancement when the sequence runs out.
type Policy string

const (
	// PolicySequential walks the variant list once and completes the
	// experiment after the last variant has had its turn.
	PolicySequential Policy = "sequential"
	// PolicyCyclic wraps around to the first variant indefinitely.
	PolicyCyclic Policy = "cyclic"
)

// Experiment is one title-rotation campaign against a single video.
type Experiment struct {
	ID           string
	AccountID    string
	VideoID      string
	Variants     []string
	VariantIndex int
	RotateEvery  time.Duration // fixed cadence; zero when CronExpr is set
	CronExpr     string        // optional cron cadence, overrides RotateEvery
	Policy       Policy
	Status       Status
	NextFireAt   *time.Time // set iff active and not currently claimed
	EndAt        *time.Time // optional deadline; reaching it completes the experiment

	ConsecutiveFailures int
	LastError           string
	LastFailureAt       *time.Time
	PauseReason         string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CurrentTitle returns the variant currently applied to the video.
func (e *Experiment) CurrentTitle() string {
	if e.VariantIndex < 0 || e.VariantIndex >= len(e.Variants) {
		return ""
	}
	return e.Variants[e.VariantIndex]
}

// NextVariant returns the index the next rotation should apply. ok is false
// when a sequential experiment has exhausted its variants.
func (e *Experiment) NextVariant() (next int, ok bool) {
	next = e.VariantIndex + 1
	if next < len(e.Variants) {
		return next, true
	}
	if e.Policy == PolicyCyclic {
		return 0, true
	}
	return 0, false
}

// Outcome classifies one rotation attempt in the rotation log.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeFailure       Outcome = "failure"
	OutcomeQuotaDeferred Outcome = "quota_deferred"
)

// RotationEntry is one row of the per-experiment rotation log.
type RotationEntry struct {
	ID           int64
	ExperimentID string
	RotatedAt    time.Time
	OldTitle     string
	NewTitle     string
	Outcome      Outcome
	Error        string
}

// Operation is a quota-charged API call kind.
type Operation string

const (
	OpWrite Operation = "write"
	OpRead  Operation = "read"
)

// QuotaStatus is the read-only projection of one account's daily budget.
type QuotaStatus struct {
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
}

// SchedulerStatus is the scheduler's observability snapshot.
type SchedulerStatus struct {
	Running    bool       `json:"running"`
	LastTickAt *time.Time `json:"last_tick_at,omitempty"`
	NextTickAt *time.Time `json:"next_tick_at,omitempty"`
}

// DashboardStats summarizes one account's experiments.
type DashboardStats struct {
	AccountID      string `json:"account_id"`
	Active         int    `json:"active"`
	Paused         int    `json:"paused"`
	Completed      int    `json:"completed"`
	RotationsToday int    `json:"rotations_today"`
}
