package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"actuaria.org/internal/audit"
	"actuaria.org/internal/obs"
)

// CutoverPolicy decides whether a migrated user keeps legacy access.
type CutoverPolicy string

const (
	// CutoverSoft leaves legacy_auth_enabled on, so the user can roll back
	// until legacy is explicitly disabled.
	CutoverSoft CutoverPolicy = "soft"
	// CutoverHard disables legacy authentication at migration time.
	CutoverHard CutoverPolicy = "hard"
)

const (
	defaultBatchSize = 100
	jobRetention     = time.Hour
)

// MigrationCoordinator moves users from legacy to secure authentication.
// Self-service upgrades default to a soft cutover while admin batch runs
// default to hard; both policies are explicit configuration rather than an
// implicit asymmetry.
type MigrationCoordinator struct {
	store  Store
	hasher Hasher
	audit  *audit.Logger

	selfServePolicy CutoverPolicy
	batchPolicy     CutoverPolicy
	batchSize       int
	now             func() time.Time

	mu   sync.Mutex
	jobs map[string]*MigrationJob
}

// MigrationOption configures MigrationCoordinator.
type MigrationOption func(*MigrationCoordinator)

// WithSelfServeCutover sets the policy for user-initiated upgrades.
func WithSelfServeCutover(p CutoverPolicy) MigrationOption {
	return func(m *MigrationCoordinator) {
		if p == CutoverSoft || p == CutoverHard {
			m.selfServePolicy = p
		}
	}
}

// WithBatchCutover sets the policy for admin batch runs.
func WithBatchCutover(p CutoverPolicy) MigrationOption {
	return func(m *MigrationCoordinator) {
		if p == CutoverSoft || p == CutoverHard {
			m.batchPolicy = p
		}
	}
}

// WithBatchSize bounds how many users one batch invocation touches.
func WithBatchSize(n int) MigrationOption {
	return func(m *MigrationCoordinator) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// WithMigrationClock overrides the time source.
func WithMigrationClock(fn func() time.Time) MigrationOption {
	return func(m *MigrationCoordinator) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewMigrationCoordinator constructs the coordinator.
func NewMigrationCoordinator(store Store, hasher Hasher, auditor *audit.Logger, opts ...MigrationOption) *MigrationCoordinator {
	m := &MigrationCoordinator{
		store:           store,
		hasher:          hasher,
		audit:           auditor,
		selfServePolicy: CutoverSoft,
		batchPolicy:     CutoverHard,
		batchSize:       defaultBatchSize,
		now:             time.Now,
		jobs:            make(map[string]*MigrationJob),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// UpgradeUser migrates one user on their own request. A valid session alone
// is not sufficient to change trust tier: the current password is
// re-verified first.
func (m *MigrationCoordinator) UpgradeUser(ctx context.Context, userID, currentPassword string) error {
	user, err := m.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return err
	}
	if user.MigratedToSecure {
		return ErrAlreadyMigrated
	}
	if err := m.hasher.Verify(user.PasswordHash, currentPassword); err != nil {
		m.record(ctx, audit.EventMigrationFailed, audit.OutcomeFailure, userID, map[string]any{
			"reason": "password re-verification failed",
		})
		return fmt.Errorf("%w: password re-verification failed", ErrBadCredentials)
	}

	now := m.now().UTC()
	changed, err := m.store.Users(ctx).MarkMigrated(ctx, userID, now, m.selfServePolicy == CutoverHard)
	if err != nil {
		m.record(ctx, audit.EventMigrationFailed, audit.OutcomeFailure, userID, map[string]any{"reason": err.Error()})
		return err
	}
	if !changed {
		return ErrAlreadyMigrated
	}
	obs.ObserveUserMigrated()
	m.record(ctx, audit.EventMigrationCompleted, audit.OutcomeSuccess, userID, map[string]any{
		"cutover":      string(m.selfServePolicy),
		"self_service": true,
	})
	return nil
}

// StartBatch migrates a bounded batch of eligible users synchronously. With
// userIDs empty, all still-unmigrated active users are selected (up to the
// batch bound). Dry runs never mutate anything. Real runs are idempotent:
// MarkMigrated only touches still-unmigrated rows, so re-running the same
// selection migrates each user exactly once.
func (m *MigrationCoordinator) StartBatch(ctx context.Context, userIDs []string, dryRun bool) (*MigrationJob, error) {
	now := m.now().UTC()
	job := &MigrationJob{
		ID:        uuid.NewString(),
		DryRun:    dryRun,
		Status:    "completed",
		StartedAt: now,
	}
	m.record(ctx, audit.EventMigrationStarted, audit.OutcomeSuccess, "", map[string]any{
		"job_id":  job.ID,
		"dry_run": dryRun,
	})

	users := m.store.Users(ctx)
	var targets []*User
	if len(userIDs) > 0 {
		for _, id := range userIDs {
			u, err := users.Find(ctx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					job.Outcomes = append(job.Outcomes, MigrationOutcome{UserID: id, Error: "not found"})
					continue
				}
				return nil, err
			}
			targets = append(targets, u)
		}
	} else {
		var err error
		targets, err = users.ListUnmigrated(ctx, m.batchSize)
		if err != nil {
			return nil, err
		}
	}

	for _, u := range targets {
		if !u.IsActive || u.MigratedToSecure {
			continue
		}
		job.UsersToMigrate++
		if dryRun {
			job.Outcomes = append(job.Outcomes, MigrationOutcome{UserID: u.ID})
			continue
		}
		changed, err := users.MarkMigrated(ctx, u.ID, now, m.batchPolicy == CutoverHard)
		if err != nil {
			job.Outcomes = append(job.Outcomes, MigrationOutcome{UserID: u.ID, Error: err.Error()})
			m.record(ctx, audit.EventMigrationFailed, audit.OutcomeFailure, u.ID, map[string]any{
				"job_id": job.ID,
				"reason": err.Error(),
			})
			continue
		}
		if changed {
			job.UsersMigrated++
			obs.ObserveUserMigrated()
		}
		job.Outcomes = append(job.Outcomes, MigrationOutcome{UserID: u.ID, Migrated: changed})
	}

	job.CompletedAt = m.now().UTC()
	m.record(ctx, audit.EventMigrationCompleted, audit.OutcomeSuccess, "", map[string]any{
		"job_id":           job.ID,
		"dry_run":          dryRun,
		"users_to_migrate": job.UsersToMigrate,
		"users_migrated":   job.UsersMigrated,
		"cutover":          string(m.batchPolicy),
	})

	m.mu.Lock()
	m.pruneJobs(job.CompletedAt)
	m.jobs[job.ID] = job
	m.mu.Unlock()
	return job, nil
}

// Status reports a recent job. Jobs run synchronously, so any job still in
// the registry is terminal; unknown or aged-out ids yield ErrNotFound.
func (m *MigrationCoordinator) Status(jobID string) (*MigrationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return job, nil
}

// pruneJobs drops jobs past retention; callers hold m.mu.
func (m *MigrationCoordinator) pruneJobs(now time.Time) {
	for id, job := range m.jobs {
		if now.Sub(job.CompletedAt) > jobRetention {
			delete(m.jobs, id)
		}
	}
}

func (m *MigrationCoordinator) record(ctx context.Context, typ audit.EventType, outcome audit.Outcome, userID string, detail map[string]any) {
	if m.audit == nil {
		return
	}
	m.audit.Record(ctx, audit.Event{Type: typ, Outcome: outcome, UserID: userID, Detail: detail})
}
