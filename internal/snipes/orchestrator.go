package snipes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/campsniper/internal/platform"
	"github.com/example/campsniper/internal/vault"
)

const (
	// MaxActivePerUser caps snipes concurrently in an active status.
	MaxActivePerUser = 5

	// PreStageLead is how far before the window the pre-stage job fires,
	// warming the authenticated session so the execute call pays no login
	// latency at the critical instant.
	PreStageLead = 3 * time.Minute
)

var (
	ErrUnsupportedPlatform = errors.New("platform does not support snipe booking")
	ErrCredentialNotFound  = errors.New("platform credential not found or does not belong to user")
	ErrCredentialMismatch  = errors.New("credential is for a different platform")
	ErrTooManyActive       = errors.New("too many active snipes")
	ErrBadDates            = errors.New("departure date must be after arrival date")
	ErrWindowPassed        = errors.New("booking window has already opened; try booking directly instead")
	ErrNotCancellable      = errors.New("snipe can only be cancelled while scheduled or pre-staging")
	ErrNotFound            = errors.New("snipe not found")
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	Create(ctx context.Context, s Snipe) (Snipe, error)
	Get(ctx context.Context, id string) (Snipe, error)
	GetForUser(ctx context.Context, id string, userID int64) (Snipe, error)
	ListByUser(ctx context.Context, userID int64) ([]Snipe, error)
	CountActive(ctx context.Context, userID int64) (int, error)
	UpdateStatus(ctx context.Context, id string, status Status, extra StatusExtra) error
}

// CredentialChecker verifies credential ownership at creation time.
type CredentialChecker interface {
	GetOwned(ctx context.Context, id string, userID int64) (vault.Credential, error)
}

// JobQueue is the slice of the delayed queue the orchestrator uses.
type JobQueue interface {
	Enqueue(ctx context.Context, queue, id, name string, payload any, delay time.Duration) error
	Cancel(ctx context.Context, queue, id string) error
}

// Orchestrator owns the snipe lifecycle: validation, window computation,
// phase scheduling and cancellation.
type Orchestrator struct {
	store     Store
	creds     CredentialChecker
	queue     JobQueue
	maxActive int
	now       func() time.Time
}

func NewOrchestrator(store Store, creds CredentialChecker, q JobQueue) *Orchestrator {
	return &Orchestrator{
		store:     store,
		creds:     creds,
		queue:     q,
		maxActive: MaxActivePerUser,
		now:       time.Now,
	}
}

type CreateParams struct {
	UserID          int64
	CredentialID    string
	CampgroundID    string
	CampgroundName  string
	Platform        platform.Platform
	ArrivalDate     time.Time
	DepartureDate   time.Time
	SitePreferences []string
	EquipmentType   EquipmentType
	Occupants       int
}

func (o *Orchestrator) Create(ctx context.Context, p CreateParams) (Snipe, error) {
	if !platform.SupportsSnipe(p.Platform) {
		return Snipe{}, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, p.Platform)
	}
	if p.CampgroundID == "" {
		return Snipe{}, errors.New("campground_id required")
	}
	if !ValidEquipment(p.EquipmentType) {
		return Snipe{}, fmt.Errorf("unknown equipment type %q", p.EquipmentType)
	}
	if p.Occupants < 1 {
		return Snipe{}, errors.New("occupants must be at least 1")
	}
	if !p.DepartureDate.After(p.ArrivalDate) {
		return Snipe{}, ErrBadDates
	}

	cred, err := o.creds.GetOwned(ctx, p.CredentialID, p.UserID)
	if err != nil {
		return Snipe{}, ErrCredentialNotFound
	}
	if cred.Platform != p.Platform {
		return Snipe{}, ErrCredentialMismatch
	}

	active, err := o.store.CountActive(ctx, p.UserID)
	if err != nil {
		return Snipe{}, err
	}
	if active >= o.maxActive {
		return Snipe{}, fmt.Errorf("%w: maximum %d allowed", ErrTooManyActive, o.maxActive)
	}

	windowOpensAt, err := platform.WindowOpensAt(p.Platform, p.ArrivalDate)
	if err != nil {
		return Snipe{}, err
	}
	now := o.now()
	if !windowOpensAt.After(now) {
		return Snipe{}, ErrWindowPassed
	}

	s, err := o.store.Create(ctx, Snipe{
		UserID:          p.UserID,
		CredentialID:    p.CredentialID,
		CampgroundID:    p.CampgroundID,
		CampgroundName:  p.CampgroundName,
		Platform:        p.Platform,
		ArrivalDate:     p.ArrivalDate,
		DepartureDate:   p.DepartureDate,
		SitePreferences: p.SitePreferences,
		EquipmentType:   p.EquipmentType,
		Occupants:       p.Occupants,
		WindowOpensAt:   windowOpensAt,
	})
	if err != nil {
		return Snipe{}, err
	}

	delay := windowOpensAt.Add(-PreStageLead).Sub(now)
	if delay < 0 {
		delay = 0
	}
	payload := JobPayload{SnipeID: s.ID, Phase: PhasePreStage}
	if err := o.queue.Enqueue(ctx, ExecutorQueue, PreStageJobID(s.ID), "pre-stage", payload, delay); err != nil {
		return Snipe{}, fmt.Errorf("schedule pre-stage: %w", err)
	}
	return s, nil
}

// Cancel stops a snipe before its execute phase begins. Queue removal is
// best-effort: a job may have already run, or not yet exist, and a job
// currently executing cannot be recalled (both phase handlers re-check
// status at entry and no-op on cancelled snipes).
func (o *Orchestrator) Cancel(ctx context.Context, id string, userID int64) (Snipe, error) {
	s, err := o.store.GetForUser(ctx, id, userID)
	if err != nil {
		return Snipe{}, ErrNotFound
	}
	if !s.Status.Cancellable() {
		return Snipe{}, fmt.Errorf("%w: status is %s", ErrNotCancellable, s.Status)
	}

	_ = o.queue.Cancel(ctx, ExecutorQueue, PreStageJobID(id))
	_ = o.queue.Cancel(ctx, ExecutorQueue, ExecuteJobID(id))

	if err := o.store.UpdateStatus(ctx, id, StatusCancelled, StatusExtra{}); err != nil {
		return Snipe{}, err
	}
	s.Status = StatusCancelled
	return s, nil
}

func (o *Orchestrator) List(ctx context.Context, userID int64) ([]Snipe, error) {
	return o.store.ListByUser(ctx, userID)
}

func (o *Orchestrator) Get(ctx context.Context, id string, userID int64) (Snipe, error) {
	s, err := o.store.GetForUser(ctx, id, userID)
	if err != nil {
		return Snipe{}, ErrNotFound
	}
	return s, nil
}
