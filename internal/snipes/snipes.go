package snipes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/campsniper/internal/db"
	"github.com/example/campsniper/internal/platform"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusPreStaging Status = "pre_staging"
	StatusExecuting  Status = "executing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Active reports whether the snipe counts against the per-user ceiling.
func (s Status) Active() bool {
	return s == StatusScheduled || s == StatusPreStaging || s == StatusExecuting
}

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Cancellable is true only before the execute phase has begun; once a
// booking call may be in flight the snipe must run to completion.
func (s Status) Cancellable() bool {
	return s == StatusScheduled || s == StatusPreStaging
}

type EquipmentType string

const (
	EquipmentTent        EquipmentType = "tent"
	EquipmentRV          EquipmentType = "rv"
	EquipmentTrailer     EquipmentType = "trailer"
	EquipmentVan         EquipmentType = "van"
	EquipmentNoEquipment EquipmentType = "no_equipment"
)

func ValidEquipment(e EquipmentType) bool {
	switch e {
	case EquipmentTent, EquipmentRV, EquipmentTrailer, EquipmentVan, EquipmentNoEquipment:
		return true
	}
	return false
}

// Snipe is a one-shot timed booking attempt aimed at the instant the
// platform's booking window opens. WindowOpensAt is computed at creation
// and never changes afterwards.
type Snipe struct {
	ID              string
	UserID          int64
	CredentialID    string
	CampgroundID    string
	CampgroundName  string
	Platform        platform.Platform
	ArrivalDate     time.Time
	DepartureDate   time.Time
	SitePreferences []string // first preference first
	EquipmentType   EquipmentType
	Occupants       int
	WindowOpensAt   time.Time
	Status          Status
	ResultBookingID *string
	FailureReason   *string
	ExecutedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ExecutorQueue is the delayed-job queue both snipe phases run on.
const ExecutorQueue = "snipe-executor"

// Deterministic queue identifiers: duplicate scheduling attempts collapse
// and cancellation can target the jobs without a lookup table.
func PreStageJobID(snipeID string) string { return "snipe-prestage-" + snipeID }
func ExecuteJobID(snipeID string) string  { return "snipe-execute-" + snipeID }

type Phase string

const (
	PhasePreStage Phase = "pre_stage"
	PhaseExecute  Phase = "execute"
)

// JobPayload is the body of both snipe executor jobs.
type JobPayload struct {
	SnipeID string `json:"snipe_id"`
	Phase   Phase  `json:"phase"`
}

// StatusExtra carries the optional result fields written alongside a
// status change.
type StatusExtra struct {
	ResultBookingID string
	FailureReason   string
	ExecutedAt      *time.Time
}

func joinPrefs(prefs []string) string {
	var cleaned []string
	for _, p := range prefs {
		p = strings.TrimSpace(p)
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, ",")
}

func splitPrefs(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

const snipeColumns = `id, user_id, credential_id, campground_id, campground_name, platform,
arrival_date, departure_date, site_preferences, equipment_type, occupants, window_opens_at,
status, result_booking_id, failure_reason, executed_at, created_at, updated_at`

func scanSnipe(row db.Row) (Snipe, error) {
	var s Snipe
	var prefs string
	err := row.Scan(
		&s.ID, &s.UserID, &s.CredentialID, &s.CampgroundID, &s.CampgroundName, &s.Platform,
		&s.ArrivalDate, &s.DepartureDate, &prefs, &s.EquipmentType, &s.Occupants, &s.WindowOpensAt,
		&s.Status, &s.ResultBookingID, &s.FailureReason, &s.ExecutedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return Snipe{}, err
	}
	s.SitePreferences = splitPrefs(prefs)
	return s, nil
}

func (r *Repo) Create(ctx context.Context, s Snipe) (Snipe, error) {
	s.ID = uuid.NewString()
	s.Status = StatusScheduled

	err := r.db.Exec(ctx, `
INSERT INTO snipes(id, user_id, credential_id, campground_id, campground_name, platform,
                   arrival_date, departure_date, site_preferences, equipment_type, occupants,
                   window_opens_at, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		s.ID, s.UserID, s.CredentialID, s.CampgroundID, s.CampgroundName, string(s.Platform),
		s.ArrivalDate, s.DepartureDate, joinPrefs(s.SitePreferences), string(s.EquipmentType), s.Occupants,
		s.WindowOpensAt, string(s.Status),
	)
	if err != nil {
		return Snipe{}, fmt.Errorf("create snipe: %w", err)
	}
	return r.Get(ctx, s.ID)
}

func (r *Repo) Get(ctx context.Context, id string) (Snipe, error) {
	s, err := scanSnipe(r.db.QueryRow(ctx, `SELECT `+snipeColumns+` FROM snipes WHERE id=$1`, id))
	if err != nil {
		return Snipe{}, db.WrapNotFound(err)
	}
	return s, nil
}

func (r *Repo) GetForUser(ctx context.Context, id string, userID int64) (Snipe, error) {
	s, err := scanSnipe(r.db.QueryRow(ctx, `SELECT `+snipeColumns+` FROM snipes WHERE id=$1 AND user_id=$2`, id, userID))
	if err != nil {
		return Snipe{}, db.WrapNotFound(err)
	}
	return s, nil
}

func (r *Repo) ListByUser(ctx context.Context, userID int64) ([]Snipe, error) {
	rows, err := r.db.Query(ctx, `
SELECT `+snipeColumns+` FROM snipes WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snipe
	for rows.Next() {
		s, err := scanSnipe(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repo) CountActive(ctx context.Context, userID int64) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
SELECT count(*) FROM snipes
WHERE user_id=$1 AND status IN ('scheduled','pre_staging','executing')`, userID).Scan(&n)
	return n, err
}

// UpdateStatus is the executor's unconditional status writer; business-rule
// checks happen before jobs are enqueued, not here.
func (r *Repo) UpdateStatus(ctx context.Context, id string, status Status, extra StatusExtra) error {
	return r.db.Exec(ctx, `
UPDATE snipes SET
  status=$2,
  result_booking_id=COALESCE(NULLIF($3,''), result_booking_id),
  failure_reason=COALESCE(NULLIF($4,''), failure_reason),
  executed_at=COALESCE($5, executed_at),
  updated_at=now()
WHERE id=$1`,
		id, string(status), extra.ResultBookingID, extra.FailureReason, extra.ExecutedAt)
}
