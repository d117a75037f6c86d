package alerts

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
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusTriggered Status = "triggered"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusCancelled
}

const DefaultScanInterval = 5 * time.Minute

// Alert is a standing watch on a campground/date range for availability
// changes. Dates are calendar dates; the range is [StartDate, EndDate).
type Alert struct {
	ID             string
	UserID         int64
	CampgroundID   string
	CampgroundName string
	Platform       platform.Platform
	StartDate      time.Time
	EndDate        time.Time
	SiteTypes      []string
	AutoBook       bool
	ConfirmFirst   bool
	Status         Status
	ScanInterval   time.Duration
	LastScannedAt  *time.Time
	TriggeredAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (a Alert) Validate() error {
	if a.CampgroundID == "" {
		return fmt.Errorf("campground_id required")
	}
	if !platform.Valid(a.Platform) {
		return fmt.Errorf("unknown platform %q", a.Platform)
	}
	if a.StartDate.IsZero() || a.EndDate.IsZero() {
		return fmt.Errorf("start_date and end_date required")
	}
	if !a.EndDate.After(a.StartDate) {
		return fmt.Errorf("end_date must be after start_date")
	}
	return nil
}

func (a Alert) CanPause() bool  { return a.Status == StatusActive }
func (a Alert) CanResume() bool { return a.Status == StatusPaused }
func (a Alert) CanCancel() bool { return !a.Status.Terminal() }

// NextScanAt returns when the alert is next due. A never-scanned alert is
// due immediately.
func (a Alert) NextScanAt() time.Time {
	if a.LastScannedAt == nil {
		return time.Time{}
	}
	return a.LastScannedAt.Add(a.ScanInterval)
}

func joinTypes(types []string) string {
	var cleaned []string
	for _, t := range types {
		t = strings.TrimSpace(t)
		if t != "" {
			cleaned = append(cleaned, t)
		}
	}
	return strings.Join(cleaned, ",")
}

func splitTypes(s string) []string {
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

const alertColumns = `id, user_id, campground_id, campground_name, platform, start_date, end_date,
site_types, auto_book, confirm_first, status, scan_interval_ms, last_scanned_at, triggered_at,
created_at, updated_at`

func scanAlert(row db.Row) (Alert, error) {
	var a Alert
	var siteTypes string
	var intervalMs int64
	err := row.Scan(
		&a.ID, &a.UserID, &a.CampgroundID, &a.CampgroundName, &a.Platform, &a.StartDate, &a.EndDate,
		&siteTypes, &a.AutoBook, &a.ConfirmFirst, &a.Status, &intervalMs, &a.LastScannedAt, &a.TriggeredAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return Alert{}, err
	}
	a.SiteTypes = splitTypes(siteTypes)
	a.ScanInterval = time.Duration(intervalMs) * time.Millisecond
	return a, nil
}

func (r *Repo) Create(ctx context.Context, a Alert) (Alert, error) {
	if err := a.Validate(); err != nil {
		return Alert{}, err
	}
	if a.ScanInterval <= 0 {
		a.ScanInterval = DefaultScanInterval
	}
	a.ID = uuid.NewString()
	a.Status = StatusActive

	err := r.db.Exec(ctx, `
INSERT INTO alerts(id, user_id, campground_id, campground_name, platform, start_date, end_date,
                   site_types, auto_book, confirm_first, status, scan_interval_ms)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		a.ID, a.UserID, a.CampgroundID, a.CampgroundName, string(a.Platform), a.StartDate, a.EndDate,
		joinTypes(a.SiteTypes), a.AutoBook, a.ConfirmFirst, string(a.Status), a.ScanInterval.Milliseconds(),
	)
	if err != nil {
		return Alert{}, fmt.Errorf("create alert: %w", err)
	}
	return r.Get(ctx, a.ID)
}

func (r *Repo) Get(ctx context.Context, id string) (Alert, error) {
	a, err := scanAlert(r.db.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id=$1`, id))
	if err != nil {
		return Alert{}, db.WrapNotFound(err)
	}
	return a, nil
}

func (r *Repo) GetForUser(ctx context.Context, id string, userID int64) (Alert, error) {
	a, err := scanAlert(r.db.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id=$1 AND user_id=$2`, id, userID))
	if err != nil {
		return Alert{}, db.WrapNotFound(err)
	}
	return a, nil
}

func (r *Repo) ListByUser(ctx context.Context, userID int64) ([]Alert, error) {
	rows, err := r.db.Query(ctx, `
SELECT `+alertColumns+` FROM alerts WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repo) SetStatus(ctx context.Context, id string, status Status) error {
	return r.db.Exec(ctx, `UPDATE alerts SET status=$2, updated_at=now() WHERE id=$1`, id, string(status))
}

// MarkScanned stamps last_scanned_at unconditionally after every scan.
func (r *Repo) MarkScanned(ctx context.Context, id string) error {
	return r.db.Exec(ctx, `UPDATE alerts SET last_scanned_at=now(), updated_at=now() WHERE id=$1`, id)
}

// MarkTriggered records that a scan found newly available sites. The alert
// leaves the active pool only when auto-book is on; a watch-only alert
// keeps scanning.
func (r *Repo) MarkTriggered(ctx context.Context, id string, autoBook bool) error {
	status := StatusActive
	if autoBook {
		status = StatusTriggered
	}
	return r.db.Exec(ctx, `
UPDATE alerts SET triggered_at=now(), status=$2, updated_at=now() WHERE id=$1`, id, string(status))
}

// DueForScan returns active alerts never scanned or past their interval.
func (r *Repo) DueForScan(ctx context.Context) ([]Alert, error) {
	rows, err := r.db.Query(ctx, `
SELECT `+alertColumns+`
FROM alerts
WHERE status='active'
  AND (last_scanned_at IS NULL
       OR last_scanned_at + make_interval(secs => scan_interval_ms / 1000.0) <= now())
ORDER BY last_scanned_at ASC NULLS FIRST`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type Expired struct {
	ID     string
	UserID int64
}

// ExpireEnded atomically expires all active alerts whose end date has
// passed and returns the affected rows so callers can notify owners.
func (r *Repo) ExpireEnded(ctx context.Context) ([]Expired, error) {
	rows, err := r.db.Query(ctx, `
UPDATE alerts SET status='expired', updated_at=now()
WHERE status='active' AND end_date <= CURRENT_DATE
RETURNING id, user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Expired
	for rows.Next() {
		var e Expired
		if err := rows.Scan(&e.ID, &e.UserID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
