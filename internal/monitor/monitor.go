// Package monitor runs availability scans for standing alerts. Each scan
// pulls the current site list from the sidecar, diffs it against the
// previous snapshot in Redis, and reacts only to sites that flipped from
// taken to available since the last look.
package monitor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/example/campsniper/internal/alerts"
	"github.com/example/campsniper/internal/db"
	"github.com/example/campsniper/internal/metrics"
	"github.com/example/campsniper/internal/notify"
	"github.com/example/campsniper/internal/platform"
	"github.com/example/campsniper/internal/queue"
	"github.com/example/campsniper/internal/sidecar"
)

const (
	// ScanQueue carries per-alert scan jobs enqueued by the Scheduler.
	ScanQueue = "availability-scanner"
	// BookQueue carries auto-book jobs enqueued when a scan finds new sites.
	BookQueue = "auto-book"
)

// ScanJobID includes the tick timestamp so repeat ticks for a slow alert
// still collapse, while distinct ticks enqueue fresh jobs.
func ScanJobID(alertID string, at time.Time) string {
	return fmt.Sprintf("scan-%s-%d", alertID, at.Unix())
}

func bookJobID(alertID string, at time.Time) string {
	return fmt.Sprintf("book-%s-%d", alertID, at.Unix())
}

type ScanPayload struct {
	AlertID string `json:"alert_id"`
}

type BookPayload struct {
	AlertID string   `json:"alert_id"`
	SiteIDs []string `json:"site_ids"`
}

type AlertStore interface {
	Get(ctx context.Context, id string) (alerts.Alert, error)
	MarkScanned(ctx context.Context, id string) error
	MarkTriggered(ctx context.Context, id string, autoBook bool) error
	DueForScan(ctx context.Context) ([]alerts.Alert, error)
	ExpireEnded(ctx context.Context) ([]alerts.Expired, error)
}

type AvailabilityClient interface {
	Availability(ctx context.Context, p platform.Platform, campgroundID string, start, end time.Time) ([]sidecar.SiteAvailability, error)
}

// SeenCache stores the set of available site ids observed by the previous
// scan of an alert. A miss is not an error; it just means everything
// currently available counts as new.
type SeenCache interface {
	Get(ctx context.Context, alertID string) ([]string, bool, error)
	Set(ctx context.Context, alertID string, siteIDs []string) error
	Delete(ctx context.Context, alertID string) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, queue, id, name string, payload any, delay time.Duration) error
}

type Monitor struct {
	alerts AlertStore
	avail  AvailabilityClient
	cache  SeenCache
	queue  Enqueuer
	notify notify.Sender
	now    func() time.Time
}

func New(store AlertStore, avail AvailabilityClient, cache SeenCache, q Enqueuer, sender notify.Sender) *Monitor {
	return &Monitor{alerts: store, avail: avail, cache: cache, queue: q, notify: sender, now: time.Now}
}

type ScanResult struct {
	AlertID        string
	NewlyAvailable []string
	TotalAvailable int
}

// HandleScan adapts ScanAlert to the job queue. Transport and database
// errors retry; everything else, including a vanished alert, acks.
func (m *Monitor) HandleScan(ctx context.Context, job queue.Job) queue.Outcome {
	var p ScanPayload
	if err := job.Unmarshal(&p); err != nil {
		return queue.Fail("bad scan payload: " + err.Error())
	}
	res, err := m.ScanAlert(ctx, p.AlertID)
	if err != nil {
		return queue.Retry(err)
	}
	return queue.Done(fmt.Sprintf("scanned alert=%s new=%d total=%d",
		res.AlertID, len(res.NewlyAvailable), res.TotalAvailable))
}

// ScanAlert performs one availability scan. An alert that is missing or no
// longer active produces a zero result with no side effects; a cancelled
// alert racing an in-flight scan job is routine, not an error.
func (m *Monitor) ScanAlert(ctx context.Context, alertID string) (ScanResult, error) {
	a, err := m.alerts.Get(ctx, alertID)
	if db.IsNotFound(err) {
		return ScanResult{AlertID: alertID}, nil
	}
	if err != nil {
		return ScanResult{}, err
	}
	if a.Status != alerts.StatusActive {
		return ScanResult{AlertID: alertID}, nil
	}

	sites, err := m.avail.Availability(ctx, a.Platform, a.CampgroundID, a.StartDate, a.EndDate)
	if err != nil {
		return ScanResult{}, fmt.Errorf("availability check for alert %s: %w", alertID, err)
	}

	available := make([]string, 0, len(sites))
	for _, s := range sites {
		if s.Available && wantedType(a.SiteTypes, s.SiteName) {
			available = append(available, s.SiteID)
		}
	}

	prev, _, err := m.cache.Get(ctx, alertID)
	if err != nil {
		// The cache is advisory. Worst case we re-notify once.
		log.Printf("scan cache read failed for alert %s: %v", alertID, err)
	}
	seen := make(map[string]bool, len(prev))
	for _, id := range prev {
		seen[id] = true
	}
	var newly []string
	for _, id := range available {
		if !seen[id] {
			newly = append(newly, id)
		}
	}

	if err := m.cache.Set(ctx, alertID, available); err != nil {
		log.Printf("scan cache write failed for alert %s: %v", alertID, err)
	}
	if err := m.alerts.MarkScanned(ctx, alertID); err != nil {
		return ScanResult{}, fmt.Errorf("mark alert %s scanned: %w", alertID, err)
	}

	metrics.ScansTotal.Inc()

	if len(newly) > 0 {
		metrics.NewlyAvailableTotal.Add(float64(len(newly)))
		if err := m.alerts.MarkTriggered(ctx, alertID, a.AutoBook); err != nil {
			return ScanResult{}, fmt.Errorf("mark alert %s triggered: %w", alertID, err)
		}
		m.send(ctx, notify.Notification{
			UserID: a.UserID,
			Type:   notify.TypeAvailabilityAlert,
			Title:  fmt.Sprintf("Sites available at %s", a.CampgroundName),
			Body: fmt.Sprintf("%d site(s) just opened up at %s for %s to %s.",
				len(newly), a.CampgroundName,
				a.StartDate.Format("2006-01-02"), a.EndDate.Format("2006-01-02")),
			Data: map[string]any{"alert_id": a.ID, "site_ids": newly},
		})
		if a.AutoBook {
			err := m.queue.Enqueue(ctx, BookQueue, bookJobID(a.ID, m.now()), "auto-book",
				BookPayload{AlertID: a.ID, SiteIDs: newly}, 0)
			if err != nil {
				return ScanResult{}, fmt.Errorf("enqueue auto-book for alert %s: %w", alertID, err)
			}
		}
	}

	return ScanResult{AlertID: alertID, NewlyAvailable: newly, TotalAvailable: len(available)}, nil
}

// ClearCache drops the alert's availability snapshot, so a resumed alert
// starts from a clean diff instead of a stale one.
func (m *Monitor) ClearCache(ctx context.Context, alertID string) error {
	return m.cache.Delete(ctx, alertID)
}

// wantedType filters by the alert's requested site types. An alert with no
// types wants everything. Matching is a substring check on the site name
// because the platforms do not expose a structured type field.
func wantedType(types []string, siteName string) bool {
	if len(types) == 0 {
		return true
	}
	name := strings.ToLower(siteName)
	for _, t := range types {
		if strings.Contains(name, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

func (m *Monitor) send(ctx context.Context, n notify.Notification) {
	if err := m.notify.Send(ctx, n); err != nil {
		log.Printf("notification send failed (user=%d type=%s): %v", n.UserID, n.Type, err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(string(n.Type)).Inc()
}
