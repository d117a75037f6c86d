package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/example/campsniper/internal/metrics"
	"github.com/example/campsniper/internal/notify"
)

// DefaultTick is how often the scheduler sweeps for expired and due alerts.
const DefaultTick = time.Minute

// Scheduler is the single process-wide loop that expires finished alerts
// and fans due ones out as scan jobs. Workers do the scanning; the
// scheduler only decides what is due.
type Scheduler struct {
	alerts   AlertStore
	queue    Enqueuer
	notify   notify.Sender
	interval time.Duration
	now      func() time.Time
}

func NewScheduler(store AlertStore, q Enqueuer, sender notify.Sender, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultTick
	}
	return &Scheduler{alerts: store, queue: q, notify: sender, interval: interval, now: time.Now}
}

// Run ticks until the context is cancelled. The first sweep happens
// immediately so a restart does not leave due alerts waiting a full tick.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("scan scheduler started (tick=%s)", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("scan scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.expire(ctx)

	due, err := s.alerts.DueForScan(ctx)
	if err != nil {
		log.Printf("scheduler: listing due alerts: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}
	log.Printf("scheduler: %d alert(s) due for scan", len(due))

	at := s.now()
	for _, a := range due {
		err := s.queue.Enqueue(ctx, ScanQueue, ScanJobID(a.ID, at), "scan-alert",
			ScanPayload{AlertID: a.ID}, 0)
		if err != nil {
			log.Printf("scheduler: enqueue scan for alert %s: %v", a.ID, err)
		}
	}
}

func (s *Scheduler) expire(ctx context.Context) {
	expired, err := s.alerts.ExpireEnded(ctx)
	if err != nil {
		log.Printf("scheduler: expiring ended alerts: %v", err)
		return
	}
	if len(expired) == 0 {
		return
	}
	log.Printf("scheduler: expired %d alert(s)", len(expired))
	metrics.AlertsExpiredTotal.Add(float64(len(expired)))

	for _, e := range expired {
		n := notify.Notification{
			UserID: e.UserID,
			Type:   notify.TypeAlertExpired,
			Title:  "Availability alert expired",
			Body:   fmt.Sprintf("Your alert %s ended without a booking; its date range has passed.", e.ID),
			Data:   map[string]any{"alert_id": e.ID},
		}
		if err := s.notify.Send(ctx, n); err != nil {
			log.Printf("scheduler: expiry notification for alert %s: %v", e.ID, err)
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(string(notify.TypeAlertExpired)).Inc()
	}
}
