package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/example/campsniper/internal/alerts"
	"github.com/example/campsniper/internal/db"
	"github.com/example/campsniper/internal/metrics"
	"github.com/example/campsniper/internal/notify"
	"github.com/example/campsniper/internal/platform"
	"github.com/example/campsniper/internal/queue"
	"github.com/example/campsniper/internal/sidecar"
	"github.com/example/campsniper/internal/snipes"
	"github.com/example/campsniper/internal/vault"
)

type CredentialSource interface {
	DecryptForUser(ctx context.Context, userID int64, p platform.Platform) (vault.Credential, vault.Login, error)
}

type BookingClient interface {
	Book(ctx context.Context, r sidecar.BookRequest) (sidecar.BookResult, error)
}

// Booker handles auto-book jobs for triggered alerts. Unlike a snipe there
// is no pre-stage phase: by the time the job exists the sites are already
// bookable, so it goes straight for the first site that opened up.
type Booker struct {
	alerts  AlertStore
	creds   CredentialSource
	booking BookingClient
	notify  notify.Sender
}

func NewBooker(store AlertStore, creds CredentialSource, booking BookingClient, sender notify.Sender) *Booker {
	return &Booker{alerts: store, creds: creds, booking: booking, notify: sender}
}

func (b *Booker) Handle(ctx context.Context, job queue.Job) queue.Outcome {
	var p BookPayload
	if err := job.Unmarshal(&p); err != nil {
		return queue.Fail("bad auto-book payload: " + err.Error())
	}

	a, err := b.alerts.Get(ctx, p.AlertID)
	if db.IsNotFound(err) {
		return queue.Fail("alert " + p.AlertID + " no longer exists")
	}
	if err != nil {
		return queue.Retry(err)
	}

	if !a.AutoBook {
		return queue.Done("auto-book disabled on alert " + a.ID)
	}
	if a.Status == alerts.StatusCancelled || a.Status == alerts.StatusExpired {
		return queue.Done(fmt.Sprintf("alert %s is %s, skipping", a.ID, a.Status))
	}
	if len(p.SiteIDs) == 0 {
		return queue.Done("no sites to book for alert " + a.ID)
	}

	if a.ConfirmFirst {
		b.send(ctx, notify.Notification{
			UserID: a.UserID,
			Type:   notify.TypeSystem,
			Title:  fmt.Sprintf("Confirm booking at %s", a.CampgroundName),
			Body: fmt.Sprintf("Site %s is available at %s. Confirm within the app to book it.",
				p.SiteIDs[0], a.CampgroundName),
			Data: map[string]any{"alert_id": a.ID, "site_ids": p.SiteIDs, "action": "confirm_booking"},
		})
		return queue.Done("confirmation requested for alert " + a.ID)
	}

	_, login, err := b.creds.DecryptForUser(ctx, a.UserID, a.Platform)
	switch {
	case db.IsNotFound(err):
		b.send(ctx, notify.Notification{
			UserID: a.UserID,
			Type:   notify.TypeSystem,
			Title:  "Auto-book skipped",
			Body: fmt.Sprintf("Sites opened at %s but you have no stored %s credentials. Book manually or add credentials.",
				a.CampgroundName, a.Platform),
			Data: map[string]any{"alert_id": a.ID},
		})
		return queue.Fail("no credentials for user " + fmt.Sprint(a.UserID) + " on " + string(a.Platform))
	case errors.Is(err, vault.ErrDecryptFailed):
		return queue.Fail("stored credentials for alert " + a.ID + " cannot be decrypted")
	case err != nil:
		return queue.Retry(err)
	}

	res, err := b.booking.Book(ctx, sidecar.BookRequest{
		Platform:        a.Platform,
		Username:        login.Username,
		Password:        login.Password,
		CampgroundID:    a.CampgroundID,
		SitePreferences: p.SiteIDs,
		ArrivalDate:     a.StartDate,
		DepartureDate:   a.EndDate,
		EquipmentType:   string(snipes.EquipmentNoEquipment),
		Occupants:       1,
	})
	if err != nil {
		return queue.Retry(fmt.Errorf("auto-book for alert %s: %w", a.ID, err))
	}

	if !res.Success {
		reason := res.Error
		if reason == "" {
			reason = "the platform declined the booking"
		}
		b.send(ctx, notify.Notification{
			UserID: a.UserID,
			Type:   notify.TypeSystem,
			Title:  fmt.Sprintf("Auto-book failed for %s", a.CampgroundName),
			Body:   fmt.Sprintf("Tried to book at %s but %s. The alert keeps scanning.", a.CampgroundName, reason),
			Data:   map[string]any{"alert_id": a.ID},
		})
		return queue.Fail("auto-book declined: " + reason)
	}

	ref := res.BookingID
	if ref == "" {
		ref = res.ConfirmationNumber
	}
	b.send(ctx, notify.Notification{
		UserID: a.UserID,
		Type:   notify.TypeBookingConfirmation,
		Title:  fmt.Sprintf("Booked %s", a.CampgroundName),
		Body: fmt.Sprintf("Auto-booked site %s at %s for %s to %s. Reference %s.",
			res.SiteID, a.CampgroundName,
			a.StartDate.Format("2006-01-02"), a.EndDate.Format("2006-01-02"), ref),
		Data: map[string]any{"alert_id": a.ID, "booking_id": ref, "site_id": res.SiteID},
	})
	return queue.Done("booked site " + res.SiteID + " for alert " + a.ID)
}

func (b *Booker) send(ctx context.Context, n notify.Notification) {
	if err := b.notify.Send(ctx, n); err != nil {
		log.Printf("notification send failed (user=%d type=%s): %v", n.UserID, n.Type, err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(string(n.Type)).Inc()
}
