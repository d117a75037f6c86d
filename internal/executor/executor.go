// Package executor runs the two snipe phases. Pre-stage fires a few
// minutes before the booking window opens and warms an authenticated
// session; execute fires at the window instant and places the reservation.
// Splitting the phases keeps authentication latency out of the
// time-critical booking call.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/example/campsniper/internal/db"
	"github.com/example/campsniper/internal/metrics"
	"github.com/example/campsniper/internal/notify"
	"github.com/example/campsniper/internal/platform"
	"github.com/example/campsniper/internal/queue"
	"github.com/example/campsniper/internal/sidecar"
	"github.com/example/campsniper/internal/snipes"
	"github.com/example/campsniper/internal/vault"
)

const (
	sessionKeyPrefix = "snipe:session:"
	// SessionTTL bounds how long a warmed session token is kept; it only
	// needs to survive the pre-stage lead plus scheduling jitter.
	SessionTTL = 10 * time.Minute
)

type SnipeStore interface {
	Get(ctx context.Context, id string) (snipes.Snipe, error)
	UpdateStatus(ctx context.Context, id string, status snipes.Status, extra snipes.StatusExtra) error
}

type CredentialSource interface {
	Decrypt(ctx context.Context, id string) (vault.Credential, vault.Login, error)
}

type BookingClient interface {
	Login(ctx context.Context, p platform.Platform, username, password string) (sidecar.LoginResult, error)
	Book(ctx context.Context, r sidecar.BookRequest) (sidecar.BookResult, error)
}

// SessionCache stores warmed session tokens. It is advisory: losing an
// entry costs one extra login at execute time, never correctness.
type SessionCache interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, queue, id, name string, payload any, delay time.Duration) error
}

type Executor struct {
	snipes   SnipeStore
	creds    CredentialSource
	booking  BookingClient
	sessions SessionCache
	queue    Enqueuer
	notify   notify.Sender
	now      func() time.Time
}

func New(store SnipeStore, creds CredentialSource, booking BookingClient, sessions SessionCache, q Enqueuer, sender notify.Sender) *Executor {
	return &Executor{
		snipes:   store,
		creds:    creds,
		booking:  booking,
		sessions: sessions,
		queue:    q,
		notify:   sender,
		now:      time.Now,
	}
}

// Handle is the job handler for the snipe-executor queue.
func (e *Executor) Handle(ctx context.Context, job queue.Job) queue.Outcome {
	var p snipes.JobPayload
	if err := job.Unmarshal(&p); err != nil {
		return queue.Fail(fmt.Sprintf("bad payload: %v", err))
	}

	log.Printf("[snipe] processing %s for snipe %s", p.Phase, p.SnipeID)

	s, err := e.snipes.Get(ctx, p.SnipeID)
	if db.IsNotFound(err) {
		return queue.Fail("snipe " + p.SnipeID + " not found")
	}
	if err != nil {
		return queue.Retry(err)
	}

	// Cancellation is cooperative: a cancelled snipe's jobs may still
	// fire, so both phases no-op on that status before any side effects.
	if s.Status == snipes.StatusCancelled {
		return queue.Done("snipe was cancelled, skipping")
	}

	switch p.Phase {
	case snipes.PhasePreStage:
		return e.preStage(ctx, s)
	case snipes.PhaseExecute:
		return e.execute(ctx, s)
	default:
		return queue.Fail(fmt.Sprintf("unknown phase %q", p.Phase))
	}
}

func (e *Executor) preStage(ctx context.Context, s snipes.Snipe) queue.Outcome {
	if err := e.snipes.UpdateStatus(ctx, s.ID, snipes.StatusPreStaging, snipes.StatusExtra{}); err != nil {
		return queue.Retry(err)
	}

	_, login, err := e.creds.Decrypt(ctx, s.CredentialID)
	if errors.Is(err, db.ErrNotFound) {
		return e.failSnipe(ctx, s, snipes.PhasePreStage, "credentials not found",
			"Your saved credentials were not found. Please re-add them.", nil)
	}
	if errors.Is(err, vault.ErrDecryptFailed) {
		// data corruption; retrying cannot help
		return e.failSnipe(ctx, s, snipes.PhasePreStage, "stored credentials could not be decrypted",
			"Your saved credentials are unreadable. Please re-add them.", nil)
	}
	if err != nil {
		return queue.Retry(err)
	}

	res, err := e.booking.Login(ctx, s.Platform, login.Username, login.Password)
	if err != nil {
		return queue.Retry(err)
	}
	if !res.Success {
		reason := "pre-stage login failed: " + res.Error
		return e.failSnipe(ctx, s, snipes.PhasePreStage, reason,
			"Login failed during pre-staging: "+res.Error, nil)
	}

	if res.SessionToken != "" {
		if err := e.sessions.Set(ctx, sessionKeyPrefix+s.ID, res.SessionToken, SessionTTL); err != nil {
			// advisory cache; execute will log in again if it is missing
			log.Printf("[snipe] session cache write failed for %s: %v", s.ID, err)
		}
	}

	delay := s.WindowOpensAt.Sub(e.now())
	if delay < 0 {
		delay = 0
	}
	payload := snipes.JobPayload{SnipeID: s.ID, Phase: snipes.PhaseExecute}
	if err := e.queue.Enqueue(ctx, snipes.ExecutorQueue, snipes.ExecuteJobID(s.ID), "execute", payload, delay); err != nil {
		return queue.Retry(err)
	}

	metrics.SnipePhasesTotal.WithLabelValues("pre_stage", "ok").Inc()
	return queue.Done(fmt.Sprintf("pre-staged, execute in %s", delay))
}

func (e *Executor) execute(ctx context.Context, s snipes.Snipe) queue.Outcome {
	if err := e.snipes.UpdateStatus(ctx, s.ID, snipes.StatusExecuting, snipes.StatusExtra{}); err != nil {
		return queue.Retry(err)
	}

	executedAt := e.now().UTC()

	_, login, err := e.creds.Decrypt(ctx, s.CredentialID)
	if errors.Is(err, db.ErrNotFound) {
		return e.failSnipe(ctx, s, snipes.PhaseExecute, "credentials not found at execution time",
			"Credentials were not found at booking time.", &executedAt)
	}
	if errors.Is(err, vault.ErrDecryptFailed) {
		return e.failSnipe(ctx, s, snipes.PhaseExecute, "stored credentials could not be decrypted",
			"Your saved credentials are unreadable. Please re-add them.", &executedAt)
	}
	if err != nil {
		return queue.Retry(err)
	}

	res, err := e.booking.Book(ctx, sidecar.BookRequest{
		Platform:        s.Platform,
		Username:        login.Username,
		Password:        login.Password,
		CampgroundID:    s.CampgroundID,
		SitePreferences: s.SitePreferences,
		ArrivalDate:     s.ArrivalDate,
		DepartureDate:   s.DepartureDate,
		EquipmentType:   string(s.EquipmentType),
		Occupants:       s.Occupants,
	})
	if err != nil {
		return queue.Retry(err)
	}

	// the warmed session is single-use; drop it win or lose
	if err := e.sessions.Delete(ctx, sessionKeyPrefix+s.ID); err != nil {
		log.Printf("[snipe] session cache delete failed for %s: %v", s.ID, err)
	}

	if !res.Success {
		reason := res.Error
		if reason == "" {
			reason = "no preferred sites were available when the window opened"
		}
		return e.failSnipe(ctx, s, snipes.PhaseExecute, reason, reason, &executedAt)
	}

	bookingID := res.BookingID
	if bookingID == "" {
		bookingID = res.ConfirmationNumber
	}
	if err := e.snipes.UpdateStatus(ctx, s.ID, snipes.StatusSucceeded, snipes.StatusExtra{
		ResultBookingID: bookingID,
		ExecutedAt:      &executedAt,
	}); err != nil {
		return queue.Retry(err)
	}

	site := res.SiteID
	if site == "" {
		site = "reserved"
	}
	e.send(ctx, notify.Notification{
		UserID: s.UserID,
		Type:   notify.TypeBookingConfirmation,
		Title:  "Campsite booked!",
		Body: fmt.Sprintf("Your snipe for %s succeeded! Site %s is booked for %s to %s.",
			s.CampgroundName, site, s.ArrivalDate.Format("2006-01-02"), s.DepartureDate.Format("2006-01-02")),
		Data: map[string]any{
			"snipe_id":            s.ID,
			"site_id":             res.SiteID,
			"booking_id":          res.BookingID,
			"confirmation_number": res.ConfirmationNumber,
		},
	})

	metrics.SnipePhasesTotal.WithLabelValues("execute", "succeeded").Inc()
	return queue.Done("booked " + bookingID)
}

// failSnipe records a terminal business failure and notifies the owner. It
// returns a Fail outcome so the queue never retries what a re-run cannot
// fix.
func (e *Executor) failSnipe(ctx context.Context, s snipes.Snipe, phase snipes.Phase, reason, userMessage string, executedAt *time.Time) queue.Outcome {
	if err := e.snipes.UpdateStatus(ctx, s.ID, snipes.StatusFailed, snipes.StatusExtra{
		FailureReason: reason,
		ExecutedAt:    executedAt,
	}); err != nil {
		return queue.Retry(err)
	}

	e.send(ctx, notify.Notification{
		UserID: s.UserID,
		Type:   notify.TypeSystem,
		Title:  "Snipe booking failed",
		Body: fmt.Sprintf("Your snipe for %s (%s) failed: %s",
			s.CampgroundName, s.ArrivalDate.Format("2006-01-02"), userMessage),
		Data: map[string]any{"snipe_id": s.ID},
	})

	metrics.SnipePhasesTotal.WithLabelValues(string(phase), "failed").Inc()
	return queue.Fail(reason)
}

func (e *Executor) send(ctx context.Context, n notify.Notification) {
	if err := e.notify.Send(ctx, n); err != nil {
		log.Printf("[snipe] notification failed for user %d: %v", n.UserID, err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(string(n.Type)).Inc()
}
