package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/example/campsniper/internal/alerts"
	"github.com/example/campsniper/internal/db"
	"github.com/example/campsniper/internal/notify"
	"github.com/example/campsniper/internal/platform"
	"github.com/example/campsniper/internal/queue"
	"github.com/example/campsniper/internal/sidecar"
	"github.com/example/campsniper/internal/vault"
)

type fakeAlerts struct {
	byID      map[string]alerts.Alert
	getErr    error
	scanned   []string
	triggered []struct {
		id       string
		autoBook bool
	}
	due     []alerts.Alert
	expired []alerts.Expired
}

func (f *fakeAlerts) Get(_ context.Context, id string) (alerts.Alert, error) {
	if f.getErr != nil {
		return alerts.Alert{}, f.getErr
	}
	a, ok := f.byID[id]
	if !ok {
		return alerts.Alert{}, db.ErrNotFound
	}
	return a, nil
}

func (f *fakeAlerts) MarkScanned(_ context.Context, id string) error {
	f.scanned = append(f.scanned, id)
	return nil
}

func (f *fakeAlerts) MarkTriggered(_ context.Context, id string, autoBook bool) error {
	f.triggered = append(f.triggered, struct {
		id       string
		autoBook bool
	}{id, autoBook})
	return nil
}

func (f *fakeAlerts) DueForScan(context.Context) ([]alerts.Alert, error) { return f.due, nil }

func (f *fakeAlerts) ExpireEnded(context.Context) ([]alerts.Expired, error) { return f.expired, nil }

type fakeAvail struct {
	sites []sidecar.SiteAvailability
	err   error
	calls int
}

func (f *fakeAvail) Availability(context.Context, platform.Platform, string, time.Time, time.Time) ([]sidecar.SiteAvailability, error) {
	f.calls++
	return f.sites, f.err
}

type fakeCache struct {
	snapshots map[string][]string
	deleted   []string
}

func newFakeCache() *fakeCache { return &fakeCache{snapshots: map[string][]string{}} }

func (f *fakeCache) Get(_ context.Context, alertID string) ([]string, bool, error) {
	ids, ok := f.snapshots[alertID]
	return ids, ok, nil
}

func (f *fakeCache) Set(_ context.Context, alertID string, siteIDs []string) error {
	f.snapshots[alertID] = siteIDs
	return nil
}

func (f *fakeCache) Delete(_ context.Context, alertID string) error {
	f.deleted = append(f.deleted, alertID)
	delete(f.snapshots, alertID)
	return nil
}

type enqueued struct {
	queue, id, name string
	payload         any
	delay           time.Duration
}

type fakeQueue struct {
	jobs []enqueued
	err  error
}

func (f *fakeQueue) Enqueue(_ context.Context, q, id, name string, payload any, delay time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, enqueued{q, id, name, payload, delay})
	return nil
}

type fakeSender struct {
	sent []notify.Notification
}

func (f *fakeSender) Send(_ context.Context, n notify.Notification) error {
	f.sent = append(f.sent, n)
	return nil
}

func activeAlert(id string) alerts.Alert {
	return alerts.Alert{
		ID:             id,
		UserID:         7,
		CampgroundID:   "cg-algonquin",
		CampgroundName: "Algonquin",
		Platform:       platform.OntarioParks,
		StartDate:      time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2026, 7, 12, 0, 0, 0, 0, time.UTC),
		Status:         alerts.StatusActive,
		ScanInterval:   alerts.DefaultScanInterval,
	}
}

func site(id string, available bool) sidecar.SiteAvailability {
	return sidecar.SiteAvailability{SiteID: id, SiteName: "Site " + id, Available: available}
}

type harness struct {
	alerts *fakeAlerts
	avail  *fakeAvail
	cache  *fakeCache
	queue  *fakeQueue
	sender *fakeSender
	mon    *Monitor
}

func newHarness(a alerts.Alert, sites ...sidecar.SiteAvailability) *harness {
	h := &harness{
		alerts: &fakeAlerts{byID: map[string]alerts.Alert{a.ID: a}},
		avail:  &fakeAvail{sites: sites},
		cache:  newFakeCache(),
		queue:  &fakeQueue{},
		sender: &fakeSender{},
	}
	h.mon = New(h.alerts, h.avail, h.cache, h.queue, h.sender)
	h.mon.now = func() time.Time { return time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC) }
	return h
}

func TestScanAlertFirstScanReportsEverything(t *testing.T) {
	h := newHarness(activeAlert("a1"), site("9", true), site("12", true), site("30", false))

	res, err := h.mon.ScanAlert(context.Background(), "a1")
	if err != nil {
		t.Fatalf("ScanAlert: %v", err)
	}
	if res.TotalAvailable != 2 {
		t.Errorf("TotalAvailable = %d, want 2", res.TotalAvailable)
	}
	if len(res.NewlyAvailable) != 2 {
		t.Fatalf("NewlyAvailable = %v, want two sites", res.NewlyAvailable)
	}
	if len(h.alerts.scanned) != 1 || h.alerts.scanned[0] != "a1" {
		t.Errorf("scanned = %v, want [a1]", h.alerts.scanned)
	}
	if len(h.alerts.triggered) != 1 {
		t.Fatalf("triggered = %v, want one mark", h.alerts.triggered)
	}
	if len(h.sender.sent) != 1 || h.sender.sent[0].Type != notify.TypeAvailabilityAlert {
		t.Fatalf("sent = %+v, want one availability alert", h.sender.sent)
	}
	if got := h.cache.snapshots["a1"]; len(got) != 2 {
		t.Errorf("snapshot = %v, want both available sites", got)
	}
}

func TestScanAlertReportsOnlyTheDiff(t *testing.T) {
	h := newHarness(activeAlert("a1"), site("9", true), site("12", true))
	h.cache.snapshots["a1"] = []string{"9"}

	res, err := h.mon.ScanAlert(context.Background(), "a1")
	if err != nil {
		t.Fatalf("ScanAlert: %v", err)
	}
	if len(res.NewlyAvailable) != 1 || res.NewlyAvailable[0] != "12" {
		t.Fatalf("NewlyAvailable = %v, want [12]", res.NewlyAvailable)
	}

	// A second scan of the same picture reports nothing new.
	res, err = h.mon.ScanAlert(context.Background(), "a1")
	if err != nil {
		t.Fatalf("second ScanAlert: %v", err)
	}
	if len(res.NewlyAvailable) != 0 {
		t.Errorf("second scan NewlyAvailable = %v, want none", res.NewlyAvailable)
	}
	if len(h.sender.sent) != 1 {
		t.Errorf("sent %d notifications, want exactly 1", len(h.sender.sent))
	}
	if len(h.alerts.scanned) != 2 {
		t.Errorf("scanned %d times, want 2 (stamp is unconditional)", len(h.alerts.scanned))
	}
}

func TestScanAlertSiteTakenAgainIsNotNews(t *testing.T) {
	h := newHarness(activeAlert("a1"), site("9", false))
	h.cache.snapshots["a1"] = []string{"9"}

	res, err := h.mon.ScanAlert(context.Background(), "a1")
	if err != nil {
		t.Fatalf("ScanAlert: %v", err)
	}
	if len(res.NewlyAvailable) != 0 || res.TotalAvailable != 0 {
		t.Errorf("result = %+v, want empty", res)
	}
	if len(h.sender.sent) != 0 {
		t.Errorf("sent = %+v, want none", h.sender.sent)
	}
	// Snapshot shrinks, so 9 coming back later counts as new again.
	if got := h.cache.snapshots["a1"]; len(got) != 0 {
		t.Errorf("snapshot = %v, want empty", got)
	}
}

func TestScanAlertMissingOrInactive(t *testing.T) {
	paused := activeAlert("a2")
	paused.Status = alerts.StatusPaused
	h := newHarness(paused, site("9", true))

	for _, id := range []string{"missing", "a2"} {
		res, err := h.mon.ScanAlert(context.Background(), id)
		if err != nil {
			t.Fatalf("ScanAlert(%s): %v", id, err)
		}
		if res.TotalAvailable != 0 || len(res.NewlyAvailable) != 0 {
			t.Errorf("ScanAlert(%s) = %+v, want zero result", id, res)
		}
	}
	if h.avail.calls != 0 {
		t.Errorf("availability called %d times, want 0", h.avail.calls)
	}
	if len(h.alerts.scanned) != 0 {
		t.Errorf("scanned = %v, want no writes", h.alerts.scanned)
	}
}

func TestScanAlertAvailabilityFailureIsRetryable(t *testing.T) {
	h := newHarness(activeAlert("a1"))
	h.avail.err = errors.New("sidecar down")

	_, err := h.mon.ScanAlert(context.Background(), "a1")
	if err == nil {
		t.Fatal("ScanAlert returned nil error, want failure")
	}
	if len(h.alerts.scanned) != 0 {
		t.Errorf("scanned = %v, want none on failure", h.alerts.scanned)
	}

	out := h.mon.HandleScan(context.Background(), scanJob(t, "a1"))
	if out.Retryable() == nil {
		t.Error("HandleScan outcome not retryable, want retry")
	}
}

func TestScanAlertAutoBookEnqueues(t *testing.T) {
	a := activeAlert("a1")
	a.AutoBook = true
	h := newHarness(a, site("9", true))

	if _, err := h.mon.ScanAlert(context.Background(), "a1"); err != nil {
		t.Fatalf("ScanAlert: %v", err)
	}
	if len(h.queue.jobs) != 1 {
		t.Fatalf("enqueued = %+v, want one auto-book job", h.queue.jobs)
	}
	j := h.queue.jobs[0]
	if j.queue != BookQueue || j.delay != 0 {
		t.Errorf("job = %+v, want immediate job on %s", j, BookQueue)
	}
	p, ok := j.payload.(BookPayload)
	if !ok || p.AlertID != "a1" || len(p.SiteIDs) != 1 || p.SiteIDs[0] != "9" {
		t.Errorf("payload = %+v, want alert a1 with site 9", j.payload)
	}
	if len(h.alerts.triggered) != 1 || !h.alerts.triggered[0].autoBook {
		t.Errorf("triggered = %+v, want auto-book trigger", h.alerts.triggered)
	}
}

func TestScanAlertWatchOnlyDoesNotEnqueue(t *testing.T) {
	h := newHarness(activeAlert("a1"), site("9", true))

	if _, err := h.mon.ScanAlert(context.Background(), "a1"); err != nil {
		t.Fatalf("ScanAlert: %v", err)
	}
	if len(h.queue.jobs) != 0 {
		t.Errorf("enqueued = %+v, want none for watch-only alert", h.queue.jobs)
	}
	if len(h.alerts.triggered) != 1 || h.alerts.triggered[0].autoBook {
		t.Errorf("triggered = %+v, want non-auto-book trigger", h.alerts.triggered)
	}
}

func TestScanAlertFiltersBySiteType(t *testing.T) {
	a := activeAlert("a1")
	a.SiteTypes = []string{"tent"}
	h := newHarness(a,
		sidecar.SiteAvailability{SiteID: "1", SiteName: "Tent Pad 1", Available: true},
		sidecar.SiteAvailability{SiteID: "2", SiteName: "Pull-Through RV 2", Available: true},
	)

	res, err := h.mon.ScanAlert(context.Background(), "a1")
	if err != nil {
		t.Fatalf("ScanAlert: %v", err)
	}
	if res.TotalAvailable != 1 || len(res.NewlyAvailable) != 1 || res.NewlyAvailable[0] != "1" {
		t.Errorf("result = %+v, want only the tent site", res)
	}
}

func TestHandleScanBadPayload(t *testing.T) {
	h := newHarness(activeAlert("a1"))
	out := h.mon.HandleScan(context.Background(), queue.Job{Payload: []byte("{nope")})
	if out.Retryable() != nil {
		t.Error("bad payload retried, want terminal outcome")
	}
}

func TestClearCache(t *testing.T) {
	h := newHarness(activeAlert("a1"))
	h.cache.snapshots["a1"] = []string{"9"}

	if err := h.mon.ClearCache(context.Background(), "a1"); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if _, ok := h.cache.snapshots["a1"]; ok {
		t.Error("snapshot survived ClearCache")
	}
}

func scanJob(t *testing.T, alertID string) queue.Job {
	t.Helper()
	return queue.Job{ID: "scan-" + alertID, Name: "scan-alert",
		Payload: []byte(`{"alert_id":"` + alertID + `"}`)}
}

func TestSchedulerTickEnqueuesDueAlerts(t *testing.T) {
	due := []alerts.Alert{activeAlert("a1"), activeAlert("a2")}
	fa := &fakeAlerts{byID: map[string]alerts.Alert{}, due: due}
	fq := &fakeQueue{}
	fs := &fakeSender{}

	s := NewScheduler(fa, fq, fs, time.Minute)
	at := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return at }

	s.tick(context.Background())

	if len(fq.jobs) != 2 {
		t.Fatalf("enqueued = %+v, want two scan jobs", fq.jobs)
	}
	if fq.jobs[0].queue != ScanQueue || fq.jobs[0].id != ScanJobID("a1", at) {
		t.Errorf("job = %+v, want %s on %s", fq.jobs[0], ScanJobID("a1", at), ScanQueue)
	}
}

func TestSchedulerTickExpiresAndNotifies(t *testing.T) {
	fa := &fakeAlerts{
		byID:    map[string]alerts.Alert{},
		expired: []alerts.Expired{{ID: "a1", UserID: 7}, {ID: "a2", UserID: 9}},
	}
	fq := &fakeQueue{}
	fs := &fakeSender{}

	s := NewScheduler(fa, fq, fs, time.Minute)
	s.tick(context.Background())

	if len(fs.sent) != 2 {
		t.Fatalf("sent = %+v, want two expiry notices", fs.sent)
	}
	for i, n := range fs.sent {
		if n.Type != notify.TypeAlertExpired {
			t.Errorf("sent[%d].Type = %s, want %s", i, n.Type, notify.TypeAlertExpired)
		}
	}
	if fs.sent[0].UserID != 7 || fs.sent[1].UserID != 9 {
		t.Errorf("recipients = %d,%d, want 7,9", fs.sent[0].UserID, fs.sent[1].UserID)
	}
}

type fakeCreds struct {
	login vault.Login
	err   error
}

func (f *fakeCreds) DecryptForUser(context.Context, int64, platform.Platform) (vault.Credential, vault.Login, error) {
	if f.err != nil {
		return vault.Credential{}, vault.Login{}, f.err
	}
	return vault.Credential{ID: "cred-1"}, f.login, nil
}

type fakeBooking struct {
	result sidecar.BookResult
	err    error
	reqs   []sidecar.BookRequest
}

func (f *fakeBooking) Book(_ context.Context, r sidecar.BookRequest) (sidecar.BookResult, error) {
	f.reqs = append(f.reqs, r)
	if f.err != nil {
		return sidecar.BookResult{}, f.err
	}
	return f.result, nil
}

func bookJob(t *testing.T, alertID string, sites ...string) queue.Job {
	t.Helper()
	body := `{"alert_id":"` + alertID + `","site_ids":["` + strings.Join(sites, `","`) + `"]}`
	if len(sites) == 0 {
		body = `{"alert_id":"` + alertID + `","site_ids":[]}`
	}
	return queue.Job{ID: "book-" + alertID, Name: "auto-book", Payload: []byte(body)}
}

func TestBookerBooksFirstOpenSite(t *testing.T) {
	a := activeAlert("a1")
	a.AutoBook = true
	a.Status = alerts.StatusTriggered
	fa := &fakeAlerts{byID: map[string]alerts.Alert{"a1": a}}
	fc := &fakeCreds{login: vault.Login{Username: "pat", Password: "secret"}}
	fb := &fakeBooking{result: sidecar.BookResult{Success: true, BookingID: "BK-1", SiteID: "9"}}
	fs := &fakeSender{}

	b := NewBooker(fa, fc, fb, fs)
	out := b.Handle(context.Background(), bookJob(t, "a1", "9", "12"))

	if out.Retryable() != nil {
		t.Fatalf("outcome = retry(%v), want done", out.Retryable())
	}
	if len(fb.reqs) != 1 {
		t.Fatalf("book calls = %d, want 1", len(fb.reqs))
	}
	req := fb.reqs[0]
	if req.Username != "pat" || req.CampgroundID != "cg-algonquin" {
		t.Errorf("request = %+v, want decrypted login against the alert's campground", req)
	}
	if len(req.SitePreferences) != 2 || req.SitePreferences[0] != "9" {
		t.Errorf("SitePreferences = %v, want newly available sites in order", req.SitePreferences)
	}
	if len(fs.sent) != 1 || fs.sent[0].Type != notify.TypeBookingConfirmation {
		t.Fatalf("sent = %+v, want one booking confirmation", fs.sent)
	}
	if !strings.Contains(fs.sent[0].Body, "BK-1") {
		t.Errorf("body = %q, want booking reference", fs.sent[0].Body)
	}
}

func TestBookerConfirmFirstAsksInsteadOfBooking(t *testing.T) {
	a := activeAlert("a1")
	a.AutoBook = true
	a.ConfirmFirst = true
	fa := &fakeAlerts{byID: map[string]alerts.Alert{"a1": a}}
	fb := &fakeBooking{}
	fs := &fakeSender{}

	b := NewBooker(fa, &fakeCreds{}, fb, fs)
	out := b.Handle(context.Background(), bookJob(t, "a1", "9"))

	if out.Retryable() != nil {
		t.Fatalf("outcome = retry(%v), want done", out.Retryable())
	}
	if len(fb.reqs) != 0 {
		t.Errorf("book calls = %d, want none before confirmation", len(fb.reqs))
	}
	if len(fs.sent) != 1 || fs.sent[0].Type != notify.TypeSystem {
		t.Fatalf("sent = %+v, want one confirmation prompt", fs.sent)
	}
	if fs.sent[0].Data["action"] != "confirm_booking" {
		t.Errorf("Data = %v, want confirm_booking action", fs.sent[0].Data)
	}
}

func TestBookerSkipsStaleOrDisabledAlerts(t *testing.T) {
	cancelled := activeAlert("a1")
	cancelled.AutoBook = true
	cancelled.Status = alerts.StatusCancelled

	watchOnly := activeAlert("a2")

	fa := &fakeAlerts{byID: map[string]alerts.Alert{"a1": cancelled, "a2": watchOnly}}
	fb := &fakeBooking{}
	b := NewBooker(fa, &fakeCreds{}, fb, &fakeSender{})

	for _, id := range []string{"a1", "a2"} {
		out := b.Handle(context.Background(), bookJob(t, id, "9"))
		if out.Retryable() != nil {
			t.Errorf("Handle(%s) = retry(%v), want done", id, out.Retryable())
		}
	}
	if len(fb.reqs) != 0 {
		t.Errorf("book calls = %d, want none", len(fb.reqs))
	}
}

func TestBookerMissingCredentialsIsTerminal(t *testing.T) {
	a := activeAlert("a1")
	a.AutoBook = true
	fa := &fakeAlerts{byID: map[string]alerts.Alert{"a1": a}}
	fs := &fakeSender{}

	b := NewBooker(fa, &fakeCreds{err: db.ErrNotFound}, &fakeBooking{}, fs)
	out := b.Handle(context.Background(), bookJob(t, "a1", "9"))

	if out.Retryable() != nil {
		t.Fatalf("outcome = retry(%v), want terminal failure", out.Retryable())
	}
	if len(fs.sent) != 1 || fs.sent[0].Type != notify.TypeSystem {
		t.Fatalf("sent = %+v, want one skip notice", fs.sent)
	}
}

func TestBookerTransportErrorRetries(t *testing.T) {
	a := activeAlert("a1")
	a.AutoBook = true
	fa := &fakeAlerts{byID: map[string]alerts.Alert{"a1": a}}

	b := NewBooker(fa, &fakeCreds{}, &fakeBooking{err: errors.New("timeout")}, &fakeSender{})
	out := b.Handle(context.Background(), bookJob(t, "a1", "9"))

	if out.Retryable() == nil {
		t.Fatal("outcome not retryable, want retry on transport error")
	}
}

func TestBookerDeclinedBookingNotifiesAndFails(t *testing.T) {
	a := activeAlert("a1")
	a.AutoBook = true
	fa := &fakeAlerts{byID: map[string]alerts.Alert{"a1": a}}
	fs := &fakeSender{}

	b := NewBooker(fa, &fakeCreds{},
		&fakeBooking{result: sidecar.BookResult{Success: false, Error: "site already taken"}}, fs)
	out := b.Handle(context.Background(), bookJob(t, "a1", "9"))

	if out.Retryable() != nil {
		t.Fatalf("outcome = retry(%v), want terminal failure", out.Retryable())
	}
	if len(fs.sent) != 1 || !strings.Contains(fs.sent[0].Body, "site already taken") {
		t.Fatalf("sent = %+v, want failure notice with the platform's reason", fs.sent)
	}
}
