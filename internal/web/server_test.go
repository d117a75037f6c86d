package web

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/campsniper/internal/alerts"
	"github.com/example/campsniper/internal/auth"
	"github.com/example/campsniper/internal/db"
	"github.com/example/campsniper/internal/platform"
	"github.com/example/campsniper/internal/sidecar"
	"github.com/example/campsniper/internal/snipes"
	"github.com/example/campsniper/internal/vault"
)

type fakeAlertStore struct {
	byID     map[string]alerts.Alert
	statuses map[string]alerts.Status
}

func (f *fakeAlertStore) Create(_ context.Context, a alerts.Alert) (alerts.Alert, error) {
	if err := a.Validate(); err != nil {
		return alerts.Alert{}, err
	}
	// mirror the repo contract: store-assigned id, active status, default
	// scan interval
	if a.ScanInterval <= 0 {
		a.ScanInterval = alerts.DefaultScanInterval
	}
	a.ID = "alert-1"
	a.Status = alerts.StatusActive
	f.byID[a.ID] = a
	return a, nil
}

func (f *fakeAlertStore) GetForUser(_ context.Context, id string, userID int64) (alerts.Alert, error) {
	a, ok := f.byID[id]
	if !ok || a.UserID != userID {
		return alerts.Alert{}, db.ErrNotFound
	}
	return a, nil
}

func (f *fakeAlertStore) ListByUser(_ context.Context, userID int64) ([]alerts.Alert, error) {
	var out []alerts.Alert
	for _, a := range f.byID {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAlertStore) SetStatus(_ context.Context, id string, status alerts.Status) error {
	f.statuses[id] = status
	a := f.byID[id]
	a.Status = status
	f.byID[id] = a
	return nil
}

type fakeSnipeService struct {
	createErr error
	created   []snipes.CreateParams
}

func (f *fakeSnipeService) Create(_ context.Context, p snipes.CreateParams) (snipes.Snipe, error) {
	if f.createErr != nil {
		return snipes.Snipe{}, f.createErr
	}
	f.created = append(f.created, p)
	return snipes.Snipe{ID: "snipe-1", UserID: p.UserID, Status: snipes.StatusScheduled,
		Platform: p.Platform, ArrivalDate: p.ArrivalDate, DepartureDate: p.DepartureDate}, nil
}

func (f *fakeSnipeService) Cancel(context.Context, string, int64) (snipes.Snipe, error) {
	return snipes.Snipe{}, snipes.ErrNotCancellable
}

func (f *fakeSnipeService) List(context.Context, int64) ([]snipes.Snipe, error) { return nil, nil }

func (f *fakeSnipeService) Get(context.Context, string, int64) (snipes.Snipe, error) {
	return snipes.Snipe{}, snipes.ErrNotFound
}

type fakeVault struct{}

func (fakeVault) Save(context.Context, int64, platform.Platform, vault.Login) (string, error) {
	return "cred-1", nil
}
func (fakeVault) List(context.Context, int64) ([]vault.Credential, error) { return nil, nil }
func (fakeVault) GetOwned(context.Context, string, int64) (vault.Credential, error) {
	return vault.Credential{}, db.ErrNotFound
}
func (fakeVault) Decrypt(context.Context, string) (vault.Credential, vault.Login, error) {
	return vault.Credential{}, vault.Login{}, db.ErrNotFound
}
func (fakeVault) Delete(context.Context, int64, platform.Platform) (bool, error) {
	return false, nil
}
func (fakeVault) MarkValidated(context.Context, string) error { return nil }

type fakeScanCache struct{ cleared []string }

func (f *fakeScanCache) ClearCache(_ context.Context, alertID string) error {
	f.cleared = append(f.cleared, alertID)
	return nil
}

type fakeSidecar struct{}

func (fakeSidecar) Login(context.Context, platform.Platform, string, string) (sidecar.LoginResult, error) {
	return sidecar.LoginResult{Success: true}, nil
}
func (fakeSidecar) Healthy(context.Context) bool { return true }

type testServer struct {
	srv    *Server
	alerts *fakeAlertStore
	snipes *fakeSnipeService
	scans  *fakeScanCache
	h      http.Handler
	cookie *http.Cookie
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	hashKey := make([]byte, 32)
	blockKey := make([]byte, 32)
	if _, err := rand.Read(hashKey); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(blockKey); err != nil {
		t.Fatal(err)
	}

	ts := &testServer{
		alerts: &fakeAlertStore{byID: map[string]alerts.Alert{}, statuses: map[string]alerts.Status{}},
		snipes: &fakeSnipeService{},
		scans:  &fakeScanCache{},
	}
	ts.srv = &Server{
		Auth:    auth.NewStore(nil, hashKey, blockKey),
		Alerts:  ts.alerts,
		Snipes:  ts.snipes,
		Vault:   fakeVault{},
		Scans:   ts.scans,
		Sidecar: fakeSidecar{},
		BaseURL: "http://localhost:8080",
	}
	ts.h = ts.srv.Routes()

	// Mint a session cookie for user 7 directly, bypassing the password path.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
	if err := ts.srv.Auth.SetSession(rec, req, 7); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("got %d cookies, want 1", len(cookies))
	}
	ts.cookie = cookies[0]
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(ts.cookie)
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	return rec
}

func TestRequiresAuthentication(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/alerts/", nil)
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without a session", rec.Code)
	}
}

func TestAlertCreate(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/alerts/", map[string]any{
		"campground_id":   "cg-1",
		"campground_name": "Killarney",
		"platform":        "ontario_parks",
		"start_date":      "2026-07-10",
		"end_date":        "2026-07-12",
		"auto_book":       true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got alertView
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "active" || !got.AutoBook || got.ScanIntervalMS != alerts.DefaultScanInterval.Milliseconds() {
		t.Errorf("view = %+v, want active auto-book alert with default interval", got)
	}
}

func TestAlertCreateRejectsBadDates(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/alerts/", map[string]any{
		"campground_id": "cg-1",
		"platform":      "ontario_parks",
		"start_date":    "July 10th",
		"end_date":      "2026-07-12",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for unparseable date", rec.Code)
	}
}

func TestAlertCancelClearsScanCache(t *testing.T) {
	ts := newTestServer(t)
	ts.alerts.byID["a1"] = alerts.Alert{ID: "a1", UserID: 7, Status: alerts.StatusActive}

	rec := ts.do(t, http.MethodPost, "/api/alerts/a1/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ts.alerts.statuses["a1"] != alerts.StatusCancelled {
		t.Errorf("status = %s, want cancelled", ts.alerts.statuses["a1"])
	}
	if len(ts.scans.cleared) != 1 || ts.scans.cleared[0] != "a1" {
		t.Errorf("cleared = %v, want [a1]", ts.scans.cleared)
	}
}

func TestAlertPauseConflictsWhenNotActive(t *testing.T) {
	ts := newTestServer(t)
	ts.alerts.byID["a1"] = alerts.Alert{ID: "a1", UserID: 7, Status: alerts.StatusPaused}

	rec := ts.do(t, http.MethodPost, "/api/alerts/a1/pause", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 pausing a paused alert", rec.Code)
	}
}

func TestAlertOwnershipScoping(t *testing.T) {
	ts := newTestServer(t)
	ts.alerts.byID["a1"] = alerts.Alert{ID: "a1", UserID: 99, Status: alerts.StatusActive}

	rec := ts.do(t, http.MethodGet, "/api/alerts/a1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for another user's alert", rec.Code)
	}
}

func TestSnipeCreatePassesThrough(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/snipes/", map[string]any{
		"credential_id":    "cred-1",
		"campground_id":    "cg-1",
		"platform":         "ontario_parks",
		"arrival_date":     "2026-08-15",
		"departure_date":   "2026-08-17",
		"site_preferences": []string{"9", "12"},
		"equipment_type":   "tent",
		"occupants":        2,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(ts.snipes.created) != 1 {
		t.Fatalf("created = %+v, want one call", ts.snipes.created)
	}
	p := ts.snipes.created[0]
	if p.UserID != 7 || p.Platform != platform.OntarioParks || len(p.SitePreferences) != 2 {
		t.Errorf("params = %+v, want session user and parsed body", p)
	}
}

func TestSnipeErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	ts.snipes.createErr = snipes.ErrTooManyActive

	rec := ts.do(t, http.MethodPost, "/api/snipes/", map[string]any{
		"credential_id":  "cred-1",
		"campground_id":  "cg-1",
		"platform":       "ontario_parks",
		"arrival_date":   "2026-08-15",
		"departure_date": "2026-08-17",
		"equipment_type": "tent",
		"occupants":      1,
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("create status = %d, want 409 for the active ceiling", rec.Code)
	}

	if rec := ts.do(t, http.MethodGet, "/api/snipes/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get status = %d, want 404", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/snipes/s1/cancel", nil); rec.Code != http.StatusConflict {
		t.Errorf("cancel status = %d, want 409 for a non-cancellable snipe", rec.Code)
	}
}

func TestWindowPreview(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/platforms/ontario_parks/window?arrival=2026-08-15", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got struct {
		WindowOpensAt time.Time `json:"window_opens_at"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)
	if !got.WindowOpensAt.Equal(want) {
		t.Errorf("window_opens_at = %v, want %v", got.WindowOpensAt, want)
	}

	rec = ts.do(t, http.MethodGet, "/api/platforms/hipcamp/window?arrival=2026-08-15", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a platform without a release rule", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "release") {
		t.Errorf("body = %q, want release-window explanation", rec.Body.String())
	}
}
