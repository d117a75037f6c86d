// Package web is the JSON API surface: auth, credential management,
// availability alerts and snipe scheduling. Everything data-plane (scans,
// bookings) happens in the worker process; handlers here only read state
// and enqueue work through the domain packages.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/example/campsniper/internal/alerts"
	"github.com/example/campsniper/internal/auth"
	"github.com/example/campsniper/internal/db"
	"github.com/example/campsniper/internal/metrics"
	"github.com/example/campsniper/internal/platform"
	"github.com/example/campsniper/internal/sidecar"
	"github.com/example/campsniper/internal/snipes"
	"github.com/example/campsniper/internal/vault"
)

const dateFormat = "2006-01-02"

type AlertStore interface {
	Create(ctx context.Context, a alerts.Alert) (alerts.Alert, error)
	GetForUser(ctx context.Context, id string, userID int64) (alerts.Alert, error)
	ListByUser(ctx context.Context, userID int64) ([]alerts.Alert, error)
	SetStatus(ctx context.Context, id string, status alerts.Status) error
}

type SnipeService interface {
	Create(ctx context.Context, p snipes.CreateParams) (snipes.Snipe, error)
	Cancel(ctx context.Context, id string, userID int64) (snipes.Snipe, error)
	List(ctx context.Context, userID int64) ([]snipes.Snipe, error)
	Get(ctx context.Context, id string, userID int64) (snipes.Snipe, error)
}

type CredentialVault interface {
	Save(ctx context.Context, userID int64, p platform.Platform, login vault.Login) (string, error)
	List(ctx context.Context, userID int64) ([]vault.Credential, error)
	GetOwned(ctx context.Context, id string, userID int64) (vault.Credential, error)
	Decrypt(ctx context.Context, id string) (vault.Credential, vault.Login, error)
	Delete(ctx context.Context, userID int64, p platform.Platform) (bool, error)
	MarkValidated(ctx context.Context, id string) error
}

// ScanCache is the slice of the monitor the API needs: dropping an
// alert's diff baseline when the alert is cancelled or resumed.
type ScanCache interface {
	ClearCache(ctx context.Context, alertID string) error
}

// LoginProber checks stored credentials against the live platform.
type LoginProber interface {
	Login(ctx context.Context, p platform.Platform, username, password string) (sidecar.LoginResult, error)
	Healthy(ctx context.Context) bool
}

type Server struct {
	Auth    *auth.Store
	DB      *db.DB
	Alerts  AlertStore
	Snipes  SnipeService
	Vault   CredentialVault
	Scans   ScanCache
	Sidecar LoginProber
	BaseURL string
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{s.BaseURL},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/api/signup", s.handleSignup)
	r.Post("/api/login", s.handleLogin)
	r.Post("/api/logout", s.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.RequireAuth)

		r.Route("/api/credentials", func(r chi.Router) {
			r.Post("/", s.handleCredentialSave)
			r.Get("/", s.handleCredentialList)
			r.Delete("/{platform}", s.handleCredentialDelete)
			r.Post("/{id}/validate", s.handleCredentialValidate)
		})

		r.Route("/api/alerts", func(r chi.Router) {
			r.Post("/", s.handleAlertCreate)
			r.Get("/", s.handleAlertList)
			r.Get("/{id}", s.handleAlertGet)
			r.Post("/{id}/pause", s.handleAlertPause)
			r.Post("/{id}/resume", s.handleAlertResume)
			r.Post("/{id}/cancel", s.handleAlertCancel)
		})

		r.Route("/api/snipes", func(r chi.Router) {
			r.Post("/", s.handleSnipeCreate)
			r.Get("/", s.handleSnipeList)
			r.Get("/{id}", s.handleSnipeGet)
			r.Post("/{id}/cancel", s.handleSnipeCancel)
		})

		r.Get("/api/platforms/{platform}/window", s.handleWindowPreview)
	})

	return r
}

func Start(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"db": "ok", "sidecar": "ok"}
	code := http.StatusOK
	if err := s.DB.Ping(r.Context()); err != nil {
		status["db"] = "unreachable"
		code = http.StatusServiceUnavailable
	}
	if !s.Sidecar.Healthy(r.Context()) {
		status["sidecar"] = "unreachable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

type credentialsBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if !decode(w, r, &body) {
		return
	}
	if body.Username == "" || len(body.Password) < 8 {
		writeError(w, http.StatusBadRequest, "username and a password of at least 8 characters are required")
		return
	}
	if err := s.Auth.CreateUser(r.Context(), body.Username, body.Password); err != nil {
		writeError(w, http.StatusConflict, "username is taken")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body credentialsBody
	if !decode(w, r, &body) {
		return
	}
	uid, err := s.Auth.Authenticate(r.Context(), body.Username, body.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err := s.Auth.SetSession(w, r, uid); err != nil {
		writeError(w, http.StatusInternalServerError, "could not start session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type saveCredentialBody struct {
	Platform string `json:"platform"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type credentialView struct {
	ID              string     `json:"id"`
	Platform        string     `json:"platform"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func credentialToView(c vault.Credential) credentialView {
	return credentialView{
		ID:              c.ID,
		Platform:        string(c.Platform),
		LastValidatedAt: c.LastValidatedAt,
		CreatedAt:       c.CreatedAt,
	}
}

func (s *Server) handleCredentialSave(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	var body saveCredentialBody
	if !decode(w, r, &body) {
		return
	}
	p := platform.Platform(body.Platform)
	if !platform.Valid(p) {
		writeError(w, http.StatusBadRequest, "unknown platform")
		return
	}
	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	id, err := s.Vault.Save(r.Context(), uid, p, vault.Login{Username: body.Username, Password: body.Password})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not save credentials")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "platform": string(p)})
}

func (s *Server) handleCredentialList(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	creds, err := s.Vault.List(r.Context(), uid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list credentials")
		return
	}
	out := make([]credentialView, 0, len(creds))
	for _, c := range creds {
		out = append(out, credentialToView(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCredentialDelete(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	p := platform.Platform(chi.URLParam(r, "platform"))
	deleted, err := s.Vault.Delete(r.Context(), uid, p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not delete credentials")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "no credentials stored for that platform")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleCredentialValidate decrypts the stored pair and probes a live
// platform login through the sidecar, stamping last_validated_at on
// success. This is how users discover a rotated password before a snipe
// discovers it for them at window time.
func (s *Server) handleCredentialValidate(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	cred, err := s.Vault.GetOwned(r.Context(), id, uid)
	if db.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "credential not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load credential")
		return
	}

	_, login, err := s.Vault.Decrypt(r.Context(), cred.ID)
	if errors.Is(err, vault.ErrDecryptFailed) {
		writeError(w, http.StatusUnprocessableEntity, "stored credentials cannot be decrypted; save them again")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load credential")
		return
	}

	res, err := s.Sidecar.Login(r.Context(), cred.Platform, login.Username, login.Password)
	if err != nil {
		writeError(w, http.StatusBadGateway, "platform login check unavailable, try again later")
		return
	}
	if !res.Success {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": res.Error})
		return
	}
	if err := s.Vault.MarkValidated(r.Context(), cred.ID); err != nil {
		log.Printf("mark credential %s validated: %v", cred.ID, err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

type createAlertBody struct {
	CampgroundID   string   `json:"campground_id"`
	CampgroundName string   `json:"campground_name"`
	Platform       string   `json:"platform"`
	StartDate      string   `json:"start_date"`
	EndDate        string   `json:"end_date"`
	SiteTypes      []string `json:"site_types"`
	AutoBook       bool     `json:"auto_book"`
	ConfirmFirst   bool     `json:"confirm_first"`
	ScanIntervalMS int64    `json:"scan_interval_ms"`
}

type alertView struct {
	ID             string     `json:"id"`
	CampgroundID   string     `json:"campground_id"`
	CampgroundName string     `json:"campground_name"`
	Platform       string     `json:"platform"`
	StartDate      string     `json:"start_date"`
	EndDate        string     `json:"end_date"`
	SiteTypes      []string   `json:"site_types,omitempty"`
	AutoBook       bool       `json:"auto_book"`
	ConfirmFirst   bool       `json:"confirm_first"`
	Status         string     `json:"status"`
	ScanIntervalMS int64      `json:"scan_interval_ms"`
	LastScannedAt  *time.Time `json:"last_scanned_at,omitempty"`
	TriggeredAt    *time.Time `json:"triggered_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func alertToView(a alerts.Alert) alertView {
	return alertView{
		ID:             a.ID,
		CampgroundID:   a.CampgroundID,
		CampgroundName: a.CampgroundName,
		Platform:       string(a.Platform),
		StartDate:      a.StartDate.Format(dateFormat),
		EndDate:        a.EndDate.Format(dateFormat),
		SiteTypes:      a.SiteTypes,
		AutoBook:       a.AutoBook,
		ConfirmFirst:   a.ConfirmFirst,
		Status:         string(a.Status),
		ScanIntervalMS: a.ScanInterval.Milliseconds(),
		LastScannedAt:  a.LastScannedAt,
		TriggeredAt:    a.TriggeredAt,
		CreatedAt:      a.CreatedAt,
	}
}

func (s *Server) handleAlertCreate(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	var body createAlertBody
	if !decode(w, r, &body) {
		return
	}
	start, err := time.Parse(dateFormat, body.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
		return
	}
	end, err := time.Parse(dateFormat, body.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
		return
	}

	a, err := s.Alerts.Create(r.Context(), alerts.Alert{
		UserID:         uid,
		CampgroundID:   body.CampgroundID,
		CampgroundName: body.CampgroundName,
		Platform:       platform.Platform(body.Platform),
		StartDate:      start,
		EndDate:        end,
		SiteTypes:      body.SiteTypes,
		AutoBook:       body.AutoBook,
		ConfirmFirst:   body.ConfirmFirst,
		ScanInterval:   time.Duration(body.ScanIntervalMS) * time.Millisecond,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, alertToView(a))
}

func (s *Server) handleAlertList(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	list, err := s.Alerts.ListByUser(r.Context(), uid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list alerts")
		return
	}
	out := make([]alertView, 0, len(list))
	for _, a := range list {
		out = append(out, alertToView(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAlertGet(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	a, err := s.Alerts.GetForUser(r.Context(), chi.URLParam(r, "id"), uid)
	if db.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load alert")
		return
	}
	writeJSON(w, http.StatusOK, alertToView(a))
}

func (s *Server) handleAlertPause(w http.ResponseWriter, r *http.Request) {
	s.transitionAlert(w, r, alerts.StatusPaused, alerts.Alert.CanPause, "only an active alert can be paused")
}

func (s *Server) handleAlertResume(w http.ResponseWriter, r *http.Request) {
	s.transitionAlert(w, r, alerts.StatusActive, alerts.Alert.CanResume, "only a paused alert can be resumed")
}

func (s *Server) handleAlertCancel(w http.ResponseWriter, r *http.Request) {
	s.transitionAlert(w, r, alerts.StatusCancelled, alerts.Alert.CanCancel, "alert is already finished")
}

func (s *Server) transitionAlert(w http.ResponseWriter, r *http.Request, to alerts.Status, allowed func(alerts.Alert) bool, denied string) {
	uid, _ := auth.UserIDFromContext(r.Context())
	a, err := s.Alerts.GetForUser(r.Context(), chi.URLParam(r, "id"), uid)
	if db.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load alert")
		return
	}
	if !allowed(a) {
		writeError(w, http.StatusConflict, denied)
		return
	}
	if err := s.Alerts.SetStatus(r.Context(), a.ID, to); err != nil {
		writeError(w, http.StatusInternalServerError, "could not update alert")
		return
	}
	// Leaving or re-entering the scan pool invalidates the diff baseline.
	if to == alerts.StatusCancelled || to == alerts.StatusActive {
		if err := s.Scans.ClearCache(r.Context(), a.ID); err != nil {
			log.Printf("clear scan cache for alert %s: %v", a.ID, err)
		}
	}
	a.Status = to
	writeJSON(w, http.StatusOK, alertToView(a))
}

type createSnipeBody struct {
	CredentialID    string   `json:"credential_id"`
	CampgroundID    string   `json:"campground_id"`
	CampgroundName  string   `json:"campground_name"`
	Platform        string   `json:"platform"`
	ArrivalDate     string   `json:"arrival_date"`
	DepartureDate   string   `json:"departure_date"`
	SitePreferences []string `json:"site_preferences"`
	EquipmentType   string   `json:"equipment_type"`
	Occupants       int      `json:"occupants"`
}

type snipeView struct {
	ID              string     `json:"id"`
	CredentialID    string     `json:"credential_id"`
	CampgroundID    string     `json:"campground_id"`
	CampgroundName  string     `json:"campground_name"`
	Platform        string     `json:"platform"`
	ArrivalDate     string     `json:"arrival_date"`
	DepartureDate   string     `json:"departure_date"`
	SitePreferences []string   `json:"site_preferences,omitempty"`
	EquipmentType   string     `json:"equipment_type"`
	Occupants       int        `json:"occupants"`
	WindowOpensAt   time.Time  `json:"window_opens_at"`
	Status          string     `json:"status"`
	ResultBookingID *string    `json:"result_booking_id,omitempty"`
	FailureReason   *string    `json:"failure_reason,omitempty"`
	ExecutedAt      *time.Time `json:"executed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func snipeToView(sn snipes.Snipe) snipeView {
	return snipeView{
		ID:              sn.ID,
		CredentialID:    sn.CredentialID,
		CampgroundID:    sn.CampgroundID,
		CampgroundName:  sn.CampgroundName,
		Platform:        string(sn.Platform),
		ArrivalDate:     sn.ArrivalDate.Format(dateFormat),
		DepartureDate:   sn.DepartureDate.Format(dateFormat),
		SitePreferences: sn.SitePreferences,
		EquipmentType:   string(sn.EquipmentType),
		Occupants:       sn.Occupants,
		WindowOpensAt:   sn.WindowOpensAt,
		Status:          string(sn.Status),
		ResultBookingID: sn.ResultBookingID,
		FailureReason:   sn.FailureReason,
		ExecutedAt:      sn.ExecutedAt,
		CreatedAt:       sn.CreatedAt,
	}
}

func (s *Server) handleSnipeCreate(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	var body createSnipeBody
	if !decode(w, r, &body) {
		return
	}
	arrival, err := time.Parse(dateFormat, body.ArrivalDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "arrival_date must be YYYY-MM-DD")
		return
	}
	departure, err := time.Parse(dateFormat, body.DepartureDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "departure_date must be YYYY-MM-DD")
		return
	}

	sn, err := s.Snipes.Create(r.Context(), snipes.CreateParams{
		UserID:          uid,
		CredentialID:    body.CredentialID,
		CampgroundID:    body.CampgroundID,
		CampgroundName:  body.CampgroundName,
		Platform:        platform.Platform(body.Platform),
		ArrivalDate:     arrival,
		DepartureDate:   departure,
		SitePreferences: body.SitePreferences,
		EquipmentType:   snipes.EquipmentType(body.EquipmentType),
		Occupants:       body.Occupants,
	})
	if err != nil {
		writeError(w, snipeErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, snipeToView(sn))
}

func (s *Server) handleSnipeList(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	list, err := s.Snipes.List(r.Context(), uid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list snipes")
		return
	}
	out := make([]snipeView, 0, len(list))
	for _, sn := range list {
		out = append(out, snipeToView(sn))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSnipeGet(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	sn, err := s.Snipes.Get(r.Context(), chi.URLParam(r, "id"), uid)
	if err != nil {
		writeError(w, snipeErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snipeToView(sn))
}

func (s *Server) handleSnipeCancel(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	sn, err := s.Snipes.Cancel(r.Context(), chi.URLParam(r, "id"), uid)
	if err != nil {
		writeError(w, snipeErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snipeToView(sn))
}

// handleWindowPreview answers "when would a snipe for this arrival date
// fire", so the UI can show the window before anything is committed.
func (s *Server) handleWindowPreview(w http.ResponseWriter, r *http.Request) {
	p := platform.Platform(chi.URLParam(r, "platform"))
	arrival, err := time.Parse(dateFormat, r.URL.Query().Get("arrival"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "arrival must be YYYY-MM-DD")
		return
	}
	opens, err := platform.WindowOpensAt(p, arrival)
	if errors.Is(err, platform.ErrNoReleaseRule) {
		writeError(w, http.StatusBadRequest, "platform does not publish release windows")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"platform":        string(p),
		"arrival_date":    arrival.Format(dateFormat),
		"window_opens_at": opens,
	})
}

func snipeErrorStatus(err error) int {
	switch {
	case errors.Is(err, snipes.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, snipes.ErrTooManyActive), errors.Is(err, snipes.ErrNotCancellable):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
