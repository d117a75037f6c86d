// Package sidecar talks to the camply booking sidecar, the process that
// actually drives the platform reservation sites. Every outbound platform
// call (availability, login warm-up, booking) goes through it.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/campsniper/internal/platform"
)

type Client struct {
	hc      *http.Client
	baseURL string
}

func New(baseURL string) *Client {
	return &Client{
		hc:      &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
	}
}

type SiteAvailability struct {
	SiteID         string   `json:"site_id"`
	SiteName       string   `json:"site_name"`
	Available      bool     `json:"available"`
	AvailableDates []string `json:"available_dates"`
}

type BookRequest struct {
	Platform        platform.Platform
	Username        string
	Password        string
	CampgroundID    string
	SitePreferences []string
	ArrivalDate     time.Time
	DepartureDate   time.Time
	EquipmentType   string
	Occupants       int
}

type BookResult struct {
	Success            bool   `json:"success"`
	BookingID          string `json:"booking_id"`
	SiteID             string `json:"site_id"`
	ConfirmationNumber string `json:"confirmation_number"`
	Error              string `json:"error"`
}

type LoginResult struct {
	Success      bool   `json:"success"`
	SessionToken string `json:"session_token"`
	Error        string `json:"error"`
}

const dateFormat = "2006-01-02"

// providerFor maps our platform names to sidecar provider names; the two
// GoingToCamp-backed parks share one provider distinguished by domain.
func providerFor(p platform.Platform) string {
	switch p {
	case platform.OntarioParks, platform.ParksCanada:
		return "going_to_camp"
	default:
		return string(p)
	}
}

func (c *Client) Availability(ctx context.Context, p platform.Platform, campgroundID string, start, end time.Time) ([]SiteAvailability, error) {
	req := map[string]any{
		"provider":      providerFor(p),
		"campground_id": campgroundID,
		"start_date":    start.Format(dateFormat),
		"end_date":      end.Format(dateFormat),
	}
	if domain, ok := platform.Domains[p]; ok {
		req["domain"] = domain
	}

	var resp struct {
		Results []SiteAvailability `json:"results"`
		Total   int                `json:"total"`
	}
	if err := c.post(ctx, "/availability", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (c *Client) Book(ctx context.Context, r BookRequest) (BookResult, error) {
	req := map[string]any{
		"platform":         string(r.Platform),
		"username":         r.Username,
		"password":         r.Password,
		"campground_id":    r.CampgroundID,
		"site_preferences": r.SitePreferences,
		"arrival_date":     r.ArrivalDate.Format(dateFormat),
		"departure_date":   r.DepartureDate.Format(dateFormat),
		"equipment_type":   r.EquipmentType,
		"occupants":        r.Occupants,
	}
	if domain, ok := platform.Domains[r.Platform]; ok {
		req["domain"] = domain
	}

	var resp BookResult
	if err := c.post(ctx, "/book", req, &resp); err != nil {
		return BookResult{}, err
	}
	return resp, nil
}

func (c *Client) Login(ctx context.Context, p platform.Platform, username, password string) (LoginResult, error) {
	req := map[string]any{
		"platform": string(p),
		"username": username,
		"password": password,
	}
	if domain, ok := platform.Domains[p]; ok {
		req["domain"] = domain
	}

	var resp LoginResult
	if err := c.post(ctx, "/book/login", req, &resp); err != nil {
		return LoginResult{}, err
	}
	return resp, nil
}

func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sidecar %s failed (status=%d): %s", path, resp.StatusCode, bytes.TrimSpace(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
