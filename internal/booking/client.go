package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/example/servlink/internal/fault"
	"github.com/example/servlink/internal/models"
	"github.com/example/servlink/internal/retry"
)

// CreateRequest is the customer-side booking request. WorkerID targets a
// specific worker directly and bypasses search; if that worker never
// responds the booking stays pending — there is no fallback to the pool.
type CreateRequest struct {
	RequesterID string              `json:"requester_id"`
	Category    string              `json:"category"`
	Price       float64             `json:"price"`
	Address     string              `json:"address"`
	Location    models.Coord        `json:"location"`
	Schedule    models.ScheduleMode `json:"schedule"`
	ScheduledAt time.Time           `json:"scheduled_at,omitzero"`
	WorkerID    string              `json:"worker_id,omitempty"`
	RadiusM     float64             `json:"radius_m,omitempty"`
}

// Client talks to the gateway's booking REST surface.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{BaseURL: baseURL, Token: token, HTTP: &http.Client{Timeout: 15 * time.Second}}
}

// Create posts a new booking. The request carries a client-generated
// request id; a network failure is retried exactly once with the same id
// so the backend can deduplicate, then surfaced.
func (c *Client) Create(ctx context.Context, req CreateRequest) (models.Booking, error) {
	requestID := uuid.NewString()
	var out models.Booking
	err := retry.Once.Do(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/api/v1/bookings", requestID, req, &out)
	})
	if err != nil {
		return models.Booking{}, fmt.Errorf("create booking: %w", err)
	}
	return out, nil
}

// Accept attempts to claim a booking for workerID. A 409 means another
// worker committed first.
func (c *Client) Accept(ctx context.Context, id, workerID string) (models.Booking, error) {
	var out models.Booking
	body := map[string]string{"worker_id": workerID}
	err := c.do(ctx, http.MethodPost, "/api/v1/bookings/"+id+"/accept", "", body, &out)
	if err != nil {
		return models.Booking{}, err
	}
	return out, nil
}

func (c *Client) Get(ctx context.Context, id string) (models.Booking, error) {
	var out models.Booking
	if err := c.do(ctx, http.MethodGet, "/api/v1/bookings/"+id, "", nil, &out); err != nil {
		return models.Booking{}, err
	}
	return out, nil
}

func (c *Client) List(ctx context.Context) ([]models.Booking, error) {
	var out []models.Booking
	if err := c.do(ctx, http.MethodGet, "/api/v1/bookings", "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PatchStatus asks the backend to move a booking, e.g. to cancelled.
func (c *Client) PatchStatus(ctx context.Context, id string, status models.BookingStatus, reason string) (models.Booking, error) {
	var out models.Booking
	body := map[string]string{"status": string(status), "reason": reason}
	if err := c.do(ctx, http.MethodPatch, "/api/v1/bookings/"+id+"/status", "", body, &out); err != nil {
		return models.Booking{}, err
	}
	return out, nil
}

// SearchWorkers returns at most k candidates around coord for category,
// ranked by ascending distance then worker id.
func (c *Client) SearchWorkers(ctx context.Context, category string, coord models.Coord, radiusM float64, k int) ([]models.Candidate, error) {
	path := fmt.Sprintf("/api/v1/workers/search?category=%s&lat=%f&lon=%f&radius_m=%f&limit=%d",
		category, coord.Lat, coord.Lon, radiusM, k)
	var out []models.Candidate
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path, requestID string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", method, path, fault.ErrTimeout)
		}
		return err
	}
	defer resp.Body.Close()
	// a status code is a verdict, not a transport failure: retrying call
	// sites must give up rather than replay a deterministic rejection
	switch {
	case resp.StatusCode == http.StatusConflict:
		return retry.Permanent(fmt.Errorf("%s %s: %w", method, path, fault.ErrRaceLost))
	case resp.StatusCode >= 400:
		return retry.Permanent(fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
