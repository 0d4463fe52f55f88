package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/servlink/internal/conn"
	"github.com/example/servlink/internal/geo"
	"github.com/example/servlink/internal/hub"
	"github.com/example/servlink/internal/match"
	"github.com/example/servlink/internal/models"
	"github.com/example/servlink/internal/storage"
)

var testSecret = []byte("test-secret")

func newTestServer(t *testing.T) (*Server, *geo.MemoryIndex) {
	t.Helper()
	idx := geo.NewMemoryIndex()
	m := &match.Service{Index: idx, DefaultSpeedMps: 10, MaxCandidates: 8}
	store := storage.NewMemoryBookingStore()
	notifs := storage.NewMemoryNotificationStore()
	reg := hub.NewRegistry()
	d := hub.NewDispatcher(reg, m, store, notifs, nil)
	return NewServer(d, m, store, notifs, idx, nil, testSecret, nil), idx
}

func token(t *testing.T, deviceID string, role models.Role) string {
	t.Helper()
	tok, err := conn.SignIdentity(models.Identity{DeviceID: deviceID, Role: role}, testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func doJSON(t *testing.T, s *Server, method, path, bearer string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestCreateBookingRequiresAuth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/bookings", "", map[string]string{"category": "plumber"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCreateBookingReturnsPublicStatus(t *testing.T) {
	s, idx := newTestServer(t)
	idx.Upsert(models.Worker{ID: "w1", Category: "plumber", Online: true})
	cust := token(t, "cust1", models.RoleCustomer)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/bookings", cust,
		map[string]any{"category": "plumber", "price": 40}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var b models.Booking
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatal(err)
	}
	// dispatched is server internal; the API always reports pending
	if b.Status != models.BookingPending {
		t.Fatalf("expected pending, got %s", b.Status)
	}
	if b.RequesterID != "cust1" {
		t.Fatalf("requester must default to the token identity, got %s", b.RequesterID)
	}
}

func TestCreateBookingIdempotentViaRequestID(t *testing.T) {
	s, idx := newTestServer(t)
	idx.Upsert(models.Worker{ID: "w1", Category: "plumber", Online: true})
	cust := token(t, "cust1", models.RoleCustomer)
	hdr := map[string]string{"X-Request-ID": "req-7"}

	first := doJSON(t, s, http.MethodPost, "/api/v1/bookings", cust, map[string]any{"category": "plumber"}, hdr)
	second := doJSON(t, s, http.MethodPost, "/api/v1/bookings", cust, map[string]any{"category": "plumber"}, hdr)
	var b1, b2 models.Booking
	_ = json.Unmarshal(first.Body.Bytes(), &b1)
	_ = json.Unmarshal(second.Body.Bytes(), &b2)
	if b1.ID == "" || b1.ID != b2.ID {
		t.Fatalf("same request id must return the same booking: %q vs %q", b1.ID, b2.ID)
	}
}

func TestAcceptRaceReturns409(t *testing.T) {
	s, idx := newTestServer(t)
	idx.Upsert(models.Worker{ID: "w1", Category: "plumber", Online: true})
	cust := token(t, "cust1", models.RoleCustomer)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/bookings", cust, map[string]any{"category": "plumber"}, nil)
	var b models.Booking
	_ = json.Unmarshal(rec.Body.Bytes(), &b)

	w1 := token(t, "w1", models.RoleWorker)
	w2 := token(t, "w2", models.RoleWorker)
	if rec := doJSON(t, s, http.MethodPost, "/api/v1/bookings/"+b.ID+"/accept", w1, nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("first accept: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if rec := doJSON(t, s, http.MethodPost, "/api/v1/bookings/"+b.ID+"/accept", w2, nil, nil); rec.Code != http.StatusConflict {
		t.Fatalf("second accept: expected 409, got %d", rec.Code)
	}
}

func TestAcceptRequiresWorkerRole(t *testing.T) {
	s, _ := newTestServer(t)
	cust := token(t, "cust1", models.RoleCustomer)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/bookings/x/accept", cust, nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for customer token, got %d", rec.Code)
	}
}

func TestPatchStatusRejectsInvalidTransition(t *testing.T) {
	s, idx := newTestServer(t)
	idx.Upsert(models.Worker{ID: "w1", Category: "plumber", Online: true})
	cust := token(t, "cust1", models.RoleCustomer)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/bookings", cust, map[string]any{"category": "plumber"}, nil)
	var b models.Booking
	_ = json.Unmarshal(rec.Body.Bytes(), &b)

	rec = doJSON(t, s, http.MethodPatch, "/api/v1/bookings/"+b.ID+"/status", cust,
		map[string]string{"status": "completed"}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestWorkerSearchOrdering(t *testing.T) {
	s, idx := newTestServer(t)
	origin := models.Coord{Lat: 27.7172, Lon: 85.3240}
	idx.Upsert(models.Worker{ID: "far", Loc: models.Coord{Lat: origin.Lat + 0.002, Lon: origin.Lon}, Category: "plumber", Online: true})
	idx.Upsert(models.Worker{ID: "near", Loc: models.Coord{Lat: origin.Lat + 0.001, Lon: origin.Lon}, Category: "plumber", Online: true})
	cust := token(t, "cust1", models.RoleCustomer)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/workers/search?category=plumber&lat=27.7172&lon=85.3240&radius_m=5000&limit=8", cust, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []models.Candidate
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Worker.ID != "near" || got[1].Worker.ID != "far" {
		t.Fatalf("expected [near far], got %v", got)
	}
}

func TestWorkerLocationIngestUpdatesIndex(t *testing.T) {
	s, idx := newTestServer(t)
	body := models.Worker{ID: "w9", Loc: models.Coord{Lat: 27.7, Lon: 85.3}, Category: "plumber"}
	rec := doJSON(t, s, http.MethodPost, "/internal/worker/locations", "", body, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	got := idx.Nearby(27.7, 85.3, 1000, "plumber", 8)
	if len(got) != 1 || got[0].ID != "w9" || !got[0].Online {
		t.Fatalf("worker must land online in the index, got %v", got)
	}
}

func TestNotificationsLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	cust := token(t, "cust1", models.RoleCustomer)
	id := models.Identity{DeviceID: "cust1", Role: models.RoleCustomer}
	n := models.NotificationEvent{ID: "n1", Recipient: id, Category: models.NotifyBooking, Title: "hi", CreatedAt: time.Now()}
	if err := s.Notifs.Append(context.Background(), n); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, s, http.MethodGet, "/api/v1/notifications", cust, nil, nil)
	var list []models.NotificationEvent
	_ = json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list) != 1 || list[0].ID != "n1" {
		t.Fatalf("expected [n1], got %v", list)
	}

	if rec := doJSON(t, s, http.MethodPost, "/api/v1/notifications/n1/read", cust, nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("mark read: expected 204, got %d", rec.Code)
	}
	if rec := doJSON(t, s, http.MethodDelete, "/api/v1/notifications", cust, nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("clear: expected 204, got %d", rec.Code)
	}
	rec = doJSON(t, s, http.MethodGet, "/api/v1/notifications", cust, nil, nil)
	list = nil
	_ = json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list) != 0 {
		t.Fatalf("expected empty after clear, got %v", list)
	}
}
