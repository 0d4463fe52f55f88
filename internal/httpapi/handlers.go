// Package httpapi is the gateway's REST and websocket surface. Handlers
// stay thin: arbitration lives in hub, matching in match, persistence in
// storage.
package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/servlink/internal/booking"
	"github.com/example/servlink/internal/conn"
	"github.com/example/servlink/internal/events"
	"github.com/example/servlink/internal/fault"
	"github.com/example/servlink/internal/geo"
	"github.com/example/servlink/internal/hub"
	"github.com/example/servlink/internal/ingest"
	"github.com/example/servlink/internal/match"
	"github.com/example/servlink/internal/models"
	"github.com/example/servlink/internal/observability"
	"github.com/example/servlink/internal/storage"
	"github.com/example/servlink/internal/verify"
)

type Server struct {
	Dispatcher *hub.Dispatcher
	Registry   *hub.Registry
	Match      *match.Service
	Store      storage.BookingStore
	Notifs     storage.NotificationStore
	Geo        geo.Index
	Kafka      *ingest.KafkaProducer // optional
	JWTSecret  []byte

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d *hub.Dispatcher, m *match.Service, store storage.BookingStore, notifs storage.NotificationStore, g geo.Index, kp *ingest.KafkaProducer, jwtSecret []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Dispatcher: d,
		Registry:   d.Registry,
		Match:      m,
		Store:      store,
		Notifs:     notifs,
		Geo:        g,
		Kafka:      kp,
		JWTSecret:  jwtSecret,
		logger:     logger,
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/bookings", s.handleCreateBooking).Methods("POST")
	api.HandleFunc("/bookings", s.handleListBookings).Methods("GET")
	api.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods("GET")
	api.HandleFunc("/bookings/{id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/bookings/{id}/status", s.handlePatchStatus).Methods("PATCH")
	api.HandleFunc("/workers/search", s.handleSearchWorkers).Methods("GET")
	api.HandleFunc("/notifications", s.handleListNotifications).Methods("GET")
	api.HandleFunc("/notifications", s.handleClearNotifications).Methods("DELETE")
	api.HandleFunc("/notifications/{id}/read", s.handleMarkRead).Methods("POST")
	api.HandleFunc("/notifications/{id}", s.handleDeleteNotification).Methods("DELETE")
	api.HandleFunc("/verification/documents", s.handleVerificationSubmit).Methods("POST")

	s.mux.HandleFunc("/internal/worker/locations", s.handleWorkerLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{role}/{device_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// identity authenticates the request from its bearer token.
func (s *Server) identity(r *http.Request) (models.Identity, error) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" {
		return models.Identity{}, errors.New("missing bearer token")
	}
	return conn.VerifyIdentity(token, s.JWTSecret)
}

// publicView maps server-internal state to what clients observe.
func publicView(b models.Booking) models.Booking {
	b.Status = b.Status.Public()
	return b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	id, err := s.identity(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req booking.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.RequesterID == "" {
		req.RequesterID = id.DeviceID
	}
	if req.Category == "" {
		http.Error(w, "category is required", http.StatusBadRequest)
		return
	}
	b, err := s.Dispatcher.CreateBooking(r.Context(), req, r.Header.Get("X-Request-ID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, publicView(b))
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request) {
	id, err := s.identity(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	list, err := s.Store.ListByRequester(r.Context(), id.DeviceID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]models.Booking, 0, len(list))
	for _, b := range list {
		out = append(out, publicView(b))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	if _, err := s.identity(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	b, err := s.Store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, publicView(b))
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id, err := s.identity(r)
	if err != nil || id.Role != models.RoleWorker {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var body struct {
		WorkerID string `json:"worker_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	workerID := body.WorkerID
	if workerID == "" {
		workerID = id.DeviceID
	}
	b, err := s.Dispatcher.Accept(r.Context(), mux.Vars(r)["id"], workerID)
	switch {
	case errors.Is(err, fault.ErrRaceLost):
		http.Error(w, "another worker accepted first", http.StatusConflict)
		return
	case errors.Is(err, fault.ErrStaleTransition):
		http.Error(w, "booking is no longer open", http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, publicView(b))
}

func (s *Server) handlePatchStatus(w http.ResponseWriter, r *http.Request) {
	if _, err := s.identity(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var body struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b, err := s.Dispatcher.UpdateStatus(r.Context(), mux.Vars(r)["id"], models.BookingStatus(body.Status), body.Reason)
	switch {
	case errors.Is(err, fault.ErrStaleTransition):
		http.Error(w, "invalid transition", http.StatusUnprocessableEntity)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, publicView(b))
}

func (s *Server) handleSearchWorkers(w http.ResponseWriter, r *http.Request) {
	if _, err := s.identity(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	lat, _ := strconv.ParseFloat(q.Get("lat"), 64)
	lon, _ := strconv.ParseFloat(q.Get("lon"), 64)
	radius, _ := strconv.ParseFloat(q.Get("radius_m"), 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	if radius <= 0 {
		radius = s.Dispatcher.DefaultRadiusM
	}
	if limit <= 0 {
		limit = s.Dispatcher.MaxCandidates
	}
	got := s.Match.Search(r.Context(), q.Get("category"), models.Coord{Lat: lat, Lon: lon}, radius, limit)
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	id, err := s.identity(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	list, err := s.Notifs.List(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if _, err := s.identity(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := s.Notifs.MarkRead(r.Context(), mux.Vars(r)["id"]); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	if _, err := s.identity(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := s.Notifs.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearNotifications(w http.ResponseWriter, r *http.Request) {
	id, err := s.identity(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := s.Notifs.ClearAll(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleVerificationSubmit accepts the multipart document upload. Review is
// asynchronous: the worker gets a pending status event now and the verdict
// later over the realtime connection.
func (s *Server) handleVerificationSubmit(w http.ResponseWriter, r *http.Request) {
	id, err := s.identity(r)
	if err != nil || id.Role != models.RoleWorker {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	docs := models.VerificationDocs{Category: r.FormValue("category")}
	read := func(field string) []byte {
		f, _, err := r.FormFile(field)
		if err != nil {
			return nil
		}
		defer f.Close()
		b, err := io.ReadAll(f)
		if err != nil {
			return nil
		}
		return b
	}
	docs.Citizenship = read("citizenship")
	docs.ServiceCert = read("service_cert")
	docs.ExperienceCert = read("experience_cert")
	docs.DrivingLicense = read("driving_license")
	if err := verify.Validate(docs); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	env, err := events.NewEnvelope(events.CategoryVerificationSubmit, events.VerificationPayload{
		Category: docs.Category, Status: "pending",
	})
	if err == nil {
		if serr := s.Registry.Send(id, env); serr != nil && !errors.Is(serr, hub.ErrNoSession) {
			s.logger.Warn("verification ack not delivered", "worker", id.DeviceID, "error", serr)
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
}

// handleWorkerLocation ingests one worker position: kafka when configured,
// the geo index directly otherwise.
func (s *Server) handleWorkerLocation(w http.ResponseWriter, r *http.Request) {
	var worker models.Worker
	if err := json.NewDecoder(r.Body).Decode(&worker); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	worker.Online = true
	if s.Kafka != nil {
		if err := s.Kafka.PublishPosition(worker); err != nil {
			s.logger.Warn("kafka publish failed", "worker", worker.ID, "error", err)
		}
	}
	s.Geo.Upsert(worker)
	observability.WorkersOnline.Inc()
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

// handleWS authenticates the handshake, registers the session (superseding
// any previous one for the identity), and pumps inbound frames to the
// dispatcher until the socket dies.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	identity, err := s.identity(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if identity.DeviceID != vars["device_id"] || string(identity.Role) != vars["role"] {
		http.Error(w, "token does not match path identity", http.StatusForbidden)
		return
	}
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		return
	}
	sess := s.Registry.Add(identity, wsConn)
	defer s.Registry.Remove(identity, sess)

	for {
		var env events.Envelope
		if err := wsConn.ReadJSON(&env); err != nil {
			s.logger.Debug("ws closed", "identity", identity.Key(), "error", err)
			return
		}
		// a superseded session stops relaying even if its socket lingers
		if !s.Registry.Current(identity, sess) {
			return
		}
		switch env.Event {
		case events.WorkerLocation:
			s.Dispatcher.RelayLocation(r.Context(), env)
		case events.RouteUpdated:
			s.Dispatcher.RelayRoute(r.Context(), env)
		default:
			s.logger.Debug("ignoring inbound event", "event", env.Event, "identity", identity.Key())
		}
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
