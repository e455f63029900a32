// Package httpapi exposes the allocation engine over JSON/HTTP.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/Martin-Hayot/fleet-allocation/internal/allocation"
	"github.com/Martin-Hayot/fleet-allocation/internal/auth"
	"github.com/Martin-Hayot/fleet-allocation/pkg/errors"
	"github.com/Martin-Hayot/fleet-allocation/pkg/types"
	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

type Server struct {
	svc    *allocation.Service
	authn  func(http.Handler) http.Handler
	ws     http.Handler
	bids   *limiterStore
	mux    *mux.Router
	logger *log.Logger
}

// NewServer builds the router. ws may be nil when live bidding is disabled.
func NewServer(svc *allocation.Service, verifier *auth.Verifier, ws http.Handler) *Server {
	s := &Server{
		svc:    svc,
		authn:  auth.Middleware(verifier, svc),
		ws:     ws,
		bids:   newLimiterStore(rate.Limit(1), 3),
		mux:    mux.NewRouter(),
		logger: log.WithPrefix("http"),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.ws != nil {
		s.mux.Handle("/ws/auctions", s.authn(s.ws))
	}

	api := s.mux.PathPrefix("/api").Subrouter()
	api.Use(s.authn)

	api.HandleFunc("/bookings", s.handleRequestBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings/my", s.handleMyBookings).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}/cancel", s.handleCancelBooking).Methods(http.MethodPost)

	api.HandleFunc("/me", s.handleProfile).Methods(http.MethodGet)

	api.HandleFunc("/auctions", s.handleBrowseAuctions).Methods(http.MethodGet)
	api.HandleFunc("/auctions/my", s.handleMyAuctions).Methods(http.MethodGet)
	api.HandleFunc("/auctions/{id}", s.handleGetAuction).Methods(http.MethodGet)
	api.HandleFunc("/auctions/{id}/bid", s.handleSubmitBid).Methods(http.MethodPost)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/bookings", s.handleListBookings).Methods(http.MethodGet)
	admin.HandleFunc("/bookings/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	admin.HandleFunc("/bookings/{id}/reject", s.handleReject).Methods(http.MethodPost)
	admin.HandleFunc("/bookings/{id}/start-ride", s.handleStartRide).Methods(http.MethodPost)
	admin.HandleFunc("/rides/{id}/complete", s.handleCompleteRide).Methods(http.MethodPost)
	admin.HandleFunc("/rides/{id}/rate", s.handleRateRide).Methods(http.MethodPost)
	admin.HandleFunc("/auctions", s.handleListAuctions).Methods(http.MethodGet)
	admin.HandleFunc("/auctions/{id}/close", s.handleCloseAuction).Methods(http.MethodPost)
	admin.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	admin.HandleFunc("/users/{id}/block", s.handleBlock(true)).Methods(http.MethodPost)
	admin.HandleFunc("/users/{id}/unblock", s.handleBlock(false)).Methods(http.MethodPost)
	admin.HandleFunc("/cars/{id}/activate", s.handleCarActive(true)).Methods(http.MethodPost)
	admin.HandleFunc("/cars/{id}/deactivate", s.handleCarActive(false)).Methods(http.MethodPost)
	admin.HandleFunc("/dashboard", s.handleDashboard).Methods(http.MethodGet)
	admin.HandleFunc("/leaderboard", s.handleLeaderboard).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.svc.Health()
	status := http.StatusOK
	if health["status"] != "up" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func principal(r *http.Request) types.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *errors.AppError
	if !errors.As(err, &appErr) {
		appErr = errors.Wrap(err, "internal error")
	}
	status := appErr.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
		appErr = errors.New(errors.ErrInternalServer, "internal error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(appErr.ToJSON()))
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Validation(errors.ErrBadMessageFormat, "invalid request body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Validation(errors.ErrBadMessageFormat, "%s must be a non-negative integer", key)
	}
	return n, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, errors.Validation(errors.ErrBadMessageFormat, "%s must be a boolean", key)
	}
	return b, nil
}

// limiterStore hands out one token bucket per user.
type limiterStore struct {
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
}

func newLimiterStore(limit rate.Limit, burst int) *limiterStore {
	return &limiterStore{limiters: make(map[string]*rate.Limiter), limit: limit, burst: burst}
}

func (s *limiterStore) allow(key string) bool {
	s.mu.Lock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.limiters[key] = l
	}
	s.mu.Unlock()
	return l.Allow()
}
