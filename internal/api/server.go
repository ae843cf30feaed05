package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pbaille/kbpulse/internal/delivery"
	"github.com/pbaille/kbpulse/internal/domain"
	"github.com/pbaille/kbpulse/internal/logging"
	"github.com/pbaille/kbpulse/internal/ratelimit"
)

// Reader is the slice of the store the API exposes
type Reader interface {
	ListTrends(ctx context.Context, userID string) ([]domain.Trend, error)
	ListUnsurfacedTrends(ctx context.Context, userID string, now time.Time) ([]domain.Trend, error)
	ListInterests(ctx context.Context, userID string, limit int) ([]domain.Interest, error)
	ListContainers(ctx context.Context, userID string) ([]domain.Container, error)
}

// Server serves a read-only view of trends, interests and the delivery
// worklist. Every route but /health needs the admin token.
type Server struct {
	store      Reader
	scheduler  *delivery.Scheduler
	limiter    *ratelimit.LoginLimiter
	adminToken string
	addr       string
	now        func() time.Time
}

// New creates a new API server
func New(store Reader, scheduler *delivery.Scheduler, limiter *ratelimit.LoginLimiter, adminToken, addr string) *Server {
	return &Server{
		store:      store,
		scheduler:  scheduler,
		limiter:    limiter,
		adminToken: adminToken,
		addr:       addr,
		now:        time.Now,
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /users/{id}/trends", s.requireAdmin(s.listTrends))
	mux.Handle("GET /users/{id}/interests", s.requireAdmin(s.listInterests))
	mux.Handle("GET /users/{id}/containers", s.requireAdmin(s.listContainers))
	mux.Handle("GET /delivery/due", s.requireAdmin(s.dueUsers))

	mux.HandleFunc("GET /health", s.health)

	return withCORS(mux)
}

// Run serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logging.Info("Starting server", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// withCORS adds CORS headers for frontend development
func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}

// requireAdmin checks the bearer token. Failed attempts are counted per
// client address and blocked once over the limit.
func (s *Server) requireAdmin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, http.StatusServiceUnavailable, "admin token not configured")
			return
		}

		client := clientAddr(r)
		if err := s.limiter.Allow(r.Context(), client); err != nil {
			if errors.Is(err, ratelimit.ErrBlocked) {
				writeError(w, http.StatusTooManyRequests, err.Error())
				return
			}
			logging.Error("Rate limiter unavailable", "stage", "auth", "err", err)
			writeError(w, http.StatusInternalServerError, "rate limiter unavailable")
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			if err := s.limiter.Fail(r.Context(), client); err != nil {
				logging.Warn("Could not record failed login", "stage", "auth", "err", err)
			}
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if err := s.limiter.Succeed(r.Context(), client); err != nil {
			logging.Warn("Could not reset login failures", "stage", "auth", "err", err)
		}

		next(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listTrends(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")

	var trends []domain.Trend
	var err error
	if r.URL.Query().Get("unsurfaced") == "true" {
		trends, err = s.store.ListUnsurfacedTrends(r.Context(), userID, s.now())
	} else {
		trends, err = s.store.ListTrends(r.Context(), userID)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"trends":  trends,
	})
}

func (s *Server) listInterests(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	limit := 50

	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	interests, err := s.store.ListInterests(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":   userID,
		"interests": interests,
		"limit":     limit,
	})
}

func (s *Server) listContainers(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")

	containers, err := s.store.ListContainers(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    userID,
		"containers": containers,
	})
}

// dueUsers previews the delivery worklist, for now or for ?at=<RFC3339>
func (s *Server) dueUsers(w http.ResponseWriter, r *http.Request) {
	at := s.now()
	if v := r.URL.Query().Get("at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "query parameter 'at' must be RFC3339")
			return
		}
		at = t
	}

	due, err := s.scheduler.UsersForDeliveryNow(r.Context(), at)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"at":  at.UTC().Format(time.RFC3339),
		"due": due,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
