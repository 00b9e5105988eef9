// Package admin serves the operator HTTP endpoints: Prometheus metrics,
// a JSON health report and account registration.
package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/wordduel/server/internal/logging"
	"github.com/wordduel/server/internal/metrics"
	"github.com/wordduel/server/internal/users"
)

var logger logrus.FieldLogger = logging.For("admin")

// Registrar creates accounts.
type Registrar interface {
	Register(username, password string) error
}

// Status is the body of GET /health.
type Status struct {
	Status            string `json:"status"`
	Connections       int    `json:"connections"`
	Sessions          int    `json:"sessions"`
	ChallengeRequests int    `json:"challenge_requests"`
	Challenges        int    `json:"challenges"`
	Accounts          int    `json:"accounts"`
	Uptime            string `json:"uptime"`
}

// StatusFunc reports the current server state. Status and Uptime are
// filled in by the handler when left empty.
type StatusFunc func() Status

// Server is the admin HTTP server.
type Server struct {
	registrar Registrar
	status    StatusFunc
	startedAt time.Time
	http      *http.Server
}

// New creates an admin server for addr.
func New(addr string, registrar Registrar, status StatusFunc) *Server {
	s := &Server{
		registrar: registrar,
		status:    status,
		startedAt: time.Now(),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the mux serving every admin endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/register", s.handleRegister)
	return mux
}

// Serve accepts admin requests on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	logger.WithField("addr", l.Addr().String()).Info("admin endpoint listening")
	if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "admin: serve")
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var st Status
	if s.status != nil {
		st = s.status()
	}
	if st.Status == "" {
		st.Status = "ok"
	}
	if st.Uptime == "" {
		st.Uptime = time.Since(s.startedAt).Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, st)
}

type registration struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req registration
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	err := s.registrar.Register(req.Username, req.Password)
	switch {
	case err == nil:
		logger.WithField("username", req.Username).Info("account registered")
		writeJSON(w, http.StatusCreated, map[string]string{"username": req.Username})
	case errors.Is(err, users.ErrVoidUsername), errors.Is(err, users.ErrVoidPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, users.ErrUsernameAlreadyUsed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logger.WithError(err).Error("registration failed")
		writeError(w, http.StatusInternalServerError, "registration failed")
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
