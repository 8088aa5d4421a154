package server

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sw33tLie/dockopt/internal/utils"
	"github.com/sw33tLie/dockopt/pkg/consent"
	"github.com/sw33tLie/dockopt/pkg/optimizer"
	"github.com/sw33tLie/dockopt/pkg/push"
	"github.com/sw33tLie/dockopt/pkg/session"
	"github.com/sw33tLie/dockopt/pkg/storage"
)

// ConsentClient loads, approves and registers review records.
type ConsentClient interface {
	consent.Client
	RegisterConsent(ctx context.Context, req optimizer.ConsentRequest) (string, error)
}

type Server struct {
	Session  *session.Session
	Pusher   *push.Coordinator
	Consents ConsentClient
	// History is optional. Without it /api/history answers 404.
	History       *storage.DB
	ReviewBaseURL string
	Username      string
	Password      string

	mu        sync.Mutex
	workflows map[string]*consent.Workflow
}

type Options struct {
	History       *storage.DB
	ReviewBaseURL string
	Username      string
	Password      string
}

func New(sess *session.Session, pusher *push.Coordinator, consents ConsentClient, opts Options) *Server {
	return &Server{
		Session:       sess,
		Pusher:        pusher,
		Consents:      consents,
		History:       opts.History,
		ReviewBaseURL: strings.TrimRight(opts.ReviewBaseURL, "/"),
		Username:      opts.Username,
		Password:      opts.Password,
		workflows:     make(map[string]*consent.Workflow),
	}
}

// Handler builds the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Session
	mux.HandleFunc("GET /api/session", s.basicAuth(instrument("session", s.handleSession)))
	mux.HandleFunc("POST /api/scan", s.basicAuth(instrument("scan", s.handleScan)))
	mux.HandleFunc("POST /api/analyze", s.basicAuth(instrument("analyze", s.handleAnalyze)))
	mux.HandleFunc("POST /api/active", s.basicAuth(instrument("active", s.handleActive)))
	mux.HandleFunc("DELETE /api/records", s.basicAuth(instrument("discard", s.handleDiscard)))
	mux.HandleFunc("POST /api/reset", s.basicAuth(instrument("reset", s.handleReset)))

	// Publishing
	mux.HandleFunc("POST /api/push", s.basicAuth(instrument("push_all", s.handlePushAll)))
	mux.HandleFunc("POST /api/push/path", s.basicAuth(instrument("push_path", s.handlePushPath)))
	mux.HandleFunc("GET /api/history", s.basicAuth(instrument("history", s.handleHistory)))

	// Consent
	mux.HandleFunc("POST /api/consent/register", s.basicAuth(instrument("consent_register", s.handleConsentRegister)))
	mux.HandleFunc("GET /api/consent/{id}", s.basicAuth(instrument("consent_load", s.handleConsentLoad)))
	mux.HandleFunc("POST /api/consent/{id}/approve", s.basicAuth(instrument("consent_approve", s.handleConsentApprove)))

	mux.Handle("GET /metrics", s.basicAuthHandler(promhttp.Handler()))
	return mux
}

func (s *Server) Start(addr string) error {
	utils.Log.Infof("Starting server on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) basicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(w, r) {
			return
		}
		next(w, r)
	}
}

func (s *Server) basicAuthHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if s.Username == "" && s.Password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok || user != s.Username || pass != s.Password {
		w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// workflow returns the last successfully loaded review of id.
func (s *Server) workflow(id string) (*consent.Workflow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	return w, ok
}

// loadWorkflow opens a fresh review of id and keeps it for approval once it
// has loaded. A review whose approval is still running is returned as is.
func (s *Server) loadWorkflow(ctx context.Context, id string) (*consent.Workflow, consent.Record, error) {
	if w, ok := s.approving(id); ok {
		rec, _ := w.Record()
		return w, rec, nil
	}

	w := consent.New(s.Consents, id, s.historyRecorder())
	rec, err := w.Load(ctx)
	if err != nil {
		return nil, consent.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.workflows[id]; ok && prev.Phase() == consent.Approving {
		rec, _ = prev.Record()
		return prev, rec, nil
	}
	s.workflows[id] = w
	return w, rec, nil
}

func (s *Server) approving(id string) (*consent.Workflow, bool) {
	w, ok := s.workflow(id)
	return w, ok && w.Phase() == consent.Approving
}

func (s *Server) historyRecorder() consent.Recorder {
	if s.History == nil {
		return nil
	}
	return s.History
}
