package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sw33tLie/dockopt/internal/utils"
	"github.com/sw33tLie/dockopt/pkg/consent"
	"github.com/sw33tLie/dockopt/pkg/failures"
	"github.com/sw33tLie/dockopt/pkg/optimizer"
	"github.com/sw33tLie/dockopt/pkg/push"
	"github.com/sw33tLie/dockopt/pkg/session"
	"github.com/sw33tLie/dockopt/pkg/storage"
)

type sessionView struct {
	session.Snapshot
	PushState string `json:"push_state"`
	PushPath  string `json:"push_path,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.view())
}

type ScanRequest struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := s.Session.Scan(r.Context(), session.ScanTarget{RepositoryURL: req.URL, RequestedPath: req.Path}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view())
}

type PathRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req PathRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := s.Session.Analyze(r.Context(), req.Path)
	analysesTotal.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	var req PathRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.Session.SetActive(req.Path); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view())
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "missing path", http.StatusBadRequest)
		return
	}
	s.Session.Discard(path)
	writeJSON(w, http.StatusOK, s.view())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.Session.Reset()
	writeJSON(w, http.StatusOK, s.view())
}

func (s *Server) handlePushAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.Pusher.PushAll(r.Context(), s.Session.Records())
	publishTotal.WithLabelValues(storage.PublishBulk, outcome(err)).Inc()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePushPath(w http.ResponseWriter, r *http.Request) {
	var req PathRequest
	if !decode(w, r, &req) {
		return
	}
	rec, ok := s.Session.Get(req.Path)
	if !ok {
		writeError(w, failures.Reject(failures.KindPublish, session.ErrNotCached))
		return
	}
	res, err := s.Pusher.PushPath(r.Context(), rec)
	publishTotal.WithLabelValues(storage.PublishPath, outcome(err)).Inc()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		http.Error(w, "history is disabled", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	opts := storage.ListOptions{
		RepositoryURL: q.Get("repository_url"),
		Kind:          q.Get("kind"),
		FailedOnly:    q.Get("failed") == "true",
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		opts.Limit = n
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "bad since", http.StatusBadRequest)
			return
		}
		opts.Since = since
	}

	events, err := s.History.ListEvents(r.Context(), opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []storage.PublishEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

type consentView struct {
	consent.Record
	Phase string `json:"phase"`
	Diff  string `json:"diff"`
}

func (s *Server) handleConsentLoad(w http.ResponseWriter, r *http.Request) {
	wf, rec, err := s.loadWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	diff, err := consent.Diff(rec)
	if err != nil {
		utils.Log.Warnf("Could not render diff for consent %s: %v", wf.ID(), err)
	}
	writeJSON(w, http.StatusOK, consentView{Record: rec, Phase: wf.Phase().String(), Diff: diff})
}

func (s *Server) handleConsentApprove(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.workflow(r.PathValue("id"))
	if !ok {
		writeError(w, failures.Reject(failures.KindConsentApprove, consent.ErrNotLoaded))
		return
	}
	link, err := wf.Approve(r.Context())
	publishTotal.WithLabelValues(storage.PublishConsent, outcome(err)).Inc()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pr_link": link})
}

func (s *Server) handleConsentRegister(w http.ResponseWriter, r *http.Request) {
	var req PathRequest
	if !decode(w, r, &req) {
		return
	}
	rec, ok := s.Session.Get(req.Path)
	if !ok {
		writeError(w, failures.Reject(failures.KindPublish, session.ErrNotCached))
		return
	}
	id, err := s.Consents.RegisterConsent(r.Context(), optimizer.ConsentRequest{
		URL:              rec.RepositoryURL,
		Path:             rec.Path,
		OriginalContent:  rec.Report.OriginalContent(),
		OptimizedContent: rec.OptimizedContent,
		PRTitle:          push.Title(rec.Path),
		CommitMessage:    push.CommitMessage(rec.Path),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]string{"consent_id": id}
	if s.ReviewBaseURL != "" {
		resp["review_url"] = s.ReviewBaseURL + "/" + id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) view() sessionView {
	state := s.Pusher.State()
	return sessionView{Snapshot: s.Session.Snapshot(), PushState: state.Kind.String(), PushPath: state.Path}
}

// StatusFor maps a failure to the HTTP status reported to API clients.
func StatusFor(err error) int {
	var fe *failures.Error
	switch {
	case errors.Is(err, session.ErrStaleResult):
		return http.StatusConflict
	case failures.Is(err, failures.KindConcurrentPush):
		return http.StatusConflict
	case failures.IsNotFound(err), errors.Is(err, session.ErrNotCached):
		return http.StatusNotFound
	case errors.Is(err, consent.ErrNotLoaded), errors.Is(err, consent.ErrAlreadyApproved), errors.Is(err, consent.ErrApprovalInFlight):
		return http.StatusConflict
	case errors.As(err, &fe):
		if fe.Status != 0 || fe.Retryable {
			return http.StatusBadGateway
		}
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= 500 {
		utils.Log.Warnf("Request failed: %v", err)
	} else {
		utils.Log.Debugf("Request rejected: %v", err)
	}
	writeJSON(w, status, errorBody{Error: failures.UserMessage(err), Kind: string(failures.KindOf(err))})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		utils.Log.Debugf("Could not write response: %v", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
