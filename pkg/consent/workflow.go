package consent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sw33tLie/dockopt/internal/utils"
	"github.com/sw33tLie/dockopt/pkg/failures"
	"github.com/sw33tLie/dockopt/pkg/optimizer"
	"github.com/sw33tLie/dockopt/pkg/storage"
)

var (
	ErrLoadFailed       = errors.New("consent link expired or invalid")
	ErrNotLoaded        = errors.New("consent record not loaded")
	ErrAlreadyApproved  = errors.New("consent already approved")
	ErrApprovalInFlight = errors.New("approval already in progress")
)

// Client is the review store a workflow talks to.
type Client interface {
	GetConsent(ctx context.Context, id string) (optimizer.ConsentPayload, error)
	ApproveConsent(ctx context.Context, id string) (string, error)
}

// Recorder keeps a history of approvals.
type Recorder interface {
	RecordPublish(ctx context.Context, e storage.PublishEvent) error
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
)

type Record struct {
	ID               string `json:"id"`
	RepositoryURL    string `json:"repository_url"`
	Path             string `json:"path"`
	OriginalContent  string `json:"original_content"`
	OptimizedContent string `json:"optimized_content"`
	PRTitle          string `json:"pr_title,omitempty"`
	CommitMessage    string `json:"commit_message,omitempty"`
	Status           Status `json:"status"`
	PublishReference string `json:"publish_reference,omitempty"`
}

type Phase int

const (
	Loading Phase = iota
	Loaded
	LoadFailed
	Approving
	Approved
	ApproveFailed
)

func (p Phase) String() string {
	switch p {
	case Loaded:
		return "loaded"
	case LoadFailed:
		return "load_failed"
	case Approving:
		return "approving"
	case Approved:
		return "approved"
	case ApproveFailed:
		return "approve_failed"
	default:
		return "loading"
	}
}

// Workflow is one review of one consent id. A failed load is terminal: the
// link has to be opened again, which means a new Workflow.
type Workflow struct {
	client   Client
	recorder Recorder
	id       string

	mu      sync.Mutex
	phase   Phase
	started bool
	record  Record
	err     error
}

func New(client Client, id string, recorder Recorder) *Workflow {
	return &Workflow{client: client, id: id, recorder: recorder}
}

func (w *Workflow) ID() string {
	return w.id
}

func (w *Workflow) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// Err is the failure of the last load or approval, if any.
func (w *Workflow) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Record returns the loaded record, or false before a successful load.
func (w *Workflow) Record() (Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase == Loading || w.phase == LoadFailed {
		return Record{}, false
	}
	return w.record, true
}

// Load fetches the record. Only the first call reaches the server; later
// calls return the outcome of that first one.
func (w *Workflow) Load(ctx context.Context) (Record, error) {
	w.mu.Lock()
	if w.started {
		defer w.mu.Unlock()
		if w.phase == LoadFailed {
			return Record{}, w.err
		}
		if w.phase == Loading {
			return Record{}, failures.Reject(failures.KindConsentLoad, ErrNotLoaded)
		}
		return w.record, nil
	}
	w.started = true
	w.mu.Unlock()

	if w.id == "" {
		return Record{}, w.failLoad(failures.Reject(failures.KindConsentLoad, ErrLoadFailed))
	}

	payload, err := w.client.GetConsent(ctx, w.id)
	if err != nil {
		if failures.KindOf(err) == failures.KindUnknown {
			err = failures.Wrap(err, failures.KindConsentLoad, "")
		}
		utils.Log.Debugf("Consent %s could not be loaded: %v", w.id, err)
		return Record{}, w.failLoad(err)
	}

	rec := fromPayload(payload)
	w.mu.Lock()
	w.record = rec
	w.phase = Loaded
	if rec.Status == StatusApproved {
		w.phase = Approved
	}
	w.mu.Unlock()
	return rec, nil
}

// Approve asks the server to publish the reviewed change and returns the
// publish reference. On failure the workflow stays approvable.
func (w *Workflow) Approve(ctx context.Context) (string, error) {
	w.mu.Lock()
	switch w.phase {
	case Loading, LoadFailed:
		w.mu.Unlock()
		return "", failures.Reject(failures.KindConsentApprove, ErrNotLoaded)
	case Approving:
		w.mu.Unlock()
		return "", failures.Reject(failures.KindConsentApprove, ErrApprovalInFlight)
	case Approved:
		w.mu.Unlock()
		return "", failures.Reject(failures.KindConsentApprove, ErrAlreadyApproved)
	}
	w.phase = Approving
	w.err = nil
	rec := w.record
	w.mu.Unlock()

	link, err := w.client.ApproveConsent(ctx, w.id)
	if err != nil {
		if failures.KindOf(err) == failures.KindUnknown {
			err = failures.Wrap(err, failures.KindConsentApprove, "")
		}
		w.mu.Lock()
		w.phase = ApproveFailed
		w.err = err
		w.mu.Unlock()
		w.recordApproval(ctx, rec, "", failures.UserMessage(err))
		return "", err
	}

	w.mu.Lock()
	w.phase = Approved
	w.record.Status = StatusApproved
	w.record.PublishReference = link
	w.mu.Unlock()
	w.recordApproval(ctx, rec, link, "")
	return link, nil
}

func (w *Workflow) failLoad(err error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.phase = LoadFailed
	w.err = err
	return err
}

func (w *Workflow) recordApproval(ctx context.Context, rec Record, link, reason string) {
	if w.recorder == nil || rec.RepositoryURL == "" {
		return
	}
	e := storage.PublishEvent{
		OccurredAt:    time.Now().UTC(),
		Kind:          storage.PublishConsent,
		RepositoryURL: rec.RepositoryURL,
		Paths:         []string{rec.Path},
		Reference:     link,
		ConsentID:     w.id,
		Error:         reason,
	}
	if err := w.recorder.RecordPublish(ctx, e); err != nil {
		utils.Log.Warnf("Could not record consent approval: %v", err)
	}
}

func fromPayload(p optimizer.ConsentPayload) Record {
	status := StatusPending
	if strings.EqualFold(p.Status, string(StatusApproved)) {
		status = StatusApproved
	}
	return Record{
		ID:               p.ID,
		RepositoryURL:    p.URL,
		Path:             p.Path,
		OriginalContent:  p.OriginalContent,
		OptimizedContent: p.OptimizedContent,
		PRTitle:          p.PRTitle,
		CommitMessage:    p.CommitMessage,
		Status:           status,
		PublishReference: p.PRLink,
	}
}
