package push

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sw33tLie/dockopt/internal/utils"
	"github.com/sw33tLie/dockopt/pkg/failures"
	"github.com/sw33tLie/dockopt/pkg/optimizer"
	"github.com/sw33tLie/dockopt/pkg/session"
	"github.com/sw33tLie/dockopt/pkg/storage"
)

// DefaultReferencePrefix marks a publish message that carries a pull request URL.
const DefaultReferencePrefix = "https://github.com"

var (
	ErrPushInProgress    = errors.New("push already in progress")
	ErrNothingToPublish  = errors.New("no optimizations to publish")
	ErrMixedRepositories = errors.New("optimizations belong to different repositories or branches")
)

// PublishClient opens pull requests for manifest updates.
type PublishClient interface {
	CreatePullRequest(ctx context.Context, pr optimizer.PullRequest) (optimizer.PublishResponse, error)
}

// Recorder keeps a history of publish outcomes.
type Recorder interface {
	RecordPublish(ctx context.Context, e storage.PublishEvent) error
}

type StateKind int

const (
	Idle StateKind = iota
	PushingAll
	PushingPath
)

func (k StateKind) String() string {
	switch k {
	case PushingAll:
		return "pushing_all"
	case PushingPath:
		return "pushing_path"
	default:
		return "idle"
	}
}

// State is the coordinator's busy cell. Path is set only for PushingPath.
type State struct {
	Kind StateKind
	Path string
}

// Result is what the publish collaborator answered. Message is passed through
// verbatim; Reference is the pull request URL found in it, if any.
type Result struct {
	Reference string `json:"reference,omitempty"`
	Message   string `json:"message"`
}

type Options struct {
	Token           string
	ReferencePrefix string
	Recorder        Recorder
	// BranchSuffix overrides the random suffix of single-path branches.
	BranchSuffix func() string
}

// Coordinator serializes publish operations. At most one bulk or single push
// is outstanding at a time; a second request fails immediately rather than
// queuing.
type Coordinator struct {
	client   PublishClient
	token    string
	prefix   string
	recorder Recorder
	suffix   func() string

	mu    sync.Mutex
	state State
}

func New(client PublishClient, opts Options) *Coordinator {
	c := &Coordinator{
		client:   client,
		token:    opts.Token,
		prefix:   opts.ReferencePrefix,
		recorder: opts.Recorder,
		suffix:   opts.BranchSuffix,
	}
	if c.prefix == "" {
		c.prefix = DefaultReferencePrefix
	}
	if c.suffix == nil {
		c.suffix = RandomSuffix
	}
	return c
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PushAll publishes every record in a single pull request.
func (c *Coordinator) PushAll(ctx context.Context, records []session.OptimizationRecord) (Result, error) {
	if len(records) == 0 {
		return Result{}, failures.Reject(failures.KindPublish, ErrNothingToPublish)
	}
	repoURL, branch := records[0].RepositoryURL, records[0].Branch
	updates := make([]optimizer.FileUpdate, 0, len(records))
	paths := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.RepositoryURL != repoURL || rec.Branch != branch {
			return Result{}, failures.Reject(failures.KindPublish, ErrMixedRepositories)
		}
		updates = append(updates, optimizer.FileUpdate{Path: rec.Path, Content: rec.OptimizedContent})
		paths = append(paths, rec.Path)
	}

	if err := c.acquire(State{Kind: PushingAll}); err != nil {
		return Result{}, err
	}
	defer c.release()

	utils.Log.Debugf("Publishing %d optimizations to %s", len(updates), repoURL)
	return c.publish(ctx, storage.PublishBulk, paths, optimizer.PullRequest{
		URL:        repoURL,
		BaseBranch: branch,
		Updates:    updates,
		Token:      c.token,
	})
}

// PushPath publishes one record on its own branch.
func (c *Coordinator) PushPath(ctx context.Context, rec session.OptimizationRecord) (Result, error) {
	if rec.Path == "" {
		return Result{}, failures.Reject(failures.KindPublish, ErrNothingToPublish)
	}
	if err := c.acquire(State{Kind: PushingPath, Path: rec.Path}); err != nil {
		return Result{}, err
	}
	defer c.release()

	utils.Log.Debugf("Publishing optimization for %s to %s", rec.Path, rec.RepositoryURL)
	return c.publish(ctx, storage.PublishPath, []string{rec.Path}, optimizer.PullRequest{
		URL:           rec.RepositoryURL,
		BaseBranch:    rec.Branch,
		Updates:       []optimizer.FileUpdate{{Path: rec.Path, Content: rec.OptimizedContent}},
		BranchName:    BranchName(rec.Path, c.suffix()),
		PRTitle:       Title(rec.Path),
		CommitMessage: CommitMessage(rec.Path),
		Token:         c.token,
	})
}

func (c *Coordinator) publish(ctx context.Context, kind string, paths []string, pr optimizer.PullRequest) (Result, error) {
	resp, err := c.client.CreatePullRequest(ctx, pr)
	if err != nil {
		if failures.KindOf(err) == failures.KindUnknown {
			err = failures.Wrap(err, failures.KindPublish, "")
		}
		c.record(ctx, storage.PublishEvent{Kind: kind, RepositoryURL: pr.URL, Paths: paths, Error: failures.UserMessage(err)})
		return Result{}, err
	}

	res := Result{Message: resp.Message, Reference: ExtractReference(resp.Message, c.prefix)}
	c.record(ctx, storage.PublishEvent{Kind: kind, RepositoryURL: pr.URL, Paths: paths, Reference: res.Reference, Message: res.Message})
	return res, nil
}

func (c *Coordinator) record(ctx context.Context, e storage.PublishEvent) {
	if c.recorder == nil {
		return
	}
	e.OccurredAt = time.Now().UTC()
	if err := c.recorder.RecordPublish(ctx, e); err != nil {
		utils.Log.Warnf("Could not record publish history: %v", err)
	}
}

// acquire moves the coordinator out of Idle, or rejects if it is busy.
func (c *Coordinator) acquire(next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Kind != Idle {
		return failures.Reject(failures.KindConcurrentPush, ErrPushInProgress)
	}
	c.state = next
	return nil
}

func (c *Coordinator) release() {
	c.mu.Lock()
	c.state = State{Kind: Idle}
	c.mu.Unlock()
}

// ExtractReference returns the URL starting at prefix within message, or ""
// when the message is a plain status sentence.
func ExtractReference(message, prefix string) string {
	if prefix == "" {
		return ""
	}
	i := strings.Index(message, prefix)
	if i < 0 {
		return ""
	}
	ref := message[i:]
	if j := strings.IndexAny(ref, " \t\r\n"); j >= 0 {
		ref = ref[:j]
	}
	return strings.TrimRight(ref, ".,;)\"'")
}
