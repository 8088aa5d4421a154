package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/sw33tLie/dockopt/internal/utils"
	"github.com/sw33tLie/dockopt/pkg/failures"
	"github.com/sw33tLie/dockopt/pkg/optimizer"
	"github.com/sw33tLie/dockopt/pkg/repourl"
)

// Session owns the manifests discovered for one repository and the cached
// optimization of each. Network calls run without the lock held, so writes
// back into the session are validated against the generation (bumped by a
// new discovery or Reset) and the per-path epoch (bumped by Discard) that
// were current when the call was issued.
type Session struct {
	client AnalysisClient
	token  string

	mu         sync.Mutex
	discovery  *DiscoveryResult
	cache      *Cache
	activePath string
	generation uint64
	epochs     map[string]uint64
}

// New creates an empty session. token is forwarded to the backend for
// private repositories and may be empty.
func New(client AnalysisClient, token string) *Session {
	return &Session{
		client: client,
		token:  token,
		cache:  NewCache(),
		epochs: make(map[string]uint64),
	}
}

// Scan resolves target into its manifests. A single-manifest response
// already carries the analysis, so that path is cached and made active
// without a second call. A multi-manifest response only records the paths;
// each one is analyzed on demand.
func (s *Session) Scan(ctx context.Context, target ScanTarget) (DiscoveryResult, error) {
	repo, err := repourl.Parse(target.RepositoryURL)
	if err != nil {
		return DiscoveryResult{}, failures.Reject(failures.KindScan, err)
	}
	repoURL := repo.URL()

	// A Discard of the requested path issued meanwhile wins over the response.
	s.mu.Lock()
	gen := s.generation
	epoch := s.epochs[target.RequestedPath]
	s.mu.Unlock()

	report, err := s.client.ScanRepository(ctx, repo.TreeURL(), target.RequestedPath, s.token)
	if err != nil {
		return DiscoveryResult{}, categorize(err, failures.KindScan)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		utils.Log.Warnf("Dropping scan result for %s: session changed while scanning", repo.Slug())
		return DiscoveryResult{}, ErrStaleResult
	}
	if target.RequestedPath != "" && s.epochs[target.RequestedPath] != epoch {
		utils.Log.Warnf("Dropping scan result for %s in %s: path was discarded while scanning", target.RequestedPath, repo.Slug())
		return DiscoveryResult{}, ErrStaleResult
	}

	if target.RequestedPath == "" && report.MultiService() {
		paths := report.Paths()
		if len(paths) == 0 {
			return DiscoveryResult{}, failures.New(failures.KindScan, "No Dockerfile found in repository")
		}
		s.replaceDiscovery(DiscoveryResult{RepositoryURL: repoURL, Branch: repo.Branch, Paths: paths})
		utils.Log.Debugf("Discovered %d manifests in %s", len(paths), repo.Slug())
		return s.discovery.clone(), nil
	}

	path := target.RequestedPath
	if path == "" {
		path = report.Path()
	}
	if path == "" {
		path = DefaultManifestPath
	}

	if s.discovery == nil || !s.discovery.sameTarget(repo) || !s.discovery.Contains(path) {
		s.replaceDiscovery(DiscoveryResult{RepositoryURL: repoURL, Branch: repo.Branch, Paths: []string{path}})
	}
	s.store(newRecord(*s.discovery, path, report))
	utils.Log.Debugf("Single manifest %s in %s analyzed during scan", path, repo.Slug())
	return s.discovery.clone(), nil
}

// Analyze runs the analysis for a discovered path and caches the result as
// the active record. On failure the cache is left untouched.
func (s *Session) Analyze(ctx context.Context, path string) (OptimizationRecord, error) {
	s.mu.Lock()
	if s.discovery == nil {
		s.mu.Unlock()
		return OptimizationRecord{}, failures.Reject(failures.KindAnalysis, ErrNoScan)
	}
	if !s.discovery.Contains(path) {
		s.mu.Unlock()
		return OptimizationRecord{}, failures.Reject(failures.KindAnalysis, fmt.Errorf("%w: %s", ErrNotDiscovered, path))
	}
	gen := s.generation
	epoch := s.epochs[path]
	disc := s.discovery.clone()
	s.mu.Unlock()

	report, err := s.client.AnalyzePath(ctx, disc.requestURL(), path, s.token)
	if err != nil {
		return OptimizationRecord{}, categorize(err, failures.KindAnalysis)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || s.discovery == nil || !s.discovery.Contains(path) || s.epochs[path] != epoch {
		utils.Log.Warnf("Dropping analysis of %s: path was discarded or the session was reset", path)
		return OptimizationRecord{}, ErrStaleResult
	}

	rec := newRecord(disc, path, report)
	s.store(rec)
	utils.Log.Debugf("Cached optimization for %s", path)
	return rec, nil
}

// SetActive surfaces an already cached record.
func (s *Session) SetActive(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache.Get(path); !ok {
		return fmt.Errorf("%w: %s", ErrNotCached, path)
	}
	s.activePath = path
	return nil
}

// Discard drops the cached record for path. Discarding an absent path is a
// no-op. An analysis still in flight for path will not be written back.
func (s *Session) Discard(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Remove(path)
	if s.activePath == path {
		s.activePath = ""
	}
	s.epochs[path]++
}

// Reset returns the session to its pre-scan state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.discovery = nil
	s.cache.Clear()
	s.activePath = ""
	s.epochs = make(map[string]uint64)
	s.generation++
}

func (s *Session) Discovery() (DiscoveryResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.discovery == nil {
		return DiscoveryResult{}, false
	}
	return s.discovery.clone(), true
}

func (s *Session) Get(path string) (OptimizationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Get(path)
}

// ActivePath returns the surfaced path, or "" when none is.
func (s *Session) ActivePath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activePath
}

func (s *Session) Active() (OptimizationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activePath == "" {
		return OptimizationRecord{}, false
	}
	return s.cache.Get(s.activePath)
}

// Records returns the cached records in discovery order.
func (s *Session) Records() []OptimizationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records()
}

// Keys returns the cached paths.
func (s *Session) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Keys()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Records: s.records(), ActivePath: s.activePath}
	if s.discovery != nil {
		d := s.discovery.clone()
		snap.Discovery = &d
		for _, p := range d.Paths {
			if _, ok := s.cache.Get(p); !ok {
				snap.Pending = append(snap.Pending, p)
			}
		}
	}
	return snap
}

func (s *Session) records() []OptimizationRecord {
	if s.discovery == nil {
		return nil
	}
	out := make([]OptimizationRecord, 0, s.cache.Len())
	for _, p := range s.discovery.Paths {
		if rec, ok := s.cache.Get(p); ok {
			out = append(out, rec)
		}
	}
	return out
}

func (s *Session) replaceDiscovery(d DiscoveryResult) {
	s.discovery = &d
	s.cache.Clear()
	s.activePath = ""
	s.epochs = make(map[string]uint64)
	s.generation++
}

func (s *Session) store(rec OptimizationRecord) {
	s.cache.Put(rec.Path, rec)
	s.activePath = rec.Path
}

func newRecord(disc DiscoveryResult, path string, report optimizer.Report) OptimizationRecord {
	return OptimizationRecord{
		Path:             path,
		RepositoryURL:    disc.RepositoryURL,
		Branch:           disc.Branch,
		Report:           report,
		OptimizedContent: report.Optimization(),
	}
}

// categorize gives uncategorized collaborator errors the operation's kind.
func categorize(err error, kind failures.Kind) error {
	if failures.KindOf(err) != failures.KindUnknown {
		return err
	}
	return failures.Wrap(err, kind, "")
}
