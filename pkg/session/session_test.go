package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sw33tLie/dockopt/pkg/failures"
	"github.com/sw33tLie/dockopt/pkg/optimizer"
)

const repo = "https://example.com/owner/repo"

type fakeClient struct {
	mu         sync.Mutex
	scan       optimizer.Report
	scanErr    error
	analyzeErr error
	analyzed   []string
	gates      map[string]chan struct{}
	started    map[string]chan struct{}
	scanCalls  int
	lastToken  string
	lastURL    string

	scanGate    chan struct{}
	scanStarted chan struct{}
}

func (f *fakeClient) ScanRepository(ctx context.Context, repoURL, path, token string) (optimizer.Report, error) {
	f.mu.Lock()
	f.scanCalls++
	f.lastToken = token
	f.lastURL = repoURL
	gate, started := f.scanGate, f.scanStarted
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}
	if f.scanErr != nil {
		return optimizer.Report{}, f.scanErr
	}
	return f.scan, nil
}

func (f *fakeClient) AnalyzePath(ctx context.Context, repoURL, path, token string) (optimizer.Report, error) {
	f.mu.Lock()
	f.analyzed = append(f.analyzed, path)
	f.lastURL = repoURL
	gate := f.gates[path]
	started := f.started[path]
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}
	if f.analyzeErr != nil {
		return optimizer.Report{}, f.analyzeErr
	}
	return optimizer.NewReport(`{"path":"` + path + `","optimization":"FROM alpine # ` + path + `"}`), nil
}

// block makes AnalyzePath for path wait until the returned release is called.
func (f *fakeClient) block(path string) (started <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gates == nil {
		f.gates = make(map[string]chan struct{})
		f.started = make(map[string]chan struct{})
	}
	gate := make(chan struct{})
	st := make(chan struct{})
	f.gates[path] = gate
	f.started[path] = st
	return st, func() { close(gate) }
}

// blockScan makes the next ScanRepository wait until release is called.
func (f *fakeClient) blockScan() (started <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	st := make(chan struct{})
	f.scanGate, f.scanStarted = gate, st
	return st, func() {
		f.mu.Lock()
		f.scanGate, f.scanStarted = nil, nil
		f.mu.Unlock()
		close(gate)
	}
}

func multiClient() *fakeClient {
	return &fakeClient{scan: optimizer.NewReport(`{"multi_service":true,"paths":["a/Dockerfile","b/Dockerfile"],"url":"` + repo + `"}`)}
}

func assertKeysSubsetOfPaths(t *testing.T, s *Session) {
	t.Helper()
	d, ok := s.Discovery()
	for _, k := range s.Keys() {
		require.True(t, ok, "cache has %s without a discovery", k)
		assert.True(t, d.Contains(k), "cached %s is not a discovered path", k)
	}
	if active := s.ActivePath(); active != "" {
		_, cached := s.Get(active)
		assert.True(t, cached, "active path %s is not cached", active)
	}
}

func TestScanMultiServiceIsLazy(t *testing.T) {
	fc := multiClient()
	s := New(fc, "tok")

	d, err := s.Scan(context.Background(), ScanTarget{RepositoryURL: repo})
	require.NoError(t, err)
	assert.Equal(t, []string{"a/Dockerfile", "b/Dockerfile"}, d.Paths)
	assert.Empty(t, s.Keys())
	assert.Equal(t, "", s.ActivePath())
	assert.Empty(t, fc.analyzed)
	assert.Equal(t, "tok", fc.lastToken)

	rec, err := s.Analyze(context.Background(), "a/Dockerfile")
	require.NoError(t, err)
	assert.Equal(t, "FROM alpine # a/Dockerfile", rec.OptimizedContent)
	assert.Equal(t, repo, rec.RepositoryURL)
	assert.Equal(t, []string{"a/Dockerfile"}, s.Keys())
	assert.Equal(t, "a/Dockerfile", s.ActivePath())

	snap := s.Snapshot()
	assert.Equal(t, []string{"b/Dockerfile"}, snap.Pending)
	assertKeysSubsetOfPaths(t, s)
}

func TestScanSingleManifestCollapses(t *testing.T) {
	fc := &fakeClient{scan: optimizer.NewReport(`{"multi_service":false,"optimization":"FROM scratch"}`)}
	s := New(fc, "")

	d, err := s.Scan(context.Background(), ScanTarget{RepositoryURL: repo})
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultManifestPath}, d.Paths)

	rec, ok := s.Get(DefaultManifestPath)
	require.True(t, ok)
	assert.Equal(t, "FROM scratch", rec.OptimizedContent)
	assert.Equal(t, DefaultManifestPath, s.ActivePath())
	assert.Empty(t, fc.analyzed, "single-manifest scan must not issue a separate analysis")
}

func TestScanSingleManifestUsesServerPath(t *testing.T) {
	fc := &fakeClient{scan: optimizer.NewReport(`{"multi_service":false,"path":"docker/Dockerfile","optimization":"FROM scratch"}`)}
	s := New(fc, "")

	d, err := s.Scan(context.Background(), ScanTarget{RepositoryURL: repo})
	require.NoError(t, err)
	assert.Equal(t, []string{"docker/Dockerfile"}, d.Paths)
	assert.Equal(t, "docker/Dockerfile", s.ActivePath())
}

func TestScanRequestedPathKeepsDiscovery(t *testing.T) {
	fc := multiClient()
	s := New(fc, "")
	_, err := s.Scan(context.Background(), ScanTarget{RepositoryURL: repo})
	require.NoError(t, err)

	fc.scan = optimizer.NewReport(`{"multi_service":false,"path":"b/Dockerfile","optimization":"FROM b"}`)
	d, err := s.Scan(context.Background(), ScanTarget{RepositoryURL: repo, RequestedPath: "b/Dockerfile"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a/Dockerfile", "b/Dockerfile"}, d.Paths)
	assert.Equal(t, []string{"b/Dockerfile"}, s.Keys())
}

func TestScanCanonicalizesRepositoryURL(t *testing.T) {
	fc := multiClient()
	s := New(fc, "")
	_, err := s.Scan(context.Background(), ScanTarget{RepositoryURL: "HTTPS://Example.com/owner/repo.git"})
	require.NoError(t, err)
	assert.Equal(t, repo, fc.lastURL)

	fc.scan = optimizer.NewReport(`{"multi_service":false,"path":"b/Dockerfile","optimization":"FROM b"}`)
	d, err := s.Scan(context.Background(), ScanTarget{RepositoryURL: repo + "/", RequestedPath: "b/Dockerfile"})
	require.NoError(t, err)
	assert.Equal(t, repo, d.RepositoryURL)
	assert.Equal(t, []string{"a/Dockerfile", "b/Dockerfile"}, d.Paths, "equivalent URLs keep the discovery")
}

func TestScanCarriesBranch(t *testing.T) {
	fc := multiClient()
	s := New(fc, "")
	d, err := s.Scan(context.Background(), ScanTarget{RepositoryURL: repo + "/tree/dev"})
	require.NoError(t, err)
	assert.Equal(t, repo, d.RepositoryURL)
	assert.Equal(t, "dev", d.Branch)
	assert.Equal(t, repo+"/tree/dev", fc.lastURL)

	rec, err := s.Analyze(context.Background(), "a/Dockerfile")
	require.NoError(t, err)
	assert.Equal(t, repo+"/tree/dev", fc.lastURL)
	assert.Equal(t, repo, rec.RepositoryURL)
	assert.Equal(t, "dev", rec.Branch)

	fc.scan = optimizer.NewReport(`{"multi_service":false,"path":"a/Dockerfile","optimization":"FROM a"}`)
	d, err = s.Scan(context.Background(), ScanTarget{RepositoryURL: repo, RequestedPath: "a/Dockerfile"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a/Dockerfile"}, d.Paths, "another branch is another target")
	assert.Empty(t, d.Branch)
}

func TestScanRejectsInvalidURLWithoutCall(t *testing.T) {
	fc := multiClient()
	s := New(fc, "")

	_, err := s.Scan(context.Background(), ScanTarget{RepositoryURL: "not a url"})
	assert.True(t, failures.Is(err, failures.KindScan))
	assert.Equal(t, 0, fc.scanCalls)
}

func TestScanFailureLeavesStateUntouched(t *testing.T) {
	fc := multiClient()
	s := New(fc, "")
	_, err := s.Scan(context.Background(), ScanTarget{RepositoryURL: repo})
	require.NoError(t, err)

	fc.scanErr = errors.New("dial tcp: connection refused")
	_, err = s.Scan(context.Background(), ScanTarget{RepositoryURL: "https://example.com/other/repo"})
	assert.True(t, failures.Is(err, failures.KindScan))

	d, ok := s.Discovery()
	require.True(t, ok)
	assert.Equal(t, repo, d.RepositoryURL)
}

func TestScanEmptyListingFails(t *testing.T) {
	s := New(&fakeClient{scan: optimizer.NewReport(`{"multi_service":true,"paths":[]}`)}, "")
	_, err := s.Scan(context.Background(), ScanTarget{RepositoryURL: repo})
	assert.True(t, failures.Is(err, failures.KindScan))
	_, ok := s.Discovery()
	assert.False(t, ok)
}

func TestAnalyzeRequiresDiscoveredPath(t *testing.T) {
	fc := multiClient()
	s := New(fc, "")

	_, err := s.Analyze(context.Background(), "a/Dockerfile")
	assert.ErrorIs(t, err, ErrNoScan)

	_, err = s.Scan(context.Background(), ScanTarget{RepositoryURL: repo})
	require.NoError(t, err)
	_, err = s.Analyze(context.Background(), "c/Dockerfile")
	assert.ErrorIs(t, err, ErrNotDiscovered)
	assert.True(t, failures.Is(err, failures.KindAnalysis))
	assert.Empty(t, fc.analyzed)
}

func TestAnalyzeFailureIsRetriggerable(t *testing.T) {
	fc := multiClient()
	s := New(fc, "")
	_, err := s.Scan(context.Background(), ScanTarget{RepositoryURL: repo})
	require.NoError(t, err)

	fc.analyzeErr = failures.FromStatus(failures.KindAnalysis, 404, "Failed to fetch Dockerfile at a/Dockerfile")
	_, err = s.Analyze(context.Background(), "a/Dockerfile")
	assert.True(t, failures.Is(err, failures.KindAnalysis))
	assert.Empty(t, s.Keys())
	assert.Equal(t, "", s.ActivePath())

	fc.analyzeErr = nil
	_, err = s.Analyze(context.Background(), "a/Dockerfile")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/Dockerfile"}, s.Keys())
}

func TestSetActive(t *testing.T) {
	s := New(multiClient(), "")
	ctx := context.Background()
	_, err := s.Scan(ctx, ScanTarget{RepositoryURL: repo})
	require.NoError(t, err)

	assert.ErrorIs(t, s.SetActive("a/Dockerfile"), ErrNotCached)

	_, err = s.Analyze(ctx, "a/Dockerfile")
	require.NoError(t, err)
	_, err = s.Analyze(ctx, "b/Dockerfile")
	require.NoError(t, err)
	assert.Equal(t, "b/Dockerfile", s.ActivePath())

	require.NoError(t, s.SetActive("a/Dockerfile"))
	rec, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, "a/Dockerfile", rec.Path)
}

func TestDiscardIsIdempotent(t *testing.T) {
	s := New(multiClient(), "")
	ctx := context.Background()
	_, err := s.Scan(ctx, ScanTarget{RepositoryURL: repo})
	require.NoError(t, err)
	_, err = s.Analyze(ctx, "a/Dockerfile")
	require.NoError(t, err)
	_, err = s.Analyze(ctx, "b/Dockerfile")
	require.NoError(t, err)
	require.NoError(t, s.SetActive("a/Dockerfile"))

	s.Discard("a/Dockerfile")
	_, ok := s.Get("a/Dockerfile")
	assert.False(t, ok)
	assert.Equal(t, "", s.ActivePath())

	s.Discard("a/Dockerfile")
	assert.Equal(t, []string{"b/Dockerfile"}, s.Keys())

	s.Discard("b/Dockerfile")
	s.Discard("never/Dockerfile")
	assert.Empty(t, s.Keys())

	d, ok := s.Discovery()
	require.True(t, ok)
	assert.Len(t, d.Paths, 2, "discard does not forget discovered paths")
}

func TestDiscardInactivePathKeepsActive(t *testing.T) {
	s := New(multiClient(), "")
	ctx := context.Background()
	_, err := s.Scan(ctx, ScanTarget{RepositoryURL: repo})
	require.NoError(t, err)
	_, err = s.Analyze(ctx, "a/Dockerfile")
	require.NoError(t, err)
	_, err = s.Analyze(ctx, "b/Dockerfile")
	require.NoError(t, err)

	s.Discard("a/Dockerfile")
	assert.Equal(t, "b/Dockerfile", s.ActivePath())
}

func TestReset(t *testing.T) {
	s := New(multiClient(), "")
	ctx := context.Background()
	_, err := s.Scan(ctx, ScanTarget{RepositoryURL: repo})
	require.NoError(t, err)
	_, err = s.Analyze(ctx, "a/Dockerfile")
	require.NoError(t, err)

	s.Reset()
	_, ok := s.Discovery()
	assert.False(t, ok)
	assert.Empty(t, s.Keys())
	assert.Equal(t, "", s.ActivePath())
	assert.Nil(t, s.Records())
}

func TestSlowAnalyzeAfterDiscardIsDropped(t *testing.T) {
	fc := multiClient()
	s := New(fc, "")
	ctx := context.Background()
	_, err := s.Scan(ctx, ScanTarget{RepositoryURL: repo})
	require.NoError(t, err)

	started, release := fc.block("a/Dockerfile")
	errc := make(chan error, 1)
	go func() {
		_, err := s.Analyze(ctx, "a/Dockerfile")
		errc <- err
	}()
	<-started

	s.Discard("a/Dockerfile")
	release()

	assert.ErrorIs(t, <-errc, ErrStaleResult)
	_, ok := s.Get("a/Dockerfile")
	assert.False(t, ok, "discarded path must not be resurrected")
	assertKeysSubsetOfPaths(t, s)
}

func TestSlowPathScanAfterDiscardIsDropped(t *testing.T) {
	fc := multiClient()
	s := New(fc, "")
	ctx := context.Background()
	_, err := s.Scan(ctx, ScanTarget{RepositoryURL: repo})
	require.NoError(t, err)

	fc.scan = optimizer.NewReport(`{"multi_service":false,"path":"a/Dockerfile","optimization":"FROM a"}`)
	started, release := fc.blockScan()
	errc := make(chan error, 1)
	go func() {
		_, err := s.Scan(ctx, ScanTarget{RepositoryURL: repo, RequestedPath: "a/Dockerfile"})
		errc <- err
	}()
	<-started

	s.Discard("a/Dockerfile")
	release()

	assert.ErrorIs(t, <-errc, ErrStaleResult)
	_, ok := s.Get("a/Dockerfile")
	assert.False(t, ok, "discarded path must not be resurrected by a scan")
	assert.Equal(t, "", s.ActivePath())
	d, ok := s.Discovery()
	require.True(t, ok)
	assert.Equal(t, []string{"a/Dockerfile", "b/Dockerfile"}, d.Paths)
	assertKeysSubsetOfPaths(t, s)

	_, err = s.Scan(ctx, ScanTarget{RepositoryURL: repo, RequestedPath: "a/Dockerfile"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a/Dockerfile"}, s.Keys())
}

func TestSlowAnalyzeAfterResetIsDropped(t *testing.T) {
	fc := multiClient()
	s := New(fc, "")
	ctx := context.Background()
	_, err := s.Scan(ctx, ScanTarget{RepositoryURL: repo})
	require.NoError(t, err)

	started, release := fc.block("b/Dockerfile")
	errc := make(chan error, 1)
	go func() {
		_, err := s.Analyze(ctx, "b/Dockerfile")
		errc <- err
	}()
	<-started

	s.Reset()
	release()

	assert.ErrorIs(t, <-errc, ErrStaleResult)
	assert.Empty(t, s.Keys())
	assertKeysSubsetOfPaths(t, s)
}

func TestSlowAnalyzeAfterRescanIsDropped(t *testing.T) {
	fc := multiClient()
	s := New(fc, "")
	ctx := context.Background()
	_, err := s.Scan(ctx, ScanTarget{RepositoryURL: repo})
	require.NoError(t, err)

	started, release := fc.block("a/Dockerfile")
	errc := make(chan error, 1)
	go func() {
		_, err := s.Analyze(ctx, "a/Dockerfile")
		errc <- err
	}()
	<-started

	fc.scan = optimizer.NewReport(`{"multi_service":true,"paths":["x/Dockerfile","y/Dockerfile"]}`)
	_, err = s.Scan(ctx, ScanTarget{RepositoryURL: "https://example.com/owner/other"})
	require.NoError(t, err)
	release()

	assert.ErrorIs(t, <-errc, ErrStaleResult)
	assert.Empty(t, s.Keys())
	assertKeysSubsetOfPaths(t, s)
}

func TestConcurrentAnalyzeDifferentPaths(t *testing.T) {
	fc := multiClient()
	s := New(fc, "")
	ctx := context.Background()
	_, err := s.Scan(ctx, ScanTarget{RepositoryURL: repo})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, p := range []string{"a/Dockerfile", "b/Dockerfile"} {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			_, err := s.Analyze(ctx, p)
			assert.NoError(t, err)
		}(p)
	}
	wg.Wait()

	assert.Equal(t, []string{"a/Dockerfile", "b/Dockerfile"}, s.Keys())
	recs := s.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "a/Dockerfile", recs[0].Path)
	assertKeysSubsetOfPaths(t, s)
}

func TestCache(t *testing.T) {
	c := NewCache()
	c.Put("b", OptimizationRecord{Path: "b"})
	c.Put("a", OptimizationRecord{Path: "a", OptimizedContent: "1"})
	c.Put("a", OptimizationRecord{Path: "a", OptimizedContent: "2"})

	rec, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "2", rec.OptimizedContent)
	assert.Equal(t, []string{"a", "b"}, c.Keys())

	c.Remove("a")
	c.Remove("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Empty(t, c.Keys())
}
