package session

import (
	"context"
	"errors"

	"github.com/sw33tLie/dockopt/pkg/optimizer"
	"github.com/sw33tLie/dockopt/pkg/repourl"
)

// DefaultManifestPath is used when a single-manifest scan names no path.
const DefaultManifestPath = "Dockerfile"

var (
	ErrNoScan        = errors.New("no repository has been scanned")
	ErrNotDiscovered = errors.New("path was not discovered in this repository")
	ErrNotCached     = errors.New("path has not been analyzed")
	// ErrStaleResult is returned when the session moved on while a call was
	// outstanding; the result was dropped instead of written back.
	ErrStaleResult = errors.New("result arrived for a path that is no longer current")
)

// AnalysisClient is the scan and analysis capability the session drives.
type AnalysisClient interface {
	ScanRepository(ctx context.Context, repoURL, path, token string) (optimizer.Report, error)
	AnalyzePath(ctx context.Context, repoURL, path, token string) (optimizer.Report, error)
}

// ScanTarget is one discovery attempt.
type ScanTarget struct {
	RepositoryURL string
	RequestedPath string
}

// DiscoveryResult lists the manifests found in a repository.
type DiscoveryResult struct {
	RepositoryURL string   `json:"repository_url"`
	Branch        string   `json:"branch,omitempty"`
	Paths         []string `json:"paths"`
}

func (d DiscoveryResult) Contains(path string) bool {
	for _, p := range d.Paths {
		if p == path {
			return true
		}
	}
	return false
}

func (d DiscoveryResult) clone() DiscoveryResult {
	return DiscoveryResult{RepositoryURL: d.RepositoryURL, Branch: d.Branch, Paths: append([]string(nil), d.Paths...)}
}

// OptimizationRecord is the result of analyzing one manifest path.
// RepositoryURL is canonical; Branch is set when the scanned URL pinned one.
type OptimizationRecord struct {
	Path             string           `json:"path"`
	RepositoryURL    string           `json:"repository_url"`
	Branch           string           `json:"branch,omitempty"`
	Report           optimizer.Report `json:"report"`
	OptimizedContent string           `json:"optimized_content"`
}

func (d DiscoveryResult) sameTarget(repo repourl.Repository) bool {
	return d.RepositoryURL == repo.URL() && d.Branch == repo.Branch
}

// requestURL is what the backend is asked to scan: the canonical URL, pinned
// to the branch when there is one.
func (d DiscoveryResult) requestURL() string {
	if d.Branch == "" {
		return d.RepositoryURL
	}
	return d.RepositoryURL + "/tree/" + d.Branch
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	Discovery  *DiscoveryResult     `json:"discovery"`
	Records    []OptimizationRecord `json:"records"`
	Pending    []string             `json:"pending"`
	ActivePath string               `json:"active_path,omitempty"`
}
