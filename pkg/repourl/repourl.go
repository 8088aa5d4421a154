package repourl

import (
	"fmt"
	"net/url"
	"strings"
)

// Repository identifies a hosted source repository.
type Repository struct {
	Scheme string
	Host   string
	Owner  string
	Name   string
	Branch string // empty when the URL does not pin one
}

// Parse accepts repository URLs of the forms
//
//	https://github.com/owner/repo
//	https://github.com/owner/repo.git
//	https://github.com/owner/repo/tree/branch
//	https://github.com/owner/repo/blob/branch/path/to/file
func Parse(raw string) (Repository, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Repository{}, fmt.Errorf("repository URL is empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Repository{}, fmt.Errorf("invalid repository URL %q: %w", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Repository{}, fmt.Errorf("repository URL scheme %q is not supported", u.Scheme)
	}
	if u.Hostname() == "" {
		return Repository{}, fmt.Errorf("repository URL %q has no host", raw)
	}

	segments := splitPath(u.Path)
	if len(segments) < 2 {
		return Repository{}, fmt.Errorf("repository URL %q must include owner and repository", raw)
	}

	repo := Repository{
		Scheme: scheme,
		Host:   strings.ToLower(u.Host),
		Owner:  segments[0],
		Name:   strings.TrimSuffix(segments[1], ".git"),
	}
	if repo.Name == "" {
		return Repository{}, fmt.Errorf("repository URL %q has an empty repository name", raw)
	}
	if len(segments) >= 4 && (segments[2] == "tree" || segments[2] == "blob") {
		repo.Branch = segments[3]
	}
	return repo, nil
}

// URL returns the canonical repository URL without branch or file components.
func (r Repository) URL() string {
	scheme := r.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/" + r.Owner + "/" + r.Name
}

// TreeURL is URL pinned to Branch, or URL when no branch is set.
func (r Repository) TreeURL() string {
	if r.Branch == "" {
		return r.URL()
	}
	return r.URL() + "/tree/" + r.Branch
}

// Slug returns owner/name.
func (r Repository) Slug() string {
	return r.Owner + "/" + r.Name
}

func splitPath(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
