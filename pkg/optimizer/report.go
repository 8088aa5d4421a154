package optimizer

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Report wraps a raw analysis payload. Only the fields the orchestration
// reads are exposed; everything else is kept verbatim in Raw.
type Report struct {
	raw string
}

func NewReport(raw string) Report {
	return Report{raw: raw}
}

func (r Report) Raw() string { return r.raw }

// Get runs a gjson path query against the payload.
func (r Report) Get(path string) gjson.Result {
	return gjson.Get(r.raw, path)
}

func (r Report) MultiService() bool {
	return r.Get("multi_service").Bool()
}

// Paths returns the manifest paths of a multi-service scan, dropping blanks
// and duplicates while keeping server order.
func (r Report) Paths() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range r.Get("paths").Array() {
		s := strings.TrimSpace(p.String())
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func (r Report) Path() string {
	return r.Get("path").String()
}

func (r Report) URL() string {
	return r.Get("url").String()
}

// Optimization returns the optimized manifest content. Older backends only
// fill the recommendation block.
func (r Report) Optimization() string {
	for _, path := range []string{
		"optimization",
		"recommendation.optimized_dockerfile",
		"recommendation.dockerfile.dockerfile",
	} {
		if v := r.Get(path); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

func (r Report) OriginalContent() string {
	return r.Get("original_content").String()
}

// Findings flattens misconfiguration messages and security warnings.
func (r Report) Findings() []string {
	var out []string
	for _, m := range r.Get("misconfigurations").Array() {
		msg := m.Get("message").String()
		if msg == "" {
			continue
		}
		if sev := m.Get("severity").String(); sev != "" {
			msg = "[" + sev + "] " + msg
		}
		out = append(out, msg)
	}
	for _, w := range r.Get("recommendation.security_warnings").Array() {
		if s := w.String(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// MarshalJSON emits the payload unchanged.
func (r Report) MarshalJSON() ([]byte, error) {
	if r.raw == "" || !gjson.Valid(r.raw) {
		return []byte("null"), nil
	}
	return []byte(r.raw), nil
}
