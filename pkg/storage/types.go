package storage

import "time"

// Publish kinds.
const (
	PublishBulk    = "bulk"
	PublishPath    = "path"
	PublishConsent = "consent"
)

// PublishEvent captures one publish attempt for auditing or printing.
type PublishEvent struct {
	OccurredAt    time.Time `json:"occurred_at"`
	Kind          string    `json:"kind"` // bulk | path | consent
	RepositoryURL string    `json:"repository_url"`
	Paths         []string  `json:"paths"`
	Reference     string    `json:"reference,omitempty"`
	Message       string    `json:"message,omitempty"`
	ConsentID     string    `json:"consent_id,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Succeeded reports whether the publish returned without error.
func (e PublishEvent) Succeeded() bool {
	return e.Error == ""
}

// KindStats aggregates events of one kind.
type KindStats struct {
	Kind     string
	Total    int
	WithLink int
	Failed   int
	LastAt   time.Time
}
