package optimizer

// FileUpdate is one manifest rewrite in a publish batch.
type FileUpdate struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// PullRequest describes a publish request. Empty optional fields let the
// backend choose its defaults.
type PullRequest struct {
	URL           string       `json:"url"`
	Updates       []FileUpdate `json:"updates"`
	BranchName    string       `json:"branch_name,omitempty"`
	BaseBranch    string       `json:"base_branch,omitempty"`
	PRTitle       string       `json:"pr_title,omitempty"`
	CommitMessage string       `json:"commit_message,omitempty"`
	Token         string       `json:"token,omitempty"`
}

// PublishResponse carries the backend's free-text result. It either embeds a
// pull request URL or is a plain status sentence.
type PublishResponse struct {
	Message string
}

// ConsentPayload is the review record served for a consent id.
type ConsentPayload struct {
	ID               string
	URL              string
	Path             string
	OriginalContent  string
	OptimizedContent string
	PRTitle          string
	CommitMessage    string
	Status           string
	PRLink           string
}

// ConsentRequest queues an optimization for out-of-band review.
type ConsentRequest struct {
	URL              string `json:"url"`
	Path             string `json:"path"`
	OriginalContent  string `json:"original_content"`
	OptimizedContent string `json:"optimized_content"`
	PRTitle          string `json:"pr_title,omitempty"`
	CommitMessage    string `json:"commit_message,omitempty"`
}

type scanRequest struct {
	URL   string `json:"url"`
	Path  string `json:"path,omitempty"`
	Token string `json:"token,omitempty"`
}
