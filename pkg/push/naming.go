package push

import (
	"strings"

	"github.com/google/uuid"
	"github.com/sw33tLie/dockopt/internal/utils"
)

// RandomSuffix returns a short random token for branch names.
func RandomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:7]
}

// BranchName derives the branch for a single-path push, e.g.
// optimize-dockerfile-1a2b3c4.
func BranchName(path, suffix string) string {
	file := strings.ToLower(utils.LastSegment(path))
	if file == "" {
		file = "dockerfile"
	}
	return "optimize-" + file + "-" + suffix
}

func Title(path string) string {
	file := utils.LastSegment(path)
	if file == "" {
		file = "Dockerfile"
	}
	return "✨ Optimized " + file + " for " + ServiceName(path)
}

func CommitMessage(path string) string {
	return "refactor: optimize " + path + " for performance and security"
}

// ServiceName is the upper-cased directory holding the manifest, or ROOT for
// a manifest at the repository root.
func ServiceName(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) > 1 {
		return strings.ToUpper(parts[len(parts)-2])
	}
	return "ROOT"
}
