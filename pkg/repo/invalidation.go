package repo

import (
	"slices"
	"strings"

	platformerrors "github.com/jmgilman/go/errors"
)

// Mutation is a repository-changing operation.
type Mutation string

const (
	MutationStage        Mutation = "stage"
	MutationCommit       Mutation = "commit"
	MutationReset        Mutation = "reset"
	MutationBranchCreate Mutation = "branch_create"
	MutationCheckout     Mutation = "checkout"
	MutationPull         Mutation = "pull"
	MutationPush         Mutation = "push"
	MutationMerge        Mutation = "merge"
	MutationTag          Mutation = "tag"
)

// Mutations lists every known mutation.
var Mutations = []Mutation{
	MutationStage,
	MutationCommit,
	MutationReset,
	MutationBranchCreate,
	MutationCheckout,
	MutationPull,
	MutationPush,
	MutationMerge,
	MutationTag,
}

// Key families. A family is a key substring following the repository ID;
// "tag" and "remote" deliberately match "tags" and "remotes".
const (
	familyStatus       = "status"
	familyBranches     = "branches"
	familyTag          = "tag"
	familyRemote       = "remote"
	familyCommits      = "commit_history"
	familyFileHistory  = "file_history"
	familyContributors = "file_contributors"
	familyMetrics      = "repository_metrics"
)

// ParseMutation converts a mutation name.
func ParseMutation(s string) (Mutation, error) {
	m := Mutation(strings.ToLower(strings.TrimSpace(s)))
	if !slices.Contains(Mutations, m) {
		return "", platformerrors.Newf(platformerrors.CodeInvalidInput, "unknown mutation %q", s)
	}
	return m, nil
}

// movesHead reports whether m can change the commit HEAD points at.
func (m Mutation) movesHead() bool {
	switch m {
	case MutationCommit, MutationMerge, MutationPull, MutationReset, MutationCheckout:
		return true
	default:
		return false
	}
}

// Families returns the key families m invalidates.
func (m Mutation) Families() []string {
	families := []string{familyStatus, familyBranches}

	if m.movesHead() {
		families = append(families, familyCommits, familyFileHistory, familyContributors, familyMetrics)
	}
	switch m {
	case MutationTag:
		families = append(families, familyTag, familyMetrics)
	case MutationPull, MutationPush:
		families = append(families, familyRemote, familyTag)
	case MutationBranchCreate:
		families = append(families, familyMetrics)
	}
	return families
}

// InvalidationPatterns returns the patterns to invalidate on repoID after m.
func InvalidationPatterns(repoID string, m Mutation) []string {
	families := m.Families()
	patterns := make([]string, 0, len(families))
	for _, f := range families {
		patterns = append(patterns, familyPattern(repoID, f))
	}
	return patterns
}
