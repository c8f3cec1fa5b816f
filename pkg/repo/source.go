package repo

import (
	"context"
	"time"
)

// Source answers repository queries. Results must be non-nil so they can be
// cached: empty listings are empty slices.
type Source interface {
	Status(ctx context.Context) (Status, error)
	Branches(ctx context.Context) ([]Branch, error)
	Tags(ctx context.Context) ([]Tag, error)
	CommitHistory(ctx context.Context, opts HistoryOptions) ([]Commit, error)
	FileHistory(ctx context.Context, path string, limit int) ([]Commit, error)
	FileContributors(ctx context.Context, path string) ([]Contributor, error)
	Metrics(ctx context.Context) (Metrics, error)
	Config(ctx context.Context) (Config, error)
	Remotes(ctx context.Context) ([]Remote, error)
}

// Mutator changes a repository. Every method corresponds to a Mutation.
type Mutator interface {
	Stage(ctx context.Context, paths ...string) error
	Commit(ctx context.Context, opts CommitOptions) (string, error)
	CreateBranch(ctx context.Context, name, ref string) error
	Checkout(ctx context.Context, branch string) error
	CreateTag(ctx context.Context, name, ref, message string) error
}

// HistoryOptions selects commits for CommitHistory.
type HistoryOptions struct {
	// Ref is the starting revision. Empty means HEAD.
	Ref string `json:"ref,omitempty"`

	// Limit caps the number of commits. Zero means no limit.
	Limit int `json:"limit,omitempty"`
}

// CommitOptions describes a new commit.
type CommitOptions struct {
	Message    string `json:"message"`
	Author     string `json:"author"`
	Email      string `json:"email"`
	All        bool   `json:"all,omitempty"`
	AllowEmpty bool   `json:"allow_empty,omitempty"`
}

// FileStatus is the state of one changed path.
type FileStatus struct {
	Path     string `json:"path"`
	Staging  string `json:"staging"`
	Worktree string `json:"worktree"`
}

// Status is the working tree state.
type Status struct {
	Branch string       `json:"branch"`
	Head   string       `json:"head"`
	Clean  bool         `json:"clean"`
	Files  []FileStatus `json:"files"`
}

// Branch is a local or remote-tracking branch.
type Branch struct {
	Name    string `json:"name"`
	Hash    string `json:"hash"`
	Current bool   `json:"current"`
	Remote  bool   `json:"remote"`
}

// Tag is a lightweight or annotated tag.
type Tag struct {
	Name      string `json:"name"`
	Hash      string `json:"hash"`
	Target    string `json:"target"`
	Annotated bool   `json:"annotated"`
	Message   string `json:"message,omitempty"`
}

// Commit is one entry of a history listing.
type Commit struct {
	Hash    string    `json:"hash"`
	Author  string    `json:"author"`
	Email   string    `json:"email"`
	When    time.Time `json:"when"`
	Message string    `json:"message"`
	Parents int       `json:"parents"`
}

// Contributor aggregates the commits of one author touching a path.
type Contributor struct {
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Commits     int       `json:"commits"`
	FirstCommit time.Time `json:"first_commit"`
	LastCommit  time.Time `json:"last_commit"`
}

// Metrics summarizes the repository.
type Metrics struct {
	Commits      int       `json:"commits"`
	Contributors int       `json:"contributors"`
	Branches     int       `json:"branches"`
	Tags         int       `json:"tags"`
	FirstCommit  time.Time `json:"first_commit"`
	LastCommit   time.Time `json:"last_commit"`
}

// Remote is a configured remote.
type Remote struct {
	Name string   `json:"name"`
	URLs []string `json:"urls"`
}

// Config is the subset of repository configuration exposed to callers.
type Config struct {
	UserName      string   `json:"user_name"`
	UserEmail     string   `json:"user_email"`
	Bare          bool     `json:"bare"`
	DefaultBranch string   `json:"default_branch,omitempty"`
	Remotes       []Remote `json:"remotes"`
	Branches      []string `json:"branches"`
}
