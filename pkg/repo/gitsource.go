package repo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	platformerrors "github.com/jmgilman/go/errors"
)

// defaultSignature is used for annotated tags when the repository has no
// user configured.
var defaultSignature = object.Signature{Name: "repocache", Email: "repocache@localhost"}

// GitSource answers queries from a go-git repository. Reads may run
// concurrently; mutations are exclusive.
type GitSource struct {
	mu   sync.RWMutex
	repo *gogit.Repository
	now  func() time.Time
}

// OpenGitSource opens the repository containing path.
func OpenGitSource(path string) (*GitSource, error) {
	r, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, wrapError(err, fmt.Sprintf("failed to open repository %s", path))
	}
	return NewGitSource(r), nil
}

// NewGitSource wraps an already opened repository.
func NewGitSource(r *gogit.Repository) *GitSource {
	return &GitSource{repo: r, now: time.Now}
}

// Underlying returns the go-git repository.
func (s *GitSource) Underlying() *gogit.Repository {
	return s.repo
}

// Status returns the working tree status.
func (s *GitSource) Status(ctx context.Context) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	wt, err := s.repo.Worktree()
	if err != nil {
		return Status{}, wrapError(err, "failed to get worktree")
	}
	st, err := wt.Status()
	if err != nil {
		return Status{}, wrapError(err, "failed to get status")
	}

	result := Status{Clean: st.IsClean(), Files: make([]FileStatus, 0, len(st))}
	for path, fs := range st {
		if fs.Staging == gogit.Unmodified && fs.Worktree == gogit.Unmodified {
			continue
		}
		result.Files = append(result.Files, FileStatus{
			Path:     path,
			Staging:  string(rune(fs.Staging)),
			Worktree: string(rune(fs.Worktree)),
		})
	}
	sort.Slice(result.Files, func(i, j int) bool { return result.Files[i].Path < result.Files[j].Path })

	head, err := s.repo.Head()
	switch {
	case err == nil:
		result.Head = head.Hash().String()
		if head.Name().IsBranch() {
			result.Branch = head.Name().Short()
		}
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		// No commits yet.
	default:
		return Status{}, wrapError(err, "failed to resolve HEAD")
	}

	return result, nil
}

// Branches lists local and remote-tracking branches.
func (s *GitSource) Branches(ctx context.Context) ([]Branch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var current plumbing.ReferenceName
	if head, err := s.repo.Head(); err == nil {
		current = head.Name()
	}

	refs, err := s.repo.References()
	if err != nil {
		return nil, wrapError(err, "failed to list references")
	}

	branches := make([]Branch, 0)
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		name := ref.Name()
		switch {
		case name.IsBranch():
			branches = append(branches, Branch{
				Name:    name.Short(),
				Hash:    ref.Hash().String(),
				Current: name == current,
			})
		case name.IsRemote():
			branches = append(branches, Branch{
				Name:   name.Short(),
				Hash:   ref.Hash().String(),
				Remote: true,
			})
		}
		return nil
	})
	if err != nil {
		return nil, wrapError(err, "failed to iterate references")
	}

	sort.Slice(branches, func(i, j int) bool {
		if branches[i].Remote != branches[j].Remote {
			return !branches[i].Remote
		}
		return branches[i].Name < branches[j].Name
	})
	return branches, nil
}

// Tags lists tags. Annotated tags report their target commit and message.
func (s *GitSource) Tags(ctx context.Context) ([]Tag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tags()
}

func (s *GitSource) tags() ([]Tag, error) {
	iter, err := s.repo.Tags()
	if err != nil {
		return nil, wrapError(err, "failed to get tags")
	}

	tags := make([]Tag, 0)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		tag := Tag{
			Name:   ref.Name().Short(),
			Hash:   ref.Hash().String(),
			Target: ref.Hash().String(),
		}
		if obj, err := s.repo.TagObject(ref.Hash()); err == nil {
			tag.Annotated = true
			tag.Target = obj.Target.String()
			tag.Message = strings.TrimSpace(obj.Message)
		}
		tags = append(tags, tag)
		return nil
	})
	if err != nil {
		return nil, wrapError(err, "failed to iterate tags")
	}

	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	return tags, nil
}

// CommitHistory walks history from opts.Ref (HEAD by default), newest first.
func (s *GitSource) CommitHistory(ctx context.Context, opts HistoryOptions) ([]Commit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	from, ok, err := s.resolve(opts.Ref)
	if err != nil || !ok {
		return make([]Commit, 0), err
	}
	return s.walk(ctx, &gogit.LogOptions{From: from}, opts.Limit)
}

// FileHistory lists commits touching path, newest first.
func (s *GitSource) FileHistory(ctx context.Context, path string, limit int) ([]Commit, error) {
	if path == "" {
		return nil, platformerrors.New(platformerrors.CodeInvalidInput, "path is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.fileHistory(ctx, path, limit)
}

func (s *GitSource) fileHistory(ctx context.Context, path string, limit int) ([]Commit, error) {
	from, ok, err := s.resolve("")
	if err != nil || !ok {
		return make([]Commit, 0), err
	}
	return s.walk(ctx, &gogit.LogOptions{From: from, FileName: &path}, limit)
}

// FileContributors aggregates the authors of commits touching path, most
// active first.
func (s *GitSource) FileContributors(ctx context.Context, path string) ([]Contributor, error) {
	if path == "" {
		return nil, platformerrors.New(platformerrors.CodeInvalidInput, "path is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	commits, err := s.fileHistory(ctx, path, 0)
	if err != nil {
		return nil, err
	}
	return contributors(commits), nil
}

// Metrics summarizes history, authors, branches and tags.
func (s *GitSource) Metrics(ctx context.Context) (Metrics, error) {
	if err := ctx.Err(); err != nil {
		return Metrics{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m Metrics
	from, ok, err := s.resolve("")
	if err != nil {
		return Metrics{}, err
	}
	if ok {
		commits, err := s.walk(ctx, &gogit.LogOptions{From: from}, 0)
		if err != nil {
			return Metrics{}, err
		}
		m.Commits = len(commits)
		m.Contributors = len(contributors(commits))
		if len(commits) > 0 {
			m.LastCommit = commits[0].When
			m.FirstCommit = commits[len(commits)-1].When
		}
	}

	branches, err := s.repo.Branches()
	if err != nil {
		return Metrics{}, wrapError(err, "failed to list branches")
	}
	_ = branches.ForEach(func(*plumbing.Reference) error {
		m.Branches++
		return nil
	})

	tags, err := s.tags()
	if err != nil {
		return Metrics{}, err
	}
	m.Tags = len(tags)

	return m, nil
}

// Config returns the repository-local configuration.
func (s *GitSource) Config(ctx context.Context) (Config, error) {
	if err := ctx.Err(); err != nil {
		return Config{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, err := s.repo.Config()
	if err != nil {
		return Config{}, wrapError(err, "failed to read repository config")
	}

	result := Config{
		UserName:      cfg.User.Name,
		UserEmail:     cfg.User.Email,
		Bare:          cfg.Core.IsBare,
		DefaultBranch: cfg.Init.DefaultBranch,
		Remotes:       make([]Remote, 0, len(cfg.Remotes)),
		Branches:      make([]string, 0, len(cfg.Branches)),
	}
	for name, rc := range cfg.Remotes {
		result.Remotes = append(result.Remotes, Remote{Name: name, URLs: slices.Clone(rc.URLs)})
	}
	for name := range cfg.Branches {
		result.Branches = append(result.Branches, name)
	}
	sort.Slice(result.Remotes, func(i, j int) bool { return result.Remotes[i].Name < result.Remotes[j].Name })
	sort.Strings(result.Branches)

	return result, nil
}

// Remotes lists configured remotes.
func (s *GitSource) Remotes(ctx context.Context) ([]Remote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	list, err := s.repo.Remotes()
	if err != nil {
		return nil, wrapError(err, "failed to list remotes")
	}
	remotes := make([]Remote, 0, len(list))
	for _, r := range list {
		c := r.Config()
		remotes = append(remotes, Remote{Name: c.Name, URLs: slices.Clone(c.URLs)})
	}
	sort.Slice(remotes, func(i, j int) bool { return remotes[i].Name < remotes[j].Name })
	return remotes, nil
}

// Stage adds paths to the index. With no paths every change is staged.
func (s *GitSource) Stage(ctx context.Context, paths ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wt, err := s.repo.Worktree()
	if err != nil {
		return wrapError(err, "failed to get worktree")
	}
	if len(paths) == 0 {
		if err := wt.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
			return wrapError(err, "failed to stage changes")
		}
		return nil
	}
	for _, p := range paths {
		if _, err := wt.Add(p); err != nil {
			return wrapError(err, fmt.Sprintf("failed to stage %s", p))
		}
	}
	return nil
}

// Commit records the index as a new commit and returns its hash.
func (s *GitSource) Commit(ctx context.Context, opts CommitOptions) (string, error) {
	if opts.Message == "" {
		return "", platformerrors.New(platformerrors.CodeInvalidInput, "commit message is required")
	}
	if opts.Author == "" || opts.Email == "" {
		return "", platformerrors.New(platformerrors.CodeInvalidInput, "author and email are required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wt, err := s.repo.Worktree()
	if err != nil {
		return "", wrapError(err, "failed to get worktree")
	}
	hash, err := wt.Commit(opts.Message, &gogit.CommitOptions{
		All:               opts.All,
		AllowEmptyCommits: opts.AllowEmpty,
		Author: &object.Signature{
			Name:  opts.Author,
			Email: opts.Email,
			When:  s.now(),
		},
	})
	if err != nil {
		return "", wrapError(err, "failed to create commit")
	}
	return hash.String(), nil
}

// CreateBranch creates a branch at ref (HEAD when empty).
func (s *GitSource) CreateBranch(ctx context.Context, name, ref string) error {
	if name == "" {
		return platformerrors.New(platformerrors.CodeInvalidInput, "branch name is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	refName := plumbing.NewBranchReferenceName(name)
	if _, err := s.repo.Reference(refName, false); err == nil {
		return wrapError(gogit.ErrBranchExists, fmt.Sprintf("failed to create branch %q", name))
	}

	hash, ok, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if !ok {
		return platformerrors.New(platformerrors.CodeConflict, "cannot create a branch in a repository without commits")
	}
	if err := s.repo.Storer.SetReference(plumbing.NewHashReference(refName, hash)); err != nil {
		return wrapError(err, fmt.Sprintf("failed to create branch %q", name))
	}
	return nil
}

// Checkout switches the working tree to branch.
func (s *GitSource) Checkout(ctx context.Context, branch string) error {
	if branch == "" {
		return platformerrors.New(platformerrors.CodeInvalidInput, "branch name is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wt, err := s.repo.Worktree()
	if err != nil {
		return wrapError(err, "failed to get worktree")
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch)}); err != nil {
		return wrapError(err, fmt.Sprintf("failed to checkout %q", branch))
	}
	return nil
}

// CreateTag tags ref (HEAD when empty). A non-empty message creates an
// annotated tag.
func (s *GitSource) CreateTag(ctx context.Context, name, ref, message string) error {
	if name == "" {
		return platformerrors.New(platformerrors.CodeInvalidInput, "tag name is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, ok, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if !ok {
		return platformerrors.New(platformerrors.CodeConflict, "cannot tag a repository without commits")
	}

	var opts *gogit.CreateTagOptions
	if message != "" {
		tagger := s.signature()
		opts = &gogit.CreateTagOptions{Tagger: &tagger, Message: message}
	}
	if _, err := s.repo.CreateTag(name, hash, opts); err != nil {
		return wrapError(err, fmt.Sprintf("failed to create tag %q", name))
	}
	return nil
}

// resolve returns the commit for ref, or HEAD when ref is empty. ok is
// false when HEAD does not exist yet.
func (s *GitSource) resolve(ref string) (hash plumbing.Hash, ok bool, err error) {
	if ref == "" {
		head, err := s.repo.Head()
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, false, nil
		}
		if err != nil {
			return plumbing.ZeroHash, false, wrapError(err, "failed to resolve HEAD")
		}
		return head.Hash(), true, nil
	}

	h, err := s.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return plumbing.ZeroHash, false, wrapError(err, fmt.Sprintf("failed to resolve %q", ref))
	}
	return *h, true, nil
}

func (s *GitSource) walk(ctx context.Context, opts *gogit.LogOptions, limit int) ([]Commit, error) {
	iter, err := s.repo.Log(opts)
	if err != nil {
		return nil, wrapError(err, "failed to read history")
	}
	defer iter.Close()

	commits := make([]Commit, 0)
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if limit > 0 && len(commits) >= limit {
			return storer.ErrStop
		}
		commits = append(commits, Commit{
			Hash:    c.Hash.String(),
			Author:  c.Author.Name,
			Email:   c.Author.Email,
			When:    c.Author.When,
			Message: strings.TrimSpace(c.Message),
			Parents: c.NumParents(),
		})
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, wrapError(err, "failed to walk history")
	}
	return commits, nil
}

func (s *GitSource) signature() object.Signature {
	sig := defaultSignature
	if cfg, err := s.repo.Config(); err == nil && cfg.User.Name != "" {
		sig.Name = cfg.User.Name
		if cfg.User.Email != "" {
			sig.Email = cfg.User.Email
		}
	}
	sig.When = s.now()
	return sig
}

func contributors(commits []Commit) []Contributor {
	byEmail := make(map[string]*Contributor)
	for _, c := range commits {
		key := strings.ToLower(c.Email)
		ct, ok := byEmail[key]
		if !ok {
			ct = &Contributor{Name: c.Author, Email: c.Email, FirstCommit: c.When, LastCommit: c.When}
			byEmail[key] = ct
		}
		ct.Commits++
		if c.When.Before(ct.FirstCommit) {
			ct.FirstCommit = c.When
		}
		if c.When.After(ct.LastCommit) {
			ct.LastCommit = c.When
		}
	}

	out := make([]Contributor, 0, len(byEmail))
	for _, ct := range byEmail {
		out = append(out, *ct)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Commits != out[j].Commits {
			return out[i].Commits > out[j].Commits
		}
		return out[i].Email < out[j].Email
	})
	return out
}
