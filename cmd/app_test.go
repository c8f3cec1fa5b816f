package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/require"

	"github.com/Siddhant-K-code/repocache/pkg/config"
	"github.com/Siddhant-K-code/repocache/pkg/repo"
)

// memoryRepo returns an in-memory repository with one commit of README.md.
func memoryRepo(t *testing.T) *gogit.Repository {
	t.Helper()
	r, err := gogit.Init(memory.NewStorage(), memfs.New())
	require.NoError(t, err)

	wt, err := r.Worktree()
	require.NoError(t, err)
	require.NoError(t, util.WriteFile(wt.Filesystem, "README.md", []byte("# test\n"), 0o644))
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial commit", &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  "alice",
			Email: "alice@example.com",
			When:  time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)
	return r
}

// memoryOpener serves the given repositories by absolute path and reports
// NOT_FOUND for anything else.
func memoryOpener(repos map[string]*gogit.Repository) repo.Opener {
	return func(path string) (repo.Source, error) {
		r, ok := repos[path]
		if !ok {
			return nil, platformerrors.Newf(platformerrors.CodeNotFound, "no repository at %s", path)
		}
		return repo.NewGitSource(r), nil
	}
}

// newTestApp wires an App over in-memory repositories at /srv/a and /srv/b.
func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Cache.AdaptiveTTL = false
	cfg.Cache.PurgeInterval = time.Hour

	ctx := context.Background()
	app, err := newApp(ctx, cfg, memoryOpener(map[string]*gogit.Repository{
		"/srv/a": memoryRepo(t),
		"/srv/b": memoryRepo(t),
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(ctx) })
	return app
}
