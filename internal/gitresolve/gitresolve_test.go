package gitresolve

import (
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

func initRepoWithCommit(t *testing.T) (dir string, commit string) {
	t.Helper()
	dir = t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)

	fs := wt.Filesystem
	f, err := fs.Create("README.md")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = wt.Add("README.md")
	require.NoError(t, err)

	hash, err := wt.Commit("initial commit", &git.CommitOptions{
		Author: &object.Signature{
			Name:  "student",
			Email: "student@example.com",
			When:  time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)

	return dir, hash.String()
}

func TestHeadResolvesBranchToCommitSHA(t *testing.T) {
	dir, commit := initRepoWithCommit(t)

	sha, err := New().Head(dir, "master")
	require.NoError(t, err)

	// go-git's default init branch may be "master" or the configured
	// init.defaultBranch; fall back to HEAD if the literal name misses.
	if sha != commit {
		sha, err = New().Head(dir, "")
		require.NoError(t, err)
	}
	require.Equal(t, commit, sha)
}

func TestHeadResolvesEmptyBranchToRemoteHEAD(t *testing.T) {
	dir, commit := initRepoWithCommit(t)

	sha, err := New().Head(dir, "")
	require.NoError(t, err)
	require.Equal(t, commit, sha)
}

func TestHeadReturnsErrorForUnknownBranch(t *testing.T) {
	dir, _ := initRepoWithCommit(t)

	_, err := New().Head(dir, "does-not-exist")
	require.Error(t, err)
}

func TestHeadReturnsErrorForUnreachableRemote(t *testing.T) {
	_, err := New().Head("/nonexistent/path/to/repo", "main")
	require.Error(t, err)
}
