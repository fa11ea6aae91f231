// Package repoindex caches repository metadata, branches and trees of one
// repository inside a client's cache scope.
package repoindex

import (
	"context"

	"paperhub/internal/cache"
	"paperhub/internal/errs"
	"paperhub/internal/vcs"
)

const (
	BucketRepo     = "repo"
	BucketBranches = "branches"
	BucketTrees    = "trees"
)

// File is one blob of a repository tree.
type File struct {
	Repo    vcs.Repo `json:"repo"`
	Path    string   `json:"path"`
	BlobSHA string   `json:"blobSha"`
}

// Index reads through the scope to the remote. Cached entries are never
// refreshed before the scope expires.
type Index struct {
	scope  *cache.Scope
	remote vcs.Remote
	repo   vcs.Repo
}

func New(scope *cache.Scope, remote vcs.Remote, repo vcs.Repo) *Index {
	return &Index{scope: scope, remote: remote, repo: repo}
}

func (i *Index) Repo() vcs.Repo {
	return i.repo
}

// BranchKey qualifies a branch name with its repository so that several
// repositories can share one scope.
func BranchKey(repo vcs.Repo, name string) string {
	return repo.FullName() + ":" + name
}

// Repository returns the repository metadata.
func (i *Index) Repository(ctx context.Context) (vcs.RepositoryData, error) {
	repos := map[string]vcs.RepositoryData{}
	if _, err := i.scope.Retrieve(ctx, BucketRepo, &repos); err != nil {
		return vcs.RepositoryData{}, err
	}
	if info, ok := repos[i.repo.FullName()]; ok {
		return info, nil
	}

	info, err := i.remote.GetRepository(ctx, i.repo)
	if err != nil {
		return vcs.RepositoryData{}, err
	}
	repos[i.repo.FullName()] = info
	if err := i.scope.Store(ctx, BucketRepo, repos); err != nil {
		return vcs.RepositoryData{}, err
	}
	return info, nil
}

// DefaultBranch resolves the repository's default branch through the cache.
func (i *Index) DefaultBranch(ctx context.Context) (vcs.BranchData, error) {
	info, err := i.Repository(ctx)
	if err != nil {
		return vcs.BranchData{}, err
	}
	if info.DefaultBranch == "" {
		return vcs.BranchData{}, errs.Wrap(errs.ErrNotFound, nil, "%s has no default branch", i.repo.FullName())
	}
	return i.Branch(ctx, info.DefaultBranch)
}

func (i *Index) Branch(ctx context.Context, name string) (vcs.BranchData, error) {
	branches := map[string]vcs.BranchData{}
	if _, err := i.scope.Retrieve(ctx, BucketBranches, &branches); err != nil {
		return vcs.BranchData{}, err
	}
	key := BranchKey(i.repo, name)
	if branch, ok := branches[key]; ok {
		return branch, nil
	}

	branch, err := i.remote.GetBranch(ctx, i.repo, name)
	if err != nil {
		return vcs.BranchData{}, err
	}
	branches[key] = branch
	if err := i.scope.Store(ctx, BucketBranches, branches); err != nil {
		return vcs.BranchData{}, err
	}
	return branch, nil
}

// Tree returns the tree with the given sha. A cached recursive listing also
// answers flat requests; a cached flat listing is replaced when a recursive
// one is asked for.
func (i *Index) Tree(ctx context.Context, sha string, recursive bool) (vcs.TreeData, error) {
	trees := map[string]vcs.TreeData{}
	if _, err := i.scope.Retrieve(ctx, BucketTrees, &trees); err != nil {
		return vcs.TreeData{}, err
	}
	if tree, ok := trees[sha]; ok && (tree.Recursive || !recursive) {
		return tree, nil
	}

	tree, err := i.remote.GetTree(ctx, i.repo, sha, recursive)
	if err != nil {
		return vcs.TreeData{}, err
	}
	if tree.SHA == "" {
		tree.SHA = sha
	}
	tree.Recursive = recursive
	trees[tree.SHA] = tree
	if err := i.scope.Store(ctx, BucketTrees, trees); err != nil {
		return vcs.TreeData{}, err
	}
	return tree, nil
}

// Files lists the blobs at the head of the named branch.
func (i *Index) Files(ctx context.Context, branch string, recursive bool) ([]File, error) {
	resolved, err := i.Branch(ctx, branch)
	if err != nil {
		return nil, err
	}
	return i.FilesAt(ctx, resolved, recursive)
}

// FilesAt lists the blobs of an already resolved branch.
func (i *Index) FilesAt(ctx context.Context, branch vcs.BranchData, recursive bool) ([]File, error) {
	if branch.TreeSHA == "" {
		return nil, errs.Wrap(errs.ErrNotFound, nil, "branch %s has no tree", branch.Name)
	}
	return i.FilesAtTree(ctx, branch.TreeSHA, recursive)
}

func (i *Index) FilesAtTree(ctx context.Context, treeSHA string, recursive bool) ([]File, error) {
	tree, err := i.Tree(ctx, treeSHA, recursive)
	if err != nil {
		return nil, err
	}
	files := make([]File, 0, len(tree.Entries))
	for _, entry := range tree.Entries {
		if entry.Type != vcs.EntryBlob {
			continue
		}
		files = append(files, File{Repo: i.repo, Path: entry.Path, BlobSHA: entry.BlobSHA})
	}
	return files, nil
}
