// Package mirror implements vcs.Remote against local git mirrors. Each
// repository is cloned under the workspace on first use and every later call
// is answered from the local object store.
package mirror

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"paperhub/internal/errs"
	"paperhub/internal/vcs"
)

// RawScheme prefixes the raw URLs handed out in comparisons.
const RawScheme = "mirror://"

type Provider struct {
	baseDir  string
	cloneURL func(vcs.Repo) string
	auth     *githttp.BasicAuth

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

type Option func(*Provider)

// WithCloneURL overrides how a repository's clone URL is derived.
func WithCloneURL(fn func(vcs.Repo) string) Option {
	return func(p *Provider) {
		p.cloneURL = fn
	}
}

// WithToken authenticates clones over HTTPS.
func WithToken(token string) Option {
	return func(p *Provider) {
		if token != "" {
			p.auth = &githttp.BasicAuth{Username: "x-access-token", Password: token}
		}
	}
}

func New(baseDir string, opts ...Option) *Provider {
	p := &Provider{
		baseDir: baseDir,
		cloneURL: func(repo vcs.Repo) string {
			return "https://github.com/" + repo.FullName() + ".git"
		},
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RawURL builds the raw URL for path at commit.
func RawURL(repo vcs.Repo, commit, path string) string {
	return RawScheme + repo.FullName() + "/" + commit + "/" + path
}

func parseRawURL(rawURL string) (vcs.Repo, string, string, error) {
	rest, ok := strings.CutPrefix(rawURL, RawScheme)
	if !ok {
		return vcs.Repo{}, "", "", fmt.Errorf("unsupported raw url %q", rawURL)
	}
	parts := strings.SplitN(rest, "/", 4)
	if len(parts) != 4 || parts[0] == "" || parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return vcs.Repo{}, "", "", fmt.Errorf("malformed raw url %q", rawURL)
	}
	return vcs.Repo{Owner: parts[0], Name: parts[1]}, parts[2], parts[3], nil
}

// ListRepositories reports the mirrors already cloned under the workspace.
// Directories that are not git repositories are skipped.
func (p *Provider) ListRepositories(ctx context.Context) ([]vcs.RepositoryData, error) {
	owners, err := os.ReadDir(p.baseDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.ErrFilesystem, err, "read mirror dir")
	}
	var out []vcs.RepositoryData
	for _, owner := range owners {
		if !owner.IsDir() {
			continue
		}
		names, err := os.ReadDir(filepath.Join(p.baseDir, owner.Name()))
		if err != nil {
			return nil, errs.Wrap(errs.ErrFilesystem, err, "read mirror dir %s", owner.Name())
		}
		for _, name := range names {
			repo := vcs.Repo{Owner: owner.Name(), Name: name.Name()}
			if !name.IsDir() {
				continue
			}
			if _, err := git.PlainOpen(p.repoPath(repo)); errors.Is(err, git.ErrRepositoryNotExists) {
				continue
			}
			data, err := p.GetRepository(ctx, repo)
			if err != nil {
				return nil, err
			}
			out = append(out, data)
		}
	}
	return out, nil
}

func (p *Provider) GetRepository(ctx context.Context, repo vcs.Repo) (vcs.RepositoryData, error) {
	var data vcs.RepositoryData
	err := p.withRepo(ctx, repo, func(r *git.Repository) error {
		head, err := r.Reference(plumbing.HEAD, false)
		if err != nil {
			return errs.Wrap(errs.ErrRemoteAPI, err, "read HEAD of %s", repo.FullName())
		}
		defaultBranch := head.Name().Short()
		if head.Type() == plumbing.SymbolicReference {
			defaultBranch = head.Target().Short()
		}
		data = vcs.RepositoryData{
			Name:          repo.Name,
			FullName:      repo.FullName(),
			DefaultBranch: defaultBranch,
			CloneURL:      p.cloneURL(repo),
		}
		return nil
	})
	return data, err
}

func (p *Provider) GetBranch(ctx context.Context, repo vcs.Repo, name string) (vcs.BranchData, error) {
	var data vcs.BranchData
	err := p.withRepo(ctx, repo, func(r *git.Repository) error {
		ref, err := branchReference(r, name)
		if err != nil {
			return err
		}
		commit, err := r.CommitObject(ref.Hash())
		if err != nil {
			return objectError(err, "read branch head %s", name)
		}
		data = vcs.BranchData{
			Name:          name,
			HeadCommitSHA: commit.Hash.String(),
			TreeSHA:       commit.TreeHash.String(),
		}
		return nil
	})
	return data, err
}

func (p *Provider) GetTree(ctx context.Context, repo vcs.Repo, sha string, recursive bool) (vcs.TreeData, error) {
	var data vcs.TreeData
	err := p.withRepo(ctx, repo, func(r *git.Repository) error {
		tree, err := r.TreeObject(plumbing.NewHash(sha))
		if err != nil {
			return objectError(err, "read tree %s", sha)
		}
		data = vcs.TreeData{SHA: tree.Hash.String(), Recursive: recursive}
		if !recursive {
			for _, entry := range tree.Entries {
				data.Entries = append(data.Entries, toTreeEntry(entry.Name, entry))
			}
			return nil
		}

		walker := object.NewTreeWalker(tree, true, nil)
		defer walker.Close()
		for {
			name, entry, err := walker.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return errs.Wrap(errs.ErrRemoteAPI, err, "walk tree %s", sha)
			}
			data.Entries = append(data.Entries, toTreeEntry(name, entry))
		}
	})
	return data, err
}

func (p *Provider) ListCommits(ctx context.Context, repo vcs.Repo, path string) ([]vcs.CommitData, error) {
	var commits []vcs.CommitData
	err := p.withRepo(ctx, repo, func(r *git.Repository) error {
		head, err := r.Head()
		if err != nil {
			return errs.Wrap(errs.ErrRemoteAPI, err, "resolve HEAD of %s", repo.FullName())
		}
		opts := &git.LogOptions{From: head.Hash(), Order: git.LogOrderCommitterTime}
		if path != "" {
			opts.FileName = &path
		}
		iter, err := r.Log(opts)
		if err != nil {
			return errs.Wrap(errs.ErrRemoteAPI, err, "read log for %s", path)
		}
		defer iter.Close()

		err = iter.ForEach(func(commit *object.Commit) error {
			parents := make([]string, 0, len(commit.ParentHashes))
			for _, parent := range commit.ParentHashes {
				parents = append(parents, parent.String())
			}
			commits = append(commits, vcs.CommitData{SHA: commit.Hash.String(), ParentSHAs: parents})
			return nil
		})
		if err != nil {
			return errs.Wrap(errs.ErrRemoteAPI, err, "iterate log for %s", path)
		}
		return nil
	})
	return commits, err
}

func (p *Provider) CompareCommits(ctx context.Context, repo vcs.Repo, base, head string) (vcs.Comparison, error) {
	var cmp vcs.Comparison
	err := p.withRepo(ctx, repo, func(r *git.Repository) error {
		baseCommit, err := resolveCommit(r, base)
		if err != nil {
			return err
		}
		headCommit, err := resolveCommit(r, head)
		if err != nil {
			return err
		}
		if baseCommit.Hash == headCommit.Hash {
			cmp.Status = vcs.StatusIdentical
			return nil
		}

		from := baseCommit
		switch {
		case isAncestor(baseCommit, headCommit):
			cmp.Status = vcs.StatusAhead
		case isAncestor(headCommit, baseCommit):
			cmp.Status = vcs.StatusBehind
		default:
			cmp.Status = vcs.StatusDiverged
			if bases, err := headCommit.MergeBase(baseCommit); err == nil && len(bases) > 0 {
				from = bases[0]
			}
		}

		fromTree, err := from.Tree()
		if err != nil {
			return objectError(err, "read tree of %s", from.Hash)
		}
		toTree, err := headCommit.Tree()
		if err != nil {
			return objectError(err, "read tree of %s", headCommit.Hash)
		}
		changes, err := fromTree.DiffContext(ctx, toTree)
		if err != nil {
			return errs.Wrap(errs.ErrRemoteAPI, err, "diff %s...%s", base, head)
		}
		for _, change := range changes {
			file, err := changedFile(repo, from.Hash.String(), headCommit.Hash.String(), change)
			if err != nil {
				return err
			}
			cmp.Files = append(cmp.Files, file)
		}
		return nil
	})
	return cmp, err
}

func (p *Provider) GetContentAtPath(ctx context.Context, repo vcs.Repo, path, ref string) (vcs.EncodedContent, error) {
	var content vcs.EncodedContent
	err := p.withRepo(ctx, repo, func(r *git.Repository) error {
		raw, err := readFile(r, ref, path)
		if err != nil {
			return err
		}
		content = vcs.EncodedContent{
			Encoding: "base64",
			Content:  base64.StdEncoding.EncodeToString(raw),
		}
		return nil
	})
	return content, err
}

func (p *Provider) DownloadRaw(ctx context.Context, rawURL string) ([]byte, error) {
	repo, commit, path, err := parseRawURL(rawURL)
	if err != nil {
		return nil, errs.Wrap(errs.ErrRemoteAPI, err, "download raw")
	}
	var raw []byte
	err = p.withRepo(ctx, repo, func(r *git.Repository) error {
		raw, err = readFile(r, commit, path)
		return err
	})
	return raw, err
}

func (p *Provider) repoPath(repo vcs.Repo) string {
	return filepath.Join(p.baseDir, repo.Owner, repo.Name)
}

func (p *Provider) repoLock(repo vcs.Repo) *sync.Mutex {
	p.lockMu.Lock()
	defer p.lockMu.Unlock()
	key := repo.FullName()
	lock, ok := p.locks[key]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	p.locks[key] = lock
	return lock
}

func (p *Provider) withRepo(ctx context.Context, repo vcs.Repo, fn func(*git.Repository) error) error {
	lock := p.repoLock(repo)
	lock.Lock()
	defer lock.Unlock()

	r, err := p.open(ctx, repo)
	if err != nil {
		return err
	}
	return fn(r)
}

func (p *Provider) open(ctx context.Context, repo vcs.Repo) (*git.Repository, error) {
	path := p.repoPath(repo)
	if _, err := os.Stat(path); err == nil {
		r, err := git.PlainOpen(path)
		if err != nil {
			return nil, errs.Wrap(errs.ErrRemoteAPI, err, "open mirror %s", repo.FullName())
		}
		return r, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, errs.Wrap(errs.ErrFilesystem, err, "stat mirror %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(errs.ErrFilesystem, err, "create mirror dir")
	}
	opts := &git.CloneOptions{URL: p.cloneURL(repo), Mirror: true}
	if p.auth != nil {
		opts.Auth = p.auth
	}
	r, err := git.PlainCloneContext(ctx, path, true, opts)
	if err != nil {
		_ = os.RemoveAll(path)
		if errors.Is(err, transport.ErrRepositoryNotFound) {
			return nil, errs.Wrap(errs.ErrNotFound, err, "clone %s", repo.FullName())
		}
		return nil, errs.Wrap(errs.ErrRemoteAPI, err, "clone %s", repo.FullName())
	}
	return r, nil
}

func branchReference(r *git.Repository, name string) (*plumbing.Reference, error) {
	candidates := []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(name),
		plumbing.NewRemoteReferenceName("origin", name),
	}
	for _, refName := range candidates {
		ref, err := r.Reference(refName, true)
		if err == nil {
			return ref, nil
		}
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, errs.Wrap(errs.ErrRemoteAPI, err, "resolve branch %s", name)
		}
	}
	return nil, errs.Wrap(errs.ErrNotFound, nil, "branch %s", name)
}

func resolveCommit(r *git.Repository, rev string) (*object.Commit, error) {
	var hash plumbing.Hash
	switch {
	case rev == "":
		head, err := r.Head()
		if err != nil {
			return nil, errs.Wrap(errs.ErrRemoteAPI, err, "resolve HEAD")
		}
		hash = head.Hash()
	case len(rev) == 40:
		hash = plumbing.NewHash(rev)
	default:
		resolved, err := r.ResolveRevision(plumbing.Revision(rev))
		if err != nil {
			return nil, objectError(err, "resolve revision %s", rev)
		}
		hash = *resolved
	}
	commit, err := r.CommitObject(hash)
	if err != nil {
		return nil, objectError(err, "read commit %s", rev)
	}
	return commit, nil
}

func readFile(r *git.Repository, ref, path string) ([]byte, error) {
	commit, err := resolveCommit(r, ref)
	if err != nil {
		return nil, err
	}
	file, err := commit.File(path)
	if err != nil {
		return nil, objectError(err, "read %s@%s", path, ref)
	}
	contents, err := file.Contents()
	if err != nil {
		return nil, errs.Wrap(errs.ErrRemoteAPI, err, "read blob %s", file.Hash)
	}
	return []byte(contents), nil
}

func isAncestor(ancestor, descendant *object.Commit) bool {
	ok, err := ancestor.IsAncestor(descendant)
	return err == nil && ok
}

func changedFile(repo vcs.Repo, base, head string, change *object.Change) (vcs.ChangedFile, error) {
	action, err := change.Action()
	if err != nil {
		return vcs.ChangedFile{}, errs.Wrap(errs.ErrRemoteAPI, err, "classify change")
	}
	switch action {
	case merkletrie.Insert:
		return vcs.ChangedFile{Filename: change.To.Name, Status: "added", RawURL: RawURL(repo, head, change.To.Name)}, nil
	case merkletrie.Delete:
		return vcs.ChangedFile{Filename: change.From.Name, Status: "removed", RawURL: RawURL(repo, base, change.From.Name)}, nil
	default:
		return vcs.ChangedFile{Filename: change.To.Name, Status: "modified", RawURL: RawURL(repo, head, change.To.Name)}, nil
	}
}

func toTreeEntry(path string, entry object.TreeEntry) vcs.TreeEntry {
	kind := vcs.EntryBlob
	switch entry.Mode {
	case filemode.Dir:
		kind = vcs.EntryTree
	case filemode.Submodule:
		kind = "commit"
	}
	return vcs.TreeEntry{Path: path, Type: kind, BlobSHA: entry.Hash.String()}
}

func objectError(err error, format string, args ...any) error {
	if errors.Is(err, plumbing.ErrObjectNotFound) ||
		errors.Is(err, plumbing.ErrReferenceNotFound) ||
		errors.Is(err, object.ErrFileNotFound) ||
		errors.Is(err, object.ErrDirectoryNotFound) {
		return errs.Wrap(errs.ErrNotFound, err, format, args...)
	}
	return errs.Wrap(errs.ErrRemoteAPI, err, format, args...)
}
