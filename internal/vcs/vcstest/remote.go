// Package vcstest provides an in-memory vcs.Remote for tests.
package vcstest

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"

	"paperhub/internal/errs"
	"paperhub/internal/vcs"
)

// Remote is a scripted vcs.Remote. Fill the maps, then count calls through
// Calls to assert how often the host was contacted.
type Remote struct {
	mu sync.Mutex

	Repository   vcs.RepositoryData
	Repositories []vcs.RepositoryData
	Branches     map[string]vcs.BranchData
	Commits      map[string][]vcs.CommitData
	Comparisons  map[string]vcs.Comparison // keyed "base...head"
	Contents     map[string]string         // keyed "path@ref", plain text
	Raw          map[string]string

	// Trees hold full recursive listings; flat requests drop nested paths.
	Trees map[string]vcs.TreeData

	// Oversized maps "path@ref" to a download URL served instead of content.
	Oversized map[string]string

	// Err, when set, fails every call.
	Err error

	calls map[string]int
}

func New() *Remote {
	return &Remote{
		Branches:    make(map[string]vcs.BranchData),
		Trees:       make(map[string]vcs.TreeData),
		Commits:     make(map[string][]vcs.CommitData),
		Comparisons: make(map[string]vcs.Comparison),
		Contents:    make(map[string]string),
		Oversized:   make(map[string]string),
		Raw:         make(map[string]string),
		calls:       make(map[string]int),
	}
}

// Calls returns how many times method was invoked.
func (r *Remote) Calls(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[method]
}

// TotalCalls returns the number of calls across all methods.
func (r *Remote) TotalCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.calls {
		total += n
	}
	return total
}

func (r *Remote) record(method string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[method]++
	return r.Err
}

func (r *Remote) GetRepository(_ context.Context, repo vcs.Repo) (vcs.RepositoryData, error) {
	if err := r.record("GetRepository"); err != nil {
		return vcs.RepositoryData{}, err
	}
	if r.Repository.FullName == "" {
		return vcs.RepositoryData{}, errs.Wrap(errs.ErrNotFound, nil, "repository %s", repo.FullName())
	}
	return r.Repository, nil
}

func (r *Remote) GetBranch(_ context.Context, _ vcs.Repo, name string) (vcs.BranchData, error) {
	if err := r.record("GetBranch"); err != nil {
		return vcs.BranchData{}, err
	}
	branch, ok := r.Branches[name]
	if !ok {
		return vcs.BranchData{}, errs.Wrap(errs.ErrNotFound, nil, "branch %s", name)
	}
	return branch, nil
}

func (r *Remote) ListRepositories(context.Context) ([]vcs.RepositoryData, error) {
	if err := r.record("ListRepositories"); err != nil {
		return nil, err
	}
	return r.Repositories, nil
}

func (r *Remote) GetTree(_ context.Context, _ vcs.Repo, sha string, recursive bool) (vcs.TreeData, error) {
	if err := r.record("GetTree"); err != nil {
		return vcs.TreeData{}, err
	}
	tree, ok := r.Trees[sha]
	if !ok {
		return vcs.TreeData{}, errs.Wrap(errs.ErrNotFound, nil, "tree %s", sha)
	}
	if recursive {
		return tree, nil
	}
	flat := vcs.TreeData{SHA: tree.SHA, Truncated: tree.Truncated}
	for _, entry := range tree.Entries {
		if !strings.Contains(entry.Path, "/") {
			flat.Entries = append(flat.Entries, entry)
		}
	}
	return flat, nil
}

func (r *Remote) ListCommits(_ context.Context, _ vcs.Repo, path string) ([]vcs.CommitData, error) {
	if err := r.record("ListCommits"); err != nil {
		return nil, err
	}
	return r.Commits[path], nil
}

func (r *Remote) CompareCommits(_ context.Context, _ vcs.Repo, base, head string) (vcs.Comparison, error) {
	if err := r.record("CompareCommits"); err != nil {
		return vcs.Comparison{}, err
	}
	cmp, ok := r.Comparisons[base+"..."+head]
	if !ok {
		return vcs.Comparison{}, errs.Wrap(errs.ErrNotFound, nil, "compare %s...%s", base, head)
	}
	return cmp, nil
}

func (r *Remote) GetContentAtPath(_ context.Context, _ vcs.Repo, path, ref string) (vcs.EncodedContent, error) {
	if err := r.record("GetContentAtPath"); err != nil {
		return vcs.EncodedContent{}, err
	}
	if url, ok := r.Oversized[path+"@"+ref]; ok {
		return vcs.EncodedContent{Encoding: "none", DownloadURL: url}, nil
	}
	text, ok := r.Contents[path+"@"+ref]
	if !ok {
		return vcs.EncodedContent{}, errs.Wrap(errs.ErrNotFound, nil, "content %s@%s", path, ref)
	}
	return vcs.EncodedContent{Encoding: "base64", Content: base64.StdEncoding.EncodeToString([]byte(text))}, nil
}

func (r *Remote) DownloadRaw(_ context.Context, rawURL string) ([]byte, error) {
	if err := r.record("DownloadRaw"); err != nil {
		return nil, err
	}
	text, ok := r.Raw[rawURL]
	if !ok {
		return nil, errs.Wrap(errs.ErrNotFound, nil, "raw %s", rawURL)
	}
	return []byte(text), nil
}
