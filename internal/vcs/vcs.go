// Package vcs describes the remote version-control host the revision engine
// reads from. Implementations live in the githubapi and mirror subpackages.
package vcs

import (
	"context"
	"strings"
)

// Comparison statuses reported by CompareCommits.
const (
	StatusIdentical = "identical"
	StatusAhead     = "ahead"
	StatusBehind    = "behind"
	StatusDiverged  = "diverged"
)

// Tree entry types.
const (
	EntryBlob = "blob"
	EntryTree = "tree"
)

// Repo identifies a repository on the host.
type Repo struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// ParseRepo accepts "owner/name".
func ParseRepo(fullName string) (Repo, bool) {
	owner, name, ok := strings.Cut(strings.Trim(fullName, "/"), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return Repo{}, false
	}
	return Repo{Owner: owner, Name: name}, true
}

func (r Repo) FullName() string {
	return r.Owner + "/" + r.Name
}

// RepositoryData is repository metadata from the host.
type RepositoryData struct {
	Name          string `json:"name"`
	FullName      string `json:"fullName"`
	DefaultBranch string `json:"defaultBranch"`
	CloneURL      string `json:"cloneUrl,omitempty"`
}

// BranchData is a branch and the commit it points at.
type BranchData struct {
	Name          string `json:"name"`
	HeadCommitSHA string `json:"headCommitSha"`
	TreeSHA       string `json:"treeSha"`
}

// TreeEntry is one entry of a git tree.
type TreeEntry struct {
	Path    string `json:"path"`
	Type    string `json:"type"`
	BlobSHA string `json:"blobSha"`
}

// TreeData is a git tree listing.
type TreeData struct {
	SHA       string      `json:"treeSha"`
	Truncated bool        `json:"truncated,omitempty"`
	Recursive bool        `json:"recursive,omitempty"` // Entries include nested paths
	Entries   []TreeEntry `json:"entries"`
}

// CommitData is one commit of a path's history.
type CommitData struct {
	SHA        string
	ParentSHAs []string
}

// ChangedFile is one entry of a comparison's changed-file list.
type ChangedFile struct {
	Filename string
	Status   string
	RawURL   string
}

// Comparison is the result of comparing a head commit against a base.
type Comparison struct {
	Status string
	Files  []ChangedFile
}

// File returns the changed-file entry for path.
func (c Comparison) File(path string) (ChangedFile, bool) {
	for _, file := range c.Files {
		if file.Filename == path {
			return file, true
		}
	}
	return ChangedFile{}, false
}

// EncodedContent is file content as returned by the content-by-path endpoint.
// Files too large for the endpoint come back with encoding "none", no
// content and a DownloadURL.
type EncodedContent struct {
	Encoding    string
	Content     string
	DownloadURL string
}

// Remote is the host API used by the repository index and revision resolver.
// Implementations return errs.ErrNotFound for missing objects and
// errs.ErrRemoteAPI for transport or auth failures.
type Remote interface {
	// ListRepositories returns the repositories visible to the credentials.
	ListRepositories(ctx context.Context) ([]RepositoryData, error)
	GetRepository(ctx context.Context, repo Repo) (RepositoryData, error)
	GetBranch(ctx context.Context, repo Repo, name string) (BranchData, error)
	GetTree(ctx context.Context, repo Repo, sha string, recursive bool) (TreeData, error)
	// ListCommits returns the commits touching path, newest first.
	ListCommits(ctx context.Context, repo Repo, path string) ([]CommitData, error)
	CompareCommits(ctx context.Context, repo Repo, base, head string) (Comparison, error)
	GetContentAtPath(ctx context.Context, repo Repo, path, ref string) (EncodedContent, error)
	DownloadRaw(ctx context.Context, rawURL string) ([]byte, error)
}
