// Package githubapi implements vcs.Remote on top of the go-github SDK.
package githubapi

import (
	"bytes"
	"context"
	"errors"
	"net/http"

	"github.com/google/go-github/v67/github"

	"paperhub/internal/errs"
	"paperhub/internal/vcs"
)

// Provider implements vcs.Remote using the GitHub REST API.
type Provider struct {
	client *github.Client
}

// config holds configuration for Provider.
type config struct {
	client  *github.Client
	token   string
	baseURL string
}

// Option configures the provider.
type Option func(*config) error

// WithToken authenticates every request, including raw downloads.
func WithToken(token string) Option {
	return func(cfg *config) error {
		if token == "" {
			return errors.New("github token cannot be empty")
		}
		cfg.token = token
		return nil
	}
}

// WithClient sets a preconfigured GitHub client.
func WithClient(client *github.Client) Option {
	return func(cfg *config) error {
		if client == nil {
			return errors.New("github client cannot be nil")
		}
		cfg.client = client
		return nil
	}
}

// WithBaseURL points the provider at a GitHub Enterprise API root.
func WithBaseURL(baseURL string) Option {
	return func(cfg *config) error {
		cfg.baseURL = baseURL
		return nil
	}
}

// NewProvider creates a provider. Without a token or client the provider
// talks to the public API anonymously.
func NewProvider(opts ...Option) (*Provider, error) {
	cfg := &config{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	client := cfg.client
	if client == nil {
		client = github.NewClient(nil)
		if cfg.token != "" {
			client = client.WithAuthToken(cfg.token)
		}
	}
	if cfg.baseURL != "" {
		enterprise, err := client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
		if err != nil {
			return nil, err
		}
		client = enterprise
	}
	return &Provider{client: client}, nil
}

// ListRepositories pages through the authenticated user's repositories.
func (p *Provider) ListRepositories(ctx context.Context) ([]vcs.RepositoryData, error) {
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		Sort:        "updated",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var out []vcs.RepositoryData
	for {
		page, resp, err := p.client.Repositories.ListByAuthenticatedUser(ctx, opts)
		if err != nil {
			return nil, wrapError(err, resp, "list repositories")
		}
		for _, ghRepo := range page {
			out = append(out, repositoryData(ghRepo))
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

func (p *Provider) GetRepository(ctx context.Context, repo vcs.Repo) (vcs.RepositoryData, error) {
	ghRepo, resp, err := p.client.Repositories.Get(ctx, repo.Owner, repo.Name)
	if err != nil {
		return vcs.RepositoryData{}, wrapError(err, resp, "get repository %s", repo.FullName())
	}
	return repositoryData(ghRepo), nil
}

func repositoryData(ghRepo *github.Repository) vcs.RepositoryData {
	return vcs.RepositoryData{
		Name:          ghRepo.GetName(),
		FullName:      ghRepo.GetFullName(),
		DefaultBranch: ghRepo.GetDefaultBranch(),
		CloneURL:      ghRepo.GetCloneURL(),
	}
}

func (p *Provider) GetBranch(ctx context.Context, repo vcs.Repo, name string) (vcs.BranchData, error) {
	branch, resp, err := p.client.Repositories.GetBranch(ctx, repo.Owner, repo.Name, name, 1)
	if err != nil {
		return vcs.BranchData{}, wrapError(err, resp, "get branch %s", name)
	}
	commit := branch.GetCommit()
	return vcs.BranchData{
		Name:          branch.GetName(),
		HeadCommitSHA: commit.GetSHA(),
		TreeSHA:       commit.GetCommit().GetTree().GetSHA(),
	}, nil
}

func (p *Provider) GetTree(ctx context.Context, repo vcs.Repo, sha string, recursive bool) (vcs.TreeData, error) {
	tree, resp, err := p.client.Git.GetTree(ctx, repo.Owner, repo.Name, sha, recursive)
	if err != nil {
		return vcs.TreeData{}, wrapError(err, resp, "get tree %s", sha)
	}
	entries := make([]vcs.TreeEntry, 0, len(tree.Entries))
	for _, entry := range tree.Entries {
		entries = append(entries, vcs.TreeEntry{
			Path:    entry.GetPath(),
			Type:    entry.GetType(),
			BlobSHA: entry.GetSHA(),
		})
	}
	return vcs.TreeData{
		SHA:       tree.GetSHA(),
		Truncated: tree.GetTruncated(),
		Recursive: recursive,
		Entries:   entries,
	}, nil
}

func (p *Provider) ListCommits(ctx context.Context, repo vcs.Repo, path string) ([]vcs.CommitData, error) {
	opts := &github.CommitsListOptions{
		Path:        path,
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var commits []vcs.CommitData
	for {
		page, resp, err := p.client.Repositories.ListCommits(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, wrapError(err, resp, "list commits for %s", path)
		}
		for _, commit := range page {
			parents := make([]string, 0, len(commit.Parents))
			for _, parent := range commit.Parents {
				parents = append(parents, parent.GetSHA())
			}
			commits = append(commits, vcs.CommitData{SHA: commit.GetSHA(), ParentSHAs: parents})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return commits, nil
}

func (p *Provider) CompareCommits(ctx context.Context, repo vcs.Repo, base, head string) (vcs.Comparison, error) {
	cmp, resp, err := p.client.Repositories.CompareCommits(ctx, repo.Owner, repo.Name, base, head, nil)
	if err != nil {
		return vcs.Comparison{}, wrapError(err, resp, "compare %s...%s", base, head)
	}
	files := make([]vcs.ChangedFile, 0, len(cmp.Files))
	for _, file := range cmp.Files {
		files = append(files, vcs.ChangedFile{
			Filename: file.GetFilename(),
			Status:   file.GetStatus(),
			RawURL:   file.GetRawURL(),
		})
	}
	return vcs.Comparison{Status: cmp.GetStatus(), Files: files}, nil
}

func (p *Provider) GetContentAtPath(ctx context.Context, repo vcs.Repo, path, ref string) (vcs.EncodedContent, error) {
	var opts *github.RepositoryContentGetOptions
	if ref != "" {
		opts = &github.RepositoryContentGetOptions{Ref: ref}
	}
	file, _, resp, err := p.client.Repositories.GetContents(ctx, repo.Owner, repo.Name, path, opts)
	if err != nil {
		return vcs.EncodedContent{}, wrapError(err, resp, "get contents %s@%s", path, ref)
	}
	if file == nil {
		return vcs.EncodedContent{}, errs.Wrap(errs.ErrNotFound, nil, "%s is a directory", path)
	}
	content := vcs.EncodedContent{Encoding: file.GetEncoding(), DownloadURL: file.GetDownloadURL()}
	if file.Content != nil {
		content.Content = *file.Content
	}
	return content, nil
}

// DownloadRaw fetches a changed file's raw_url through the SDK client so the
// request carries the same credentials as API calls.
func (p *Provider) DownloadRaw(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := p.client.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errs.Wrap(errs.ErrRemoteAPI, err, "build raw request")
	}
	var body bytes.Buffer
	resp, err := p.client.Do(ctx, req, &body)
	if err != nil {
		return nil, wrapError(err, resp, "download %s", rawURL)
	}
	return body.Bytes(), nil
}

func wrapError(err error, resp *github.Response, format string, args ...any) error {
	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}
	var ghErr *github.ErrorResponse
	if status == 0 && errors.As(err, &ghErr) && ghErr.Response != nil {
		status = ghErr.Response.StatusCode
	}
	if status == http.StatusNotFound {
		return errs.Wrap(errs.ErrNotFound, err, format, args...)
	}
	return errs.Wrap(errs.ErrRemoteAPI, err, format, args...)
}
