// Package revision lists the history of a tracked path and resolves the
// content of any revision, caching both in the client's scope.
package revision

import (
	"context"
	"encoding/base64"
	"strings"

	"paperhub/internal/cache"
	"paperhub/internal/errs"
	"paperhub/internal/vcs"
)

// BucketRevisions holds one revision list per tracked path.
const BucketRevisions = "revisions"

// Revision is one historical version of a tracked path. Content is filled the
// first time the revision is resolved and never changes afterwards.
type Revision struct {
	SHA     string  `json:"sha"`
	PrevSHA string  `json:"prevSha,omitempty"`
	Content *string `json:"content,omitempty"`
}

type Resolver struct {
	scope  *cache.Scope
	remote vcs.Remote
	repo   vcs.Repo
}

func New(scope *cache.Scope, remote vcs.Remote, repo vcs.Repo) *Resolver {
	return &Resolver{scope: scope, remote: remote, repo: repo}
}

// PathKey qualifies a tracked path with its repository inside the bucket.
func PathKey(repo vcs.Repo, path string) string {
	return repo.FullName() + ":" + path
}

// Revisions returns the revisions of path, newest first.
func (r *Resolver) Revisions(ctx context.Context, path string) ([]Revision, error) {
	bucket, err := r.bucket(ctx)
	if err != nil {
		return nil, err
	}
	key := PathKey(r.repo, path)
	if revisions, ok := bucket[key]; ok {
		return revisions, nil
	}

	commits, err := r.remote.ListCommits(ctx, r.repo, path)
	if err != nil {
		return nil, err
	}
	revisions := make([]Revision, 0, len(commits))
	for _, commit := range commits {
		rev := Revision{SHA: commit.SHA}
		if len(commit.ParentSHAs) > 0 {
			rev.PrevSHA = commit.ParentSHAs[0]
		}
		revisions = append(revisions, rev)
	}

	bucket[key] = revisions
	if err := r.scope.Store(ctx, BucketRevisions, bucket); err != nil {
		return nil, err
	}
	return revisions, nil
}

// Resolve finds revisionID in the history of path. An empty id resolves to
// the most recent revision.
func (r *Resolver) Resolve(ctx context.Context, path, revisionID string) (Revision, error) {
	revisions, err := r.Revisions(ctx, path)
	if err != nil {
		return Revision{}, err
	}
	if revisionID == "" {
		if len(revisions) == 0 {
			return Revision{}, errs.Wrap(errs.ErrNotFound, nil, "%s has no revisions", path)
		}
		return revisions[0], nil
	}
	for _, rev := range revisions {
		if rev.SHA == revisionID {
			return rev, nil
		}
	}
	return Revision{}, errs.Wrap(errs.ErrNotFound, nil, "revision %s of %s", revisionID, path)
}

// Content returns the text of path at revisionID. Cached content is returned
// without contacting the remote.
func (r *Resolver) Content(ctx context.Context, path, revisionID string) (string, error) {
	rev, err := r.Resolve(ctx, path, revisionID)
	if err != nil {
		return "", err
	}
	if rev.Content != nil {
		return *rev.Content, nil
	}

	content, err := r.fetch(ctx, path, rev)
	if err != nil {
		return "", err
	}
	if err := r.storeContent(ctx, path, rev.SHA, content); err != nil {
		return "", err
	}
	return content, nil
}

// fetch compares the revision with its parent. When the path did not change
// the content comes from the content-by-path endpoint, otherwise from the
// changed file's raw location.
func (r *Resolver) fetch(ctx context.Context, path string, rev Revision) (string, error) {
	base := rev.PrevSHA
	if base == "" {
		base = rev.SHA
	}
	cmp, err := r.remote.CompareCommits(ctx, r.repo, base, rev.SHA)
	if err != nil {
		return "", err
	}

	if cmp.Status == vcs.StatusIdentical {
		encoded, err := r.remote.GetContentAtPath(ctx, r.repo, path, rev.SHA)
		if err != nil {
			return "", err
		}
		if encoded.Encoding == encodingNone {
			return r.download(ctx, path, encoded.DownloadURL)
		}
		return decode(encoded, path)
	}

	file, ok := cmp.File(path)
	if !ok {
		return "", errs.Wrap(errs.ErrNotFound, nil, "%s not among files changed in %s", path, rev.SHA)
	}
	raw, err := r.remote.DownloadRaw(ctx, file.RawURL)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// download fetches a file the content endpoint refused to inline.
func (r *Resolver) download(ctx context.Context, path, url string) (string, error) {
	if url == "" {
		return "", errs.Wrap(errs.ErrRemoteAPI, nil, "%s is too large to inline and has no download url", path)
	}
	raw, err := r.remote.DownloadRaw(ctx, url)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// storeContent writes content into a fresh copy of the cached list. A list
// that is no longer cached is left alone.
func (r *Resolver) storeContent(ctx context.Context, path, sha, content string) error {
	bucket, err := r.bucket(ctx)
	if err != nil {
		return err
	}
	key := PathKey(r.repo, path)
	cached, ok := bucket[key]
	if !ok {
		return nil
	}

	updated := make([]Revision, len(cached))
	copy(updated, cached)
	for i := range updated {
		if updated[i].SHA == sha {
			text := content
			updated[i].Content = &text
			break
		}
	}
	bucket[key] = updated
	return r.scope.Store(ctx, BucketRevisions, bucket)
}

func (r *Resolver) bucket(ctx context.Context) (map[string][]Revision, error) {
	bucket := map[string][]Revision{}
	if _, err := r.scope.Retrieve(ctx, BucketRevisions, &bucket); err != nil {
		return nil, err
	}
	return bucket, nil
}

// encodingNone marks content over the endpoint's inline size limit.
const encodingNone = "none"

func decode(encoded vcs.EncodedContent, path string) (string, error) {
	if encoded.Encoding != "" && encoded.Encoding != "base64" {
		return "", errs.Wrap(errs.ErrRemoteAPI, nil, "unsupported encoding %q for %s", encoded.Encoding, path)
	}
	// The host wraps base64 payloads at 60 columns.
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(encoded.Content, "\n", ""))
	if err != nil {
		return "", errs.Wrap(errs.ErrRemoteAPI, err, "decode content of %s", path)
	}
	return string(raw), nil
}
