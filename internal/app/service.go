package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"paperhub/internal/cache"
	"paperhub/internal/config"
	"paperhub/internal/docsync"
	"paperhub/internal/errs"
	"paperhub/internal/render"
	"paperhub/internal/repoindex"
	"paperhub/internal/revision"
	"paperhub/internal/vcs"
)

// DefaultScope is used when a request names no cache scope.
const DefaultScope = "anonymous"

// Pads is the collaborative store as seen by the service.
type Pads interface {
	docsync.Pads
	CheckToken(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Document struct {
	ID       string   `json:"id"`
	Repo     vcs.Repo `json:"repo"`
	Path     string   `json:"path"`
	BlobSHA  string   `json:"blobSha"`
	Revision string   `json:"revision,omitempty"`
}

type Artifact struct {
	DocumentID string       `json:"documentId"`
	Path       string       `json:"path"`
	Stage      render.Stage `json:"stage"`
}

type Service struct {
	cfg      config.Config
	backend  cache.Backend
	ttl      time.Duration
	remote   vcs.Remote
	pads     Pads
	sync     *docsync.Sync
	pipeline *render.Pipeline
}

func New(cfg config.Config, backend cache.Backend, remote vcs.Remote, pads Pads, pipeline *render.Pipeline) *Service {
	return &Service{
		cfg:      cfg,
		backend:  backend,
		ttl:      cfg.CacheTTL,
		remote:   remote,
		pads:     pads,
		sync:     docsync.New(pads),
		pipeline: pipeline,
	}
}

func (s *Service) scope(scopeID string) *cache.Scope {
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" {
		scopeID = DefaultScope
	}
	return cache.NewScope(s.backend, scopeID, s.ttl)
}

// ListRepositories lists the repositories the configured credentials can see.
func (s *Service) ListRepositories(ctx context.Context) ([]vcs.RepositoryData, error) {
	repos, err := s.remote.ListRepositories(ctx)
	if err != nil {
		return nil, err
	}
	if repos == nil {
		repos = []vcs.RepositoryData{}
	}
	return repos, nil
}

// ListFiles lists the blobs at the head of branch, or of the default branch
// when branch is empty.
func (s *Service) ListFiles(ctx context.Context, scopeID string, repo vcs.Repo, branch string, recursive bool) (vcs.BranchData, []repoindex.File, error) {
	index := repoindex.New(s.scope(scopeID), s.remote, repo)

	var resolved vcs.BranchData
	var err error
	if strings.TrimSpace(branch) == "" {
		resolved, err = index.DefaultBranch(ctx)
	} else {
		resolved, err = index.Branch(ctx, branch)
	}
	if err != nil {
		return vcs.BranchData{}, nil, err
	}
	files, err := index.FilesAt(ctx, resolved, recursive)
	if err != nil {
		return vcs.BranchData{}, nil, err
	}
	return resolved, files, nil
}

// ListTreeFiles lists the blobs of a tree addressed directly by sha.
func (s *Service) ListTreeFiles(ctx context.Context, scopeID string, repo vcs.Repo, treeSHA string, recursive bool) ([]repoindex.File, error) {
	return repoindex.New(s.scope(scopeID), s.remote, repo).FilesAtTree(ctx, treeSHA, recursive)
}

// ListRevisions returns the history of path newest first, without content.
func (s *Service) ListRevisions(ctx context.Context, scopeID string, repo vcs.Repo, path string) ([]revision.Revision, error) {
	revisions, err := revision.New(s.scope(scopeID), s.remote, repo).Revisions(ctx, path)
	if err != nil {
		return nil, err
	}
	out := make([]revision.Revision, len(revisions))
	for i, rev := range revisions {
		out[i] = revision.Revision{SHA: rev.SHA, PrevSHA: rev.PrevSHA}
	}
	return out, nil
}

// OpenDocument makes sure a pad holds the file's content at revisionID. An
// empty blobSHA is looked up in the default branch.
func (s *Service) OpenDocument(ctx context.Context, scopeID string, repo vcs.Repo, path, blobSHA, revisionID string) (Document, error) {
	scope := s.scope(scopeID)
	file := repoindex.File{Repo: repo, Path: path, BlobSHA: blobSHA}
	if strings.TrimSpace(blobSHA) == "" {
		found, err := s.lookupFile(ctx, repoindex.New(scope, s.remote, repo), path)
		if err != nil {
			return Document{}, err
		}
		file = found
	}

	resolver := revision.New(scope, s.remote, repo)
	documentID, err := s.sync.Initialize(ctx, resolver, file, revisionID)
	if err != nil {
		return Document{}, err
	}
	return Document{
		ID:       documentID,
		Repo:     repo,
		Path:     file.Path,
		BlobSHA:  file.BlobSHA,
		Revision: revisionID,
	}, nil
}

func (s *Service) lookupFile(ctx context.Context, index *repoindex.Index, path string) (repoindex.File, error) {
	branch, err := index.DefaultBranch(ctx)
	if err != nil {
		return repoindex.File{}, err
	}
	files, err := index.FilesAt(ctx, branch, true)
	if err != nil {
		return repoindex.File{}, err
	}
	for _, file := range files {
		if file.Path == path {
			return file, nil
		}
	}
	return repoindex.File{}, errs.Wrap(errs.ErrNotFound, nil, "%s not on %s", path, branch.Name)
}

// Status reports how far the document has been rendered.
func (s *Service) Status(documentID string, repo vcs.Repo, path string) Artifact {
	target := render.Target{DocumentID: documentID, Repo: repo, Path: path}
	return Artifact{DocumentID: documentID, Path: s.pipeline.LocalPath(target), Stage: s.pipeline.Stage(target)}
}

func (s *Service) Convert(ctx context.Context, documentID string, repo vcs.Repo, path string) (Artifact, error) {
	target := render.Target{DocumentID: documentID, Repo: repo, Path: path}
	pdf, err := s.pipeline.Convert(ctx, target)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{DocumentID: documentID, Path: pdf, Stage: s.pipeline.Stage(target)}, nil
}

// Preview returns the local path of the page's PNG.
func (s *Service) Preview(ctx context.Context, documentID string, repo vcs.Repo, path string, page int) (string, error) {
	return s.pipeline.Preview(ctx, render.Target{DocumentID: documentID, Repo: repo, Path: path}, page)
}

// Checks pings each backing service; a nil value means healthy.
func (s *Service) Checks(ctx context.Context) map[string]error {
	checks := map[string]error{"cache": nil, "pads": nil}
	if p, ok := s.backend.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			checks["cache"] = errs.Wrap(errs.ErrCache, err, "ping cache")
		}
	}
	if err := s.pads.CheckToken(ctx); err != nil {
		checks["pads"] = err
	}
	return checks
}

func (s *Service) Ping(ctx context.Context) error {
	checks := s.Checks(ctx)
	return errors.Join(checks["cache"], checks["pads"])
}
