// Package render turns a collaborative document into local artifacts: the
// materialized text, a PDF and per-page PNG previews. The stage of a document
// is read from which artifacts exist on disk.
package render

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"paperhub/internal/errs"
	"paperhub/internal/vcs"
)

type Stage string

const (
	StageNoLocalCopy      Stage = "no_local_copy"
	StageMaterialized     Stage = "materialized"
	StageConverted        Stage = "converted"
	StagePreviewExtracted Stage = "preview_extracted"
)

// Target names one document and where its artifacts live.
type Target struct {
	DocumentID string
	Repo       vcs.Repo
	Path       string
}

// TextSource yields the current text of a document.
type TextSource interface {
	GetText(ctx context.Context, padID string) (string, error)
}

// Converter renders the file at in to a PDF at out.
type Converter interface {
	Convert(ctx context.Context, in, out string) error
}

// Extractor renders one zero-based page of a PDF to a PNG.
type Extractor interface {
	Extract(ctx context.Context, pdf string, page int, out string) error
}

// Publisher receives artifacts after they are produced.
type Publisher interface {
	Publish(ctx context.Context, key, localPath, contentType string) (string, error)
}

type Pipeline struct {
	workspace string
	text      TextSource
	converter Converter
	extractor Extractor
	publisher Publisher

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

type Option func(*Pipeline)

// WithPublisher uploads every produced PDF and PNG.
func WithPublisher(publisher Publisher) Option {
	return func(p *Pipeline) {
		p.publisher = publisher
	}
}

func New(workspace string, text TextSource, converter Converter, extractor Extractor, opts ...Option) *Pipeline {
	p := &Pipeline{
		workspace: workspace,
		text:      text,
		converter: converter,
		extractor: extractor,
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// LocalPath is <workspace>/<owner>/<repo>/<path>. The tracked path cannot
// climb out of the repository directory.
func (p *Pipeline) LocalPath(t Target) string {
	rel := filepath.Clean("/" + filepath.FromSlash(t.Path))
	return filepath.Join(p.workspace, t.Repo.Owner, t.Repo.Name, rel)
}

func (p *Pipeline) PDFPath(t Target) string {
	return p.LocalPath(t) + ".pdf"
}

func (p *Pipeline) PagePath(t Target, page int) string {
	return fmt.Sprintf("%s.%d.png", p.LocalPath(t), page)
}

// Stage reports how far the document has been rendered.
func (p *Pipeline) Stage(t Target) Stage {
	local := p.LocalPath(t)
	if !exists(local) {
		return StageNoLocalCopy
	}
	if !exists(local + ".pdf") {
		return StageMaterialized
	}
	entries, err := os.ReadDir(filepath.Dir(local))
	if err != nil {
		return StageConverted
	}
	prefix := filepath.Base(local) + "."
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".png") && !entry.IsDir() {
			return StagePreviewExtracted
		}
	}
	return StageConverted
}

// Materialize writes the document's current text to LocalPath.
func (p *Pipeline) Materialize(ctx context.Context, t Target) (string, error) {
	lock := p.pathLock(p.LocalPath(t))
	lock.Lock()
	defer lock.Unlock()
	return p.materialize(ctx, t)
}

// Convert materializes the document and renders it to PDF.
func (p *Pipeline) Convert(ctx context.Context, t Target) (string, error) {
	lock := p.pathLock(p.LocalPath(t))
	lock.Lock()
	defer lock.Unlock()

	local, err := p.materialize(ctx, t)
	if err != nil {
		return "", err
	}
	return p.convert(ctx, t, local)
}

// Preview produces the PNG of one page, converting first when no PDF exists.
func (p *Pipeline) Preview(ctx context.Context, t Target, page int) (string, error) {
	if page < 0 {
		return "", errs.Wrap(errs.ErrNotFound, nil, "page %d", page)
	}
	pdf, err := p.ensurePDF(ctx, t)
	if err != nil {
		return "", err
	}
	return p.extract(ctx, t, pdf, page)
}

// PreviewPages converts at most once, then extracts the pages concurrently.
// The first failure cancels the remaining extractions.
func (p *Pipeline) PreviewPages(ctx context.Context, t Target, pages []int) ([]string, error) {
	for _, page := range pages {
		if page < 0 {
			return nil, errs.Wrap(errs.ErrNotFound, nil, "page %d", page)
		}
	}
	pdf, err := p.ensurePDF(ctx, t)
	if err != nil {
		return nil, err
	}

	out := make([]string, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	for i, page := range pages {
		g.Go(func() error {
			png, err := p.extract(gctx, t, pdf, page)
			if err != nil {
				return err
			}
			out[i] = png
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pipeline) ensurePDF(ctx context.Context, t Target) (string, error) {
	lock := p.pathLock(p.LocalPath(t))
	lock.Lock()
	defer lock.Unlock()

	local, err := p.materialize(ctx, t)
	if err != nil {
		return "", err
	}
	pdf := local + ".pdf"
	if exists(pdf) {
		return pdf, nil
	}
	if _, err := p.convert(ctx, t, local); err != nil {
		return "", err
	}
	if !exists(pdf) {
		return "", errs.Wrap(errs.ErrMissingArtifact, nil, "%s absent after convert; rerun convert", pdf)
	}
	return pdf, nil
}

func (p *Pipeline) materialize(ctx context.Context, t Target) (string, error) {
	local := p.LocalPath(t)
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return "", errs.Wrap(errs.ErrFilesystem, err, "create workspace dir")
	}
	text, err := p.text.GetText(ctx, t.DocumentID)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(local, []byte(text), 0o644); err != nil {
		return "", errs.Wrap(errs.ErrFilesystem, err, "write %s", local)
	}
	return local, nil
}

func (p *Pipeline) convert(ctx context.Context, t Target, local string) (string, error) {
	pdf := local + ".pdf"
	if err := p.converter.Convert(ctx, local, pdf); err != nil {
		return "", err
	}
	p.publish(ctx, t, pdf, "application/pdf")
	return pdf, nil
}

func (p *Pipeline) extract(ctx context.Context, t Target, pdf string, page int) (string, error) {
	png := p.PagePath(t, page)
	if err := p.extractor.Extract(ctx, pdf, page, png); err != nil {
		return "", err
	}
	p.publish(ctx, t, png, "image/png")
	return png, nil
}

func (p *Pipeline) publish(ctx context.Context, t Target, path, contentType string) {
	if p.publisher == nil || !exists(path) {
		return
	}
	key := t.DocumentID + "/" + filepath.Base(path)
	if _, err := p.publisher.Publish(ctx, key, path, contentType); err != nil {
		log.Printf("render: publish %s: %v", key, err)
	}
}

// pathLock serializes work on one LocalPath, whatever the document id.
// Entries are never evicted.
func (p *Pipeline) pathLock(local string) *sync.Mutex {
	p.lockMu.Lock()
	defer p.lockMu.Unlock()
	lock, ok := p.locks[local]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	p.locks[local] = lock
	return lock
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
