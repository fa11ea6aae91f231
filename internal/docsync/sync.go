// Package docsync seeds collaborative pads with resolved revision content.
// A pad is created and seeded once; after that its own text is authoritative.
package docsync

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"log"

	"paperhub/internal/errs"
	"paperhub/internal/repoindex"
)

// Pads is the collaborative document store.
type Pads interface {
	LastEdited(ctx context.Context, padID string) (int64, error)
	CreatePad(ctx context.Context, padID string) error
	SetText(ctx context.Context, padID, text string) error
	GetText(ctx context.Context, padID string) (string, error)
}

// ContentSource resolves the text of a path at a revision.
type ContentSource interface {
	Content(ctx context.Context, path, revisionID string) (string, error)
}

type Sync struct {
	pads Pads
}

func New(pads Pads) *Sync {
	return &Sync{pads: pads}
}

// DocumentID is the blob sha for the head revision, or the hex sha1 of
// "<blobSha>_<revisionID>" for an explicit revision.
func DocumentID(blobSHA, revisionID string) string {
	if revisionID == "" {
		return blobSHA
	}
	sum := sha1.Sum([]byte(blobSHA + "_" + revisionID))
	return hex.EncodeToString(sum[:])
}

// Ensure creates the pad and seeds it with text unless it already exists.
// It reports whether this call created the pad. A failure between create and
// seed leaves an empty pad behind.
func (s *Sync) Ensure(ctx context.Context, documentID, text string) (bool, error) {
	_, err := s.pads.LastEdited(ctx, documentID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return false, err
	}

	if err := s.pads.CreatePad(ctx, documentID); err != nil {
		return false, err
	}
	if err := s.pads.SetText(ctx, documentID, text); err != nil {
		log.Printf("docsync: pad %s created but not seeded: %v", documentID, err)
		return true, err
	}
	return true, nil
}

// Initialize resolves the file's content at revisionID and makes sure a pad
// holds it. It returns the document identity.
func (s *Sync) Initialize(ctx context.Context, source ContentSource, file repoindex.File, revisionID string) (string, error) {
	text, err := source.Content(ctx, file.Path, revisionID)
	if err != nil {
		return "", err
	}
	documentID := DocumentID(file.BlobSHA, revisionID)
	if _, err := s.Ensure(ctx, documentID, text); err != nil {
		return "", err
	}
	return documentID, nil
}
