package docsync

import (
	"context"
	"errors"
	"testing"

	"paperhub/internal/errs"
	"paperhub/internal/etherpad"
	"paperhub/internal/etherpad/etherpadtest"
	"paperhub/internal/repoindex"
	"paperhub/internal/vcs"
)

func newSync(t *testing.T) (*Sync, *etherpadtest.Server) {
	t.Helper()
	server := etherpadtest.NewServer()
	t.Cleanup(server.Close)
	client := etherpad.NewClient(etherpad.Options{BaseURL: server.URL, APIKey: etherpadtest.APIKey})
	return New(client), server
}

func TestEnsureSeedsOnlyOnce(t *testing.T) {
	sync, server := newSync(t)
	ctx := context.Background()

	created, err := sync.Ensure(ctx, "doc-1", "hello")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if !created {
		t.Fatal("expected first Ensure to create the pad")
	}

	created, err = sync.Ensure(ctx, "doc-1", "world")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if created {
		t.Fatal("second Ensure must not create")
	}
	if text, _ := server.Pad("doc-1"); text != "hello" {
		t.Fatalf("expected seed text to survive, got %q", text)
	}
	if server.Calls("createPad") != 1 || server.Calls("setText") != 1 {
		t.Fatalf("expected one create and one setText, got %d/%d", server.Calls("createPad"), server.Calls("setText"))
	}
}

func TestEnsureKeepsEditedPad(t *testing.T) {
	sync, server := newSync(t)
	server.SetPad("doc-1", "edited by someone")

	if _, err := sync.Ensure(context.Background(), "doc-1", "seed"); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if text, _ := server.Pad("doc-1"); text != "edited by someone" {
		t.Fatalf("pad text overwritten: %q", text)
	}
}

func TestEnsureLookupFailureIsNotTreatedAsMissing(t *testing.T) {
	sync, server := newSync(t)
	server.Fail("getLastEdited")

	_, err := sync.Ensure(context.Background(), "doc-1", "hello")
	if !errors.Is(err, errs.ErrRemoteAPI) {
		t.Fatalf("expected ErrRemoteAPI, got %v", err)
	}
	if server.Calls("createPad") != 0 {
		t.Fatal("no pad should be created when the lookup fails")
	}
}

func TestEnsureSeedFailureLeavesEmptyPad(t *testing.T) {
	sync, server := newSync(t)
	server.Fail("setText")

	created, err := sync.Ensure(context.Background(), "doc-1", "hello")
	if !errors.Is(err, errs.ErrRemoteAPI) {
		t.Fatalf("expected ErrRemoteAPI, got %v", err)
	}
	if !created {
		t.Fatal("pad was created before the seed failed")
	}
	if text, ok := server.Pad("doc-1"); !ok || text != "" {
		t.Fatalf("expected empty pad, got %q (exists=%v)", text, ok)
	}
}

func TestDocumentID(t *testing.T) {
	tests := []struct {
		blob     string
		revision string
		want     string
	}{
		{"b2", "", "b2"},
		// sha1("b2_c3")
		{"b2", "c3", "8a894494604f5e7b6fea689e2306cb75367d1c92"},
	}
	for _, tt := range tests {
		if got := DocumentID(tt.blob, tt.revision); got != tt.want {
			t.Errorf("DocumentID(%q, %q) = %q, want %q", tt.blob, tt.revision, got, tt.want)
		}
	}
	if DocumentID("b2", "c3") == DocumentID("b2", "c2") {
		t.Error("different revisions must produce different ids")
	}
}

type stubSource struct {
	text  string
	err   error
	calls int
}

func (s *stubSource) Content(_ context.Context, _, _ string) (string, error) {
	s.calls++
	return s.text, s.err
}

func TestInitialize(t *testing.T) {
	sync, server := newSync(t)
	file := repoindex.File{Repo: vcs.Repo{Owner: "octo", Name: "paper"}, Path: "docs/paper.md", BlobSHA: "b2"}
	source := &stubSource{text: "# Paper\n"}

	id, err := sync.Initialize(context.Background(), source, file, "")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if id != "b2" {
		t.Fatalf("expected head identity b2, got %s", id)
	}
	if text, _ := server.Pad("b2"); text != "# Paper\n" {
		t.Fatalf("unexpected pad text %q", text)
	}

	revID, err := sync.Initialize(context.Background(), source, file, "c1")
	if err != nil {
		t.Fatalf("Initialize(c1) error = %v", err)
	}
	if revID != DocumentID("b2", "c1") {
		t.Fatalf("unexpected revision identity %s", revID)
	}
}

func TestInitializeAbortsOnContentFailure(t *testing.T) {
	sync, server := newSync(t)
	file := repoindex.File{Path: "docs/paper.md", BlobSHA: "b2"}
	source := &stubSource{err: errs.Wrap(errs.ErrNotFound, nil, "revision c9")}

	_, err := sync.Initialize(context.Background(), source, file, "c9")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if server.Calls("getLastEdited") != 0 {
		t.Fatal("no pad call expected after a failed content fetch")
	}
}
