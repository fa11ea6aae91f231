package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"paperhub/internal/cache"
	"paperhub/internal/config"
	"paperhub/internal/docsync"
	"paperhub/internal/errs"
	"paperhub/internal/etherpad"
	"paperhub/internal/etherpad/etherpadtest"
	"paperhub/internal/render"
	"paperhub/internal/vcs"
	"paperhub/internal/vcs/vcstest"
)

type fakeConverter struct {
	calls atomic.Int32
	err   error
}

func (c *fakeConverter) Convert(_ context.Context, in, out string) error {
	c.calls.Add(1)
	if c.err != nil {
		return c.err
	}
	body, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, append([]byte("%PDF-"), body...), 0o644)
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(_ context.Context, _ string, page int, out string) error {
	return os.WriteFile(out, []byte("png-"+string(rune('0'+page))), 0o644)
}

type testEnv struct {
	server    *HTTPServer
	redis     *miniredis.Miniredis
	remote    *vcstest.Remote
	pads      *etherpadtest.Server
	converter *fakeConverter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	redis := miniredis.RunT(t)
	backend, err := cache.NewRedisBackend("redis://" + redis.Addr())
	if err != nil {
		t.Fatalf("failed to create redis backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	remote := vcstest.New()
	remote.Repository = vcs.RepositoryData{Name: "paper", FullName: "octo/paper", DefaultBranch: "main"}
	remote.Branches["main"] = vcs.BranchData{Name: "main", HeadCommitSHA: "c3", TreeSHA: "t3"}
	remote.Trees["t3"] = vcs.TreeData{SHA: "t3", Entries: []vcs.TreeEntry{
		{Path: "README.md", Type: vcs.EntryBlob, BlobSHA: "b0"},
		{Path: "docs", Type: vcs.EntryTree, BlobSHA: "t-docs"},
		{Path: "docs/paper.md", Type: vcs.EntryBlob, BlobSHA: "b2"},
	}}
	remote.Commits["docs/paper.md"] = []vcs.CommitData{
		{SHA: "c3", ParentSHAs: []string{"c1"}},
		{SHA: "c1"},
	}
	remote.Comparisons["c1...c3"] = vcs.Comparison{Status: "ahead", Files: []vcs.ChangedFile{
		{Filename: "docs/paper.md", Status: "modified", RawURL: "raw://c3/docs/paper.md"},
	}}
	remote.Comparisons["c1...c1"] = vcs.Comparison{Status: vcs.StatusIdentical}
	remote.Raw["raw://c3/docs/paper.md"] = "v2\n"
	remote.Contents["docs/paper.md@c1"] = "v1\n"

	pads := etherpadtest.NewServer()
	t.Cleanup(pads.Close)
	client := etherpad.NewClient(etherpad.Options{BaseURL: pads.URL, APIKey: etherpadtest.APIKey})

	converter := &fakeConverter{}
	pipeline := render.New(t.TempDir(), client, converter, fakeExtractor{})
	service := New(config.Config{CacheTTL: time.Hour}, backend, remote, client, pipeline)

	return &testEnv{
		server:    NewHTTPServer(service, "*"),
		redis:     redis,
		remote:    remote,
		pads:      pads,
		converter: converter,
	}
}

func (e *testEnv) do(t *testing.T, method, target string, body any, scope string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if scope != "" {
		req.Header.Set(ScopeHeader, scope)
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return response
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/health", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if ok := decodeResponse(t, rr)["ok"]; ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/ready", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	response := decodeResponse(t, rr)
	if response["status"] != "ready" {
		t.Errorf("expected status=ready, got %v", response["status"])
	}
	checks := response["checks"].(map[string]any)
	for _, name := range []string{"cache", "pads"} {
		check := checks[name].(map[string]any)
		if check["status"] != "ok" {
			t.Errorf("expected %s ok, got %v", name, check)
		}
	}
}

func TestReadyEndpointCacheDown(t *testing.T) {
	env := newTestEnv(t)
	env.redis.Close()

	rr := env.do(t, http.MethodGet, "/api/ready", nil, "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["ok"] != false || response["status"] != "not_ready" {
		t.Fatalf("unexpected response %v", response)
	}
	cacheCheck := response["checks"].(map[string]any)["cache"].(map[string]any)
	if cacheCheck["status"] != "error" || cacheCheck["error"] == "" {
		t.Fatalf("expected cache error, got %v", cacheCheck)
	}
}

func TestListFilesDefaultBranch(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/repos/octo/paper/files?recursive=true", nil, "client-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	response := decodeResponse(t, rr)
	if branch := response["branch"].(map[string]any); branch["name"] != "main" {
		t.Fatalf("expected default branch main, got %v", branch)
	}
	files := response["files"].([]any)
	if len(files) != 2 {
		t.Fatalf("expected 2 blobs, got %v", files)
	}
	if !env.redis.Exists("scope:client-1") {
		t.Fatal("expected the request scope to be cached")
	}

	before := env.remote.TotalCalls()
	rr = env.do(t, http.MethodGet, "/api/repos/octo/paper/files?recursive=true", nil, "client-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if env.remote.TotalCalls() != before {
		t.Fatal("second listing in the same scope must not reach the remote")
	}
}

func TestListFilesDefaultScope(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/repos/octo/paper/files?branch=main", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !env.redis.Exists("scope:" + DefaultScope) {
		t.Fatal("expected the anonymous scope")
	}
}

func TestListFilesUnknownBranch(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/repos/octo/paper/files?branch=nope", nil, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	if code := decodeResponse(t, rr)["code"]; code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %v", code)
	}
}

func TestListFilesByTree(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/repos/octo/paper/files?tree=t3", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if files := decodeResponse(t, rr)["files"].([]any); len(files) != 1 {
		t.Fatalf("expected the top-level blob only, got %v", files)
	}

	rr = env.do(t, http.MethodGet, "/api/repos/octo/paper/files?tree=t3&recursive=true", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if files := decodeResponse(t, rr)["files"].([]any); len(files) != 2 {
		t.Fatalf("expected 2 blobs, got %v", files)
	}
	if env.remote.Calls("GetBranch") != 0 {
		t.Fatal("a tree listing must not resolve a branch")
	}
}

func TestListFilesBadRecursive(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/repos/octo/paper/files?recursive=maybe", nil, "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
}

func TestListRevisionsOmitsContent(t *testing.T) {
	env := newTestEnv(t)

	// Fill the cached content of the head revision first.
	rr := env.do(t, http.MethodPost, "/api/repos/octo/paper/documents", map[string]string{"path": "docs/paper.md", "blobSha": "b2"}, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("open document: %d %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/api/repos/octo/paper/revisions?path=docs/paper.md", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	revisions := decodeResponse(t, rr)["revisions"].([]any)
	if len(revisions) != 2 {
		t.Fatalf("expected 2 revisions, got %v", revisions)
	}
	head := revisions[0].(map[string]any)
	if head["sha"] != "c3" || head["prevSha"] != "c1" {
		t.Fatalf("unexpected head revision %v", head)
	}
	if _, ok := head["content"]; ok {
		t.Fatal("revision listing must not carry content")
	}
}

func TestListRevisionsRequiresPath(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/repos/octo/paper/revisions", nil, "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
}

func TestOpenDocumentSeedsPadOnce(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]string{"path": "docs/paper.md", "blobSha": "b2", "revision": "c1"}

	rr := env.do(t, http.MethodPost, "/api/repos/octo/paper/documents", body, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	doc := decodeResponse(t, rr)["document"].(map[string]any)
	wantID := docsync.DocumentID("b2", "c1")
	if doc["id"] != wantID {
		t.Fatalf("expected id %s, got %v", wantID, doc["id"])
	}
	if text, ok := env.pads.Pad(wantID); !ok || text != "v1\n" {
		t.Fatalf("expected seeded pad, got %q (%v)", text, ok)
	}

	env.pads.SetPad(wantID, "edited")
	rr = env.do(t, http.MethodPost, "/api/repos/octo/paper/documents", body, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if text, _ := env.pads.Pad(wantID); text != "edited" {
		t.Fatalf("reopening must not overwrite edits, got %q", text)
	}
	if env.pads.Calls("setText") != 1 {
		t.Fatalf("expected one setText, got %d", env.pads.Calls("setText"))
	}
}

func TestOpenDocumentLooksUpBlob(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/repos/octo/paper/documents", map[string]string{"path": "docs/paper.md"}, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	doc := decodeResponse(t, rr)["document"].(map[string]any)
	if doc["blobSha"] != "b2" || doc["id"] != "b2" {
		t.Fatalf("expected blob b2 from the default branch, got %v", doc)
	}
	if text, _ := env.pads.Pad("b2"); text != "v2\n" {
		t.Fatalf("expected head content, got %q", text)
	}
}

func TestOpenNestedFileAfterFlatListing(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/repos/octo/paper/files", nil, "client-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if files := decodeResponse(t, rr)["files"].([]any); len(files) != 1 {
		t.Fatalf("expected a flat listing, got %v", files)
	}

	rr = env.do(t, http.MethodPost, "/api/repos/octo/paper/documents", map[string]string{"path": "docs/paper.md"}, "client-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if doc := decodeResponse(t, rr)["document"].(map[string]any); doc["blobSha"] != "b2" {
		t.Fatalf("expected nested blob b2, got %v", doc)
	}
}

func TestListRepositories(t *testing.T) {
	env := newTestEnv(t)
	env.remote.Repositories = []vcs.RepositoryData{
		{Name: "paper", FullName: "octo/paper", DefaultBranch: "main"},
		{Name: "notes", FullName: "octo/notes", DefaultBranch: "trunk"},
	}

	rr := env.do(t, http.MethodGet, "/api/repos", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	repos := decodeResponse(t, rr)["repositories"].([]any)
	if len(repos) != 2 {
		t.Fatalf("expected 2 repositories, got %v", repos)
	}
	if first := repos[0].(map[string]any); first["fullName"] != "octo/paper" {
		t.Fatalf("unexpected first repository %v", first)
	}

	env.remote.Err = errs.Wrap(errs.ErrRemoteAPI, nil, "bad credentials")
	rr = env.do(t, http.MethodGet, "/api/repos", nil, "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", rr.Code)
	}
}

func TestOpenDocumentUnknownRevision(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/api/repos/octo/paper/documents", map[string]string{"path": "docs/paper.md", "blobSha": "b2", "revision": "zzz"}, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestOpenDocumentInvalidBody(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/repos/octo/paper/documents", strings.NewReader("{"))
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestRemoteFailureIsBadGateway(t *testing.T) {
	env := newTestEnv(t)
	env.remote.Err = errs.Wrap(errs.ErrRemoteAPI, nil, "host unreachable")

	rr := env.do(t, http.MethodGet, "/api/repos/octo/paper/files", nil, "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", rr.Code)
	}
}

func TestCacheFailureIsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.redis.SetError("ERR cache unavailable")

	rr := env.do(t, http.MethodGet, "/api/repos/octo/paper/files", nil, "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	if env.remote.TotalCalls() != 0 {
		t.Fatal("remote must not be contacted when the cache fails")
	}
}

func TestConvertAndPreview(t *testing.T) {
	env := newTestEnv(t)
	env.pads.SetPad("doc-1", "# Paper\n")

	rr := env.do(t, http.MethodGet, "/api/documents/doc-1?repo=octo/paper&path=docs/paper.md", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d", rr.Code)
	}
	if stage := decodeResponse(t, rr)["artifact"].(map[string]any)["stage"]; stage != string(render.StageNoLocalCopy) {
		t.Fatalf("expected no local copy, got %v", stage)
	}

	rr = env.do(t, http.MethodPost, "/api/documents/doc-1/convert?repo=octo/paper&path=docs/paper.md", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	artifact := decodeResponse(t, rr)["artifact"].(map[string]any)
	if artifact["stage"] != string(render.StageConverted) || !strings.HasSuffix(artifact["path"].(string), "paper.md.pdf") {
		t.Fatalf("unexpected artifact %v", artifact)
	}

	rr = env.do(t, http.MethodGet, "/api/documents/doc-1/preview/1?repo=octo/paper&path=docs/paper.md", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Content-Type") != "image/png" || rr.Body.String() != "png-1" {
		t.Fatalf("unexpected preview %q (%s)", rr.Body.String(), rr.Header().Get("Content-Type"))
	}
	if env.converter.calls.Load() != 1 {
		t.Fatalf("preview after convert must not convert again, got %d", env.converter.calls.Load())
	}
}

func TestConvertToolchainFailure(t *testing.T) {
	env := newTestEnv(t)
	env.pads.SetPad("doc-1", "\\begin{broken}")
	env.converter.err = &errs.ToolchainError{Tool: "compile-document.sh", Diagnostic: "! Emergency stop."}

	rr := env.do(t, http.MethodPost, "/api/documents/doc-1/convert?repo=octo/paper&path=paper.tex", nil, "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	details := response["details"].(map[string]any)
	if response["code"] != "TOOLCHAIN_FAILED" || details["diagnostic"] != "! Emergency stop." {
		t.Fatalf("unexpected response %v", response)
	}
}

func TestPreviewUnknownPad(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/documents/missing/preview/0?repo=octo/paper&path=docs/paper.md", nil, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestDocumentRoutesValidateTarget(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		target string
	}{
		{"missing repo", http.MethodPost, "/api/documents/doc-1/convert?path=a.md"},
		{"bad repo", http.MethodPost, "/api/documents/doc-1/convert?repo=octo&path=a.md"},
		{"missing path", http.MethodGet, "/api/documents/doc-1/preview/0?repo=octo/paper"},
		{"bad page", http.MethodGet, "/api/documents/doc-1/preview/first?repo=octo/paper&path=a.md"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, tt.method, tt.target, nil, "")
			if rr.Code != http.StatusUnprocessableEntity {
				t.Fatalf("expected status 422, got %d", rr.Code)
			}
		})
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/nothing", nil, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", errs.Wrap(errs.ErrNotFound, nil, "branch x"), http.StatusNotFound, "NOT_FOUND"},
		{"remote", errs.Wrap(errs.ErrRemoteAPI, nil, "timeout"), http.StatusBadGateway, "REMOTE_API_ERROR"},
		{"cache", errs.Wrap(errs.ErrCache, nil, "down"), http.StatusServiceUnavailable, "CACHE_UNAVAILABLE"},
		{"toolchain", &errs.ToolchainError{Tool: "magick"}, http.StatusUnprocessableEntity, "TOOLCHAIN_FAILED"},
		{"missing artifact", errs.Wrap(errs.ErrMissingArtifact, nil, "pdf"), http.StatusConflict, "MISSING_ARTIFACT"},
		{"filesystem", errs.Wrap(errs.ErrFilesystem, nil, "disk full"), http.StatusInternalServerError, "FILESYSTEM_ERROR"},
		{"domain", domainError(http.StatusTeapot, "TEAPOT", "short and stout", nil), http.StatusTeapot, "TEAPOT"},
		{"unknown", context.Canceled, http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, _, _ := mapError(tt.err)
			if status != tt.status || code != tt.code {
				t.Fatalf("mapError() = %d %s, want %d %s", status, code, tt.status, tt.code)
			}
		})
	}
}

func TestMissingArtifactCarriesHint(t *testing.T) {
	_, _, _, details := mapError(errs.Wrap(errs.ErrMissingArtifact, nil, "paper.md.pdf absent"))
	hint, _ := details.(map[string]any)["hint"].(string)
	if !strings.Contains(hint, "rerun convert") {
		t.Fatalf("expected rerun hint, got %v", details)
	}
}

func TestServicePing(t *testing.T) {
	env := newTestEnv(t)

	if err := env.server.service.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	env.pads.Fail("checkToken")
	if err := env.server.service.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping to report the pad service")
	}
}
