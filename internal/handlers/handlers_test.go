package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/PortNumber53/event-post-assistant/internal/models"
	"github.com/PortNumber53/event-post-assistant/internal/openai"
	"github.com/PortNumber53/event-post-assistant/internal/publishing"
	"github.com/PortNumber53/event-post-assistant/internal/scheduler"
	"github.com/PortNumber53/event-post-assistant/internal/store"
)

type stubPublisher struct {
	mu         sync.Mutex
	calls      int
	err        error
	refreshErr error
}

func (p *stubPublisher) RefreshToken(ctx context.Context) (string, error) {
	if p.refreshErr != nil {
		return "", p.refreshErr
	}
	return "stub_token", nil
}

func (p *stubPublisher) Publish(ctx context.Context, content string, images []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

type stubGenerator struct {
	details models.EventDetails
	images  []string
	err     error
}

func (g *stubGenerator) GeneratePost(ctx context.Context, d models.EventDetails, images []string) (*models.GeneratedPost, error) {
	g.details = d
	g.images = images
	if g.err != nil {
		return nil, g.err
	}
	return &models.GeneratedPost{Content: "Generated about " + d.Title, Hashtags: []string{"#event"}}, nil
}

func (g *stubGenerator) AnalyzeWritingStyle(ctx context.Context, samples string) (*models.StyleAnalysis, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &models.StyleAnalysis{WritingPatterns: "short", TonalCharacteristics: "warm", VocabularyInsights: "plain"}, nil
}

type testEnv struct {
	router *mux.Router
	h      *Handler
	store  *store.MemStore
	pub    *stubPublisher
	gen    *stubGenerator
	orch   *publishing.Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	st := store.NewMemStore()
	u, err := store.EnsureDemoUser(context.Background(), st)
	if err != nil {
		t.Fatalf("EnsureDemoUser: %v", err)
	}
	sch := scheduler.New(scheduler.WithLogger(quiet))
	t.Cleanup(sch.Stop)
	pub := &stubPublisher{}
	orch := publishing.New(st, sch, pub)
	orch.Logger = quiet
	gen := &stubGenerator{}

	h := New(Config{Posts: orch, Generator: gen, Users: st, LinkedIn: pub, UserID: u.ID, Environment: "test"})
	orch.OnChange = h.PostChanged
	r := mux.NewRouter()
	RegisterRoutes(h, r)
	return &testEnv{router: r, h: h, store: st, pub: pub, gen: gen, orch: orch}
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) doJSON(t *testing.T, method, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if v != nil {
		b, _ := json.Marshal(v)
		body = bytes.NewReader(b)
	}
	return e.do(t, method, path, body, "application/json")
}

func decodePost(t *testing.T, rr *httptest.ResponseRecorder) models.Post {
	t.Helper()
	var p models.Post
	if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode post: %v body=%s", err, rr.Body.String())
	}
	return p
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func multipartBody(t *testing.T, field, jsonValue string, files map[string][]byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField(field, jsonValue); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	for name, b := range files {
		fw, err := mw.CreateFormFile("images", name)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		_, _ = fw.Write(b)
	}
	_ = mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, "GET", "/health", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body["status"] != "ok" || body["environment"] != "test" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCreatePost_MultipartPublishesImmediately(t *testing.T) {
	e := newTestEnv(t)
	img := tinyPNG(t)
	body, ct := multipartBody(t, "post", `{"title":"Meetup","content":"Great evening","eventLocation":"Berlin"}`, map[string][]byte{"a.png": img})

	rr := e.do(t, "POST", "/api/posts", body, ct)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	p := decodePost(t, rr)
	if p.Status != models.StatusPublished || p.PublishedDate == nil {
		t.Fatalf("expected published post, got %+v", p)
	}
	if len(p.Images) != 1 || p.Images[0] != base64.StdEncoding.EncodeToString(img) {
		t.Fatalf("expected base64 image stored, got %d images", len(p.Images))
	}
	if p.EventLocation == nil || *p.EventLocation != "Berlin" {
		t.Fatalf("expected eventLocation, got %v", p.EventLocation)
	}
	if e.pub.calls != 1 {
		t.Fatalf("expected 1 publish call, got %d", e.pub.calls)
	}
}

func TestCreatePost_JSONScheduled(t *testing.T) {
	e := newTestEnv(t)
	when := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	rr := e.doJSON(t, "POST", "/api/posts", map[string]any{
		"title":        "Conf",
		"content":      "See you there",
		"scheduleDate": when.Format(time.RFC3339),
		"generation":   map[string]any{"content": "See you there", "hashtags": []string{"#conf"}},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	p := decodePost(t, rr)
	if p.Status != models.StatusScheduled || p.ScheduleDate == nil || !p.ScheduleDate.Equal(when) {
		t.Fatalf("expected scheduled at %s, got %+v", when, p)
	}
	if e.pub.calls != 0 {
		t.Fatalf("scheduled post must not publish yet")
	}

	rr = e.do(t, "GET", "/api/posts/scheduled", nil, "")
	var sched []models.Post
	_ = json.Unmarshal(rr.Body.Bytes(), &sched)
	if len(sched) != 1 || sched[0].ID != p.ID {
		t.Fatalf("expected scheduled listing with post %d, got %s", p.ID, rr.Body.String())
	}

	rr = e.do(t, "GET", fmt.Sprintf("/api/posts/%d/generations", p.ID), nil, "")
	var gens []models.PostGeneration
	_ = json.Unmarshal(rr.Body.Bytes(), &gens)
	if rr.Code != http.StatusOK || len(gens) != 1 || gens[0].Hashtags[0] != "#conf" {
		t.Fatalf("expected one generation, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestCreatePost_ValidationErrors(t *testing.T) {
	e := newTestEnv(t)
	cases := []struct {
		name string
		body any
	}{
		{"missing title", map[string]any{"content": "x"}},
		{"bad schedule", map[string]any{"title": "t", "content": "x", "scheduleDate": "tomorrow"}},
		{"bad image", map[string]any{"title": "t", "content": "x", "images": []string{base64.StdEncoding.EncodeToString([]byte("not an image"))}}},
	}
	for _, c := range cases {
		rr := e.doJSON(t, "POST", "/api/posts", c.body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d body=%s", c.name, rr.Code, rr.Body.String())
		}
	}
	posts, _ := e.store.ListPosts(context.Background())
	if len(posts) != 0 {
		t.Fatalf("expected nothing persisted, got %d", len(posts))
	}
}

func TestCreatePost_RejectsNonImageUpload(t *testing.T) {
	e := newTestEnv(t)
	body, ct := multipartBody(t, "post", `{"title":"t","content":"c"}`, map[string][]byte{"a.txt": []byte("hello world")})
	rr := e.do(t, "POST", "/api/posts", body, ct)
	if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "invalid file type") {
		t.Fatalf("expected 400 invalid file type, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestCreatePost_TooManyFiles(t *testing.T) {
	e := newTestEnv(t)
	img := tinyPNG(t)
	files := map[string][]byte{}
	for i := 0; i < maxUploadFiles+1; i++ {
		files[fmt.Sprintf("%d.png", i)] = img
	}
	body, ct := multipartBody(t, "post", `{"title":"t","content":"c"}`, files)
	rr := e.do(t, "POST", "/api/posts", body, ct)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCreatePost_PublishFailureReturnsFailedPost(t *testing.T) {
	e := newTestEnv(t)
	e.pub.err = errors.New("linkedin down")

	rr := e.doJSON(t, "POST", "/api/posts", map[string]any{"title": "t", "content": "c"})
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	var resp publishFailedResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Post == nil || resp.Post.Status != models.StatusFailed || !strings.Contains(resp.Error, "linkedin down") {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}

	e.pub.err = nil
	rr = e.doJSON(t, "POST", fmt.Sprintf("/api/posts/%d/publish", resp.Post.ID), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected republish 200, got %d %s", rr.Code, rr.Body.String())
	}
	if p := decodePost(t, rr); p.Status != models.StatusPublished {
		t.Fatalf("expected published after republish, got %s", p.Status)
	}
}

func TestCancelSchedule_Endpoint(t *testing.T) {
	e := newTestEnv(t)
	when := time.Now().Add(time.Hour).UTC()
	rr := e.doJSON(t, "POST", "/api/posts", map[string]any{"title": "t", "content": "c", "scheduleDate": when.Format(time.RFC3339)})
	p := decodePost(t, rr)

	rr = e.do(t, "DELETE", fmt.Sprintf("/api/posts/%d/schedule", p.ID), nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	if got := decodePost(t, rr); got.Status != models.StatusDraft || got.ScheduleDate == nil {
		t.Fatalf("expected draft with kept scheduleDate, got %+v", got)
	}

	rr = e.do(t, "DELETE", fmt.Sprintf("/api/posts/%d/schedule", p.ID), nil, "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second cancel, got %d", rr.Code)
	}
	rr = e.do(t, "DELETE", "/api/posts/999/schedule", nil, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestGetAndDeletePost(t *testing.T) {
	e := newTestEnv(t)
	rr := e.doJSON(t, "POST", "/api/posts", map[string]any{"title": "t", "content": "c"})
	p := decodePost(t, rr)

	rr = e.do(t, "GET", fmt.Sprintf("/api/posts/%d", p.ID), nil, "")
	if rr.Code != http.StatusOK || decodePost(t, rr).ID != p.ID {
		t.Fatalf("expected post %d, got %d %s", p.ID, rr.Code, rr.Body.String())
	}
	rr = e.do(t, "DELETE", fmt.Sprintf("/api/posts/%d", p.ID), nil, "")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	rr = e.do(t, "GET", fmt.Sprintf("/api/posts/%d", p.ID), nil, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
	rr = e.do(t, "GET", "/api/posts", nil, "")
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %s", rr.Body.String())
	}
}

func TestGeneratePost_Multipart(t *testing.T) {
	e := newTestEnv(t)
	body, ct := multipartBody(t, "details", `{"title":"GopherCon","description":"Three days of Go talks"}`, map[string][]byte{"a.png": tinyPNG(t)})

	rr := e.do(t, "POST", "/api/posts/generate", body, ct)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body.String())
	}
	var out models.GeneratedPost
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if out.Content != "Generated about GopherCon" {
		t.Fatalf("unexpected %+v", out)
	}
	if e.gen.details.TonePreference != models.DefaultTone || len(e.gen.images) != 1 {
		t.Fatalf("expected defaults and one image, got %+v images=%d", e.gen.details, len(e.gen.images))
	}
}

func TestGeneratePost_Errors(t *testing.T) {
	e := newTestEnv(t)
	body, ct := multipartBody(t, "other", `{}`, nil)
	if rr := e.do(t, "POST", "/api/posts/generate", body, ct); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing details, got %d", rr.Code)
	}
	if rr := e.doJSON(t, "POST", "/api/posts/generate", map[string]any{"title": "t", "description": "short"}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short description, got %d", rr.Code)
	}

	e.gen.err = fmt.Errorf("%w: upstream", openai.ErrGeneration)
	if rr := e.doJSON(t, "POST", "/api/posts/generate", map[string]any{"title": "t", "description": "long enough description"}); rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for generator failure, got %d", rr.Code)
	}
}

func TestAnalyzeStyle(t *testing.T) {
	e := newTestEnv(t)
	if rr := e.doJSON(t, "POST", "/api/ai/analyze-style", map[string]any{}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	rr := e.doJSON(t, "POST", "/api/ai/analyze-style", map[string]any{"samples": "I write short posts."})
	var out models.StyleAnalysis
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if rr.Code != http.StatusOK || out.TonalCharacteristics != "warm" {
		t.Fatalf("unexpected %d %s", rr.Code, rr.Body.String())
	}
}

func TestSettings_RoundTrip(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, "GET", "/api/settings", nil, "")
	var v settingsView
	_ = json.Unmarshal(rr.Body.Bytes(), &v)
	if rr.Code != http.StatusOK || v.DefaultTone != models.DefaultTone || !v.AnalyzePostsByDefault {
		t.Fatalf("unexpected defaults %d %+v", rr.Code, v)
	}

	rr = e.doJSON(t, "POST", "/api/settings", map[string]any{"defaultTone": "casual", "analyzePostsByDefault": false, "writingStyleSamples": "hey"})
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"success":true`) {
		t.Fatalf("unexpected %d %s", rr.Code, rr.Body.String())
	}
	rr = e.do(t, "GET", "/api/settings", nil, "")
	_ = json.Unmarshal(rr.Body.Bytes(), &v)
	if v.DefaultTone != "casual" || v.AnalyzePostsByDefault || v.WritingStyleSamples != "hey" {
		t.Fatalf("settings not saved: %+v", v)
	}
}

func TestLinkedInEndpoints(t *testing.T) {
	e := newTestEnv(t)
	rr := e.do(t, "GET", "/api/linkedin/status", nil, "")
	if strings.TrimSpace(rr.Body.String()) != `{"connected":false}` {
		t.Fatalf("unexpected status body %s", rr.Body.String())
	}
	rr = e.do(t, "GET", "/api/auth/linkedin/connect", nil, "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "redirectUrl") {
		t.Fatalf("unexpected connect response %d %s", rr.Code, rr.Body.String())
	}
	u, err := e.store.GetUser(context.Background(), e.h.userID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.LinkedinAccessToken == nil || *u.LinkedinAccessToken != "stub_token" {
		t.Fatalf("expected stored token, got %v", u.LinkedinAccessToken)
	}
	if u.LinkedinTokenExpiry == nil || time.Until(*u.LinkedinTokenExpiry) < 59*24*time.Hour {
		t.Fatalf("expected expiry about 60 days out, got %v", u.LinkedinTokenExpiry)
	}
	rr = e.do(t, "GET", "/api/linkedin/status", nil, "")
	if strings.TrimSpace(rr.Body.String()) != `{"connected":true}` {
		t.Fatalf("expected connected after connect, got %s", rr.Body.String())
	}
}

func TestLinkedInConnect_RefreshFailure(t *testing.T) {
	e := newTestEnv(t)
	e.pub.refreshErr = errors.New("oauth down")
	rr := e.do(t, "GET", "/api/auth/linkedin/connect", nil, "")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	rr = e.do(t, "GET", "/api/linkedin/status", nil, "")
	if strings.TrimSpace(rr.Body.String()) != `{"connected":false}` {
		t.Fatalf("expected still disconnected, got %s", rr.Body.String())
	}
}

func TestLinkedInConnect_Unwired(t *testing.T) {
	rr := httptest.NewRecorder()
	New(Config{Users: store.NewMemStore()}).LinkedInConnect(rr, httptest.NewRequest("GET", "/api/auth/linkedin/connect", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestServiceErrors_NameTheMissingResource(t *testing.T) {
	h := New(Config{Users: store.NewMemStore(), UserID: 99})
	r := mux.NewRouter()
	RegisterRoutes(h, r)
	req := httptest.NewRequest("GET", "/api/settings", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "User not found") || strings.Contains(rr.Body.String(), "Post") {
		t.Fatalf("expected user-not-found body, got %s", rr.Body.String())
	}

	e := newTestEnv(t)
	rr = e.do(t, "GET", "/api/posts/424242", nil, "")
	if rr.Code != http.StatusNotFound || !strings.Contains(rr.Body.String(), "Post not found") {
		t.Fatalf("expected post-not-found, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestInvalidPostID(t *testing.T) {
	e := newTestEnv(t)
	if rr := e.do(t, "GET", "/api/posts/abc", nil, ""); rr.Code != http.StatusNotFound && rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected router miss for non-numeric id, got %d", rr.Code)
	}
	req := httptest.NewRequest("GET", "/api/posts/0", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "0"})
	rr := httptest.NewRecorder()
	e.h.GetPost(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestHandler_WithoutServices(t *testing.T) {
	h := New(Config{})
	rr := httptest.NewRecorder()
	h.ListPosts(rr, httptest.NewRequest("GET", "/api/posts", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestTruncate_StopsAtRuneStart(t *testing.T) {
	if got := truncate("日本語", 4); got != "日" {
		t.Fatalf("expected whole first rune, got %q", got)
	}
	if got := truncate("abc", 10); got != "abc" {
		t.Fatalf("short input changed: %q", got)
	}
}
