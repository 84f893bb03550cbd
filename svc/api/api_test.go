package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pastelink/cfg"
	"pastelink/pkg/domain"
	"pastelink/svc/auth"
	"pastelink/svc/db"
	"pastelink/svc/lim"
	"pastelink/svc/svc"
	"pastelink/svc/util"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		Port:           "0",
		Environment:    "test",
		MaxTextSize:    1 << 20,
		MaxImageSize:   5 << 20,
		MaxWorkerLoad:  100,
		RawRetries:     2,
		RawRetryDelay:  time.Millisecond,
		ContextTimeout: 5 * time.Second,
		AllowedOrigins: []string{"https://paste.example"},
		RateLimit:      cfg.RateLimitCfg{RPM: 10000, Burst: 10000, ConservativeLimit: 10000},
	}
}

func newTestServer(t *testing.T, c *cfg.Cfg) *Server {
	t.Helper()
	util.InitLog("disabled", false)
	h, err := auth.NewHasher(1000, 16)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Start(2); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Stop)
	kv := db.NewMemory()
	store := db.NewRepo[domain.Paste](kv, "paste")
	p := svc.NewPaste(store, h, util.NewIDGen(false), c)
	l := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, nil, nil)
	t.Cleanup(l.Stop)
	return NewServer(c, p, l, kv, nil)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	return w
}

type pasteEnvelope struct {
	Success bool         `json:"success"`
	Data    domain.Paste `json:"data"`
	Error   string       `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) pasteEnvelope {
	t.Helper()
	var env pasteEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return env
}

func create(t *testing.T, s *Server, body string) domain.Paste {
	t.Helper()
	w := do(t, s, "POST", "/api/pastes", body)
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body)
	}
	env := decode(t, w)
	if !env.Success || env.Data.ID == "" {
		t.Fatalf("create envelope = %+v", env)
	}
	return env.Data
}

func TestTextPasteScenario(t *testing.T) {
	s := newTestServer(t, testCfg())
	p := create(t, s, `{"content":"hello","type":"text"}`)

	w := do(t, s, "GET", "/api/pastes/"+p.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	env := decode(t, w)
	if env.Data.Content != "hello" || env.Data.Type != domain.TypeText || env.Data.ID != p.ID {
		t.Errorf("get data = %+v", env.Data)
	}

	w = do(t, s, "GET", "/api/pastes/"+p.ID+"/raw", "")
	if w.Code != http.StatusOK {
		t.Fatalf("raw status = %d", w.Code)
	}
	if w.Body.String() != "hello" {
		t.Errorf("raw body = %q", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("raw Content-Type = %q", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "public, max-age=604800, immutable" {
		t.Errorf("raw Cache-Control = %q", cc)
	}
}

func TestPasswordScenario(t *testing.T) {
	s := newTestServer(t, testCfg())
	p := create(t, s, `{"content":"classified","password":"secret","expiresIn":0}`)
	if p.PasswordHash == "" {
		t.Error("create response lacks passwordHash")
	}

	w := do(t, s, "GET", "/api/pastes/"+p.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "classified") {
		t.Error("metadata leaked protected content")
	}
	var locked struct {
		Success bool `json:"success"`
		Data    struct {
			PasswordRequired bool `json:"passwordRequired"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &locked); err != nil {
		t.Fatal(err)
	}
	if !locked.Success || !locked.Data.PasswordRequired {
		t.Errorf("get body = %s", w.Body)
	}

	w = do(t, s, "POST", "/api/pastes/"+p.ID+"/verify", `{"password":"wrong"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("wrong password status = %d", w.Code)
	}
	if env := decode(t, w); env.Success || env.Error != "Invalid password." {
		t.Errorf("wrong password body = %s", w.Body)
	}

	w = do(t, s, "POST", "/api/pastes/"+p.ID+"/verify", `{"password":"secret"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("right password status = %d, body %s", w.Code, w.Body)
	}
	if env := decode(t, w); env.Data.Content != "classified" {
		t.Errorf("verify data = %+v", env.Data)
	}

	w = do(t, s, "GET", "/api/pastes/"+p.ID+"/raw", "")
	if w.Code != http.StatusForbidden {
		t.Errorf("raw on protected status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "password protected") {
		t.Errorf("raw forbidden body = %q", w.Body.String())
	}
}

func TestVerifyErrors(t *testing.T) {
	s := newTestServer(t, testCfg())
	open := create(t, s, `{"content":"public"}`)
	cases := []struct {
		name string
		path string
		body string
		code int
	}{
		{"missing password", "/api/pastes/" + open.ID + "/verify", `{}`, 400},
		{"empty body", "/api/pastes/" + open.ID + "/verify", ``, 400},
		{"bad json", "/api/pastes/" + open.ID + "/verify", `{"password":`, 400},
		{"not protected", "/api/pastes/" + open.ID + "/verify", `{"password":"x"}`, 400},
		{"unknown id", "/api/pastes/Zzzzzzzz/verify", `{"password":"x"}`, 404},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, s, "POST", tc.path, tc.body)
			if w.Code != tc.code {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tc.code, w.Body)
			}
		})
	}
}

func TestCreateValidation(t *testing.T) {
	c := testCfg()
	c.MaxTextSize = 16
	s := newTestServer(t, c)
	cases := []struct {
		name string
		body string
		code int
		msg  string
	}{
		{"empty content", `{"content":""}`, 400, "Content is required and must be a string."},
		{"missing content", `{"type":"text"}`, 400, "Content is required and must be a string."},
		{"content not a string", `{"content":42}`, 400, ""},
		{"bad type", `{"content":"x","type":"audio"}`, 400, ""},
		{"too large", `{"content":"` + strings.Repeat("a", 17) + `"}`, 400, ""},
		{"malformed json", `{"content":`, 400, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, s, "POST", "/api/pastes", tc.body)
			if w.Code != tc.code {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tc.code, w.Body)
			}
			env := decode(t, w)
			if env.Success {
				t.Error("success=true on failure")
			}
			if tc.msg != "" && env.Error != tc.msg {
				t.Errorf("error = %q, want %q", env.Error, tc.msg)
			}
		})
	}
}

func TestCreateRejectsWrongContentType(t *testing.T) {
	s := newTestServer(t, testCfg())
	r := httptest.NewRequest("POST", "/api/pastes", strings.NewReader(`{"content":"x"}`))
	r.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestCreateKeepsContentVerbatim(t *testing.T) {
	s := newTestServer(t, testCfg())
	content := "<script>alert('x')</script>\n\ttabs & \"quotes\" ✓"
	body, _ := json.Marshal(map[string]string{"content": content, "fileName": "x.html"})
	p := create(t, s, string(body))
	w := do(t, s, "GET", "/api/pastes/"+p.ID, "")
	if got := decode(t, w).Data; got.Content != content || got.FileName != "x.html" {
		t.Errorf("round trip = %+v", got)
	}
}

func TestRawImage(t *testing.T) {
	s := newTestServer(t, testCfg())
	gif := []byte("GIF89a\x01\x00\x01\x00")
	body, _ := json.Marshal(map[string]string{
		"content":  "data:image/gif;base64," + base64.StdEncoding.EncodeToString(gif),
		"type":     "image",
		"fileName": "pixel\".gif",
	})
	p := create(t, s, string(body))
	w := do(t, s, "GET", "/api/pastes/"+p.ID+"/raw", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), gif) {
		t.Errorf("body = %v", w.Body.Bytes())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/gif" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); cd != `inline; filename="pixel.gif"` {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

func TestRawInvalidImage(t *testing.T) {
	s := newTestServer(t, testCfg())
	p := create(t, s, `{"content":"not-an-image","type":"image"}`)
	w := do(t, s, "GET", "/api/pastes/"+p.ID+"/raw", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Invalid image data format.") {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestNotFound(t *testing.T) {
	s := newTestServer(t, testCfg())
	for _, path := range []string{"/api/pastes/Zzzzzzzz", "/api/pastes/Zzzzzzzz/raw"} {
		w := do(t, s, "GET", path, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s status = %d", path, w.Code)
		}
	}
	w := do(t, s, "GET", "/api/pastes/bad-id!", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("malformed id status = %d", w.Code)
	}
	if env := decode(t, w); env.Error != "Paste not found." {
		t.Errorf("malformed id error = %q", env.Error)
	}
}

func TestExpiredPasteGone(t *testing.T) {
	s := newTestServer(t, testCfg())
	p := create(t, s, `{"content":"blink","expiresIn":1}`)
	if p.ExpiresAt != p.CreatedAt+1000 {
		t.Fatalf("expiresAt = %d, createdAt = %d", p.ExpiresAt, p.CreatedAt)
	}
	time.Sleep(1100 * time.Millisecond)
	for _, path := range []string{"/api/pastes/" + p.ID, "/api/pastes/" + p.ID + "/raw", "/api/pastes/" + p.ID} {
		if w := do(t, s, "GET", path, ""); w.Code != http.StatusNotFound {
			t.Errorf("%s status = %d after expiry", path, w.Code)
		}
	}
}

func TestRateLimited(t *testing.T) {
	c := testCfg()
	c.RateLimit = cfg.RateLimitCfg{RPM: 2, Burst: 2, ConservativeLimit: 1}
	s := newTestServer(t, c)
	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, s, "POST", "/api/pastes", `{"content":"x"}`).Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}
	w := do(t, s, "POST", "/api/pastes", `{"content":"x"}`)
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestHeaders(t *testing.T) {
	s := newTestServer(t, testCfg())
	r := httptest.NewRequest("GET", "/api/pastes/Zzzzzzzz", nil)
	r.Header.Set("Origin", "https://paste.example")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://paste.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff")
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}

	r = httptest.NewRequest("OPTIONS", "/api/pastes", nil)
	r.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	s.ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got %q", got)
	}
}

func TestHealthAndReady(t *testing.T) {
	c := testCfg()
	s := newTestServer(t, c)
	if w := do(t, s, "GET", "/health", ""); w.Code != http.StatusOK {
		t.Errorf("health status = %d", w.Code)
	}
	if w := do(t, s, "GET", "/ready", ""); w.Code != http.StatusOK {
		t.Errorf("ready status = %d body %s", w.Code, w.Body)
	}
	s.store = stubPinger{err: errors.New("disk gone")}
	w := do(t, s, "GET", "/ready", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("ready with failing store = %d", w.Code)
	}
	s.store = stubPinger{}
	s.rdb = stubPinger{err: errors.New("redis gone")}
	if w := do(t, s, "GET", "/ready", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("ready with failing redis = %d", w.Code)
	}
}

func TestMetricsBasicAuth(t *testing.T) {
	c := testCfg()
	c.MetricsUser = "prom"
	c.MetricsPass = cfg.NewSecret("scrape")
	s := newTestServer(t, c)
	if w := do(t, s, "GET", "/metrics", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", w.Code)
	}
	r := httptest.NewRequest("GET", "/metrics", nil)
	r.SetBasicAuth("prom", "scrape")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("authenticated status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "pastelink_") {
		t.Error("metrics output lacks pastelink series")
	}
}

func TestSanitizeFileName(t *testing.T) {
	cases := map[string]string{
		"":                       "",
		"report.pdf":             "report.pdf",
		`a"b\c/d.png`:            "abcd.png",
		"line\nbreak.txt":        "linebreak.txt",
		"  spaced.txt  ":         "spaced.txt",
		"école.txt":        "école.txt",
		strings.Repeat("é", 200): strings.Repeat("é", 127),
	}
	for in, want := range cases {
		if got := sanitizeFileName(in); got != want {
			t.Errorf("sanitizeFileName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMalformedIDsAreNotFound(t *testing.T) {
	s := newTestServer(t, testCfg())
	create(t, s, `{"content":"keep me"}`)
	for _, id := range []string{
		"'%20OR%201=1--",
		"..%2F..%2Fetc",
		"%3Cscript%3E",
		"abcdefghi",
		"abc",
	} {
		if w := do(t, s, "GET", "/api/pastes/"+id, ""); w.Code != http.StatusNotFound {
			t.Errorf("get %q status = %d", id, w.Code)
		}
		w := do(t, s, "GET", "/api/pastes/"+id+"/raw", "")
		if w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), "Paste not found.") {
			t.Errorf("raw %q status = %d body %q", id, w.Code, w.Body.String())
		}
		if w := do(t, s, "POST", "/api/pastes/"+id+"/verify", `{"password":"x"}`); w.Code != http.StatusNotFound {
			t.Errorf("verify %q status = %d", id, w.Code)
		}
	}
}

func TestFileNameStoredVerbatim(t *testing.T) {
	s := newTestServer(t, testCfg())
	gif := base64.StdEncoding.EncodeToString([]byte("GIF89a"))
	body, _ := json.Marshal(map[string]string{
		"content":  "data:image/gif;base64," + gif,
		"type":     "image",
		"fileName": "a/b.png",
	})
	p := create(t, s, string(body))
	if p.FileName != "a/b.png" {
		t.Errorf("create fileName = %q", p.FileName)
	}
	w := do(t, s, "GET", "/api/pastes/"+p.ID, "")
	if got := decode(t, w).Data.FileName; got != "a/b.png" {
		t.Errorf("get fileName = %q", got)
	}
	w = do(t, s, "GET", "/api/pastes/"+p.ID+"/raw", "")
	if cd := w.Header().Get("Content-Disposition"); cd != `inline; filename="ab.png"` {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

func TestConcurrentCreatesGetDistinctIDs(t *testing.T) {
	s := newTestServer(t, testCfg())
	const n = 50
	ids := make(chan string, n)
	errs := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() {
			r := httptest.NewRequest("POST", "/api/pastes", strings.NewReader(`{"content":"x"}`))
			w := httptest.NewRecorder()
			s.ServeHTTP(w, r)
			var env pasteEnvelope
			if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &env) != nil {
				errs <- w.Body.String()
				return
			}
			ids <- env.Data.ID
		}()
	}
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		select {
		case id := <-ids:
			if seen[id] {
				t.Errorf("duplicate id %s", id)
			}
			seen[id] = true
		case body := <-errs:
			t.Errorf("create failed: %s", body)
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for creates")
		}
	}
}
