package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfgpkg "github.com/rzbill/flobuf/internal/config"
	"github.com/rzbill/flobuf/internal/frame"
	"github.com/rzbill/flobuf/internal/metrics"
	"github.com/rzbill/flobuf/internal/runtime"
	logpkg "github.com/rzbill/flobuf/pkg/log"
)

type peer struct{}

func (peer) Disconnect() {}

func newTestServer(t *testing.T) (*runtime.Runtime, *Server) {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.Buffer.BlockSize = 4096
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	rt, err := runtime.Open(runtime.Options{Config: cfg, Metrics: m})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	logger, _ := logpkg.ApplyConfig(logpkg.Config{Level: "error", Format: "text", Outputs: []string{"null"}})
	return rt, New(rt, Options{Logger: logger, Gatherer: reg, WriteTimeout: time.Second})
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func publishWindows(t *testing.T, rt *runtime.Runtime, identity string, n int) {
	t.Helper()
	w, _, err := rt.Publisher(identity, 0, 0, peer{})
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	b := frame.AppendResetWindow(nil, 100)
	for i := 1; i <= n; i++ {
		b = frame.AppendBeginWindow(b, uint32(i))
		b = frame.AppendPayload(b, 2, []byte("hi"))
		b = frame.AppendEndWindow(b, uint32(i))
	}
	if err := w.Append(b); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestHealthHandler(t *testing.T) {
	rt, s := newTestServer(t)
	if w := serve(s, http.MethodGet, "/v1/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	_ = rt.Close()
	if w := serve(s, http.MethodGet, "/v1/healthz", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status after close: %d", w.Code)
	}
}

func TestStatsHandler(t *testing.T) {
	rt, s := newTestServer(t)
	publishWindows(t, rt, "a", 2)
	publishWindows(t, rt, "b", 1)

	w := serve(s, http.MethodGet, "/v1/stats?identity=b", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var st runtime.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(st.Publishers) != 1 || st.Publishers[0].Identity != "b" {
		t.Fatalf("publishers: %+v", st.Publishers)
	}
	if w := serve(s, http.MethodPost, "/v1/stats", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST stats: %d", w.Code)
	}
}

func TestPurgeAndResetHandlers(t *testing.T) {
	rt, s := newTestServer(t)

	w := serve(s, http.MethodPost, "/v1/purge", `{"identity":"ghost","base_seconds":0,"window":1}`)
	if w.Code != http.StatusNotFound || !strings.Contains(w.Body.String(), "Invalid identifier 'ghost'") {
		t.Fatalf("unknown purge: %d %s", w.Code, w.Body.String())
	}

	publishWindows(t, rt, "pub", 3)
	w = serve(s, http.MethodPost, "/v1/purge", `{"identity":"pub","base_seconds":100,"window":2}`)
	if w.Code != http.StatusAccepted || !strings.Contains(w.Body.String(), "Purge request sent for processing") {
		t.Fatalf("purge: %d %s", w.Code, w.Body.String())
	}
	w = serve(s, http.MethodPost, "/v1/reset", `{"identity":"pub"}`)
	if w.Code != http.StatusAccepted || !strings.Contains(w.Body.String(), "Reset request sent for processing") {
		t.Fatalf("reset: %d %s", w.Code, w.Body.String())
	}

	if w := serve(s, http.MethodPost, "/v1/reset", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing identity: %d", w.Code)
	}
	if w := serve(s, http.MethodGet, "/v1/purge", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET purge: %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rt, s := newTestServer(t)
	publishWindows(t, rt, "pub", 1)
	w := serve(s, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "flobuf_frames_appended_total") {
		t.Fatalf("metrics: %d\n%s", w.Code, w.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	_, s := newTestServer(t)
	w := serve(s, http.MethodOptions, "/v1/purge", "")
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight: %d %v", w.Code, w.Header())
	}
}

func TestSubscribeSSE(t *testing.T) {
	rt, s := newTestServer(t)
	publishWindows(t, rt, "pub", 2)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/v1/subscribe?id=c1&group=g&upstream=pub&policy=keyed&partitions=2&mask=3", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK || res.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("subscribe response: %d %v", res.StatusCode, res.Header)
	}

	var kinds []string
	sc := bufio.NewScanner(res.Body)
	for len(kinds) < 7 && sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("event %q: %v", line, err)
		}
		kinds = append(kinds, ev["kind"].(string))
		if ev["kind"] == "PAYLOAD" && ev["data"] != "aGk=" {
			t.Fatalf("payload event: %v", ev)
		}
	}
	want := "RESET_WINDOW BEGIN_WINDOW PAYLOAD END_WINDOW BEGIN_WINDOW PAYLOAD END_WINDOW"
	if got := strings.Join(kinds, " "); got != want {
		t.Fatalf("events:\n got %s\nwant %s", got, want)
	}
}

func TestSubscribeSSERejectsBadRequests(t *testing.T) {
	_, s := newTestServer(t)
	if w := serve(s, http.MethodGet, "/v1/subscribe?id=c1&group=g&upstream=pub&policy=nope", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad policy: %d %s", w.Code, w.Body.String())
	}
	if w := serve(s, http.MethodGet, "/v1/subscribe?id=c1&group=g", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("missing upstream: %d", w.Code)
	}
	if w := serve(s, http.MethodGet, "/v1/subscribe?id=c1&group=g&upstream=pub&window=x", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad window: %d", w.Code)
	}
}
