package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/parley-live/parley/internal/meeting"
	sttmock "github.com/parley-live/parley/pkg/provider/stt/mock"
)

// scriptedQuick serves a fixed quick-translate result.
type scriptedQuick struct {
	out   string
	err   error
	calls []string
}

func (q *scriptedQuick) TranslateQuick(_ context.Context, text string) (string, error) {
	q.calls = append(q.calls, text)
	return q.out, q.err
}

func testServer(cfg Config, quick QuickTranslator) *Server {
	return New(cfg, Deps{
		MeetingDeps: meeting.Deps{
			STT:    &sttmock.Provider{},
			Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
		Quick:  quick,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestQuickTranslate_Success(t *testing.T) {
	t.Parallel()
	quick := &scriptedQuick{out: "Could you repeat that?"}
	h := testServer(Config{}, quick).Handler()

	req := httptest.NewRequest("POST", "/api/v1/translate/ko-en",
		strings.NewReader(`{"text": "다시 말씀해 주세요."}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body["translatedText"] != "Could you repeat that?" {
		t.Errorf("unexpected body: %v", body)
	}
	if len(quick.calls) != 1 || quick.calls[0] != "다시 말씀해 주세요." {
		t.Errorf("translator saw %v", quick.calls)
	}
}

func TestQuickTranslate_EmptyText(t *testing.T) {
	t.Parallel()
	quick := &scriptedQuick{out: "unused"}
	h := testServer(Config{}, quick).Handler()

	for _, payload := range []string{`{"text": ""}`, `{"text": "   "}`, `{}`} {
		req := httptest.NewRequest("POST", "/api/v1/translate/ko-en", strings.NewReader(payload))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("payload %s: status = %d, want 400", payload, rec.Code)
		}
	}
	if len(quick.calls) != 0 {
		t.Error("empty text must not reach the translator")
	}
}

func TestQuickTranslate_InvalidJSON(t *testing.T) {
	t.Parallel()
	h := testServer(Config{}, &scriptedQuick{}).Handler()

	req := httptest.NewRequest("POST", "/api/v1/translate/ko-en", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestQuickTranslate_UpstreamFailure(t *testing.T) {
	t.Parallel()
	quick := &scriptedQuick{err: errors.New("model unavailable")}
	h := testServer(Config{}, quick).Handler()

	req := httptest.NewRequest("POST", "/api/v1/translate/ko-en",
		strings.NewReader(`{"text": "안녕하세요"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestQuickTranslate_NotConfigured(t *testing.T) {
	t.Parallel()
	h := testServer(Config{}, nil).Handler()

	req := httptest.NewRequest("POST", "/api/v1/translate/ko-en",
		strings.NewReader(`{"text": "안녕하세요"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHealthRoute(t *testing.T) {
	t.Parallel()
	h := testServer(Config{}, nil).Handler()

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()
	h := testServer(Config{}, nil).Handler()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestCORS_PreflightAllowedOrigin(t *testing.T) {
	t.Parallel()
	h := testServer(Config{CORSOrigins: []string{"http://localhost:5173"}}, nil).Handler()

	req := httptest.NewRequest("OPTIONS", "/api/v1/translate/ko-en", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("allow-origin = %q", got)
	}
}

func TestCORS_DisallowedOriginGetsNoHeader(t *testing.T) {
	t.Parallel()
	h := testServer(Config{CORSOrigins: []string{"http://localhost:5173"}}, nil).Handler()

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow-origin %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()
	got := originPatterns([]string{"http://localhost:5173", "https://app.example.com", "*"})
	want := []string{"localhost:5173", "app.example.com"}
	if len(got) != len(want) {
		t.Fatalf("patterns = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("patterns[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReadyz_CountsLiveMeetings(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(testServer(Config{}, nil).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fetch := func() int64 {
		t.Helper()
		resp, err := http.Get(srv.URL + "/api/v1/ready")
		if err != nil {
			t.Fatalf("get ready: %v", err)
		}
		defer resp.Body.Close()
		var body struct {
			ActiveSessions *int64 `json:"activeSessions"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode ready body: %v", err)
		}
		if body.ActiveSessions == nil {
			t.Fatal("ready response is missing activeSessions")
		}
		return *body.ActiveSessions
	}

	if got := fetch(); got != 0 {
		t.Fatalf("activeSessions before any meeting = %d, want 0", got)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/meetings/sess-gauge-1"
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "test done")

	// A served pong proves the orchestrator owns the connection.
	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type": "client.ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if _, _, err := c.Read(ctx); err != nil {
		t.Fatalf("read pong: %v", err)
	}

	if got := fetch(); got != 1 {
		t.Errorf("activeSessions with one live meeting = %d, want 1", got)
	}
}

func TestMeetingWebSocket_PingPongAndStop(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(testServer(Config{}, nil).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v1/meetings/sess-ws-1"
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "test done")

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type": "client.ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	var pong map[string]any
	if err := json.Unmarshal(data, &pong); err != nil || pong["type"] != "server.pong" {
		t.Fatalf("expected a server.pong, got %s", data)
	}

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type": "session.stop"}`)); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	_, data, err = c.Read(ctx)
	if err != nil {
		t.Fatalf("read stop echo: %v", err)
	}
	var stop map[string]any
	if err := json.Unmarshal(data, &stop); err != nil || stop["type"] != "session.stop" {
		t.Fatalf("expected a session.stop frame, got %s", data)
	}
}
