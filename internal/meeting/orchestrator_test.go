package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/parley-live/parley/pkg/provider/stt"
	sttmock "github.com/parley-live/parley/pkg/provider/stt/mock"
)

// ---- fakes ----

type frame struct {
	kind MessageKind
	data []byte
}

// fakeConn is an in-memory Conn driven by the test.
type fakeConn struct {
	mu        sync.Mutex
	inbound   chan frame
	written   []frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan frame, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (MessageKind, []byte, error) {
	select {
	case f := <-c.inbound:
		return f.kind, f.data, nil
	case <-c.closed:
		return 0, nil, errors.New("fake: connection closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, kind MessageKind, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("fake: connection closed")
	default:
	}
	d := make([]byte, len(data))
	copy(d, data)
	c.mu.Lock()
	c.written = append(c.written, frame{kind: kind, data: d})
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sendJSON(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal inbound frame: %v", err)
	}
	c.inbound <- frame{kind: KindText, data: data}
}

// events decodes all written text frames into generic maps.
func (c *fakeConn) events() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.written {
		if f.kind != KindText {
			continue
		}
		var m map[string]any
		if json.Unmarshal(f.data, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) eventsOfType(typ string) []map[string]any {
	var out []map[string]any
	for _, e := range c.events() {
		if e["type"] == typ {
			out = append(out, e)
		}
	}
	return out
}

// waitForEvents polls until at least n events of the given type have been
// written.
func (c *fakeConn) waitForEvents(t *testing.T, typ string, n int) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := c.eventsOfType(typ); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q events; got %v", n, typ, c.events())
	return nil
}

// fakeTranslator tags its output per operation so tests can tell the paths
// apart.
type fakeTranslator struct {
	mu    sync.Mutex
	delay time.Duration
	err   error
	calls []string
}

func (f *fakeTranslator) record(op, text string) {
	f.mu.Lock()
	f.calls = append(f.calls, op+":"+text)
	f.mu.Unlock()
}

func (f *fakeTranslator) translate(ctx context.Context, op, text string) (string, error) {
	f.record(op, text)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return "[" + op + "] " + text, nil
}

func (f *fakeTranslator) TranslateFast(ctx context.Context, text string) (string, error) {
	return f.translate(ctx, "fast", text)
}

func (f *fakeTranslator) TranslateWithContext(ctx context.Context, text string, _ []string) (string, error) {
	return f.translate(ctx, "ctx", text)
}

func (f *fakeTranslator) TranslateCorrection(ctx context.Context, text string) (string, error) {
	return f.translate(ctx, "corr", text)
}

// fakeSuggester serves a fixed suggestion set.
type fakeSuggester struct {
	mu    sync.Mutex
	items []Suggestion
	err   error
	calls int
}

func (f *fakeSuggester) Generate(context.Context, []string, string) ([]Suggestion, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.items, f.err
}

func (f *fakeSuggester) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// ---- rig ----

type rig struct {
	conn *fakeConn
	sess *sttmock.Session
	prov *sttmock.Provider
	tr   *fakeTranslator
	sg   *fakeSuggester
	cr   *scriptedCorrector
	orc  *Orchestrator
	done chan error
}

func startRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	r := &rig{
		conn: newFakeConn(),
		sess: sttmock.NewSession(),
		tr:   &fakeTranslator{},
		sg:   &fakeSuggester{items: []Suggestion{{Source: "sounds good", Target: "좋아요"}}},
		cr:   &scriptedCorrector{},
		done: make(chan error, 1),
	}
	r.prov = &sttmock.Provider{Session: r.sess}
	r.orc = New("sess-1", r.conn, Deps{
		STT:        r.prov,
		Translator: r.tr,
		Suggester:  r.sg,
		Corrector:  r.cr,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, cfg)
	// The mock session's results channel is buffered, so tests may Emit
	// before the stream is opened without blocking.
	go func() { r.done <- r.orc.Run(context.Background()) }()
	return r
}

func (r *rig) stop(t *testing.T) {
	t.Helper()
	r.conn.Close()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not shut down")
	}
}

// ---- tests ----

func TestRun_EmptySessionID(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	o := New("", conn, Deps{
		STT:    &sttmock.Provider{},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Config{})

	if err := o.Run(context.Background()); err == nil {
		t.Fatal("expected an error for an empty session id")
	}
	evs := conn.eventsOfType(EventError)
	if len(evs) != 1 || evs[0]["code"] != CodeSessionNotFound {
		t.Fatalf("expected one SESSION_NOT_FOUND error, got %v", conn.events())
	}
	select {
	case <-conn.closed:
	default:
		t.Error("connection must be closed")
	}
}

func TestRun_StartStreamFailure(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	o := New("sess-1", conn, Deps{
		STT:    &sttmock.Provider{StartStreamErr: errors.New("auth failed")},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Config{})

	if err := o.Run(context.Background()); err == nil {
		t.Fatal("expected an error when the stream cannot open")
	}
	evs := conn.eventsOfType(EventError)
	if len(evs) != 1 || evs[0]["code"] != CodeTranscribeStreamError {
		t.Fatalf("expected one TRANSCRIBE_STREAM_ERROR, got %v", conn.events())
	}
}

func TestRun_PingPong(t *testing.T) {
	t.Parallel()
	r := startRig(t, Config{})
	defer r.stop(t)

	r.conn.sendJSON(t, map[string]any{"type": "client.ping", "ts": 123})
	evs := r.conn.waitForEvents(t, EventServerPong, 1)
	if evs[0]["ts"] == nil {
		t.Error("pong must carry a ts")
	}
}

func TestRun_InvalidMessages(t *testing.T) {
	t.Parallel()
	r := startRig(t, Config{})
	defer r.stop(t)

	r.conn.inbound <- frame{kind: KindText, data: []byte("{not json")}
	r.conn.sendJSON(t, map[string]any{"type": "no.such.type"})
	r.conn.sendJSON(t, map[string]any{"type": "suggestions.prompt", "prompt": 42})

	evs := r.conn.waitForEvents(t, EventError, 3)
	for _, e := range evs {
		if e["code"] != CodeInvalidMessage {
			t.Errorf("want INVALID_MESSAGE, got %v", e)
		}
	}
}

func TestRun_AudioAndSampleRateForwarded(t *testing.T) {
	t.Parallel()
	r := startRig(t, Config{})

	// The read loop processes frames in order, so by the time the stop has
	// been handled the earlier frames were forwarded.
	r.conn.inbound <- frame{kind: KindBinary, data: []byte{1, 2, 3, 4}}
	r.conn.sendJSON(t, map[string]any{"type": "session.start", "sampleRate": 48000})
	r.conn.sendJSON(t, map[string]any{"type": "session.stop"})

	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not shut down")
	}

	if len(r.sess.AudioChunks) != 1 || len(r.sess.AudioChunks[0]) != 4 {
		t.Errorf("audio chunk not forwarded: %v", r.sess.AudioChunks)
	}
	if len(r.sess.SampleRates) != 1 || r.sess.SampleRates[0] != 48000 {
		t.Errorf("sample rate not forwarded: %v", r.sess.SampleRates)
	}
}

func TestRun_FinalFlow(t *testing.T) {
	t.Parallel()
	r := startRig(t, Config{})
	defer r.stop(t)

	r.sess.Emit(stt.Result{Text: "Hello everyone, welcome.", Speaker: "spk_0"})

	finals := r.conn.waitForEvents(t, EventTranscriptFinal, 1)
	displays := r.conn.waitForEvents(t, EventDisplayUpdate, 1)
	trans := r.conn.waitForEvents(t, EventTranslationFinal, 1)

	segID := finals[0]["segmentId"]
	if segID != trans[0]["segmentId"] {
		t.Errorf("translation must carry the transcript's segment id: %v vs %v", segID, trans[0]["segmentId"])
	}
	if trans[0]["translatedText"] != "[ctx] Hello everyone, welcome." {
		t.Errorf("unexpected translation: %v", trans[0])
	}
	confirmed, _ := displays[0]["confirmed"].([]any)
	if len(confirmed) != 1 {
		t.Errorf("display update must carry the confirmed final: %v", displays[0])
	}

	// Ordering: transcript.final is written before translation.final.
	var sawFinal bool
	for _, e := range r.conn.events() {
		if e["type"] == EventTranscriptFinal {
			sawFinal = true
		}
		if e["type"] == EventTranslationFinal && !sawFinal {
			t.Error("translation.final must not precede transcript.final")
		}
	}
}

func TestRun_PartialEmitsCaptionAndTranslation(t *testing.T) {
	t.Parallel()
	r := startRig(t, Config{})
	defer r.stop(t)

	r.sess.Emit(stt.Result{Text: "The numbers look strong.", Speaker: "spk_0", IsPartial: true})

	partials := r.conn.waitForEvents(t, EventTranscriptPartial, 1)
	if partials[0]["text"] != "The numbers look strong." {
		t.Errorf("unexpected caption: %v", partials[0])
	}
	trans := r.conn.waitForEvents(t, EventTranslationFinal, 1)
	if trans[0]["translatedText"] != "[fast] The numbers look strong." {
		t.Errorf("expected the fast-path translation, got %v", trans[0])
	}
}

func TestRun_StalePartialTranslationDropped(t *testing.T) {
	t.Parallel()
	r := startRig(t, Config{})
	r.tr.delay = 50 * time.Millisecond
	defer r.stop(t)

	r.sess.Emit(stt.Result{Text: "The numbers look strong.", Speaker: "spk_0", IsPartial: true})
	// Supersede the trigger while the first translation is still in flight.
	r.sess.Emit(stt.Result{Text: "The numbers look strong. Costs are down.", Speaker: "spk_0", IsPartial: true})

	r.conn.waitForEvents(t, EventTranslationFinal, 1)
	time.Sleep(100 * time.Millisecond)
	trans := r.conn.eventsOfType(EventTranslationFinal)

	for _, e := range trans {
		if e["sourceText"] == "The numbers look strong." {
			t.Errorf("stale partial translation must be dropped: %v", e)
		}
	}
	found := false
	for _, e := range trans {
		if e["sourceText"] == "Costs are down." {
			found = true
		}
	}
	if !found {
		t.Errorf("current trigger's translation must be emitted: %v", trans)
	}
}

func TestRun_SuggestionCadence(t *testing.T) {
	t.Parallel()
	r := startRig(t, Config{})
	defer r.stop(t)

	// The very first final fires a suggestion.
	r.sess.Emit(stt.Result{Text: "Hello.", Speaker: "spk_0"})
	r.conn.waitForEvents(t, EventSuggestionsUpdate, 1)
	// Let the suggestion task finish bookkeeping before the next final.
	time.Sleep(50 * time.Millisecond)

	// One further final is not enough.
	r.sess.Emit(stt.Result{Text: "Second point.", Speaker: "spk_0"})
	r.conn.waitForEvents(t, EventTranscriptFinal, 2)
	time.Sleep(50 * time.Millisecond)
	if got := r.sg.callCount(); got != 1 {
		t.Fatalf("suggestion must not fire after one final since the last one, got %d calls", got)
	}

	// The second final since the last suggestion fires again.
	r.sess.Emit(stt.Result{Text: "Third point.", Speaker: "spk_0"})
	r.conn.waitForEvents(t, EventSuggestionsUpdate, 2)

	items, _ := r.conn.eventsOfType(EventSuggestionsUpdate)[0]["items"].([]any)
	if len(items) != 1 {
		t.Errorf("suggestion items missing: %v", r.conn.eventsOfType(EventSuggestionsUpdate)[0])
	}
}

func TestRun_SessionStopGracefulShutdown(t *testing.T) {
	t.Parallel()
	r := startRig(t, Config{})

	r.sess.Emit(stt.Result{Text: "Quick note.", Speaker: "spk_0"})
	r.conn.waitForEvents(t, EventTranscriptFinal, 1)

	r.conn.sendJSON(t, map[string]any{"type": "session.stop"})

	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator must shut down within the deadline")
	}

	if len(r.conn.eventsOfType(EventSessionStop)) != 1 {
		t.Errorf("exactly one session.stop frame expected, got %v", r.conn.events())
	}
	if r.sess.CloseCallCount == 0 {
		t.Error("the STT stream must be closed on shutdown")
	}
	select {
	case <-r.conn.closed:
	default:
		t.Error("connection must be closed after shutdown")
	}

	// No further events after shutdown.
	before := len(r.conn.events())
	time.Sleep(50 * time.Millisecond)
	if got := len(r.conn.events()); got != before {
		t.Errorf("no events may be sent after shutdown: %d -> %d", before, got)
	}
}

func TestRun_STTStreamFailure(t *testing.T) {
	t.Parallel()
	r := startRig(t, Config{})

	r.sess.Emit(stt.Result{Text: "Before the failure.", Speaker: "spk_0"})
	r.conn.waitForEvents(t, EventTranscriptFinal, 1)

	// Upstream termination while the session is live.
	r.sess.EndResults()

	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator must shut down after the stream fails")
	}

	var sawStreamError bool
	for _, e := range r.conn.eventsOfType(EventError) {
		if e["code"] == CodeTranscribeStreamError {
			sawStreamError = true
		}
	}
	if !sawStreamError {
		t.Errorf("expected a TRANSCRIBE_STREAM_ERROR, got %v", r.conn.events())
	}
}

func TestRun_TranslationFailureSurfacesAndContinues(t *testing.T) {
	t.Parallel()
	r := startRig(t, Config{})
	r.tr.err = errors.New("model overloaded")
	defer r.stop(t)

	r.sess.Emit(stt.Result{Text: "This will fail to translate.", Speaker: "spk_0"})

	evs := r.conn.waitForEvents(t, EventError, 1)
	if evs[0]["code"] != CodeTranslationError || evs[0]["retryable"] != true {
		t.Errorf("expected a retryable BEDROCK_ERROR, got %v", evs[0])
	}

	// The pipeline keeps going.
	r.tr.err = nil
	r.sess.Emit(stt.Result{Text: "This one works.", Speaker: "spk_0"})
	r.conn.waitForEvents(t, EventTranslationFinal, 1)
}

func TestRun_CorrectionFlow(t *testing.T) {
	t.Parallel()
	r := startRig(t, Config{
		CorrectionEnabled:   true,
		CorrectionBatchSize: 5,
		CorrectionInterval:  20 * time.Millisecond,
	})
	r.cr.response = `{"corrections": ["Welcome to AWS re:Invent."]}`
	defer r.stop(t)

	r.sess.Emit(stt.Result{Text: "Welcome to AWS reinvent.", Speaker: "spk_0"})
	finals := r.conn.waitForEvents(t, EventTranscriptFinal, 1)

	corrected := r.conn.waitForEvents(t, EventTranscriptCorrected, 1)
	if corrected[0]["segmentId"] != finals[0]["segmentId"] {
		t.Errorf("correction must reference the final's segment id")
	}
	if corrected[0]["correctedText"] != "Welcome to AWS re:Invent." {
		t.Errorf("unexpected correction: %v", corrected[0])
	}

	retrans := r.conn.waitForEvents(t, EventTranslationCorrected, 1)
	if retrans[0]["translatedText"] != "[corr] Welcome to AWS re:Invent." {
		t.Errorf("unexpected corrected translation: %v", retrans[0])
	}
}
