package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/parley-live/parley/internal/observe"
	"github.com/parley-live/parley/pkg/provider/stt"
)

const (
	// shutdownTimeout bounds the wait for the result pump and background
	// tasks during teardown.
	shutdownTimeout = time.Second

	// recentContextLimit is how many recent transcript lines feed the
	// context-aware translator and the suggester.
	recentContextLimit = 5

	// defaultSpeaker labels results from providers without diarization.
	defaultSpeaker = "spk_0"
)

// MessageKind distinguishes text (control) from binary (audio) frames.
type MessageKind int

const (
	// KindText is a JSON control frame.
	KindText MessageKind = iota
	// KindBinary is a raw PCM audio frame.
	KindBinary
)

// Conn is the transport the orchestrator owns. The server package wraps a
// WebSocket connection into this; tests supply fakes.
type Conn interface {
	// Read blocks until the next frame arrives or the connection fails.
	Read(ctx context.Context) (MessageKind, []byte, error)
	// Write sends one frame. Callers serialize writes.
	Write(ctx context.Context, kind MessageKind, data []byte) error
	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Translator is the translation collaborator contract.
type Translator interface {
	// TranslateFast translates a partial sentence with the low-latency model.
	TranslateFast(ctx context.Context, text string) (string, error)
	// TranslateWithContext translates a final segment using recent transcript
	// lines for coherence.
	TranslateWithContext(ctx context.Context, text string, recentContext []string) (string, error)
	// TranslateCorrection re-translates a corrected segment.
	TranslateCorrection(ctx context.Context, text string) (string, error)
}

// Suggester is the suggestion collaborator contract.
type Suggester interface {
	// Generate returns up to five phrase pairs for the given recent
	// transcripts and optional user-supplied system prompt.
	Generate(ctx context.Context, recentTranscripts []string, systemPrompt string) ([]Suggestion, error)
}

// Config carries the per-session orchestrator settings.
type Config struct {
	// Language is the BCP-47 recognition language handed to the STT stream.
	Language string
	// SampleRate is the default PCM sample rate in Hz. Default 16000.
	SampleRate int
	// MaxConcurrentTranslations bounds in-flight translation calls. Default 2.
	MaxConcurrentTranslations int64
	// Tunables parameterize the partial-emit state machine.
	Tunables Tunables
	// CorrectionEnabled turns the background correction pump on.
	CorrectionEnabled bool
	// CorrectionBatchSize is the per-pass correction batch size. Default 5.
	CorrectionBatchSize int
	// CorrectionInterval is the pause between correction batches. Default 10s.
	CorrectionInterval time.Duration
}

// Deps carries the orchestrator's collaborators.
type Deps struct {
	STT        stt.Provider
	Translator Translator
	Suggester  Suggester
	Corrector  Corrector
	Metrics    *observe.Metrics
	Logger     *slog.Logger
}

// Orchestrator owns one client connection end to end: the socket read loop,
// the STT stream and its result pump, a bounded pool of translation tasks, a
// single-flight suggestion task, the correction pump, and graceful teardown.
type Orchestrator struct {
	cfg        Config
	log        *slog.Logger
	conn       Conn
	stt        stt.Provider
	translator Translator
	suggester  Suggester
	corrector  Corrector
	metrics    *observe.Metrics

	session *Session
	queue   *CorrectionQueue

	handle stt.SessionHandle
	cancel context.CancelFunc

	sendMu      sync.Mutex
	closing     atomic.Bool
	stopOnce    sync.Once
	suggestBusy atomic.Bool
	transSem    *semaphore.Weighted
	tasks       sync.WaitGroup

	pumpDone       chan struct{}
	correctionDone chan struct{}
}

// New creates an Orchestrator for one accepted connection. Zero-valued config
// fields fall back to defaults.
func New(sessionID string, conn Conn, deps Deps, cfg Config) *Orchestrator {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.MaxConcurrentTranslations <= 0 {
		cfg.MaxConcurrentTranslations = 2
	}
	if cfg.CorrectionInterval <= 0 {
		cfg.CorrectionInterval = 10 * time.Second
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:            cfg,
		log:            log.With("session_id", sessionID),
		conn:           conn,
		stt:            deps.STT,
		translator:     deps.Translator,
		suggester:      deps.Suggester,
		corrector:      deps.Corrector,
		metrics:        deps.Metrics,
		session:        NewSession(sessionID, cfg.Tunables),
		queue:          NewCorrectionQueue(cfg.CorrectionBatchSize),
		transSem:       semaphore.NewWeighted(cfg.MaxConcurrentTranslations),
		pumpDone:       make(chan struct{}),
		correctionDone: make(chan struct{}),
	}
}

// Run drives the session until the connection closes, the client sends
// session.stop, or the STT stream fails fatally. It always returns with the
// connection closed and all background work stopped.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.session.ID() == "" {
		o.send(ctx, EventError, ErrorEvent{
			Type: EventError, TS: nowMS(),
			Code: CodeSessionNotFound, Message: "session id must not be empty",
		})
		_ = o.conn.Close()
		return errors.New("meeting: empty session id")
	}

	handle, err := o.stt.StartStream(ctx, stt.StreamConfig{
		SampleRate: o.cfg.SampleRate,
		Channels:   1,
		Language:   o.cfg.Language,
	})
	if err != nil {
		o.log.Error("failed to open transcription stream", "err", err)
		o.metrics.RecordProviderError(ctx, "stt", "start_stream")
		o.send(ctx, EventError, ErrorEvent{
			Type: EventError, TS: nowMS(),
			Code: CodeTranscribeStreamError, Message: "could not open transcription stream",
		})
		_ = o.conn.Close()
		return fmt.Errorf("meeting: start stt stream: %w", err)
	}
	o.handle = handle

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	defer cancel()

	o.metrics.SessionStarted(ctx)
	defer o.metrics.SessionEnded(context.WithoutCancel(ctx))

	go o.resultPump(ctx)
	if o.cfg.CorrectionEnabled && o.corrector != nil {
		go o.correctionPump(ctx)
	} else {
		close(o.correctionDone)
	}

	o.log.Info("session started")
	o.readLoop(ctx)
	o.shutdown(context.WithoutCancel(ctx))
	o.log.Info("session closed")
	return nil
}

// readLoop consumes inbound frames until the connection fails or the client
// requests a stop. It never blocks on LLM work.
func (o *Orchestrator) readLoop(ctx context.Context) {
	for {
		kind, data, err := o.conn.Read(ctx)
		if err != nil {
			return
		}
		switch kind {
		case KindBinary:
			if err := o.handle.SendAudio(data); err != nil {
				o.log.Debug("audio forward failed", "err", err)
			}
		case KindText:
			if stop := o.handleControl(ctx, data); stop {
				return
			}
		}
	}
}

// handleControl processes one inbound control frame. It returns true when the
// client requested a graceful stop.
func (o *Orchestrator) handleControl(ctx context.Context, data []byte) bool {
	var msg struct {
		Type       string `json:"type"`
		Prompt     any    `json:"prompt"`
		SampleRate int    `json:"sampleRate"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		o.sendInvalid(ctx, "invalid JSON")
		return false
	}

	switch msg.Type {
	case "client.ping":
		o.send(ctx, EventServerPong, PongEvent{Type: EventServerPong, TS: nowMS()})
	case "suggestions.prompt":
		prompt, ok := msg.Prompt.(string)
		if !ok {
			o.sendInvalid(ctx, "prompt must be a string")
			return false
		}
		o.session.SetSuggestionsPrompt(prompt)
	case "session.start":
		if msg.SampleRate > 0 {
			if err := o.handle.SetSampleRate(msg.SampleRate); err != nil {
				o.log.Debug("sample rate not applied", "rate", msg.SampleRate, "err", err)
			}
		}
	case "session.stop":
		o.sendStop(ctx)
		return true
	default:
		o.sendInvalid(ctx, "unknown message type")
	}
	return false
}

// resultPump drains the STT result stream through the state machine. If the
// stream terminates while the session is still live, it reports the failure
// and forces the connection closed so the read loop unblocks.
func (o *Orchestrator) resultPump(ctx context.Context) {
	defer close(o.pumpDone)

	for r := range o.handle.Results() {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			continue
		}
		speaker := r.Speaker
		if speaker == "" {
			speaker = defaultSpeaker
		}
		ts := nowMS()
		if r.IsPartial {
			o.onPartial(ctx, speaker, ts, text)
		} else {
			o.onFinal(ctx, speaker, ts, text)
		}
	}

	if !o.closing.Load() {
		o.log.Warn("transcription stream ended unexpectedly")
		o.send(ctx, EventError, ErrorEvent{
			Type: EventError, TS: nowMS(),
			Code: CodeTranscribeStreamError, Message: "transcription stream ended unexpectedly",
		})
		_ = o.conn.Close()
	}
}

// onPartial routes one partial STT result through the state machine.
func (o *Orchestrator) onPartial(ctx context.Context, speaker string, ts int64, text string) {
	emit, ok := o.session.ObservePartial(speaker, ts, text)
	if !ok {
		return
	}

	o.session.UpdateDisplay(SubtitleSegment{
		ID:        emit.DisplayID,
		Text:      emit.Caption,
		Speaker:   speaker,
		StartTime: emit.StartTS,
		SegmentID: emit.SegmentID,
	})

	o.send(ctx, EventTranscriptPartial, TranscriptPartialEvent{
		Type: EventTranscriptPartial, TS: nowMS(),
		SessionID: o.session.ID(),
		Speaker:   speaker,
		Text:      emit.Caption,
		SegmentID: emit.SegmentID,
	})

	if trig := emit.Translation; trig != nil {
		t := *trig
		o.spawn(func() { o.partialTranslation(ctx, t) })
	}
}

// onFinal routes one final STT result: transcript log, display buffer,
// correction queue, final translation, and the suggestion policy.
func (o *Orchestrator) onFinal(ctx context.Context, speaker string, ts int64, text string) {
	fin, ok := o.session.ObserveFinal(speaker, ts, text)
	if !ok {
		return
	}

	recent := o.session.RecentContext(recentContextLimit)

	end := ts
	seg := SubtitleSegment{
		ID:        fin.DisplayID,
		Text:      fin.Text,
		Speaker:   speaker,
		StartTime: fin.StartTS,
		EndTime:   &end,
		IsFinal:   true,
		SegmentID: fin.SegmentID,
	}
	snap := o.session.UpdateDisplay(seg)

	o.send(ctx, EventDisplayUpdate, DisplayUpdateEvent{
		Type: EventDisplayUpdate, TS: nowMS(),
		SessionID: o.session.ID(),
		Confirmed: snap.Confirmed,
		Current:   snap.Current,
	})
	o.send(ctx, EventTranscriptFinal, TranscriptFinalEvent{
		Type: EventTranscriptFinal, TS: nowMS(),
		SessionID: o.session.ID(),
		Speaker:   speaker,
		Text:      fin.Text,
		SegmentID: fin.SegmentID,
	})

	if o.cfg.CorrectionEnabled && o.corrector != nil {
		o.queue.Enqueue(seg)
	}

	o.spawn(func() { o.finalTranslation(ctx, fin, recent) })

	if o.suggester != nil && o.session.ShouldSuggest() && o.suggestBusy.CompareAndSwap(false, true) {
		o.spawn(func() {
			defer o.suggestBusy.Store(false)
			o.runSuggestion(ctx)
		})
	}
}

// partialTranslation translates a triggered sentence with the fast model and
// drops the result if the trigger went stale while the call was in flight.
func (o *Orchestrator) partialTranslation(ctx context.Context, trig TranslationTrigger) {
	if err := o.transSem.Acquire(ctx, 1); err != nil {
		return
	}
	defer o.transSem.Release(1)

	start := time.Now()
	translated, err := o.translator.TranslateFast(ctx, trig.Text)
	o.metrics.RecordLLMDuration(ctx, "translation_fast", time.Since(start))
	if err != nil {
		o.reportLLMFailure(ctx, "translation_fast", CodeTranslationError, "partial translation failed", err)
		return
	}

	if !o.session.IsPartialTranslationCurrent(trig.Speaker, trig.TS, trig.Text, trig.SegmentID) {
		return
	}

	o.send(ctx, EventTranslationFinal, TranslationFinalEvent{
		Type: EventTranslationFinal, TS: nowMS(),
		SessionID:      o.session.ID(),
		SourceTS:       trig.TS,
		SegmentID:      trig.SegmentID,
		Speaker:        trig.Speaker,
		SourceText:     trig.Text,
		TranslatedText: translated,
	})
}

// finalTranslation translates a finalized segment with recent context and
// records it in the translation log.
func (o *Orchestrator) finalTranslation(ctx context.Context, fin FinalEmit, recent []string) {
	if err := o.transSem.Acquire(ctx, 1); err != nil {
		return
	}
	defer o.transSem.Release(1)

	start := time.Now()
	translated, err := o.translator.TranslateWithContext(ctx, fin.Text, recent)
	o.metrics.RecordLLMDuration(ctx, "translation_context", time.Since(start))
	if err != nil {
		o.reportLLMFailure(ctx, "translation_context", CodeTranslationError, "translation failed", err)
		return
	}

	o.session.AddTranslation(fin.Speaker, fin.TS, fin.Text, translated)
	o.send(ctx, EventTranslationFinal, TranslationFinalEvent{
		Type: EventTranslationFinal, TS: nowMS(),
		SessionID:      o.session.ID(),
		SourceTS:       fin.TS,
		SegmentID:      fin.SegmentID,
		Speaker:        fin.Speaker,
		SourceText:     fin.Text,
		TranslatedText: translated,
	})
}

// runSuggestion fetches a fresh suggestion set. At most one runs at a time;
// triggers that fire while one is in flight are dropped by the caller.
func (o *Orchestrator) runSuggestion(ctx context.Context) {
	recent := o.session.RecentTranscripts(recentContextLimit)

	start := time.Now()
	items, err := o.suggester.Generate(ctx, recent, o.session.SuggestionsPrompt())
	o.metrics.RecordLLMDuration(ctx, "suggestion", time.Since(start))
	if err != nil {
		o.reportLLMFailure(ctx, "suggestion", CodeSuggestionError, "suggestion generation failed", err)
		return
	}

	o.send(ctx, EventSuggestionsUpdate, SuggestionsUpdateEvent{
		Type: EventSuggestionsUpdate, TS: nowMS(),
		SessionID: o.session.ID(),
		Items:     items,
	})
	o.session.MarkSuggested()
}

// correctionPump periodically drains the correction queue and fans out
// corrected-transcript and corrected-translation events.
func (o *Orchestrator) correctionPump(ctx context.Context) {
	defer close(o.correctionDone)

	ticker := time.NewTicker(o.cfg.CorrectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if o.queue.Len() == 0 {
			continue
		}

		start := time.Now()
		corrections, err := o.queue.ProcessBatch(ctx, o.corrector)
		o.metrics.RecordLLMDuration(ctx, "correction", time.Since(start))
		if err != nil {
			if ctx.Err() == nil {
				o.log.Warn("correction batch failed", "err", err)
				o.metrics.RecordProviderError(ctx, "llm", "correction")
			}
			continue
		}

		for _, c := range corrections {
			o.send(ctx, EventTranscriptCorrected, TranscriptCorrectedEvent{
				Type: EventTranscriptCorrected, TS: nowMS(),
				SessionID:     o.session.ID(),
				SegmentID:     c.SegmentID,
				OriginalText:  c.OriginalText,
				CorrectedText: c.CorrectedText,
			})
			c := c
			o.spawn(func() { o.correctedTranslation(ctx, c) })
		}
	}
}

// correctedTranslation re-translates a corrected segment.
func (o *Orchestrator) correctedTranslation(ctx context.Context, c Correction) {
	if err := o.transSem.Acquire(ctx, 1); err != nil {
		return
	}
	defer o.transSem.Release(1)

	start := time.Now()
	translated, err := o.translator.TranslateCorrection(ctx, c.CorrectedText)
	o.metrics.RecordLLMDuration(ctx, "translation_correction", time.Since(start))
	if err != nil {
		o.reportLLMFailure(ctx, "translation_correction", CodeTranslationError, "corrected translation failed", err)
		return
	}

	o.send(ctx, EventTranslationCorrected, TranslationCorrectedEvent{
		Type: EventTranslationCorrected, TS: nowMS(),
		SessionID:      o.session.ID(),
		SegmentID:      c.SegmentID,
		Speaker:        c.Speaker,
		SourceText:     c.CorrectedText,
		TranslatedText: translated,
	})
}

// shutdown tears the session down: stop frame, closing flag, STT stream,
// background tasks with a deadline, then the socket.
func (o *Orchestrator) shutdown(ctx context.Context) {
	o.sendStop(ctx)
	o.closing.Store(true)

	if o.handle != nil {
		_ = o.handle.Close()
	}
	if o.cancel != nil {
		o.cancel()
	}

	done := make(chan struct{})
	go func() {
		<-o.pumpDone
		<-o.correctionDone
		o.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		o.log.Warn("shutdown timed out waiting for background tasks")
	}

	_ = o.conn.Close()
}

// spawn tracks a background task in the per-session wait group.
func (o *Orchestrator) spawn(fn func()) {
	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		fn()
	}()
}

// sendStop emits the session.stop frame exactly once per session.
func (o *Orchestrator) sendStop(ctx context.Context) {
	o.stopOnce.Do(func() {
		o.send(ctx, EventSessionStop, SessionStopEvent{Type: EventSessionStop, TS: nowMS()})
	})
}

// sendInvalid reports a protocol error without terminating the session.
func (o *Orchestrator) sendInvalid(ctx context.Context, message string) {
	o.send(ctx, EventError, ErrorEvent{
		Type: EventError, TS: nowMS(),
		Code: CodeInvalidMessage, Message: message,
	})
}

// reportLLMFailure logs an LLM collaborator failure and surfaces it as a
// one-shot retryable error frame. Cancellation is not an error.
func (o *Orchestrator) reportLLMFailure(ctx context.Context, kind, code, message string, err error) {
	if ctx.Err() != nil || o.closing.Load() {
		return
	}
	o.log.Warn(message, "kind", kind, "err", err)
	o.metrics.RecordProviderError(ctx, "llm", kind)
	o.send(ctx, EventError, ErrorEvent{
		Type: EventError, TS: nowMS(),
		Code: code, Message: message, Retryable: true,
	})
}

// send serializes one outbound event onto the socket. Sends after shutdown
// has begun are silently dropped; write failures are swallowed (the read loop
// observes the broken connection and triggers teardown).
func (o *Orchestrator) send(ctx context.Context, eventType string, event any) {
	if o.closing.Load() {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		o.log.Error("event marshal failed", "type", eventType, "err", err)
		return
	}

	o.sendMu.Lock()
	err = o.conn.Write(ctx, KindText, data)
	o.sendMu.Unlock()

	if err != nil {
		o.log.Debug("event write failed", "type", eventType, "err", err)
		return
	}
	o.metrics.RecordEventSent(ctx, eventType)
}

// nowMS is the event timestamp clock, ms since epoch.
func nowMS() int64 {
	return time.Now().UnixMilli()
}
