package meeting

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Default tunables for the partial-emit state machine. Lengths count Unicode
// code points, not bytes.
const (
	defaultPartialIntervalMS = 1000
	defaultPartialMinGrowth  = 10
	defaultPartialMinLength  = 18
)

var (
	// sentenceRe matches one complete sentence up to and including its ender.
	sentenceRe = regexp.MustCompile(`[^.!?。？！]*[.!?。？！]`)

	// softBoundaryRe matches clause-break punctuation or a trailing English
	// connective, both of which suggest a natural mid-sentence pause.
	softBoundaryRe = regexp.MustCompile(`(?i)(?:[,;:]|\b(?:and|but|so|because|if|when|which|that|or|while|then|however|therefore))\s*$`)
)

// Tunables parameterize the partial-emit state machine.
type Tunables struct {
	// PartialIntervalMS is the minimum time between time-triggered emissions.
	PartialIntervalMS int64
	// PartialMinGrowth is the minimum caption growth, in code points, for
	// time-triggered and first-trigger emissions.
	PartialMinGrowth int
	// PartialMinLength is the minimum caption length, in code points, below
	// which partials are suppressed unless a sentence boundary changed.
	PartialMinLength int
}

// DefaultTunables returns the standard state-machine parameters.
func DefaultTunables() Tunables {
	return Tunables{
		PartialIntervalMS: defaultPartialIntervalMS,
		PartialMinGrowth:  defaultPartialMinGrowth,
		PartialMinLength:  defaultPartialMinLength,
	}
}

// TranscriptEntry is one finalized transcript line. Immutable once appended;
// corrections are emitted as separate events.
type TranscriptEntry struct {
	Speaker string
	TS      int64
	Text    string
}

// TranslationEntry records a completed final-segment translation.
type TranslationEntry struct {
	Speaker        string
	SourceTS       int64
	SourceText     string
	TranslatedText string
}

// partialState tracks the single in-flight utterance. segmentID is reserved
// the first time the machine emits for this utterance so the eventual final
// reuses the same id; displayID and startTS are fixed at the same moment for
// the display layer.
type partialState struct {
	speaker              string
	lastCompleteSentence string
	lastCaptionText      string
	lastEmitTS           int64
	lastEmitLen          int
	lastTranslationText  string
	lastTranslationTS    int64
	lastTranslationSegID int64
	segmentID            int64
	displayID            string
	startTS              int64
}

// TranslationTrigger identifies a sentence proposed for partial translation.
// The orchestrator must re-check the trigger against the session after the
// LLM call returns; see IsPartialTranslationCurrent.
type TranslationTrigger struct {
	Speaker   string
	TS        int64
	Text      string
	SegmentID int64
}

// PartialEmit is the state machine's output for an accepted partial.
type PartialEmit struct {
	Caption     string
	Speaker     string
	SegmentID   int64
	DisplayID   string
	StartTS     int64
	Translation *TranslationTrigger
}

// FinalEmit is the state machine's output for an accepted final.
type FinalEmit struct {
	Text      string
	Speaker   string
	TS        int64
	SegmentID int64
	DisplayID string
	StartTS   int64
}

// Session is the in-memory state for one connection: the transcript and
// translation logs, the partial-emit state machine, the display buffer, and
// the suggestion counters. Safe for concurrent use.
type Session struct {
	mu sync.Mutex

	id            string
	tun           Tunables
	nextSegmentID int64

	transcripts  []TranscriptEntry
	translations []TranslationEntry

	suggestionsPrompt   string
	sinceLastSuggestion int

	partial *partialState
	display DisplayBuffer
}

// NewSession creates a Session with the given id and tunables. Zero-valued
// tunable fields fall back to the defaults.
func NewSession(id string, tun Tunables) *Session {
	def := DefaultTunables()
	if tun.PartialIntervalMS <= 0 {
		tun.PartialIntervalMS = def.PartialIntervalMS
	}
	if tun.PartialMinGrowth <= 0 {
		tun.PartialMinGrowth = def.PartialMinGrowth
	}
	if tun.PartialMinLength <= 0 {
		tun.PartialMinLength = def.PartialMinLength
	}
	return &Session{id: id, tun: tun}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// ObservePartial feeds one partial STT result through the state machine.
// It returns the emission and true when the partial clears the throttling
// gates, or a zero value and false when it is suppressed.
func (s *Session) ObservePartial(speaker string, ts int64, text string) (PartialEmit, bool) {
	caption := strings.TrimSpace(text)
	if caption == "" {
		return PartialEmit{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.partial == nil {
		s.partial = &partialState{}
	}
	ps := s.partial
	ps.speaker = speaker

	boundaryChanged := false
	lastSentence := lastCompleteSentence(caption)
	if lastSentence != "" && lastSentence != ps.lastCompleteSentence {
		boundaryChanged = true
		ps.lastCompleteSentence = lastSentence
	}

	captionLen := utf8.RuneCountInString(caption)
	if captionLen < s.tun.PartialMinLength && !boundaryChanged {
		return PartialEmit{}, false
	}

	growth := captionLen - ps.lastEmitLen
	softBoundary := softBoundaryRe.MatchString(caption)
	timeTriggered := ps.lastEmitTS != 0 &&
		ts-ps.lastEmitTS >= s.tun.PartialIntervalMS &&
		growth >= s.tun.PartialMinGrowth
	firstTrigger := ps.lastEmitTS == 0 && growth >= s.tun.PartialMinGrowth

	if !boundaryChanged && !softBoundary && !timeTriggered && !firstTrigger {
		return PartialEmit{}, false
	}

	if caption == ps.lastCaptionText {
		return PartialEmit{}, false
	}

	ps.lastCaptionText = caption
	ps.lastEmitTS = ts
	ps.lastEmitLen = captionLen
	if ps.segmentID == 0 {
		s.nextSegmentID++
		ps.segmentID = s.nextSegmentID
		ps.displayID = uuid.NewString()
		ps.startTS = ts
	}

	emit := PartialEmit{
		Caption:   caption,
		Speaker:   speaker,
		SegmentID: ps.segmentID,
		DisplayID: ps.displayID,
		StartTS:   ps.startTS,
	}

	if lastSentence != "" && lastSentence != ps.lastTranslationText {
		ps.lastTranslationText = lastSentence
		ps.lastTranslationTS = ts
		ps.lastTranslationSegID = ps.segmentID
		emit.Translation = &TranslationTrigger{
			Speaker:   speaker,
			TS:        ts,
			Text:      lastSentence,
			SegmentID: ps.segmentID,
		}
	}

	return emit, true
}

// ObserveFinal accepts a final STT result: clears the partial state, reuses
// its reserved segment id (or allocates one), appends a TranscriptEntry, and
// advances the suggestion counter. Returns false for empty text.
func (s *Session) ObserveFinal(speaker string, ts int64, text string) (FinalEmit, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return FinalEmit{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var segID int64
	displayID := ""
	startTS := ts
	if ps := s.partial; ps != nil && ps.segmentID != 0 {
		segID = ps.segmentID
		displayID = ps.displayID
		startTS = ps.startTS
	}
	s.partial = nil

	if segID == 0 {
		s.nextSegmentID++
		segID = s.nextSegmentID
	}
	if displayID == "" {
		displayID = uuid.NewString()
	}

	s.transcripts = append(s.transcripts, TranscriptEntry{
		Speaker: speaker,
		TS:      ts,
		Text:    trimmed,
	})
	s.sinceLastSuggestion++

	return FinalEmit{
		Text:      trimmed,
		Speaker:   speaker,
		TS:        ts,
		SegmentID: segID,
		DisplayID: displayID,
		StartTS:   startTS,
	}, true
}

// IsPartialTranslationCurrent reports whether the given trigger tuple still
// matches the state machine's recorded last translation. A false result means
// the LLM call outlived its trigger and its output must be dropped.
func (s *Session) IsPartialTranslationCurrent(speaker string, ts int64, text string, segmentID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.partial
	return ps != nil &&
		ps.speaker == speaker &&
		ps.lastTranslationTS == ts &&
		ps.lastTranslationText == text &&
		ps.lastTranslationSegID == segmentID
}

// AddTranslation appends to the translation log. No deduplication.
func (s *Session) AddTranslation(speaker string, sourceTS int64, sourceText, translatedText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.translations = append(s.translations, TranslationEntry{
		Speaker:        speaker,
		SourceTS:       sourceTS,
		SourceText:     sourceText,
		TranslatedText: translatedText,
	})
}

// TranscriptCount returns the number of finalized transcript entries.
func (s *Session) TranscriptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transcripts)
}

// RecentTranscripts returns up to limit most recent transcript lines in
// chronological order, formatted as "{speaker}: {text}".
func (s *Session) RecentTranscripts(limit int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return formatEntries(s.transcripts, limit)
}

// RecentContext returns up to limit most recent non-empty transcript lines
// excluding the newest entry, in chronological order, formatted as
// "{speaker}: {text}". This is the context handed to the final translator.
func (s *Session) RecentContext(limit int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.transcripts) == 0 {
		return nil
	}
	return formatEntries(s.transcripts[:len(s.transcripts)-1], limit)
}

func formatEntries(entries []TranscriptEntry, limit int) []string {
	var out []string
	for _, e := range entries {
		if e.Text == "" {
			continue
		}
		out = append(out, fmt.Sprintf("%s: %s", e.Speaker, e.Text))
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// SetSuggestionsPrompt stores the per-session suggestion system prompt.
func (s *Session) SetSuggestionsPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suggestionsPrompt = prompt
}

// SuggestionsPrompt returns the stored suggestion system prompt.
func (s *Session) SuggestionsPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suggestionsPrompt
}

// ShouldSuggest evaluates the suggestion cadence policy against the current
// transcript count and the number of finals since the last suggestion.
func (s *Session) ShouldSuggest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.transcripts)
	return (n >= 1 && s.sinceLastSuggestion >= 2) ||
		(n == 1 && s.sinceLastSuggestion > 0)
}

// MarkSuggested resets the suggestion counter after a successful emission.
func (s *Session) MarkSuggested() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinceLastSuggestion = 0
}

// UpdateDisplay applies seg to the display buffer and returns the resulting
// snapshot.
func (s *Session) UpdateDisplay(seg SubtitleSegment) DisplaySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.display.Update(seg)
}

// lastCompleteSentence returns the trimmed last complete sentence in text, or
// "" when text contains no sentence ender.
func lastCompleteSentence(text string) string {
	sentences := sentenceRe.FindAllString(text, -1)
	if len(sentences) == 0 {
		return ""
	}
	return strings.TrimSpace(sentences[len(sentences)-1])
}
