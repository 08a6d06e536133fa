// Package meeting implements the per-session core of the server: the session
// state and partial-emit state machine, the display buffer, the correction
// queue, and the orchestrator that owns one client connection end to end.
package meeting

// Outbound event type discriminators.
const (
	EventServerPong           = "server.pong"
	EventSessionStop          = "session.stop"
	EventTranscriptPartial    = "transcript.partial"
	EventTranscriptFinal      = "transcript.final"
	EventTranslationFinal     = "translation.final"
	EventTranscriptCorrected  = "transcript.corrected"
	EventTranslationCorrected = "translation.corrected"
	EventDisplayUpdate        = "display.update"
	EventSuggestionsUpdate    = "suggestions.update"
	EventError                = "error"
)

// Error codes carried by ErrorEvent.
const (
	CodeSessionNotFound       = "SESSION_NOT_FOUND"
	CodeInvalidMessage        = "INVALID_MESSAGE"
	CodeTranscribeStreamError = "TRANSCRIBE_STREAM_ERROR"
	CodeTranslationError      = "BEDROCK_ERROR"
	CodeSuggestionError       = "SUGGESTION_ERROR"
)

// SubtitleSegment is the display-layer representation of one utterance.
// EndTime is set only on final segments.
type SubtitleSegment struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	Speaker     string `json:"speaker"`
	StartTime   int64  `json:"startTime"`
	EndTime     *int64 `json:"endTime,omitempty"`
	IsFinal     bool   `json:"isFinal"`
	SegmentID   int64  `json:"segmentId"`
	Translation string `json:"translation,omitempty"`
}

// Suggestion is one suggested phrase pair.
type Suggestion struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// PongEvent answers a client.ping.
type PongEvent struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// SessionStopEvent announces session termination. Sent both as the echo of a
// client-initiated stop and on every other termination path.
type SessionStopEvent struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// TranscriptPartialEvent carries an interim caption update.
type TranscriptPartialEvent struct {
	Type      string `json:"type"`
	TS        int64  `json:"ts"`
	SessionID string `json:"sessionId"`
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
	SegmentID int64  `json:"segmentId"`
}

// TranscriptFinalEvent carries a finalized transcript segment.
type TranscriptFinalEvent struct {
	Type      string `json:"type"`
	TS        int64  `json:"ts"`
	SessionID string `json:"sessionId"`
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
	SegmentID int64  `json:"segmentId"`
}

// TranslationFinalEvent carries a translation for a partial or final segment.
// Clients correlate by SegmentID, not arrival order.
type TranslationFinalEvent struct {
	Type           string `json:"type"`
	TS             int64  `json:"ts"`
	SessionID      string `json:"sessionId"`
	SourceTS       int64  `json:"sourceTs"`
	SegmentID      int64  `json:"segmentId,omitempty"`
	Speaker        string `json:"speaker"`
	SourceText     string `json:"sourceText"`
	TranslatedText string `json:"translatedText"`
}

// TranscriptCorrectedEvent reconciles an earlier final segment.
type TranscriptCorrectedEvent struct {
	Type          string `json:"type"`
	TS            int64  `json:"ts"`
	SessionID     string `json:"sessionId"`
	SegmentID     int64  `json:"segmentId"`
	OriginalText  string `json:"originalText"`
	CorrectedText string `json:"correctedText"`
}

// TranslationCorrectedEvent carries the re-translation of a corrected segment.
type TranslationCorrectedEvent struct {
	Type           string `json:"type"`
	TS             int64  `json:"ts"`
	SessionID      string `json:"sessionId"`
	SegmentID      int64  `json:"segmentId"`
	Speaker        string `json:"speaker"`
	SourceText     string `json:"sourceText"`
	TranslatedText string `json:"translatedText"`
}

// DisplayUpdateEvent carries a consistent snapshot of the display buffer.
type DisplayUpdateEvent struct {
	Type      string            `json:"type"`
	TS        int64             `json:"ts"`
	SessionID string            `json:"sessionId"`
	Confirmed []SubtitleSegment `json:"confirmed"`
	Current   *SubtitleSegment  `json:"current,omitempty"`
}

// SuggestionsUpdateEvent carries a refreshed set of phrase suggestions.
type SuggestionsUpdateEvent struct {
	Type      string       `json:"type"`
	TS        int64        `json:"ts"`
	SessionID string       `json:"sessionId"`
	Items     []Suggestion `json:"items"`
}

// ErrorEvent reports a recoverable or fatal failure to the client.
type ErrorEvent struct {
	Type      string `json:"type"`
	TS        int64  `json:"ts"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}
