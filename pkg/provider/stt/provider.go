// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram or
// Google Speech-to-Text) and exposes a uniform streaming interface. The central
// abstraction is SessionHandle: once opened, a session accepts raw PCM audio
// frames and emits a single ordered stream of Result values, interleaving
// low-latency partials with authoritative finals exactly as the provider
// produced them. Ordering matters to consumers: a final supersedes every
// partial that preceded it for the same utterance.
//
// Implementations must be safe for concurrent use. Audio input and result
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"
)

// ErrNotSupported is returned by optional SessionHandle operations that the
// underlying provider cannot perform, such as mid-stream sample-rate changes.
var ErrNotSupported = errors.New("stt: operation not supported")

// Result is a single transcription result emitted by a session.
type Result struct {
	// Text is the transcribed text. May be empty for keep-alive results;
	// consumers should skip empty text.
	Text string

	// IsPartial reports whether this is an interim hypothesis. Partial results
	// for the same utterance are superseded by later results; a Result with
	// IsPartial false is authoritative.
	IsPartial bool

	// Speaker is a normalised speaker label ("spk_0", "spk_1", ...) when the
	// provider performs diarization, or "" when unknown.
	Speaker string
}

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Common values: 16000 and
	// 48000 (browser capture).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers).
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US",
	// "ko-KR"). An empty string lets the provider auto-detect the language,
	// if supported.
	Language string
}

// SessionHandle represents an open STT streaming session. It is an interface
// so that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider for
	// transcription. The chunk should match the SampleRate, Channels, and
	// bit-depth agreed in StreamConfig. Calling SendAudio after Close returns
	// an error.
	SendAudio(chunk []byte) error

	// SetSampleRate changes the input sample rate mid-session. Providers that
	// cannot reconfigure a live stream return ErrNotSupported; callers treat
	// that as advisory, not fatal.
	SetSampleRate(rate int) error

	// Results returns a read-only channel that emits Result values in
	// provider order, partials and finals interleaved. The channel is closed
	// when the session ends, whether by Close or by an upstream failure.
	Results() <-chan Result

	// Close terminates the session, flushes any pending audio, and releases
	// all associated resources. After Close returns, the Results channel will
	// be closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously, one per connected meeting.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format and recognition configuration. The returned SessionHandle
	// is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close when
	// done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
