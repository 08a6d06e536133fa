// Package mock provides test doubles for the stt.Provider and
// stt.SessionHandle interfaces.
//
// A mock Session is driven by the test: push results with Emit, then close the
// stream with EndResults to simulate the provider finishing, or leave it open
// and call Close from the code under test.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/parley-live/parley/pkg/provider/stt"
)

// StartStreamCall records a single invocation of StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider. It hands out the
// configured Session on every StartStream call.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. If nil, a fresh Session is created
	// per call and recorded in Sessions.
	Session *Session

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every invocation of StartStream in order.
	StartStreamCalls []StartStreamCall

	// Sessions records sessions created when Session is nil.
	Sessions []*Session
}

// StartStream records the call and returns the configured session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	results chan stt.Result
	closed  bool
	ended   bool

	// SendAudioErr, if non-nil, is returned from SendAudio.
	SendAudioErr error

	// SetSampleRateErr is returned from SetSampleRate. Defaults to nil
	// (supported); set to stt.ErrNotSupported to exercise the advisory path.
	SetSampleRateErr error

	// AudioChunks records every chunk passed to SendAudio.
	AudioChunks [][]byte

	// SampleRates records every rate passed to SetSampleRate.
	SampleRates []int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession creates a Session with a buffered results stream.
func NewSession() *Session {
	return &Session{results: make(chan stt.Result, 64)}
}

// Emit pushes a result onto the stream. Panics if the stream was ended; tests
// should sequence Emit before EndResults.
func (s *Session) Emit(r stt.Result) {
	s.results <- r
}

// EndResults closes the results stream, simulating the provider ending the
// session on its own (e.g., an upstream failure). Safe to call once.
func (s *Session) EndResults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.results)
	}
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock: session is closed")
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)
	s.AudioChunks = append(s.AudioChunks, c)
	return nil
}

// SetSampleRate records the rate.
func (s *Session) SetSampleRate(rate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SampleRates = append(s.SampleRates, rate)
	return s.SetSampleRateErr
}

// Results returns the result stream.
func (s *Session) Results() <-chan stt.Result { return s.results }

// Close marks the session closed and ends the results stream.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.closed = true
	if !s.ended {
		s.ended = true
		close(s.results)
	}
	return nil
}

// Compile-time interface checks.
var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)
