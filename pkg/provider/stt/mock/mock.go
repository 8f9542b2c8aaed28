// Package mock provides test doubles for the stt package interfaces.
//
// Batch scripts one Result per Transcribe call (repeating the last
// entry when the script runs out). Stream hands out Session values
// whose Results channel the test owns, and records every audio chunk
// delivered.
package mock

import (
	"context"
	"sync"

	"github.com/tkellem/callscribe/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Batch.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the audio passed to Transcribe.
	PCM []byte
	// Language is the language code passed to Transcribe.
	Language string
}

// Batch is a mock implementation of stt.BatchProvider.
type Batch struct {
	mu sync.Mutex

	// Script holds the Results to return, one per call. When exhausted,
	// the last entry repeats; when empty, an empty Transcribed result
	// is returned.
	Script []stt.Result

	// Err, if non-nil, is returned as the error from every call.
	Err error

	// Calls records every Transcribe invocation in order.
	Calls []TranscribeCall
}

var _ stt.BatchProvider = (*Batch)(nil)

// Transcribe records the call and returns the next scripted Result.
func (b *Batch) Transcribe(_ context.Context, pcm []byte, language string) (stt.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	b.Calls = append(b.Calls, TranscribeCall{PCM: cp, Language: language})
	if b.Err != nil {
		return stt.Result{}, b.Err
	}
	switch n := len(b.Calls); {
	case len(b.Script) == 0:
		return stt.Transcribed("", language, nil), nil
	case n > len(b.Script):
		return b.Script[len(b.Script)-1], nil
	default:
		return b.Script[n-1], nil
	}
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (b *Batch) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Calls)
}

// StartStreamCall records a single invocation of Stream.StartStream.
type StartStreamCall struct {
	Cfg stt.StreamConfig
}

// Stream is a mock implementation of stt.StreamProvider.
type Stream struct {
	mu sync.Mutex

	// Sessions are returned in order by successive StartStream calls.
	// When exhausted (or empty), a fresh Session with a buffered
	// Results channel is returned.
	Sessions []*Session

	// Errs are returned in order by successive StartStream calls; a nil
	// entry means success. Exhausted entries mean success.
	Errs []error

	// Calls records every StartStream invocation.
	Calls []StartStreamCall
}

var _ stt.StreamProvider = (*Stream)(nil)

// StartStream records the call and returns the next scripted session
// or error.
func (s *Stream) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.StreamHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.Calls)
	s.Calls = append(s.Calls, StartStreamCall{Cfg: cfg})
	if n < len(s.Errs) && s.Errs[n] != nil {
		return nil, s.Errs[n]
	}
	if n < len(s.Sessions) {
		return s.Sessions[n], nil
	}
	return NewSession(), nil
}

// CallCount returns the number of StartStream calls. Thread-safe.
func (s *Stream) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// Session is a mock implementation of stt.StreamHandle. Tests own
// ResultsCh: send the Result values the consumer should see, then
// close it (or call Close, which closes it once).
type Session struct {
	mu sync.Mutex

	// ResultsCh is the channel returned by Results().
	ResultsCh chan stt.Result

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// AudioChunks records a copy of every chunk passed to SendAudio.
	AudioChunks [][]byte

	// CloseCount is the number of times Close was called.
	CloseCount int

	closeOnce sync.Once
}

var _ stt.StreamHandle = (*Session)(nil)

// NewSession returns a Session with a buffered Results channel.
func NewSession() *Session {
	return &Session{ResultsCh: make(chan stt.Result, 64)}
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.AudioChunks = append(s.AudioChunks, cp)
	return s.SendAudioErr
}

// Results returns ResultsCh.
func (s *Session) Results() <-chan stt.Result { return s.ResultsCh }

// Close records the call and closes ResultsCh exactly once.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCount++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.ResultsCh) })
	return nil
}

// AudioChunkCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) AudioChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.AudioChunks)
}
