// Package stt defines the provider contract for speech-to-text backends.
//
// Two backend shapes exist. A BatchProvider transcribes one complete
// segment of 16 kHz PCM per call. A StreamProvider holds a persistent
// connection per session direction, accepts PCM continuously, and emits
// Result values asynchronously — interim hypotheses while the speaker
// is talking and finals once the provider commits.
//
// Implementations must be safe for concurrent use; a process serves
// many call legs at once.
package stt

import "context"

// StreamConfig describes the audio format and recognition settings for
// a new streaming session.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz. The pipeline always
	// feeds 16000.
	SampleRate int

	// Language is the BCP-47 short language code (e.g. "fr", "en").
	// Empty lets the provider auto-detect if supported.
	Language string
}

// BatchProvider transcribes one complete utterance per call.
type BatchProvider interface {
	// Transcribe submits a whole segment of 16 kHz 16-bit mono PCM and
	// returns its transcription. The returned Result is always final.
	// Network or provider faults are reported through Result.Kind
	// (KindTransient / KindFatal), not through the error, so callers
	// can treat the segment as best-effort; the error is reserved for
	// programmer mistakes such as a nil context.
	Transcribe(ctx context.Context, pcm []byte, language string) (Result, error)
}

// StreamHandle is an open streaming transcription session.
//
// Callers must call Close when done; failing to do so leaks the
// provider connection and its goroutines. All methods are safe for
// concurrent use.
type StreamHandle interface {
	// SendAudio delivers a chunk of 16 kHz 16-bit mono PCM. Calling
	// SendAudio after Close returns ErrClosed.
	SendAudio(chunk []byte) error

	// Results returns the channel of interim and final transcription
	// results, distinguished by Result.IsFinal. The channel is closed
	// when the session ends; closing the handle causes any pending
	// final to be emitted first.
	Results() <-chan Result

	// Close flushes pending audio and tears the session down. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// StreamProvider opens streaming transcription sessions.
type StreamProvider interface {
	// StartStream opens a session ready to accept audio. Returns an
	// error if the connection cannot be established before ctx expires.
	StartStream(ctx context.Context, cfg StreamConfig) (StreamHandle, error)
}
