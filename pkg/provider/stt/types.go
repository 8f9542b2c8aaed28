package stt

import (
	"errors"
	"time"
)

// ErrClosed is returned by StreamHandle.SendAudio after Close.
var ErrClosed = errors.New("stt: session is closed")

// ResultKind classifies a transcription outcome. Faults travel through
// the same channel as text so the pipeline can switch on one value
// instead of using errors for control flow in the audio path.
type ResultKind string

const (
	// KindTranscribed carries recognised text.
	KindTranscribed ResultKind = "transcribed"

	// KindFiltered marks output rejected by the hallucination filter.
	// Set by the pipeline, never by providers.
	KindFiltered ResultKind = "filtered"

	// KindTransient marks a recoverable provider fault (timeout, 5xx,
	// dropped socket). The segment is lost; the session continues.
	KindTransient ResultKind = "transient"

	// KindFatal marks a fault that ends the transcript stream for the
	// direction (e.g. failed reconnect). Audio handling continues.
	KindFatal ResultKind = "fatal"
)

// Result is the outcome of transcribing a segment or a streaming
// utterance.
type Result struct {
	Kind ResultKind

	// Text is the transcription. Empty unless Kind is KindTranscribed.
	Text string

	// Language is the BCP-47 short code the provider recognised, or the
	// requested language when the provider does not report one.
	Language string

	// Confidence is the provider's confidence in [0,1], nil when the
	// provider reports none.
	Confidence *float64

	// IsFinal distinguishes committed results from interim hypotheses.
	// Batch results are always final.
	IsFinal bool

	// Start is the utterance start relative to the stream, when known.
	Start time.Duration

	// Duration is the audio length the result covers, when known.
	Duration time.Duration

	// Reason describes why a non-Transcribed result was produced.
	Reason string
}

// Transcribed is a convenience constructor for a successful final result.
func Transcribed(text, language string, confidence *float64) Result {
	return Result{
		Kind:       KindTranscribed,
		Text:       text,
		Language:   language,
		Confidence: confidence,
		IsFinal:    true,
	}
}

// Transient is a convenience constructor for a recoverable fault.
func Transient(reason string) Result {
	return Result{Kind: KindTransient, Reason: reason}
}

// Fatal is a convenience constructor for a stream-ending fault.
func Fatal(reason string) Result {
	return Result{Kind: KindFatal, Reason: reason}
}
