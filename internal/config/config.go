// Package config provides the configuration schema and loader for the
// callscribe server.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Backend selects the speech-to-text integration mode.
type Backend string

const (
	// BackendBatch submits each completed segment as one HTTP
	// transcription request.
	BackendBatch Backend = "batch"

	// BackendStreaming feeds audio continuously over a persistent
	// provider WebSocket and receives interim and final results.
	BackendStreaming Backend = "streaming"
)

// IsValid reports whether b is a recognised backend.
func (b Backend) IsValid() bool {
	return b == BackendBatch || b == BackendStreaming
}

// Config is the root configuration structure, typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	STT       STTConfig       `yaml:"stt"`
	Audio     AudioConfig     `yaml:"audio"`
	Recording RecordingConfig `yaml:"recording"`
	Session   SessionConfig   `yaml:"session"`
	Agent     AgentConfig     `yaml:"agent"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MediaStreamPath is the WebSocket path the telephony provider
	// connects to. The historical default is "/twilio/media-stream".
	MediaStreamPath string `yaml:"media_stream_path"`
}

// ProviderEntry is the common configuration block for an STT provider.
type ProviderEntry struct {
	// APIKey authenticates against the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint. Leave empty to
	// use the built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model (e.g. "whisper-1", "nova-3").
	Model string `yaml:"model"`
}

// STTConfig selects and configures the speech-to-text integration.
type STTConfig struct {
	// Backend selects batch or streaming transcription.
	Backend Backend `yaml:"backend"`

	// Language is the BCP-47 short code passed to the provider and
	// stamped on transcripts (e.g. "fr", "en").
	Language string `yaml:"language"`

	// EmitInterim forwards interim streaming hypotheses to subscribers.
	EmitInterim bool `yaml:"emit_interim"`

	// Batch configures the HTTP transcription provider.
	Batch ProviderEntry `yaml:"batch"`

	// Streaming configures the WebSocket transcription provider.
	Streaming ProviderEntry `yaml:"streaming"`

	// HallucinationPhrases are case-folded substrings that reject a
	// result. When empty the built-in list applies.
	HallucinationPhrases []string `yaml:"hallucination_phrases"`
}

// AudioConfig holds the voice-activity thresholds. RMS values are in
// 16-bit PCM sample units (0–32767); durations are in seconds.
type AudioConfig struct {
	// SpeechStartRMS is the energy level that moves a direction from
	// idle to buffering.
	SpeechStartRMS int `yaml:"speech_start_rms"`

	// SilenceRMS classifies a chunk as silent while buffering.
	// Zero means "same as speech_start_rms".
	SilenceRMS int `yaml:"silence_rms"`

	// SilenceHang is the silence run that ends a segment.
	SilenceHang float64 `yaml:"silence_hang"`

	// MinSpeechDuration is the shortest segment worth transcribing.
	MinSpeechDuration float64 `yaml:"min_speech_duration"`

	// MaxSegmentDuration force-cuts a segment regardless of silence.
	MaxSegmentDuration float64 `yaml:"max_segment_duration"`

	// SegmentRejectRMS discards a whole segment whose average energy
	// falls below it. Zero disables the check.
	SegmentRejectRMS int `yaml:"segment_reject_rms"`
}

// RecordingConfig controls the paired WAV recordings.
type RecordingConfig struct {
	// Enabled produces paired 8 kHz / 16 kHz WAV files per direction.
	// Defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`

	// Dir is the output directory, created if absent.
	Dir string `yaml:"dir"`
}

// On reports whether recording is enabled, applying the default.
func (r RecordingConfig) On() bool {
	return r.Enabled == nil || *r.Enabled
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	// IdleTimeout force-closes a session with no media, in seconds.
	IdleTimeout float64 `yaml:"idle_timeout"`
}

// IdleTimeoutDuration returns the idle timeout as a Duration.
func (s SessionConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout * float64(time.Second))
}

// AgentConfig points at the downstream analysis pipeline that receives
// every final transcript.
type AgentConfig struct {
	// Endpoint is the HTTP URL of the agent pipeline's submit API.
	// Empty disables forwarding.
	Endpoint string `yaml:"endpoint"`

	// Token is an optional bearer token sent with each submission.
	Token string `yaml:"token"`
}
