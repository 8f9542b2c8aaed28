package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults for every tunable; configs/example.yaml documents them all.
const (
	DefaultListenAddr         = ":8080"
	DefaultMediaStreamPath    = "/twilio/media-stream"
	DefaultLanguage           = "fr"
	DefaultSpeechStartRMS     = 10
	DefaultSilenceHang        = 1.0
	DefaultMinSpeechDuration  = 0.5
	DefaultMaxSegmentDuration = 10.0
	DefaultRecordingsDir      = "./audio_recordings"
	DefaultIdleTimeout        = 600.0
)

// Load reads the YAML configuration file at path, fills empty provider
// credentials from the environment (OPENAI_API_KEY, DEEPGRAM_API_KEY),
// applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg)
	return finalize(cfg)
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Unlike [Load] it never consults the
// environment, keeping tests deterministic.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	return finalize(cfg)
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

func finalize(cfg *Config) (*Config, error) {
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills empty provider credentials from environment variables.
func ApplyEnv(cfg *Config) {
	if cfg.STT.Batch.APIKey == "" {
		cfg.STT.Batch.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.STT.Streaming.APIKey == "" {
		cfg.STT.Streaming.APIKey = os.Getenv("DEEPGRAM_API_KEY")
	}
}

// ApplyDefaults fills every zero-valued tunable with its default.
// SilenceRMS inherits SpeechStartRMS; SegmentRejectRMS stays zero
// (disabled) unless set.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MediaStreamPath == "" {
		cfg.Server.MediaStreamPath = DefaultMediaStreamPath
	}
	if cfg.STT.Backend == "" {
		cfg.STT.Backend = BackendStreaming
	}
	if cfg.STT.Language == "" {
		cfg.STT.Language = DefaultLanguage
	}
	if cfg.Audio.SpeechStartRMS == 0 {
		cfg.Audio.SpeechStartRMS = DefaultSpeechStartRMS
	}
	if cfg.Audio.SilenceRMS == 0 {
		cfg.Audio.SilenceRMS = cfg.Audio.SpeechStartRMS
	}
	if cfg.Audio.SilenceHang == 0 {
		cfg.Audio.SilenceHang = DefaultSilenceHang
	}
	if cfg.Audio.MinSpeechDuration == 0 {
		cfg.Audio.MinSpeechDuration = DefaultMinSpeechDuration
	}
	if cfg.Audio.MaxSegmentDuration == 0 {
		cfg.Audio.MaxSegmentDuration = DefaultMaxSegmentDuration
	}
	if cfg.Recording.Dir == "" {
		cfg.Recording.Dir = DefaultRecordingsDir
	}
	if cfg.Session.IdleTimeout == 0 {
		cfg.Session.IdleTimeout = DefaultIdleTimeout
	}
}

// Validate checks that cfg contains a coherent set of values. It
// returns a joined error listing all failures found; any error is
// fatal on boot.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.STT.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("stt.backend %q is invalid; valid values: batch, streaming", cfg.STT.Backend))
	}

	switch cfg.STT.Backend {
	case BackendBatch:
		if cfg.STT.Batch.APIKey == "" {
			errs = append(errs, errors.New("stt.batch.api_key is required when stt.backend is batch"))
		}
	case BackendStreaming:
		if cfg.STT.Streaming.APIKey == "" {
			errs = append(errs, errors.New("stt.streaming.api_key is required when stt.backend is streaming"))
		}
	}

	if cfg.Audio.SpeechStartRMS < 0 {
		errs = append(errs, fmt.Errorf("audio.speech_start_rms %d must not be negative", cfg.Audio.SpeechStartRMS))
	}
	if cfg.Audio.SilenceRMS < 0 {
		errs = append(errs, fmt.Errorf("audio.silence_rms %d must not be negative", cfg.Audio.SilenceRMS))
	}
	if cfg.Audio.SegmentRejectRMS < 0 {
		errs = append(errs, fmt.Errorf("audio.segment_reject_rms %d must not be negative", cfg.Audio.SegmentRejectRMS))
	}
	if cfg.Audio.SilenceHang <= 0 {
		errs = append(errs, fmt.Errorf("audio.silence_hang %.2f must be positive", cfg.Audio.SilenceHang))
	}
	if cfg.Audio.MinSpeechDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.min_speech_duration %.2f must be positive", cfg.Audio.MinSpeechDuration))
	}
	if cfg.Audio.MaxSegmentDuration <= cfg.Audio.MinSpeechDuration {
		errs = append(errs, fmt.Errorf("audio.max_segment_duration %.2f must exceed min_speech_duration %.2f",
			cfg.Audio.MaxSegmentDuration, cfg.Audio.MinSpeechDuration))
	}
	if cfg.Session.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.idle_timeout %.0f must be positive", cfg.Session.IdleTimeout))
	}

	return errors.Join(errs...)
}
