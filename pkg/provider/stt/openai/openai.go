// Package openai implements the batch STT backend using the OpenAI
// audio transcription API (Whisper).
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/tkellem/callscribe/pkg/audio"
	"github.com/tkellem/callscribe/pkg/provider/stt"
)

// DefaultModel is the transcription model used when none is configured.
const DefaultModel = oai.AudioModelWhisper1

// requestTimeout bounds one batch transcription call. Segments are
// best-effort; there is no retry at this layer.
const requestTimeout = 30 * time.Second

// Ensure Provider implements the batch contract.
var _ stt.BatchProvider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*config)

type config struct {
	baseURL string
	model   oai.AudioModel
}

// WithBaseURL overrides the default API base URL, e.g. for an
// OpenAI-compatible local server.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel selects the transcription model.
func WithModel(model string) Option {
	return func(c *config) { c.model = oai.AudioModel(model) }
}

// Provider implements stt.BatchProvider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  oai.AudioModel
}

// New constructs a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	cfg := &config{model: DefaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: requestTimeout}),
		// Segments are best-effort; a failed one is dropped, not retried.
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
	}, nil
}

// Transcribe wraps the segment's 16 kHz PCM in an in-memory WAV
// container and submits it. The prompt field is deliberately never set:
// prompt text leaks back into output as hallucinated formatting on
// low-energy segments.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, language string) (stt.Result, error) {
	wav := audio.EncodeWAV(pcm, audio.STTRate)

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "segment.wav", "audio/wav"),
		Model: p.model,
	}
	if language != "" {
		params.Language = oai.String(language)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return stt.Transient(fmt.Sprintf("openai stt: %v", ctx.Err())), nil
		}
		var apiErr *oai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return stt.Fatal(fmt.Sprintf("openai stt: HTTP %d", apiErr.StatusCode)), nil
		}
		return stt.Transient("openai stt: " + err.Error()), nil
	}

	// The plain JSON response carries no per-segment confidence.
	r := stt.Transcribed(resp.Text, language, nil)
	r.Duration = pcmDuration(pcm)
	return r, nil
}

// pcmDuration is the exact audio length of a 16 kHz 16-bit mono buffer.
func pcmDuration(pcm []byte) time.Duration {
	samples := len(pcm) / audio.BytesPerSample
	return time.Duration(samples) * time.Second / audio.STTRate
}
