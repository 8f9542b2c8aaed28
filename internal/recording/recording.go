// Package recording writes the paired per-direction WAV files: one
// capture of the raw 8 kHz telephony audio and one of its 16 kHz
// upsampled counterpart. Recording is best-effort; write failures are
// logged and never interrupt the call.
package recording

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tkellem/callscribe/pkg/audio"
)

// Pair holds the two writers for one session direction. A nil Pair is
// valid and ignores all calls, so callers need no enabled check at
// every write site.
type Pair struct {
	w8  *audio.WAVWriter
	w16 *audio.WAVWriter
	log *slog.Logger

	speaker   string
	sessionID string
	closed    bool
}

// NewPair creates the two WAV files under dir, which is created if
// absent. File names follow
// <speaker>_<sessionID>_<YYYYMMDD_HHMMSS>_<rate>Hz.wav with the
// session start timestamp in UTC.
func NewPair(dir, speaker, sessionID string, start time.Time, log *slog.Logger) (*Pair, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recording: create dir %q: %w", dir, err)
	}
	stamp := start.UTC().Format("20060102_150405")

	path8 := filepath.Join(dir, fileName(speaker, sessionID, stamp, audio.TelephonyRate))
	w8, err := audio.NewWAVWriter(path8, audio.TelephonyRate)
	if err != nil {
		return nil, fmt.Errorf("recording: %w", err)
	}

	path16 := filepath.Join(dir, fileName(speaker, sessionID, stamp, audio.STTRate))
	w16, err := audio.NewWAVWriter(path16, audio.STTRate)
	if err != nil {
		w8.Close()
		os.Remove(path8)
		return nil, fmt.Errorf("recording: %w", err)
	}

	return &Pair{
		w8:        w8,
		w16:       w16,
		log:       log,
		speaker:   speaker,
		sessionID: sessionID,
	}, nil
}

func fileName(speaker, sessionID, stamp string, rate int) string {
	return fmt.Sprintf("%s_%s_%s_%dHz.wav", speaker, sessionID, stamp, rate)
}

// WriteChunk appends one decoded 8 kHz chunk to the raw capture and
// its upsampled form to the 16 kHz capture. Failures are logged and
// suppressed.
func (p *Pair) WriteChunk(pcm8k []byte) {
	if p == nil || p.closed || len(pcm8k) == 0 {
		return
	}
	if _, err := p.w8.Write(pcm8k); err != nil {
		p.logWriteError(audio.TelephonyRate, err)
	}
	if _, err := p.w16.Write(audio.Upsample8to16(pcm8k)); err != nil {
		p.logWriteError(audio.STTRate, err)
	}
}

func (p *Pair) logWriteError(rate int, err error) {
	p.log.Warn("recording write failed",
		"session_id", p.sessionID,
		"speaker", p.speaker,
		"sample_rate", rate,
		"error", err)
}

// Close patches both WAV headers and logs what was captured. It is
// idempotent and safe on a nil Pair.
func (p *Pair) Close() {
	if p == nil || p.closed {
		return
	}
	p.closed = true
	for _, w := range []*audio.WAVWriter{p.w8, p.w16} {
		samples := w.Samples()
		dur := w.Duration()
		if err := w.Close(); err != nil {
			p.log.Warn("recording close failed",
				"session_id", p.sessionID,
				"speaker", p.speaker,
				"path", w.Path(),
				"error", err)
			continue
		}
		p.log.Info("recording closed",
			"session_id", p.sessionID,
			"speaker", p.speaker,
			"path", w.Path(),
			"samples", samples,
			"duration", dur)
	}
}
