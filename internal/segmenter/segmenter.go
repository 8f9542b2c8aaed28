// Package segmenter accumulates 8 kHz PCM chunks into speech segments
// using an energy-threshold voice-activity policy. One Segmenter serves
// one call direction; chunks must be pushed serially.
package segmenter

import (
	"time"

	"github.com/tkellem/callscribe/pkg/audio"
)

// startupGuard discards everything during the first moments of a call,
// where line noise and connection pops would otherwise trip the
// speech threshold.
const startupGuard = 500 * time.Millisecond

// Config holds the voice-activity thresholds. RMS values are in 16-bit
// sample units, durations in seconds.
type Config struct {
	SpeechStartRMS     int
	SilenceRMS         int
	SilenceHang        float64
	MinSpeechDuration  float64
	MaxSegmentDuration float64

	// SegmentRejectRMS discards an emitted segment whose average energy
	// falls below it. Zero disables the check.
	SegmentRejectRMS int
}

// Segment is a contiguous span of speech bounded by a silence gap or
// the maximum-duration cap. PCM is 8 kHz signed 16-bit mono.
type Segment struct {
	// Seq is the per-direction segment counter, starting at 0.
	Seq uint64

	// StartOffset is seconds from session start to the first chunk.
	StartOffset float64

	// Duration is the segment length in seconds.
	Duration float64

	// PCM is the 8 kHz audio, trailing silence trimmed.
	PCM []byte

	// AvgRMS is the root mean square over the whole segment.
	AvgRMS float64
}

type state int

const (
	stateIdle state = iota
	stateBuffering
	stateClosed
)

// Segmenter is the per-direction voice-activity state machine. It is
// not safe for concurrent use; the session worker owns it.
type Segmenter struct {
	cfg          Config
	sessionStart time.Time

	st          state
	buf         []byte
	startOffset float64
	silenceRun  float64 // seconds of trailing silence
	silenceLen  int     // bytes of trailing silence in buf
	nextSeq     uint64
}

// New returns a Segmenter in the idle state. sessionStart anchors
// segment offsets and the startup guard.
func New(cfg Config, sessionStart time.Time) *Segmenter {
	return &Segmenter{cfg: cfg, sessionStart: sessionStart}
}

// Push feeds one decoded chunk with its precomputed RMS. It returns a
// segment when this chunk completes one, nil otherwise. At most one
// segment is produced per chunk.
func (s *Segmenter) Push(pcm []byte, rms float64, now time.Time) *Segment {
	if s.st == stateClosed || len(pcm) == 0 {
		return nil
	}
	if now.Sub(s.sessionStart) < startupGuard {
		return nil
	}

	chunkDur := chunkSeconds(len(pcm))

	if s.st == stateIdle {
		if rms < float64(s.cfg.SpeechStartRMS) {
			return nil
		}
		s.st = stateBuffering
		s.startOffset = now.Sub(s.sessionStart).Seconds()
		s.buf = append(s.buf[:0], pcm...)
		s.silenceRun = 0
		s.silenceLen = 0
		return nil
	}

	s.buf = append(s.buf, pcm...)
	if rms < float64(s.cfg.SilenceRMS) {
		s.silenceRun += chunkDur
		s.silenceLen += len(pcm)
	} else {
		s.silenceRun = 0
		s.silenceLen = 0
	}

	// Silence-based emission wins over the max-duration cap when both
	// fire on the same chunk.
	if s.silenceRun >= s.cfg.SilenceHang {
		speech := s.buf[:len(s.buf)-s.silenceLen]
		if chunkSeconds(len(speech)) < s.cfg.MinSpeechDuration {
			s.reset()
			return nil
		}
		return s.emit(speech)
	}
	if chunkSeconds(len(s.buf)) >= s.cfg.MaxSegmentDuration {
		return s.emit(s.buf)
	}
	return nil
}

// Flush emits the pending buffer if it holds enough speech. Called
// when the session direction stops; further pushes are rejected.
func (s *Segmenter) Flush() *Segment {
	if s.st != stateBuffering {
		s.st = stateClosed
		return nil
	}
	speech := s.buf[:len(s.buf)-s.silenceLen]
	var seg *Segment
	if chunkSeconds(len(speech)) >= s.cfg.MinSpeechDuration {
		seg = s.emit(speech)
	}
	s.st = stateClosed
	return seg
}

// emit builds the segment from pcm, applies the average-energy reject
// gate, and returns the machine to idle. A rejected segment does not
// advance the sequence counter.
func (s *Segmenter) emit(pcm []byte) *Segment {
	avg := audio.RMS(pcm)
	if s.cfg.SegmentRejectRMS > 0 && avg < float64(s.cfg.SegmentRejectRMS) {
		s.reset()
		return nil
	}
	seg := &Segment{
		Seq:         s.nextSeq,
		StartOffset: s.startOffset,
		Duration:    chunkSeconds(len(pcm)),
		PCM:         append([]byte(nil), pcm...),
		AvgRMS:      avg,
	}
	s.nextSeq++
	s.reset()
	return seg
}

func (s *Segmenter) reset() {
	s.st = stateIdle
	s.buf = s.buf[:0]
	s.silenceRun = 0
	s.silenceLen = 0
}

// Buffering reports whether speech is currently being accumulated.
func (s *Segmenter) Buffering() bool { return s.st == stateBuffering }

func chunkSeconds(nbytes int) float64 {
	return float64(nbytes/audio.BytesPerSample) / float64(audio.TelephonyRate)
}
