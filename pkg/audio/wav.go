package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const wavHeaderSize = 44

// EncodeWAV wraps raw 16-bit signed little-endian mono PCM in a
// RIFF/WAV container. Suitable for in-memory upload to batch STT
// endpoints.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	buf := make([]byte, wavHeaderSize+len(pcm))
	writeWAVHeader(buf, sampleRate, len(pcm))
	copy(buf[wavHeaderSize:], pcm)
	return buf
}

// writeWAVHeader fills the first 44 bytes of buf with a PCM RIFF header
// for 16-bit mono audio at sampleRate with dataSize payload bytes.
func writeWAVHeader(buf []byte, sampleRate, dataSize int) {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
}

// WAVWriter streams 16-bit mono PCM to a file, writing a placeholder
// RIFF header up front and patching the chunk sizes on Close. Not safe
// for concurrent use; each direction owns its writers.
type WAVWriter struct {
	f          *os.File
	sampleRate int
	written    int
	closed     bool
}

// NewWAVWriter creates path (truncating any existing file) and reserves
// the WAV header.
func NewWAVWriter(path string, sampleRate int) (*WAVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wav: create %q: %w", path, err)
	}
	var header [wavHeaderSize]byte
	writeWAVHeader(header[:], sampleRate, 0)
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("wav: write header %q: %w", path, err)
	}
	return &WAVWriter{f: f, sampleRate: sampleRate}, nil
}

// Write appends PCM bytes to the data chunk.
func (w *WAVWriter) Write(pcm []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("wav: write after close")
	}
	n, err := w.f.Write(pcm)
	w.written += n
	if err != nil {
		return n, fmt.Errorf("wav: write: %w", err)
	}
	return n, nil
}

// Samples returns the number of PCM samples written so far.
func (w *WAVWriter) Samples() int { return w.written / BytesPerSample }

// Duration returns the audio duration written so far, in seconds.
func (w *WAVWriter) Duration() float64 {
	return float64(w.Samples()) / float64(w.sampleRate)
}

// Path returns the file path backing the writer.
func (w *WAVWriter) Path() string { return w.f.Name() }

// Close patches the RIFF and data chunk sizes and closes the file.
// Calling Close more than once returns nil.
func (w *WAVWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var sizes [4]byte
	binary.LittleEndian.PutUint32(sizes[:], uint32(36+w.written))
	if _, err := w.f.WriteAt(sizes[:], 4); err != nil {
		w.f.Close()
		return fmt.Errorf("wav: patch riff size: %w", err)
	}
	binary.LittleEndian.PutUint32(sizes[:], uint32(w.written))
	if _, err := w.f.WriteAt(sizes[:], 40); err != nil {
		w.f.Close()
		return fmt.Errorf("wav: patch data size: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("wav: close: %w", err)
	}
	return nil
}

var _ io.WriteCloser = (*WAVWriter)(nil)
