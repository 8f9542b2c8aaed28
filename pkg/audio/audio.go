// Package audio provides the PCM primitives used by the callscribe
// pipeline: G.711 µ-law decoding, RMS energy measurement, whole-segment
// sample-rate conversion, and RIFF/WAV encoding.
//
// All PCM in this package is 16-bit signed little-endian mono unless a
// function says otherwise. Telephony input arrives as 8-bit µ-law at
// 8 kHz; STT providers consume linear PCM at 16 kHz.
package audio

// Telephony and STT sample rates. The provider media stream is fixed at
// 8 kHz µ-law mono; speech recognition models expect 16 kHz linear PCM.
const (
	TelephonyRate = 8000
	STTRate       = 16000
)

// BytesPerSample is the width of one linear PCM sample.
const BytesPerSample = 2
