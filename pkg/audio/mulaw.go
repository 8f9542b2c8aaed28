package audio

import (
	"encoding/binary"
	"math"
)

// G.711 µ-law constants.
const (
	muLawBias = 0x84
	muLawClip = 32635
)

// muLawTable maps each of the 256 µ-law code values to its linear
// 16-bit PCM sample, built once at init from the G.711 expansion rule.
var muLawTable [256]int16

func init() {
	for i := range muLawTable {
		u := ^byte(i)
		sign := u & 0x80
		exp := (u >> 4) & 0x07
		mant := u & 0x0F
		sample := ((int16(mant) << 3) + muLawBias) << exp
		sample -= muLawBias
		if sign != 0 {
			sample = -sample
		}
		muLawTable[i] = sample
	}
}

// DecodeMuLaw expands 8-bit µ-law bytes to 16-bit signed little-endian
// PCM. The output is exactly twice the input length. The decoder is
// stateless; chunks may be decoded independently in any order.
func DecodeMuLaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(muLawTable[b]))
	}
	return out
}

// EncodeMuLaw compresses 16-bit signed little-endian PCM to 8-bit
// µ-law. Input length must be even; a trailing odd byte is ignored.
func EncodeMuLaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := range n {
		out[i] = muLawByte(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// muLawByte compresses a single linear sample per G.711.
func muLawByte(s int16) byte {
	var sign byte
	v := int32(s)
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias

	exp := 7
	for mask := int32(0x4000); exp > 0 && v&mask == 0; exp-- {
		mask >>= 1
	}
	mant := byte(v>>(exp+3)) & 0x0F
	return ^(sign | byte(exp)<<4 | mant)
}

// RMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer, in sample units (0–32767). Buffers shorter
// than one sample yield 0. Every sample in the buffer contributes.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
