package audio

import "encoding/binary"

// Upsample8to16 converts a complete 8 kHz mono segment to 16 kHz using
// linear interpolation. The output is exactly twice the input length:
// even output samples copy the source, odd samples are the midpoint of
// neighbouring source samples (the last sample is held).
//
// The conversion carries no state between calls. It must be applied to
// a whole segment in one call — feeding a segment through chunk by
// chunk introduces boundary artifacts at every chunk edge, which is why
// the pipeline resamples only after a segment boundary is decided.
func Upsample8to16(pcm []byte) []byte {
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	out := make([]byte, n*4)
	for i := range n {
		s0 := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		s1 := s0
		if i+1 < n {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(i+1)*2:]))
		}
		mid := int16((int32(s0) + int32(s1)) / 2)
		binary.LittleEndian.PutUint16(out[i*4:], uint16(s0))
		binary.LittleEndian.PutUint16(out[i*4+2:], uint16(mid))
	}
	return out
}
