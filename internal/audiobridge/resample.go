package audiobridge

import (
	"encoding/binary"
	"math"
)

func samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

func putSamples(s []int16) []byte {
	out := make([]byte, 2*len(s))
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

// Upsample8kTo24k triples the sample rate by linear interpolation.
func Upsample8kTo24k(pcm []byte) []byte {
	in := samples(pcm)
	if len(in) == 0 {
		return []byte{}
	}
	out := make([]int16, 3*len(in))
	for i, s0 := range in {
		s1 := s0
		if i+1 < len(in) {
			s1 = in[i+1]
		}
		d := int32(s1) - int32(s0)
		out[3*i] = s0
		out[3*i+1] = int16(int32(s0) + d/3)
		out[3*i+2] = int16(int32(s0) + 2*d/3)
	}
	return putSamples(out)
}

func clip(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// Downsampler converts 24 kHz agent audio to 8 kHz by averaging each group of
// three samples after applying gain. Partial groups carry over between calls.
type Downsampler struct {
	Gain  float64
	carry []byte
}

// Process returns the 8 kHz rendition of everything complete so far.
func (d *Downsampler) Process(pcm []byte) []byte {
	if len(d.carry) > 0 {
		pcm = append(append([]byte{}, d.carry...), pcm...)
		d.carry = nil
	}
	whole := len(pcm) / 6 * 6
	if whole < len(pcm) {
		d.carry = append([]byte{}, pcm[whole:]...)
	}
	in := samples(pcm[:whole])
	gain := d.Gain
	if gain == 0 {
		gain = 1
	}
	out := make([]int16, len(in)/3)
	for i := range out {
		var sum float64
		for j := 0; j < 3; j++ {
			sum += float64(clip(float64(in[3*i+j]) * gain))
		}
		out[i] = clip(sum / 3)
	}
	return putSamples(out)
}
