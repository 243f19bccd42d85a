package audio

import "math"

// Mix sums two 16-bit little-endian PCM buffers sample by sample, clipping
// at the int16 range. The shorter input is treated as silence past its end.
func Mix(a, b []byte) []byte {
	sa, sb := BytesToSamples(a), BytesToSamples(b)
	if len(sa) < len(sb) {
		sa, sb = sb, sa
	}

	out := make([]int16, len(sa))
	for i, s := range sa {
		sum := int32(s)
		if i < len(sb) {
			sum += int32(sb[i])
		}
		switch {
		case sum > math.MaxInt16:
			sum = math.MaxInt16
		case sum < math.MinInt16:
			sum = math.MinInt16
		}
		out[i] = int16(sum)
	}
	return SamplesToBytes(out)
}
