package audio

// pcmScale maps int16 PCM onto [-1, 1].
const pcmScale = 32767

// DecodePCM16 converts little-endian int16 PCM into float32 samples. A trailing
// odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / pcmScale
	}
	return out
}

// ToInt16 scales float32 samples back to int16, clamping out-of-range values.
func ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := s * pcmScale
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// EncodePCM16 converts float32 samples into little-endian int16 PCM.
func EncodePCM16(samples []float32) []byte {
	pcm := ToInt16(samples)
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. If the rates match, the input is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Split slices samples into pieces of exactly size samples. The final partial
// piece is zero-padded. Each piece is a fresh allocation.
func Split(samples []float32, size int) [][]float32 {
	if size <= 0 || len(samples) == 0 {
		return nil
	}
	n := (len(samples) + size - 1) / size
	out := make([][]float32, 0, n)
	for start := 0; start < len(samples); start += size {
		piece := make([]float32, size)
		copy(piece, samples[start:min(start+size, len(samples))])
		out = append(out, piece)
	}
	return out
}
