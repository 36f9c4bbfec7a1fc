package audio

// DownsampleToMono converts interleaved multi-channel PCM at srcRate into
// mono PCM at dstRate. Input frames are grouped into fixed windows of
// srcRate/dstRate frames; each output sample is the average across
// channels, then across the window. This is a deliberate approximation
// that trades quality for CPU, so the averaging order must stay as is.
func DownsampleToMono(pcm []int16, channels, srcRate, dstRate int) []int16 {
	if channels <= 0 || srcRate <= 0 || dstRate <= 0 || srcRate < dstRate {
		return nil
	}
	window := srcRate / dstRate
	frames := len(pcm) / channels
	outLen := frames / window
	out := make([]int16, 0, outLen)
	for w := 0; w < outLen; w++ {
		var windowSum int32
		for f := 0; f < window; f++ {
			base := (w*window + f) * channels
			var channelSum int32
			for ch := 0; ch < channels; ch++ {
				channelSum += int32(pcm[base+ch])
			}
			windowSum += channelSum / int32(channels)
		}
		out = append(out, clampSample(windowSum/int32(window)))
	}
	return out
}

// DuplicateMonoToStereo expands mono PCM to interleaved stereo by
// repeating each sample once.
func DuplicateMonoToStereo(pcm []int16) []int16 {
	out := make([]int16, 0, len(pcm)*2)
	for _, s := range pcm {
		out = append(out, s, s)
	}
	return out
}

// BytesToPCM interprets little-endian 16-bit sample bytes. A trailing odd
// byte is dropped.
func BytesToPCM(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return out
}

// PCMToBytes packs samples as little-endian 16-bit bytes.
func PCMToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = byte(uint16(s))
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}
