package audio

const fullScale = 32767

// Smoother removes amplitude discontinuities at frame boundaries left by
// upstream decode glitches. It carries exactly one sample of state: the
// last sample it emitted.
type Smoother struct {
	threshold   float64
	rampSamples int
	last        int16
}

func NewSmoother(threshold float64, rampSamples int) *Smoother {
	if threshold <= 0 {
		threshold = 0.25
	}
	if rampSamples <= 0 {
		rampSamples = 48
	}
	return &Smoother{threshold: threshold, rampSamples: rampSamples}
}

// ProcessFrame smooths the frame in place and returns it. When the jump
// from the carried sample to the frame's first sample exceeds the
// activation threshold, the first rampSamples samples are linearly
// interpolated from the carried value toward the incoming samples.
func (s *Smoother) ProcessFrame(frame []int16) []int16 {
	if len(frame) == 0 {
		return frame
	}
	jump := int(frame[0]) - int(s.last)
	if jump < 0 {
		jump = -jump
	}
	if float64(jump) > s.threshold*fullScale {
		ramp := s.rampSamples
		if ramp > len(frame) {
			ramp = len(frame)
		}
		from := int(s.last)
		for i := 0; i < ramp; i++ {
			frac := float64(i+1) / float64(ramp)
			v := float64(from) + (float64(frame[i])-float64(from))*frac
			frame[i] = clampSample(int32(v))
		}
	}
	s.last = frame[len(frame)-1]
	return frame
}

// Reset discards the carried sample, treating the next frame as if it
// followed silence.
func (s *Smoother) Reset() {
	s.last = 0
}

func clampSample(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
