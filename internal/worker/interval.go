package worker

// SampleInterval returns the spacing in seconds between sampled frames for
// a video of the given duration. Short clips are sampled densely and long
// ones coarsely.
func SampleInterval(durationSeconds float64) float64 {
	switch {
	case durationSeconds <= 60:
		return 0.5
	case durationSeconds <= 5*60:
		return 1.0
	case durationSeconds <= 15*60:
		return 2.0
	default:
		return 5.0
	}
}

// expectedFrames is the number of frames a sampler should produce for the
// duration at interval.
func expectedFrames(durationSeconds, interval float64) int {
	if durationSeconds <= 0 || interval <= 0 {
		return 0
	}
	return int(durationSeconds / interval)
}
