package waveform

// Pulse returns one frame of a two level pulse: HighSamples() samples at start
// followed by the rest of the frame at end, all shifted by offset.
func Pulse(t Timing, start, end, offset float64) []float64 {
	out := make([]float64, t.SamplesPerFrame)
	hi := t.HighSamples()
	for i := 0; i < hi; i++ {
		out[i] = start + offset
	}
	for i := hi; i < len(out); i++ {
		out[i] = end + offset
	}
	return out
}

// Delays are the idle times padded around one exposure, seconds
type Delays struct {
	Pre  float64
	Post float64
}

// delays of a Settings
func delaysOf(s Settings) Delays {
	return Delays{Pre: s.PreDelay, Post: s.PostDelay}
}

// padRow appends post samples of value postV after row and prepends
// pre samples of value preV before it
func padRow(row []float64, pre, post int, preV, postV float64) []float64 {
	out := make([]float64, 0, pre+len(row)+post)
	for i := 0; i < pre; i++ {
		out = append(out, preV)
	}
	out = append(out, row...)
	for i := 0; i < post; i++ {
		out = append(out, postV)
	}
	return out
}
