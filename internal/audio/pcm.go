package audio

import "math"

// DecodeMuLaw expands G.711 µ-law bytes into PCM16LE samples.
func DecodeMuLaw(ulaw []byte) []int16 {
	out := make([]int16, len(ulaw))
	for i, b := range ulaw {
		out[i] = muLawToPCM(b)
	}
	return out
}

func muLawToPCM(b byte) int16 {
	b = ^b
	sign := int16(b & 0x80)
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	sample := (int16(mantissa)<<3 + 0x84) << exponent
	sample -= 0x84
	if sign != 0 {
		return -sample
	}
	return sample
}

// RMS computes the root-mean-square level of PCM16 samples.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// LevelDetector decides whether a frame carries speech-level energy. A short
// smoothing window keeps single hot samples (clicks, line noise) from
// counting as speech onset.
type LevelDetector struct {
	threshold float64
	window    []bool
	size      int
}

func NewLevelDetector(threshold float64, windowFrames int) *LevelDetector {
	if threshold <= 0 {
		threshold = 300
	}
	if windowFrames <= 0 {
		windowFrames = 4
	}
	return &LevelDetector{threshold: threshold, size: windowFrames}
}

// Active reports whether the frame, smoothed over the recent window, is
// above the speech threshold. The window must be full before the detector
// reports at all; right after a reset a single hot frame is just a click.
func (d *LevelDetector) Active(samples []int16) bool {
	hot := RMS(samples) >= d.threshold
	d.window = append(d.window, hot)
	if len(d.window) > d.size {
		d.window = d.window[len(d.window)-d.size:]
	}
	if len(d.window) < d.size {
		return false
	}
	active := 0
	for _, h := range d.window {
		if h {
			active++
		}
	}
	return active*2 >= len(d.window) && hot
}

func (d *LevelDetector) Reset() {
	d.window = d.window[:0]
}
