package led

import "math"

// gammaEntry is a gamma corrected value plus an 8 phase dither pattern. A set
// bit means the output is bumped by one on that phase.
type gammaEntry struct {
	value  uint8
	dither uint8
}

// ditherOrder is the order in which phases are switched on as the fractional
// part grows, spreading "on" phases evenly over the 8 frame cycle.
var ditherOrder = [8]uint{7, 3, 5, 1, 6, 2, 4, 0}

// gamma22 is indexed by the uncorrected 8-bit value.
var gamma22 = newGammaTable(2.2)

// newGammaTable builds the lookup for out = 255*(in/255)^gamma. The integer part
// is the base value; the fraction is rounded to eighths and expressed as that
// many set bits of the dither mask. A fraction that rounds up to 8/8 yields a
// full mask on the same base.
func newGammaTable(gamma float64) [256]gammaEntry {
	var t [256]gammaEntry
	for i := range t {
		x := 255 * math.Pow(float64(i)/255, gamma)
		base := math.Floor(x)
		k := int(math.Round((x - base) * 8))
		var mask uint8
		for j := 0; j < k; j++ {
			mask |= 1 << ditherOrder[j]
		}
		t[i] = gammaEntry{value: uint8(base), dither: mask}
	}
	return t
}

// Correct maps a linear value through the gamma curve without dithering.
func Correct(v uint8) uint8 {
	return gamma22[v].value
}

// CorrectDithered maps v through the gamma curve with ordered dithering.
// frame must increase monotonically; pixel should decorrelate neighbours
// (the linear LED index works). Averaged over 8 consecutive frames the output
// converges on the fractional corrected value.
func CorrectDithered(v uint8, frame, pixel uint32) uint8 {
	e := gamma22[v]
	phase := (frame + pixel) & 0x07
	if e.dither&(1<<phase) != 0 && e.value < math.MaxUint8 {
		return e.value + 1
	}
	return e.value
}
