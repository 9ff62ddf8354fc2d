package output

import "math"

// Limiter keeps a strip inside its power envelope. It runs on the corrected
// output values, which are what the LEDs actually draw current for.
//
//   - WhiteCap scales a pixel so r+g+b <= WhiteCap*3*255 (0 or >= 1 disables)
//   - BudgetMA scales the whole frame so its estimated current stays under budget
//     (0 disables); compression starts at Knee*BudgetMA
type Limiter struct {
	WhiteCap float64
	ChanMA   float64
	BudgetMA float64
	Knee     float64
}

func (l Limiter) chanMA() float64 {
	if l.ChanMA > 0 {
		return l.ChanMA
	}
	return 20
}

func (l Limiter) knee() float64 {
	if l.Knee > 0 && l.Knee < 1 {
		return l.Knee
	}
	return 0.9
}

// Enabled reports whether Apply can change anything.
func (l Limiter) Enabled() bool {
	return (l.WhiteCap > 0 && l.WhiteCap < 1) || l.BudgetMA > 0
}

// Apply limits rgb in place and reports whether any scaling happened.
func (l Limiter) Apply(rgb []byte) bool {
	limited := applyWhiteCap(rgb, l.WhiteCap)

	if l.BudgetMA <= 0 {
		return limited
	}
	total := EstimateCurrentMA(rgb, l.chanMA())
	if total <= 0 {
		return limited
	}
	ratio := total / l.BudgetMA
	knee := l.knee()
	if ratio <= knee {
		return limited
	}
	// Past the knee, compress the excess so the frame approaches the budget
	// asymptotically and never crosses it.
	over := (ratio - knee) / (1 - knee)
	target := knee + (1-knee)*(1-math.Exp(-over))
	scale(rgb, target/ratio)
	return true
}

// EstimateCurrentMA approximates the draw of a frame, chanMA per channel at full scale.
func EstimateCurrentMA(rgb []byte, chanMA float64) float64 {
	var sum float64
	for i := 0; i+2 < len(rgb); i += 3 {
		sum += float64(rgb[i]) + float64(rgb[i+1]) + float64(rgb[i+2])
	}
	return sum / 255.0 * chanMA
}

func applyWhiteCap(rgb []byte, whiteCap float64) bool {
	if whiteCap <= 0 || whiteCap >= 1 {
		return false
	}
	limited := false
	limit := whiteCap * 3.0 * 255.0
	for i := 0; i+2 < len(rgb); i += 3 {
		s := float64(rgb[i]) + float64(rgb[i+1]) + float64(rgb[i+2])
		if s > limit {
			k := limit / s
			rgb[i] = byte(math.Round(float64(rgb[i]) * k))
			rgb[i+1] = byte(math.Round(float64(rgb[i+1]) * k))
			rgb[i+2] = byte(math.Round(float64(rgb[i+2]) * k))
			limited = true
		}
	}
	return limited
}

func scale(rgb []byte, s float64) {
	for i, v := range rgb {
		rgb[i] = byte(float64(v) * s)
	}
}
