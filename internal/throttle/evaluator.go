package throttle

import "math"

// Evaluator computes throttling intensities for a fixed threshold, ceiling
// and curve. It holds no state; the zero value never throttles.
type Evaluator struct {
	// Threshold is the buffer level at or below which no throttling applies.
	// Must be in [0,1).
	Threshold float64

	// MaxIntensity caps every result. Must be in [0,1].
	MaxIntensity float64

	// Curve shapes the intensity between the threshold and a full buffer.
	Curve Curve
}

// Intensity returns the throttling intensity for the given buffer level.
//
// Levels at or below the threshold return 0. Levels above it are normalized
// into t in [0,1] and passed through the curve. The result is always in
// [0, MaxIntensity].
//
// Example:
//
//	ev := Evaluator{Threshold: 0.7, MaxIntensity: 0.9, Curve: Linear()}
//	ev.Intensity(0.85) // 0.45
//	ev.Intensity(1.0)  // 0.9
//	ev.Intensity(0.5)  // 0
func (e Evaluator) Intensity(level float64) float64 {
	if math.IsNaN(level) || level <= e.Threshold {
		return 0
	}

	t := clamp((level-e.Threshold)/(1-e.Threshold), 0, 1)

	var intensity float64
	switch e.Curve.kind() {
	case KindExponential:
		intensity = e.MaxIntensity * math.Pow(t, e.Curve.Exponent)
	case KindCustom:
		intensity = e.interpolate(t)
	default:
		intensity = e.MaxIntensity * t
	}

	return clamp(intensity, 0, e.MaxIntensity)
}

// bracketTolerance absorbs the rounding of the level normalization so a
// level computed from a control point still lands on that point.
const bracketTolerance = 1e-9

// interpolate walks consecutive control point pairs and linearly
// interpolates inside the first pair that brackets t. A t that no pair
// brackets, including one below the first point, fails safe to the maximum
// intensity.
func (e Evaluator) interpolate(t float64) float64 {
	points := e.Curve.ControlPoints
	for i := 0; i+1 < len(points); i++ {
		p1, p2 := points[i], points[i+1]
		if t < p1.X-bracketTolerance || t > p2.X+bracketTolerance {
			continue
		}
		if p2.X == p1.X {
			return p2.Y
		}
		t = clamp(t, p1.X, p2.X)
		return p1.Y + (t-p1.X)/(p2.X-p1.X)*(p2.Y-p1.Y)
	}
	return e.MaxIntensity
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
