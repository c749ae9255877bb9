// Package throttle maps replication buffer fullness to a throttling intensity.
//
// # Overview
//
// A VM that dirties memory faster than the replication pipeline can ship it
// fills the replication buffer. The evaluator in this package turns the
// buffer level (occupied / capacity, a value in [0,1] and above when the
// buffer overflows) into an intensity in [0, MaxIntensity]. The replication
// controller applies that intensity as a CPU and disk I/O reduction on the VM
// host, which slows the rate at which new dirty pages appear.
//
// # Curves
//
// Below the threshold the intensity is always zero. Above it the level is
// normalized into t in [0,1]:
//
//	t = (level - threshold) / (1 - threshold)
//
// and shaped by one of three curves:
//
//	Linear          intensity = max * t
//	Exponential(e)  intensity = max * t^e
//	Custom(points)  piecewise-linear through (x, y) control points
//
// For a threshold of 0.7 and a maximum intensity of 0.9:
//
//	level   linear   exponential(2)
//	0.50    0.000    0.000
//	0.85    0.450    0.225
//	1.00    0.900    0.900
//
// Custom curves use their y values as absolute intensities. A t outside every
// pair of consecutive control points, including a t below the first point,
// yields the maximum intensity. The result is always clamped to
// [0, MaxIntensity].
//
// # Usage Example
//
//	ev := throttle.Evaluator{
//	    Threshold:    0.7,
//	    MaxIntensity: 0.9,
//	    Curve:        throttle.Exponential(2),
//	}
//	intensity := ev.Intensity(0.85) // ≈ 0.225
//
// Evaluators are plain values with no internal state and are safe for
// concurrent use.
package throttle
