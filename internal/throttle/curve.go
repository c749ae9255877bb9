package throttle

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the shape of a throttling curve.
type Kind string

const (
	// KindLinear scales the maximum intensity linearly with the overage.
	KindLinear Kind = "linear"
	// KindExponential raises the normalized overage to a configurable exponent.
	KindExponential Kind = "exponential"
	// KindCustom interpolates between user supplied control points.
	KindCustom Kind = "custom"
)

var (
	ErrUnknownCurve        = errors.New("throttle: unknown curve type")
	ErrInvalidExponent     = errors.New("throttle: exponent must be > 0")
	ErrTooFewControlPoints = errors.New("throttle: custom curve needs at least 2 control points")
	ErrControlPointRange   = errors.New("throttle: control point coordinates must be in [0,1]")
	ErrControlPointOrder   = errors.New("throttle: control point x values must be strictly ascending")
)

// Point is a single (x, y) control point of a custom curve. It is encoded
// as a two element array, [x, y].
type Point struct {
	X float64
	Y float64
}

// MarshalJSON encodes the point as [x, y].
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

// UnmarshalJSON decodes a point from [x, y].
func (p *Point) UnmarshalJSON(data []byte) error {
	var xy [2]float64
	if err := json.Unmarshal(data, &xy); err != nil {
		return fmt.Errorf("control point must be [x, y]: %w", err)
	}
	p.X, p.Y = xy[0], xy[1]
	return nil
}

// Curve is a tagged variant describing how intensity grows once the buffer
// level passes the throttle threshold. The zero value is a linear curve.
type Curve struct {
	Kind          Kind    `json:"type"`
	Exponent      float64 `json:"exponent,omitempty"`
	ControlPoints []Point `json:"control_points,omitempty"`
}

// Linear returns a linear curve.
func Linear() Curve {
	return Curve{Kind: KindLinear}
}

// Exponential returns an exponential curve with the given exponent.
func Exponential(exponent float64) Curve {
	return Curve{Kind: KindExponential, Exponent: exponent}
}

// Custom returns a piecewise-linear curve through the given points.
// The points are copied.
func Custom(points ...Point) Curve {
	return Curve{Kind: KindCustom, ControlPoints: append([]Point(nil), points...)}
}

// kind returns the effective kind, treating an empty tag as linear.
func (c Curve) kind() Kind {
	if c.Kind == "" {
		return KindLinear
	}
	return Kind(strings.ToLower(string(c.Kind)))
}

// Validate checks that the curve parameters are usable by the evaluator.
func (c Curve) Validate() error {
	switch c.kind() {
	case KindLinear:
		return nil
	case KindExponential:
		if !(c.Exponent > 0) {
			return fmt.Errorf("%w (got %v)", ErrInvalidExponent, c.Exponent)
		}
		return nil
	case KindCustom:
		if len(c.ControlPoints) < 2 {
			return ErrTooFewControlPoints
		}
		for i, p := range c.ControlPoints {
			if p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1 {
				return fmt.Errorf("%w: point %d is (%v, %v)", ErrControlPointRange, i, p.X, p.Y)
			}
			if i > 0 && p.X <= c.ControlPoints[i-1].X {
				return fmt.Errorf("%w: point %d x=%v follows x=%v",
					ErrControlPointOrder, i, p.X, c.ControlPoints[i-1].X)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w %q", ErrUnknownCurve, c.Kind)
	}
}

// String renders the curve for logs.
func (c Curve) String() string {
	switch c.kind() {
	case KindExponential:
		return fmt.Sprintf("exponential(%g)", c.Exponent)
	case KindCustom:
		return fmt.Sprintf("custom(%d points)", len(c.ControlPoints))
	default:
		return string(c.kind())
	}
}
