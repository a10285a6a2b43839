package domain

import (
	"encoding/json"
	"math"
)

const (
	MinOffset   = -540
	MaxOffset   = 540
	MinScale    = 0.1
	MaxScale    = 2.0
	MinRotation = -45.0
	MaxRotation = 45.0
)

// Transform places a product layer on the canvas: an offset from the canvas
// center, a size factor and a counter-clockwise rotation in degrees.
// Values are clamped on construction and cannot be changed afterwards.
type Transform struct {
	x        int
	y        int
	scale    float64
	rotation float64
}

func NewTransform(x, y int, scale, rotation float64) Transform {
	return Transform{
		x:        clampInt(x, MinOffset, MaxOffset),
		y:        clampInt(y, MinOffset, MaxOffset),
		scale:    clampFloat(scale, MinScale, MaxScale),
		rotation: clampFloat(rotation, MinRotation, MaxRotation),
	}
}

func IdentityTransform() Transform {
	return NewTransform(0, 0, 1.0, 0)
}

func (t Transform) X() int            { return t.x }
func (t Transform) Y() int            { return t.y }
func (t Transform) Scale() float64    { return t.scale }
func (t Transform) Rotation() float64 { return t.rotation }

// IsZero reports whether t was never constructed.
func (t Transform) IsZero() bool {
	return t == Transform{}
}

type transformJSON struct {
	X        int      `json:"x"`
	Y        int      `json:"y"`
	Scale    *float64 `json:"scale,omitempty"`
	Rotation float64  `json:"rotation"`
}

func (t Transform) MarshalJSON() ([]byte, error) {
	scale := t.scale
	return json.Marshal(transformJSON{X: t.x, Y: t.y, Scale: &scale, Rotation: t.rotation})
}

func (t *Transform) UnmarshalJSON(data []byte) error {
	var raw transformJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	scale := 1.0
	if raw.Scale != nil {
		scale = *raw.Scale
	}
	*t = NewTransform(raw.X, raw.Y, scale, raw.Rotation)
	return nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// NaN clamps to lo.
func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
