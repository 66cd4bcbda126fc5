package models

// Spot is a single fitted emitter detection. Spots are values: every
// With* method returns a modified copy and leaves the receiver untouched.
type Spot struct {
	// Channel, Slice, Frame and Position locate the detection in the
	// acquisition. All are 1-based as produced by the fitter.
	Channel  int
	Slice    int
	Frame    int
	Position int

	// XPix and YPix are the raw detection pixel found by the spot finder
	XPix int
	YPix int

	// X and Y are the refined center in nanometers
	X float64
	Y float64

	// Z is only meaningful when HasZ is set
	Z    float64
	HasZ bool

	// Intensity is the total intensity in photons
	Intensity float64

	// Background in photons
	Background float64

	// Width of the fitted gaussian in nanometers
	Width float64

	// A is the shape parameter; its meaning depends on the dataset shape
	// (1: symmetric, 2: elliptical, 3: elliptical with rotation)
	A float64

	// Theta is the rotation in radians, valid only for shape 3
	Theta float64

	// Sigma is the localization precision estimate in nanometers
	Sigma float64

	// LinkedCount is the number of observations merged into this spot.
	// Zero is read as 1 (an unlinked detection).
	LinkedCount int
}

// Center returns the refined center of the spot.
func (s Spot) Center() Point2D {
	return Point2D{X: s.X, Y: s.Y}
}

// Links returns the number of observations this spot represents.
func (s Spot) Links() int {
	if s.LinkedCount < 1 {
		return 1
	}
	return s.LinkedCount
}

// TemporalIndex returns the frame or slice number depending on axis.
func (s Spot) TemporalIndex(axis TemporalAxis) int {
	if axis == AxisSlice {
		return s.Slice
	}
	return s.Frame
}

// WithXY returns a copy of the spot centered at (x, y).
func (s Spot) WithXY(x, y float64) Spot {
	s.X = x
	s.Y = y
	return s
}

// WithCenter returns a copy of the spot centered at p.
func (s Spot) WithCenter(p Point2D) Spot {
	return s.WithXY(p.X, p.Y)
}

// WithZ returns a copy of the spot with a z position.
func (s Spot) WithZ(z float64) Spot {
	s.Z = z
	s.HasZ = true
	return s
}

// WithTemporalIndex returns a copy of the spot with its frame or slice
// replaced, depending on axis.
func (s Spot) WithTemporalIndex(axis TemporalAxis, index int) Spot {
	if axis == AxisSlice {
		s.Slice = index
	} else {
		s.Frame = index
	}
	return s
}

// WithLinkedCount returns a copy of the spot that represents n observations.
func (s Spot) WithLinkedCount(n int) Spot {
	s.LinkedCount = n
	return s
}
