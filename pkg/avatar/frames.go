// Package avatar holds the precomputed base frame set of an avatar: the full
// frames, the face crops fed to the lip-sync model and the boxes mapping each
// crop back into its full frame.
package avatar

import (
	"errors"
	"fmt"
	"image"
)

// ErrEmptyAvatar is returned when a frame set contains no frames.
var ErrEmptyAvatar = errors.New("avatar: no face frames found")

// Box is a crop rectangle inside a full frame, in (y1, y2, x1, x2) order.
type Box struct {
	Y1, Y2, X1, X2 int
}

// Rect converts b to an image rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Frames is an immutable set of three parallel arrays of equal length N.
// It is safe for concurrent reads.
type Frames struct {
	Full   []*image.RGBA
	Face   []*image.RGBA
	Coords []Box

	// FaceSize is the square edge length of every face crop.
	FaceSize int
}

// Len returns N.
func (f *Frames) Len() int {
	return len(f.Face)
}

// Validate checks the parallel-array invariants.
func (f *Frames) Validate() error {
	n := len(f.Face)
	if n == 0 {
		return ErrEmptyAvatar
	}
	if len(f.Full) != n || len(f.Coords) != n {
		return fmt.Errorf("avatar: frame count mismatch: %d full, %d face, %d coords", len(f.Full), n, len(f.Coords))
	}
	for i, face := range f.Face {
		b := face.Bounds()
		if b.Dx() != f.FaceSize || b.Dy() != f.FaceSize {
			return fmt.Errorf("avatar: face %d is %dx%d, want %dx%d", i, b.Dx(), b.Dy(), f.FaceSize, f.FaceSize)
		}
		if !f.Coords[i].Rect().In(f.Full[i].Bounds()) {
			return fmt.Errorf("avatar: box %d %+v outside full frame %v", i, f.Coords[i], f.Full[i].Bounds())
		}
	}
	return nil
}

// Reflect maps an ever-increasing counter onto [0, n) as a triangle wave:
// 0, 1, ..., n-1, n-1, ..., 0, 0, 1, ... so the idle loop never jumps.
// n must be positive.
func Reflect(n, i int) int {
	r := i % n
	if (i/n)%2 == 0 {
		return r
	}
	return n - r - 1
}
