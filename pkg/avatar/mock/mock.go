// Package mock builds synthetic avatar frame sets for tests.
package mock

import (
	"image"
	"image/color"

	"github.com/MrWong99/lipsync/pkg/avatar"
)

// NewFrames returns n frames. Full frame i is width x height filled with
// color (i*10, 0, 0); face crop i is faceSize x faceSize filled with
// (0, i*10, 0). Every box is centred in its full frame and sized faceSize.
func NewFrames(n, faceSize, width, height int) *avatar.Frames {
	f := &avatar.Frames{FaceSize: faceSize}
	x1 := (width - faceSize) / 2
	y1 := (height - faceSize) / 2
	for i := range n {
		f.Full = append(f.Full, fill(width, height, color.RGBA{R: uint8(i * 10), A: 255}))
		f.Face = append(f.Face, fill(faceSize, faceSize, color.RGBA{G: uint8(i * 10), A: 255}))
		f.Coords = append(f.Coords, avatar.Box{Y1: y1, Y2: y1 + faceSize, X1: x1, X2: x1 + faceSize})
	}
	return f
}

func fill(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}
