package pipeline

import (
	"image"

	"github.com/MrWong99/lipsync/pkg/provider/lipsync"
)

// faceTensor packs faces into the model's [B, 6, S, S] input. Channels 0-2
// hold the BGR face with its lower half zeroed, channels 3-5 the untouched
// BGR face; values are scaled to [0, 1].
func faceTensor(faces []*image.RGBA, size int) []float32 {
	plane := size * size
	out := make([]float32, len(faces)*lipsync.FaceChannels*plane)
	for n, face := range faces {
		base := n * lipsync.FaceChannels * plane
		b := face.Bounds()
		for y := range size {
			masked := y >= size/2
			for x := range size {
				i := face.PixOffset(b.Min.X+x, b.Min.Y+y)
				px := face.Pix[i : i+3 : i+3]
				at := y*size + x
				for c := range 3 {
					v := float32(px[2-c]) / 255
					if !masked {
						out[base+c*plane+at] = v
					}
					out[base+(c+3)*plane+at] = v
				}
			}
		}
	}
	return out
}

// predictionImage converts sample n of an NHWC BGR prediction in [0, 1] to an
// opaque RGBA image.
func predictionImage(pred []float32, n, size int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	src := pred[n*size*size*lipsync.OutChannels:]
	for p := range size * size {
		s := src[p*3 : p*3+3 : p*3+3]
		d := img.Pix[p*4 : p*4+4 : p*4+4]
		d[0] = toByte(s[2])
		d[1] = toByte(s[1])
		d[2] = toByte(s[0])
		d[3] = 255
	}
	return img
}

func toByte(v float32) uint8 {
	v *= 255
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v)
	}
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := &image.RGBA{
		Pix:    make([]uint8, len(src.Pix)),
		Stride: src.Stride,
		Rect:   src.Rect,
	}
	copy(dst.Pix, src.Pix)
	return dst
}
