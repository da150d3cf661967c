// Package caption draws subtitle text onto avatar frames.
//
// Layout is proportional to a reference frame width of [ReferenceWidth]
// pixels: font size, margins and line gaps all scale with
// frameWidth / ReferenceWidth. Text is wrapped twice, first by display
// columns and then by measured pixel width, and drawn centred near the
// bottom edge in white with a thin outline, white unless [WithOutline] says
// otherwise.
package caption

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// ReferenceWidth is the frame width the layout constants are tuned for.
const ReferenceWidth = 868

const (
	baseFontSize   = 40
	baseMargin     = 20
	baseLineOffset = 50
	baseLineGap    = 15
	baseStroke     = 1
)

// DarkOutline is the outline for avatars on light backgrounds.
var DarkOutline = color.RGBA{R: 20, G: 20, B: 20, A: 255}

// LoadFont parses a TrueType/OpenType font or collection. An empty path
// returns the bundled Go Regular font, which has no CJK glyphs; configure a
// CJK-capable font for Chinese or Japanese captions.
func LoadFont(path string) (*opentype.Font, error) {
	if path == "" {
		return opentype.Parse(goregular.TTF)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("caption: read font: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".ttc") {
		coll, err := opentype.ParseCollection(data)
		if err != nil {
			return nil, fmt.Errorf("caption: parse font collection %s: %w", path, err)
		}
		f, err := coll.Font(0)
		if err != nil {
			return nil, fmt.Errorf("caption: font collection %s: %w", path, err)
		}
		return f, nil
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("caption: parse font %s: %w", path, err)
	}
	return f, nil
}

// Renderer draws captions. It caches one face per frame width.
//
// Renderer is not safe for concurrent use; give each compositor its own.
type Renderer struct {
	font     *opentype.Font
	refWidth int
	outline  image.Image

	faces map[int]font.Face
}

// Option configures a [Renderer].
type Option func(*Renderer)

// WithOutline sets the colour of the stroke around each glyph. Nil keeps the
// default white.
func WithOutline(c color.Color) Option {
	return func(r *Renderer) {
		if c != nil {
			r.outline = image.NewUniform(c)
		}
	}
}

// NewRenderer creates a Renderer for f. refWidth of 0 means [ReferenceWidth].
func NewRenderer(f *opentype.Font, refWidth int, opts ...Option) *Renderer {
	if refWidth <= 0 {
		refWidth = ReferenceWidth
	}
	r := &Renderer{font: f, refWidth: refWidth, outline: image.White, faces: make(map[int]font.Face)}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Renderer) face(frameWidth int, ratio float64) (font.Face, error) {
	if f, ok := r.faces[frameWidth]; ok {
		return f, nil
	}
	f, err := opentype.NewFace(r.font, &opentype.FaceOptions{
		Size:    baseFontSize * ratio,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("caption: face: %w", err)
	}
	r.faces[frameWidth] = f
	return f, nil
}

// Layout is a wrapped caption ready to draw.
type Layout struct {
	Lines  []string
	Margin int
	Ratio  float64
}

// Layout wraps text for a frame of the given width.
func (r *Renderer) Layout(text, languageCode string, frameWidth int) (Layout, error) {
	ratio := float64(frameWidth) / float64(r.refWidth)
	face, err := r.face(frameWidth, ratio)
	if err != nil {
		return Layout{}, err
	}
	margin := int(baseMargin * ratio)
	maxWidth := frameWidth - 2*margin
	script := ScriptOf(languageCode)

	var out []string
	for _, line := range Wrap(text, WrapColumns(script, ratio)) {
		if measure(face, line) <= maxWidth {
			out = append(out, line)
			continue
		}
		out = append(out, fit(face, line, maxWidth, script.CJK())...)
	}
	return Layout{Lines: out, Margin: margin, Ratio: ratio}, nil
}

// fit splits line into pieces of at most maxWidth pixels. A single unit
// wider than maxWidth gets a line of its own.
func fit(face font.Face, line string, maxWidth int, cjk bool) []string {
	var units []string
	sep := " "
	if cjk {
		sep = ""
		for _, r := range line {
			units = append(units, string(r))
		}
	} else {
		units = strings.Fields(line)
	}

	var out []string
	current := ""
	for _, u := range units {
		test := u
		if current != "" {
			test = current + sep + u
		}
		if measure(face, test) <= maxWidth {
			current = test
			continue
		}
		if current != "" {
			out = append(out, current)
			current = u
		} else {
			out = append(out, u)
		}
	}
	if current != "" {
		out = append(out, current)
	}
	return out
}

func measure(face font.Face, s string) int {
	b, _ := font.BoundString(face, s)
	return (b.Max.X - b.Min.X).Ceil()
}

// Draw renders text onto dst in place. Empty text is a no-op.
func (r *Renderer) Draw(dst *image.RGBA, text, languageCode string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	bounds := dst.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	layout, err := r.Layout(text, languageCode, w)
	if err != nil {
		return err
	}
	face := r.faces[w]
	ascent := face.Metrics().Ascent.Ceil()
	ratio := layout.Ratio
	stroke := int(baseStroke * ratio)
	if stroke < 1 {
		stroke = 1
	}

	offset := baseLineOffset * float64(len(layout.Lines)) * ratio
	for i, line := range layout.Lines {
		b, _ := font.BoundString(face, line)
		textW := (b.Max.X - b.Min.X).Ceil()
		textH := (b.Max.Y - b.Min.Y).Ceil()
		gap := float64(textH) + baseLineGap*ratio

		y := int(float64(h-textH)-offset) + int(float64(i)*gap)
		x := (w - textW) / 2
		if x < layout.Margin {
			x = layout.Margin
		}
		if x+textW > w-layout.Margin {
			x = w - layout.Margin - textW
		}

		origin := bounds.Min.Add(image.Pt(x, y+ascent))
		for dy := -stroke; dy <= stroke; dy++ {
			for dx := -stroke; dx <= stroke; dx++ {
				if dx == 0 && dy == 0 {
					continue
				}
				drawString(dst, face, r.outline, origin.Add(image.Pt(dx, dy)), line)
			}
		}
		drawString(dst, face, image.White, origin, line)
	}
	return nil
}

func drawString(dst draw.Image, face font.Face, src image.Image, at image.Point, s string) {
	d := font.Drawer{Dst: dst, Src: src, Face: face, Dot: fixed.P(at.X, at.Y)}
	d.DrawString(s)
}
