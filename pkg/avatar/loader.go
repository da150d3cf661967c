package avatar

import (
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Directory layout of an avatar.
const (
	FullImagesDir = "full_images"
	FaceImagesDir = "face_images"
)

// coordsFiles are tried in order. JSON is read by the YAML decoder.
var coordsFiles = []string{"coords.yaml", "coords.yml", "coords.json"}

// Load reads an avatar directory:
//
//	<dir>/full_images/<n>.(jpg|png)
//	<dir>/face_images/<n>.(jpg|png)
//	<dir>/coords.(yaml|json)   list of [y1, y2, x1, x2]
//
// Images are ordered by their numeric base name. The face size is taken from
// the directory name suffix (e.g. "wav2lip_avatar1_256"), falling back to the
// first face crop's width.
func Load(dir string) (*Frames, error) {
	full, err := readImages(filepath.Join(dir, FullImagesDir))
	if err != nil {
		return nil, err
	}
	face, err := readImages(filepath.Join(dir, FaceImagesDir))
	if err != nil {
		return nil, err
	}
	coords, err := readCoords(dir)
	if err != nil {
		return nil, err
	}

	size, err := ParseImageSize(dir)
	if err != nil {
		if len(face) == 0 {
			return nil, ErrEmptyAvatar
		}
		size = face[0].Bounds().Dx()
		slog.Debug("avatar: image size not in path, using face width", "dir", dir, "size", size)
	}

	f := &Frames{Full: full, Face: face, Coords: coords, FaceSize: size}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("avatar: load %q: %w", dir, err)
	}
	slog.Info("avatar loaded", "dir", dir, "frames", f.Len(), "face_size", size)
	return f, nil
}

// ParseImageSize extracts the model input resolution from the last
// underscore-separated element of path.
func ParseImageSize(path string) (int, error) {
	base := filepath.Base(filepath.Clean(path))
	idx := strings.LastIndex(base, "_")
	if idx < 0 {
		return 0, fmt.Errorf("avatar: no size suffix in %q", base)
	}
	size, err := strconv.Atoi(base[idx+1:])
	if err != nil || size <= 0 {
		return 0, fmt.Errorf("avatar: invalid size suffix in %q", base)
	}
	return size, nil
}

type numberedFile struct {
	n    int
	path string
}

func readImages(dir string) ([]*image.RGBA, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("avatar: read %q: %w", dir, err)
	}

	var files []numberedFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".jpg" && ext != ".jpeg" && ext != ".png" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
		if err != nil {
			slog.Warn("avatar: skipping non-numeric image", "file", e.Name())
			continue
		}
		files = append(files, numberedFile{n: n, path: filepath.Join(dir, e.Name())})
	}
	slices.SortFunc(files, func(a, b numberedFile) int { return a.n - b.n })

	images := make([]*image.RGBA, 0, len(files))
	for _, f := range files {
		img, err := decodeRGBA(f.path)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

func decodeRGBA(path string) (*image.RGBA, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("avatar: open %q: %w", path, err)
	}
	defer fh.Close()

	img, _, err := image.Decode(fh)
	if err != nil {
		return nil, fmt.Errorf("avatar: decode %q: %w", path, err)
	}
	return ToRGBA(img), nil
}

// ToRGBA returns img as an *image.RGBA with its origin at (0, 0).
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) {
		return rgba
	}
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

func readCoords(dir string) ([]Box, error) {
	for _, name := range coordsFiles {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("avatar: read %q: %w", path, err)
		}
		return ParseCoords(data)
	}
	return nil, fmt.Errorf("avatar: no coordinate file in %q (tried %s)", dir, strings.Join(coordsFiles, ", "))
}

// ParseCoords decodes a YAML or JSON list of [y1, y2, x1, x2] quadruples.
func ParseCoords(data []byte) ([]Box, error) {
	var raw [][]int
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("avatar: decode coords: %w", err)
	}
	boxes := make([]Box, len(raw))
	for i, q := range raw {
		if len(q) != 4 {
			return nil, fmt.Errorf("avatar: coords[%d] has %d values, want 4", i, len(q))
		}
		b := Box{Y1: q[0], Y2: q[1], X1: q[2], X2: q[3]}
		if b.Y2 <= b.Y1 || b.X2 <= b.X1 {
			return nil, fmt.Errorf("avatar: coords[%d] %v is empty", i, q)
		}
		boxes[i] = b
	}
	return boxes, nil
}
