package IO

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math/rand/v2"
	"os"

	"golang.org/x/image/draw"

	"github.com/CTCycle/XRAYREP-report-generator/vision"
)

// Maximum shift of an augmented image, as a fraction of its size.
const (
	shiftWidth  = 0.2
	shiftHeight = 0.3
)

// LoadImage decodes a PNG or JPEG file, resizes it bilinearly to h x w and
// scales pixel values to [0,1]. c must be 1 (grayscale) or 3 (RGB).
func LoadImage(path string, h, w, c int) (vision.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return vision.Image{}, err
	}
	defer f.Close()
	src, _, err := image.Decode(f)
	if err != nil {
		return vision.Image{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return FromImage(src, h, w, c)
}

// FromImage converts a decoded picture to the model layout.
func FromImage(src image.Image, h, w, c int) (vision.Image, error) {
	if c != 1 && c != 3 {
		return vision.Image{}, fmt.Errorf("unsupported channel count %d", c)
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := vision.NewImage(h, w, c)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px := dst.RGBAAt(x, y)
			if c == 1 {
				g := color.GrayModel.Convert(px).(color.Gray)
				out.Set(y, x, 0, float64(g.Y)/255)
				continue
			}
			out.Set(y, x, 0, float64(px.R)/255)
			out.Set(y, x, 1, float64(px.G)/255)
			out.Set(y, x, 2, float64(px.B)/255)
		}
	}
	return out, nil
}

// Augment shifts the image by up to 20% of its width and 30% of its height,
// filling with the nearest edge pixel, then flips it left-right with
// probability one half.
func Augment(im vision.Image, rng *rand.Rand) vision.Image {
	dx := int((rng.Float64()*2 - 1) * shiftWidth * float64(im.W))
	dy := int((rng.Float64()*2 - 1) * shiftHeight * float64(im.H))
	return Shift(im, dx, dy, rng.IntN(2) == 1)
}

// Shift moves the image dx pixels right and dy pixels down with nearest
// fill, mirroring it horizontally afterwards when flip is set.
func Shift(im vision.Image, dx, dy int, flip bool) vision.Image {
	out := vision.NewImage(im.H, im.W, im.C)
	for y := 0; y < im.H; y++ {
		sy := clamp(y-dy, im.H)
		for x := 0; x < im.W; x++ {
			sx := clamp(x-dx, im.W)
			tx := x
			if flip {
				tx = im.W - 1 - x
			}
			for c := 0; c < im.C; c++ {
				out.Set(y, tx, c, im.At(sy, sx, c))
			}
		}
	}
	return out
}

func clamp(v, n int) int {
	return min(max(v, 0), n-1)
}
