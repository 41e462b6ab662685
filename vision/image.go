// Package vision holds the convolutional image encoder that turns a picture
// into a sequence of visual tokens.
package vision

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/CTCycle/XRAYREP-report-generator/errtypes"
)

// Image is an H x W x C picture stored row-major (HWC) with values in [0,1].
type Image struct {
	H, W, C int
	Data    []float64
}

func NewImage(h, w, c int) Image {
	return Image{H: h, W: w, C: c, Data: make([]float64, h*w*c)}
}

func (im Image) At(y, x, c int) float64 { return im.Data[(y*im.W+x)*im.C+c] }

func (im Image) Set(y, x, c int, v float64) { im.Data[(y*im.W+x)*im.C+c] = v }

// CheckShape reports errtypes.ErrShape unless the image is h x w x c.
func (im Image) CheckShape(h, w, c int) error {
	if im.H != h || im.W != w || im.C != c {
		return fmt.Errorf("%w: image is %dx%dx%d, model expects %dx%dx%d",
			errtypes.ErrShape, im.H, im.W, im.C, h, w, c)
	}
	if len(im.Data) != h*w*c {
		return fmt.Errorf("%w: image carries %d values for %dx%dx%d", errtypes.ErrShape, len(im.Data), h, w, c)
	}
	return nil
}

// Channels returns the picture as (C x H*W) with positions in row-major
// spatial order.
func (im Image) Channels() *mat.Dense {
	out := mat.NewDense(im.C, im.H*im.W, nil)
	for p := 0; p < im.H*im.W; p++ {
		for c := 0; c < im.C; c++ {
			out.Set(c, p, im.Data[p*im.C+c])
		}
	}
	return out
}
