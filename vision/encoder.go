package vision

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/CTCycle/XRAYREP-report-generator/optimizations"
	"github.com/CTCycle/XRAYREP-report-generator/params"
	"github.com/CTCycle/XRAYREP-report-generator/transformer"
)

// ImageEncoder runs the conv stages, applies the dense head at every
// spatial position and returns the grid as a row-major sequence of visual
// tokens (Width x Tokens).
type ImageEncoder struct {
	H, W, C int
	Stages  [][]*Conv2D
	Head    []*transformer.Dense

	Width  int // rows of the output
	Tokens int // columns of the output
}

func NewImageEncoder(cfg params.ModelConfig, rng *rand.Rand) *ImageEncoder {
	e := &ImageEncoder{H: cfg.Height(), W: cfg.Width(), C: cfg.Channels()}
	in := e.C
	for s, filters := range cfg.Architecture.ConvStages {
		stage := make([]*Conv2D, len(filters))
		for i, f := range filters {
			stage[i] = NewConv2D(fmt.Sprintf("image_encoder/conv_%d_%d", s, i), in, f, cfg.KernelSize, rng)
			in = f
		}
		e.Stages = append(e.Stages, stage)
	}
	for i, u := range cfg.Architecture.ImageDenseUnits {
		e.Head = append(e.Head, transformer.NewDense(fmt.Sprintf("image_encoder/dense_%d", i), in, u, transformer.ReLU, rng))
		in = u
	}
	e.Width = in
	e.Tokens = cfg.VisualTokens()
	return e
}

func (e *ImageEncoder) Params() []*optimizations.Param {
	var ps []*optimizations.Param
	for _, stage := range e.Stages {
		for _, c := range stage {
			ps = append(ps, c.Params()...)
		}
	}
	for _, d := range e.Head {
		ps = append(ps, d.Params()...)
	}
	return ps
}

// SetHalf rounds conv and dense outputs through float16 when on.
func (e *ImageEncoder) SetHalf(on bool) {
	for _, stage := range e.Stages {
		for _, c := range stage {
			c.Half = on
		}
	}
	for _, d := range e.Head {
		d.Half = on
	}
}

// Forward encodes one image. A picture of the wrong shape is ErrShape.
func (e *ImageEncoder) Forward(img Image) (*mat.Dense, error) {
	if err := img.CheckShape(e.H, e.W, e.C); err != nil {
		return nil, err
	}
	X := img.Channels()
	h, w := e.H, e.W
	for _, stage := range e.Stages {
		for _, conv := range stage {
			X = conv.Forward(X, h, w)
		}
		X, h, w = MaxPool(X, h, w)
	}
	for _, d := range e.Head {
		X = d.Forward(X)
	}
	return X, nil
}

// CloneShared returns an encoder over the same weights. The layers keep no
// state between calls except the dense input caches, which are private.
func (e *ImageEncoder) CloneShared() *ImageEncoder {
	out := &ImageEncoder{H: e.H, W: e.W, C: e.C, Stages: e.Stages, Width: e.Width, Tokens: e.Tokens}
	for _, d := range e.Head {
		out.Head = append(out.Head, d.CloneShared())
	}
	return out
}
