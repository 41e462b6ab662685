package vision

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/CTCycle/XRAYREP-report-generator/optimizations"
	"github.com/CTCycle/XRAYREP-report-generator/utils"
)

// Conv2D is a stride-1 'same' convolution with ReLU. Feature maps are
// (channels x H*W); the kernel is stored as (Out x K*K*In) so the layer is
// one matrix product over an im2col buffer.
type Conv2D struct {
	In, Out, K int
	W          *optimizations.Param
	B          *optimizations.Param
	Half       bool
}

func NewConv2D(name string, in, out, k int, rng *rand.Rand) *Conv2D {
	fanIn := k * k * in
	return &Conv2D{
		In:  in,
		Out: out,
		K:   k,
		W:   optimizations.NewParam(name+"/kernel", mat.NewDense(out, fanIn, utils.HeUniform(rng, out*fanIn, fanIn))),
		B:   optimizations.NewParam(name+"/bias", mat.NewDense(out, 1, nil)),
	}
}

func (l *Conv2D) Params() []*optimizations.Param { return []*optimizations.Param{l.W, l.B} }

// samePad splits the k-1 padding of a 'same' convolution. The odd extra
// goes after the input.
func samePad(k int) (before int) {
	return (k - 1) / 2
}

// im2col lays every k x k neighbourhood of X (in x h*w) out as a column.
func im2col(X *mat.Dense, h, w, k int) *mat.Dense {
	in, _ := X.Dims()
	pad := samePad(k)
	cols := mat.NewDense(k*k*in, h*w, nil)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := y*w + x
			for ky := 0; ky < k; ky++ {
				sy := y + ky - pad
				if sy < 0 || sy >= h {
					continue
				}
				for kx := 0; kx < k; kx++ {
					sx := x + kx - pad
					if sx < 0 || sx >= w {
						continue
					}
					base := (ky*k + kx) * in
					src := sy*w + sx
					for c := 0; c < in; c++ {
						cols.Set(base+c, p, X.At(c, src))
					}
				}
			}
		}
	}
	return cols
}

// Forward maps (In x h*w) to (Out x h*w).
func (l *Conv2D) Forward(X *mat.Dense, h, w int) *mat.Dense {
	if r, c := X.Dims(); r != l.In || c != h*w {
		panic(fmt.Sprintf("Conv2D.Forward %s: input %dx%d, expected %dx%d", l.W.Name, r, c, l.In, h*w))
	}
	out := utils.AddBias(utils.ToDense(utils.Dot(l.W.W, im2col(X, h, w, l.K))), l.B.W)
	if l.Half {
		utils.RoundHalfInPlace(out)
	}
	return utils.Apply(utils.ReluApply, out).(*mat.Dense)
}

// PoolSize is the output side of a 2x2 stride-2 'same' pool.
func PoolSize(n int) int { return (n + 1) / 2 }

// MaxPool applies a 2x2 stride-2 'same' max pool to (c x h*w). Windows that
// run past the edge only look at the pixels inside.
func MaxPool(X *mat.Dense, h, w int) (out *mat.Dense, oh, ow int) {
	c, _ := X.Dims()
	oh, ow = PoolSize(h), PoolSize(w)
	out = mat.NewDense(c, oh*ow, nil)
	for ch := 0; ch < c; ch++ {
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				best := math.Inf(-1)
				for dy := 0; dy < 2; dy++ {
					sy := 2*y + dy
					if sy >= h {
						continue
					}
					for dx := 0; dx < 2; dx++ {
						sx := 2*x + dx
						if sx >= w {
							continue
						}
						best = max(best, X.At(ch, sy*w+sx))
					}
				}
				out.Set(ch, y*ow+x, best)
			}
		}
	}
	return out, oh, ow
}
