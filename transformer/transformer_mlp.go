package transformer

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/CTCycle/XRAYREP-report-generator/optimizations"
	"github.com/CTCycle/XRAYREP-report-generator/utils"
)

type Activation int

const (
	Linear Activation = iota
	ReLU
)

func (a Activation) String() string {
	if a == ReLU {
		return "relu"
	}
	return "linear"
}

// Dense is a fully connected layer applied to every column of a (in x T) input.
type Dense struct {
	In, Out int
	Act     Activation
	W       *optimizations.Param // (out x in)
	B       *optimizations.Param // (out x 1)
	Half    bool                 // round outputs through float16

	// cache for backprop
	lastInput, preAct *mat.Dense
}

// NewDense builds a layer with He-uniform weights (ReLU layers) or
// Glorot-uniform weights (linear layers) and zero biases.
func NewDense(name string, in, out int, act Activation, rng *rand.Rand) *Dense {
	var w []float64
	if act == ReLU {
		w = utils.HeUniform(rng, out*in, in)
	} else {
		w = utils.GlorotUniform(rng, out*in, in, out)
	}
	return &Dense{
		In:  in,
		Out: out,
		Act: act,
		W:   optimizations.NewParam(name+"/kernel", mat.NewDense(out, in, w)),
		B:   optimizations.NewParam(name+"/bias", mat.NewDense(out, 1, nil)),
	}
}

func (l *Dense) Params() []*optimizations.Param { return []*optimizations.Param{l.W, l.B} }

func (l *Dense) Forward(X *mat.Dense) *mat.Dense {
	if r, _ := X.Dims(); r != l.In {
		panic(fmt.Sprintf("Dense.Forward %s: input has %d rows, expected %d", l.W.Name, r, l.In))
	}
	l.lastInput = X
	lin := utils.ToDense(utils.Dot(l.W.W, X)) // (out x T)
	pre := utils.AddBias(lin, l.B.W)
	if l.Half {
		utils.RoundHalfInPlace(pre)
	}
	l.preAct = pre
	if l.Act == ReLU {
		return utils.Apply(utils.ReluApply, pre).(*mat.Dense)
	}
	return pre
}

// BackwardGradsOnly accumulates dW/dB and returns dX.
func (l *Dense) BackwardGradsOnly(grad *mat.Dense) *mat.Dense {
	if l.Act == ReLU {
		grad = utils.ReluPrime(grad, l.preAct)
	}
	l.W.Accumulate(utils.Dot(grad, l.lastInput.T()))
	l.B.Accumulate(utils.SumCols(grad))
	return utils.ToDense(utils.Dot(l.W.W.T(), grad))
}

func (l *Dense) CloneShared() *Dense {
	return &Dense{In: l.In, Out: l.Out, Act: l.Act, W: l.W.Shared(), B: l.B.Shared(), Half: l.Half}
}

// Dropout zeroes entries with probability Rate during training and scales
// the survivors by 1/(1-Rate). Inference is the identity.
type Dropout struct {
	Rate float64
	rng  *rand.Rand
	mask *mat.Dense
}

func NewDropout(rate float64, rng *rand.Rand) *Dropout {
	return &Dropout{Rate: rate, rng: rng}
}

func (d *Dropout) Forward(X *mat.Dense, training bool) *mat.Dense {
	if !training || d.Rate <= 0 {
		d.mask = nil
		return X
	}
	r, c := X.Dims()
	d.mask = dropoutMask(d.rng, d.Rate, r, c)
	return utils.ToDense(utils.Multiply(X, d.mask))
}

func (d *Dropout) Backward(grad *mat.Dense) *mat.Dense {
	if d.mask == nil {
		return grad
	}
	return utils.ToDense(utils.Multiply(grad, d.mask))
}

// CloneShared returns an inference-only copy.
func (d *Dropout) CloneShared() *Dropout {
	return &Dropout{Rate: d.Rate}
}

// dropoutMask holds 1/(1-rate) for kept entries and 0 for dropped ones.
func dropoutMask(rng *rand.Rand, rate float64, r, c int) *mat.Dense {
	keep := 1.0 / (1.0 - rate)
	m := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if rng.Float64() >= rate {
				m.Set(i, j, keep)
			}
		}
	}
	return m
}
