package transformer

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/CTCycle/XRAYREP-report-generator/optimizations"
	"github.com/CTCycle/XRAYREP-report-generator/utils"
)

// Attention is multi-head attention with an explicit per-head key width.
// Queries are projected from DQuery rows, keys and values from DKV rows,
// and the concatenated heads are projected back to DQuery rows.
type Attention struct {
	H      int
	DQuery int
	DKV    int
	DHead  int // key and value width of one head

	Wquery, Wkey, Wvalue []*optimizations.Param // per head (DHead x DQuery|DKV)
	Bquery, Bkey, Bvalue []*optimizations.Param // per head (DHead x 1)
	Woutput              *optimizations.Param   // (DQuery x H*DHead)
	Boutput              *optimizations.Param   // (DQuery x 1)

	Dropout float64 // on attention probabilities
	rng     *rand.Rand

	// cache for backprop
	Xq, Xkv  *mat.Dense
	adder    *mat.Dense
	Q, K, V  []*mat.Dense
	Scores   []*mat.Dense
	A        []*mat.Dense // softmax output
	Adrop    []*mat.Dense // after dropout
	dropMask []*mat.Dense
	O        []*mat.Dense
	O_cat    *mat.Dense

	parallel bool // parallelize over heads if true
}

func NewAttention(name string, nHeads, dQuery, dKV, keyDim int, dropout float64, rng *rand.Rand) *Attention {
	attn := &Attention{
		H:        nHeads,
		DQuery:   dQuery,
		DKV:      dKV,
		DHead:    keyDim,
		Wquery:   make([]*optimizations.Param, nHeads),
		Wkey:     make([]*optimizations.Param, nHeads),
		Wvalue:   make([]*optimizations.Param, nHeads),
		Bquery:   make([]*optimizations.Param, nHeads),
		Bkey:     make([]*optimizations.Param, nHeads),
		Bvalue:   make([]*optimizations.Param, nHeads),
		Dropout:  dropout,
		rng:      rng,
		parallel: false,
	}
	attn.allocCaches()
	width := nHeads * keyDim
	for h := 0; h < nHeads; h++ {
		attn.Wquery[h] = optimizations.NewParam(fmt.Sprintf("%s/query/%d/kernel", name, h),
			mat.NewDense(keyDim, dQuery, utils.GlorotUniform(rng, keyDim*dQuery, dQuery, width)))
		attn.Wkey[h] = optimizations.NewParam(fmt.Sprintf("%s/key/%d/kernel", name, h),
			mat.NewDense(keyDim, dKV, utils.GlorotUniform(rng, keyDim*dKV, dKV, width)))
		attn.Wvalue[h] = optimizations.NewParam(fmt.Sprintf("%s/value/%d/kernel", name, h),
			mat.NewDense(keyDim, dKV, utils.GlorotUniform(rng, keyDim*dKV, dKV, width)))
		attn.Bquery[h] = optimizations.NewParam(fmt.Sprintf("%s/query/%d/bias", name, h), mat.NewDense(keyDim, 1, nil))
		attn.Bkey[h] = optimizations.NewParam(fmt.Sprintf("%s/key/%d/bias", name, h), mat.NewDense(keyDim, 1, nil))
		attn.Bvalue[h] = optimizations.NewParam(fmt.Sprintf("%s/value/%d/bias", name, h), mat.NewDense(keyDim, 1, nil))
	}
	attn.Woutput = optimizations.NewParam(name+"/output/kernel",
		mat.NewDense(dQuery, width, utils.GlorotUniform(rng, dQuery*width, width, dQuery)))
	attn.Boutput = optimizations.NewParam(name+"/output/bias", mat.NewDense(dQuery, 1, nil))
	return attn
}

func (attn *Attention) allocCaches() {
	attn.Q = make([]*mat.Dense, attn.H)
	attn.K = make([]*mat.Dense, attn.H)
	attn.V = make([]*mat.Dense, attn.H)
	attn.Scores = make([]*mat.Dense, attn.H)
	attn.A = make([]*mat.Dense, attn.H)
	attn.Adrop = make([]*mat.Dense, attn.H)
	attn.dropMask = make([]*mat.Dense, attn.H)
	attn.O = make([]*mat.Dense, attn.H)
}

// SetParallel toggles running heads on separate goroutines.
func (attn *Attention) SetParallel(on bool) { attn.parallel = on }

func (attn *Attention) Params() []*optimizations.Param {
	out := make([]*optimizations.Param, 0, 6*attn.H+2)
	for h := 0; h < attn.H; h++ {
		out = append(out, attn.Wquery[h], attn.Bquery[h], attn.Wkey[h], attn.Bkey[h], attn.Wvalue[h], attn.Bvalue[h])
	}
	return append(out, attn.Woutput, attn.Boutput)
}

// Forward attends from the columns of Xq (DQuery x Tq) to the columns of
// Xkv (DKV x Tk). mask is (Tq x Tk) with 1 for allowed pairs, or nil.
func (attn *Attention) Forward(Xq, Xkv, mask *mat.Dense, training bool) *mat.Dense {
	dq, Tq := Xq.Dims()
	dkv, Tk := Xkv.Dims()
	if dq != attn.DQuery || dkv != attn.DKV {
		panic(fmt.Sprintf("Attention.Forward: inputs (%d, %d) rows, expected (%d, %d)", dq, dkv, attn.DQuery, attn.DKV))
	}
	attn.Xq, attn.Xkv = Xq, Xkv
	adder := utils.AdditiveMask(mask)
	attn.adder = adder
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))
	headsCat := mat.NewDense(attn.H*attn.DHead, Tq, nil)

	// Dropout masks are drawn up front so heads can run concurrently.
	for h := 0; h < attn.H; h++ {
		attn.dropMask[h] = nil
		if training && attn.Dropout > 0 {
			attn.dropMask[h] = dropoutMask(attn.rng, attn.Dropout, Tq, Tk)
		}
	}

	work := func(h int) {
		attn.Q[h] = utils.AddBias(utils.ToDense(utils.Dot(attn.Wquery[h].W, Xq)), attn.Bquery[h].W)
		attn.K[h] = utils.AddBias(utils.ToDense(utils.Dot(attn.Wkey[h].W, Xkv)), attn.Bkey[h].W)
		attn.V[h] = utils.AddBias(utils.ToDense(utils.Dot(attn.Wvalue[h].W, Xkv)), attn.Bvalue[h].W)
		// S = (Q^T K)/sqrt
		s := mat.NewDense(Tq, Tk, nil)
		s.Mul(attn.Q[h].T(), attn.K[h])
		s.Scale(rescale, s)
		attn.Scores[h] = s
		// A
		a := mat.NewDense(Tq, Tk, nil)
		utils.RowSoftmaxMaskedInPlace(a, s, adder)
		attn.A[h] = a
		ad := a
		if attn.dropMask[h] != nil {
			ad = utils.ToDense(utils.Multiply(a, attn.dropMask[h]))
		}
		attn.Adrop[h] = ad
		// O = V * A^T
		o := mat.NewDense(attn.DHead, Tq, nil)
		o.Mul(attn.V[h], ad.T())
		attn.O[h] = o
		base := h * attn.DHead
		dst := headsCat.Slice(base, base+attn.DHead, 0, Tq).(*mat.Dense)
		dst.Copy(o)
	}
	if attn.parallel && attn.H > 1 {
		var wg sync.WaitGroup
		wg.Add(attn.H)
		for h := 0; h < attn.H; h++ {
			go func() { defer wg.Done(); work(h) }()
		}
		wg.Wait()
	} else {
		for h := 0; h < attn.H; h++ {
			work(h)
		}
	}
	attn.O_cat = headsCat

	// Debug: quick sanity check on head 0 attention row sums.
	if a := attn.A[0]; a != nil && utils.DebugEnabled() {
		rs := utils.RowSums(a)
		mn, mx := rs[0], rs[0]
		for _, v := range rs {
			mn, mx = min(mn, v), max(mx, v)
		}
		utils.Debugf("Attn %s: head0 A row-sum min/max = %.4f/%.4f (Tq=%d Tk=%d)",
			attn.Woutput.Name, mn, mx, Tq, Tk)
	}

	return utils.AddBias(utils.ToDense(utils.Dot(attn.Woutput.W, headsCat)), attn.Boutput.W)
}

// BackwardGradsOnly accumulates parameter grads and returns the grads of the
// query input and of the key/value input. For self-attention the caller sums them.
func (attn *Attention) BackwardGradsOnly(dY *mat.Dense) (dXq, dXkv *mat.Dense) {
	_, Tq := attn.Xq.Dims()
	_, Tk := attn.Xkv.Dims()

	attn.Woutput.Accumulate(utils.Dot(dY, attn.O_cat.T()))
	attn.Boutput.Accumulate(utils.SumCols(dY))
	dOcat := utils.ToDense(utils.Dot(attn.Woutput.W.T(), dY))

	dXq = mat.NewDense(attn.DQuery, Tq, nil)
	dXkv = mat.NewDense(attn.DKV, Tk, nil)
	rescale := 1.0 / math.Sqrt(float64(attn.DHead))

	row := 0
	for h := 0; h < attn.H; h++ {
		// slice out this head’s portion of dOcat
		dO := dOcat.Slice(row, row+attn.DHead, 0, Tq)
		row += attn.DHead

		// O = V * Adrop^T
		dV := utils.ToDense(utils.Dot(dO, attn.Adrop[h]))       // (dHead x Tk)
		dAdrop := utils.ToDense(utils.Dot(attn.V[h].T(), dO)).T() // (Tq x Tk)
		var dA mat.Matrix = dAdrop
		if attn.dropMask[h] != nil {
			dA = utils.Multiply(dAdrop, attn.dropMask[h])
		}

		// A = softmax_row(S + mask)
		dS := utils.SoftmaxBackward(dA, attn.A[h]) // (Tq x Tk)
		utils.ZeroMaskedRows(dS, attn.adder)

		// S = Q^T K / sqrt(dHead)
		dQ := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.K[h], dS.T()))) // (dHead x Tq)
		dK := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.Q[h], dS)))     // (dHead x Tk)

		// Params
		attn.Wquery[h].Accumulate(utils.Dot(dQ, attn.Xq.T()))
		attn.Bquery[h].Accumulate(utils.SumCols(dQ))
		attn.Wkey[h].Accumulate(utils.Dot(dK, attn.Xkv.T()))
		attn.Bkey[h].Accumulate(utils.SumCols(dK))
		attn.Wvalue[h].Accumulate(utils.Dot(dV, attn.Xkv.T()))
		attn.Bvalue[h].Accumulate(utils.SumCols(dV))

		// Inputs
		dXq.Add(dXq, utils.Dot(attn.Wquery[h].W.T(), dQ))
		dXkv.Add(dXkv, utils.Dot(attn.Wkey[h].W.T(), dK))
		dXkv.Add(dXkv, utils.Dot(attn.Wvalue[h].W.T(), dV))
	}
	return dXq, dXkv
}
