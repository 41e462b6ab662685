package transformer

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/CTCycle/XRAYREP-report-generator/optimizations"
	"github.com/CTCycle/XRAYREP-report-generator/params"
	"github.com/CTCycle/XRAYREP-report-generator/utils"
)

// EncoderBlock refines visual tokens:
// LN -> Dense -> Dropout -> Dense -> self MHA -> LN(residual) -> Dense -> Dropout -> Dense.
type EncoderBlock struct {
	In  int
	Out int

	Ln1    *optimizations.LayerNorm
	Dense1 *Dense
	Drop1  *Dropout
	Dense2 *Dense
	Attn   *Attention
	Ln2    *optimizations.LayerNorm
	Dense3 *Dense
	Drop2  *Dropout
	Dense4 *Dense
}

// NewEncoderBlock builds block name for inputs of width in.
func NewEncoderBlock(name string, in int, cfg params.ModelConfig, rng *rand.Rand) *EncoderBlock {
	u := cfg.Architecture.EncoderUnits
	rates := cfg.Architecture.EncoderDropout
	return &EncoderBlock{
		In:     in,
		Out:    u[3],
		Ln1:    optimizations.NewLayerNorm(name+"/layernorm_1", in, optimizations.DefaultLayerNormEps),
		Dense1: NewDense(name+"/dense_1", in, u[0], ReLU, rng),
		Drop1:  NewDropout(rates[0], rng),
		Dense2: NewDense(name+"/dense_2", u[0], u[1], ReLU, rng),
		Attn:   NewAttention(name+"/attention", cfg.NumHeads, u[1], u[1], cfg.EmbeddingDims, 0, rng),
		Ln2:    optimizations.NewLayerNorm(name+"/layernorm_2", u[1], optimizations.DefaultLayerNormEps),
		Dense3: NewDense(name+"/dense_3", u[1], u[2], ReLU, rng),
		Drop2:  NewDropout(rates[1], rng),
		Dense4: NewDense(name+"/dense_4", u[2], u[3], ReLU, rng),
	}
}

func (b *EncoderBlock) Params() []*optimizations.Param {
	var ps []*optimizations.Param
	ps = append(ps, b.Ln1.Params()...)
	ps = append(ps, b.Dense1.Params()...)
	ps = append(ps, b.Dense2.Params()...)
	ps = append(ps, b.Attn.Params()...)
	ps = append(ps, b.Ln2.Params()...)
	ps = append(ps, b.Dense3.Params()...)
	ps = append(ps, b.Dense4.Params()...)
	return ps
}

func (b *EncoderBlock) denses() []*Dense {
	return []*Dense{b.Dense1, b.Dense2, b.Dense3, b.Dense4}
}

// Forward maps (In x N) to (Out x N).
func (b *EncoderBlock) Forward(X *mat.Dense, training bool) *mat.Dense {
	x1 := b.Ln1.Forward(X)
	d1 := b.Drop1.Forward(b.Dense1.Forward(x1), training)
	d2 := b.Dense2.Forward(d1)
	attnOut := b.Attn.Forward(d2, d2, nil, training)
	res := b.Ln2.Forward(utils.ToDense(utils.Add(d2, attnOut)))
	d3 := b.Drop2.Forward(b.Dense3.Forward(res), training)
	return b.Dense4.Forward(d3)
}

// BackwardGradsOnly accumulates grads and returns dX.
func (b *EncoderBlock) BackwardGradsOnly(dY *mat.Dense) *mat.Dense {
	dD3 := b.Drop2.Backward(b.Dense4.BackwardGradsOnly(dY))
	dRes := b.Dense3.BackwardGradsOnly(dD3)
	dSum := b.Ln2.BackwardGradsOnly(dRes)

	// d2 feeds the residual, the queries and the keys/values.
	dQ, dKV := b.Attn.BackwardGradsOnly(dSum)
	dD2 := utils.ToDense(utils.Add(dSum, utils.Add(dQ, dKV)))

	dD1 := b.Drop1.Backward(b.Dense2.BackwardGradsOnly(dD2))
	dX1 := b.Dense1.BackwardGradsOnly(dD1)
	return b.Ln1.BackwardGradsOnly(dX1)
}

// DecoderBlock turns shifted target ids plus encoder memory into a
// per-position distribution over the vocabulary.
type DecoderBlock struct {
	Dims, Vocab, Memory int

	Embedding *PositionalEmbedding
	MHA1      *Attention // causal self-attention
	MHA2      *Attention // cross-attention to the memory
	Ln1       *optimizations.LayerNorm
	Ln2       *optimizations.LayerNorm
	Ln3       *optimizations.LayerNorm
	FFN1      *Dense
	FFN2      *Dense
	Dense     *Dense
	Outmax    *Dense
	Drop1     *Dropout
	Drop2     *Dropout
	Drop3     *Dropout
}

// NewDecoderBlock builds the decoder for memory tokens of width memory.
func NewDecoderBlock(name string, memory int, cfg params.ModelConfig, rng *rand.Rand) *DecoderBlock {
	a := cfg.Architecture
	d := cfg.EmbeddingDims
	eps := optimizations.DefaultLayerNormEps
	return &DecoderBlock{
		Dims:      d,
		Vocab:     cfg.VocabSize,
		Memory:    memory,
		Embedding: NewPositionalEmbedding(name+"/embedding", cfg.SequenceLength, cfg.VocabSize, d, true, rng),
		MHA1:      NewAttention(name+"/attention_1", cfg.NumHeads, d, d, d, a.AttentionDropout, rng),
		MHA2:      NewAttention(name+"/attention_2", cfg.NumHeads, d, memory, d, a.AttentionDropout, rng),
		Ln1:       optimizations.NewLayerNorm(name+"/layernorm_1", d, eps),
		Ln2:       optimizations.NewLayerNorm(name+"/layernorm_2", d, eps),
		Ln3:       optimizations.NewLayerNorm(name+"/layernorm_3", d, eps),
		FFN1:      NewDense(name+"/ffn_1", d, a.DecoderFFNUnits, ReLU, rng),
		FFN2:      NewDense(name+"/ffn_2", a.DecoderFFNUnits, d, ReLU, rng),
		Dense:     NewDense(name+"/dense", d, a.DecoderDenseUnits, ReLU, rng),
		Outmax:    NewDense(name+"/outmax", a.DecoderDenseUnits, cfg.VocabSize, Linear, rng),
		Drop1:     NewDropout(a.DecoderDropout[0], rng),
		Drop2:     NewDropout(a.DecoderDropout[1], rng),
		Drop3:     NewDropout(a.DecoderDropout[2], rng),
	}
}

func (b *DecoderBlock) Params() []*optimizations.Param {
	var ps []*optimizations.Param
	ps = append(ps, b.Embedding.Params()...)
	ps = append(ps, b.MHA1.Params()...)
	ps = append(ps, b.Ln1.Params()...)
	ps = append(ps, b.MHA2.Params()...)
	ps = append(ps, b.Ln2.Params()...)
	ps = append(ps, b.FFN1.Params()...)
	ps = append(ps, b.FFN2.Params()...)
	ps = append(ps, b.Ln3.Params()...)
	ps = append(ps, b.Dense.Params()...)
	ps = append(ps, b.Outmax.Params()...)
	return ps
}

func (b *DecoderBlock) denses() []*Dense {
	return []*Dense{b.FFN1, b.FFN2, b.Dense, b.Outmax}
}

// Forward returns the softmax distribution (Vocab x len(ids)).
//
// The causal mask is always applied. When padding is non-nil, self-attention
// also skips padded keys and cross-attention rows of padded queries are fully
// masked, which leaves them uniform over the memory.
func (b *DecoderBlock) Forward(ids []int, memory *mat.Dense, padding []bool, training bool) (*mat.Dense, error) {
	if padding != nil && len(padding) != len(ids) {
		return nil, fmt.Errorf("decoder: padding mask has %d entries for %d ids", len(padding), len(ids))
	}
	if r, _ := memory.Dims(); r != b.Memory {
		panic(fmt.Sprintf("DecoderBlock.Forward: memory has %d rows, expected %d", r, b.Memory))
	}
	x0, err := b.Embedding.Forward(ids)
	if err != nil {
		return nil, err
	}
	T := len(ids)
	_, N := memory.Dims()

	selfMask := utils.CombinedMask(T, padding)
	var crossMask *mat.Dense
	if padding != nil {
		crossMask = utils.QueryMask(padding, N)
	}

	a1 := b.MHA1.Forward(x0, x0, selfMask, training)
	out1 := b.Ln1.Forward(utils.ToDense(utils.Add(x0, a1)))

	a2 := b.MHA2.Forward(out1, memory, crossMask, training)
	out2 := b.Ln2.Forward(utils.ToDense(utils.Add(out1, a2)))

	f := b.Drop1.Forward(b.FFN1.Forward(out2), training)
	f = b.FFN2.Forward(f)
	out3 := b.Ln3.Forward(utils.ToDense(utils.Add(f, out2)))
	out3 = b.Drop2.Forward(out3, training)

	h := b.Drop3.Forward(b.Dense.Forward(out3), training)
	return utils.ColumnSoftmax(b.Outmax.Forward(h)), nil
}

// BackwardGradsOnly takes the gradient of the loss with respect to the
// pre-softmax logits, accumulates every decoder grad and returns the
// gradient with respect to the memory.
func (b *DecoderBlock) BackwardGradsOnly(dZ *mat.Dense) (dMemory *mat.Dense) {
	dH := b.Drop3.Backward(b.Outmax.BackwardGradsOnly(dZ))
	dOut3 := b.Drop2.Backward(b.Dense.BackwardGradsOnly(dH))
	dSum3 := b.Ln3.BackwardGradsOnly(dOut3)

	// f = FFN2(drop(FFN1(out2))); out3 = LN3(f + out2)
	dF := b.Drop1.Backward(b.FFN2.BackwardGradsOnly(dSum3))
	dOut2 := utils.ToDense(utils.Add(dSum3, b.FFN1.BackwardGradsOnly(dF)))

	dSum2 := b.Ln2.BackwardGradsOnly(dOut2)
	dQ2, dMemory := b.MHA2.BackwardGradsOnly(dSum2)
	dOut1 := utils.ToDense(utils.Add(dSum2, dQ2))

	dSum1 := b.Ln1.BackwardGradsOnly(dOut1)
	dQ1, dKV1 := b.MHA1.BackwardGradsOnly(dSum1)
	dX0 := utils.ToDense(utils.Add(dSum1, utils.Add(dQ1, dKV1)))

	b.Embedding.BackwardGradsOnly(dX0)
	return dMemory
}
