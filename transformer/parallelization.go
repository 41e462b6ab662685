package transformer

import (
	"gonum.org/v1/gonum/mat"

	"github.com/CTCycle/XRAYREP-report-generator/optimizations"
)

// CloneShared creates a shallow clone of the block where all weights/biases
// are shared (read-only), but per-module caches are private to avoid races.
// No optimizer state is copied. Clones are for inference only.
func (b *EncoderBlock) CloneShared() *EncoderBlock {
	return &EncoderBlock{
		In:     b.In,
		Out:    b.Out,
		Ln1:    b.Ln1.CloneShared(),
		Dense1: b.Dense1.CloneShared(),
		Drop1:  b.Drop1.CloneShared(),
		Dense2: b.Dense2.CloneShared(),
		Attn:   b.Attn.CloneShared(),
		Ln2:    b.Ln2.CloneShared(),
		Dense3: b.Dense3.CloneShared(),
		Drop2:  b.Drop2.CloneShared(),
		Dense4: b.Dense4.CloneShared(),
	}
}

func (b *DecoderBlock) CloneShared() *DecoderBlock {
	return &DecoderBlock{
		Dims:      b.Dims,
		Vocab:     b.Vocab,
		Memory:    b.Memory,
		Embedding: b.Embedding.CloneShared(),
		MHA1:      b.MHA1.CloneShared(),
		MHA2:      b.MHA2.CloneShared(),
		Ln1:       b.Ln1.CloneShared(),
		Ln2:       b.Ln2.CloneShared(),
		Ln3:       b.Ln3.CloneShared(),
		FFN1:      b.FFN1.CloneShared(),
		FFN2:      b.FFN2.CloneShared(),
		Dense:     b.Dense.CloneShared(),
		Outmax:    b.Outmax.CloneShared(),
		Drop1:     b.Drop1.CloneShared(),
		Drop2:     b.Drop2.CloneShared(),
		Drop3:     b.Drop3.CloneShared(),
	}
}

// CloneShared keeps the weights and gives the clone its own caches. Head
// goroutines are off inside clones to avoid oversubscription when many
// clones run at once.
func (attn *Attention) CloneShared() *Attention {
	share := func(ps []*optimizations.Param) []*optimizations.Param {
		out := make([]*optimizations.Param, len(ps))
		for i, p := range ps {
			out[i] = p.Shared()
		}
		return out
	}
	a := &Attention{
		H:       attn.H,
		DQuery:  attn.DQuery,
		DKV:     attn.DKV,
		DHead:   attn.DHead,
		Wquery:  share(attn.Wquery),
		Wkey:    share(attn.Wkey),
		Wvalue:  share(attn.Wvalue),
		Bquery:  share(attn.Bquery),
		Bkey:    share(attn.Bkey),
		Bvalue:  share(attn.Bvalue),
		Woutput: attn.Woutput.Shared(),
		Boutput: attn.Boutput.Shared(),
		Dropout: attn.Dropout,
	}
	a.allocCaches()
	return a
}

// SetParallel toggles head goroutines in every attention layer of the block.
func (b *EncoderBlock) SetParallel(on bool) { b.Attn.SetParallel(on) }

func (b *DecoderBlock) SetParallel(on bool) {
	b.MHA1.SetParallel(on)
	b.MHA2.SetParallel(on)
}

// SetHalf rounds every dense output through float16 when on.
func (b *EncoderBlock) SetHalf(on bool) { setHalf(b.denses(), on) }

func (b *DecoderBlock) SetHalf(on bool) { setHalf(b.denses(), on) }

func setHalf(ds []*Dense, on bool) {
	for _, d := range ds {
		d.Half = on
	}
}

// Stack runs the encoder blocks in order.
func Stack(blocks []*EncoderBlock, X *mat.Dense, training bool) *mat.Dense {
	for _, b := range blocks {
		X = b.Forward(X, training)
	}
	return X
}

// StackBackward walks the blocks in reverse and returns the gradient of
// the stack input.
func StackBackward(blocks []*EncoderBlock, dY *mat.Dense) *mat.Dense {
	for i := len(blocks) - 1; i >= 0; i-- {
		dY = blocks[i].BackwardGradsOnly(dY)
	}
	return dY
}
