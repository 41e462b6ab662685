package transformer

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/CTCycle/XRAYREP-report-generator/errtypes"
	"github.com/CTCycle/XRAYREP-report-generator/optimizations"
	"github.com/CTCycle/XRAYREP-report-generator/utils"
)

// PositionalEmbedding maps token ids to token embeddings scaled by
// sqrt(Dims) plus a learned embedding of the position. With MaskZero the
// columns of padded positions come out exactly zero.
type PositionalEmbedding struct {
	SeqLen, Vocab, Dims int
	MaskZero            bool

	Tokens    *optimizations.Param // (Dims x Vocab)
	Positions *optimizations.Param // (Dims x SeqLen)

	lastIDs []int
}

func NewPositionalEmbedding(name string, seqLen, vocab, dims int, maskZero bool, rng *rand.Rand) *PositionalEmbedding {
	return &PositionalEmbedding{
		SeqLen:    seqLen,
		Vocab:     vocab,
		Dims:      dims,
		MaskZero:  maskZero,
		Tokens:    optimizations.NewParam(name+"/token_embeddings", mat.NewDense(dims, vocab, utils.RandomUniform(rng, dims*vocab, 0.05))),
		Positions: optimizations.NewParam(name+"/position_embeddings", mat.NewDense(dims, seqLen, utils.RandomUniform(rng, dims*seqLen, 0.05))),
	}
}

func (e *PositionalEmbedding) Params() []*optimizations.Param {
	return []*optimizations.Param{e.Tokens, e.Positions}
}

// PaddingMask is true where the id is not the pad id 0.
func PaddingMask(ids []int) []bool {
	out := make([]bool, len(ids))
	for i, id := range ids {
		out[i] = id != 0
	}
	return out
}

// Validate checks ids against the position table and the vocabulary.
func (e *PositionalEmbedding) Validate(ids []int) error {
	if len(ids) == 0 || len(ids) > e.SeqLen {
		return fmt.Errorf("%w: %d token ids for a position table of %d", errtypes.ErrShape, len(ids), e.SeqLen)
	}
	for t, id := range ids {
		if id < 0 || id >= e.Vocab {
			return fmt.Errorf("%w: id %d at position %d outside [0,%d)", errtypes.ErrVocabularyLookup, id, t, e.Vocab)
		}
	}
	return nil
}

// Forward returns (Dims x len(ids)).
func (e *PositionalEmbedding) Forward(ids []int) (*mat.Dense, error) {
	if err := e.Validate(ids); err != nil {
		return nil, err
	}
	scale := math.Sqrt(float64(e.Dims))
	out := mat.NewDense(e.Dims, len(ids), nil)
	tok, pos := e.Tokens.W, e.Positions.W
	for t, id := range ids {
		if e.MaskZero && id == 0 {
			continue
		}
		for i := 0; i < e.Dims; i++ {
			out.Set(i, t, tok.At(i, id)*scale+pos.At(i, t))
		}
	}
	e.lastIDs = append(e.lastIDs[:0], ids...)
	return out, nil
}

// BackwardGradsOnly scatters dX into the token and position tables.
func (e *PositionalEmbedding) BackwardGradsOnly(dX *mat.Dense) {
	scale := math.Sqrt(float64(e.Dims))
	dTok := e.Tokens.G
	dPos := e.Positions.G
	for t, id := range e.lastIDs {
		if e.MaskZero && id == 0 {
			continue
		}
		for i := 0; i < e.Dims; i++ {
			g := dX.At(i, t)
			dTok.Set(i, id, dTok.At(i, id)+scale*g)
			dPos.Set(i, t, dPos.At(i, t)+g)
		}
	}
}

func (e *PositionalEmbedding) CloneShared() *PositionalEmbedding {
	return &PositionalEmbedding{
		SeqLen:    e.SeqLen,
		Vocab:     e.Vocab,
		Dims:      e.Dims,
		MaskZero:  e.MaskZero,
		Tokens:    e.Tokens.Shared(),
		Positions: e.Positions.Shared(),
	}
}
