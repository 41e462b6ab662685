package transformer

import (
	"errors"
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/CTCycle/XRAYREP-report-generator/errtypes"
	"github.com/CTCycle/XRAYREP-report-generator/params"
	"github.com/CTCycle/XRAYREP-report-generator/utils"
)

func tinyConfig() params.ModelConfig {
	cfg := params.DefaultModel()
	cfg.PictureShape = []int{8, 8, 1}
	cfg.SequenceLength = 6
	cfg.VocabSize = 11
	cfg.EmbeddingDims = 8
	cfg.NumHeads = 2
	cfg.NumEncoders = 2
	cfg.Architecture = params.Architecture{
		ConvStages:        [][]int{{3}},
		ImageDenseUnits:   []int{5},
		EncoderUnits:      []int{6, 6, 5, 5},
		EncoderDropout:    []float64{0.2, 0.3},
		DecoderFFNUnits:   7,
		DecoderDenseUnits: 9,
		DecoderDropout:    []float64{0.2, 0.3, 0.3},
		AttentionDropout:  0.2,
	}
	return cfg
}

func finiteDiffCheck(t *testing.T, name string, param *mat.Dense, grad *mat.Dense,
	forward func() float64, i, j int) {
	t.Helper()
	eps := 1e-5
	w0 := param.At(i, j)

	param.Set(i, j, w0+eps)
	lp := forward()
	param.Set(i, j, w0-eps)
	lm := forward()
	param.Set(i, j, w0)

	numGrad := (lp - lm) / (2.0 * eps)
	anaGrad := grad.At(i, j)
	if math.Abs(numGrad-anaGrad) > 1e-4 {
		t.Fatalf("%s[%d,%d] grad mismatch: num=%.6g ana=%.6g", name, i, j, numGrad, anaGrad)
	}
}

func randDense(rng *rand.Rand, r, c int) *mat.Dense {
	return mat.NewDense(r, c, utils.RandomUniform(rng, r*c, 1))
}

func TestDenseGradFiniteDiff(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for _, act := range []Activation{Linear, ReLU} {
		l := NewDense("d", 4, 3, act, rng)
		x := randDense(rng, 4, 5)
		w := randDense(rng, 3, 5)
		forward := func() float64 { return mat.Sum(utils.Multiply(l.Forward(x), w)) }
		forward()
		dX := l.BackwardGradsOnly(w)
		for i := 0; i < 3; i++ {
			for j := 0; j < 4; j++ {
				finiteDiffCheck(t, act.String()+"/W", l.W.W, l.W.G, forward, i, j)
			}
			finiteDiffCheck(t, act.String()+"/B", l.B.W, l.B.G, forward, i, 0)
		}
		for c := 0; c < 5; c++ {
			finiteDiffCheck(t, act.String()+"/X", x, dX, forward, 2, c)
		}
	}
}

// Finite-difference check for every projection of a masked cross-attention.
func TestAttentionGradFiniteDiff(t *testing.T) {
	rng := rand.New(rand.NewPCG(123, 0))
	attn := NewAttention("mha", 2, 4, 3, 5, 0, rng)
	xq := randDense(rng, 4, 3)
	xkv := randDense(rng, 3, 4)
	mask := utils.QueryMask([]bool{true, true, false}, 4)
	w := randDense(rng, 4, 3)

	forward := func() float64 {
		return mat.Sum(utils.Multiply(attn.Forward(xq, xkv, mask, false), w))
	}
	forward()
	dXq, dXkv := attn.BackwardGradsOnly(w)

	for h := 0; h < attn.H; h++ {
		finiteDiffCheck(t, "Wquery", attn.Wquery[h].W, attn.Wquery[h].G, forward, 1, 2)
		finiteDiffCheck(t, "Wkey", attn.Wkey[h].W, attn.Wkey[h].G, forward, 4, 0)
		finiteDiffCheck(t, "Wvalue", attn.Wvalue[h].W, attn.Wvalue[h].G, forward, 0, 1)
		finiteDiffCheck(t, "Bvalue", attn.Bvalue[h].W, attn.Bvalue[h].G, forward, 3, 0)
		finiteDiffCheck(t, "Bquery", attn.Bquery[h].W, attn.Bquery[h].G, forward, 2, 0)
	}
	finiteDiffCheck(t, "Woutput", attn.Woutput.W, attn.Woutput.G, forward, 3, 7)
	for c := 0; c < 3; c++ {
		finiteDiffCheck(t, "Xq", xq, dXq, forward, 0, c)
	}
	for c := 0; c < 4; c++ {
		finiteDiffCheck(t, "Xkv", xkv, dXkv, forward, 2, c)
	}
}

func TestAttentionParallelMatchesSerial(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 5))
	attn := NewAttention("mha", 4, 6, 6, 3, 0, rng)
	x := randDense(rng, 6, 5)
	mask := utils.CausalMask(5)

	serial := mat.DenseCopyOf(attn.Forward(x, x, mask, false))
	attn.SetParallel(true)
	parallel := attn.Forward(x, x, mask, false)
	require.True(t, mat.EqualApprox(serial, parallel, 1e-12))
}

func TestEmbeddingZeroesPaddingAndScales(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	e := NewPositionalEmbedding("emb", 5, 7, 4, true, rng)
	out, err := e.Forward([]int{3, 0, 6, 0})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.Equal(t, 0.0, out.At(i, 1))
		require.Equal(t, 0.0, out.At(i, 3))
		require.InDelta(t, e.Tokens.W.At(i, 3)*2+e.Positions.W.At(i, 0), out.At(i, 0), 1e-12)
	}

	e.BackwardGradsOnly(utils.OnesLike(out))
	require.Equal(t, 2.0, e.Tokens.G.At(0, 3))
	require.Equal(t, 0.0, e.Tokens.G.At(0, 0), "pad rows receive no gradient")
	require.Equal(t, 0.0, e.Positions.G.At(0, 1))
	require.Equal(t, 1.0, e.Positions.G.At(0, 2))
}

func TestEmbeddingErrors(t *testing.T) {
	e := NewPositionalEmbedding("emb", 3, 5, 2, true, rand.New(rand.NewPCG(1, 1)))
	_, err := e.Forward([]int{1, 2, 3, 4})
	require.True(t, errors.Is(err, errtypes.ErrShape))
	_, err = e.Forward(nil)
	require.True(t, errors.Is(err, errtypes.ErrShape))
	_, err = e.Forward([]int{1, 5})
	require.True(t, errors.Is(err, errtypes.ErrVocabularyLookup))
	_, err = e.Forward([]int{-1})
	require.True(t, errors.Is(err, errtypes.ErrVocabularyLookup))
}

func TestPaddingMask(t *testing.T) {
	require.Equal(t, []bool{true, false, true}, PaddingMask([]int{4, 0, 1}))
}

func TestEncoderBlockGradFiniteDiff(t *testing.T) {
	cfg := tinyConfig()
	rng := rand.New(rand.NewPCG(11, 3))
	b := NewEncoderBlock("encoder_0", 5, cfg, rng)
	x := randDense(rng, 5, 4)
	w := randDense(rng, b.Out, 4)
	// a zero bias behind an all-dead input column sits on the ReLU kink
	b.Dense4.B.W.Apply(func(_, _ int, _ float64) float64 { return 0.1 }, b.Dense4.B.W)

	forward := func() float64 { return mat.Sum(utils.Multiply(b.Forward(x, false), w)) }
	forward()
	dX := b.BackwardGradsOnly(w)

	finiteDiffCheck(t, "dense_1", b.Dense1.W.W, b.Dense1.W.G, forward, 2, 1)
	finiteDiffCheck(t, "attn/query", b.Attn.Wquery[1].W, b.Attn.Wquery[1].G, forward, 0, 3)
	finiteDiffCheck(t, "attn/value", b.Attn.Wvalue[0].W, b.Attn.Wvalue[0].G, forward, 5, 2)
	finiteDiffCheck(t, "ln1/gamma", b.Ln1.Gamma.W, b.Ln1.Gamma.G, forward, 1, 0)
	finiteDiffCheck(t, "ln2/beta", b.Ln2.Beta.W, b.Ln2.Beta.G, forward, 3, 0)
	finiteDiffCheck(t, "dense_4", b.Dense4.B.W, b.Dense4.B.G, forward, 0, 0)
	for c := 0; c < 4; c++ {
		finiteDiffCheck(t, "x", x, dX, forward, 1, c)
	}
}

func TestDecoderBlockGradFiniteDiff(t *testing.T) {
	cfg := tinyConfig()
	rng := rand.New(rand.NewPCG(17, 4))
	d := NewDecoderBlock("decoder", 5, cfg, rng)
	memory := randDense(rng, 5, 4)
	ids := []int{1, 4, 7, 0, 0}
	targets := []int{4, 7, 2, 0, 0}
	padding := PaddingMask(targets)

	loss := func() float64 {
		P, err := d.Forward(ids, memory, padding, false)
		require.NoError(t, err)
		l := 0.0
		for c, y := range targets {
			if padding[c] {
				l -= math.Log(P.At(y, c))
			}
		}
		return l
	}
	loss()
	P, err := d.Forward(ids, memory, padding, false)
	require.NoError(t, err)
	dZ := mat.DenseCopyOf(P)
	for c, y := range targets {
		if !padding[c] {
			for r := 0; r < cfg.VocabSize; r++ {
				dZ.Set(r, c, 0)
			}
			continue
		}
		dZ.Set(y, c, dZ.At(y, c)-1)
	}
	dMem := d.BackwardGradsOnly(dZ)

	finiteDiffCheck(t, "outmax", d.Outmax.W.W, d.Outmax.W.G, loss, 4, 2)
	finiteDiffCheck(t, "ffn_1", d.FFN1.W.W, d.FFN1.W.G, loss, 3, 5)
	finiteDiffCheck(t, "mha2/query", d.MHA2.Wquery[0].W, d.MHA2.Wquery[0].G, loss, 2, 6)
	finiteDiffCheck(t, "mha2/key", d.MHA2.Wkey[1].W, d.MHA2.Wkey[1].G, loss, 1, 4)
	finiteDiffCheck(t, "mha1/value", d.MHA1.Wvalue[1].W, d.MHA1.Wvalue[1].G, loss, 7, 0)
	finiteDiffCheck(t, "ln3/gamma", d.Ln3.Gamma.W, d.Ln3.Gamma.G, loss, 2, 0)
	finiteDiffCheck(t, "tokens", d.Embedding.Tokens.W, d.Embedding.Tokens.G, loss, 3, 4)
	finiteDiffCheck(t, "positions", d.Embedding.Positions.W, d.Embedding.Positions.G, loss, 5, 1)
	for c := 0; c < 4; c++ {
		finiteDiffCheck(t, "memory", memory, dMem, loss, 0, c)
	}
}

func TestDecoderColumnsAreDistributions(t *testing.T) {
	cfg := tinyConfig()
	rng := rand.New(rand.NewPCG(2, 2))
	d := NewDecoderBlock("decoder", 5, cfg, rng)
	P, err := d.Forward([]int{1, 2, 0}, randDense(rng, 5, 3), []bool{true, true, false}, true)
	require.NoError(t, err)
	r, c := P.Dims()
	require.Equal(t, cfg.VocabSize, r)
	require.Equal(t, 3, c)
	for j := 0; j < c; j++ {
		require.InDelta(t, 1.0, mat.Sum(P.ColView(j)), 1e-9)
	}
}

func TestDecoderIsCausal(t *testing.T) {
	cfg := tinyConfig()
	rng := rand.New(rand.NewPCG(8, 1))
	d := NewDecoderBlock("decoder", 5, cfg, rng)
	memory := randDense(rng, 5, 2)

	a, err := d.Forward([]int{1, 2, 3, 4}, memory, nil, false)
	require.NoError(t, err)
	a = mat.DenseCopyOf(a)
	b, err := d.Forward([]int{1, 2, 9, 10}, memory, nil, false)
	require.NoError(t, err)
	for j := 0; j < 2; j++ {
		require.True(t, mat.EqualApprox(a.ColView(j), b.ColView(j), 1e-12), "column %d sees the future", j)
	}
}

func TestDecoderRejectsBadInputs(t *testing.T) {
	cfg := tinyConfig()
	d := NewDecoderBlock("decoder", 5, cfg, rand.New(rand.NewPCG(1, 1)))
	memory := mat.NewDense(5, 2, nil)
	_, err := d.Forward([]int{1, 2}, memory, []bool{true}, false)
	require.Error(t, err)
	_, err = d.Forward([]int{1, 2, 3, 4, 5, 6, 7}, memory, nil, false)
	require.True(t, errors.Is(err, errtypes.ErrShape))
	_, err = d.Forward([]int{1, 11}, memory, nil, false)
	require.True(t, errors.Is(err, errtypes.ErrVocabularyLookup))
}

func TestCloneSharedMatchesOriginal(t *testing.T) {
	cfg := tinyConfig()
	rng := rand.New(rand.NewPCG(3, 7))
	enc := NewEncoderBlock("encoder_0", 5, cfg, rng)
	dec := NewDecoderBlock("decoder", 5, cfg, rng)
	x := randDense(rng, 5, 3)

	mem := mat.DenseCopyOf(enc.Forward(x, false))
	want, err := dec.Forward([]int{1, 2}, mem, nil, false)
	require.NoError(t, err)

	encC, decC := enc.CloneShared(), dec.CloneShared()
	got, err := decC.Forward([]int{1, 2}, encC.Forward(x, false), nil, false)
	require.NoError(t, err)
	require.True(t, mat.EqualApprox(want, got, 1e-12))

	// weights are shared, grads are not
	require.Same(t, enc.Dense1.W.W, encC.Dense1.W.W)
	require.NotSame(t, enc.Dense1.W.G, encC.Dense1.W.G)
}

func TestSnapshotRestore(t *testing.T) {
	cfg := tinyConfig()
	src := NewDecoderBlock("decoder", 5, cfg, rand.New(rand.NewPCG(1, 1)))
	dst := NewDecoderBlock("decoder", 5, cfg, rand.New(rand.NewPCG(2, 2)))
	src.Outmax.W.M.Set(0, 0, 0.25)

	ck := Checkpoint{RunID: "run", Iterations: 3, Tensors: Snapshot(src.Params(), SnapshotOptions{Optimizer: true})}
	path := filepath.Join(t.TempDir(), "weights.gob")
	require.NoError(t, SaveCheckpoint(ck, path))
	loaded, err := LoadCheckpoint(path)
	require.NoError(t, err)
	if diff := cmp.Diff(ck, loaded); diff != "" {
		t.Fatalf("checkpoint changed on disk (-want +got):\n%s", diff)
	}

	require.NoError(t, Restore(dst.Params(), loaded.Tensors))
	for i, p := range src.Params() {
		require.True(t, mat.Equal(p.W, dst.Params()[i].W), p.Name)
	}
	require.Equal(t, 0.25, dst.Outmax.W.M.At(0, 0))
}

func TestSnapshotHalfPrecision(t *testing.T) {
	cfg := tinyConfig()
	src := NewDecoderBlock("decoder", 5, cfg, rand.New(rand.NewPCG(1, 1)))
	dst := NewDecoderBlock("decoder", 5, cfg, rand.New(rand.NewPCG(2, 2)))
	recs := Snapshot(src.Params(), SnapshotOptions{HalfPrecision: true})
	require.Nil(t, recs[0].Data)
	require.NoError(t, Restore(dst.Params(), recs))
	for i, p := range src.Params() {
		require.True(t, mat.EqualApprox(p.W, dst.Params()[i].W, 1e-2), p.Name)
	}
}

func TestRestoreRejectsMismatch(t *testing.T) {
	cfg := tinyConfig()
	src := NewDecoderBlock("decoder", 5, cfg, rand.New(rand.NewPCG(1, 1)))
	other := cfg
	other.EmbeddingDims = 4
	dst := NewDecoderBlock("decoder", 5, other, rand.New(rand.NewPCG(1, 1)))
	before := mat.DenseCopyOf(dst.Outmax.W.W)

	err := Restore(dst.Params(), Snapshot(src.Params(), SnapshotOptions{}))
	require.True(t, errors.Is(err, errtypes.ErrConfigMismatch))
	require.True(t, mat.Equal(before, dst.Outmax.W.W), "failed restore must not touch weights")

	err = Restore(dst.Params()[:2], Snapshot(src.Params(), SnapshotOptions{}))
	require.True(t, errors.Is(err, errtypes.ErrConfigMismatch))
}
