package utils

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Allocating wrappers around mat.Dense operations. Each returns a fresh
// (r x c) result and leaves its inputs alone.

func Dot(m, n mat.Matrix) mat.Matrix {
	r, _ := m.Dims()
	_, c := n.Dims()
	o := mat.NewDense(r, c, nil)
	o.Product(m, n)
	return o
}

func Apply(fn func(i, j int, v float64) float64, m mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Apply(fn, m)
	return o
}

func Scale(s float64, m mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Scale(s, m)
	return o
}

func Multiply(m, n mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.MulElem(m, n)
	return o
}

func Add(m, n mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Add(m, n)
	return o
}

// RowSums returns per-row sums for a mat.Dense.
func RowSums(m *mat.Dense) []float64 {
	r, _ := m.Dims()
	out := make([]float64, r)
	for i := 0; i < r; i++ {
		out[i] = floats.Sum(m.RawRowView(i))
	}
	return out
}

// SumCols collapses (r x T) into (r x 1). Bias gradients are summed over positions.
func SumCols(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		s := 0.0
		for j := 0; j < c; j++ {
			s += m.At(i, j)
		}
		out.Set(i, 0, s)
	}
	return out
}

// -------- ReLU --------

func ReluApply(i, j int, x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

// ReluPrime masks grad by pre > 0 and returns a new matrix.
func ReluPrime(grad, pre mat.Matrix) *mat.Dense {
	r, c := pre.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if pre.At(i, j) > 0 {
				out.Set(i, j, grad.At(i, j))
			}
		}
	}
	return out
}

// Masking stuff

func AddBias(m, bias *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	rb, cb := bias.Dims()
	if rb != r || cb != 1 {
		panic("addBias: bias must be (r x 1)")
	}
	out := mat.NewDense(r, c, nil)
	for j := 0; j < c; j++ {
		for i := 0; i < r; i++ {
			out.Set(i, j, m.At(i, j)+bias.At(i, 0))
		}
	}
	return out
}

// MaskNegative is added to the scores of disallowed attention positions.
const MaskNegative = -1e9

// CausalMask returns (T x T) with 1 where i >= j and 0 above the diagonal.
func CausalMask(T int) *mat.Dense {
	out := mat.NewDense(T, T, nil)
	for i := 0; i < T; i++ {
		for j := 0; j <= i; j++ {
			out.Set(i, j, 1)
		}
	}
	return out
}

// CombinedMask is min(padding[j], causal[i,j]): query i sees key j only when
// j <= i and j is not padding. A nil padding keeps the causal mask.
func CombinedMask(T int, padding []bool) *mat.Dense {
	m := CausalMask(T)
	if padding == nil {
		return m
	}
	if len(padding) != T {
		panic(fmt.Sprintf("CombinedMask: padding has %d entries, expected %d", len(padding), T))
	}
	for i := 0; i < T; i++ {
		for j := 0; j <= i; j++ {
			if !padding[j] {
				m.Set(i, j, 0)
			}
		}
	}
	return m
}

// QueryMask allows every key for query rows whose padding entry is true and
// no key for the rest.
func QueryMask(padding []bool, keys int) *mat.Dense {
	out := mat.NewDense(len(padding), keys, nil)
	for i, ok := range padding {
		if !ok {
			continue
		}
		for j := 0; j < keys; j++ {
			out.Set(i, j, 1)
		}
	}
	return out
}

// AdditiveMask turns a 0/1 mask into score adders (0 allowed, MaskNegative
// disallowed). A nil mask yields nil.
func AdditiveMask(mask *mat.Dense) *mat.Dense {
	if mask == nil {
		return nil
	}
	r, c := mask.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, (1-mask.At(i, j))*MaskNegative)
		}
	}
	return out
}

// ---------- Softmax variants ----------

// RowSoftmaxMaskedInPlace writes softmax(m+mask) into dst (r x c) in place.
// A nil mask is a plain row softmax. Rows with every entry masked come out
// uniform.
func RowSoftmaxMaskedInPlace(dst, m, mask *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	if dr, dc := dst.Dims(); dr != r || dc != c {
		panic("RowSoftmaxMaskedInPlace: dst shape mismatch")
	}
	add := func(i, j int) float64 { return 0 }
	if mask != nil {
		if mr, mc := mask.Dims(); mr != r || mc != c {
			panic("RowSoftmaxMaskedInPlace: mask shape mismatch")
		}
		add = mask.At
	}
	for i := 0; i < r; i++ {
		if mask != nil && FullyMasked(mask, i) {
			for j := 0; j < c; j++ {
				dst.Set(i, j, 1.0/float64(c))
			}
			continue
		}
		mx := m.At(i, 0) + add(i, 0)
		for j := 1; j < c; j++ {
			v := m.At(i, j) + add(i, j)
			if v > mx {
				mx = v
			}
		}
		sum := 0.0
		for j := 0; j < c; j++ {
			e := math.Exp(m.At(i, j) + add(i, j) - mx)
			dst.Set(i, j, e)
			sum += e
		}
		inv := 1.0 / sum
		for j := 0; j < c; j++ {
			dst.Set(i, j, dst.At(i, j)*inv)
		}
	}
	return dst
}

// FullyMasked reports whether row i of an additive mask disallows every key.
func FullyMasked(mask *mat.Dense, i int) bool {
	_, c := mask.Dims()
	for j := 0; j < c; j++ {
		if mask.At(i, j) > MaskNegative/2 {
			return false
		}
	}
	return true
}

// ZeroMaskedRows clears the rows of dS whose mask row is fully masked. Those
// softmax rows are constant so no gradient flows into their scores.
func ZeroMaskedRows(dS, mask *mat.Dense) {
	if mask == nil {
		return
	}
	r, c := dS.Dims()
	for i := 0; i < r; i++ {
		if FullyMasked(mask, i) {
			for j := 0; j < c; j++ {
				dS.Set(i, j, 0)
			}
		}
	}
}

// ColumnSoftmax applies softmax down each column of (r x c). Used for the
// per-position vocabulary distribution.
func ColumnSoftmax(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for j := 0; j < c; j++ {
		mx := m.At(0, j)
		for i := 1; i < r; i++ {
			if v := m.At(i, j); v > mx {
				mx = v
			}
		}
		sum := 0.0
		for i := 0; i < r; i++ {
			e := math.Exp(m.At(i, j) - mx)
			out.Set(i, j, e)
			sum += e
		}
		for i := 0; i < r; i++ {
			out.Set(i, j, out.At(i, j)/sum)
		}
	}
	return out
}

// Softmax backward for row-wise softmax used in attention.
// Vector-JVP form: for each row i,
// s = sum_k dA[i,k] * A[i,k]; dS[i,j] = A[i,j] * (dA[i,j] - s)
func SoftmaxBackward(dA mat.Matrix, A *mat.Dense) *mat.Dense {
	r, c := A.Dims()
	dS := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		s := 0.0
		for k := 0; k < c; k++ {
			s += dA.At(i, k) * A.At(i, k)
		}
		for j := 0; j < c; j++ {
			aj := A.At(i, j)
			dS.Set(i, j, aj*(dA.At(i, j)-s))
		}
	}
	return dS
}

// ArgmaxCol returns the row index of the largest entry in column j.
// Ties resolve to the lowest index.
func ArgmaxCol(m mat.Matrix, j int) int {
	r, _ := m.Dims()
	best := 0
	for i := 1; i < r; i++ {
		if m.At(i, j) > m.At(best, j) {
			best = i
		}
	}
	return best
}

// IsFinite reports whether v is neither NaN nor infinite.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
