package utils

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// ---- initialisers ----

// RandomUniform returns 'size' samples from U(-limit, limit).
func RandomUniform(rng *rand.Rand, size int, limit float64) []float64 {
	out := make([]float64, size)
	for i := range out {
		out[i] = -limit + 2*limit*rng.Float64()
	}
	return out
}

// HeUniform draws from U(-sqrt(6/fanIn), sqrt(6/fanIn)).
func HeUniform(rng *rand.Rand, size, fanIn int) []float64 {
	return RandomUniform(rng, size, math.Sqrt(6.0/float64(fanIn)))
}

// GlorotUniform draws from U(-sqrt(6/(fanIn+fanOut)), +).
func GlorotUniform(rng *rand.Rand, size, fanIn, fanOut int) []float64 {
	return RandomUniform(rng, size, math.Sqrt(6.0/float64(fanIn+fanOut)))
}

// Helper functions

func ToDense(m mat.Matrix) *mat.Dense {
	if d, ok := m.(*mat.Dense); ok {
		return d
	}
	return mat.DenseCopyOf(m)
}

// debugging and clipping.

// ClipGrads scales all grads so their combined norm <= maxNorm.
// Returns the scale actually applied (<=1.0) or 1.0 if no clip.
func ClipGrads(maxNorm float64, grads ...*mat.Dense) float64 {
	if maxNorm <= 0 {
		return 1.0
	}
	sum := 0.0
	for _, g := range grads {
		if g == nil {
			continue
		}
		n := mat.Norm(g, 2)
		sum += n * n
	}
	gn := math.Sqrt(sum)
	if gn <= maxNorm || gn == 0 {
		return 1.0
	}
	s := maxNorm / gn
	for _, g := range grads {
		if g != nil {
			g.Scale(s, g)
		}
	}
	return s
}

func OnesLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, 1)
		}
	}
	return out
}

func ZerosLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	return mat.NewDense(r, c, nil)
}

// SameShape panics with a descriptive message when a and b differ in shape.
func SameShape(op string, a, b mat.Matrix) {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		panic(fmt.Sprintf("%s: shape mismatch (%dx%d vs %dx%d)", op, ar, ac, br, bc))
	}
}

func DebugEnabled() bool {
	return slog.Default().Enabled(context.Background(), slog.LevelDebug)
}

// Debugf logs at debug level. Formatting is skipped when debug is disabled.
func Debugf(format string, args ...any) {
	if !DebugEnabled() {
		return
	}
	slog.Debug(fmt.Sprintf(format, args...))
}
