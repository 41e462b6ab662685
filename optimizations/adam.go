package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/CTCycle/XRAYREP-report-generator/utils"
)

// p -= lr * (mhat/(sqrt(vhat)+eps) + wd * p) with bias correction (AdamW).
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("adamUpdateInPlace: grad shape mismatch")
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("adamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("adamUpdateInPlace: v shape mismatch")
	}
	b1t := math.Pow(beta1, float64(t))
	b2t := math.Pow(beta2, float64(t))
	c1 := 1.0 / (1.0 - b1t)
	c2 := 1.0 / (1.0 - b2t)
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			gij := g.At(i, j)
			mij := beta1*m.At(i, j) + (1.0-beta1)*gij
			vij := beta2*v.At(i, j) + (1.0-beta2)*gij*gij
			mhat := mij * c1
			vhat := vij * c2
			denom := math.Sqrt(vhat) + eps
			wdTerm := weightDecay * p.At(i, j)
			update := mhat/denom + wdTerm
			pij := p.At(i, j) - lr*update
			m.Set(i, j, mij)
			v.Set(i, j, vij)
			p.Set(i, j, pij)
		}
	}
}

// Param is one trainable tensor: its value, the gradient accumulated since
// the last step, and Adam's first and second moments.
type Param struct {
	Name string
	W    *mat.Dense
	G    *mat.Dense
	M, V *mat.Dense
}

func NewParam(name string, w *mat.Dense) *Param {
	return &Param{
		Name: name,
		W:    w,
		G:    utils.ZerosLike(w),
		M:    utils.ZerosLike(w),
		V:    utils.ZerosLike(w),
	}
}

// Accumulate adds g into the gradient buffer.
func (p *Param) Accumulate(g mat.Matrix) {
	utils.SameShape("Param.Accumulate "+p.Name, p.G, g)
	p.G.Add(p.G, g)
}

func (p *Param) ZeroGrad() {
	p.G.Zero()
}

// Shared returns a Param that reads the same weights with private gradient
// buffers. Used by clones that only run forward passes.
func (p *Param) Shared() *Param {
	return &Param{Name: p.Name, W: p.W, G: utils.ZerosLike(p.W)}
}

// Adam applies one update to a fixed parameter set per training step.
type Adam struct {
	Beta1, Beta2 float64
	Eps          float64
	WeightDecay  float64
	GradClip     float64 // <=0 disables global norm clipping
	Schedule     Schedule

	// Iterations counts applied steps. The rate for the next step is
	// Schedule.LearningRate(Iterations), so the first step uses step 0.
	Iterations int
}

func NewAdam(schedule Schedule) *Adam {
	return &Adam{Beta1: 0.9, Beta2: 0.999, Eps: 1e-7, Schedule: schedule}
}

// Step updates every param from its accumulated gradient, zeroes the
// gradients and returns the learning rate that was used.
func (a *Adam) Step(ps []*Param) float64 {
	lr := a.Schedule.LearningRate(a.Iterations)
	a.Iterations++

	if a.GradClip > 0 {
		grads := make([]*mat.Dense, len(ps))
		for i, p := range ps {
			grads[i] = p.G
		}
		if s := utils.ClipGrads(a.GradClip, grads...); s < 1.0 {
			utils.Debugf("Adam: clipped grads by %.4f at step %d", s, a.Iterations)
		}
	}
	for _, p := range ps {
		AdamUpdateInPlace(p.W, p.G, p.M, p.V, a.Iterations, lr, a.Beta1, a.Beta2, a.Eps, a.WeightDecay)
		p.ZeroGrad()
	}
	return lr
}

// ZeroGrads clears gradient buffers without updating weights.
func ZeroGrads(ps []*Param) {
	for _, p := range ps {
		p.ZeroGrad()
	}
}
