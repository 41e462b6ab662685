package optimizations

// Schedule maps an optimizer step to a learning rate.
type Schedule interface {
	LearningRate(step int) float64
}

// LRScheduler ramps linearly from 0 to PostWarmupLR over WarmupSteps and
// stays constant afterwards.
type LRScheduler struct {
	PostWarmupLR float64
	WarmupSteps  int
}

func (s LRScheduler) LearningRate(step int) float64 {
	if step < s.WarmupSteps {
		return s.PostWarmupLR * float64(step) / float64(s.WarmupSteps)
	}
	return s.PostWarmupLR
}

// Constant is a fixed learning rate.
type Constant float64

func (c Constant) LearningRate(int) float64 { return float64(c) }
