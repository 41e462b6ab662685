// Package captioner assembles the image encoder, the encoder stack and the
// decoder into a trainable report generator.
package captioner

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"

	"github.com/CTCycle/XRAYREP-report-generator/optimizations"
	"github.com/CTCycle/XRAYREP-report-generator/params"
	"github.com/CTCycle/XRAYREP-report-generator/transformer"
	"github.com/CTCycle/XRAYREP-report-generator/vision"
)

// InitContext carries everything that used to be process-global: the seed
// for weights and dropout, the requested device and the precision policy.
type InitContext struct {
	Seed           uint64
	Device         string // "CPU" or "GPU"
	MixedPrecision bool
}

// NewInitContext builds a context from a config record.
func NewInitContext(cfg params.ModelConfig, device string) InitContext {
	return InitContext{Seed: uint64(cfg.Seed), Device: device, MixedPrecision: cfg.MixedPrecision}
}

// device resolves the requested device. Only the CPU backend exists, so a
// GPU request logs a warning and falls back.
func (ictx InitContext) device() string {
	d := strings.ToUpper(ictx.Device)
	switch d {
	case "", "CPU":
		return "CPU"
	case "GPU":
		slog.Warn("GPU requested but no GPU backend is available, falling back to CPU")
		return "CPU"
	default:
		slog.Warn("unknown device, using CPU", "device", ictx.Device)
		return "CPU"
	}
}

// Model is the captioning network plus its optimizer and running metrics.
type Model struct {
	Config params.ModelConfig
	RunID  string
	Device string

	Image    *vision.ImageEncoder
	Encoders []*transformer.EncoderBlock
	Decoder  *transformer.DecoderBlock

	rng        *rand.Rand
	opt        *optimizations.Adam
	iterations int // restored optimizer steps, applied at Compile

	loss, accuracy Mean
}

// New validates cfg and builds every layer from ictx.Seed.
func New(cfg params.ModelConfig, ictx InitContext) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(ictx.Seed, ictx.Seed))
	m := &Model{
		Config: cfg,
		RunID:  uuid.NewString(),
		Device: ictx.device(),
		rng:    rng,
	}
	if cfg.XLAState {
		slog.Debug("XLA_state is recorded in the configuration and has no effect on the CPU backend")
	}

	m.Image = vision.NewImageEncoder(cfg, rng)
	in := m.Image.Width
	m.Encoders = make([]*transformer.EncoderBlock, cfg.NumEncoders)
	for i := range m.Encoders {
		m.Encoders[i] = transformer.NewEncoderBlock(fmt.Sprintf("encoder_%d", i), in, cfg, rng)
		in = m.Encoders[i].Out
	}
	m.Decoder = transformer.NewDecoderBlock("decoder", in, cfg, rng)

	half := ictx.MixedPrecision || cfg.MixedPrecision
	m.Image.SetHalf(half)
	for _, b := range m.Encoders {
		b.SetHalf(half)
	}
	m.Decoder.SetHalf(half)

	if params.HeadParallel(false) {
		for _, b := range m.Encoders {
			b.SetParallel(true)
		}
		m.Decoder.SetParallel(true)
	}
	return m, nil
}

// TrainableParams are the encoder stack and decoder params. The image
// encoder is frozen and never reaches the optimizer.
func (m *Model) TrainableParams() []*optimizations.Param {
	var ps []*optimizations.Param
	for _, b := range m.Encoders {
		ps = append(ps, b.Params()...)
	}
	return append(ps, m.Decoder.Params()...)
}

// Params lists every parameter in checkpoint order.
func (m *Model) Params() []*optimizations.Param {
	return append(m.Image.Params(), m.TrainableParams()...)
}

// CompileOptions configure the optimizer. Zero values take the defaults.
type CompileOptions struct {
	LearningRate float64 // post-warmup rate, defaults to the config's
	WarmupSteps  int     // defaults to the config's
	Beta1, Beta2 float64
	Eps          float64
	WeightDecay  float64
	GradClip     float64
}

// CompileOptionsFrom reads the optimizer settings of a training config.
func CompileOptionsFrom(t params.TrainingConfig) CompileOptions {
	return CompileOptions{
		Beta1:       t.AdamBeta1,
		Beta2:       t.AdamBeta2,
		Eps:         t.AdamEps,
		WeightDecay: t.WeightDecay,
		GradClip:    t.GradClip,
	}
}

// Compile installs Adam with the warmup schedule and resets the metrics.
func (m *Model) Compile(opt CompileOptions) {
	lr := opt.LearningRate
	if lr == 0 {
		lr = m.Config.LearningRate
	}
	warmup := opt.WarmupSteps
	if warmup == 0 {
		warmup = m.Config.WarmupSteps
	}
	adam := optimizations.NewAdam(optimizations.LRScheduler{PostWarmupLR: lr, WarmupSteps: warmup})
	if opt.Beta1 > 0 {
		adam.Beta1 = opt.Beta1
	}
	if opt.Beta2 > 0 {
		adam.Beta2 = opt.Beta2
	}
	if opt.Eps > 0 {
		adam.Eps = opt.Eps
	}
	adam.WeightDecay = opt.WeightDecay
	adam.GradClip = opt.GradClip
	adam.Iterations = m.iterations
	m.opt = adam
	m.ResetMetrics()
}

// Iterations is the number of optimizer steps taken so far.
func (m *Model) Iterations() int {
	if m.opt != nil {
		return m.opt.Iterations
	}
	return m.iterations
}

// Metrics returns the running loss and accuracy means.
func (m *Model) Metrics() (loss, accuracy float64) {
	return m.loss.Result(), m.accuracy.Result()
}

func (m *Model) ResetMetrics() {
	m.loss.Reset()
	m.accuracy.Reset()
}
