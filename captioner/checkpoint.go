package captioner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/CTCycle/XRAYREP-report-generator/errtypes"
	"github.com/CTCycle/XRAYREP-report-generator/params"
	"github.com/CTCycle/XRAYREP-report-generator/transformer"
)

const (
	ConfigFile  = "model_configuration.json"
	WeightsFile = "model_weights.gob"
	SummaryFile = "model_summary.txt"
)

// SaveOptions control the weights file.
type SaveOptions struct {
	HalfPrecision bool // store weights as float16 bits
	SkipOptimizer bool // drop Adam moments
}

// storedConfig is the JSON layout of ConfigFile.
type storedConfig struct {
	params.ModelConfig
	RunID string `json:"run_id"`
}

// Save writes the configuration, the weights and the textual summary into
// dir. Weights round-trip bit-identically unless HalfPrecision is set.
func (m *Model) Save(dir string, opts ...SaveOptions) error {
	var o SaveOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	cfg, err := json.MarshalIndent(storedConfig{ModelConfig: m.Config, RunID: m.RunID}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), cfg, 0o644); err != nil {
		return err
	}

	ck := transformer.Checkpoint{
		RunID:      m.RunID,
		Iterations: m.Iterations(),
		Tensors: transformer.Snapshot(m.Params(), transformer.SnapshotOptions{
			Optimizer:     !o.SkipOptimizer,
			HalfPrecision: o.HalfPrecision,
		}),
	}
	if err := transformer.SaveCheckpoint(ck, filepath.Join(dir, WeightsFile)); err != nil {
		return err
	}

	var summary bytes.Buffer
	m.Summary(&summary)
	return os.WriteFile(filepath.Join(dir, SummaryFile), summary.Bytes(), 0o644)
}

// LoadConfig reads the configuration saved next to a checkpoint.
func LoadConfig(dir string) (params.ModelConfig, string, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return params.ModelConfig{}, "", err
	}
	var sc storedConfig
	if err := json.Unmarshal(data, &sc); err != nil {
		return params.ModelConfig{}, "", fmt.Errorf("%w: %s: %v", errtypes.ErrConfigMismatch, ConfigFile, err)
	}
	return sc.ModelConfig, sc.RunID, nil
}

// Load rebuilds the model stored in dir. The weights must belong to the
// stored configuration: every tensor name and shape and the run id have to
// match, otherwise the error wraps errtypes.ErrConfigMismatch.
func Load(dir string, ictx InitContext) (*Model, error) {
	cfg, runID, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	m, err := New(cfg, ictx)
	if err != nil {
		return nil, err
	}
	ck, err := transformer.LoadCheckpoint(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, err
	}
	if ck.RunID != runID {
		return nil, fmt.Errorf("%w: weights belong to run %s, configuration to run %s", errtypes.ErrConfigMismatch, ck.RunID, runID)
	}
	if err := transformer.Restore(m.Params(), ck.Tensors); err != nil {
		return nil, err
	}
	m.RunID = runID
	m.iterations = ck.Iterations
	return m, nil
}
