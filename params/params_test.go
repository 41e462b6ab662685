package params

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CTCycle/XRAYREP-report-generator/errtypes"
)

func TestDefaultModelIsValid(t *testing.T) {
	cfg := DefaultModel()
	require.NoError(t, cfg.Validate())
	// 144 -> 72 -> 36 -> 18 -> 9
	require.Equal(t, 81, cfg.VisualTokens())
	require.Equal(t, 256, cfg.VisualWidth())
}

func TestVisualTokensOddSizesRoundUp(t *testing.T) {
	cfg := DefaultModel()
	cfg.PictureShape = []int{5, 3, 1}
	cfg.Architecture.ConvStages = [][]int{{2}, {2}}
	// 5 -> 3 -> 2, 3 -> 2 -> 1
	require.Equal(t, 2, cfg.VisualTokens())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*ModelConfig){
		"heads":        func(c *ModelConfig) { c.NumHeads = 0 },
		"shape":        func(c *ModelConfig) { c.PictureShape = []int{1, 2} },
		"seq":          func(c *ModelConfig) { c.SequenceLength = 1 },
		"encoderUnits": func(c *ModelConfig) { c.Architecture.EncoderUnits = []int{1, 2} },
		"dropout":      func(c *ModelConfig) { c.Architecture.DecoderDropout = []float64{0, 1, 0} },
		"emptyStage":   func(c *ModelConfig) { c.Architecture.ConvStages = [][]int{{}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultModel()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, errors.Is(err, errtypes.ErrConfigMismatch))
		})
	}
}

func TestLoadConfigYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
model:
  picture_shape: [32, 32, 1]
  num_heads: 2
  embedding_dims: 64
training:
  batch_size: 4
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, []int{32, 32, 1}, cfg.Model.PictureShape)
	require.Equal(t, 2, cfg.Model.NumHeads)
	require.Equal(t, 64, cfg.Model.EmbeddingDims)
	require.Equal(t, 4, cfg.Training.BatchSize)
	// untouched keys keep defaults
	require.Equal(t, 3, cfg.Model.NumEncoders)
	require.Equal(t, 20, cfg.Training.Epochs)
}

func TestLoadConfigJSONAndEnv(t *testing.T) {
	t.Setenv("XREPORT_DEVICE", "gpu")
	t.Setenv("XREPORT_NUM_WORKERS", "3")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"model":{"seed":7}}`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, int64(7), cfg.Model.Seed)
	require.Equal(t, "GPU", cfg.Training.Device)
	require.Equal(t, 3, cfg.Training.NumWorkers)
}

func TestWriteConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	want := Default()
	want.Model.NumEncoders = 2
	require.NoError(t, WriteConfig(path, want))
	got, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, want.Model, got.Model)
}
