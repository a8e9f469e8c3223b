package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresetsAreValid(t *testing.T) {
	for _, name := range Profiles() {
		cfg, err := Preset(name)
		require.NoError(t, err)
		assert.Equal(t, name, cfg.Profile)
		assert.NoError(t, cfg.Validate(), name)
	}
}

func TestPresetProfilesDiffer(t *testing.T) {
	bootstrap, err := Preset(BootstrapProfile)
	require.NoError(t, err)
	unsup, err := Preset(UnsupervisedProfile)
	require.NoError(t, err)

	assert.True(t, bootstrap.DoMLM)
	assert.True(t, bootstrap.EvalEnabled())
	assert.True(t, bootstrap.Training.LoadBestModelAtEnd)
	assert.Equal(t, "output/simcse-robertsmall-bootstrap/best_model", filepath.ToSlash(bootstrap.FinalModelDir()))

	assert.False(t, unsup.DoMLM)
	assert.False(t, unsup.EvalEnabled())
	assert.Equal(t, []string{"data/linkareer/train", "data/wanted/train"}, unsup.TrainDatasets)
	assert.Equal(t, 7e-5, unsup.Training.LearningRate)
}

func TestPresetReturnsIndependentCopies(t *testing.T) {
	a, err := Preset(UnsupervisedProfile)
	require.NoError(t, err)
	a.TrainDatasets[0] = "mutated"

	b, err := Preset(UnsupervisedProfile)
	require.NoError(t, err)
	assert.Equal(t, "data/linkareer/train", b.TrainDatasets[0])
}

func TestUnknownPreset(t *testing.T) {
	_, err := Preset("nope")
	assert.ErrorIs(t, err, ErrInvalidRunConfig)
}

func TestValidate(t *testing.T) {
	base, err := Preset(UnsupervisedProfile)
	require.NoError(t, err)

	cases := map[string]func(c *RunConfig){
		"zero batch":        func(c *RunConfig) { c.Training.TrainBatchSize = 0 },
		"zero epochs":       func(c *RunConfig) { c.Training.NumTrainEpochs = 0 },
		"negative lr":       func(c *RunConfig) { c.Training.LearningRate = -1 },
		"no datasets":       func(c *RunConfig) { c.TrainDatasets = nil },
		"eval no dataset":   func(c *RunConfig) { c.Training.DoEval = true },
		"bad strategy":      func(c *RunConfig) { c.Training.EvaluationStrategy = "sometimes" },
		"best without eval": func(c *RunConfig) { c.Training.LoadBestModelAtEnd = true },
		"steps without eval steps": func(c *RunConfig) {
			c.EvalDataset = "data/dev"
			c.Training.EvaluationStrategy = EvalSteps
			c.Training.EvalSteps = 0
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			cfg.TrainDatasets = append([]string(nil), base.TrainDatasets...)
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidRunConfig)
		})
	}
}

func TestWithOverrides(t *testing.T) {
	base, err := Preset(UnsupervisedProfile)
	require.NoError(t, err)

	cfg, err := base.WithOverrides([]byte(`
output_dir: out/run1
train_datasets: [data/a]
training:
  num_train_epochs: 1
`))
	require.NoError(t, err)

	assert.Equal(t, "out/run1", cfg.OutputDir)
	assert.Equal(t, []string{"data/a"}, cfg.TrainDatasets)
	assert.Equal(t, 1, cfg.Training.NumTrainEpochs)
	assert.Equal(t, 7e-5, cfg.Training.LearningRate)

	assert.Equal(t, "output/simcse", base.OutputDir)
	assert.Len(t, base.TrainDatasets, 2)

	_, err = base.WithOverrides([]byte("unknown_field: 1"))
	assert.ErrorIs(t, err, ErrInvalidRunConfig)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
profile: bootstrap
model_name: example/base-model
training:
  save_total_limit: 5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BootstrapProfile, cfg.Profile)
	assert.Equal(t, "example/base-model", cfg.ModelName)
	assert.Equal(t, 5, cfg.Training.SaveTotalLimit)
	assert.Equal(t, 1000, cfg.Training.EvalSteps)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg, err := Preset(BootstrapProfile)
	require.NoError(t, err)

	data, err := Marshal(cfg)
	require.NoError(t, err)

	loaded, err := RunConfig{}.WithOverrides(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestResolveDevice(t *testing.T) {
	t.Setenv("CUDA_VISIBLE_DEVICES", "")

	dev, err := ResolveDevice(DeviceAuto, 3)
	require.NoError(t, err)
	assert.Equal(t, DeviceCPU, dev.Kind)
	assert.Equal(t, 3, dev.Threads)

	dev, err = ResolveDevice(DeviceCPU, 0)
	require.NoError(t, err)
	assert.Greater(t, dev.Threads, 0)

	_, err = ResolveDevice(DeviceCUDA, 1)
	assert.ErrorIs(t, err, ErrInvalidRunConfig)

	_, err = ResolveDevice("tpu", 1)
	assert.ErrorIs(t, err, ErrInvalidRunConfig)
}
