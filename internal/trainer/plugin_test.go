package trainer

import (
	"context"
	"path/filepath"
	"testing"

	"simcse-runner/internal/core"
	"simcse-runner/internal/core/checkpoint"
	"simcse-runner/plugin/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func stagedRequest(t *testing.T, job core.TrainJob) shared.TrainRequest {
	stage := t.TempDir()
	req := shared.TrainRequest{
		ModelDir: filepath.Join(stage, "model"),
		TrainDir: filepath.Join(stage, "train"),
		EvalDir:  filepath.Join(stage, "eval"),
		Config:   job.Config,
		Device:   job.Device,
	}
	require.NoError(t, job.Model.Save(req.ModelDir))
	require.NoError(t, job.Train.Save(req.TrainDir))
	require.NoError(t, job.Eval.Save(req.EvalDir))
	return req
}

func testPluginServer() *PluginServer {
	return &PluginServer{
		LoadModel:     func(dir string) (core.Model, error) { return checkpoint.LoadEncoder(dir) },
		LoadTokenizer: func(string) (core.Tokenizer, error) { return stubTokenizer{}, nil },
		Trainer:       NewContrastive(Options{}),
	}
}

func TestPluginServerTrain(t *testing.T) {
	enc := loadTestEncoder(t)
	job := testJob(t, enc)
	req := stagedRequest(t, job)

	resp, err := testPluginServer().Train(req)
	require.NoError(t, err)
	assert.Equal(t, 4, resp.Report.GlobalStep)

	trained, err := checkpoint.LoadEncoder(req.ModelDir)
	require.NoError(t, err)
	defer trained.Release()
	assert.False(t, mat.EqualApprox(enc.WordEmbeddings(), trained.WordEmbeddings(), 1e-9), "staged model should hold the trained parameters")

	require.NoError(t, enc.Reload(req.ModelDir))
	assert.True(t, mat.Equal(trained.WordEmbeddings(), enc.WordEmbeddings()))
}

func TestPluginServerEvaluate(t *testing.T) {
	enc := loadTestEncoder(t)
	job := testJob(t, enc)
	req := stagedRequest(t, job)

	resp, err := testPluginServer().Evaluate(req)
	require.NoError(t, err)

	direct, err := NewContrastive(Options{}).Evaluate(context.Background(), job)
	require.NoError(t, err)
	assert.InDelta(t, direct["eval_stsb_spearman"], resp.Metrics["eval_stsb_spearman"], 1e-6)
	assert.Equal(t, direct["eval_samples"], resp.Metrics["eval_samples"])
}

func TestPluginServerMissingInputs(t *testing.T) {
	_, err := testPluginServer().Train(shared.TrainRequest{ModelDir: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestPluginTrainerStartFailure(t *testing.T) {
	enc := loadTestEncoder(t)
	job := testJob(t, enc)

	p := NewPluginTrainer(filepath.Join(t.TempDir(), "no-such-plugin"), t.TempDir())
	_, err := p.Train(context.Background(), job)
	assert.Error(t, err)

	_, err = p.Evaluate(context.Background(), job)
	assert.Error(t, err)
}
