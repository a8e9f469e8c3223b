package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"simcse-runner/internal/core"
	"simcse-runner/internal/datasets"
	"simcse-runner/plugin/shared"

	"github.com/hashicorp/go-plugin"
)

// PluginTrainer runs training in a separate trainer process. The model,
// tokenizer and datasets are staged on disk, the plugin trains them and the
// host reloads the updated parameters.
type PluginTrainer struct {
	executable string
	args       []string
	stagingDir string
}

var _ core.Trainer = (*PluginTrainer)(nil)

func NewPluginTrainer(executable, stagingDir string, args ...string) *PluginTrainer {
	return &PluginTrainer{executable: executable, args: args, stagingDir: stagingDir}
}

func (p *PluginTrainer) start() (*plugin.Client, shared.Trainer, error) {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  shared.Handshake,
		Plugins:          shared.PluginMap,
		Cmd:              exec.Command(p.executable, p.args...),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("error establishing RPC connection: %w", err)
	}

	raw, err := rpcClient.Dispense(shared.TrainerPluginName)
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("error dispensing '%s': %w", shared.TrainerPluginName, err)
	}

	trainer, ok := raw.(shared.Trainer)
	if !ok {
		client.Kill()
		return nil, nil, fmt.Errorf("dispensed interface '%s' is not of expected type shared.Trainer (actual type: %T)", shared.TrainerPluginName, raw)
	}

	return client, trainer, nil
}

// stage writes everything the plugin needs into a fresh directory.
func (p *PluginTrainer) stage(job core.TrainJob, withTrain bool) (string, shared.TrainRequest, error) {
	if err := os.MkdirAll(p.stagingDir, os.ModePerm); err != nil {
		return "", shared.TrainRequest{}, fmt.Errorf("error creating staging dir: %w", err)
	}
	dir, err := os.MkdirTemp(p.stagingDir, "trainer-")
	if err != nil {
		return "", shared.TrainRequest{}, fmt.Errorf("error creating staging dir: %w", err)
	}

	req := shared.TrainRequest{
		ModelDir: filepath.Join(dir, "model"),
		Config:   job.Config,
		Device:   job.Device,
	}

	if err := job.Model.Save(req.ModelDir); err != nil {
		return dir, req, fmt.Errorf("error staging model: %w", err)
	}
	if err := job.Tokenizer.Save(req.ModelDir); err != nil {
		return dir, req, fmt.Errorf("error staging tokenizer: %w", err)
	}

	if withTrain {
		req.TrainDir = filepath.Join(dir, "train")
		if err := job.Train.Save(req.TrainDir); err != nil {
			return dir, req, fmt.Errorf("error staging training dataset: %w", err)
		}
	}
	if job.Eval != nil {
		req.EvalDir = filepath.Join(dir, "eval")
		if err := job.Eval.Save(req.EvalDir); err != nil {
			return dir, req, fmt.Errorf("error staging evaluation dataset: %w", err)
		}
	}

	return dir, req, nil
}

// call runs fn against a fresh plugin process, killing it if ctx ends first.
func call[T any](ctx context.Context, p *PluginTrainer, fn func(shared.Trainer) (T, error)) (T, error) {
	var zero T
	client, trainer, err := p.start()
	if err != nil {
		return zero, err
	}
	defer client.Kill()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(trainer)
		done <- result{value: v, err: err}
	}()

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-done:
		return res.value, res.err
	}
}

func (p *PluginTrainer) Train(ctx context.Context, job core.TrainJob) (core.TrainingReport, error) {
	reloadable, ok := job.Model.(core.Reloadable)
	if !ok {
		return core.TrainingReport{}, fmt.Errorf("model %T cannot be trained out of process", job.Model)
	}

	dir, req, err := p.stage(job, true)
	if dir != "" {
		defer os.RemoveAll(dir)
	}
	if err != nil {
		return core.TrainingReport{}, err
	}

	slog.Info("training in plugin", "executable", p.executable, "staging_dir", dir)
	resp, err := call(ctx, p, func(t shared.Trainer) (shared.TrainResponse, error) { return t.Train(req) })
	if err != nil {
		return core.TrainingReport{}, fmt.Errorf("plugin training failed: %w", err)
	}

	if err := reloadable.Reload(req.ModelDir); err != nil {
		return core.TrainingReport{}, fmt.Errorf("error loading trained model: %w", err)
	}
	return resp.Report, nil
}

func (p *PluginTrainer) Evaluate(ctx context.Context, job core.TrainJob) (core.MetricMap, error) {
	if job.Eval == nil {
		return nil, fmt.Errorf("no evaluation dataset")
	}

	dir, req, err := p.stage(job, false)
	if dir != "" {
		defer os.RemoveAll(dir)
	}
	if err != nil {
		return nil, err
	}

	resp, err := call(ctx, p, func(t shared.Trainer) (shared.EvaluateResponse, error) { return t.Evaluate(req) })
	if err != nil {
		return nil, fmt.Errorf("plugin evaluation failed: %w", err)
	}
	return resp.Metrics, nil
}

// PluginServer is the trainer side of the plugin protocol. It loads the
// staged inputs and delegates to an in-process core.Trainer.
type PluginServer struct {
	LoadModel     core.ModelLoader
	LoadTokenizer core.TokenizerLoader
	Trainer       core.Trainer
}

var _ shared.Trainer = (*PluginServer)(nil)

func (s *PluginServer) job(req shared.TrainRequest) (core.TrainJob, error) {
	model, err := s.LoadModel(req.ModelDir)
	if err != nil {
		return core.TrainJob{}, fmt.Errorf("error loading staged model: %w", err)
	}
	tok, err := s.LoadTokenizer(req.ModelDir)
	if err != nil {
		model.Release()
		return core.TrainJob{}, fmt.Errorf("error loading staged tokenizer: %w", err)
	}

	job := core.TrainJob{Model: model, Tokenizer: tok, Config: req.Config, Device: req.Device}
	if req.TrainDir != "" {
		if job.Train, err = datasets.LoadFromDisk(req.TrainDir); err != nil {
			s.release(job)
			return core.TrainJob{}, err
		}
	}
	if req.EvalDir != "" {
		if job.Eval, err = datasets.LoadFromDisk(req.EvalDir); err != nil {
			s.release(job)
			return core.TrainJob{}, err
		}
	}
	job.Collator = core.NewCollator(req.Config.Data, tok, core.MLMOptionsFor(req.Config, tok))
	return job, nil
}

func (s *PluginServer) release(job core.TrainJob) {
	job.Model.Release()
	job.Tokenizer.Release()
}

func (s *PluginServer) Train(req shared.TrainRequest) (shared.TrainResponse, error) {
	job, err := s.job(req)
	if err != nil {
		return shared.TrainResponse{}, err
	}
	defer s.release(job)

	report, err := s.Trainer.Train(context.Background(), job)
	if err != nil {
		return shared.TrainResponse{}, err
	}
	if err := job.Model.Save(req.ModelDir); err != nil {
		return shared.TrainResponse{}, fmt.Errorf("error writing trained model: %w", err)
	}
	return shared.TrainResponse{Report: report}, nil
}

func (s *PluginServer) Evaluate(req shared.TrainRequest) (shared.EvaluateResponse, error) {
	job, err := s.job(req)
	if err != nil {
		return shared.EvaluateResponse{}, err
	}
	defer s.release(job)

	metrics, err := s.Trainer.Evaluate(context.Background(), job)
	if err != nil {
		return shared.EvaluateResponse{}, err
	}
	return shared.EvaluateResponse{Metrics: metrics}, nil
}
