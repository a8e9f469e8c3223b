package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

var ErrInvalidRunConfig = errors.New("invalid run configuration")

type EvalStrategy string

const (
	EvalNo    EvalStrategy = "no"
	EvalSteps EvalStrategy = "steps"
	EvalEpoch EvalStrategy = "epoch"
)

type DataArgs struct {
	PadToMaxLength bool `yaml:"pad_to_max_length" json:"pad_to_max_length"`
	MaxSeqLength   int  `yaml:"max_seq_length" json:"max_seq_length"`
}

type TrainingArgs struct {
	TrainBatchSize     int          `yaml:"per_device_train_batch_size" json:"per_device_train_batch_size"`
	EvalBatchSize      int          `yaml:"per_device_eval_batch_size" json:"per_device_eval_batch_size"`
	LearningRate       float64      `yaml:"learning_rate" json:"learning_rate"`
	WeightDecay        float64      `yaml:"weight_decay" json:"weight_decay"`
	NumTrainEpochs     int          `yaml:"num_train_epochs" json:"num_train_epochs"`
	LoggingSteps       int          `yaml:"logging_steps" json:"logging_steps"`
	SaveSteps          int          `yaml:"save_steps" json:"save_steps"`
	EvalSteps          int          `yaml:"eval_steps" json:"eval_steps"`
	EvaluationStrategy EvalStrategy `yaml:"evaluation_strategy" json:"evaluation_strategy"`
	DoTrain            bool         `yaml:"do_train" json:"do_train"`
	DoEval             bool         `yaml:"do_eval" json:"do_eval"`
	LoadBestModelAtEnd bool         `yaml:"load_best_model_at_end" json:"load_best_model_at_end"`
	MetricForBestModel string       `yaml:"metric_for_best_model" json:"metric_for_best_model"`
	GreaterIsBetter    bool         `yaml:"greater_is_better" json:"greater_is_better"`
	SaveTotalLimit     int          `yaml:"save_total_limit" json:"save_total_limit"`
	LabelNames         []string     `yaml:"label_names" json:"label_names"`
	Seed               int64        `yaml:"seed" json:"seed"`
}

// RunConfig describes one training run. It is built once and passed by value;
// With* helpers return modified copies.
type RunConfig struct {
	Profile       string   `yaml:"profile" json:"profile"`
	ModelName     string   `yaml:"model_name" json:"model_name"`
	OutputDir     string   `yaml:"output_dir" json:"output_dir"`
	SaveSubdir    string   `yaml:"save_subdir" json:"save_subdir"`
	TrainDatasets []string `yaml:"train_datasets" json:"train_datasets"`
	EvalDataset   string   `yaml:"eval_dataset" json:"eval_dataset"`

	Device     string `yaml:"device" json:"device"`
	NumThreads int    `yaml:"num_threads" json:"num_threads"`

	DoMLM       bool    `yaml:"do_mlm" json:"do_mlm"`
	MLMWeight   float64 `yaml:"mlm_weight" json:"mlm_weight"`
	Temperature float64 `yaml:"temp" json:"temp"`
	Dropout     float64 `yaml:"dropout" json:"dropout"`

	Data     DataArgs     `yaml:"data" json:"data"`
	Training TrainingArgs `yaml:"training" json:"training"`
}

// EvalEnabled reports whether the run asks for any evaluation pass.
func (c RunConfig) EvalEnabled() bool {
	return c.Training.DoEval || c.Training.EvaluationStrategy == EvalSteps || c.Training.EvaluationStrategy == EvalEpoch
}

// FinalModelDir is where the model and tokenizer are persisted at the end of the run.
func (c RunConfig) FinalModelDir() string {
	if c.SaveSubdir == "" {
		return c.OutputDir
	}
	return filepath.Join(c.OutputDir, c.SaveSubdir)
}

func (c RunConfig) Validate() error {
	t := c.Training
	switch {
	case c.ModelName == "":
		return fmt.Errorf("%w: model_name is required", ErrInvalidRunConfig)
	case c.OutputDir == "":
		return fmt.Errorf("%w: output_dir is required", ErrInvalidRunConfig)
	case len(c.TrainDatasets) == 0:
		return fmt.Errorf("%w: at least one training dataset is required", ErrInvalidRunConfig)
	case t.TrainBatchSize <= 0:
		return fmt.Errorf("%w: per_device_train_batch_size must be > 0, got %d", ErrInvalidRunConfig, t.TrainBatchSize)
	case t.NumTrainEpochs <= 0:
		return fmt.Errorf("%w: num_train_epochs must be > 0, got %d", ErrInvalidRunConfig, t.NumTrainEpochs)
	case t.LearningRate <= 0:
		return fmt.Errorf("%w: learning_rate must be > 0, got %g", ErrInvalidRunConfig, t.LearningRate)
	}

	switch t.EvaluationStrategy {
	case EvalNo, EvalSteps, EvalEpoch:
	default:
		return fmt.Errorf("%w: unknown evaluation_strategy %q", ErrInvalidRunConfig, t.EvaluationStrategy)
	}

	if c.EvalEnabled() && c.EvalDataset == "" {
		return fmt.Errorf("%w: evaluation is enabled but no eval_dataset was supplied", ErrInvalidRunConfig)
	}
	if t.LoadBestModelAtEnd && t.EvaluationStrategy == EvalNo {
		return fmt.Errorf("%w: load_best_model_at_end requires an evaluation_strategy other than %q", ErrInvalidRunConfig, EvalNo)
	}
	if t.EvaluationStrategy == EvalSteps && t.EvalSteps <= 0 {
		return fmt.Errorf("%w: eval_steps must be > 0 with evaluation_strategy %q", ErrInvalidRunConfig, EvalSteps)
	}
	if t.LoadBestModelAtEnd && t.EvaluationStrategy == EvalSteps && t.SaveSteps%t.EvalSteps != 0 {
		return fmt.Errorf("%w: save_steps (%d) must be a multiple of eval_steps (%d) when loading the best model", ErrInvalidRunConfig, t.SaveSteps, t.EvalSteps)
	}
	if c.Data.PadToMaxLength && c.Data.MaxSeqLength <= 0 {
		return fmt.Errorf("%w: max_seq_length must be > 0 when pad_to_max_length is set", ErrInvalidRunConfig)
	}

	return nil
}

func (c RunConfig) WithOutputDir(dir string) RunConfig {
	c.OutputDir = dir
	return c
}

func (c RunConfig) WithModelName(name string) RunConfig {
	c.ModelName = name
	return c
}

func (c RunConfig) WithTrainDatasets(locations ...string) RunConfig {
	c.TrainDatasets = append([]string(nil), locations...)
	return c
}

// WithOverrides applies a YAML document on top of the config. Fields missing
// from the document keep their current value.
func (c RunConfig) WithOverrides(doc []byte) (RunConfig, error) {
	// Slices are copied so the caller's config never aliases the result.
	c.TrainDatasets = append([]string(nil), c.TrainDatasets...)
	c.Training.LabelNames = append([]string(nil), c.Training.LabelNames...)

	if err := yaml.UnmarshalStrict(doc, &c); err != nil {
		return c, fmt.Errorf("%w: unable to parse overrides: %v", ErrInvalidRunConfig, err)
	}
	return c, nil
}

// Load builds a RunConfig from a YAML file. The file may name a base preset
// with the `profile` key; its remaining keys override that preset.
func Load(path string) (RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("failed to read run config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return RunConfig{}, fmt.Errorf("run config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse builds a RunConfig from a YAML document, see Load.
func Parse(data []byte) (RunConfig, error) {
	var head struct {
		Profile string `yaml:"profile"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return RunConfig{}, fmt.Errorf("%w: failed to parse run config: %v", ErrInvalidRunConfig, err)
	}

	base := RunConfig{Profile: "custom", Data: DataArgs{MaxSeqLength: 32}, Training: defaultTrainingArgs()}
	if head.Profile != "" {
		var err error
		base, err = Preset(head.Profile)
		if err != nil {
			return RunConfig{}, err
		}
	}

	return base.WithOverrides(data)
}

func Marshal(c RunConfig) ([]byte, error) {
	return yaml.Marshal(c)
}
