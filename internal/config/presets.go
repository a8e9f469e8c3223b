package config

import (
	"fmt"
	"sort"
)

const (
	BootstrapProfile    = "bootstrap"
	UnsupervisedProfile = "unsupervised"
)

// defaultTrainingArgs mirrors the trainer defaults that the presets do not set.
func defaultTrainingArgs() TrainingArgs {
	return TrainingArgs{
		TrainBatchSize:     8,
		EvalBatchSize:      8,
		LearningRate:       5e-5,
		NumTrainEpochs:     3,
		LoggingSteps:       500,
		SaveSteps:          500,
		EvalSteps:          500,
		EvaluationStrategy: EvalNo,
		DoTrain:            true,
		MetricForBestModel: "loss",
		LabelNames:         []string{"labels"},
		Seed:               42,
	}
}

var presets = map[string]func() RunConfig{
	// Continues training an already contrastively tuned checkpoint on the
	// bootstrapped matching pairs, validating on the STS dev split.
	BootstrapProfile: func() RunConfig {
		const stepNum = 1000
		t := defaultTrainingArgs()
		t.LearningRate = 5e-5
		t.NumTrainEpochs = 5
		t.LoggingSteps = stepNum
		t.SaveSteps = stepNum
		t.EvalSteps = stepNum
		t.EvaluationStrategy = EvalSteps
		t.DoEval = true
		t.LoadBestModelAtEnd = true
		t.MetricForBestModel = "eval_stsb_spearman"
		t.GreaterIsBetter = true
		t.SaveTotalLimit = 2

		return RunConfig{
			Profile:       BootstrapProfile,
			ModelName:     "kazma1/simcse-robertsmall-matching",
			OutputDir:     "output/simcse-robertsmall-bootstrap",
			SaveSubdir:    "best_model",
			TrainDatasets: []string{"data/sts/bootstrap/dev"},
			EvalDataset:   "data/sts/eval/dev",
			Device:        DeviceCPU,
			NumThreads:    8,
			DoMLM:         true,
			MLMWeight:     0.1,
			Temperature:   0.05,
			Dropout:       0.1,
			Data:          DataArgs{PadToMaxLength: false, MaxSeqLength: 32},
			Training:      t,
		}
	},
	// Unsupervised SimCSE from a base encoder over two concatenated corpora,
	// without any evaluation pass.
	UnsupervisedProfile: func() RunConfig {
		t := defaultTrainingArgs()
		t.TrainBatchSize = 8
		t.LearningRate = 7e-5
		t.NumTrainEpochs = 5
		t.LoggingSteps = 100

		return RunConfig{
			Profile:       UnsupervisedProfile,
			ModelName:     "klue/roberta-large",
			OutputDir:     "output/simcse",
			SaveSubdir:    "unsupervise_roberta-large",
			TrainDatasets: []string{"data/linkareer/train", "data/wanted/train"},
			Device:        DeviceAuto,
			NumThreads:    8,
			DoMLM:         false,
			MLMWeight:     0.1,
			Temperature:   0.05,
			Dropout:       0.1,
			Data:          DataArgs{PadToMaxLength: false, MaxSeqLength: 32},
			Training:      t,
		}
	},
}

// Preset returns a fresh copy of the named run profile.
func Preset(name string) (RunConfig, error) {
	build, ok := presets[name]
	if !ok {
		return RunConfig{}, fmt.Errorf("%w: unknown profile %q (available: %v)", ErrInvalidRunConfig, name, Profiles())
	}
	return build(), nil
}

func Profiles() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
