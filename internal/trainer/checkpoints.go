package trainer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"simcse-runner/internal/core"
)

const (
	StateFile        = "trainer_state.json"
	checkpointPrefix = "checkpoint-"
)

type State struct {
	GlobalStep          int             `json:"global_step"`
	Epoch               float64         `json:"epoch"`
	MaxSteps            int             `json:"max_steps"`
	NumTrainEpochs      int             `json:"num_train_epochs"`
	BestMetric          *float64        `json:"best_metric"`
	BestModelCheckpoint string          `json:"best_model_checkpoint,omitempty"`
	LogHistory          []core.LogEntry `json:"log_history"`
}

func checkpointDir(outputDir string, step int) string {
	return filepath.Join(outputDir, checkpointPrefix+strconv.Itoa(step))
}

func writeState(dir string, state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding trainer state: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, StateFile), data, 0o644)
}

func ReadState(dir string) (State, error) {
	var state State
	data, err := os.ReadFile(filepath.Join(dir, StateFile))
	if err != nil {
		return state, err
	}
	err = json.Unmarshal(data, &state)
	return state, err
}

// listCheckpoints returns checkpoint directories under outputDir ordered by step.
func listCheckpoints(outputDir string) ([]string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type ckpt struct {
		path string
		step int
	}
	var found []ckpt
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), checkpointPrefix) {
			continue
		}
		step, err := strconv.Atoi(strings.TrimPrefix(e.Name(), checkpointPrefix))
		if err != nil {
			continue
		}
		found = append(found, ckpt{path: filepath.Join(outputDir, e.Name()), step: step})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].step < found[j].step })

	paths := make([]string, len(found))
	for i, c := range found {
		paths[i] = c.path
	}
	return paths, nil
}

// rotateCheckpoints deletes the oldest checkpoints beyond limit. The best
// checkpoint is never deleted; when it is not the newest, at least two
// checkpoints are kept so the newest survives as well.
func rotateCheckpoints(outputDir string, limit int, best string) ([]string, error) {
	paths, err := listCheckpoints(outputDir)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return paths, nil
	}
	if limit == 1 && best != "" && len(paths) > 0 && paths[len(paths)-1] != best {
		limit = 2
	}

	kept := make([]string, 0, len(paths))
	excess := len(paths) - limit
	for _, p := range paths {
		if excess > 0 && p != best {
			slog.Info("deleting older checkpoint", "checkpoint", p)
			if err := os.RemoveAll(p); err != nil {
				return nil, fmt.Errorf("error deleting checkpoint %s: %w", p, err)
			}
			excess--
			continue
		}
		kept = append(kept, p)
	}
	return kept, nil
}
