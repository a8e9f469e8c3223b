package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"simcse-runner/internal/config"
	"simcse-runner/internal/core"
	"simcse-runner/internal/datasets"
	"simcse-runner/internal/metrics"

	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrNotTrainable = errors.New("model does not expose a trainable embedding table")
	ErrDiverged     = errors.New("training loss diverged")
)

const (
	defaultTemperature = 0.05
	defaultMaxGradNorm = 1.0
	defaultEvalBatch   = 8
)

// EmbeddingModel is a model whose word embedding table can be trained in place.
type EmbeddingModel interface {
	core.Model
	WordEmbeddings() *mat.Dense
}

type Options struct {
	ShowProgress bool
	// MaxGradNorm clips the gradient of each step; 0 means 1.0.
	MaxGradNorm float64
}

// Contrastive trains sentence embeddings with the SimCSE objective: two
// dropout views (or a labelled pair) of each sentence are positives, every
// other sentence in the batch and any hard negative are negatives.
type Contrastive struct {
	opts Options
}

var _ core.Trainer = (*Contrastive)(nil)

func NewContrastive(opts Options) *Contrastive {
	if opts.MaxGradNorm <= 0 {
		opts.MaxGradNorm = defaultMaxGradNorm
	}
	return &Contrastive{opts: opts}
}

func embeddingsOf(m core.Model) (*mat.Dense, error) {
	em, ok := m.(EmbeddingModel)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotTrainable, m)
	}
	return em.WordEmbeddings(), nil
}

func temperature(cfg config.RunConfig) float64 {
	if cfg.Temperature > 0 {
		return cfg.Temperature
	}
	return defaultTemperature
}

// metricKey returns the evaluation metric used to pick the best checkpoint.
func metricKey(t config.TrainingArgs) string {
	name := t.MetricForBestModel
	if name == "" {
		name = "loss"
	}
	if !strings.HasPrefix(name, "eval_") {
		name = "eval_" + name
	}
	return name
}

type trainRun struct {
	job     core.TrainJob
	emb     *mat.Dense
	rng     *rand.Rand
	workers int
	maxNorm float64
	profile string

	state        State
	lastEval     core.MetricMap
	lastEvalStep int
	checkpoints []string
}

func (c *Contrastive) Train(ctx context.Context, job core.TrainJob) (core.TrainingReport, error) {
	emb, err := embeddingsOf(job.Model)
	if err != nil {
		return core.TrainingReport{}, err
	}

	cfg := job.Config
	t := cfg.Training
	n := job.Train.Len()
	if n == 0 {
		return core.TrainingReport{}, fmt.Errorf("training dataset is empty")
	}

	stepsPerEpoch := (n + t.TrainBatchSize - 1) / t.TrainBatchSize
	totalSteps := stepsPerEpoch * t.NumTrainEpochs

	run := &trainRun{
		job:     job,
		emb:     emb,
		rng:     rand.New(rand.NewPCG(uint64(t.Seed), 0)),
		workers: job.Device.Threads,
		maxNorm: c.opts.MaxGradNorm,
		profile: cfg.Profile,
		state:   State{MaxSteps: totalSteps, NumTrainEpochs: t.NumTrainEpochs},
	}

	if err := os.MkdirAll(cfg.OutputDir, os.ModePerm); err != nil {
		return core.TrainingReport{}, fmt.Errorf("%w: error creating output dir: %w", core.ErrIO, err)
	}

	slog.Info("***** running training *****", "examples", n, "epochs", t.NumTrainEpochs, "batch_size", t.TrainBatchSize, "total_steps", totalSteps, "collator", job.Collator.Name(), "device", job.Device.String())

	var bar *progressbar.ProgressBar
	if c.opts.ShowProgress {
		bar = progressbar.NewOptions(totalSteps,
			progressbar.OptionSetDescription(fmt.Sprintf("training %s", cfg.Profile)),
			progressbar.OptionSetWidth(30),
			progressbar.OptionClearOnFinish(),
		)
	} else {
		bar = progressbar.DefaultSilent(int64(totalSteps))
	}

	start := time.Now()
	step := 0
	lossSum, windowLoss, windowSteps := 0.0, 0.0, 0
	lr := t.LearningRate

	for epoch := 0; epoch < t.NumTrainEpochs; epoch++ {
		order := run.rng.Perm(n)

		for b := 0; b < stepsPerEpoch; b++ {
			if err := ctx.Err(); err != nil {
				return core.TrainingReport{}, err
			}

			lo, hi := b*t.TrainBatchSize, min(n, (b+1)*t.TrainBatchSize)
			examples := make([]datasets.Example, 0, hi-lo)
			for _, idx := range order[lo:hi] {
				examples = append(examples, job.Train.At(idx))
			}
			batch := job.Collator.Collate(examples)

			lr = t.LearningRate * float64(totalSteps-step) / float64(totalSteps)
			stepStart := time.Now()
			loss, err := run.step(batch, lr)
			if err != nil {
				return core.TrainingReport{}, fmt.Errorf("step %d: %w", step+1, err)
			}
			metrics.StepDuration.WithLabelValues(run.profile).Observe(time.Since(stepStart).Seconds())
			metrics.TrainingSteps.WithLabelValues(run.profile).Inc()

			step++
			run.state.GlobalStep = step
			run.state.Epoch = float64(step) / float64(stepsPerEpoch)
			lossSum += loss
			windowLoss += loss
			windowSteps++
			bar.Add(1) //nolint:errcheck

			if t.LoggingSteps > 0 && step%t.LoggingSteps == 0 {
				run.logTraining(windowLoss/float64(windowSteps), lr)
				windowLoss, windowSteps = 0, 0
			}

			// Evaluate before saving so the checkpoint written at this step
			// is scored with this step's metrics.
			epochEnd := t.EvaluationStrategy == config.EvalEpoch && b == stepsPerEpoch-1
			if epochEnd || (t.EvaluationStrategy == config.EvalSteps && t.EvalSteps > 0 && step%t.EvalSteps == 0) {
				if err := run.evaluate(ctx); err != nil {
					return core.TrainingReport{}, err
				}
			}

			if epochEnd || (t.SaveSteps > 0 && step%t.SaveSteps == 0) {
				if err := run.save(); err != nil {
					return core.TrainingReport{}, err
				}
			}
		}
	}
	bar.Finish() //nolint:errcheck

	if windowSteps > 0 && t.LoggingSteps > 0 {
		run.logTraining(windowLoss/float64(windowSteps), lr)
	}

	if t.LoadBestModelAtEnd && run.state.BestModelCheckpoint != "" {
		reloadable, ok := job.Model.(core.Reloadable)
		if !ok {
			return core.TrainingReport{}, fmt.Errorf("model %T cannot reload checkpoints", job.Model)
		}
		slog.Info("loading best model", "checkpoint", run.state.BestModelCheckpoint, "metric", metricKey(t), "value", *run.state.BestMetric)
		if err := reloadable.Reload(run.state.BestModelCheckpoint); err != nil {
			return core.TrainingReport{}, fmt.Errorf("error loading best checkpoint: %w", err)
		}
	}

	report := core.TrainingReport{
		GlobalStep:     step,
		TrainingLoss:   lossSum / float64(max(step, 1)),
		NumExamples:    n,
		RuntimeSeconds: time.Since(start).Seconds(),
		BestCheckpoint: run.state.BestModelCheckpoint,
		BestMetric:     run.state.BestMetric,
		Checkpoints:    run.checkpoints,
	}
	run.state.LogHistory = append(run.state.LogHistory, core.LogEntry{
		Epoch:   run.state.Epoch,
		Step:    step,
		Metrics: core.MetricMap{"train_loss": report.TrainingLoss, "train_runtime": report.RuntimeSeconds},
	})
	report.LogHistory = run.state.LogHistory

	if err := writeState(cfg.OutputDir, run.state); err != nil {
		return report, fmt.Errorf("%w: error writing trainer state: %w", core.ErrIO, err)
	}

	return report, nil
}

func (r *trainRun) logTraining(loss, lr float64) {
	entry := core.LogEntry{Epoch: r.state.Epoch, Step: r.state.GlobalStep, Loss: &loss, LearningRate: &lr}
	r.state.LogHistory = append(r.state.LogHistory, entry)
	metrics.TrainingLoss.WithLabelValues(r.profile).Set(loss)
	metrics.LearningRate.WithLabelValues(r.profile).Set(lr)
	slog.Info("training", "step", entry.Step, "epoch", fmt.Sprintf("%.2f", entry.Epoch), "loss", loss, "learning_rate", lr)
}

func (r *trainRun) evaluate(ctx context.Context) error {
	if r.job.Eval == nil {
		return nil
	}
	m, err := evaluate(ctx, r.emb, r.job.Eval, r.job.Config, r.workers)
	if err != nil {
		return fmt.Errorf("evaluation at step %d: %w", r.state.GlobalStep, err)
	}
	r.lastEval = m
	r.lastEvalStep = r.state.GlobalStep
	r.state.LogHistory = append(r.state.LogHistory, core.LogEntry{Epoch: r.state.Epoch, Step: r.state.GlobalStep, Metrics: m})
	for k, v := range m {
		metrics.EvalMetric.WithLabelValues(r.profile, k).Set(v)
	}
	slog.Info("evaluation", "step", r.state.GlobalStep, "metrics", m)
	return nil
}

func (r *trainRun) save() error {
	cfg := r.job.Config
	dir := checkpointDir(cfg.OutputDir, r.state.GlobalStep)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return fmt.Errorf("%w: error creating checkpoint dir: %w", core.ErrIO, err)
	}
	if err := r.job.Model.Save(dir); err != nil {
		return fmt.Errorf("%w: error saving checkpoint model: %w", core.ErrIO, err)
	}
	if err := r.job.Tokenizer.Save(dir); err != nil {
		return fmt.Errorf("%w: error saving checkpoint tokenizer: %w", core.ErrIO, err)
	}

	// Only metrics from an evaluation at this step describe this checkpoint.
	if r.lastEval != nil && r.lastEvalStep == r.state.GlobalStep {
		key := metricKey(cfg.Training)
		if v, ok := r.lastEval[key]; ok && r.isBetter(v) {
			r.state.BestMetric = &v
			r.state.BestModelCheckpoint = dir
		}
	}

	if err := writeState(dir, r.state); err != nil {
		return fmt.Errorf("%w: error writing trainer state: %w", core.ErrIO, err)
	}
	metrics.CheckpointsSaved.WithLabelValues(r.profile).Inc()
	slog.Info("saved checkpoint", "dir", dir)

	kept, err := rotateCheckpoints(cfg.OutputDir, cfg.Training.SaveTotalLimit, r.state.BestModelCheckpoint)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrIO, err)
	}
	r.checkpoints = kept
	return nil
}

func (r *trainRun) isBetter(v float64) bool {
	if r.state.BestMetric == nil {
		return true
	}
	if r.job.Config.Training.GreaterIsBetter {
		return v > *r.state.BestMetric
	}
	return v < *r.state.BestMetric
}

// step runs one forward/backward pass and applies the update.
func (r *trainRun) step(batch core.Batch, lr float64) (float64, error) {
	cfg := r.job.Config
	_, hidden := r.emb.Dims()
	numSent := max(batch.NumSent, 1)
	seed := r.rng.Uint64()

	reqs := make([]poolRequest, 0, len(batch.InputIDs)+batch.BatchSize)
	for i := range batch.InputIDs {
		reqs = append(reqs, poolRequest{index: i, ids: batch.InputIDs[i], mask: batch.AttentionMask[i], dropout: cfg.Dropout, seed: seed})
	}
	if numSent == 1 {
		// Unsupervised: the positive is the same sentence under another dropout mask.
		for i := 0; i < batch.BatchSize; i++ {
			reqs = append(reqs, poolRequest{index: len(batch.InputIDs) + i, ids: batch.InputIDs[i], mask: batch.AttentionMask[i], dropout: cfg.Dropout, seed: seed})
		}
	}

	out, err := poolAll(r.emb, reqs, r.workers)
	if err != nil {
		return 0, err
	}

	anchorIdx := make([]int, batch.BatchSize)
	posIdx := make([]int, batch.BatchSize)
	var negIdx []int
	for i := 0; i < batch.BatchSize; i++ {
		if numSent == 1 {
			anchorIdx[i], posIdx[i] = i, batch.BatchSize+i
			continue
		}
		anchorIdx[i], posIdx[i] = i*numSent, i*numSent+1
		if numSent >= 3 {
			negIdx = append(negIdx, i*numSent+2)
		}
	}

	loss, ga, gp, gn := infoNCE(vectors(out, anchorIdx), vectors(out, posIdx), vectors(out, negIdx), temperature(cfg))

	grad := newSparseGrad(hidden)
	for i, idx := range anchorIdx {
		grad.backprop(out[idx], ga[i], 1)
	}
	for i, idx := range posIdx {
		grad.backprop(out[idx], gp[i], 1)
	}
	for i, idx := range negIdx {
		grad.backprop(out[idx], gn[i], 1)
	}

	var dense []*rankOne
	if cfg.DoMLM && cfg.MLMWeight > 0 && batch.MLMInputIDs != nil {
		mlmLoss, terms, err := r.mlm(batch, anchorIdx, grad)
		if err != nil {
			return 0, err
		}
		loss += cfg.MLMWeight * mlmLoss
		dense = terms
	}

	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, fmt.Errorf("%w: loss is %v", ErrDiverged, loss)
	}

	grad.clip(r.maxNorm)

	wd := cfg.Training.WeightDecay
	for id, g := range grad.rows {
		row := r.emb.RawRowView(int(id))
		if wd > 0 {
			floats.AddScaled(g, wd, row)
		}
		floats.AddScaled(row, -lr, g)
	}
	for _, term := range dense {
		r.emb.RankOne(r.emb, -lr*term.scale, mat.NewVecDense(len(term.u), term.u), mat.NewVecDense(len(term.v), term.v))
	}

	return loss, nil
}

// mlm computes the auxiliary masked language modeling loss on the anchor
// sentences. The returned loss is the mean over masked positions.
func (r *trainRun) mlm(batch core.Batch, rows []int, grad *sparseGrad) (float64, []*rankOne, error) {
	masked := 0
	for _, row := range rows {
		for _, y := range batch.MLMLabels[row] {
			if y != core.IgnoreIndex {
				masked++
			}
		}
	}
	if masked == 0 {
		return 0, nil, nil
	}

	reqs := make([]poolRequest, len(rows))
	for i, row := range rows {
		reqs[i] = poolRequest{index: i, ids: batch.MLMInputIDs[row], mask: batch.AttentionMask[row]}
	}
	ctxs, err := poolAll(r.emb, reqs, r.workers)
	if err != nil {
		return 0, nil, err
	}

	scale := r.job.Config.MLMWeight / float64(masked)
	total := 0.0
	var terms []*rankOne
	for i, row := range rows {
		loss, _, term := maskedLM(r.emb, ctxs[i], batch.MLMLabels[row], core.IgnoreIndex, grad, scale)
		total += loss
		if term != nil {
			terms = append(terms, term)
		}
	}
	return total / float64(masked), terms, nil
}

func vectors(out []pooled, idx []int) [][]float64 {
	vecs := make([][]float64, len(idx))
	for i, j := range idx {
		vecs[i] = out[j].vec
	}
	return vecs
}

// Evaluate scores the evaluation set without touching the parameters:
// contrastive loss on the first two sentences and Spearman/Pearson
// correlation between their cosine similarity and the gold labels.
func (c *Contrastive) Evaluate(ctx context.Context, job core.TrainJob) (core.MetricMap, error) {
	if job.Eval == nil {
		return nil, fmt.Errorf("no evaluation dataset")
	}
	emb, err := embeddingsOf(job.Model)
	if err != nil {
		return nil, err
	}
	return evaluate(ctx, emb, job.Eval, job.Config, job.Device.Threads)
}

func evaluate(ctx context.Context, emb *mat.Dense, ds *datasets.Dataset, cfg config.RunConfig, workers int) (core.MetricMap, error) {
	batchSize := cfg.Training.EvalBatchSize
	if batchSize <= 0 {
		batchSize = defaultEvalBatch
	}

	n := ds.Len()
	preds := make([]float64, 0, n)
	gold := make([]float64, 0, n)
	lossSum := 0.0

	for lo := 0; lo < n; lo += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hi := min(n, lo+batchSize)

		reqs := make([]poolRequest, 0, 2*(hi-lo))
		for i := lo; i < hi; i++ {
			ex := ds.At(i)
			second := min(1, ex.NumSentences()-1)
			reqs = append(reqs,
				poolRequest{index: len(reqs), ids: ex.InputIDs[0], mask: maskAt(ex, 0)},
				poolRequest{index: len(reqs) + 1, ids: ex.InputIDs[second], mask: maskAt(ex, second)},
			)
		}
		out, err := poolAll(emb, reqs, workers)
		if err != nil {
			return nil, err
		}

		anchors := make([][]float64, 0, hi-lo)
		positives := make([][]float64, 0, hi-lo)
		for i := 0; i < len(out); i += 2 {
			anchors = append(anchors, out[i].vec)
			positives = append(positives, out[i+1].vec)
			cos, _, _ := cosine(out[i].vec, out[i+1].vec)
			preds = append(preds, cos)
			gold = append(gold, ds.At(lo+i/2).Labels)
		}

		loss, _, _, _ := infoNCE(anchors, positives, nil, temperature(cfg))
		lossSum += loss * float64(hi-lo)
	}

	result := core.MetricMap{
		"eval_loss":          finite(lossSum / float64(max(n, 1))),
		"eval_stsb_spearman": spearman(preds, gold),
		"eval_stsb_pearson":  pearson(preds, gold),
		"eval_samples":       float64(n),
	}
	return result, nil
}

func maskAt(ex datasets.Example, i int) []int32 {
	if i < len(ex.AttentionMask) {
		return ex.AttentionMask[i]
	}
	return nil
}
