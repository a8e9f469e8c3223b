package trainer

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"simcse-runner/internal/core/utils"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const cosEps = 1e-8

// pooled is the mean of the token embeddings of one sequence, scaled by an
// optional dropout mask over the hidden dimensions.
type pooled struct {
	vec    []float64
	tokens []int32
	drop   []float64
}

type poolRequest struct {
	index   int
	ids     []int32
	mask    []int32
	dropout float64
	seed    uint64
}

func meanPool(emb *mat.Dense, req poolRequest) (pooled, error) {
	rows, hidden := emb.Dims()
	p := pooled{vec: make([]float64, hidden)}

	for t, id := range req.ids {
		if req.mask != nil && req.mask[t] == 0 {
			continue
		}
		if int(id) < 0 || int(id) >= rows {
			return p, fmt.Errorf("token id %d outside embedding table of %d rows", id, rows)
		}
		floats.Add(p.vec, emb.RawRowView(int(id)))
		p.tokens = append(p.tokens, id)
	}
	if len(p.tokens) == 0 {
		return p, nil
	}
	floats.Scale(1/float64(len(p.tokens)), p.vec)

	if req.dropout > 0 {
		rng := rand.New(rand.NewPCG(req.seed, uint64(req.index)))
		keep := 1 - req.dropout
		p.drop = make([]float64, hidden)
		for d := range p.drop {
			if rng.Float64() < keep {
				p.drop[d] = 1 / keep
			}
		}
		floats.Mul(p.vec, p.drop)
	}

	return p, nil
}

// poolAll runs meanPool for every request on up to workers goroutines.
func poolAll(emb *mat.Dense, reqs []poolRequest, workers int) ([]pooled, error) {
	completed := utils.RunInPool(context.Background(), func(req poolRequest) (pooled, error) {
		return meanPool(emb, req)
	}, reqs, workers)
	if err := utils.FirstError(completed); err != nil {
		return nil, err
	}

	out := make([]pooled, len(completed))
	for i, task := range completed {
		out[i] = task.Result
	}
	return out, nil
}

func cosine(a, b []float64) (cos, na, nb float64) {
	na = math.Max(floats.Norm(a, 2), cosEps)
	nb = math.Max(floats.Norm(b, 2), cosEps)
	return floats.Dot(a, b) / (na * nb), na, nb
}

// addCosineGrad accumulates scale * d cos(a, b) into ga and gb.
func addCosineGrad(a, b, ga, gb []float64, scale float64) {
	cos, na, nb := cosine(a, b)
	inv := scale / (na * nb)
	floats.AddScaled(ga, inv, b)
	floats.AddScaled(ga, -scale*cos/(na*na), a)
	floats.AddScaled(gb, inv, a)
	floats.AddScaled(gb, -scale*cos/(nb*nb), b)
}

// infoNCE is the SimCSE objective: anchor i must pick positive i among all
// positives and hard negatives of the batch. It returns the mean loss and
// the gradients with respect to each input vector.
func infoNCE(anchors, positives, negatives [][]float64, temp float64) (float64, [][]float64, [][]float64, [][]float64) {
	n := len(anchors)
	ga, gp, gn := zeros(anchors), zeros(positives), zeros(negatives)
	if n == 0 {
		return 0, ga, gp, gn
	}

	cols := len(positives) + len(negatives)
	logits := make([]float64, cols)
	loss := 0.0
	for i := range anchors {
		for j, p := range positives {
			c, _, _ := cosine(anchors[i], p)
			logits[j] = c / temp
		}
		for j, neg := range negatives {
			c, _, _ := cosine(anchors[i], neg)
			logits[len(positives)+j] = c / temp
		}

		lse := floats.LogSumExp(logits)
		loss += lse - logits[i]

		for j := 0; j < cols; j++ {
			d := math.Exp(logits[j] - lse)
			if j == i {
				d -= 1
			}
			d /= float64(n) * temp
			if j < len(positives) {
				addCosineGrad(anchors[i], positives[j], ga[i], gp[j], d)
			} else {
				addCosineGrad(anchors[i], negatives[j-len(positives)], ga[i], gn[j-len(positives)], d)
			}
		}
	}

	return loss / float64(n), ga, gp, gn
}

func zeros(like [][]float64) [][]float64 {
	out := make([][]float64, len(like))
	for i, v := range like {
		out[i] = make([]float64, len(v))
	}
	return out
}

// sparseGrad holds gradients for the embedding rows touched by a batch.
type sparseGrad struct {
	hidden int
	rows   map[int32][]float64
}

func newSparseGrad(hidden int) *sparseGrad {
	return &sparseGrad{hidden: hidden, rows: map[int32][]float64{}}
}

func (g *sparseGrad) row(id int32) []float64 {
	r, ok := g.rows[id]
	if !ok {
		r = make([]float64, g.hidden)
		g.rows[id] = r
	}
	return r
}

// backprop pushes the gradient of a pooled vector down to its token rows.
func (g *sparseGrad) backprop(p pooled, grad []float64, scale float64) {
	if len(p.tokens) == 0 {
		return
	}
	local := append([]float64(nil), grad...)
	if p.drop != nil {
		floats.Mul(local, p.drop)
	}
	s := scale / float64(len(p.tokens))
	for _, id := range p.tokens {
		floats.AddScaled(g.row(id), s, local)
	}
}

func (g *sparseGrad) norm() float64 {
	total := 0.0
	for _, r := range g.rows {
		total += floats.Dot(r, r)
	}
	return math.Sqrt(total)
}

// clip rescales the gradient to at most maxNorm and returns the norm before clipping.
func (g *sparseGrad) clip(maxNorm float64) float64 {
	n := g.norm()
	if maxNorm > 0 && n > maxNorm {
		for _, r := range g.rows {
			floats.Scale(maxNorm/n, r)
		}
	}
	return n
}

// rankOne is a dense update term scale * u ⊗ v over the whole table.
type rankOne struct {
	scale float64
	u, v  []float64
}

// maskedLM predicts each masked token of a sequence from the pooled context
// of that sequence through the tied embedding table. The returned loss is
// summed over masked positions; gradients are accumulated times scale.
func maskedLM(emb *mat.Dense, ctx pooled, labels []int32, ignore int32, grad *sparseGrad, scale float64) (float64, int, *rankOne) {
	rows, _ := emb.Dims()
	counts := map[int32]float64{}
	masked := 0
	for _, y := range labels {
		if y == ignore || int(y) < 0 || int(y) >= rows {
			continue
		}
		counts[y]++
		masked++
	}
	if masked == 0 || len(ctx.tokens) == 0 {
		return 0, 0, nil
	}

	logits := mat.NewVecDense(rows, nil)
	logits.MulVec(emb, mat.NewVecDense(len(ctx.vec), ctx.vec))
	raw := logits.RawVector().Data
	lse := floats.LogSumExp(raw)

	loss := 0.0
	dlogits := make([]float64, rows)
	for v := range raw {
		dlogits[v] = float64(masked) * math.Exp(raw[v]-lse)
	}
	for y, c := range counts {
		loss += c * (lse - raw[y])
		dlogits[y] -= c
	}

	dctx := mat.NewVecDense(len(ctx.vec), nil)
	dctx.MulVec(emb.T(), mat.NewVecDense(rows, dlogits))
	grad.backprop(ctx, dctx.RawVector().Data, scale)

	return loss, masked, &rankOne{scale: scale, u: dlogits, v: append([]float64(nil), ctx.vec...)}
}
