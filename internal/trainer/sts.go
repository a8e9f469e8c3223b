package trainer

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// ranks assigns 1-based ranks, averaging ties.
func ranks(x []float64) []float64 {
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })

	out := make([]float64, len(x))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && x[idx[j+1]] == x[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			out[idx[k]] = avg
		}
		i = j + 1
	}
	return out
}

func pearson(x, y []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	return finite(stat.Correlation(x, y, nil))
}

func spearman(x, y []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	return finite(stat.Correlation(ranks(x), ranks(y), nil))
}

// finite maps NaN and infinities (constant inputs) to zero so metrics stay JSON encodable.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
