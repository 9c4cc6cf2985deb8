package tier

import (
	"fmt"
	"math"
	"sort"
)

// JenksBreaks computes Fisher-Jenks natural breaks into k classes by exact
// dynamic programming over the distinct values, weighted by multiplicity, and
// returns the k-1 class boundaries as midpoints between adjacent class
// extremes. Equal values always land in the same class.
func JenksBreaks(values []float64, k int) ([]float64, error) {
	if k < 2 {
		return nil, fmt.Errorf("jenks needs at least 2 classes, got %d", k)
	}

	xs, ws := distinctWeighted(values)
	n := len(xs)
	if n < k {
		return nil, fmt.Errorf("jenks needs %d distinct values, got %d", k, n)
	}

	// prefix sums of weight, weight*x, weight*x^2
	pw := make([]float64, n+1)
	px := make([]float64, n+1)
	pxx := make([]float64, n+1)
	for i := 0; i < n; i++ {
		pw[i+1] = pw[i] + ws[i]
		px[i+1] = px[i] + ws[i]*xs[i]
		pxx[i+1] = pxx[i] + ws[i]*xs[i]*xs[i]
	}

	// ssd of the class holding xs[i..j] inclusive
	ssd := func(i, j int) float64 {
		w := pw[j+1] - pw[i]
		s := px[j+1] - px[i]
		v := pxx[j+1] - pxx[i] - s*s/w
		if v < 0 {
			return 0
		}
		return v
	}

	// cost[c][j]: best total ssd of xs[0..j] split into c+1 classes.
	// start[c][j]: index where the last of those classes begins.
	cost := make([][]float64, k)
	start := make([][]int, k)
	for c := range cost {
		cost[c] = make([]float64, n)
		start[c] = make([]int, n)
		for j := range cost[c] {
			cost[c][j] = math.Inf(1)
		}
	}
	for j := 0; j < n; j++ {
		cost[0][j] = ssd(0, j)
	}

	for c := 1; c < k; c++ {
		for j := c; j < n; j++ {
			for i := c; i <= j; i++ {
				v := cost[c-1][i-1] + ssd(i, j)
				if v < cost[c][j] {
					cost[c][j] = v
					start[c][j] = i
				}
			}
		}
	}

	starts := make([]int, k)
	j := n - 1
	for c := k - 1; c > 0; c-- {
		starts[c] = start[c][j]
		j = starts[c] - 1
	}

	breaks := make([]float64, k-1)
	for c := 1; c < k; c++ {
		breaks[c-1] = (xs[starts[c]-1] + xs[starts[c]]) / 2
	}
	return breaks, nil
}

func distinctWeighted(values []float64) ([]float64, []float64) {
	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			sorted = append(sorted, v)
		}
	}
	sort.Float64s(sorted)

	var xs, ws []float64
	for i, v := range sorted {
		if i > 0 && v == sorted[i-1] {
			ws[len(ws)-1]++
			continue
		}
		xs = append(xs, v)
		ws = append(ws, 1)
	}
	return xs, ws
}
