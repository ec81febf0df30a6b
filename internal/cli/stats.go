package cli

import (
	"fmt"
	"io"
	"math"
	"slices"
	"time"

	"github.com/fatih/color"
)

// Summary describes a latency distribution.
type Summary struct {
	Count  int
	Failed int
	Min    time.Duration
	Mean   time.Duration
	P50    time.Duration
	P90    time.Duration
	P99    time.Duration
	Max    time.Duration
}

// Summarize computes nearest-rank percentiles over samples.
func Summarize(samples []time.Duration, failed int) Summary {
	s := Summary{Count: len(samples), Failed: failed}
	if len(samples) == 0 {
		return s
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	s.Min = sorted[0]
	s.Max = sorted[len(sorted)-1]
	s.Mean = time.Duration(int64(math.Round(float64(total) / float64(len(sorted)))))
	s.P50 = percentile(sorted, 50)
	s.P90 = percentile(sorted, 90)
	s.P99 = percentile(sorted, 99)
	return s
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p * float64(len(sorted)) / 100))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// Print writes the summary, highlighting a p90 above target.
func (s Summary) Print(w io.Writer, target time.Duration) {
	if s.Count == 0 {
		fmt.Fprintf(w, "no samples collected (%d failed)\n", s.Failed)
		return
	}
	fmt.Fprintf(w, "Samples: %d (failed %d)\n", s.Count, s.Failed)
	fmt.Fprintf(w, "Min: %s  Mean: %s  Max: %s\n", s.Min, s.Mean, s.Max)

	p90 := color.New(color.FgGreen)
	if target > 0 && s.P90 > target {
		p90 = color.New(color.FgRed)
	}
	fmt.Fprintf(w, "p50: %s  ", s.P50)
	p90.Fprintf(w, "p90: %s", s.P90)
	fmt.Fprintf(w, "  p99: %s\n", s.P99)
}
