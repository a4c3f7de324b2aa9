package diffusion

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SpaceTimesteps picks which of numSteps original steps to keep.
//
// sectionCounts is either "ddimN", which keeps N evenly strided steps, or a
// comma-separated list of counts: the original range is split into that many
// equal sections and each section keeps its count of evenly spaced steps.
// An empty string keeps every step.
func SpaceTimesteps(numSteps int, sectionCounts string) ([]int, error) {
	if sectionCounts == "" {
		all := make([]int, numSteps)
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	if strings.HasPrefix(sectionCounts, "ddim") {
		want, err := strconv.Atoi(strings.TrimPrefix(sectionCounts, "ddim"))
		if err != nil {
			return nil, errors.Wrapf(err, "diffusion: respacing %q", sectionCounts)
		}
		for stride := 1; stride < numSteps; stride++ {
			var steps []int
			for i := 0; i < numSteps; i += stride {
				steps = append(steps, i)
			}
			if len(steps) == want {
				return steps, nil
			}
		}
		return nil, errors.Errorf("diffusion: cannot create exactly %d steps with an integer stride", want)
	}

	var counts []int
	for _, part := range strings.Split(sectionCounts, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "diffusion: respacing %q", sectionCounts)
		}
		counts = append(counts, n)
	}
	sizePer := numSteps / len(counts)
	extra := numSteps % len(counts)
	start := 0
	var steps []int
	for i, count := range counts {
		size := sizePer
		if i < extra {
			size++
		}
		if size < count {
			return nil, errors.Errorf("diffusion: cannot divide section of %d steps into %d", size, count)
		}
		frac := 1.0
		if count > 1 {
			frac = float64(size-1) / float64(count-1)
		}
		cur := 0.0
		for j := 0; j < count; j++ {
			steps = append(steps, start+int(cur+0.5))
			cur += frac
		}
		start += size
	}
	sort.Ints(steps)
	return dedup(steps), nil
}

func dedup(sorted []int) []int {
	out := sorted[:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return out
}
