package model

import (
	"math"

	"github.com/pkg/errors"
)

// AdamW is Adam with decoupled weight decay.
type AdamW struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	m    []float64
	v    []float64
	step int
}

// NewAdamW returns an optimizer for n parameters with the usual betas.
func NewAdamW(n int, weightDecay float64) *AdamW {
	return &AdamW{
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		m:           make([]float64, n),
		v:           make([]float64, n),
	}
}

// Step applies one update with learning rate lr.
func (o *AdamW) Step(params, grad []float64, lr float64) {
	o.step++
	c1 := 1 - math.Pow(o.Beta1, float64(o.step))
	c2 := 1 - math.Pow(o.Beta2, float64(o.step))
	for i, g := range grad {
		o.m[i] = o.Beta1*o.m[i] + (1-o.Beta1)*g
		o.v[i] = o.Beta2*o.v[i] + (1-o.Beta2)*g*g
		mh := o.m[i] / c1
		vh := o.v[i] / c2
		params[i] -= lr * (mh/(math.Sqrt(vh)+o.Eps) + o.WeightDecay*params[i])
	}
}

// Steps is the number of updates applied so far.
func (o *AdamW) Steps() int { return o.step }

// State returns copies of the moment estimates.
func (o *AdamW) State() (m, v []float64, step int) {
	return append([]float64(nil), o.m...), append([]float64(nil), o.v...), o.step
}

// Restore replaces the optimizer state.
func (o *AdamW) Restore(m, v []float64, step int) error {
	if len(m) != len(o.m) || len(v) != len(o.v) {
		return errors.Errorf("model: optimizer state of %d/%d values, want %d", len(m), len(v), len(o.m))
	}
	copy(o.m, m)
	copy(o.v, v)
	o.step = step
	return nil
}
