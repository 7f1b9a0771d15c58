// Package mixedprecision selects one candidate configuration per
// configurable node so that the quantized model fits a resource budget while
// keeping the output distortion low.
package mixedprecision

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInfeasible    = errors.New("mixedprecision: no candidate assignment satisfies the resource budget")
	ErrInvalidConfig = errors.New("mixedprecision: invalid configuration")
	ErrInvalidBudget = errors.New("mixedprecision: invalid resource utilization")
)

// ResourceUtilization is a resource budget, or the usage of an assignment.
// Memory is in bytes. +Inf leaves a resource unconstrained.
type ResourceUtilization struct {
	WeightsMemory    float64 `yaml:"weights_memory" json:"weights_memory"`
	ActivationMemory float64 `yaml:"activation_memory" json:"activation_memory"`
	TotalMemory      float64 `yaml:"total_memory" json:"total_memory"`
	BOPS             float64 `yaml:"bops" json:"bops"`
}

// Unconstrained returns a budget with every resource set to +Inf.
func Unconstrained() ResourceUtilization {
	inf := math.Inf(1)
	return ResourceUtilization{WeightsMemory: inf, ActivationMemory: inf, TotalMemory: inf, BOPS: inf}
}

// IsUnconstrained reports whether no resource is bounded.
func (r ResourceUtilization) IsUnconstrained() bool {
	return math.IsInf(r.WeightsMemory, 1) && math.IsInf(r.ActivationMemory, 1) &&
		math.IsInf(r.TotalMemory, 1) && math.IsInf(r.BOPS, 1)
}

// Validate rejects negative and NaN entries.
func (r ResourceUtilization) Validate() error {
	for _, v := range []struct {
		name string
		val  float64
	}{
		{"weights_memory", r.WeightsMemory},
		{"activation_memory", r.ActivationMemory},
		{"total_memory", r.TotalMemory},
		{"bops", r.BOPS},
	} {
		if math.IsNaN(v.val) || v.val < 0 {
			return fmt.Errorf("%w: %s = %v", ErrInvalidBudget, v.name, v.val)
		}
	}
	return nil
}

// Fits reports whether usage u stays within the budget r.
func (r ResourceUtilization) Fits(u ResourceUtilization) bool {
	const slack = 1e-9
	return u.WeightsMemory <= r.WeightsMemory*(1+slack) &&
		u.ActivationMemory <= r.ActivationMemory*(1+slack) &&
		u.TotalMemory <= r.TotalMemory*(1+slack) &&
		u.BOPS <= r.BOPS*(1+slack)
}

// excess sums the relative amounts by which u exceeds r.
func (r ResourceUtilization) excess(u ResourceUtilization) float64 {
	over := func(used, budget float64) float64 {
		if used <= budget {
			return 0
		}
		return (used - budget) / math.Max(budget, 1)
	}
	return over(u.WeightsMemory, r.WeightsMemory) +
		over(u.ActivationMemory, r.ActivationMemory) +
		over(u.TotalMemory, r.TotalMemory) +
		over(u.BOPS, r.BOPS)
}
