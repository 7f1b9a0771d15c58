package gptq

import "math"

// Param is one trainable vector with its gradient from the latest step.
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
}

// ZeroGrad clears the gradient.
func (p *Param) ZeroGrad() {
	clear(p.Grad)
}

func newParam(name string, v []float64) *Param {
	return &Param{Name: name, Value: v, Grad: make([]float64, len(v))}
}

// Optimizer updates a fixed set of parameters from their gradients.
type Optimizer interface {
	Step()
	Params() []*Param
}

// NewOptimizer builds the optimizer described by cfg over params.
func NewOptimizer(cfg OptimizerConfig, params []*Param) Optimizer {
	if cfg.Kind == SGD {
		return &sgd{cfg: cfg, params: params, velocity: buffers(params)}
	}
	return &adam{cfg: cfg, params: params, m: buffers(params), v: buffers(params)}
}

func buffers(params []*Param) [][]float64 {
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = make([]float64, len(p.Value))
	}
	return out
}

type adam struct {
	cfg    OptimizerConfig
	params []*Param
	m, v   [][]float64
	t      int
}

func (a *adam) Params() []*Param { return a.params }

func (a *adam) Step() {
	if len(a.params) == 0 {
		return
	}
	a.t++
	c1 := 1 - math.Pow(a.cfg.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.cfg.Beta2, float64(a.t))
	for i, p := range a.params {
		m, v := a.m[i], a.v[i]
		for j, g := range p.Grad {
			m[j] = a.cfg.Beta1*m[j] + (1-a.cfg.Beta1)*g
			v[j] = a.cfg.Beta2*v[j] + (1-a.cfg.Beta2)*g*g
			p.Value[j] -= a.cfg.LR * (m[j] / c1) / (math.Sqrt(v[j]/c2) + a.cfg.Epsilon)
		}
	}
}

type sgd struct {
	cfg      OptimizerConfig
	params   []*Param
	velocity [][]float64
}

func (s *sgd) Params() []*Param { return s.params }

func (s *sgd) Step() {
	for i, p := range s.params {
		vel := s.velocity[i]
		for j, g := range p.Grad {
			vel[j] = s.cfg.Momentum*vel[j] + g
			p.Value[j] -= s.cfg.LR * vel[j]
		}
	}
}
