package mixedprecision

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"

	"github.com/samcharles93/ptq/internal/metrics"
)

const simplexTol = 1e-10

// constraint is sum(coef[v]*x[v]) <= rhs over the flattened candidate
// variables.
type constraint struct {
	coef []float64
	rhs  float64
}

// Search returns one candidate index per node of p minimizing the summed
// sensitivity under budget. It solves the LP relaxation, rounds it and
// repairs the rounding greedily. ErrInfeasible is returned when no
// assignment fits.
func Search(p *Problem, budget ResourceUtilization) ([]int, error) {
	defer func(start time.Time) { metrics.RecordMixedPrecisionSearch(time.Since(start)) }(time.Now())

	if err := budget.Validate(); err != nil {
		return nil, err
	}
	if len(p.Nodes) == 0 {
		if !budget.Fits(p.Usage(nil)) {
			return nil, ErrInfeasible
		}
		return []int{}, nil
	}

	offsets := make([]int, len(p.Candidates))
	nvars := 0
	for i, c := range p.Candidates {
		offsets[i] = nvars
		nvars += len(c)
	}
	cons, ok := constraints(p, budget, offsets, nvars)
	if !ok {
		return nil, ErrInfeasible
	}

	assign := p.MaxBits()
	if len(cons) == 0 {
		assign = bestPerNode(p)
	} else if x, err := solveRelaxation(p, cons, offsets, nvars); err == nil {
		assign = round(p, x, offsets)
	} else if errors.Is(err, lp.ErrInfeasible) {
		return nil, ErrInfeasible
	}

	assign = repair(p, budget, assign)
	if !budget.Fits(p.Usage(assign)) {
		return nil, ErrInfeasible
	}
	return improve(p, budget, assign), nil
}

// constraints linearizes the budget. The activation budget bounds every
// node output, so it becomes one row per configurable node, and the total
// memory budget one row per node on top of the weights sum. It reports false
// when the fixed usage alone exceeds the budget.
func constraints(p *Problem, budget ResourceUtilization, offsets []int, nvars int) ([]constraint, bool) {
	var cons []constraint
	row := func(f func(c Candidate) float64) []float64 {
		coef := make([]float64, nvars)
		for i, cands := range p.Candidates {
			for j, c := range cands {
				coef[offsets[i]+j] = f(c)
			}
		}
		return coef
	}
	weights := func(c Candidate) float64 { return c.WeightsBytes }

	if !math.IsInf(budget.WeightsMemory, 1) {
		cons = append(cons, constraint{row(weights), budget.WeightsMemory - p.FixedWeights})
	}
	if !math.IsInf(budget.ActivationMemory, 1) {
		if p.FixedActivation > budget.ActivationMemory {
			return nil, false
		}
		for i, cands := range p.Candidates {
			coef := make([]float64, nvars)
			for j, c := range cands {
				coef[offsets[i]+j] = c.ActivationBytes
			}
			cons = append(cons, constraint{coef, budget.ActivationMemory})
		}
	}
	if !math.IsInf(budget.TotalMemory, 1) {
		cons = append(cons, constraint{row(weights), budget.TotalMemory - p.FixedWeights - p.FixedActivation})
		for i, cands := range p.Candidates {
			coef := row(weights)
			for j, c := range cands {
				coef[offsets[i]+j] += c.ActivationBytes
			}
			cons = append(cons, constraint{coef, budget.TotalMemory - p.FixedWeights})
		}
	}
	if !math.IsInf(budget.BOPS, 1) {
		cons = append(cons, constraint{row(func(c Candidate) float64 { return c.BOPS }), budget.BOPS - p.FixedBOPS})
	}
	for _, c := range cons {
		if c.rhs < 0 {
			return nil, false
		}
	}
	return cons, true
}

// solveRelaxation solves min s.x subject to one-hot rows per node and the
// budget rows, with a slack variable per budget row.
func solveRelaxation(p *Problem, cons []constraint, offsets []int, nvars int) ([]float64, error) {
	rows := len(p.Candidates) + len(cons)
	cols := nvars + len(cons)
	c := make([]float64, cols)
	for i, cands := range p.Candidates {
		for j, cand := range cands {
			c[offsets[i]+j] = cand.Sensitivity
		}
	}
	A := mat.NewDense(rows, cols, nil)
	b := make([]float64, rows)
	for i, cands := range p.Candidates {
		for j := range cands {
			A.Set(i, offsets[i]+j, 1)
		}
		b[i] = 1
	}
	for k, con := range cons {
		r := len(p.Candidates) + k
		for v, a := range con.coef {
			A.Set(r, v, a)
		}
		A.Set(r, nvars+k, 1)
		b[r] = con.rhs
	}
	_, x, err := lp.Simplex(c, A, b, simplexTol, nil)
	if err != nil {
		return nil, fmt.Errorf("mixedprecision: simplex: %w", err)
	}
	return x[:nvars], nil
}

func bestPerNode(p *Problem) []int {
	assign := make([]int, len(p.Candidates))
	for i, cands := range p.Candidates {
		for j, c := range cands {
			if c.Sensitivity < cands[assign[i]].Sensitivity {
				assign[i] = j
			}
		}
	}
	return assign
}

// round picks the candidate with the largest relaxed weight, preferring the
// earlier (wider) candidate on ties.
func round(p *Problem, x []float64, offsets []int) []int {
	assign := make([]int, len(p.Candidates))
	for i, cands := range p.Candidates {
		best := -1.0
		for j := range cands {
			if v := x[offsets[i]+j]; v > best+simplexTol {
				best, assign[i] = v, j
			}
		}
	}
	return assign
}

// repair moves nodes to cheaper candidates until the assignment fits,
// each time taking the move with the smallest sensitivity increase per unit
// of excess removed.
func repair(p *Problem, budget ResourceUtilization, assign []int) []int {
	assign = append([]int(nil), assign...)
	for {
		ex := budget.excess(p.Usage(assign))
		if ex == 0 {
			return assign
		}
		bi, bj, bestScore := -1, -1, math.Inf(1)
		for i, cands := range p.Candidates {
			cur := assign[i]
			for j := range cands {
				if j == cur {
					continue
				}
				assign[i] = j
				gain := ex - budget.excess(p.Usage(assign))
				assign[i] = cur
				if gain <= 0 {
					continue
				}
				score := (cands[j].Sensitivity - cands[cur].Sensitivity) / gain
				if score < bestScore {
					bi, bj, bestScore = i, j, score
				}
			}
		}
		if bi < 0 {
			return assign
		}
		assign[bi] = bj
	}
}

// improve applies the move of one or two nodes that lowers the objective
// most while staying in budget, until no such move is left.
func improve(p *Problem, budget ResourceUtilization, assign []int) []int {
	type move struct{ i, j int }
	var moves []move
	for i, cands := range p.Candidates {
		for j := range cands {
			moves = append(moves, move{i, j})
		}
	}
	for {
		cur := p.Objective(assign)
		var best []move
		bestObj := cur
		try := func(ms ...move) {
			saved := make([]int, len(ms))
			for k, m := range ms {
				saved[k] = assign[m.i]
				assign[m.i] = m.j
			}
			if obj := p.Objective(assign); obj < bestObj-simplexTol && budget.Fits(p.Usage(assign)) {
				best, bestObj = append([]move(nil), ms...), obj
			}
			for k := len(ms) - 1; k >= 0; k-- {
				assign[ms[k].i] = saved[k]
			}
		}
		for a, m := range moves {
			if assign[m.i] == m.j {
				continue
			}
			try(m)
			for _, n := range moves[a+1:] {
				if n.i != m.i && assign[n.i] != n.j {
					try(m, n)
				}
			}
		}
		if best == nil {
			return assign
		}
		for _, m := range best {
			assign[m.i] = m.j
		}
	}
}
