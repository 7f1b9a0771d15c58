package gptq

import "fmt"

// LinearAnnealingConfig moves a factor linearly from InitialFactor to
// TargetFactor between StartStep and EndStep.
type LinearAnnealingConfig struct {
	InitialFactor float64
	TargetFactor  float64
	StartStep     int
	// EndStep of zero ends the schedule at the last training step.
	EndStep int
}

// Validate checks 0 <= target < initial <= 1 and the step bounds.
func (c LinearAnnealingConfig) Validate() error {
	switch {
	case c.InitialFactor > 1:
		return fmt.Errorf("%w: expected initial_factor <= 1, got %v", ErrInvalidConfig, c.InitialFactor)
	case c.TargetFactor < 0:
		return fmt.Errorf("%w: expected 0 <= target_factor, got %v", ErrInvalidConfig, c.TargetFactor)
	case c.TargetFactor >= c.InitialFactor:
		return fmt.Errorf("%w: expected target_factor < initial_factor, got %v and %v",
			ErrInvalidConfig, c.TargetFactor, c.InitialFactor)
	case c.StartStep < 0:
		return fmt.Errorf("%w: expected start_step >= 0, got %d", ErrInvalidConfig, c.StartStep)
	case c.EndStep != 0 && c.StartStep >= c.EndStep:
		return fmt.Errorf("%w: expected start_step < end_step, got %d and %d", ErrInvalidConfig, c.StartStep, c.EndStep)
	}
	return nil
}

// GradualActivationQuantizationConfig anneals the float share of activation
// outputs during training.
type GradualActivationQuantizationConfig struct {
	Annealing LinearAnnealingConfig
}

// DefaultGradualActivationQuantization starts at a 0.8 float share and ends
// fully quantized.
func DefaultGradualActivationQuantization() *GradualActivationQuantizationConfig {
	return &GradualActivationQuantizationConfig{
		Annealing: LinearAnnealingConfig{InitialFactor: 0.8, TargetFactor: 0},
	}
}

// LinearScheduler evaluates a LinearAnnealingConfig over a fixed number of
// training steps.
type LinearScheduler struct {
	cfg LinearAnnealingConfig
	end int
}

// NewLinearScheduler resolves an open EndStep to totalSteps. The resolved
// end must lie after StartStep.
func NewLinearScheduler(cfg LinearAnnealingConfig, totalSteps int) (*LinearScheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	end := cfg.EndStep
	if end == 0 {
		end = totalSteps
	}
	if end <= cfg.StartStep {
		return nil, fmt.Errorf("%w: start_step %d is not before the end of annealing at step %d",
			ErrInvalidConfig, cfg.StartStep, end)
	}
	return &LinearScheduler{cfg: cfg, end: end}, nil
}

// Factor returns the annealed factor at step.
func (s *LinearScheduler) Factor(step int) float64 {
	switch {
	case step <= s.cfg.StartStep:
		return s.cfg.InitialFactor
	case step >= s.end:
		return s.cfg.TargetFactor
	}
	t := float64(step-s.cfg.StartStep) / float64(s.end-s.cfg.StartStep)
	return s.cfg.InitialFactor + t*(s.cfg.TargetFactor-s.cfg.InitialFactor)
}
