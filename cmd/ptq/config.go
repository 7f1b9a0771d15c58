package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the ptq configuration file (~/.config/ptq/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	CoreConfig string `yaml:"core_config"`
	Dataset    string `yaml:"dataset"`

	// Calibration defaults
	CalibBatches   *int64 `yaml:"calib_batches"`
	CalibBatchSize *int64 `yaml:"calib_batch_size"`
	Seed           *int64 `yaml:"seed"`

	// Target platform
	WeightsMethod    string `yaml:"weights_method"`
	WeightsBits      *int64 `yaml:"weights_bits"`
	PerChannel       *bool  `yaml:"per_channel"`
	ActivationMethod string `yaml:"activation_method"`
	ActivationBits   *int64 `yaml:"activation_bits"`

	// Mixed precision
	MPWeightsBits        []int64  `yaml:"mp_weights_bits"`
	MPActivationBits     []int64  `yaml:"mp_activation_bits"`
	MPWeightsCompression *float64 `yaml:"mp_weights_compression"`
	ActivationBitsFor    []string `yaml:"activation_bits_for"`

	GPTQ GPTQConfig `yaml:"gptq"`

	// Output
	FloatDType string `yaml:"float_dtype"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	MetricsOut string `yaml:"metrics_out"`
}

// GPTQConfig holds the gradient-based refinement defaults.
type GPTQConfig struct {
	Epochs         *int64   `yaml:"epochs"`
	LR             *float64 `yaml:"lr"`
	Optimizer      string   `yaml:"optimizer"`
	TrainBias      *bool    `yaml:"train_bias"`
	HessianWeights *bool    `yaml:"hessian_weights"`
	HessianSamples *int64   `yaml:"hessian_samples"`
	Gradual        *bool    `yaml:"gradual_activation"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "ptq", "config.yaml")
}

// LoadConfig reads the config file at path, or the default location when
// path is empty. A missing default file yields a zero Config; a missing
// explicit file is an error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// applyLoggingConfig applies config file logging defaults when the flags
// were not set on the command line.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	if cfg.MetricsOut != "" && !c.IsSet("metrics-out") {
		metricsOut = cfg.MetricsOut
	}
}

// applyQuantizeConfig applies config file defaults to the quantize options
// when the corresponding CLI flag was not explicitly set.
func applyQuantizeConfig(c *cli.Command, cfg Config, o *quantizeOptions) {
	setString := func(flag, v string, dst *string) {
		if v != "" && !c.IsSet(flag) {
			*dst = v
		}
	}
	setInt := func(flag string, v *int64, dst *int64) {
		if v != nil && !c.IsSet(flag) {
			*dst = *v
		}
	}
	setBool := func(flag string, v *bool, dst *bool) {
		if v != nil && !c.IsSet(flag) {
			*dst = *v
		}
	}

	setString("core-config", cfg.CoreConfig, &o.coreConfig)
	setString("dataset", cfg.Dataset, &o.dataset)
	setInt("calib-batches", cfg.CalibBatches, &o.calibBatches)
	setInt("calib-batch-size", cfg.CalibBatchSize, &o.calibBatchSize)
	setInt("seed", cfg.Seed, &o.seed)

	setString("weights-method", cfg.WeightsMethod, &o.weightsMethod)
	setInt("weights-bits", cfg.WeightsBits, &o.weightsBits)
	setBool("per-channel", cfg.PerChannel, &o.perChannel)
	setString("activation-method", cfg.ActivationMethod, &o.activationMethod)
	setInt("activation-bits", cfg.ActivationBits, &o.activationBits)

	if len(cfg.MPWeightsBits) > 0 && !c.IsSet("mp-weights-bits") {
		o.mpWeightsBits = cfg.MPWeightsBits
	}
	if len(cfg.MPActivationBits) > 0 && !c.IsSet("mp-activation-bits") {
		o.mpActivationBits = cfg.MPActivationBits
	}
	if cfg.MPWeightsCompression != nil && !c.IsSet("mp-weights-compression") {
		o.mpWeightsCompression = *cfg.MPWeightsCompression
	}
	if len(cfg.ActivationBitsFor) > 0 && !c.IsSet("activation-bits-for") {
		o.activationBitsFor = cfg.ActivationBitsFor
	}

	setInt("gptq-epochs", cfg.GPTQ.Epochs, &o.gptqEpochs)
	if cfg.GPTQ.LR != nil && !c.IsSet("gptq-lr") {
		o.gptqLR = *cfg.GPTQ.LR
	}
	setString("gptq-optimizer", cfg.GPTQ.Optimizer, &o.gptqOptimizer)
	setBool("gptq-train-bias", cfg.GPTQ.TrainBias, &o.gptqTrainBias)
	setBool("gptq-hessian-weights", cfg.GPTQ.HessianWeights, &o.gptqHessianWeights)
	setInt("gptq-hessian-samples", cfg.GPTQ.HessianSamples, &o.gptqHessianSamples)
	setBool("gptq-gradual", cfg.GPTQ.Gradual, &o.gptqGradual)

	setString("float-dtype", cfg.FloatDType, &o.floatDType)
}
