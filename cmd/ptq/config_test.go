package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/urfave/cli/v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
weights_method: symmetric
weights_bits: 4
per_channel: false
mp_weights_bits: [8, 4]
gptq:
  epochs: 3
  optimizer: sgd
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.WeightsMethod != "symmetric" || *cfg.WeightsBits != 4 || *cfg.PerChannel {
		t.Fatalf("platform fields = %+v", cfg)
	}
	if diff := cmp.Diff([]int64{8, 4}, cfg.MPWeightsBits); diff != "" {
		t.Fatalf("mp bits:\n%s", diff)
	}
	if *cfg.GPTQ.Epochs != 3 || cfg.GPTQ.Optimizer != "sgd" || cfg.GPTQ.LR != nil {
		t.Fatalf("gptq = %+v", cfg.GPTQ)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("explicit missing config must fail")
	}
	if _, err := LoadConfig(writeConfig(t, "weights_bits: [")); err == nil {
		t.Fatal("malformed config must fail")
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	four, three := int64(4), int64(3)
	lr := 0.01
	off := false
	cfg := Config{
		WeightsBits:  &four,
		CalibBatches: &three,
		PerChannel:   &off,
		Dataset:      "calib.json",
		GPTQ:         GPTQConfig{LR: &lr, Optimizer: "sgd"},
	}

	o := &quantizeOptions{}
	cmd := &cli.Command{
		Name:  "quantize",
		Flags: quantizeFlags(o),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyQuantizeConfig(c, cfg, o)
			return nil
		},
	}
	args := []string{"quantize", "--weights-bits", "6", "--gptq-optimizer", "adam"}
	if err := cmd.Run(context.Background(), args); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if o.weightsBits != 6 {
		t.Errorf("weights bits = %d, flag must win", o.weightsBits)
	}
	if o.gptqOptimizer != "adam" {
		t.Errorf("optimizer = %q, flag must win", o.gptqOptimizer)
	}
	if o.calibBatches != 3 || o.perChannel || o.dataset != "calib.json" || o.gptqLR != 0.01 {
		t.Errorf("config defaults not applied: %+v", o)
	}
	if o.activationBits != 8 || o.weightsMethod != "pot" {
		t.Errorf("flag defaults lost: %+v", o)
	}
}

func TestNewLogger(t *testing.T) {
	defer func(level, format string) { logLevel, logFormat = level, format }(logLevel, logFormat)

	logLevel, logFormat = "warn", "json"
	var buf bytes.Buffer
	log, err := newLogger(&buf)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("hidden")
	log.Warn("shown")
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("json logger output: %s", out)
	}

	logFormat = "xml"
	if _, err := newLogger(&buf); !errors.Is(err, errUsage) {
		t.Fatalf("unknown format error = %v", err)
	}
	logLevel, logFormat = "loud", "pretty"
	if _, err := newLogger(&buf); err == nil {
		t.Fatal("unknown level must fail")
	}
}
