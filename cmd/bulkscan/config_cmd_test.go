package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hmcts/bulk-scan-processor-sub002"
)

func TestConfigGenStdout(t *testing.T) {
	isolateConfig(t)
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &doc); err != nil {
		t.Fatalf("parse generated yaml: %v", err)
	}
	if doc["store"] != bulkscan.DefaultStore {
		t.Fatalf("unexpected store %v", doc["store"])
	}
	if doc["max-zip-bytes"] != humanizeBytes(bulkscan.DefaultMaxZipBytes) {
		t.Fatalf("unexpected max-zip-bytes %v", doc["max-zip-bytes"])
	}
	if doc["poll-interval"] != bulkscan.DefaultPollInterval.String() {
		t.Fatalf("unexpected poll-interval %v", doc["poll-interval"])
	}
	if _, ok := doc["containers"].([]any); !ok {
		t.Fatalf("expected containers list, got %T", doc["containers"])
	}
}

func TestConfigGenRoundTrip(t *testing.T) {
	dir := isolateConfig(t)
	out := filepath.Join(dir, "nested", "config.yaml")
	stdout, _, err := executeRootCommand(t, "config", "gen", "--out", out)
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if !strings.Contains(stdout, out) {
		t.Fatalf("expected path in output, got %q", stdout)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}

	v := viper.New()
	v.SetConfigFile(out)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("read config: %v", err)
	}
	cfg, err := bindConfig(v)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("generated config must validate: %v", err)
	}
	want := bulkscan.DefaultConfig()
	if len(cfg.Containers) != 1 || cfg.Containers[0].Container != want.Containers[0].Container || !cfg.Containers[0].Enabled {
		t.Fatalf("unexpected containers %+v", cfg.Containers)
	}
	if cfg.MaxZipBytes != want.MaxZipBytes || cfg.LeaseDuration != want.LeaseDuration || cfg.MaxRetries != want.MaxRetries {
		t.Fatalf("round trip lost defaults: %+v", cfg)
	}

	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
}

func TestConfigGenFlagsAreMutuallyExclusive(t *testing.T) {
	isolateConfig(t)
	_, _, err := executeRootCommand(t, "config", "gen", "--stdout", "--out", "x.yaml")
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("expected mutually exclusive error, got %v", err)
	}
}

func TestConfigFileRules(t *testing.T) {
	dir := isolateConfig(t)
	path := filepath.Join(dir, "rules.yaml")
	data := []byte(`containers:
  - container: sscs
    jurisdiction: SSCS
    po_boxes: ["12625"]
  - container: probate
    enabled: false
max-retries: 3
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	c := &cli{v: viper.New()}
	c.v.Set("config", path)
	if _, err := c.loadConfigFile(); err != nil {
		t.Fatalf("load config file: %v", err)
	}
	cfg, err := bindConfig(c.v)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if len(cfg.Containers) != 2 {
		t.Fatalf("unexpected containers %+v", cfg.Containers)
	}
	if !cfg.Containers[0].Enabled || cfg.Containers[0].Jurisdiction != "SSCS" || len(cfg.Containers[0].PoBoxes) != 1 {
		t.Fatalf("unexpected first rule %+v", cfg.Containers[0])
	}
	if cfg.Containers[1].Enabled {
		t.Fatalf("probate must stay disabled")
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("unexpected max retries %d", cfg.MaxRetries)
	}
}

func TestLoadConfigFileMissingExplicit(t *testing.T) {
	dir := isolateConfig(t)
	c := &cli{v: viper.New()}
	c.v.Set("config", filepath.Join(dir, "missing.yaml"))
	if _, err := c.loadConfigFile(); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
	c = &cli{v: viper.New()}
	if path, err := c.loadConfigFile(); err != nil || path != "" {
		t.Fatalf("absent default config should be ignored, got %q %v", path, err)
	}
}
