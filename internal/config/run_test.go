package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func clearRunEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"COMMANDER_URL", "WORKER_ID", "RUN_ID", "RELAY_SHARED_SECRET", "MODE",
		"HF_REPO", "HF_DRY_RUN", "HF_BRANCH", "HUB_URL", "TRAINER_COMMAND",
		"TRAINER_DIR", "HOSTNAME", envRunConfig, envHubAccessKey, envHubSecretKey, envHubSecure,
	} {
		t.Setenv(name, "")
	}
}

func writeRunConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRunFromFile(t *testing.T) {
	clearRunEnv(t)
	path := writeRunConfig(t, `
commander_url: http://commander:8080
worker_id: gpu-box-1
run_id: llama-sft
mode: rl
hf_repo: org/llama
hf_dry_run: false
hub_url: s3://minio:9000
trainer_command: ["python", "train.py"]
trainer_dir: /opt/trainer
`)

	cfg, err := LoadRun(path)
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}

	if cfg.CommanderURL != "http://commander:8080" || cfg.WorkerID != "gpu-box-1" || cfg.RunID != "llama-sft" {
		t.Errorf("identity = %+v", cfg)
	}
	if cfg.Mode != "rl" || cfg.HFRepo != "org/llama" || cfg.HFDryRun {
		t.Errorf("mode/hf = %q %q %v", cfg.Mode, cfg.HFRepo, cfg.HFDryRun)
	}
	if cfg.HFBranch != "main" {
		t.Errorf("HFBranch = %q, want main", cfg.HFBranch)
	}
	if strings.Join(cfg.TrainerCommand, " ") != "python train.py" || cfg.TrainerDir != "/opt/trainer" {
		t.Errorf("trainer = %v in %q", cfg.TrainerCommand, cfg.TrainerDir)
	}
}

func TestLoadRunEnvOverridesFile(t *testing.T) {
	clearRunEnv(t)
	path := writeRunConfig(t, "commander_url: http://file:8080\nrun_id: from-file\n")
	t.Setenv("COMMANDER_URL", "http://env:8080")
	t.Setenv("HF_DRY_RUN", "false")
	t.Setenv("TRAINER_COMMAND", "bash run.sh --fast")
	t.Setenv(envHubAccessKey, "ak")
	t.Setenv(envHubSecure, "true")

	cfg, err := LoadRun(path)
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if cfg.CommanderURL != "http://env:8080" {
		t.Errorf("CommanderURL = %q", cfg.CommanderURL)
	}
	if cfg.RunID != "from-file" {
		t.Errorf("RunID = %q", cfg.RunID)
	}
	if cfg.HFDryRun {
		t.Error("HFDryRun = true, want false")
	}
	if len(cfg.TrainerCommand) != 3 || cfg.TrainerCommand[2] != "--fast" {
		t.Errorf("TrainerCommand = %v", cfg.TrainerCommand)
	}
	if cfg.HubAccessKey != "ak" || !cfg.HubSecure {
		t.Errorf("hub credentials = %q secure=%v", cfg.HubAccessKey, cfg.HubSecure)
	}
}

func TestLoadRunMissingFileUsesDefaults(t *testing.T) {
	clearRunEnv(t)
	t.Setenv("COMMANDER_URL", "http://localhost:8080")

	cfg, err := LoadRun(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if cfg.RunID != "relay-run" || cfg.Mode != "sft" || !cfg.HFDryRun {
		t.Errorf("defaults = %+v", cfg)
	}
	if !strings.HasPrefix(cfg.WorkerID, "relay-worker-") || len(cfg.WorkerID) != len("relay-worker-")+8 {
		t.Errorf("WorkerID = %q", cfg.WorkerID)
	}
	want := []string{"bash", "trainer_blackbox/launch_sft.sh"}
	if strings.Join(cfg.TrainerCommand, " ") != strings.Join(want, " ") {
		t.Errorf("TrainerCommand = %v, want %v", cfg.TrainerCommand, want)
	}
}

func TestLoadRunHostnameWorkerID(t *testing.T) {
	clearRunEnv(t)
	t.Setenv("COMMANDER_URL", "http://localhost:8080")
	t.Setenv("HOSTNAME", "node-7")

	cfg, err := LoadRun("")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if cfg.WorkerID != "node-7" {
		t.Errorf("WorkerID = %q, want node-7", cfg.WorkerID)
	}
}

func TestLoadRunValidation(t *testing.T) {
	clearRunEnv(t)

	if _, err := LoadRun(""); !errors.Is(err, ErrMissingCommanderURL) {
		t.Errorf("missing url: err = %v, want ErrMissingCommanderURL", err)
	}

	t.Setenv("COMMANDER_URL", "http://localhost:8080")
	t.Setenv("MODE", "pretrain")
	if _, err := LoadRun(""); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("bad mode: err = %v, want ErrInvalidMode", err)
	}
}

func TestLoadRunMalformedYAML(t *testing.T) {
	clearRunEnv(t)
	path := writeRunConfig(t, "commander_url: [unterminated\n")

	if _, err := LoadRun(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDefaultRunConfigPath(t *testing.T) {
	clearRunEnv(t)
	if got := DefaultRunConfigPath(); got != "configs/run.yaml" {
		t.Errorf("DefaultRunConfigPath = %q", got)
	}
	t.Setenv(envRunConfig, "/etc/relay/run.yaml")
	if got := DefaultRunConfigPath(); got != "/etc/relay/run.yaml" {
		t.Errorf("DefaultRunConfigPath = %q", got)
	}
}

func TestLoadHubCredentials(t *testing.T) {
	clearRunEnv(t)
	t.Setenv(envHubAccessKey, "ak")
	t.Setenv(envHubSecretKey, "sk")
	t.Setenv(envHubSecure, "yes")

	got, err := LoadHubCredentials()
	if err != nil {
		t.Fatalf("LoadHubCredentials: %v", err)
	}
	want := HubCredentials{AccessKey: "ak", SecretKey: "sk", Secure: true}
	if got != want {
		t.Errorf("LoadHubCredentials = %+v, want %+v", got, want)
	}

	t.Setenv(envHubSecure, "maybe")
	if _, err := LoadHubCredentials(); err == nil {
		t.Error("expected error for invalid RELAY_HUB_SECURE")
	}
}
