package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	defaultRunConfigPath = "configs/run.yaml"
	defaultRunID         = "relay-run"
	defaultMode          = "sft"
	defaultHFBranch      = "main"

	envRunConfig    = "RELAY_RUN_CONFIG"
	envHubAccessKey = "RELAY_HUB_ACCESS_KEY"
	envHubSecretKey = "RELAY_HUB_SECRET_KEY"
	envHubSecure    = "RELAY_HUB_SECURE"
)

var (
	// ErrMissingCommanderURL is returned when no commander URL is configured.
	ErrMissingCommanderURL = errors.New("commander_url is required")

	// ErrInvalidMode is returned for a training mode other than sft or rl.
	ErrInvalidMode = errors.New("mode must be sft or rl")
)

// Run is the worker's run configuration, read from a YAML file and overlaid
// by environment variables named after the upper-cased keys.
type Run struct {
	CommanderURL   string   `yaml:"commander_url"`
	WorkerID       string   `yaml:"worker_id"`
	RunID          string   `yaml:"run_id"`
	SharedSecret   string   `yaml:"relay_shared_secret"`
	Mode           string   `yaml:"mode"`
	HFRepo         string   `yaml:"hf_repo"`
	HFDryRun       bool     `yaml:"hf_dry_run"`
	HFBranch       string   `yaml:"hf_branch"`
	HubURL         string   `yaml:"hub_url"`
	TrainerCommand []string `yaml:"trainer_command"`
	TrainerDir     string   `yaml:"trainer_dir"`

	HubAccessKey string `yaml:"-"`
	HubSecretKey string `yaml:"-"`
	HubSecure    bool   `yaml:"-"`
}

// DefaultRunConfigPath returns $RELAY_RUN_CONFIG or configs/run.yaml.
func DefaultRunConfigPath() string {
	if v := os.Getenv(envRunConfig); v != "" {
		return v
	}
	return defaultRunConfigPath
}

// LoadRun reads the run configuration at path. A missing file is tolerated;
// the environment alone may supply everything.
func LoadRun(path string) (Run, error) {
	cfg := Run{
		RunID:    defaultRunID,
		Mode:     defaultMode,
		HFDryRun: true,
		HFBranch: defaultHFBranch,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Run{}, fmt.Errorf("read run config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Run{}, fmt.Errorf("parse run config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Run{}, err
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}
	if len(cfg.TrainerCommand) == 0 {
		cfg.TrainerCommand = []string{"bash", fmt.Sprintf("trainer_blackbox/launch_%s.sh", cfg.Mode)}
	}

	if err := cfg.Validate(); err != nil {
		return Run{}, err
	}
	return cfg, nil
}

// Validate checks the fields the worker cannot run without.
func (r Run) Validate() error {
	if strings.TrimSpace(r.CommanderURL) == "" {
		return ErrMissingCommanderURL
	}
	if r.Mode != "sft" && r.Mode != "rl" {
		return fmt.Errorf("%w: %q", ErrInvalidMode, r.Mode)
	}
	if r.RunID == "" {
		return errors.New("run_id must not be empty")
	}
	return nil
}

func (r *Run) applyEnv() error {
	strs := []struct {
		env string
		dst *string
	}{
		{"COMMANDER_URL", &r.CommanderURL},
		{"WORKER_ID", &r.WorkerID},
		{"RUN_ID", &r.RunID},
		{"RELAY_SHARED_SECRET", &r.SharedSecret},
		{"MODE", &r.Mode},
		{"HF_REPO", &r.HFRepo},
		{"HF_BRANCH", &r.HFBranch},
		{"HUB_URL", &r.HubURL},
		{"TRAINER_DIR", &r.TrainerDir},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.dst = v
		}
	}

	if v := os.Getenv("TRAINER_COMMAND"); v != "" {
		r.TrainerCommand = strings.Fields(v)
	}
	if err := envBool("HF_DRY_RUN", &r.HFDryRun); err != nil {
		return err
	}
	hub, err := LoadHubCredentials()
	if err != nil {
		return err
	}
	r.HubAccessKey, r.HubSecretKey, r.HubSecure = hub.AccessKey, hub.SecretKey, hub.Secure
	r.Mode = strings.ToLower(r.Mode)
	return nil
}

// HubCredentials authenticate against an object-store artifact hub.
type HubCredentials struct {
	AccessKey string
	SecretKey string
	Secure    bool
}

// LoadHubCredentials reads RELAY_HUB_ACCESS_KEY, RELAY_HUB_SECRET_KEY and
// RELAY_HUB_SECURE.
func LoadHubCredentials() (HubCredentials, error) {
	c := HubCredentials{
		AccessKey: os.Getenv(envHubAccessKey),
		SecretKey: os.Getenv(envHubSecretKey),
	}
	if err := envBool(envHubSecure, &c.Secure); err != nil {
		return HubCredentials{}, err
	}
	return c, nil
}

func defaultWorkerID() string {
	if h := os.Getenv("HOSTNAME"); h != "" {
		return h
	}
	return "relay-worker-" + uuid.NewString()[:8]
}
