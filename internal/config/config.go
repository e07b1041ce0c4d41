package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/seantiz/relay/internal/model"
)

const (
	defaultListenAddr        = ":8080"
	defaultStatePath         = "commander_state.json"
	defaultStateBackend      = "file"
	defaultLeaseSeconds      = 3600
	defaultL1Root            = "/mnt/relay"
	defaultCkptIntervalSec   = 600
	defaultCkptKeepLastN     = 3
	defaultHFSyncIntervalSec = 14400

	envListenAddr      = "RELAY_LISTEN_ADDR"
	envPort            = "PORT"
	envStatePath       = "RELAY_COMMANDER_STATE"
	envStateBackend    = "RELAY_STATE_BACKEND"
	envLeaseSeconds    = "RELAY_LEASE_SECONDS"
	envSharedSecret    = "RELAY_SHARED_SECRET"
	envL1Root          = "RELAY_L1_ROOT"
	envCkptInterval    = "RELAY_CKPT_INTERVAL"
	envCkptKeepLastN   = "RELAY_CKPT_KEEP_LAST_N"
	envHFSyncInterval  = "RELAY_HF_SYNC_INTERVAL"
	envHFRepo          = "RELAY_HF_REPO"
	envHFPushOnImprove = "RELAY_HF_PUSH_ON_IMPROVE"
	envLogLevel        = "RELAY_LOG_LEVEL"
)

// Commander holds the lease authority configuration loaded from environment
// variables.
type Commander struct {
	ListenAddr   string
	StatePath    string
	StateBackend string
	LeaseSeconds int
	SharedSecret string
	LogLevel     slog.Level

	L1Root            string
	CkptIntervalSec   int
	CkptKeepLastN     int
	HFSyncIntervalSec int
	HFRepo            string
	HFPushOnImprove   bool
}

// LoadCommander reads commander configuration from environment variables
// with sensible defaults. Malformed numbers are reported as errors.
func LoadCommander() (Commander, error) {
	cfg := Commander{
		ListenAddr:        defaultListenAddr,
		StatePath:         defaultStatePath,
		StateBackend:      defaultStateBackend,
		LeaseSeconds:      defaultLeaseSeconds,
		LogLevel:          slog.LevelInfo,
		L1Root:            defaultL1Root,
		CkptIntervalSec:   defaultCkptIntervalSec,
		CkptKeepLastN:     defaultCkptKeepLastN,
		HFSyncIntervalSec: defaultHFSyncIntervalSec,
	}

	if v := os.Getenv(envPort); v != "" {
		cfg.ListenAddr = ":" + v
	}
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envStatePath); v != "" {
		cfg.StatePath = v
	}
	if v := os.Getenv(envStateBackend); v != "" {
		cfg.StateBackend = strings.ToLower(v)
	}
	cfg.SharedSecret = os.Getenv(envSharedSecret)
	if v := os.Getenv(envL1Root); v != "" {
		cfg.L1Root = v
	}
	cfg.HFRepo = os.Getenv(envHFRepo)
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}

	ints := []struct {
		env string
		dst *int
	}{
		{envLeaseSeconds, &cfg.LeaseSeconds},
		{envCkptInterval, &cfg.CkptIntervalSec},
		{envCkptKeepLastN, &cfg.CkptKeepLastN},
		{envHFSyncInterval, &cfg.HFSyncIntervalSec},
	}
	for _, i := range ints {
		if err := envInt(i.env, i.dst); err != nil {
			return Commander{}, err
		}
	}
	if err := envBool(envHFPushOnImprove, &cfg.HFPushOnImprove); err != nil {
		return Commander{}, err
	}

	if cfg.LeaseSeconds <= 0 {
		return Commander{}, fmt.Errorf("%s must be positive, got %d", envLeaseSeconds, cfg.LeaseSeconds)
	}

	return cfg, nil
}

// WorkerDefaults is the WorkerConfig template handed out with each grant.
func (c Commander) WorkerDefaults() model.WorkerConfig {
	return model.WorkerConfig{
		L1Root:            c.L1Root,
		CkptIntervalSec:   c.CkptIntervalSec,
		CkptKeepLastN:     c.CkptKeepLastN,
		HFSyncIntervalSec: c.HFSyncIntervalSec,
		HFRepo:            model.StringPtr(c.HFRepo),
		HFPushOnImprove:   c.HFPushOnImprove,
	}
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = n
	return nil
}

func envBool(name string, dst *bool) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	b, err := parseBool(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = b
	return nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	return strconv.ParseBool(strings.TrimSpace(s))
}

// ParseLogLevel maps a level name onto a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w at the configured level.
// Output is JSON unless w is an interactive terminal.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
