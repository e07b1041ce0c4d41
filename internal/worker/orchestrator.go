package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/seantiz/relay/internal/artifact"
	"github.com/seantiz/relay/internal/checkpoint"
	"github.com/seantiz/relay/internal/model"
	"github.com/seantiz/relay/internal/rundir"
	"github.com/seantiz/relay/internal/trainer"
)

// Phase is the orchestrator's position in the run lifecycle.
type Phase string

const (
	PhaseAcquiring Phase = "ACQUIRING"
	PhaseResuming  Phase = "RESUMING"
	PhaseRunning   Phase = "RUNNING"
	PhasePreempted Phase = "PREEMPTED"
	PhaseCompleted Phase = "COMPLETED"
	PhaseFailed    Phase = "FAILED"
)

const (
	defaultTick           = 2 * time.Second
	defaultAcquireRetry   = 5 * time.Second
	defaultRenewInterval  = 45 * time.Second
	defaultReportInterval = 90 * time.Second

	// finalCallTimeout bounds the best-effort calls made while shutting down.
	finalCallTimeout = 20 * time.Second

	trainerLogName = "trainer.log"
	metricsName    = "metrics.json"
)

// Commander is the subset of the authority API the worker needs.
type Commander interface {
	Acquire(ctx context.Context, req model.AcquireLeaseRequest) (*model.AcquireLeaseResponse, error)
	Renew(ctx context.Context, req model.RenewLeaseRequest) (*model.RenewLeaseResponse, error)
	Report(ctx context.Context, req model.JobReportRequest) error
}

// Trainer is a supervised training process.
type Trainer interface {
	Poll() (code int, exited bool)
	Done() <-chan struct{}
	Terminate() error
	RequestCheckpoint() error
}

// Launcher starts the trainer.
type Launcher func(spec trainer.Spec, logger *slog.Logger) (Trainer, error)

func launchProcess(spec trainer.Spec, logger *slog.Logger) (Trainer, error) {
	p, err := trainer.Launch(spec, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Config is the worker-side run configuration.
type Config struct {
	WorkerID string
	RunID    string
	Mode     string
	Cap      *model.Capability

	HFRepo   string
	HFBranch string
	HFDryRun bool

	TrainerCommand []string
	TrainerDir     string

	// Cadences. Zero selects the default.
	Tick           time.Duration
	AcquireRetry   time.Duration
	RenewInterval  time.Duration
	ReportInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	if c.AcquireRetry <= 0 {
		c.AcquireRetry = defaultAcquireRetry
	}
	if c.RenewInterval <= 0 {
		c.RenewInterval = defaultRenewInterval
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = defaultReportInterval
	}
	if c.HFBranch == "" {
		c.HFBranch = "main"
	}
}

// Result is the outcome of a run.
type Result struct {
	Phase    Phase
	ExitCode int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLauncher replaces how the trainer is started.
func WithLauncher(l Launcher) Option {
	return func(o *Orchestrator) { o.launch = l }
}

// Orchestrator runs one lease-holding training session.
type Orchestrator struct {
	cfg       Config
	commander Commander
	syncer    *artifact.Syncer
	launch    Launcher
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	phase Phase
	proc  Trainer

	// Set once the lease is granted; only touched by the Run goroutine.
	leaseToken     string
	workerCfg      model.WorkerConfig
	run            *rundir.Run
	ckpts          *checkpoint.Store
	lastStep       *string
	lastHFRevision *string
	lastSyncedStep string
	bestLoss       *float64
}

// New returns an orchestrator. syncer may be nil when no artifact repo is
// used.
func New(cfg Config, commander Commander, syncer *artifact.Syncer, logger *slog.Logger, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		cfg:       cfg,
		commander: commander,
		syncer:    syncer,
		launch:    launchProcess,
		logger:    logger.With("component", "worker", "run_id", cfg.RunID, "worker_id", cfg.WorkerID),
		now:       time.Now,
		phase:     PhaseAcquiring,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Phase returns the current lifecycle phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// ErrNoTrainer is returned when no trainer is running yet.
var ErrNoTrainer = errors.New("trainer not started")

// RequestCheckpoint asks the running trainer to write a checkpoint. It is
// safe to call from any goroutine.
func (o *Orchestrator) RequestCheckpoint() error {
	o.mu.Lock()
	proc := o.proc
	o.mu.Unlock()
	if proc == nil {
		return ErrNoTrainer
	}
	return proc.RequestCheckpoint()
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	prev := o.phase
	o.phase = p
	o.mu.Unlock()
	if prev != p {
		o.logger.Info("phase", "from", prev, "to", p)
	}
}

// Run acquires the lease and supervises the trainer until it exits or ctx
// is cancelled. Cancellation is preemption and yields exit code 0. An error
// is returned only when the run could not be set up.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	o.setPhase(PhaseAcquiring)
	grant, err := o.acquire(ctx)
	if err != nil {
		o.setPhase(PhasePreempted)
		o.logger.Info("cancelled before lease was granted")
		return Result{Phase: PhasePreempted}, nil
	}

	if err := o.prepare(grant); err != nil {
		return o.abort(ctx, err)
	}

	o.setPhase(PhaseResuming)
	resumeFrom := o.resume()

	proc, err := o.launch(o.trainerSpec(resumeFrom), o.logger)
	if err != nil {
		return o.abort(ctx, fmt.Errorf("launch trainer: %w", err))
	}
	o.mu.Lock()
	o.proc = proc
	o.mu.Unlock()

	o.setPhase(PhaseRunning)
	return o.loop(ctx), nil
}

// acquire retries on a fixed interval until the lease is granted or ctx ends.
func (o *Orchestrator) acquire(ctx context.Context) (*model.AcquireLeaseResponse, error) {
	req := model.AcquireLeaseRequest{WorkerID: o.cfg.WorkerID, RunID: o.cfg.RunID, Cap: o.cfg.Cap}
	for {
		resp, err := o.commander.Acquire(ctx, req)
		controlCallsTotal.WithLabelValues("acquire", callResult(err)).Inc()
		switch {
		case err != nil:
			o.logger.Warn("acquire failed", "error", err)
		case resp.Granted():
			if resp.Config == nil {
				o.logger.Warn("grant without worker config")
				break
			}
			o.logger.Info("lease granted", "expires_in_sec", resp.LeaseExpiresInSec)
			return resp, nil
		default:
			o.logger.Info("lease denied", "reason", resp.Reason)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.cfg.AcquireRetry):
		}
	}
}

// prepare creates the run directory for a granted lease.
func (o *Orchestrator) prepare(grant *model.AcquireLeaseResponse) error {
	o.leaseToken = grant.LeaseToken
	o.workerCfg = *grant.Config
	if o.cfg.HFRepo == "" {
		o.cfg.HFRepo = model.Deref(o.workerCfg.HFRepo)
	}

	run, err := rundir.Ensure(rundir.Layout(o.workerCfg.L1Root, o.cfg.RunID))
	if err != nil {
		return err
	}
	o.run = run
	dirs := run.Dirs()
	o.ckpts = checkpoint.NewStore(dirs.Ckpt, dirs.Staging, o.workerCfg.CkptKeepLastN, o.logger)

	o.event(rundir.EventAcquire, map[string]any{"worker_id": o.cfg.WorkerID, "run_id": o.cfg.RunID})
	return nil
}

// resume picks the newest valid checkpoint and returns its path, or "" for
// a cold start.
func (o *Orchestrator) resume() string {
	step, ok := o.ckpts.LatestValid()
	if !ok {
		o.event(rundir.EventResumeColdStart, nil)
		o.writeState(model.StatusRunning, nil)
		return ""
	}

	o.lastStep = model.StringPtr(step.Name)
	o.event(rundir.EventResumeL1, map[string]any{"checkpoint": step.Name})
	o.writeState(model.StatusRunning, nil)
	return step.Path
}

func (o *Orchestrator) trainerSpec(resumeFrom string) trainer.Spec {
	dirs := o.run.Dirs()
	return trainer.Spec{
		Command: o.cfg.TrainerCommand,
		Dir:     o.cfg.TrainerDir,
		Env: map[string]string{
			trainer.EnvRunRoot:         dirs.Run,
			trainer.EnvCkptStagingRoot: dirs.Staging,
			trainer.EnvResumeFrom:      resumeFrom,
			trainer.EnvMode:            o.cfg.Mode,
		},
		LogPath: filepath.Join(dirs.Logs, trainerLogName),
	}
}

// loop is the RUNNING phase.
func (o *Orchestrator) loop(ctx context.Context) Result {
	start := o.now()
	syncInterval := time.Duration(o.workerCfg.HFSyncIntervalSec) * time.Second
	renew := newTimer(o.cfg.RenewInterval, start)
	report := newTimer(o.cfg.ReportInterval, start)
	milestone := newTimer(syncInterval, start.Add(syncInterval))

	for {
		if ctx.Err() != nil {
			return o.preempt(ctx)
		}

		now := o.now()
		o.promote(ctx)

		if renew.Due(now) {
			o.renew(ctx)
			renew.Reset(now)
		}
		if report.Due(now) {
			o.report(ctx, model.StatusRunning, nil)
			report.Reset(now)
		}
		if milestone.Due(now) {
			o.sync(ctx, "interval")
			milestone.Reset(now)
		}

		if code, exited := o.proc.Poll(); exited {
			return o.finish(ctx, code)
		}

		select {
		case <-ctx.Done():
		case <-o.proc.Done():
		case <-time.After(o.cfg.Tick):
		}
	}
}

// promote finalizes every staged step directory in ascending order.
func (o *Orchestrator) promote(ctx context.Context) {
	staged, err := o.ckpts.Staged()
	if err != nil {
		o.logger.Warn("list staged checkpoints", "error", err)
		return
	}

	for _, name := range staged {
		dst, err := o.ckpts.Finalize(name)
		promotionsTotal.WithLabelValues(callResult(err)).Inc()
		if err != nil {
			o.logger.Error("promote checkpoint", "step", name, "error", err)
			continue
		}

		o.lastStep = model.StringPtr(filepath.Base(dst))
		o.logger.Info("checkpoint saved", "step", name)
		o.event(rundir.EventCkptSaved, map[string]any{"checkpoint": name})
		o.writeState(model.StatusRunning, nil)

		if o.workerCfg.HFPushOnImprove && o.improved(dst) {
			o.sync(ctx, "improved")
		}
	}
}

// improved reports whether the checkpoint's metrics.json loss beats the best
// seen so far in this session.
func (o *Orchestrator) improved(stepDir string) bool {
	data, err := os.ReadFile(filepath.Join(stepDir, metricsName))
	if err != nil {
		return false
	}
	var m struct {
		Loss *float64 `json:"loss"`
	}
	if err := json.Unmarshal(data, &m); err != nil || m.Loss == nil {
		return false
	}
	if o.bestLoss != nil && *m.Loss >= *o.bestLoss {
		return false
	}
	loss := *m.Loss
	o.bestLoss = &loss
	return true
}

func (o *Orchestrator) renew(ctx context.Context) {
	_, err := o.commander.Renew(ctx, model.RenewLeaseRequest{LeaseToken: o.leaseToken, WorkerID: o.cfg.WorkerID})
	controlCallsTotal.WithLabelValues("renew", callResult(err)).Inc()
	if err != nil {
		o.logger.Warn("renew lease", "error", err)
	}
}

func (o *Orchestrator) report(ctx context.Context, status string, msg *string) {
	err := o.commander.Report(ctx, model.JobReportRequest{
		LeaseToken: o.leaseToken,
		RunID:      o.cfg.RunID,
		Step:       model.StepOf(o.lastStep),
		LatestCkpt: o.lastStep,
		Status:     status,
		Msg:        msg,
		HF: &model.JobHFStatus{
			LastSynced: o.lastHFRevision != nil,
			Repo:       model.StringPtr(o.cfg.HFRepo),
			Revision:   o.lastHFRevision,
		},
	})
	controlCallsTotal.WithLabelValues("report", callResult(err)).Inc()
	if err != nil {
		o.logger.Warn("report progress", "status", status, "error", err)
	}
}

// sync publishes the latest checkpoint when a repo is configured and a
// checkpoint exists. Failures are recorded and never stop the run.
func (o *Orchestrator) sync(ctx context.Context, reason string) {
	if o.cfg.HFRepo == "" || o.lastStep == nil {
		return
	}
	if o.syncer == nil {
		o.logger.Warn("artifact repo configured without a syncer", "repo", o.cfg.HFRepo)
		return
	}

	step := *o.lastStep
	stepDir := filepath.Join(o.run.Dirs().Ckpt, step)
	rev, err := o.syncer.SyncStep(ctx, stepDir, o.run.Dirs().Run, o.cfg.HFRepo, o.cfg.HFBranch, o.cfg.HFDryRun)
	if err != nil {
		o.logger.Warn("milestone sync failed", "step", step, "reason", reason, "error", err)
		o.event(rundir.EventHFSyncFailed, map[string]any{"repo": o.cfg.HFRepo, "checkpoint": step, "error": err.Error()})
		return
	}

	o.lastHFRevision = model.StringPtr(rev)
	o.lastSyncedStep = step
	o.event(rundir.EventHFSynced, map[string]any{
		"repo":       o.cfg.HFRepo,
		"revision":   rev,
		"checkpoint": step,
		"reason":     reason,
	})
	o.writeState(model.StatusRunning, nil)
}

// finish handles trainer exit.
func (o *Orchestrator) finish(ctx context.Context, code int) Result {
	status, phase, exitCode := model.StatusCompleted, PhaseCompleted, 0
	if code != 0 {
		status, phase, exitCode = model.StatusFailed, PhaseFailed, code
	}
	o.logger.Info("trainer exited", "exit_code", code)
	o.event(rundir.EventTrainerExit, map[string]any{"exit_code": code})

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalCallTimeout)
	defer cancel()

	// The trainer may have staged its last checkpoint right before exiting.
	o.promote(finalCtx)
	if o.lastStep != nil && o.lastSyncedStep != *o.lastStep {
		o.sync(finalCtx, "final")
	}

	o.writeState(status, &code)
	o.report(finalCtx, status, nil)
	o.setPhase(phase)
	return Result{Phase: phase, ExitCode: exitCode}
}

// preempt handles cancellation while the trainer runs.
func (o *Orchestrator) preempt(ctx context.Context) Result {
	o.logger.Info("preempted", "cause", context.Cause(ctx))
	o.event(rundir.EventSigterm, nil)
	o.writeState(model.StatusPreempted, nil)

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalCallTimeout)
	defer cancel()
	o.report(finalCtx, model.StatusPreempted, nil)

	if err := o.proc.Terminate(); err != nil && !errors.Is(err, trainer.ErrNotRunning) {
		o.logger.Warn("terminate trainer", "error", err)
	}
	select {
	case <-o.proc.Done():
	case <-time.After(o.cfg.Tick):
		o.logger.Info("trainer still exiting")
	}

	o.setPhase(PhasePreempted)
	return Result{Phase: PhasePreempted}
}

// abort ends a run that failed during setup, releasing the lease when one
// is held.
func (o *Orchestrator) abort(ctx context.Context, cause error) (Result, error) {
	o.logger.Error("run setup failed", "error", cause)
	if o.run != nil {
		code := 1
		o.writeState(model.StatusFailed, &code)
	}
	if o.leaseToken != "" {
		finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalCallTimeout)
		defer cancel()
		o.report(finalCtx, model.StatusFailed, model.StringPtr(cause.Error()))
	}
	o.setPhase(PhaseFailed)
	return Result{Phase: PhaseFailed, ExitCode: 1}, cause
}

func (o *Orchestrator) writeState(status string, exitCode *int) {
	err := o.run.WriteState(rundir.State{
		Status:         status,
		LatestCkpt:     o.lastStep,
		LastHFRevision: o.lastHFRevision,
		UpdatedAt:      time.Now().UTC(),
		ExitCode:       exitCode,
	})
	if err != nil {
		o.logger.Error("write run state", "error", err)
	}
}

func (o *Orchestrator) event(name string, fields map[string]any) {
	if err := o.run.AppendEvent(name, fields); err != nil {
		o.logger.Warn("append event", "event", name, "error", err)
	}
}
