package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/seantiz/relay/internal/model"
	"github.com/seantiz/relay/internal/store"
)

// DefaultLeaseDuration applies when Settings.LeaseDuration is zero.
const DefaultLeaseDuration = time.Hour

// denyReasonActive is returned to callers that lose to a live lease.
const denyReasonActive = "active lease exists"

var (
	// ErrLeaseMissingOrExpired is returned when there is no live lease.
	ErrLeaseMissingOrExpired = errors.New("lease missing or expired")

	// ErrLeaseMismatch is returned when the caller does not hold the live lease.
	ErrLeaseMismatch = errors.New("lease token mismatch")

	// ErrInvalidSecret is returned when the shared secret header is wrong.
	ErrInvalidSecret = errors.New("invalid shared secret")

	// ErrInvalidStatus is returned for a report with an unknown run status.
	ErrInvalidStatus = errors.New("invalid run status")

	// errNoChange aborts a transaction without persisting.
	errNoChange = errors.New("no change")
)

// Settings are the server-side parameters of the authority.
type Settings struct {
	LeaseDuration time.Duration
	SharedSecret  string

	// Defaults is the template for the WorkerConfig issued on each grant.
	// RunID is filled in per request.
	Defaults model.WorkerConfig
}

// Option configures an Authority.
type Option func(*Authority)

// WithClock overrides the wall clock used for lease expiry.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// Authority serializes every read-modify-persist of the commander state
// behind one mutex.
type Authority struct {
	mu       sync.Mutex
	state    *model.CommanderState
	store    store.Store
	settings Settings
	now      func() time.Time
	logger   *slog.Logger
}

// New loads the persisted state from st and returns a ready authority.
func New(ctx context.Context, st store.Store, settings Settings, logger *slog.Logger, opts ...Option) (*Authority, error) {
	if settings.LeaseDuration <= 0 {
		settings.LeaseDuration = DefaultLeaseDuration
	}

	state, err := st.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load commander state: %w", err)
	}

	a := &Authority{
		state:    state,
		store:    st,
		settings: settings,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With("component", "authority"),
	}
	for _, opt := range opts {
		opt(a)
	}

	activeLeases.Set(boolGauge(!a.state.ActiveLease.Expired(a.now())))
	return a, nil
}

// LeaseSeconds is the lease lifetime reported to workers.
func (a *Authority) LeaseSeconds() int {
	return int(a.settings.LeaseDuration / time.Second)
}

// CheckSecret validates the acquisition shared secret. With no secret
// configured every caller passes.
func (a *Authority) CheckSecret(secret string) error {
	if a.settings.SharedSecret == "" {
		return nil
	}
	if secret != a.settings.SharedSecret {
		return ErrInvalidSecret
	}
	return nil
}

// Acquire grants a fresh lease unless a live one exists. With force set the
// live lease is revoked first and the caller always wins.
func (a *Authority) Acquire(ctx context.Context, req model.AcquireLeaseRequest) (*model.AcquireLeaseResponse, error) {
	var resp *model.AcquireLeaseResponse

	err := a.commit(ctx, func(st *model.CommanderState, now time.Time) error {
		if prev := st.ActiveLease; !prev.Expired(now) {
			if !req.Force {
				leaseDenials.Inc()
				resp = &model.AcquireLeaseResponse{Status: model.LeaseDenied, Reason: denyReasonActive}
				return errNoChange
			}
			a.logger.Warn("revoking active lease",
				"run_id", prev.RunID,
				"worker_id", prev.WorkerID,
				"by_worker_id", req.WorkerID,
			)
			st.ActiveLease = nil
		}

		token, err := model.NewLeaseToken()
		if err != nil {
			return fmt.Errorf("mint lease token: %w", err)
		}
		st.ActiveLease = &model.Lease{
			RunID:      req.RunID,
			LeaseToken: token,
			WorkerID:   req.WorkerID,
			ExpiresAt:  now.Add(a.settings.LeaseDuration),
		}
		if _, ok := st.RunStatus[req.RunID]; !ok {
			st.RunStatus[req.RunID] = model.NewRunStatus(req.RunID, now)
		}

		cfg := a.workerConfig(req.RunID)
		resp = &model.AcquireLeaseResponse{
			Status:            model.LeaseGranted,
			LeaseToken:        token,
			LeaseExpiresInSec: a.LeaseSeconds(),
			Config:            &cfg,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if resp.Granted() {
		leaseGrants.WithLabelValues(strconv.FormatBool(req.Force)).Inc()
		activeLeases.Set(1)
		a.logger.Info("lease granted", "run_id", req.RunID, "worker_id", req.WorkerID, "force", req.Force)
	} else {
		a.logger.Info("lease denied", "run_id", req.RunID, "worker_id", req.WorkerID)
	}
	return resp, nil
}

// Renew extends the live lease held by (token, workerID). The token never
// changes.
func (a *Authority) Renew(ctx context.Context, req model.RenewLeaseRequest) (*model.RenewLeaseResponse, error) {
	err := a.commit(ctx, func(st *model.CommanderState, now time.Time) error {
		lease := st.ActiveLease
		if lease.Expired(now) {
			return ErrLeaseMissingOrExpired
		}
		if lease.LeaseToken != req.LeaseToken || lease.WorkerID != req.WorkerID {
			return ErrLeaseMismatch
		}
		lease.ExpiresAt = now.Add(a.settings.LeaseDuration)
		return nil
	})
	leaseRenewals.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		return nil, err
	}
	return &model.RenewLeaseResponse{OK: true, LeaseExpiresInSec: a.LeaseSeconds()}, nil
}

// Report records progress for a run. Only the holder of the live lease may
// report; a terminal status releases the lease.
func (a *Authority) Report(ctx context.Context, req model.JobReportRequest) error {
	if !model.ValidStatus(req.Status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, req.Status)
	}

	released := false
	err := a.commit(ctx, func(st *model.CommanderState, now time.Time) error {
		lease := st.ActiveLease
		if lease.Expired(now) {
			return ErrLeaseMissingOrExpired
		}
		if lease.LeaseToken != req.LeaseToken {
			return ErrLeaseMismatch
		}

		rs, ok := st.RunStatus[req.RunID]
		if !ok {
			rs = model.NewRunStatus(req.RunID, now)
			st.RunStatus[req.RunID] = rs
		}
		rs.LastReportedStep = req.Step
		rs.LastCkpt = req.LatestCkpt
		rs.UpdatedAt = now
		rs.Status = req.Status
		rs.Msg = req.Msg
		if req.HF != nil {
			rs.LastHFRepo = req.HF.Repo
			rs.LastHFRevision = req.HF.Revision
		}

		if model.Terminal(req.Status) {
			st.ActiveLease = nil
			released = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	jobReports.WithLabelValues(req.Status).Inc()
	if released {
		activeLeases.Set(0)
		a.logger.Info("lease released", "run_id", req.RunID, "status", req.Status)
	}
	return nil
}

// Snapshot returns a deep copy of the current state.
func (a *Authority) Snapshot() *model.CommanderState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Clone()
}

// commit runs fn against a copy of the state and persists the copy before
// publishing it. If fn or the save fails the in-memory state is untouched.
func (a *Authority) commit(ctx context.Context, fn func(st *model.CommanderState, now time.Time) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.state.Clone()
	if err := fn(next, a.now()); err != nil {
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}

	// A client hanging up must not abort a write that is already under way.
	if err := a.store.Save(context.WithoutCancel(ctx), next); err != nil {
		return fmt.Errorf("persist commander state: %w", err)
	}
	a.state = next
	return nil
}

func (a *Authority) workerConfig(runID string) model.WorkerConfig {
	cfg := a.settings.Defaults
	cfg.RunID = runID
	if cfg.HFRepo != nil {
		repo := *cfg.HFRepo
		cfg.HFRepo = &repo
	}
	return cfg
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrLeaseMissingOrExpired):
		return "expired"
	case errors.Is(err, ErrLeaseMismatch):
		return "mismatch"
	default:
		return "error"
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
