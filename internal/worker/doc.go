// Package worker drives one training run on one machine: it acquires the
// lease, resumes from the newest valid checkpoint, supervises the trainer,
// promotes its checkpoints, keeps the lease alive, reports progress and
// syncs milestones until the trainer exits or the worker is preempted.
//
// The orchestrator is a single polling loop. Renewal, reporting and sync are
// logical timers checked on each tick, so they never run concurrently and
// only this loop ever writes to the run directory.
package worker
