package investigation

import (
	"fmt"
	"os"
	"time"
)

// Config holds the orchestrator policy knobs. All of these are deployment
// policy, not invariants: the state machine stays correct under any values,
// they only tune how fast stalls are detected and retried.
type Config struct {
	// WorkerID identifies this process in lease_owner fields.
	// Default: "<hostname>-<pid>".
	WorkerID string
	// LeaseDuration bounds how long a crashed worker can block a run.
	// Default: 2 minutes.
	LeaseDuration time.Duration
	// HeartbeatInterval is the lease renewal period while a job runs.
	// Default: LeaseDuration / 4.
	HeartbeatInterval time.Duration
	// RecoverCooldown delays recovery of a released-but-processing run, so
	// the queue's own backoff redelivery gets the first shot at it.
	// Fixed, not exponential: the delivery layer already backs off per
	// attempt. Default: 1 minute.
	RecoverCooldown time.Duration
	// MaxAttempts is how many deliveries a job gets before a transient
	// failure becomes terminal. Default: 3.
	MaxAttempts int
	// SelectorBudget caps how many candidates one admission sweep may
	// enqueue. Default: 25.
	SelectorBudget int
	// SelectorInterval is the admission sweep period. Default: 1 minute.
	SelectorInterval time.Duration
	// SweepInterval is the lease recovery sweep period. Default: 30s.
	SweepInterval time.Duration
	// SweepBatch caps how many stale runs one recovery sweep handles.
	// Default: 100.
	SweepBatch int
}

func (c *Config) defaults() {
	if c.WorkerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "worker"
		}
		c.WorkerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 2 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LeaseDuration / 4
	}
	if c.RecoverCooldown <= 0 {
		c.RecoverCooldown = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.SelectorBudget <= 0 {
		c.SelectorBudget = 25
	}
	if c.SelectorInterval <= 0 {
		c.SelectorInterval = time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
}
