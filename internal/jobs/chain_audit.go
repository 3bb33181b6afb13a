package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/auditchain/internal/artifact"
	"github.com/onnwee/auditchain/internal/audit"
)

// ScopeLister enumerates the scopes to audit. audit.Repository satisfies it.
type ScopeLister interface {
	Scopes(ctx context.Context) ([]string, error)
}

// ChainVerifier checks one scope. *audit.Verifier satisfies it.
type ChainVerifier interface {
	Verify(ctx context.Context, scopeID string, r audit.Range, opts audit.VerifyOptions) (*audit.VerificationResult, error)
}

// ChainAuditConfig configures the chain audit job.
type ChainAuditConfig struct {
	// Interval is the duration between audit cycles.
	Interval time.Duration
	// Timeout bounds a single cycle across all scopes.
	Timeout time.Duration
	// Checkpoints receives a checkpoint for every verified scope head.
	// Nil disables publication.
	Checkpoints artifact.Store
	Logger      *slog.Logger
	Metrics     *Metrics
	Now         func() time.Time
}

// DefaultAuditInterval is the default interval between audit cycles.
const DefaultAuditInterval = time.Hour

// DefaultAuditTimeout is the default timeout for a single audit cycle.
const DefaultAuditTimeout = 10 * time.Minute

// Checkpoint attests that a scope verified up to Sequence with HeadHash.
// Published copies let a third party detect a later rewrite of history.
type Checkpoint struct {
	FormatVersion int        `json:"format_version"`
	ScopeID       string     `json:"scope_id"`
	Sequence      int64      `json:"sequence_number"`
	HeadHash      audit.Hash `json:"head_hash"`
	CheckedCount  int64      `json:"checked_count"`
	VerifiedAt    time.Time  `json:"verified_at"`
}

// CycleReport summarizes one audit cycle.
type CycleReport struct {
	Scopes    int
	Verified  int
	Broken    []string
	Failed    []string
	Published int
	Duration  time.Duration
}

// ChainAuditJob periodically re-verifies every scope and publishes a
// checkpoint of each valid head that has moved since the last cycle.
type ChainAuditJob struct {
	config   ChainAuditConfig
	scopes   ScopeLister
	verifier ChainVerifier

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	published map[string]int64 // scopeID -> last checkpointed sequence
}

// NewChainAuditJob creates a new chain audit job.
func NewChainAuditJob(config ChainAuditConfig, scopes ScopeLister, verifier ChainVerifier) (*ChainAuditJob, error) {
	if scopes == nil || verifier == nil {
		return nil, errors.New("chain audit job requires a scope lister and a verifier")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultAuditInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultAuditTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &ChainAuditJob{
		config:    config,
		scopes:    scopes,
		verifier:  verifier,
		published: make(map[string]int64),
	}, nil
}

// Start begins the periodic audit.
// Returns immediately; the job runs in a background goroutine.
func (j *ChainAuditJob) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil
	}
	j.running = true
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	j.stopCh = stopCh
	j.doneCh = doneCh
	j.mu.Unlock()

	go j.run(ctx, stopCh, doneCh)
	return nil
}

// Stop signals the job to stop and waits for it to finish.
func (j *ChainAuditJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	select {
	case <-j.stopCh:
	default:
		close(j.stopCh)
	}
	doneCh := j.doneCh
	j.mu.Unlock()

	<-doneCh
}

// IsRunning returns whether the job is currently running.
func (j *ChainAuditJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// run clears running on exit whatever the cause, so a job stopped by its
// context can be started again.
func (j *ChainAuditJob) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer func() {
		j.mu.Lock()
		if j.doneCh == doneCh {
			j.running = false
		}
		j.mu.Unlock()
		close(doneCh)
	}()

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.config.Logger.Info("chain audit job stopping due to context cancellation")
			return
		case <-stopCh:
			j.config.Logger.Info("chain audit job stopping due to stop signal")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce audits every scope immediately without waiting for the ticker.
func (j *ChainAuditJob) RunOnce(parentCtx context.Context) CycleReport {
	ctx, cancel := context.WithTimeout(parentCtx, j.config.Timeout)
	defer cancel()

	start := time.Now()
	var report CycleReport

	scopes, err := j.scopes.Scopes(ctx)
	if err != nil {
		j.config.Logger.Error("chain audit could not list scopes", "error", err)
		j.finish(&report, start, ErrorTypeList)
		return report
	}
	report.Scopes = len(scopes)

	for i, scopeID := range scopes {
		if ctx.Err() != nil {
			j.config.Logger.Error("chain audit timeout exceeded",
				"processed", i,
				"total", len(scopes),
				"timeout", j.config.Timeout)
			j.finish(&report, start, ErrorTypeTimeout)
			return report
		}

		res, err := j.verifier.Verify(ctx, scopeID, audit.Range{}, audit.VerifyOptions{})
		if err != nil {
			j.config.Logger.Error("chain audit failed to verify scope",
				"scope_id", scopeID,
				"error", err)
			j.incError(ErrorTypeVerify)
			report.Failed = append(report.Failed, scopeID)
			continue
		}
		if !res.Valid {
			j.config.Logger.Error("audit chain broken",
				"scope_id", scopeID,
				"broken_at_sequence", res.BrokenAtSequence,
				"reason", string(res.Reason),
				"detail", res.Detail)
			j.incError(ErrorTypeChainBroken)
			report.Broken = append(report.Broken, scopeID)
			continue
		}
		report.Verified++

		if j.config.Checkpoints == nil || res.HeadHash == nil || res.CheckedCount == 0 {
			continue
		}
		published, err := j.publish(ctx, res)
		if err != nil {
			j.config.Logger.Error("failed to publish checkpoint",
				"scope_id", scopeID,
				"sequence", res.ToSequence,
				"error", err)
			j.incError(ErrorTypeCheckpoint)
			continue
		}
		if published {
			report.Published++
		}
	}

	j.finish(&report, start, "")
	return report
}

// publish writes a checkpoint unless one already exists for this head.
func (j *ChainAuditJob) publish(ctx context.Context, res *audit.VerificationResult) (bool, error) {
	j.mu.Lock()
	last, seen := j.published[res.ScopeID]
	j.mu.Unlock()
	if seen && last == res.ToSequence {
		return false, nil
	}

	key, err := artifact.CheckpointKey(res.ScopeID, res.ToSequence)
	if err != nil {
		return false, err
	}
	cp := Checkpoint{
		FormatVersion: audit.FormatVersion,
		ScopeID:       res.ScopeID,
		Sequence:      res.ToSequence,
		HeadHash:      *res.HeadHash,
		CheckedCount:  res.CheckedCount,
		VerifiedAt:    j.config.Now().UTC(),
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return false, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	err = j.config.Checkpoints.Put(ctx, artifact.Object{
		Key:         key,
		ContentType: "application/json",
		Body:        body,
		Metadata: map[string]string{
			"scope-id":  res.ScopeID,
			"sequence":  strconv.FormatInt(res.ToSequence, 10),
			"head-hash": res.HeadHash.String(),
		},
	})
	if err != nil {
		return false, err
	}

	j.mu.Lock()
	j.published[res.ScopeID] = res.ToSequence
	j.mu.Unlock()
	if j.config.Metrics != nil {
		j.config.Metrics.IncCheckpointsPublished()
	}
	j.config.Logger.Debug("checkpoint published",
		"scope_id", res.ScopeID,
		"sequence", res.ToSequence,
		"key", key)
	return true, nil
}

func (j *ChainAuditJob) incError(errorType string) {
	if j.config.Metrics != nil {
		j.config.Metrics.IncJobErrors(JobTypeChainAudit, errorType)
	}
}

// finish records cycle metrics. A non-empty abortReason marks the cycle as
// cut short.
func (j *ChainAuditJob) finish(report *CycleReport, start time.Time, abortReason string) {
	report.Duration = time.Since(start)

	status := StatusSuccess
	if abortReason != "" || len(report.Broken) > 0 || len(report.Failed) > 0 {
		status = StatusFailure
	}
	if abortReason != "" {
		j.incError(abortReason)
	}
	if j.config.Metrics != nil {
		j.config.Metrics.IncJobsTotal(JobTypeChainAudit, status)
		j.config.Metrics.ObserveJobDuration(JobTypeChainAudit, report.Duration.Seconds())
		if abortReason != ErrorTypeList {
			j.config.Metrics.SetBrokenScopes(len(report.Broken))
		}
	}

	j.config.Logger.Info("chain audit completed",
		"duration_seconds", report.Duration.Seconds(),
		"scopes", report.Scopes,
		"verified", report.Verified,
		"broken", len(report.Broken),
		"failed", len(report.Failed),
		"checkpoints_published", report.Published)
}
