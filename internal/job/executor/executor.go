// Package executor drains the job queue one job at a time, handing each
// job to the agent over the gateway link and converting the streamed
// outcome into a terminal job status.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/config"
	"github.com/agentboard/agentboard/internal/common/logger"
	"github.com/agentboard/agentboard/internal/gateway"
	"github.com/agentboard/agentboard/internal/job/models"
	"github.com/agentboard/agentboard/internal/job/store"
)

// summaryLimit caps the inline result summary; the full text lives in
// the result blob.
const summaryLimit = 500

// TaskSubmitter submits one task and streams back its outcome.
type TaskSubmitter interface {
	StartTask(ctx context.Context, req *gateway.TaskRequest, ackTimeout time.Duration) (string, <-chan gateway.RunOutcome, func(), error)
}

// Executor owns the dispatch loop. One job is in flight at a time; the
// loop wakes on a poll timer and on the store's queue-ready signal.
type Executor struct {
	store  *store.Store
	client TaskSubmitter
	cfg    config.JobsConfig
	logger *logger.Logger

	wake        chan struct{}
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New creates an executor over the given store and task submitter.
func New(s *store.Store, client TaskSubmitter, cfg config.JobsConfig, log *logger.Logger) *Executor {
	return &Executor{
		store:  s,
		client: client,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "job_executor")),
		wake:   make(chan struct{}, 1),
	}
}

// Start begins the dispatch loop and subscribes to queue-ready signals.
func (e *Executor) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.unsubscribe = e.store.Subscribe(func(ev store.Event) {
		if ev.Type != store.EventQueueReady {
			return
		}
		select {
		case e.wake <- struct{}{}:
		default:
		}
	})

	e.wg.Add(1)
	go e.run(ctx)
	e.logger.Info("executor started",
		zap.Duration("poll_interval", e.cfg.PollIntervalDuration()),
		zap.Duration("task_timeout", e.cfg.TaskTimeoutDuration()))
}

// Stop halts the poll loop and waits for any in-flight dispatch to
// settle.
func (e *Executor) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.wg.Wait()
	e.logger.Info("executor stopped")
}

func (e *Executor) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollIntervalDuration())
	defer ticker.Stop()

	for {
		e.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wake:
		}
	}
}

// drain dispatches eligible jobs until the queue is empty or a job is
// blocked. Each job runs to its outcome before the next is considered.
func (e *Executor) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job := e.store.NextInQueue()
		if job == nil {
			return
		}
		e.executeJob(ctx, job)
	}
}

func (e *Executor) executeJob(ctx context.Context, job *models.Job) {
	log := e.logger.WithJobID(job.ID)

	running := models.StatusRunning
	if _, err := e.store.Update(job.ID, store.UpdateParams{
		Status:        &running,
		StatusMessage: "dispatched to agent",
	}); err != nil {
		log.Error("failed to mark job running", zap.Error(err))
		return
	}

	req := &gateway.TaskRequest{
		Agent:   job.Agent,
		Channel: job.Channel,
		Message: buildTaskMessage(job),
	}

	runID, outcome, release, err := e.client.StartTask(ctx, req, e.cfg.RequestTimeoutDuration())
	if err != nil {
		e.finishFailed(job.ID, fmt.Sprintf("failed to submit task: %v", err))
		return
	}
	log = log.WithRunID(runID)
	log.Info("task accepted by gateway")

	timer := time.NewTimer(e.cfg.TaskTimeoutDuration())
	defer timer.Stop()

	select {
	case result := <-outcome:
		e.finish(job.ID, result, log)

	case <-timer.C:
		release()
		e.finishFailed(job.ID, fmt.Sprintf("timeout: no terminal event within %s", e.cfg.TaskTimeoutDuration()))
		log.Warn("task timed out")

	case <-ctx.Done():
		release()
		log.Info("abandoning in-flight task on shutdown")
	}
}

func (e *Executor) finish(jobID string, result gateway.RunOutcome, log *logger.Logger) {
	switch {
	case result.Err != nil:
		e.finishFailed(jobID, result.Err.Error())
		log.Warn("task failed", zap.Error(result.Err))

	case result.NeedsInput:
		pending := models.StatusPending
		if _, err := e.store.Update(jobID, store.UpdateParams{
			Status:        &pending,
			StatusMessage: "agent asked for clarification",
			Result:        &result.Text,
		}); err != nil {
			log.Error("failed to mark job pending", zap.Error(err))
		}
		log.Info("task needs clarification")

	default:
		if err := e.store.SaveResult(jobID, result.Text); err != nil {
			e.finishFailed(jobID, fmt.Sprintf("failed to persist result: %v", err))
			return
		}
		summary := summarize(result.Text)
		done := models.StatusDone
		if _, err := e.store.Update(jobID, store.UpdateParams{
			Status:        &done,
			StatusMessage: "completed",
			Result:        &summary,
		}); err != nil {
			log.Error("failed to mark job done", zap.Error(err))
		}
		log.Info("task completed")
	}
}

func (e *Executor) finishFailed(jobID, msg string) {
	failed := models.StatusFailed
	if _, err := e.store.Update(jobID, store.UpdateParams{
		Status:        &failed,
		StatusMessage: "failed",
		Error:         &msg,
	}); err != nil {
		e.logger.WithJobID(jobID).Error("failed to mark job failed", zap.Error(err))
	}
}

// buildTaskMessage composes the agent prompt from the job fields plus
// any accumulated clarification context.
func buildTaskMessage(job *models.Job) string {
	var b strings.Builder

	if job.Priority == models.PriorityCritical {
		b.WriteString("[CRITICAL] This task is marked critical; treat it as urgent.\n\n")
	}
	b.WriteString("Task: ")
	b.WriteString(job.Title)
	b.WriteString("\n")
	if job.Description != "" {
		b.WriteString("\n")
		b.WriteString(job.Description)
		b.WriteString("\n")
	}

	if len(job.Clarifications) > 0 {
		b.WriteString("\nClarifications provided so far:\n")
		for _, c := range job.Clarifications {
			b.WriteString(fmt.Sprintf("Q: %s\nA: %s\n", c.Question, c.Answer))
		}
	}
	return b.String()
}

func summarize(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= summaryLimit {
		return text
	}
	return text[:summaryLimit] + "..."
}
