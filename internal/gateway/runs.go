package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/logger"
)

// MethodAgentTask is the request method that submits a task to the agent.
const MethodAgentTask = "agent.task"

// RunOutcome is the terminal result of one agent run.
type RunOutcome struct {
	// Text is the accumulated assistant text at the moment the run ended.
	Text string

	// NeedsInput reports that the agent asked a question instead of
	// finishing; Text holds the question.
	NeedsInput bool

	Err error
}

type runEntry struct {
	text    string
	outcome chan RunOutcome
}

// RunRouter correlates agent.task requests with the streamed events that
// follow them, keyed by run id. One router serves one link.
type RunRouter struct {
	mu      sync.Mutex
	runs    map[string]*runEntry
	logger  *logger.Logger
	dispose func()
}

// NewRunRouter creates a router subscribed to the link's agent events.
func NewRunRouter(link *Link, log *logger.Logger) *RunRouter {
	r := &RunRouter{
		runs:   make(map[string]*runEntry),
		logger: log.WithFields(zap.String("component", "run_router")),
	}
	r.dispose = link.On(EventAgent, r.route)
	return r
}

// Track registers a run id and returns the channel its outcome will be
// delivered on. The caller must Release the id if it abandons the run.
func (r *RunRouter) Track(runID string) <-chan RunOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := &runEntry{outcome: make(chan RunOutcome, 1)}
	r.runs[runID] = entry
	return entry.outcome
}

// Release drops a tracked run. Safe to call after the outcome fired.
func (r *RunRouter) Release(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// Close unsubscribes the router from its link.
func (r *RunRouter) Close() {
	if r.dispose != nil {
		r.dispose()
	}
}

func (r *RunRouter) route(payload json.RawMessage) {
	var ev RunEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		r.logger.Warn("failed to parse run event", zap.Error(err))
		return
	}

	r.mu.Lock()
	entry, ok := r.runs[ev.RunID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("event for unknown run", zap.String("run_id", ev.RunID))
		return
	}

	switch {
	case ev.Phase == PhaseEnd:
		text := entry.text
		delete(r.runs, ev.RunID)
		r.mu.Unlock()
		entry.outcome <- RunOutcome{Text: text}

	case ev.Phase == PhaseError:
		delete(r.runs, ev.RunID)
		r.mu.Unlock()
		msg := ev.Error
		if msg == "" {
			msg = "agent run failed"
		}
		entry.outcome <- RunOutcome{Err: errors.New(msg)}

	case ev.Phase == PhaseAsk:
		question := entry.text
		if ev.Text != "" {
			question = ev.Text
		}
		delete(r.runs, ev.RunID)
		r.mu.Unlock()
		entry.outcome <- RunOutcome{Text: question, NeedsInput: true}

	case ev.Stream == StreamAssistant:
		// Assistant text is cumulative: each event replaces the whole.
		entry.text = ev.Text
		r.mu.Unlock()

	default:
		r.mu.Unlock()
	}
}

// TaskRequest describes one unit of work handed to the agent.
type TaskRequest struct {
	Agent   string
	Channel string
	Message string
}

// AgentClient submits tasks over a link using the run-id-correlated
// streaming convention: the request returns only an acceptance ack, and
// completion always arrives as streamed events routed by run id.
type AgentClient struct {
	link   *Link
	runs   *RunRouter
	logger *logger.Logger
}

// NewAgentClient creates a task client over the given link.
func NewAgentClient(link *Link, log *logger.Logger) *AgentClient {
	return &AgentClient{
		link:   link,
		runs:   NewRunRouter(link, log),
		logger: log.WithFields(zap.String("component", "agent_client")),
	}
}

// StartTask submits a task with a fresh run key and returns the run id,
// the outcome channel, and a release function the caller must invoke if
// it stops waiting (e.g. on timeout).
func (c *AgentClient) StartTask(ctx context.Context, req *TaskRequest, ackTimeout time.Duration) (string, <-chan RunOutcome, func(), error) {
	runID := uuid.New().String()
	outcome := c.runs.Track(runID)
	release := func() { c.runs.Release(runID) }

	params := &TaskParams{
		RunID:   runID,
		Agent:   req.Agent,
		Channel: req.Channel,
		Message: req.Message,
	}

	resp, err := c.link.Request(ctx, MethodAgentTask, params, ackTimeout)
	if err != nil {
		release()
		return "", nil, nil, err
	}
	if !resp.OK {
		release()
		return "", nil, nil, fmt.Errorf("task rejected by gateway: %s", resp.Error)
	}

	var ack TaskAck
	if err := json.Unmarshal(resp.Payload, &ack); err == nil && ack.RunID != "" && ack.RunID != runID {
		c.logger.Warn("gateway ack carries unexpected run id",
			zap.String("sent", runID),
			zap.String("acked", ack.RunID))
	}

	c.logger.Debug("task accepted", zap.String("run_id", runID))
	return runID, outcome, release, nil
}

// Close releases the underlying run router subscription.
func (c *AgentClient) Close() {
	c.runs.Close()
}
