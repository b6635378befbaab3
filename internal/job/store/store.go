// Package store provides the durable job store: a priority queue, the
// per-job state machine with append-only history, clarification handling,
// result-blob storage and pub/sub of store events.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/logger"
	"github.com/agentboard/agentboard/internal/events/bus"
	"github.com/agentboard/agentboard/internal/job/models"
)

// Common errors
var (
	ErrNotFound       = errors.New("job not found")
	ErrNotPending     = errors.New("job is not awaiting clarification")
	ErrNoResult       = errors.New("job has no stored result")
	ErrAlreadyRunning = errors.New("another job is already running")
)

// Event types emitted by the store. On the event bus they are published
// under "jobs.<type>".
const (
	EventJobCreated = "job.created"
	EventJobUpdated = "job.updated"
	EventJobDeleted = "job.deleted"
	EventQueueReady = "queue.ready"
)

// BusSubjectPrefix is the event bus subject prefix for store events.
const BusSubjectPrefix = "jobs."

const (
	collectionFile = "jobs.json"
	resultsDir     = "results"
)

// Event is a store notification delivered to local subscribers and the
// event bus.
type Event struct {
	Type string      `json:"type"`
	Job  *models.Job `json:"job,omitempty"`
}

// Listener receives store events in emission order.
type Listener func(Event)

// CreateParams are the caller-supplied fields for a new job.
type CreateParams struct {
	Title       string
	Description string
	Status      models.Status
	Priority    models.Priority
	Agent       string
	Channel     string
	ScheduledAt *time.Time
}

// UpdateParams are the optional fields of a partial update. Nil fields
// are left untouched.
type UpdateParams struct {
	Title       *string
	Description *string
	Status      *models.Status
	Priority    *models.Priority
	Agent       *string
	Channel     *string
	ScheduledAt *time.Time

	// StatusMessage overrides the history message for a status change.
	StatusMessage string

	// Error and Result are set by the executor on terminal transitions.
	Error  *string
	Result *string
}

// ListFilter narrows List results.
type ListFilter struct {
	Status models.Status
	Agent  string
}

// Stats summarizes the store for the queue status endpoint.
type Stats struct {
	Total      int                   `json:"total"`
	ByStatus   map[models.Status]int `json:"byStatus"`
	QueueDepth int                   `json:"queueDepth"`
	Running    string                `json:"running,omitempty"`
}

// Store holds the job collection. The whole collection is serialized to
// one JSON document on every mutation; result blobs are written to
// individual files keyed by job id. Single-writer, single-process:
// concurrent external writers are not supported.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]*models.Job
	queue   []string // job ids with status=queued, insertion order
	running string   // id of the single running job, "" if none

	dataDir string
	bus     bus.EventBus
	logger  *logger.Logger

	listenersMu  sync.Mutex
	listeners    map[int]Listener
	nextListener int
}

type collectionDoc struct {
	Jobs []*models.Job `json:"jobs"`
}

// New creates a store rooted at dataDir, loading any existing collection
// document. The event bus is optional; nil disables bus publishing.
func New(dataDir string, eventBus bus.EventBus, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, resultsDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	s := &Store{
		jobs:      make(map[string]*models.Job),
		dataDir:   dataDir,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "job_store")),
		listeners: make(map[int]Listener),
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	path := filepath.Join(s.dataDir, collectionFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read job collection: %w", err)
	}

	var doc collectionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse job collection: %w", err)
	}

	recovered := 0
	for _, job := range doc.Jobs {
		// A job left running by a previous process cannot still be
		// executing; put it back in the queue.
		if job.Status == models.StatusRunning {
			job.Status = models.StatusQueued
			job.History = append(job.History, models.HistoryEntry{
				Timestamp: time.Now().UTC(),
				Status:    models.StatusQueued,
				Message:   "requeued after restart",
			})
			recovered++
		}
		s.jobs[job.ID] = job
		if job.Status == models.StatusQueued {
			s.queue = append(s.queue, job.ID)
		}
	}

	s.logger.Info("loaded job collection",
		zap.Int("jobs", len(s.jobs)),
		zap.Int("queued", len(s.queue)),
		zap.Int("recovered", recovered))
	return nil
}

// persistLocked serializes the whole collection. Callers hold s.mu.
func (s *Store) persistLocked() error {
	doc := collectionDoc{Jobs: make([]*models.Job, 0, len(s.jobs))}
	for _, job := range s.jobs {
		doc.Jobs = append(doc.Jobs, job)
	}
	sort.Slice(doc.Jobs, func(i, j int) bool {
		return doc.Jobs[i].CreatedAt.Before(doc.Jobs[j].CreatedAt)
	})

	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job collection: %w", err)
	}

	path := filepath.Join(s.dataDir, collectionFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write job collection: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace job collection: %w", err)
	}
	return nil
}

// Subscribe registers a listener for store events. The returned function
// removes the subscription.
func (s *Store) Subscribe(fn Listener) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn

	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) emit(ev Event) {
	s.listenersMu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}

	if s.bus != nil {
		data := map[string]interface{}{}
		if ev.Job != nil {
			data["job"] = ev.Job
		}
		busEvent := bus.NewEvent(ev.Type, "job_store", data)
		if err := s.bus.Publish(context.Background(), BusSubjectPrefix+ev.Type, busEvent); err != nil {
			s.logger.Warn("failed to publish store event",
				zap.String("type", ev.Type),
				zap.Error(err))
		}
	}
}

func validateFields(title, description string) error {
	if title == "" {
		return fmt.Errorf("title is required")
	}
	if len(title) > models.MaxTitleLen {
		return fmt.Errorf("title exceeds %d characters", models.MaxTitleLen)
	}
	if len(description) > models.MaxDescriptionLen {
		return fmt.Errorf("description exceeds %d characters", models.MaxDescriptionLen)
	}
	return nil
}

// Create adds a new job in backlog or queued state.
func (s *Store) Create(p CreateParams) (*models.Job, error) {
	if err := validateFields(p.Title, p.Description); err != nil {
		return nil, err
	}

	status := p.Status
	if status == "" {
		status = models.StatusBacklog
	}
	if status != models.StatusBacklog && status != models.StatusQueued {
		return nil, fmt.Errorf("new jobs must start in %s or %s", models.StatusBacklog, models.StatusQueued)
	}

	priority := p.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("unknown priority %q", priority)
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:          uuid.New().String(),
		Title:       p.Title,
		Description: p.Description,
		Status:      status,
		Priority:    priority,
		Agent:       p.Agent,
		Channel:     p.Channel,
		CreatedAt:   now,
		UpdatedAt:   now,
		ScheduledAt: p.ScheduledAt,
		History: []models.HistoryEntry{
			{Timestamp: now, Status: status, Message: "created"},
		},
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	queued := status == models.StatusQueued
	if queued {
		s.queue = append(s.queue, job.ID)
	}
	err := s.persistLocked()
	clone := job.Clone()
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	s.emit(Event{Type: EventJobCreated, Job: clone})
	if queued {
		s.emit(Event{Type: EventQueueReady})
	}
	return clone, nil
}

// Get returns a copy of the job with the given id.
func (s *Store) Get(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.Clone(), nil
}

// List returns jobs matching the filter, ordered by creation time.
func (s *Store) List(filter ListFilter) []*models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Agent != "" && job.Agent != filter.Agent {
			continue
		}
		result = append(result, job.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Update applies a partial update. A status change runs the full
// transition side effects; setting the current status again is a no-op
// that appends no history.
func (s *Store) Update(id string, p UpdateParams) (*models.Job, error) {
	s.mu.Lock()

	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	title := job.Title
	if p.Title != nil {
		title = *p.Title
	}
	description := job.Description
	if p.Description != nil {
		description = *p.Description
	}
	if err := validateFields(title, description); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if p.Priority != nil && !p.Priority.Valid() {
		s.mu.Unlock()
		return nil, fmt.Errorf("unknown priority %q", *p.Priority)
	}
	if p.Status != nil && !p.Status.Valid() {
		s.mu.Unlock()
		return nil, fmt.Errorf("unknown status %q", *p.Status)
	}
	// The running slot is a singleton. A second job cannot enter it,
	// whether moved by an operator or dispatched by the executor.
	if p.Status != nil && *p.Status == models.StatusRunning &&
		s.running != "" && s.running != id {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, s.running)
	}

	job.Title = title
	job.Description = description
	if p.Priority != nil {
		job.Priority = *p.Priority
	}
	if p.Agent != nil {
		job.Agent = *p.Agent
	}
	if p.Channel != nil {
		job.Channel = *p.Channel
	}
	if p.ScheduledAt != nil {
		job.ScheduledAt = p.ScheduledAt
	}
	if p.Error != nil {
		job.Error = *p.Error
	}
	if p.Result != nil {
		job.Result = *p.Result
	}

	queueReady := false
	if p.Status != nil {
		queueReady = s.applyStatusLocked(job, *p.Status, p.StatusMessage)
	}
	job.UpdatedAt = time.Now().UTC()

	err := s.persistLocked()
	clone := job.Clone()
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	s.emit(Event{Type: EventJobUpdated, Job: clone})
	if queueReady {
		s.emit(Event{Type: EventQueueReady})
	}
	return clone, nil
}

// applyStatusLocked performs one status transition with its side
// effects, appending exactly one history entry. Re-applying the current
// status appends nothing. Returns whether a queue-ready signal is due.
func (s *Store) applyStatusLocked(job *models.Job, status models.Status, message string) bool {
	if job.Status == status {
		return false
	}

	prev := job.Status
	now := time.Now().UTC()
	queueReady := false

	// Leaving the old state.
	switch prev {
	case models.StatusQueued:
		s.dequeueLocked(job.ID)
	case models.StatusRunning:
		if s.running == job.ID {
			s.running = ""
		}
		// Free slot: wake the executor instead of waiting for its timer.
		queueReady = true
	}

	// Entering the new state.
	switch status {
	case models.StatusQueued:
		job.Error = ""
		job.FinishedAt = nil
		s.queue = append(s.queue, job.ID)
		queueReady = true
	case models.StatusRunning:
		job.Error = ""
		job.FinishedAt = nil
		s.running = job.ID
	case models.StatusDone, models.StatusFailed:
		t := now
		job.FinishedAt = &t
	}

	job.Status = status
	if message == "" {
		message = fmt.Sprintf("status changed from %s to %s", prev, status)
	}
	job.History = append(job.History, models.HistoryEntry{
		Timestamp: now,
		Status:    status,
		Message:   message,
	})
	return queueReady
}

func (s *Store) dequeueLocked(id string) {
	for i, qid := range s.queue {
		if qid == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// Delete removes a job, its queue entry and its result reference. The
// blob file under results/ is left behind; the store never serves it
// again once the job record is gone.
func (s *Store) Delete(id string) error {
	s.mu.Lock()

	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	delete(s.jobs, id)
	s.dequeueLocked(id)
	if s.running == id {
		s.running = ""
	}
	err := s.persistLocked()
	clone := job.Clone()
	s.mu.Unlock()

	if err != nil {
		return err
	}

	s.emit(Event{Type: EventJobDeleted, Job: clone})
	return nil
}

// AddClarification answers the question a pending job is blocked on and
// requeues it. Only valid while the job is pending.
func (s *Store) AddClarification(id, answer string) (*models.Job, error) {
	s.mu.Lock()

	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.Status != models.StatusPending {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, job.Status)
	}

	job.Clarifications = append(job.Clarifications, models.Clarification{
		Question:  job.Result,
		Answer:    answer,
		Timestamp: time.Now().UTC(),
	})
	queueReady := s.applyStatusLocked(job, models.StatusQueued, "clarification received")
	job.UpdatedAt = time.Now().UTC()

	err := s.persistLocked()
	clone := job.Clone()
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	s.emit(Event{Type: EventJobUpdated, Job: clone})
	if queueReady {
		s.emit(Event{Type: EventQueueReady})
	}
	return clone, nil
}

// SaveResult durably writes the full result text for a job and only then
// records the result URL on the job.
func (s *Store) SaveResult(id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	path := filepath.Join(s.dataDir, resultsDir, id)
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return fmt.Errorf("failed to write result blob: %w", err)
	}

	job.ResultURL = "/api/jobs/" + id + "/result"
	job.UpdatedAt = time.Now().UTC()
	return s.persistLocked()
}

// GetResult reads the stored full result text for a job.
func (s *Store) GetResult(id string) (string, error) {
	s.mu.RLock()
	_, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	data, err := os.ReadFile(filepath.Join(s.dataDir, resultsDir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNoResult, id)
		}
		return "", fmt.Errorf("failed to read result blob: %w", err)
	}
	return string(data), nil
}

// NextInQueue returns the next eligible queued job, or nil when a job is
// already running or nothing is eligible. Ordering: immediately eligible
// jobs before future-scheduled ones, then priority rank, then creation
// time.
func (s *Store) NextInQueue() *models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.running != "" {
		return nil
	}

	now := time.Now().UTC()
	candidates := s.sortedQueueLocked(now)
	for _, job := range candidates {
		if job.EligibleAt(now) {
			return job.Clone()
		}
	}
	return nil
}

// QueueSnapshot returns the queued jobs in dispatch order.
func (s *Store) QueueSnapshot() []*models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	jobs := s.sortedQueueLocked(now)
	result := make([]*models.Job, len(jobs))
	for i, job := range jobs {
		result[i] = job.Clone()
	}
	return result
}

// sortedQueueLocked orders the queue by eligibility, priority rank and
// creation time. Callers hold s.mu.
func (s *Store) sortedQueueLocked(now time.Time) []*models.Job {
	jobs := make([]*models.Job, 0, len(s.queue))
	for _, id := range s.queue {
		if job, ok := s.jobs[id]; ok {
			jobs = append(jobs, job)
		}
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		ei, ej := jobs[i].EligibleAt(now), jobs[j].EligibleAt(now)
		if ei != ej {
			return ei
		}
		ri, rj := jobs[i].Priority.Rank(), jobs[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// Running returns the id of the currently running job, "" if none.
func (s *Store) Running() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Stats returns per-status counts, queue depth and the running job id.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Total:      len(s.jobs),
		ByStatus:   make(map[models.Status]int),
		QueueDepth: len(s.queue),
		Running:    s.running,
	}
	for _, job := range s.jobs {
		stats.ByStatus[job.Status]++
	}
	return stats
}
