package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-attendance/internal/constants"
)

// JobStatus represents the status of an async job.
type JobStatus string

// JobStatus constants define the lifecycle states of an async job.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// DetectJob is an async batch detection.
type DetectJob struct {
	EventBroadcaster

	ID          string
	Status      JobStatus
	Total       int
	Processed   int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
	Result      *BatchResponse

	ownerID *int64
}

// DetectJobView is the JSON view of a DetectJob.
type DetectJobView struct {
	ID          string         `json:"id"`
	Status      JobStatus      `json:"status"`
	Progress    int            `json:"progress"`
	Total       int            `json:"total"`
	Processed   int            `json:"processed"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      *BatchResponse `json:"result,omitempty"`
}

// View returns a consistent copy of the job for serialization.
func (j *DetectJob) View() DetectJobView {
	j.mu.RLock()
	defer j.mu.RUnlock()
	v := DetectJobView{
		ID:          j.ID,
		Status:      j.Status,
		Total:       j.Total,
		Processed:   j.Processed,
		Error:       j.Error,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Result:      j.Result,
	}
	if j.Total > 0 {
		v.Progress = j.Processed * 100 / j.Total
	}
	return v
}

// GetStatus returns the current job status (implements SSEJob).
func (j *DetectJob) GetStatus() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// OwnedBy reports whether identityID may see the job. Anonymous jobs are visible to anyone
// holding the id.
func (j *DetectJob) OwnedBy(identityID *int64) bool {
	if j.ownerID == nil {
		return true
	}
	return identityID != nil && *identityID == *j.ownerID
}

// Cancel cancels the detection job.
func (j *DetectJob) Cancel() {
	j.mu.Lock()
	j.Status = JobStatusCancelled
	now := time.Now()
	j.CompletedAt = &now
	j.mu.Unlock()
	j.EventBroadcaster.Cancel()
}

func (j *DetectJob) setRunning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Status == JobStatusPending {
		j.Status = JobStatusRunning
	}
}

func (j *DetectJob) setProcessed(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Processed = max(j.Processed, n)
}

// finish moves the job into a terminal state unless it was cancelled first.
// It returns false when the job was already terminal.
func (j *DetectJob) finish(status JobStatus, result *BatchResponse, errMsg string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if isJobTerminal(j.Status) {
		return false
	}
	now := time.Now()
	j.Status = status
	j.Result = result
	j.Error = errMsg
	j.CompletedAt = &now
	return true
}

// JobEvent represents an event from a job.
type JobEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// EventBroadcaster provides listener management and event broadcasting for async jobs.
// Embed this in job structs to get AddListener, RemoveListener, and SendEvent methods.
type EventBroadcaster struct {
	cancel    context.CancelFunc
	listeners []chan JobEvent
	mu        sync.RWMutex
}

// AddListener adds an event listener.
func (b *EventBroadcaster) AddListener() chan JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan JobEvent, constants.EventChannelBuffer)
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener removes an event listener.
func (b *EventBroadcaster) RemoveListener(ch chan JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// SendEvent sends an event to all listeners.
func (b *EventBroadcaster) SendEvent(event JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// Cancel cancels the job via context and sends a cancelled event.
func (b *EventBroadcaster) Cancel() {
	if b.cancel != nil {
		b.cancel()
	}
	b.SendEvent(JobEvent{Type: "cancelled", Message: "Job cancelled by user"})
}

// SSEJob is the interface required by streamSSEEvents to stream job events via SSE.
type SSEJob interface {
	AddListener() chan JobEvent
	RemoveListener(ch chan JobEvent)
	GetStatus() JobStatus
}

// JobManager manages async jobs.
type JobManager struct {
	jobs      map[string]*DetectJob
	retention time.Duration
	now       func() time.Time
	mu        sync.RWMutex
}

// NewJobManager creates a new job manager. Finished jobs are dropped after retention;
// zero uses constants.JobRetention.
func NewJobManager(retention time.Duration) *JobManager {
	if retention <= 0 {
		retention = constants.JobRetention
	}
	return &JobManager{
		jobs:      make(map[string]*DetectJob),
		retention: retention,
		now:       time.Now,
	}
}

// CreateJob creates a new pending detection job over total images. cancel stops the
// job's work; it may be nil.
func (m *JobManager) CreateJob(ownerID *int64, total int, cancel context.CancelFunc) *DetectJob {
	job := &DetectJob{
		EventBroadcaster: EventBroadcaster{cancel: cancel},
		ID:               uuid.NewString(),
		Status:           JobStatusPending,
		Total:            total,
		StartedAt:        m.now(),
		ownerID:          ownerID,
	}

	m.mu.Lock()
	m.pruneLocked()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	return job
}

// GetJob retrieves a job by ID.
func (m *JobManager) GetJob(id string) *DetectJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// DeleteJob removes a job.
func (m *JobManager) DeleteJob(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
}

// ListJobs returns all jobs.
func (m *JobManager) ListJobs() []*DetectJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]*DetectJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// CancelAll cancels every job that is still running. Used on shutdown.
func (m *JobManager) CancelAll() {
	for _, job := range m.ListJobs() {
		if !isJobTerminal(job.GetStatus()) {
			job.Cancel()
		}
	}
}

func (m *JobManager) pruneLocked() {
	cutoff := m.now().Add(-m.retention)
	for id, job := range m.jobs {
		v := job.View()
		if v.CompletedAt != nil && v.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
		}
	}
}
