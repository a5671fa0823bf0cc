package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session statuses.
const (
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// Progress is the live counters for a run session.
type Progress struct {
	Total     int      `json:"total"`
	Completed int      `json:"completed"`
	Running   int      `json:"running"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Snapshot is an immutable view of a session, safe to serialize.
type Snapshot struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Progress  Progress  `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session tracks one project run. Subscribers receive a snapshot after every
// mutation; slow subscribers drop updates rather than block the run.
type Session struct {
	mu        sync.Mutex
	id        string
	status    string
	progress  Progress
	createdAt time.Time
	updatedAt time.Time
	subs      map[int]chan Snapshot
	nextSub   int
}

// NewSession creates a running session with a fresh id.
func NewSession() *Session {
	now := time.Now().UTC()
	return &Session{
		id:        uuid.NewString(),
		status:    SessionRunning,
		createdAt: now,
		updatedAt: now,
		subs:      make(map[int]chan Snapshot),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Snapshot returns the current session view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:     s.id,
		Status: s.status,
		Progress: Progress{
			Total:     s.progress.Total,
			Completed: s.progress.Completed,
			Running:   s.progress.Running,
			Warnings:  append([]string{}, s.progress.Warnings...),
		},
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
}

// Subscribe registers a progress feed. The returned cancel func must be
// called to release the channel.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Snapshot, 16)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Session) publishLocked() {
	s.updatedAt = time.Now().UTC()
	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// SetTotal records the package count before execution starts.
func (s *Session) SetTotal(n int) {
	s.mu.Lock()
	s.progress.Total = n
	s.publishLocked()
	s.mu.Unlock()
}

// PackageStarted bumps the running counter.
func (s *Session) PackageStarted() {
	s.mu.Lock()
	s.progress.Running++
	s.publishLocked()
	s.mu.Unlock()
}

// PackageFinished moves one package from running to completed.
func (s *Session) PackageFinished() {
	s.mu.Lock()
	if s.progress.Running > 0 {
		s.progress.Running--
	}
	s.progress.Completed++
	s.publishLocked()
	s.mu.Unlock()
}

// PackageSkipped counts a package that never started.
func (s *Session) PackageSkipped() {
	s.mu.Lock()
	s.progress.Completed++
	s.publishLocked()
	s.mu.Unlock()
}

// AddWarning collects a non-fatal failure.
func (s *Session) AddWarning(msg string) {
	s.mu.Lock()
	s.progress.Warnings = append(s.progress.Warnings, msg)
	s.publishLocked()
	s.mu.Unlock()
}

// Terminate sets the final status and closes all subscriber channels.
func (s *Session) Terminate(status string) {
	s.mu.Lock()
	s.status = status
	s.publishLocked()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()
}
