package job

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriber channels are buffered; a slow reader loses intermediate
// snapshots rather than stalling the relay.
const subscriberBuffer = 64

// Manager owns the in-memory job table and fans job snapshots out to
// progress subscribers. All methods are safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	subs    map[string]map[chan Job]struct{}
	cancels map[string]context.CancelFunc
	ttl     time.Duration
}

func NewManager(ttl time.Duration) *Manager {
	return &Manager{
		jobs:    make(map[string]*Job),
		subs:    make(map[string]map[chan Job]struct{}),
		cancels: make(map[string]context.CancelFunc),
		ttl:     ttl,
	}
}

// Create registers a new queued job and returns a snapshot of it.
func (m *Manager) Create(url string, profile Profile) Job {
	now := time.Now()
	j := &Job{
		ID:        uuid.New().String(),
		URL:       url,
		Profile:   profile,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.jobs[j.ID] = j
	m.mu.Unlock()

	return *j
}

// Get returns a snapshot of the job.
func (m *Manager) Get(id string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}

	return *j, true
}

// Update applies mutate under the lock, stamps UpdatedAt and broadcasts the
// new snapshot to subscribers. A terminal status closes all subscriptions.
func (m *Manager) Update(id string, mutate func(*Job)) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}

	mutate(j)
	j.UpdatedAt = time.Now()
	snapshot := *j

	// Sends are non-blocking, so broadcasting stays under the lock. That
	// serializes it against Subscribe and its cancel func; a send can never
	// race a close or a concurrent map write.
	for ch := range m.subs[id] {
		select {
		case ch <- snapshot:
		default: // drop for slow readers
		}

		if snapshot.Status.Terminal() {
			close(ch)
		}
	}

	if snapshot.Status.Terminal() {
		delete(m.subs, id)
		delete(m.cancels, id)
	}

	return snapshot, true
}

// Subscribe returns a channel of job snapshots plus a cancel func. The
// channel is closed when the job reaches a terminal status or on cancel.
func (m *Manager) Subscribe(id string) (<-chan Job, func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, nil, false
	}

	ch := make(chan Job, subscriberBuffer)

	if j.Status.Terminal() {
		// Late subscriber: hand over the final snapshot and close.
		ch <- *j
		close(ch)

		return ch, func() {}, true
	}

	if m.subs[id] == nil {
		m.subs[id] = make(map[chan Job]struct{})
	}

	m.subs[id][ch] = struct{}{}

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if set, ok := m.subs[id]; ok {
			if _, member := set[ch]; member {
				delete(set, ch)
				close(ch)
			}
		}
	}

	return ch, cancel, true
}

// RegisterCancel stores the cancel func that kills the job's subprocess.
func (m *Manager) RegisterCancel(id string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j, ok := m.jobs[id]; ok && !j.Status.Terminal() {
		m.cancels[id] = cancel
	}
}

// Cancel kills the job's subprocess if it is still running.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	delete(m.cancels, id)
	m.mu.Unlock()

	if ok {
		cancel()
	}

	return ok
}

// Remove drops the job from the table, closing any remaining subscribers.
// It returns the final snapshot so the caller can clean the temp dir up.
func (m *Manager) Remove(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}

	snapshot := *j

	for ch := range m.subs[id] {
		close(ch)
	}

	delete(m.jobs, id)
	delete(m.subs, id)
	delete(m.cancels, id)

	return snapshot, true
}

// Claim atomically removes a finished job and returns its final snapshot.
// It fails for unknown or unfinished jobs, so however many requests race
// for an artifact, exactly one collects it.
func (m *Manager) Claim(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != StatusFinished {
		return Job{}, false
	}

	snapshot := *j

	for ch := range m.subs[id] {
		close(ch)
	}

	delete(m.jobs, id)
	delete(m.subs, id)
	delete(m.cancels, id)

	return snapshot, true
}

// Expired returns snapshots of jobs older than the manager TTL.
func (m *Manager) Expired(now time.Time) []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []Job

	for _, j := range m.jobs {
		if now.Sub(j.CreatedAt) > m.ttl {
			expired = append(expired, *j)
		}
	}

	return expired
}

// All returns snapshots of every tracked job.
func (m *Manager) All() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, *j)
	}

	return jobs
}
