// Package registry tracks the status of in-flight deployments by polling id.
//
// The registry is the only shared mutable state the controller owns. It is a
// sharded map so that two concurrent deployments never contend on the same
// lock, and readers of one key are never blocked by writers of another.
// Entries live until explicit deregistration or process restart; there is no
// persistence and no expiry.
package registry

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/arcs-ctf/deployd/internal/domain"
)

// shardCount is the number of independent locks. Must be a power of two.
const shardCount = 32

// ErrNotFound is returned when no entry exists for a poll id.
var ErrNotFound = errors.New("poll id not registered")

// ErrNotInProgress is returned when a transition requires an in-progress entry.
var ErrNotInProgress = errors.New("deployment is not in progress")

// ErrTerminal is returned when a transition targets an already-terminal entry.
var ErrTerminal = errors.New("deployment already finished")

// AlreadyRegisteredError is returned by Register when the poll id is held by
// an active deployment. It carries the existing status so the dispatcher can
// report the in-progress step in the 409 response.
type AlreadyRegisteredError struct {
	Existing domain.DeployStatus
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("poll id already registered (status %s)", e.Existing.WireName())
}

// PollResult is the snapshot returned by Poll.
type PollResult struct {
	ID              domain.PollID
	Status          domain.DeployStatus
	PollTime        time.Time
	SinceLastChange time.Duration
}

type shard struct {
	mu      sync.RWMutex
	entries map[domain.PollID]domain.DeployStatus
}

// Registry is a process-wide concurrent map from poll id to deployment status.
// The zero value is not usable; construct with New.
type Registry struct {
	shards [shardCount]*shard

	// now is swappable for tests.
	now func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{now: time.Now}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[domain.PollID]domain.DeployStatus)}
	}
	return r
}

func (r *Registry) shardFor(id domain.PollID) *shard {
	h := fnv.New32a()
	h.Write(id.UUID[:])
	return r.shards[h.Sum32()&(shardCount-1)]
}

// Register inserts InProgress(now, Building) for id.
//
// If the id is absent the insert succeeds. If an existing entry is terminal it
// is replaced atomically (deregister-then-register under the shard lock). An
// active in-progress entry is never overwritten: Register returns an
// AlreadyRegisteredError carrying the existing status.
func (r *Registry) Register(id domain.PollID) error {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[id]; ok && !existing.Terminal() {
		return &AlreadyRegisteredError{Existing: existing}
	}
	s.entries[id] = domain.InProgress(r.now(), domain.StepBuilding)
	return nil
}

// Poll returns the current status snapshot for id, or ErrNotFound.
func (r *Registry) Poll(id domain.PollID) (PollResult, error) {
	s := r.shardFor(id)
	s.mu.RLock()
	status, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok {
		return PollResult{}, ErrNotFound
	}

	now := r.now()
	since := time.Duration(0)
	switch status.Kind {
	case domain.StatusInProgress:
		since = now.Sub(status.ChangedAt)
	case domain.StatusSuccess, domain.StatusFailure:
		since = now.Sub(status.FinishedAt)
	}
	return PollResult{ID: id, Status: status, PollTime: now, SinceLastChange: since}, nil
}

// Advance moves an in-progress entry to the next pipeline step.
//
// If nextStep is empty it defaults to the successor of the current step.
// Advancing past Deploying is rejected, as is any transition on an entry that
// is not in progress. Setting the current step again is a no-op that does not
// touch the change timestamp.
func (r *Registry) Advance(id domain.PollID, nextStep domain.Step) (domain.DeployStatus, error) {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	status, ok := s.entries[id]
	if !ok {
		return domain.DeployStatus{}, ErrNotFound
	}
	if status.Kind != domain.StatusInProgress {
		return domain.DeployStatus{}, fmt.Errorf("advance %s: %w", id, ErrNotInProgress)
	}

	if nextStep == "" {
		next, ok := status.Step.Next()
		if !ok {
			return domain.DeployStatus{}, fmt.Errorf("advance %s: no step after %s", id, status.Step)
		}
		nextStep = next
	} else if !domain.ValidStep(nextStep) {
		return domain.DeployStatus{}, fmt.Errorf("advance %s: unknown step %q", id, nextStep)
	}

	if nextStep.Before(status.Step) {
		return domain.DeployStatus{}, fmt.Errorf("advance %s: step %s cannot move back to %s", id, status.Step, nextStep)
	}

	if nextStep != status.Step {
		status.Step = nextStep
		status.ChangedAt = r.now()
		s.entries[id] = status
	}
	return status, nil
}

// Succeed transitions id to Success with the recorded ports.
func (r *Registry) Succeed(id domain.PollID, ports []int32) error {
	return r.finish(id, func(now time.Time) domain.DeployStatus {
		return domain.DeployStatus{Kind: domain.StatusSuccess, FinishedAt: now, ChangedAt: now, Ports: ports}
	})
}

// Fail transitions id to Failure with the given reason.
func (r *Registry) Fail(id domain.PollID, reason string) error {
	return r.finish(id, func(now time.Time) domain.DeployStatus {
		return domain.DeployStatus{Kind: domain.StatusFailure, FinishedAt: now, ChangedAt: now, Reason: reason}
	})
}

func (r *Registry) finish(id domain.PollID, build func(time.Time) domain.DeployStatus) error {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	status, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	if status.Terminal() {
		return fmt.Errorf("finish %s: %w", id, ErrTerminal)
	}
	s.entries[id] = build(r.now())
	return nil
}

// Deregister removes the entry for id, returning its prior status.
// The second return is false when no entry existed.
func (r *Registry) Deregister(id domain.PollID) (domain.DeployStatus, bool) {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	status, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	return status, ok
}

// Len returns the number of tracked deployments across all shards.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
