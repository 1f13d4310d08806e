// Package scan owns the Scan entity and its lifecycle state machine.
package scan

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/scanforge/engine/pkg/engineerrors"
	"github.com/scanforge/engine/pkg/event"
)

// State is a Scan's position in its lifecycle.
type State string

const (
	StateCreated   State = "CREATED"
	StateStarting  State = "STARTING"
	StateRunning   State = "RUNNING"
	StateFinishing State = "FINISHING"
	StateFinished  State = "FINISHED"
	StateAborting  State = "ABORTING"
	StateAborted   State = "ABORTED"
	StateFailed    State = "FAILED"
)

// transitions enumerates every legal State -> State edge. Anything not
// listed here is rejected with engineerrors.ErrIllegalScanTransition.
var transitions = map[State]map[State]bool{
	StateCreated:   {StateStarting: true, StateFailed: true},
	StateStarting:  {StateRunning: true, StateFailed: true, StateAborting: true},
	StateRunning:   {StateFinishing: true, StateAborting: true, StateFailed: true},
	StateFinishing: {StateFinished: true, StateFailed: true},
	StateAborting:  {StateAborted: true, StateFailed: true},
	StateFinished:  {},
	StateAborted:   {},
	StateFailed:    {},
}

// Terminal reports whether a State has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateAborted || s == StateFailed
}

// Metrics counts the lifetime activity of one scan, per spec.md §3's
// Scan.metrics.
type Metrics struct {
	EventsProduced int `json:"events_produced"`
	Errors         int `json:"errors"`
	Retries        int `json:"retries"`
}

// Scan is one execution of a configured set of modules against a set of
// seed inputs.
type Scan struct {
	ID          string
	Name        string
	TargetValue string
	TargetType  string
	Modules     []string
	CreatedAt   time.Time
	StartedAt   time.Time
	EndedAt     time.Time

	mu      sync.Mutex
	state   State
	metrics Metrics
}

// New creates a Scan in the CREATED state.
func New(name, targetValue, targetType string, modules []string) *Scan {
	return &Scan{
		ID:          uuid.NewString(),
		Name:        name,
		TargetValue: targetValue,
		TargetType:  targetType,
		Modules:     modules,
		CreatedAt:   time.Now(),
		state:       StateCreated,
	}
}

func (s *Scan) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IncEventsProduced, IncErrors, and IncRetries update this scan's
// lifetime counters so Record() reflects current activity. pkg/engine
// calls IncEventsProduced for every published event, and IncErrors and
// IncRetries for every failed handler invocation.
func (s *Scan) IncEventsProduced() {
	s.mu.Lock()
	s.metrics.EventsProduced++
	s.mu.Unlock()
}

func (s *Scan) IncErrors() {
	s.mu.Lock()
	s.metrics.Errors++
	s.mu.Unlock()
}

func (s *Scan) IncRetries() {
	s.mu.Lock()
	s.metrics.Retries++
	s.mu.Unlock()
}

// Record snapshots the Scan into its storage-facing representation,
// per spec.md §3's Scan entity: the mutex and live state machine stay
// behind the Scan type, so only this immutable copy ever reaches
// pkg/storage.
type Record struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	TargetValue string    `json:"target_value"`
	TargetType  string    `json:"target_type"`
	Status      State     `json:"status"`
	Modules     []string  `json:"module_set"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
	Metrics     Metrics   `json:"metrics"`
}

// Record returns a point-in-time snapshot suitable for
// storage.Store.UpsertScan.
func (s *Scan) Record() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Record{
		ID:          s.ID,
		Name:        s.Name,
		TargetValue: s.TargetValue,
		TargetType:  s.TargetType,
		Status:      s.state,
		Modules:     append([]string(nil), s.Modules...),
		CreatedAt:   s.CreatedAt,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
		Metrics:     s.metrics,
	}
}

// Transition moves the scan to next, validating against the state
// machine. It returns the StatePayload describing the edge taken so
// the caller can publish a KindScanState Event for it.
func (s *Scan) Transition(next State) (event.StatePayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return event.StatePayload{}, fmt.Errorf("scan %s: %w", s.ID, engineerrors.ErrScanTerminated)
	}
	allowed, ok := transitions[s.state]
	if !ok || !allowed[next] {
		return event.StatePayload{}, fmt.Errorf("scan %s: %s -> %s: %w", s.ID, s.state, next, engineerrors.ErrIllegalScanTransition)
	}

	payload := event.StatePayload{From: string(s.state), To: string(next)}
	s.state = next

	switch next {
	case StateRunning:
		s.StartedAt = time.Now()
	case StateFinished, StateAborted, StateFailed:
		s.EndedAt = time.Now()
	}

	return payload, nil
}
