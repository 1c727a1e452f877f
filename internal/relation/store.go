// Package relation tracks the state of the AUSF's declared integration
// points as observed from the cluster. The store is the single source of
// truth the reconcile loop derives desired state from.
package relation

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"

	"k8s.io/apimachinery/pkg/types"

	operrors "github.com/sdcore/ausf-operator/internal/errors"
)

// Status is the lifecycle state of a relation.
type Status string

const (
	// StatusAbsent means the relation was never observed.
	StatusAbsent Status = "Absent"
	// StatusRequested means the relation object exists but has not
	// published the data this side needs.
	StatusRequested Status = "Requested"
	// StatusConnected means the relation has published its data.
	StatusConnected Status = "Connected"
	// StatusBroken means a previously observed relation disappeared.
	StatusBroken Status = "Broken"
)

// ErrInvalidTransition indicates a relation status update that skips the
// required lifecycle order.
var ErrInvalidTransition = errors.New("invalid relation transition")

// State is the current observation for one relation.
type State struct {
	Name       string
	Status     Status
	RemoteData map[string]string
}

// validNext enumerates the permitted transitions. A relation can never reach
// Connected without passing through Requested, and a Broken relation must be
// re-requested before reconnecting.
var validNext = map[Status]map[Status]struct{}{
	StatusAbsent:    {StatusRequested: {}},
	StatusRequested: {StatusRequested: {}, StatusConnected: {}, StatusBroken: {}},
	StatusConnected: {StatusConnected: {}, StatusBroken: {}},
	StatusBroken:    {StatusBroken: {}, StatusRequested: {}},
}

// Store holds relation state per owning AUSF. It is safe for concurrent use;
// the reconcile loop reads it while watches may feed updates.
type Store struct {
	mu       sync.RWMutex
	declared map[string]struct{}
	states   map[types.NamespacedName]map[string]State
	notify   func(types.NamespacedName)
}

// NewStore creates a store restricted to the declared relation names. The
// notify callback, when non-nil, is invoked after every effective state
// change so the caller can schedule a reconcile; it is not invoked for
// no-op updates, which keeps level-triggered reconciliation from
// self-oscillating.
func NewStore(notify func(types.NamespacedName), declared ...string) *Store {
	d := make(map[string]struct{}, len(declared))
	for _, name := range declared {
		d[name] = struct{}{}
	}
	return &Store{
		declared: d,
		states:   make(map[types.NamespacedName]map[string]State),
		notify:   notify,
	}
}

// Update records a relationship change. It fails with an unknown-relation
// error for undeclared names and rejects transitions that skip the
// Absent -> Requested -> Connected -> Broken order.
func (s *Store) Update(owner types.NamespacedName, name string, status Status, data map[string]string) error {
	if _, ok := s.declared[name]; !ok {
		return fmt.Errorf("%w: %q", operrors.ErrUnknownRelation, name)
	}

	s.mu.Lock()
	current := s.lockedGet(owner, name)
	if _, ok := validNext[current.Status][status]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s for relation %q", ErrInvalidTransition, current.Status, status, name)
	}

	changed := current.Status != status || !maps.Equal(current.RemoteData, data)
	if changed {
		if s.states[owner] == nil {
			s.states[owner] = make(map[string]State)
		}
		s.states[owner][name] = State{
			Name:       name,
			Status:     status,
			RemoteData: maps.Clone(data),
		}
	}
	s.mu.Unlock()

	if changed && s.notify != nil {
		s.notify(owner)
	}
	return nil
}

// Get returns the current state for a relation, or a synthetic Absent state
// if the relation was never observed.
func (s *Store) Get(owner types.NamespacedName, name string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lockedGet(owner, name)
}

// Snapshot returns the state of every declared relation for the owner,
// sorted by relation name.
func (s *Store) Snapshot(owner types.NamespacedName) []State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.declared))
	for name := range s.declared {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]State, 0, len(names))
	for _, name := range names {
		out = append(out, s.lockedGet(owner, name))
	}
	return out
}

// Forget drops all state recorded for an owner. Called when the AUSF is
// deleted.
func (s *Store) Forget(owner types.NamespacedName) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, owner)
}

func (s *Store) lockedGet(owner types.NamespacedName, name string) State {
	if states, ok := s.states[owner]; ok {
		if state, ok := states[name]; ok {
			return state
		}
	}
	return State{Name: name, Status: StatusAbsent}
}
