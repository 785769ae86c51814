package session

import (
	"errors"
	"sync"
	"time"

	"github.com/jrsteele09/go-session-server/autherr"
)

// InMemoryFlowRepo is a thread-safe in-memory implementation of FlowRepo.
type InMemoryFlowRepo struct {
	mu    sync.Mutex
	flows map[string]*Flow
}

var _ FlowRepo = (*InMemoryFlowRepo)(nil)

func NewInMemoryFlowRepo() *InMemoryFlowRepo {
	return &InMemoryFlowRepo{
		flows: make(map[string]*Flow),
	}
}

func (r *InMemoryFlowRepo) Create(flow *Flow) error {
	if flow == nil || flow.ID == "" {
		return errors.New("[InMemoryFlowRepo.Create] flow id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.flows[flow.ID]; exists {
		return errors.New("[InMemoryFlowRepo.Create] flow already exists")
	}
	r.flows[flow.ID] = flow.clone()
	return nil
}

func (r *InMemoryFlowRepo) Get(id string) (*Flow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	flow, ok := r.flows[id]
	if !ok {
		return nil, unknownFlow("InMemoryFlowRepo.Get")
	}
	return flow.clone(), nil
}

func (r *InMemoryFlowRepo) Update(id string, fn func(*Flow) error) (*Flow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	flow, ok := r.flows[id]
	if !ok {
		return nil, unknownFlow("InMemoryFlowRepo.Update")
	}
	working := flow.clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.ID = id
	r.flows[id] = working
	return working.clone(), nil
}

func (r *InMemoryFlowRepo) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.flows, id)
	return nil
}

// Cleanup drops flows that expired before now and returns how many went.
func (r *InMemoryFlowRepo) Cleanup(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, flow := range r.flows {
		if flow.expired(now) {
			delete(r.flows, id)
			removed++
		}
	}
	return removed
}

func unknownFlow(op string) error {
	return autherr.New(autherr.KindFlowInvalid, op, "unknown login flow")
}
