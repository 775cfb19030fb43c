package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"modelgate/internal/models"
)

type modelEntry struct {
	model    models.Model
	provider Provider
}

type snapshot struct {
	models map[string]modelEntry
	byName map[string]Provider
}

// Registry maintains a mapping of model IDs to providers. Lookups read an
// immutable snapshot swapped atomically on registration, so concurrent
// reads never contend with each other.
type Registry struct {
	mu      sync.Mutex // serialises writers only
	current atomic.Pointer[snapshot]
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(&snapshot{
		models: make(map[string]modelEntry),
		byName: make(map[string]Provider),
	})
	return r
}

// RegisterProvider adds the provider and its models to the registry, wiring
// optional aliases. The updated snapshot becomes visible atomically.
func (r *Registry) RegisterProvider(ctx context.Context, p Provider, aliases map[string]string) error {
	if p == nil {
		return errors.New("provider must not be nil")
	}

	modelsList, err := p.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models for provider %q: %w", p.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.current.Load().clone()

	if _, exists := next.byName[p.Name()]; exists {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	next.byName[p.Name()] = p

	for _, model := range modelsList {
		if _, exists := next.models[model.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateModel, model.ID)
		}
		next.models[model.ID] = modelEntry{
			model:    model,
			provider: p,
		}
	}

	for alias, target := range aliases {
		if _, exists := next.models[alias]; exists {
			return fmt.Errorf("alias %q conflicts with existing model", alias)
		}
		targetEntry, ok := next.models[target]
		if !ok {
			return fmt.Errorf("alias %q references unknown model %q", alias, target)
		}
		next.models[alias] = targetEntry
	}

	r.current.Store(next)
	return nil
}

// LookupModel returns the provider and metadata for a given model ID.
func (r *Registry) LookupModel(modelID string) (models.Model, Provider, error) {
	snap := r.current.Load()
	entry, ok := snap.models[modelID]
	if !ok {
		return models.Model{}, nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return entry.model, entry.provider, nil
}

// ListModels returns all registered models sorted by ID, aliases included.
func (r *Registry) ListModels() []models.Model {
	snap := r.current.Load()
	out := make([]models.Model, 0, len(snap.models))
	for id, entry := range snap.models {
		model := entry.model
		model.ID = id
		out = append(out, model)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		models: make(map[string]modelEntry, len(s.models)+8),
		byName: make(map[string]Provider, len(s.byName)+1),
	}
	for k, v := range s.models {
		next.models[k] = v
	}
	for k, v := range s.byName {
		next.byName[k] = v
	}
	return next
}
