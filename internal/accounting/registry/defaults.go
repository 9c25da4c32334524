// Package registry holds the ResourceSlot schema registry: the known
// resource-slot names per resource group, as a static table rather than any
// dynamic plugin mechanism. Validate rejects a resource-name unknown to a
// resource group. No other package constructs a Registry or calls Validate,
// so enqueue does not check requested slot names against it.
package registry

import (
	"sync"

	"github.com/lablup/baisched/internal/resourceslot"
	"github.com/lablup/baisched/internal/schederr"
)

// SlotSchema describes the resource-slot names and kinds known to a single
// resource group.
type SlotSchema struct {
	ResourceGroup string
	Slots         map[string]resourceslot.Kind
}

// Registry is a read-mostly, concurrency-safe map of resource group to its
// known slot schema.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]SlotSchema
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{schemas: make(map[string]SlotSchema)}
}

// DefaultSchemas returns the built-in resource-slot schema shipped for a
// fresh install: cpu/mem/cuda.device/cuda.shares for the "default" resource
// group.
func DefaultSchemas() []SlotSchema {
	return []SlotSchema{
		{
			ResourceGroup: "default",
			Slots: map[string]resourceslot.Kind{
				"cpu":         resourceslot.KindCount,
				"mem":         resourceslot.KindBytes,
				"cuda.device": resourceslot.KindCount,
				"cuda.shares": resourceslot.KindCount,
			},
		},
	}
}

// Load registers a set of schemas, replacing any existing entry for the
// same resource group. No startup code calls it; the configuration has no
// slot-schema section.
func (r *Registry) Load(schemas []SlotSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range schemas {
		r.schemas[s.ResourceGroup] = s
	}
}

// Validate checks that every key in requested is known to resourceGroup's
// schema, returning a Validation error naming the first unknown key.
func (r *Registry) Validate(resourceGroup string, requested resourceslot.Slot) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schema, ok := r.schemas[resourceGroup]
	if !ok {
		return schederr.Validation("unknown resource group %q", resourceGroup)
	}
	for key := range requested {
		if _, known := schema.Slots[key]; !known {
			return schederr.Validation("unknown resource slot %q for resource group %q", key, resourceGroup)
		}
	}
	return nil
}

// Schema returns the schema for a resource group and whether it is known.
func (r *Registry) Schema(resourceGroup string) (SlotSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[resourceGroup]
	return s, ok
}
