package event

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// Callback receives one event. A returned error is logged and does not
// affect other callbacks or the operation that emitted the event.
type Callback func(ctx context.Context, msg Message) error

// Registry collects callbacks per event type before a Dispatcher is built.
// It is not safe for concurrent use; the Dispatcher copies it.
type Registry struct {
	callbacks map[Type][]Callback
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{callbacks: make(map[Type][]Callback)}
}

// On registers cb for events of type t. Callbacks run in registration order.
func (r *Registry) On(t Type, cb Callback) *Registry {
	r.callbacks[t] = append(r.callbacks[t], cb)
	return r
}

// OnAll registers cb for every event type.
func (r *Registry) OnAll(cb Callback) *Registry {
	for t := range typeNames {
		r.On(Type(t), cb)
	}
	return r
}

func (r *Registry) OnInsert(fn func(context.Context, *InsertMessage) error) *Registry {
	return r.On(InsertEvent, typed(fn))
}

func (r *Registry) OnUpdate(fn func(context.Context, *UpdateMessage) error) *Registry {
	return r.On(UpdateEvent, typed(fn))
}

func (r *Registry) OnRename(fn func(context.Context, *RenameMessage) error) *Registry {
	return r.On(RenameEvent, typed(fn))
}

func (r *Registry) OnDelete(fn func(context.Context, *DeleteMessage) error) *Registry {
	return r.On(DeleteEvent, typed(fn))
}

func (r *Registry) OnUniqueIdentifier(fn func(context.Context, *UniqueIdentifierMessage) error) *Registry {
	return r.On(UniqueIdentifierEvent, typed(fn))
}

func (r *Registry) OnRemoveAttributes(fn func(context.Context, *RemoveAttributesMessage) error) *Registry {
	return r.On(RemoveAttributesEvent, typed(fn))
}

func (r *Registry) OnSetAttribute(fn func(context.Context, *SetAttributeMessage) error) *Registry {
	return r.On(SetAttributeEvent, typed(fn))
}

func (r *Registry) OnPersistCompletion(fn func(context.Context, *PersistCompletionMessage) error) *Registry {
	return r.On(PersistCompletionEvent, typed(fn))
}

// snapshot returns a copy that later registrations cannot affect.
func (r *Registry) snapshot() map[Type][]Callback {
	out := make(map[Type][]Callback, len(r.callbacks))
	for t, cbs := range maps.All(r.callbacks) {
		out[t] = slices.Clone(cbs)
	}
	return out
}

func typed[M Message](fn func(context.Context, M) error) Callback {
	return func(ctx context.Context, msg Message) error {
		m, ok := msg.(M)
		if !ok {
			return fmt.Errorf("unexpected message %T for %s callback", msg, msg.EventType())
		}
		return fn(ctx, m)
	}
}
