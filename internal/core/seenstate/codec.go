package seenstate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aevon-lab/transitions/internal/core/storage"
	"github.com/aevon-lab/transitions/internal/core/transition"
)

// Codec maps state names to stable, monotonically increasing ids per scope.
//
// The mapping is process-wide: it is loaded once at startup and only ever grows.
// Allocation of new ids goes through the CodeStore so every process agrees on them,
// and a scope is re-read whenever a state or id is missing from memory.
type Codec struct {
	store storage.CodeStore

	mu    sync.RWMutex
	ids   map[transition.Scope]map[string]int
	names map[transition.Scope]map[int]string
}

// NewCodec creates an empty codec. Call Load before serving traffic.
func NewCodec(store storage.CodeStore) *Codec {
	if store == nil {
		panic("seenstate: code store must not be nil")
	}
	return &Codec{
		store: store,
		ids:   make(map[transition.Scope]map[string]int),
		names: make(map[transition.Scope]map[int]string),
	}
}

// Load reads every allocated code from the store into memory.
func (c *Codec) Load(ctx context.Context) error {
	codes, err := c.store.LoadStateCodes(ctx)
	if err != nil {
		return fmt.Errorf("load state codes: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sc := range codes {
		c.putLocked(sc.Scope, sc.State, sc.Code)
	}

	slog.Info("[Codec] Loaded state codes", "count", len(codes))
	return nil
}

// ToID returns the id of state within scope, allocating one on first sight.
func (c *Codec) ToID(ctx context.Context, scope transition.Scope, state string) (int, error) {
	if id, ok := c.Lookup(scope, state); ok {
		return id, nil
	}

	id, err := c.store.AllocateStateCode(ctx, scope, state)
	if err != nil {
		return 0, fmt.Errorf("allocate state code %q: %w", state, err)
	}

	c.mu.Lock()
	c.putLocked(scope, state, id)
	c.mu.Unlock()

	slog.Debug("[Codec] Allocated state code",
		"service", scope.ServiceID,
		"object_type", scope.ObjectType,
		"attribute", scope.Attribute,
		"state", state,
		"code", id,
	)
	return id, nil
}

// Lookup returns the id of a state this process has already seen allocated.
func (c *Codec) Lookup(scope transition.Scope, state string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ids[scope][state]
	return id, ok
}

// Resolve is Lookup that re-reads scope from the store on a miss, so states
// allocated by other processes since Load are found.
func (c *Codec) Resolve(ctx context.Context, scope transition.Scope, state string) (int, bool, error) {
	if id, ok := c.Lookup(scope, state); ok {
		return id, true, nil
	}
	if err := c.reload(ctx, scope); err != nil {
		return 0, false, err
	}
	id, ok := c.Lookup(scope, state)
	return id, ok, nil
}

// Decode returns the state names of set in ascending id order. Unknown ids
// trigger one reload of scope; ids still unknown after that are skipped.
func (c *Codec) Decode(ctx context.Context, scope transition.Scope, set *Set) ([]string, error) {
	out, missing := c.decode(scope, set)
	if len(missing) == 0 {
		return out, nil
	}
	if err := c.reload(ctx, scope); err != nil {
		return nil, err
	}
	out, missing = c.decode(scope, set)
	for _, id := range missing {
		slog.Warn("[Codec] Unknown state code in seen states", "service", scope.ServiceID, "object_type", scope.ObjectType, "code", id)
	}
	return out, nil
}

func (c *Codec) decode(scope transition.Scope, set *Set) ([]string, []int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := c.names[scope]
	out := make([]string, 0, set.Len())
	var missing []int
	for _, id := range set.IDs() {
		name, ok := names[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out = append(out, name)
	}
	return out, missing
}

// reload merges the store's current codes of scope into memory.
func (c *Codec) reload(ctx context.Context, scope transition.Scope) error {
	codes, err := c.store.LoadScopeCodes(ctx, scope)
	if err != nil {
		return fmt.Errorf("reload state codes of %s/%s/%s: %w", scope.ServiceID, scope.ObjectType, scope.Attribute, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sc := range codes {
		c.putLocked(sc.Scope, sc.State, sc.Code)
	}
	slog.Debug("[Codec] Reloaded scope codes",
		"service", scope.ServiceID,
		"object_type", scope.ObjectType,
		"attribute", scope.Attribute,
		"count", len(codes))
	return nil
}

// Encode builds a set from state names, allocating ids as needed.
func (c *Codec) Encode(ctx context.Context, scope transition.Scope, states []string) (*Set, error) {
	set := NewSet()
	for _, st := range states {
		id, err := c.ToID(ctx, scope, st)
		if err != nil {
			return nil, err
		}
		set.Add(id)
	}
	return set, nil
}

func (c *Codec) putLocked(scope transition.Scope, state string, id int) {
	if c.ids[scope] == nil {
		c.ids[scope] = make(map[string]int)
		c.names[scope] = make(map[int]string)
	}
	c.ids[scope][state] = id
	c.names[scope][id] = state
}
