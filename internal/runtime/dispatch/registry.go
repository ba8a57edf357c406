package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	errspkg "github.com/drblury/notifyflow/internal/runtime/errors"
)

// HandlerFunc processes one decoded event. A nil return acknowledges the
// delivery; any error is settled through the configured FailurePolicy.
type HandlerFunc func(ctx context.Context, ev Event) error

// Route binds a message type key to its handler.
type Route struct {
	Type    string
	Handler HandlerFunc
}

// Registry is an immutable type-key to handler mapping.
type Registry struct {
	routes map[string]HandlerFunc
	types  []string
}

// NewRegistry validates routes and freezes them into a Registry.
func NewRegistry(routes ...Route) (*Registry, error) {
	if len(routes) == 0 {
		return nil, fmt.Errorf("%w: at least one route is required", errspkg.ErrRegistryRequired)
	}

	reg := &Registry{routes: make(map[string]HandlerFunc, len(routes))}
	for _, r := range routes {
		key := strings.TrimSpace(r.Type)
		if key == "" {
			return nil, errspkg.ErrTypeKeyRequired
		}
		if r.Handler == nil {
			return nil, fmt.Errorf("%w: route %q", errspkg.ErrHandlerRequired, key)
		}
		if _, exists := reg.routes[key]; exists {
			return nil, fmt.Errorf("%w: %q", errspkg.ErrDuplicateRoute, key)
		}
		reg.routes[key] = r.Handler
		reg.types = append(reg.types, key)
	}
	sort.Strings(reg.types)
	return reg, nil
}

// Lookup returns the handler registered for typ.
func (r *Registry) Lookup(typ string) (HandlerFunc, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.routes[typ]
	return h, ok
}

// Types returns the registered type keys in sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.types...)
}
