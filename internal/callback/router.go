package callback

import (
	"sync"

	"github.com/snarg/sonosevents/internal/model"
)

// routeTable is the thread-safe callback_path -> SubscriptionId map
// (component C6's routing table). Registration/unregistration are
// idempotent; lookup is O(1).
type routeTable struct {
	mu     sync.RWMutex
	routes map[string]model.SubscriptionId
}

func newRouteTable() *routeTable {
	return &routeTable{routes: make(map[string]model.SubscriptionId)}
}

func (t *routeTable) register(path string, id model.SubscriptionId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[path] = id
}

func (t *routeTable) unregister(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, path)
}

func (t *routeTable) lookup(path string) (model.SubscriptionId, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.routes[path]
	return id, ok
}

func (t *routeTable) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}
