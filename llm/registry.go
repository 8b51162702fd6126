package llm

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Factory abstracts the catalog-driven construction of providers so the
// registry does not depend on the storage layer.
type Factory interface {
	// ListEnabled returns the ids of all enabled catalog records,
	// ordered by priority descending then name ascending.
	ListEnabled(ctx context.Context) ([]string, error)
	// Create instantiates the provider for a catalog record.
	Create(ctx context.Context, providerID string) (Provider, error)
}

// Registry is the process-wide owner of live Provider instances.
// Mutation happens only through register/unregister/reload/clear; reads
// vastly outnumber writes, hence the RWMutex.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string // registration order; first entry is the routing fallback
	factory   Factory
	logger    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		providers: make(map[string]Provider),
		factory:   factory,
		logger:    logger.With(zap.String("component", "registry")),
	}
}

// LoadAll instantiates and registers every enabled catalog provider.
// A failing health check is logged but does not prevent registration;
// a failing construction skips that provider only.
func (r *Registry) LoadAll(ctx context.Context) (int, error) {
	ids, err := r.factory.ListEnabled(ctx)
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, id := range ids {
		p, err := r.factory.Create(ctx, id)
		if err != nil {
			r.logger.Warn("skipping provider: construction failed",
				zap.String("provider_id", id), zap.Error(err))
			continue
		}
		r.Register(id, p)
		loaded++

		hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := p.HealthCheck(hctx); err != nil {
			r.logger.Warn("provider registered but unhealthy",
				zap.String("provider_id", id), zap.Error(err))
		}
		cancel()
	}
	return loaded, nil
}

// Reload replaces the provider's live instance with a freshly
// constructed one. The old instance is destroyed; in-process state it
// held (e.g. conversation sessions) does not survive.
func (r *Registry) Reload(ctx context.Context, id string) error {
	r.Unregister(id)
	p, err := r.factory.Create(ctx, id)
	if err != nil {
		return err
	}
	r.Register(id, p)
	return nil
}

// ReloadAll clears the registry and loads everything again.
func (r *Registry) ReloadAll(ctx context.Context) (int, error) {
	r.Clear()
	return r.LoadAll(ctx)
}

// Register adds a provider under the given id. A duplicate id replaces
// the previous instance with a warning; the old instance is destroyed.
func (r *Registry) Register(id string, p Provider) {
	r.mu.Lock()
	old, existed := r.providers[id]
	r.providers[id] = p
	if !existed {
		r.order = append(r.order, id)
	}
	r.mu.Unlock()

	if existed {
		r.logger.Warn("provider overwritten on duplicate register", zap.String("provider_id", id))
		old.Destroy()
	} else {
		r.logger.Info("provider registered",
			zap.String("provider_id", id), zap.String("type", p.Type()))
	}
}

// Unregister destroys and removes a provider. Returns false if absent.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	p, ok := r.providers[id]
	if ok {
		delete(r.providers, id)
		for i, oid := range r.order {
			if oid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if ok {
		p.Destroy()
		r.logger.Info("provider unregistered", zap.String("provider_id", id))
	}
	return ok
}

// Get returns the provider for id, or a provider_not_loaded error.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &Error{
			Code:       ErrProviderNotLoaded,
			Message:    "provider not loaded: " + id,
			HTTPStatus: 503,
		}
	}
	return p, nil
}

// GetSafe returns the provider for id without an error.
func (r *Registry) GetSafe(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[id]
	return ok
}

// First returns the earliest-registered provider, the routing fallback
// when neither the request nor settings name one.
func (r *Registry) First() (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil, false
	}
	p, ok := r.providers[r.order[0]]
	return p, ok
}

// GetAll returns a snapshot of all live providers keyed by id.
func (r *Registry) GetAll() map[string]Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Provider, len(r.providers))
	for id, p := range r.providers {
		out[id] = p
	}
	return out
}

// GetAllIDs returns the sorted ids of all registered providers.
func (r *Registry) GetAllIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetByType returns all providers whose Type matches t.
func (r *Registry) GetByType(t string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Provider
	for _, p := range r.providers {
		if p.Type() == t {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of registered providers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Clear destroys and removes every provider.
func (r *Registry) Clear() {
	r.mu.Lock()
	victims := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		victims = append(victims, p)
	}
	r.providers = make(map[string]Provider)
	r.order = nil
	r.mu.Unlock()

	for _, p := range victims {
		p.Destroy()
	}
	if len(victims) > 0 {
		r.logger.Info("registry cleared", zap.Int("destroyed", len(victims)))
	}
}

// HealthCheckAll probes every registered provider concurrently and
// returns a per-id error map (nil entry means healthy).
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	all := r.GetAll()

	var mu sync.Mutex
	results := make(map[string]error, len(all))

	g, gctx := errgroup.WithContext(ctx)
	for id, p := range all {
		g.Go(func() error {
			err := p.HealthCheck(gctx)
			mu.Lock()
			results[id] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
