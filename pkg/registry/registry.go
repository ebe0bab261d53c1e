// Package registry implements the discovery handler registry: the
// canonical map handler-name → {endpoint → HandlerEntry}, plus
// the broadcast subscribers use to retry matchmaking once a previously
// missing handler appears.
package registry

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/example/akri-agent/pkg/discoveryapi"
)

// EndpointKind tags how an endpoint is reached. Embedded handlers run
// in-process; no socket is involved.
type EndpointKind string

const (
	EndpointEmbedded EndpointKind = "Embedded"
	EndpointUds      EndpointKind = "Uds"
	EndpointNetwork  EndpointKind = "Network"
)

// HandlerEntry is one registered endpoint for a handler name.
type HandlerEntry struct {
	Name     string
	Endpoint string
	Kind     EndpointKind
	Shared   bool

	// close fires to force any stream consumer off this endpoint, e.g. on
	// re-registration with different Shared/Kind.
	close chan struct{}
}

// Closed returns a channel that is closed when this entry is superseded.
func (e *HandlerEntry) Closed() <-chan struct{} { return e.close }

// Registry owns the handler-name → endpoint map. One mutex guards all
// operations; every operation is O(entries).
type Registry struct {
	mu       sync.Mutex
	handlers map[string]map[string]*HandlerEntry // name -> endpoint -> entry

	subMu       sync.Mutex
	subscribers []chan string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		handlers: make(map[string]map[string]*HandlerEntry),
	}
}

// Register upserts an entry for (req.Name, req.Endpoint). If an entry at the
// same endpoint already exists but differs in Shared or Kind, its
// close-signal fires before replacement. If it matches exactly, the call is
// a no-op. Either way the handler name is broadcast to subscribers.
func (r *Registry) Register(req discoveryapi.RegisterRequest) {
	kind := EndpointKind(req.EndpointKind)
	r.register(req.Name, req.Endpoint, kind, req.Shared)
}

// RegisterEmbedded bootstraps handlers compiled into the agent. Endpoint
// kind is Embedded; endpoint is just the handler's name (no socket).
func (r *Registry) RegisterEmbedded(names ...string) {
	for _, name := range names {
		r.register(name, name, EndpointEmbedded, false)
	}
}

func (r *Registry) register(name, endpoint string, kind EndpointKind, shared bool) {
	r.mu.Lock()
	byEndpoint, ok := r.handlers[name]
	if !ok {
		byEndpoint = make(map[string]*HandlerEntry)
		r.handlers[name] = byEndpoint
	}

	existing, hasExisting := byEndpoint[endpoint]
	if hasExisting && existing.Kind == kind && existing.Shared == shared {
		r.mu.Unlock()
		klog.V(4).Infof("registry: no-op re-registration of %s at %s", name, endpoint)
		r.broadcast(name)
		return
	}
	if hasExisting {
		close(existing.close)
		klog.Infof("registry: superseding %s at %s (shared %v->%v, kind %s->%s)",
			name, endpoint, existing.Shared, shared, existing.Kind, kind)
	}

	entry := &HandlerEntry{
		Name:     name,
		Endpoint: endpoint,
		Kind:     kind,
		Shared:   shared,
		close:    make(chan struct{}),
	}
	byEndpoint[endpoint] = entry
	r.mu.Unlock()

	klog.Infof("registry: registered handler %s at %s (kind=%s shared=%v)", name, endpoint, kind, shared)
	r.broadcast(name)
}

// Entries returns a snapshot of all endpoints registered for name, ordered
// embedded-first, then Uds, then Network (the Discovery Request's preferred
// selection order). Within a tier order is map iteration
// order, which callers must treat as arbitrary.
func (r *Registry) Entries(name string) []*HandlerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	byEndpoint := r.handlers[name]
	var embedded, uds, network []*HandlerEntry
	for _, e := range byEndpoint {
		switch e.Kind {
		case EndpointEmbedded:
			embedded = append(embedded, e)
		case EndpointUds:
			uds = append(uds, e)
		default:
			network = append(network, e)
		}
	}
	out := make([]*HandlerEntry, 0, len(embedded)+len(uds)+len(network))
	out = append(out, embedded...)
	out = append(out, uds...)
	out = append(out, network...)
	return out
}

// SubscribeNewHandlers returns a channel of handler names, one per future
// registration. Used by the Reconciler to retry matchmaking when a
// previously missing handler appears. The channel holds at most one
// pending name: a broadcast that finds it already full is dropped for that
// subscriber, and registrations made before subscribing are never
// delivered (subscribers only care about registrations after they
// subscribed).
func (r *Registry) SubscribeNewHandlers() (<-chan string, func()) {
	ch := make(chan string, 1)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	unsubscribe := func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for i, c := range r.subscribers {
			if c == ch {
				r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsubscribe
}

func (r *Registry) broadcast(name string) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- name:
		default:
			// Best-effort: a slow subscriber misses this particular
			// broadcast, but will still see the handler via Entries()
			// the next time it looks.
		}
	}
}
