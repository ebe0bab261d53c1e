// Package discoveryhandlers wires the embedded Discovery Handler
// implementations into the agent: debugEcho, netdevice, and rdma each run
// in-process rather than over a Unix domain socket or the network.
package discoveryhandlers

import (
	"github.com/example/akri-agent/pkg/discovery"
	"github.com/example/akri-agent/pkg/discoveryhandlers/debugecho"
	"github.com/example/akri-agent/pkg/discoveryhandlers/netdevice"
	"github.com/example/akri-agent/pkg/discoveryhandlers/rdma"
	"github.com/example/akri-agent/pkg/registry"
)

// Names lists every embedded handler this build compiles in, in
// registration order. cmd/agent keys its enabled map by these same names.
var Names = []string{debugecho.Name, netdevice.Name, rdma.Name}

// Build constructs every embedded handler, registers their names in reg,
// and returns the lookup function the Configuration Reconciler uses to
// resolve a handler by name. enabled restricts which of Names are
// actually registered and resolvable; a nil or empty enabled enables all
// of them.
func Build(reg *registry.Registry, enabled map[string]bool) discovery.EmbeddedLookup {
	handlers := map[string]discovery.EmbeddedHandler{
		debugecho.Name: debugecho.New(),
		netdevice.Name: netdevice.New(),
		rdma.Name:      rdma.New(),
	}

	var active []string
	for _, name := range Names {
		if len(enabled) > 0 && !enabled[name] {
			continue
		}
		active = append(active, name)
	}
	reg.RegisterEmbedded(active...)

	activeSet := make(map[string]bool, len(active))
	for _, name := range active {
		activeSet[name] = true
	}

	return func(name string) (discovery.EmbeddedHandler, bool) {
		if !activeSet[name] {
			return nil, false
		}
		h, ok := handlers[name]
		return h, ok
	}
}
