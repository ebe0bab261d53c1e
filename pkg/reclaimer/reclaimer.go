// Package reclaimer implements the Slot Reclaimer: it polls kubelet's
// pod-resources API for the device ids actually allocated on this node
// and frees any slot this node's Device-Plugin Instances believe is
// still reserved but that kubelet no longer reports against a live pod.
//
// A slot going briefly unobserved is normal (kubelet's pod-resources
// view lags pod teardown by a beat), so a slot is only freed after it
// has been missing for two consecutive poll rounds spanning at least
// SlotGrace — never on the first miss.
package reclaimer

import (
	"context"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"
	podresourcesapi "k8s.io/kubelet/pkg/apis/podresources/v1"
)

const (
	// SlotGrace is how long a reserved slot must go unobserved in
	// pod-resources listings before it is reclaimed.
	SlotGrace = 20 * time.Second

	// PollInterval is the steady-state cadence between pod-resources
	// listings.
	PollInterval = 5 * time.Second

	dialTimeout = 5 * time.Second
)

// InstanceSource is the subset of the Device-Plugin Instance pool the
// reclaimer needs: the slots this node currently believes it holds, and
// a way to release one.
type InstanceSource interface {
	// ReservedSlotOwners returns, for every slot reserved by this node,
	// the owning instance's name keyed by slot-id.
	ReservedSlotOwners() map[string]string
	// FreeSlot releases slotID on the named instance. Returns false if
	// the instance or slot is no longer tracked.
	FreeSlot(instanceName, slotID string) bool
}

// Reclaimer polls pod-resources and reconciles it against an
// InstanceSource's view of reserved slots.
type Reclaimer struct {
	Source             InstanceSource
	PodResourcesSocket string

	mu         sync.Mutex
	staleSince map[string]time.Time
}

// New builds a Reclaimer. podResourcesSocket is kubelet's pod-resources
// gRPC unix socket, typically /var/lib/kubelet/pod-resources/kubelet.sock.
func New(source InstanceSource, podResourcesSocket string) *Reclaimer {
	return &Reclaimer{
		Source:             source,
		PodResourcesSocket: podResourcesSocket,
		staleSince:         make(map[string]time.Time),
	}
}

// Run polls until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.poll(ctx); err != nil {
				klog.Warningf("slot reclaimer: poll: %v", err)
			}
		}
	}
}

// poll lists pod-resources once, diffs it against the reserved slots the
// InstanceSource reports, and reclaims any slot stale past SlotGrace.
func (r *Reclaimer) poll(ctx context.Context) error {
	allocated, err := r.listAllocatedDeviceIDs(ctx)
	if err != nil {
		return err
	}

	owners := r.Source.ReservedSlotOwners()
	now := time.Now()

	r.mu.Lock()
	for slotID := range r.staleSince {
		if _, stillReserved := owners[slotID]; !stillReserved {
			delete(r.staleSince, slotID)
		}
	}
	for slotID := range owners {
		if _, stillAllocated := allocated[slotID]; stillAllocated {
			delete(r.staleSince, slotID)
			continue
		}
		if _, tracking := r.staleSince[slotID]; !tracking {
			r.staleSince[slotID] = now
		}
	}
	toReclaim := make(map[string]string)
	for slotID, since := range r.staleSince {
		if now.Sub(since) >= SlotGrace {
			toReclaim[slotID] = owners[slotID]
			delete(r.staleSince, slotID)
		}
	}
	r.mu.Unlock()

	for slotID, instanceName := range toReclaim {
		if r.Source.FreeSlot(instanceName, slotID) {
			klog.Infof("slot reclaimer: reclaimed slot %s on instance %s: absent from pod-resources for %s", slotID, instanceName, SlotGrace)
		}
	}
	return nil
}

// listAllocatedDeviceIDs returns every device id kubelet reports
// allocated to a live container on this node, restricted to akri.sh/
// resource names so another vendor's device-plugin ids are never
// mistaken for ours.
func (r *Reclaimer) listAllocatedDeviceIDs(ctx context.Context) (map[string]struct{}, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, "unix://"+r.PodResourcesSocket,
		grpc.WithBlock(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	client := podresourcesapi.NewPodResourcesListerClient(conn)
	resp, err := client.List(ctx, &podresourcesapi.ListPodResourcesRequest{})
	if err != nil {
		return nil, err
	}

	out := make(map[string]struct{})
	for _, pod := range resp.GetPodResources() {
		for _, ctr := range pod.GetContainers() {
			for _, dev := range ctr.GetDevices() {
				if !strings.HasPrefix(dev.GetResourceName(), "akri.sh/") {
					continue
				}
				for _, id := range dev.DeviceIds {
					out[id] = struct{}{}
				}
			}
		}
	}
	return out, nil
}
