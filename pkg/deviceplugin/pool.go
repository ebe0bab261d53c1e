package deviceplugin

import (
	"context"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	v0 "github.com/example/akri-agent/pkg/apis/akri/v0"
	"github.com/example/akri-agent/pkg/naming"
)

const (
	// pollInterval is the steady-state recheck cadence for an Instance
	// that still lists this node: it refreshes device metadata, rewrites
	// the CDI entry, and persists slot usage back into the Instance.
	pollInterval = 10 * time.Second
	// offlineRecheckInterval is how often a node-absent Instance is
	// rechecked while its Device-Plugin Instance waits out its grace
	// window before tearing down.
	offlineRecheckInterval = 2 * time.Second
)

// poolEntry pairs a running Device-Plugin Instance with the cancel func
// that stops its serve loop.
type poolEntry struct {
	instance *Instance
	cancel   context.CancelFunc
}

// Pool implements reconcile.Reconciler over Instance objects: for every
// Instance that lists this node, it runs one Device-Plugin Instance (its
// own kubelet-facing gRPC server and CDI spec entry), and persists that
// instance's slot usage back into the object's DeviceUsage field.
//
// Unlike the Configuration Reconciler, which prunes a node out of an
// Instance's Nodes list as soon as discovery stops reporting the device,
// the pool keeps serving (reporting Unhealthy) through the Online/Offline
// grace window before it actually stops its gRPC server and drops the
// CDI entry, so a flaky rediscovery doesn't thrash kubelet registration.
type Pool struct {
	client.Client

	NodeName          string
	Namespace         string
	SocketDir         string
	KubeletSocketPath string
	CDI               *CDIWriter

	mu      sync.Mutex
	running map[string]*poolEntry
}

// NewPool builds a Pool. socketDir is the kubelet device-plugin directory
// new instance sockets are created under; kubeletSocketPath is kubelet's
// own registration socket.
func NewPool(c client.Client, nodeName, namespace, socketDir, kubeletSocketPath string, cdi *CDIWriter) *Pool {
	return &Pool{
		Client:            c,
		NodeName:          nodeName,
		Namespace:         namespace,
		SocketDir:         socketDir,
		KubeletSocketPath: kubeletSocketPath,
		CDI:               cdi,
		running:           make(map[string]*poolEntry),
	}
}

// Reconcile implements reconcile.Reconciler.
func (p *Pool) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	name := req.Name

	inst := &v0.Instance{}
	err := p.Get(ctx, req.NamespacedName, inst)
	if apierrors.IsNotFound(err) {
		return p.handleAbsent(name), nil
	}
	if err != nil {
		return ctrl.Result{RequeueAfter: offlineRecheckInterval}, nil
	}

	if !containsString(inst.Spec.Nodes, p.NodeName) {
		return p.handleAbsent(name), nil
	}

	entry := p.ensureRunning(inst)
	entry.instance.UpdateDevice(inst.Spec.Properties, inst.Spec.Mounts, inst.Spec.DeviceNodeSpecs)

	deviceName := naming.DeviceIDFromCDI(inst.Spec.CdiName)
	cdiDevice := BuildDevice(deviceName, inst.Spec.Mounts, inst.Spec.DeviceNodeSpecs, inst.Spec.Properties, inst.Spec.ContainerEdits)
	if err := p.CDI.Write(inst.Spec.ConfigurationName, cdiDevice); err != nil {
		klog.Warningf("device-plugin pool: writing CDI spec for %s: %v", name, err)
	}

	if err := p.persistUsage(ctx, inst, entry.instance); err != nil {
		klog.Warningf("device-plugin pool: persisting device usage for %s: %v", name, err)
	}

	return ctrl.Result{RequeueAfter: pollInterval}, nil
}

// ensureRunning returns the already-running entry for inst, or starts a
// new Device-Plugin Instance (seeded from any previously persisted slot
// usage) and begins serving it in the background.
func (p *Pool) ensureRunning(inst *v0.Instance) *poolEntry {
	p.mu.Lock()
	entry, ok := p.running[inst.Name]
	p.mu.Unlock()
	if ok {
		return entry
	}

	deviceID := naming.DeviceIDFromCDI(inst.Spec.CdiName)
	di := New(inst.Name, inst.Spec.ConfigurationName, deviceID, inst.Spec.CdiName, p.NodeName, inst.Spec.Capacity, inst.Spec.Shared, p.SocketDir)
	if len(inst.Spec.DeviceUsage) > 0 {
		di.RestoreUsage(inst.Spec.DeviceUsage)
	}
	if len(inst.Spec.ConfigUsage) > 0 {
		di.RestoreConfigUsage(inst.Spec.ConfigUsage)
	}
	di.UpdateDevice(inst.Spec.Properties, inst.Spec.Mounts, inst.Spec.DeviceNodeSpecs)

	serveCtx, cancel := context.WithCancel(context.Background())
	entry = &poolEntry{instance: di, cancel: cancel}

	p.mu.Lock()
	p.running[inst.Name] = entry
	p.mu.Unlock()

	go func() {
		if err := di.Serve(serveCtx, p.KubeletSocketPath); err != nil {
			klog.Warningf("device-plugin pool: instance %s serve loop exited: %v", inst.Name, err)
			// Tear the failed instance down and stop tracking it, so the
			// next reconcile of this Instance starts a fresh one.
			di.Close()
			p.mu.Lock()
			if p.running[inst.Name] == entry {
				delete(p.running, inst.Name)
			}
			p.mu.Unlock()
		}
	}()

	return entry
}

// handleAbsent marks a no-longer-listed instance Offline and, once its
// grace window has elapsed, tears it down: stops its gRPC server,
// removes its CDI entry, and stops tracking it.
func (p *Pool) handleAbsent(name string) ctrl.Result {
	p.mu.Lock()
	entry, ok := p.running[name]
	p.mu.Unlock()
	if !ok {
		return ctrl.Result{}
	}

	entry.instance.MarkOffline()
	if !entry.instance.ShouldTeardown(time.Now()) {
		return ctrl.Result{RequeueAfter: offlineRecheckInterval}
	}

	p.mu.Lock()
	delete(p.running, name)
	p.mu.Unlock()

	entry.cancel()
	<-entry.instance.Closed()

	deviceName := naming.DeviceIDFromCDI(entry.instance.CdiName)
	if err := p.CDI.Remove(entry.instance.ConfigName, deviceName); err != nil {
		klog.Warningf("device-plugin pool: removing CDI entry for %s: %v", name, err)
	}
	return ctrl.Result{}
}

// ReservedSlotOwners returns, for every slot this node currently holds
// reserved across all running Device-Plugin Instances, the owning
// instance's name keyed by slot-id. Used by the Slot Reclaimer to cross
// reference against kubelet's own view of allocated devices.
func (p *Pool) ReservedSlotOwners() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string)
	for name, entry := range p.running {
		for _, slotID := range entry.instance.ReservedSlots() {
			out[slotID] = name
		}
	}
	return out
}

// FreeSlot releases slotID on the named running instance, if still
// tracked. Used by the Slot Reclaimer once a slot's grace window elapses
// with no corresponding pod-resources entry.
func (p *Pool) FreeSlot(instanceName, slotID string) bool {
	p.mu.Lock()
	entry, ok := p.running[instanceName]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return entry.instance.FreeSlot(slotID)
}

// persistUsage writes the running instance's current slot and
// virtual-device usage into inst.Spec.DeviceUsage/ConfigUsage, skipping
// the API call when neither changed.
func (p *Pool) persistUsage(ctx context.Context, inst *v0.Instance, di *Instance) error {
	snapshot := di.DeviceUsageSnapshot()
	configSnapshot := di.ConfigUsageSnapshot()
	if mapsEqual(inst.Spec.DeviceUsage, snapshot) && mapsEqual(inst.Spec.ConfigUsage, configSnapshot) {
		return nil
	}
	inst.Spec.DeviceUsage = snapshot
	inst.Spec.ConfigUsage = configSnapshot
	return p.Update(ctx, inst)
}

// SetupWithManager registers the Pool to watch Instance objects.
func (p *Pool) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&v0.Instance{}).
		Complete(p)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
