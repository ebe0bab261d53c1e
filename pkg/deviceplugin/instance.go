// Package deviceplugin implements the Device-Plugin Instance: one
// kubelet-facing gRPC server per (configuration, device-id) pair,
// advertising capacity Free-seeded slots and serving list-and-watch plus
// allocate over the standard v1beta1 device-plugin protocol.
package deviceplugin

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"

	"github.com/example/akri-agent/pkg/agenterrors"
	v0 "github.com/example/akri-agent/pkg/apis/akri/v0"
)

// Grace windows for the Online/Offline state machine.
const (
	SharedOfflineGrace   = 5 * time.Minute
	UnsharedOfflineGrace = 10 * time.Second

	healthEmitInterval = 60 * time.Second

	// SlotAnnotationPrefix tags an allocated container's Allocate response
	// annotations with the slot it holds. The Slot Reclaimer does not read
	// these annotations; it matches slot-ids against pod-resources device
	// ids.
	SlotAnnotationPrefix = "akri.agent.slot-"
)

type connectivity int

const (
	connOnline connectivity = iota
	connOffline
)

// Instance serves the device-plugin protocol for one discovered device.
// Concurrent Allocate and ListAndWatch calls are serialised under mu.
type Instance struct {
	Name       string // object name of the owning v0.Instance, used as the slot-id prefix
	ConfigName string
	DeviceID   string
	CdiName    string
	NodeName   string
	Capacity   int
	Shared     bool

	socketPath   string
	resourceName string

	mu              sync.Mutex
	deviceUsage     map[string]v0.DeviceUsage
	configUsage     map[string]v0.DeviceUsage // vdev-id -> usage-record, for multi-slot allocations
	properties      map[string]string
	mounts          []v0.Mount
	deviceNodeSpecs []v0.DeviceNodeSpec
	connectivity    connectivity
	offlineSince    time.Time

	wakeMu sync.Mutex
	wakers []chan struct{}

	server    *grpc.Server
	closeOnce sync.Once
	closed    chan struct{}
}

// New builds an Instance seeded with Capacity Free slots. socketDir is the
// kubelet plugin directory the instance's own socket is created under.
func New(name, configName, deviceID, cdiName, nodeName string, capacity int, shared bool, socketDir string) *Instance {
	usage := make(map[string]v0.DeviceUsage, capacity)
	for i := 0; i < capacity; i++ {
		usage[SlotID(name, i)] = v0.FreeUsage()
	}
	return &Instance{
		Name:         name,
		ConfigName:   configName,
		DeviceID:     deviceID,
		CdiName:      cdiName,
		NodeName:     nodeName,
		Capacity:     capacity,
		Shared:       shared,
		socketPath:   socketPath(socketDir, configName),
		resourceName: ResourceName(configName),
		deviceUsage:  usage,
		configUsage:  make(map[string]v0.DeviceUsage),
		connectivity: connOnline,
		closed:       make(chan struct{}),
	}
}

// SlotID returns the slot-id for the index'th slot of the Instance named
// name.
func SlotID(instanceName string, index int) string {
	return fmt.Sprintf("%s-%d", instanceName, index)
}

// ResourceName is the device-plugin resource name a configuration is
// exposed under.
func ResourceName(configName string) string {
	return "akri.sh/" + configName
}

// socketPath derives the kubelet plugin directory path for a
// configuration's device-plugin socket. The resource name's "/" is not
// filesystem-safe, so the file stem uses the bare configuration name.
func socketPath(dir, configName string) string {
	return fmt.Sprintf("%s/%s-%d.sock", dir, configName, time.Now().Unix())
}

// RestoreUsage replaces this instance's slot usage with previously
// persisted on-wire records, used when the agent process restarts and
// re-adopts an Instance object whose slots may already be reserved. A
// slot-id absent from encoded is left Free; a malformed record is logged
// and dropped rather than failing the whole restore.
func (i *Instance) RestoreUsage(encoded map[string]string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for slotID := range i.deviceUsage {
		raw, ok := encoded[slotID]
		if !ok {
			continue
		}
		usage, err := v0.DecodeDeviceUsage(raw)
		if err != nil {
			klog.Warningf("device-plugin instance %s: discarding malformed usage record for slot %s: %v", i.Name, slotID, err)
			continue
		}
		i.deviceUsage[slotID] = usage
	}
}

// RestoreConfigUsage replaces this instance's virtual-device usage with
// previously persisted on-wire records, the config_usage counterpart of
// RestoreUsage. A malformed record is logged and dropped.
func (i *Instance) RestoreConfigUsage(encoded map[string]string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for vdevID, raw := range encoded {
		usage, err := v0.DecodeDeviceUsage(raw)
		if err != nil {
			klog.Warningf("device-plugin instance %s: discarding malformed config usage record for vdev %s: %v", i.Name, vdevID, err)
			continue
		}
		i.configUsage[vdevID] = usage
	}
}

// UpdateDevice refreshes the discovered device's own data and brings the
// instance back Online if it had gone Offline. properties is already the
// configuration's BrokerProperties merged device-first with the discovered
// device's own properties (see discovery.Request.Devices), so no separate
// broker-properties overlay is needed here.
func (i *Instance) UpdateDevice(properties map[string]string, mounts []v0.Mount, deviceNodeSpecs []v0.DeviceNodeSpec) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.properties = properties
	i.mounts = mounts
	i.deviceNodeSpecs = deviceNodeSpecs
	wasOffline := i.connectivity == connOffline
	i.connectivity = connOnline
	i.offlineSince = time.Time{}
	if wasOffline {
		i.wakeLocked()
	}
}

// MarkOffline records that the discovery stream no longer reports this
// device (or errored). It is a no-op if already Offline, so the original
// offlineSince timestamp is preserved.
func (i *Instance) MarkOffline() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.connectivity == connOffline {
		return
	}
	i.connectivity = connOffline
	i.offlineSince = time.Now()
	i.wakeLocked()
}

// ShouldTeardown reports whether this instance's Offline grace window has
// elapsed as of now.
func (i *Instance) ShouldTeardown(now time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.connectivity != connOffline {
		return false
	}
	grace := UnsharedOfflineGrace
	if i.Shared {
		grace = SharedOfflineGrace
	}
	return now.Sub(i.offlineSince) >= grace
}

// FreeSlot transitions slotID back to Free if it is currently reserved,
// used by the Slot Reclaimer. It wakes list_and_watch on change and is a
// no-op if the slot is already Free or does not belong to this instance.
func (i *Instance) FreeSlot(slotID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	usage, ok := i.deviceUsage[slotID]
	if !ok || usage.Free() {
		return false
	}
	i.deviceUsage[slotID] = v0.FreeUsage()
	if usage.State == v0.UsageConfigurationReserved {
		i.pruneConfigUsageLocked(usage.VdevID)
	}
	i.wakeLocked()
	return true
}

// pruneConfigUsageLocked drops vdevID's bookkeeping record once no slot
// still carries it. Must be called with mu held.
func (i *Instance) pruneConfigUsageLocked(vdevID string) {
	for _, usage := range i.deviceUsage {
		if usage.State == v0.UsageConfigurationReserved && usage.VdevID == vdevID {
			return
		}
	}
	delete(i.configUsage, vdevID)
}

// ReservedSlots returns the slot-ids currently reserved by this node,
// sorted, for the Slot Reclaimer's agent-side view.
func (i *Instance) ReservedSlots() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []string
	for slotID, usage := range i.deviceUsage {
		if !usage.Free() && usage.Node == i.NodeName {
			out = append(out, slotID)
		}
	}
	sort.Strings(out)
	return out
}

// DeviceUsageSnapshot returns the on-wire encoding of every slot, for
// persisting into the owning Instance object.
func (i *Instance) DeviceUsageSnapshot() map[string]string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]string, len(i.deviceUsage))
	for slotID, usage := range i.deviceUsage {
		out[slotID] = usage.Encode()
	}
	return out
}

// ConfigUsageSnapshot returns the on-wire encoding of every virtual-device
// usage record, for persisting into the owning Instance object.
func (i *Instance) ConfigUsageSnapshot() map[string]string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]string, len(i.configUsage))
	for vdevID, usage := range i.configUsage {
		out[vdevID] = usage.Encode()
	}
	return out
}

// Serve removes any stale socket at the instance's path, starts the gRPC
// server, and registers with the node kubelet. Kubelet registration
// failure is reported as KubeletRegistrationFailed and the caller is
// expected to tear the instance down.
func (i *Instance) Serve(ctx context.Context, kubeletSocketPath string) error {
	if err := os.Remove(i.socketPath); err != nil && !os.IsNotExist(err) {
		return agenterrors.New(agenterrors.KubeletRegistrationFailed, "removing stale device-plugin socket", err)
	}
	lis, err := net.Listen("unix", i.socketPath)
	if err != nil {
		return agenterrors.New(agenterrors.KubeletRegistrationFailed, "binding device-plugin socket", err)
	}

	i.server = grpc.NewServer()
	pluginapi.RegisterDevicePluginServer(i.server, i)

	errCh := make(chan error, 1)
	go func() { errCh <- i.server.Serve(lis) }()

	if err := i.registerWithKubelet(ctx, kubeletSocketPath); err != nil {
		i.server.Stop()
		return err
	}
	klog.Infof("device-plugin instance %s: registered resource %s at %s", i.Name, i.resourceName, i.socketPath)

	select {
	case <-ctx.Done():
		i.Close()
		return nil
	case err := <-errCh:
		if err != nil {
			return agenterrors.New(agenterrors.KubeletRegistrationFailed, "device-plugin serve loop exited", err)
		}
		return nil
	}
}

func (i *Instance) registerWithKubelet(ctx context.Context, kubeletSocketPath string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, "unix://"+kubeletSocketPath,
		grpc.WithBlock(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return agenterrors.New(agenterrors.KubeletRegistrationFailed, "dialing kubelet registration socket", err)
	}
	defer conn.Close()

	client := pluginapi.NewRegistrationClient(conn)
	_, err = client.Register(ctx, &pluginapi.RegisterRequest{
		Version:      pluginapi.Version,
		Endpoint:     filepath.Base(i.socketPath),
		ResourceName: i.resourceName,
		Options: &pluginapi.DevicePluginOptions{
			GetPreferredAllocationAvailable: false,
		},
	})
	if err != nil {
		return agenterrors.New(agenterrors.KubeletRegistrationFailed, "registering with kubelet", err)
	}
	return nil
}

// Close stops the gRPC server and removes the socket. Idempotent.
func (i *Instance) Close() {
	i.closeOnce.Do(func() {
		close(i.closed)
		if i.server != nil {
			i.server.Stop()
		}
		os.Remove(i.socketPath)
	})
}

// Closed reports whether Close has been called.
func (i *Instance) Closed() <-chan struct{} { return i.closed }

// GetDevicePluginOptions implements pluginapi.DevicePluginServer.
func (i *Instance) GetDevicePluginOptions(context.Context, *pluginapi.Empty) (*pluginapi.DevicePluginOptions, error) {
	return &pluginapi.DevicePluginOptions{}, nil
}

// PreStartContainer implements pluginapi.DevicePluginServer as a no-op.
func (i *Instance) PreStartContainer(context.Context, *pluginapi.PreStartContainerRequest) (*pluginapi.PreStartContainerResponse, error) {
	return &pluginapi.PreStartContainerResponse{}, nil
}

// GetPreferredAllocation implements pluginapi.DevicePluginServer; always
// unimplemented.
func (i *Instance) GetPreferredAllocation(context.Context, *pluginapi.PreferredAllocationRequest) (*pluginapi.PreferredAllocationResponse, error) {
	return nil, status.Error(codes.Unimplemented, "get_preferred_allocation is not implemented")
}

// ListAndWatch implements pluginapi.DevicePluginServer: it streams the
// full health set on every state change, and re-emits unchanged every
// healthEmitInterval to satisfy kubelet's liveness expectations.
func (i *Instance) ListAndWatch(_ *pluginapi.Empty, stream pluginapi.DevicePlugin_ListAndWatchServer) error {
	sub, unsubscribe := i.subscribe()
	defer unsubscribe()

	if err := stream.Send(&pluginapi.ListAndWatchResponse{Devices: i.health()}); err != nil {
		return err
	}

	ticker := time.NewTicker(healthEmitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.closed:
			return nil
		case <-stream.Context().Done():
			return stream.Context().Err()
		case <-sub:
			if err := stream.Send(&pluginapi.ListAndWatchResponse{Devices: i.health()}); err != nil {
				return err
			}
		case <-ticker.C:
			if err := stream.Send(&pluginapi.ListAndWatchResponse{Devices: i.health()}); err != nil {
				return err
			}
		}
	}
}

func (i *Instance) health() []*pluginapi.Device {
	i.mu.Lock()
	defer i.mu.Unlock()

	ids := make([]string, 0, len(i.deviceUsage))
	for id := range i.deviceUsage {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*pluginapi.Device, 0, len(ids))
	for _, id := range ids {
		usage := i.deviceUsage[id]
		healthy := i.connectivity == connOnline && (usage.Free() || usage.Node == i.NodeName)
		state := pluginapi.Unhealthy
		if healthy {
			state = pluginapi.Healthy
		}
		out = append(out, &pluginapi.Device{ID: id, Health: state})
	}
	return out
}

// Allocate implements pluginapi.DevicePluginServer. It is atomic over the
// whole request: any slot failure rolls back every change this call made.
func (i *Instance) Allocate(_ context.Context, req *pluginapi.AllocateRequest) (*pluginapi.AllocateResponse, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	before := make(map[string]v0.DeviceUsage, len(i.deviceUsage))
	for k, v := range i.deviceUsage {
		before[k] = v
	}
	beforeConfig := make(map[string]v0.DeviceUsage, len(i.configUsage))
	for k, v := range i.configUsage {
		beforeConfig[k] = v
	}

	resp := &pluginapi.AllocateResponse{}
	for _, cr := range req.ContainerRequests {
		containerResp, err := i.allocateContainerLocked(cr.DevicesIDs)
		if err != nil {
			i.deviceUsage = before
			i.configUsage = beforeConfig
			i.wakeLocked()
			return nil, agenterrors.ToGRPCStatus(err)
		}
		resp.ContainerResponses = append(resp.ContainerResponses, containerResp)
	}
	i.wakeLocked()
	return resp, nil
}

// allocateContainerLocked reserves every slot in slotIDs. A request naming
// a single slot is an ordinary single-device allocation, reserved against
// this instance directly. A request naming several slots is a
// configuration-level allocation: the slots are grouped under one freshly
// synthesized virtual-device id and reserved together, so the Slot
// Reclaimer and any other Instance serving the same Configuration can tell
// they were allocated as a unit.
func (i *Instance) allocateContainerLocked(slotIDs []string) (*pluginapi.ContainerAllocateResponse, error) {
	cr := &pluginapi.ContainerAllocateResponse{
		Envs:        map[string]string{},
		Annotations: map[string]string{},
	}
	for k, v := range i.properties {
		cr.Envs[k] = v
	}

	for _, slotID := range slotIDs {
		usage, ok := i.deviceUsage[slotID]
		if !ok {
			return nil, agenterrors.Newf(agenterrors.SlotTaken, nil, "unknown slot %q on instance %s", slotID, i.Name)
		}
		if !usage.Free() && usage.Node != i.NodeName {
			return nil, agenterrors.Newf(agenterrors.SlotTaken, nil, "slot %q already reserved by node %q", slotID, usage.Node)
		}
	}

	var vdevID string
	if len(slotIDs) > 1 {
		vdevID = uuid.New().String()
	}

	for _, slotID := range slotIDs {
		if vdevID != "" {
			i.deviceUsage[slotID] = v0.ConfigurationReserved(vdevID, i.NodeName)
			i.configUsage[vdevID] = v0.ConfigurationReserved(vdevID, i.NodeName)
			cr.Envs["AKRI_VIRTUAL_DEVICE"] = vdevID
		} else {
			i.deviceUsage[slotID] = v0.InstanceReserved(i.NodeName)
		}
		cr.Annotations[SlotAnnotationPrefix+slotID] = i.NodeName
		cr.Envs["AKRI_SLOT"] = slotID
	}

	for _, m := range i.mounts {
		cr.Mounts = append(cr.Mounts, &pluginapi.Mount{
			ContainerPath: m.ContainerPath,
			HostPath:      m.HostPath,
			ReadOnly:      m.ReadOnly,
		})
	}
	for _, d := range i.deviceNodeSpecs {
		cr.Devices = append(cr.Devices, &pluginapi.DeviceSpec{
			ContainerPath: d.ContainerPath,
			HostPath:      d.HostPath,
			Permissions:   d.Permissions,
		})
	}
	cr.CDIDevices = append(cr.CDIDevices, &pluginapi.CDIDevice{Name: i.CdiName})

	return cr, nil
}

func (i *Instance) subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	i.wakeMu.Lock()
	i.wakers = append(i.wakers, ch)
	i.wakeMu.Unlock()

	return ch, func() {
		i.wakeMu.Lock()
		defer i.wakeMu.Unlock()
		for idx, c := range i.wakers {
			if c == ch {
				i.wakers = append(i.wakers[:idx], i.wakers[idx+1:]...)
				return
			}
		}
	}
}

// wakeLocked must be called with mu held; it notifies list_and_watch
// subscribers without blocking on a slow one.
func (i *Instance) wakeLocked() {
	i.wakeMu.Lock()
	defer i.wakeMu.Unlock()
	for _, ch := range i.wakers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
