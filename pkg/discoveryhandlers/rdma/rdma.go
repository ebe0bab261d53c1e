// Package rdma implements a Discovery Handler for RDMA uverbs devices
// under /dev/infiniband. Each discovered device carries the device nodes
// and sysfs mount a broker needs for a functional userspace verbs path:
// the uverbsN node itself, the shared rdma_cm connection manager, the
// index-matched umad management-datagram node when present, and a
// read-only bind mount of the device's /sys/class/infiniband entry so
// ibv_get_device_list works inside the container.
package rdma

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/example/akri-agent/pkg/discoveryapi"
)

// PollInterval is how often /dev/infiniband is re-scanned.
const PollInterval = 15 * time.Second

// Name is the handler name this package registers under.
const Name = "rdma"

const defaultDevDir = "/dev/infiniband"

// resolveIBDeviceSysfsRoot is prepended to the /sys/class paths consulted
// while resolving a uverbs device's ibdev name. Overridden in tests; the
// real agent always runs with the host's actual root.
var resolveIBDeviceSysfsRoot = ""

// Handler implements discovery.EmbeddedHandler.
type Handler struct {
	devDir string
}

// New returns a Handler scanning the host's real /dev/infiniband.
func New() *Handler {
	return &Handler{devDir: defaultDevDir}
}

// Discover re-scans h.devDir every PollInterval until ctx is cancelled.
// DiscoveryDetails is unused: every uverbs device present is reported.
func (h *Handler) Discover(ctx context.Context, _ *discoveryapi.DiscoverRequest, emit func(*discoveryapi.DiscoverResponse) error) error {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		devices, err := h.scan()
		if err != nil {
			return fmt.Errorf("scanning %s: %w", h.devDir, err)
		}
		if err := emit(&discoveryapi.DiscoverResponse{Devices: devices}); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (h *Handler) scan() ([]discoveryapi.Device, error) {
	entries, err := os.ReadDir(h.devDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "uverbs") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	devices := make([]discoveryapi.Device, 0, len(names))
	for _, name := range names {
		devices = append(devices, h.buildDevice(name))
	}
	return devices, nil
}

func (h *Handler) buildDevice(uverbsName string) discoveryapi.Device {
	devPath := filepath.Join(h.devDir, uverbsName)
	nodes := []discoveryapi.DeviceNodeSpec{{HostPath: devPath, ContainerPath: devPath, Permissions: "rw"}}

	if rdmaCMPath := filepath.Join(h.devDir, "rdma_cm"); exists(rdmaCMPath) {
		nodes = append(nodes, discoveryapi.DeviceNodeSpec{HostPath: rdmaCMPath, ContainerPath: rdmaCMPath, Permissions: "rw"})
	}

	// umadN is the management-datagram device for the same HCA; its
	// index usually matches the uverbs index (uverbs0 <-> umad0).
	umadName := strings.Replace(uverbsName, "uverbs", "umad", 1)
	if umadPath := filepath.Join(h.devDir, umadName); exists(umadPath) {
		nodes = append(nodes, discoveryapi.DeviceNodeSpec{HostPath: umadPath, ContainerPath: umadPath, Permissions: "rw"})
	}

	properties := map[string]string{}
	var mounts []discoveryapi.Mount
	if ibDev := resolveIBDevice(uverbsName); ibDev != "" {
		properties["RDMA_IBDEV"] = ibDev
		if sysPath := filepath.Join(resolveIBDeviceSysfsRoot, "/sys/class/infiniband", ibDev); exists(sysPath) {
			mounts = append(mounts, discoveryapi.Mount{HostPath: sysPath, ContainerPath: sysPath, ReadOnly: true, Options: []string{"bind"}})
		}
	}

	return discoveryapi.Device{
		ID:              uverbsName,
		Properties:      properties,
		Mounts:          mounts,
		DeviceNodeSpecs: nodes,
	}
}

func resolveIBDevice(uverbsName string) string {
	data, err := os.ReadFile(filepath.Join(resolveIBDeviceSysfsRoot, "/sys/class/infiniband_verbs", uverbsName, "ibdev"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
