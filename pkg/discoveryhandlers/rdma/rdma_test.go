package rdma

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/akri-agent/pkg/discoveryapi"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestScanFindsUverbsDeviceWithNodesAndIBDev(t *testing.T) {
	root := t.TempDir()
	devDir := filepath.Join(root, "dev", "infiniband")
	writeFile(t, filepath.Join(devDir, "uverbs0"), "")
	writeFile(t, filepath.Join(devDir, "rdma_cm"), "")
	writeFile(t, filepath.Join(devDir, "umad0"), "")

	sysDir := filepath.Join(root, "sys", "class", "infiniband_verbs", "uverbs0")
	writeFile(t, filepath.Join(sysDir, "ibdev"), "mlx5_0\n")
	writeFile(t, filepath.Join(root, "sys", "class", "infiniband", "mlx5_0", "ports"), "")

	h := &Handler{devDir: devDir}
	origResolve := resolveIBDeviceSysfsRoot
	resolveIBDeviceSysfsRoot = root
	defer func() { resolveIBDeviceSysfsRoot = origResolve }()

	devices, err := h.scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d: %+v", len(devices), devices)
	}

	dev := devices[0]
	if dev.ID != "uverbs0" {
		t.Fatalf("expected id uverbs0, got %s", dev.ID)
	}
	if dev.Properties["RDMA_IBDEV"] != "mlx5_0" {
		t.Fatalf("expected ibdev property, got %v", dev.Properties)
	}
	if len(dev.DeviceNodeSpecs) != 3 {
		t.Fatalf("expected uverbs+rdma_cm+umad nodes, got %+v", dev.DeviceNodeSpecs)
	}
	if len(dev.Mounts) != 1 {
		t.Fatalf("expected sysfs mount, got %+v", dev.Mounts)
	}
}

func TestScanWithNoDevicesReturnsEmpty(t *testing.T) {
	root := t.TempDir()
	devDir := filepath.Join(root, "dev", "infiniband")
	if err := os.MkdirAll(devDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	h := &Handler{devDir: devDir}
	devices, err := h.scan()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("expected no devices, got %+v", devices)
	}
}

func TestScanMissingDevDirIsNotAnError(t *testing.T) {
	h := &Handler{devDir: filepath.Join(t.TempDir(), "does-not-exist")}
	devices, err := h.scan()
	if err != nil {
		t.Fatalf("expected no error for missing dev dir, got %v", err)
	}
	if devices != nil {
		t.Fatalf("expected nil devices, got %+v", devices)
	}
}

func TestDiscoverEmitsOnce(t *testing.T) {
	root := t.TempDir()
	devDir := filepath.Join(root, "dev", "infiniband")
	writeFile(t, filepath.Join(devDir, "uverbs0"), "")

	h := &Handler{devDir: devDir}
	req := &discoveryapi.DiscoverRequest{}

	ctx, cancel := context.WithCancel(context.Background())
	emitted := make(chan *discoveryapi.DiscoverResponse, 1)
	go func() {
		h.Discover(ctx, req, func(resp *discoveryapi.DiscoverResponse) error {
			select {
			case emitted <- resp:
			default:
			}
			return nil
		})
	}()

	select {
	case resp := <-emitted:
		if len(resp.Devices) != 1 || resp.Devices[0].ID != "uverbs0" {
			t.Fatalf("expected uverbs0, got %+v", resp.Devices)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for discovery emission")
	}
	cancel()
}
