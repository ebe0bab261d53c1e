package deviceplugin

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	cdispec "tags.cncf.io/container-device-interface/specs-go"

	v0 "github.com/example/akri-agent/pkg/apis/akri/v0"
)

func readSpec(t *testing.T, dir, configName string) cdispec.Spec {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "akri.sh-"+configName+".json"))
	if err != nil {
		t.Fatalf("reading spec file: %v", err)
	}
	var spec cdispec.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		t.Fatalf("unmarshaling spec: %v", err)
	}
	return spec
}

func TestCDIWriterWriteCreatesAndUpserts(t *testing.T) {
	dir := t.TempDir()
	w := NewCDIWriter(dir)

	dev1 := BuildDevice("dev-1", []v0.Mount{{HostPath: "/host", ContainerPath: "/ctr", ReadOnly: true}}, nil, map[string]string{"foo": "bar"}, nil)
	if err := w.Write("widgets", dev1); err != nil {
		t.Fatalf("Write: %v", err)
	}

	spec := readSpec(t, dir, "widgets")
	if spec.Kind != "akri.sh/widgets" {
		t.Fatalf("Kind = %q, want akri.sh/widgets", spec.Kind)
	}
	if len(spec.Devices) != 1 || spec.Devices[0].Name != "dev-1" {
		t.Fatalf("devices = %+v, want one dev-1", spec.Devices)
	}
	if len(spec.Devices[0].ContainerEdits.Mounts) != 1 {
		t.Fatalf("expected one mount")
	}
	if spec.Devices[0].ContainerEdits.Mounts[0].Options[0] != "ro" {
		t.Fatalf("expected ro mount option from ReadOnly")
	}

	dev2 := BuildDevice("dev-2", nil, nil, nil, nil)
	if err := w.Write("widgets", dev2); err != nil {
		t.Fatalf("Write dev2: %v", err)
	}
	spec = readSpec(t, dir, "widgets")
	if len(spec.Devices) != 2 {
		t.Fatalf("expected two devices after adding dev-2, got %d", len(spec.Devices))
	}

	updated := BuildDevice("dev-1", nil, nil, map[string]string{"foo": "baz"}, nil)
	if err := w.Write("widgets", updated); err != nil {
		t.Fatalf("Write updated dev1: %v", err)
	}
	spec = readSpec(t, dir, "widgets")
	if len(spec.Devices) != 2 {
		t.Fatalf("expected upsert not append, got %d devices", len(spec.Devices))
	}
	for _, d := range spec.Devices {
		if d.Name == "dev-1" && d.Annotations["foo"] != "baz" {
			t.Fatalf("dev-1 annotation not updated, got %v", d.Annotations)
		}
	}
}

func TestBuildDeviceMergesConfigurationEditsDeviceFirst(t *testing.T) {
	configEdits := &v0.ContainerEditSet{
		Annotations: map[string]string{"akri.sh/class": "widget", "foo": "from-config"},
		Mounts:      []v0.Mount{{HostPath: "/shared", ContainerPath: "/shared"}},
		Hooks:       []v0.Hook{{HookName: "createRuntime", Path: "/usr/bin/widget-setup", Args: []string{"--init"}}},
	}

	dev := BuildDevice("dev-1",
		[]v0.Mount{{HostPath: "/host", ContainerPath: "/ctr"}},
		[]v0.DeviceNodeSpec{{HostPath: "/dev/widget0", ContainerPath: "/dev/widget0"}},
		map[string]string{"foo": "bar"},
		configEdits,
	)

	if len(dev.ContainerEdits.Mounts) != 2 {
		t.Fatalf("expected device mount followed by configuration mount, got %+v", dev.ContainerEdits.Mounts)
	}
	if dev.ContainerEdits.Mounts[0].ContainerPath != "/ctr" || dev.ContainerEdits.Mounts[1].ContainerPath != "/shared" {
		t.Fatalf("expected device-first mount ordering, got %+v", dev.ContainerEdits.Mounts)
	}
	if len(dev.ContainerEdits.DeviceNodes) != 1 {
		t.Fatalf("expected device node to survive merge, got %+v", dev.ContainerEdits.DeviceNodes)
	}
	if len(dev.ContainerEdits.Hooks) != 1 || dev.ContainerEdits.Hooks[0].HookName != "createRuntime" {
		t.Fatalf("expected configuration hook to be carried into container_edits, got %+v", dev.ContainerEdits.Hooks)
	}

	if dev.Annotations["akri.sh/class"] != "widget" {
		t.Fatalf("expected configuration-level annotation to survive union, got %+v", dev.Annotations)
	}
	if dev.Annotations["foo"] != "bar" {
		t.Fatalf("expected device property to win over configuration annotation on collision, got %+v", dev.Annotations)
	}
}

func TestCDIWriterRemoveDeletesFileWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	w := NewCDIWriter(dir)

	dev := BuildDevice("dev-1", nil, nil, nil, nil)
	if err := w.Write("widgets", dev); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := w.Remove("widgets", "dev-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "akri.sh-widgets.json")); !os.IsNotExist(err) {
		t.Fatalf("expected spec file to be deleted once emptied, stat err = %v", err)
	}

	// Removing from a file that no longer exists is a no-op.
	if err := w.Remove("widgets", "dev-1"); err != nil {
		t.Fatalf("Remove on absent file: %v", err)
	}
}

func TestCDIWriterRemoveKeepsOtherDevices(t *testing.T) {
	dir := t.TempDir()
	w := NewCDIWriter(dir)

	if err := w.Write("widgets", BuildDevice("dev-1", nil, nil, nil, nil)); err != nil {
		t.Fatalf("Write dev-1: %v", err)
	}
	if err := w.Write("widgets", BuildDevice("dev-2", nil, nil, nil, nil)); err != nil {
		t.Fatalf("Write dev-2: %v", err)
	}
	if err := w.Remove("widgets", "dev-1"); err != nil {
		t.Fatalf("Remove dev-1: %v", err)
	}

	spec := readSpec(t, dir, "widgets")
	if len(spec.Devices) != 1 || spec.Devices[0].Name != "dev-2" {
		t.Fatalf("expected only dev-2 to remain, got %+v", spec.Devices)
	}
}
