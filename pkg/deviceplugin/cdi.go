package deviceplugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	cdispec "tags.cncf.io/container-device-interface/specs-go"

	v0 "github.com/example/akri-agent/pkg/apis/akri/v0"
)

const (
	defaultCDIDir = "/etc/cdi"
	cdiVersion    = "0.6.0"
	cdiVendor     = "akri.sh"
)

// CDIWriter persists one CDI spec file per configuration ("kind"
// akri.sh/<config>), holding one cdispec.Device entry per discovered
// device under that configuration. Devices are upserted and removed by
// name rather than by rewriting the whole spec from scratch, so one
// instance's teardown never disturbs another's entry in the same file.
//
// Writes are atomic: the new content is written to a temp file in the
// same directory and renamed over the target, so a concurrent reader
// (kubelet, or a CRI shim resolving CDI devices at container create time)
// never observes a partially written spec.
type CDIWriter struct {
	dir string
}

// NewCDIWriter returns a writer rooted at dir, or defaultCDIDir if dir is
// empty.
func NewCDIWriter(dir string) *CDIWriter {
	if dir == "" {
		dir = defaultCDIDir
	}
	return &CDIWriter{dir: dir}
}

// Kind is the CDI kind a configuration's devices are grouped under.
func Kind(configName string) string {
	return cdiVendor + "/" + configName
}

func (w *CDIWriter) specPath(configName string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%s.json", cdiVendor, configName))
}

// BuildDevice converts one discovered device's mounts, device nodes, and
// discovered properties into a cdispec.Device, applying the Merge rule
// against configEdits (may be nil): the device's own mounts, device nodes
// and env come first, configEdits' mounts, device nodes and hooks are
// concatenated after, and annotations are unioned with the device's own
// (surfaced from properties) taking precedence over configEdits' base
// annotations on key collision.
func BuildDevice(deviceName string, mounts []v0.Mount, deviceNodeSpecs []v0.DeviceNodeSpec, properties map[string]string, configEdits *v0.ContainerEditSet) cdispec.Device {
	var edits cdispec.ContainerEdits

	for _, m := range mounts {
		edits.Mounts = append(edits.Mounts, toCDIMount(m))
	}
	for _, d := range deviceNodeSpecs {
		edits.DeviceNodes = append(edits.DeviceNodes, toCDIDeviceNode(d))
	}

	keys := make([]string, 0, len(properties))
	for k := range properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		edits.Env = append(edits.Env, fmt.Sprintf("%s=%s", k, properties[k]))
	}

	var baseAnnotations map[string]string
	if configEdits != nil {
		baseAnnotations = configEdits.Annotations
		for _, m := range configEdits.Mounts {
			edits.Mounts = append(edits.Mounts, toCDIMount(m))
		}
		for _, d := range configEdits.DeviceNodeSpecs {
			edits.DeviceNodes = append(edits.DeviceNodes, toCDIDeviceNode(d))
		}
		for _, h := range configEdits.Hooks {
			edits.Hooks = append(edits.Hooks, toCDIHook(h))
		}
	}

	annotations := make(map[string]string, len(baseAnnotations)+len(properties))
	for k, v := range baseAnnotations {
		annotations[k] = v
	}
	for k, v := range properties {
		annotations[k] = v
	}
	if len(annotations) == 0 {
		annotations = nil
	}

	return cdispec.Device{
		Name:           deviceName,
		Annotations:    annotations,
		ContainerEdits: edits,
	}
}

func toCDIMount(m v0.Mount) *cdispec.Mount {
	opts := append([]string(nil), m.Options...)
	if m.ReadOnly {
		opts = append(opts, "ro")
	}
	return &cdispec.Mount{
		HostPath:      m.HostPath,
		ContainerPath: m.ContainerPath,
		Options:       opts,
	}
}

func toCDIDeviceNode(d v0.DeviceNodeSpec) *cdispec.DeviceNode {
	return &cdispec.DeviceNode{
		Path:        d.ContainerPath,
		HostPath:    d.HostPath,
		Permissions: d.Permissions,
	}
}

func toCDIHook(h v0.Hook) *cdispec.Hook {
	hook := &cdispec.Hook{
		HookName: h.HookName,
		Path:     h.Path,
		Args:     h.Args,
		Env:      h.Env,
	}
	if h.TimeoutSeconds > 0 {
		timeout := h.TimeoutSeconds
		hook.Timeout = &timeout
	}
	return hook
}

// Write upserts dev into the spec file for configName, creating the file
// (and its directory) on first use.
func (w *CDIWriter) Write(configName string, dev cdispec.Device) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("creating CDI directory %s: %w", w.dir, err)
	}

	spec, err := w.load(configName)
	if err != nil {
		return err
	}

	replaced := false
	for idx, existing := range spec.Devices {
		if existing.Name == dev.Name {
			spec.Devices[idx] = dev
			replaced = true
			break
		}
	}
	if !replaced {
		spec.Devices = append(spec.Devices, dev)
	}

	return w.save(configName, spec)
}

// Remove drops deviceName from configName's spec file. It is a no-op if
// the device, or the file itself, is already absent. An emptied spec file
// is deleted rather than left behind with a zero-length devices list.
func (w *CDIWriter) Remove(configName, deviceName string) error {
	spec, err := w.load(configName)
	if err != nil {
		return err
	}

	kept := spec.Devices[:0]
	for _, d := range spec.Devices {
		if d.Name != deviceName {
			kept = append(kept, d)
		}
	}
	spec.Devices = kept

	if len(spec.Devices) == 0 {
		path := w.specPath(configName)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing emptied CDI spec %s: %w", path, err)
		}
		return nil
	}
	return w.save(configName, spec)
}

// load returns the existing spec for configName, or a fresh empty one if
// no file exists yet.
func (w *CDIWriter) load(configName string) (*cdispec.Spec, error) {
	data, err := os.ReadFile(w.specPath(configName))
	if err != nil {
		if os.IsNotExist(err) {
			return &cdispec.Spec{Version: cdiVersion, Kind: Kind(configName)}, nil
		}
		return nil, fmt.Errorf("reading CDI spec for %s: %w", configName, err)
	}
	var spec cdispec.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing CDI spec for %s: %w", configName, err)
	}
	return &spec, nil
}

func (w *CDIWriter) save(configName string, spec *cdispec.Spec) error {
	spec.Version = cdiVersion
	spec.Kind = Kind(configName)

	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling CDI spec for %s: %w", configName, err)
	}

	path := w.specPath(configName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing CDI spec temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming CDI spec into place at %s: %w", path, err)
	}
	return nil
}
