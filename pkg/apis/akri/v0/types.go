// Package v0 holds the Configuration and Instance API types the agent
// watches and writes. The group is akri.sh, version v0; the cluster-side
// CRD schema beyond the fields consumed or emitted here is out of scope.
package v0

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// Configuration describes what to discover and how to expose it.
type Configuration struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec ConfigurationSpec `json:"spec"`
}

// ConfigurationSpec is immutable for a given Generation.
type ConfigurationSpec struct {
	DiscoveryHandlerName string `json:"discoveryHandlerName"`
	// DiscoveryDetails is opaque to the agent; handed verbatim to the handler.
	DiscoveryDetails string `json:"discoveryDetails"`
	// DiscoveryProperties are resolved (secret references inlined) before
	// being sent to the handler.
	DiscoveryProperties []DiscoveryProperty `json:"discoveryProperties,omitempty"`
	// Capacity is how many concurrent allocations each discovered device
	// supports. Must be >= 1.
	Capacity int `json:"capacity"`
	// BrokerProperties are extra environment key/value pairs attached to
	// every resulting device.
	BrokerProperties map[string]string `json:"brokerProperties,omitempty"`
	// ContainerEdits are configuration-level CDI container_edits applied to
	// every device under this configuration. The CDI Merge rule concatenates
	// these device-first: a device's own mounts/device-nodes come first,
	// these are appended after; annotations are unioned with the device's
	// own taking precedence on key collision.
	ContainerEdits *ContainerEditSet `json:"containerEdits,omitempty"`
}

// ContainerEditSet is a configuration-level slice of CDI container_edits:
// mounts, device nodes, and hooks that apply to every device CDI exposes
// under one configuration, plus base annotations every device's own
// annotations are unioned against.
type ContainerEditSet struct {
	Annotations     map[string]string `json:"annotations,omitempty"`
	Mounts          []Mount           `json:"mounts,omitempty"`
	DeviceNodeSpecs []DeviceNodeSpec  `json:"deviceNodeSpecs,omitempty"`
	Hooks           []Hook            `json:"hooks,omitempty"`
}

// Hook describes a CDI lifecycle hook run by the container runtime at a
// fixed point in container creation (e.g. createRuntime, startContainer).
type Hook struct {
	HookName string   `json:"hookName"`
	Path     string   `json:"path"`
	Args     []string `json:"args,omitempty"`
	Env      []string `json:"env,omitempty"`
	// TimeoutSeconds bounds how long the runtime waits for the hook; zero
	// means the runtime's own default.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// DiscoveryProperty is either a literal value or a reference to a secret key.
type DiscoveryProperty struct {
	Name      string              `json:"name"`
	Literal   string              `json:"literal,omitempty"`
	SecretRef *DiscoverySecretRef `json:"secretRef,omitempty"`
}

// DiscoverySecretRef names a key in a namespaced Secret.
type DiscoverySecretRef struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// ConfigurationList is a list of Configurations.
type ConfigurationList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Configuration `json:"items"`
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// Instance represents one discovered device on one or more nodes.
type Instance struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec InstanceSpec `json:"spec"`
}

// InstanceSpec is the body of an Instance.
type InstanceSpec struct {
	ConfigurationName string `json:"configurationName"`
	// CdiName is akri.sh/<config>=<id>, a content-addressed identifier.
	CdiName string `json:"cdiName"`
	// Capacity is the number of slots this Instance advertises.
	Capacity int `json:"capacity"`
	// Shared is true if the handler declared this device visible to every
	// node; false for node-local devices.
	Shared bool `json:"shared"`
	// Nodes currently advertising this instance.
	Nodes []string `json:"nodes,omitempty"`
	// DeviceUsage maps slot-id to its on-wire usage-record encoding (see
	// deviceusage.go). Never touched by anything but the Device-Plugin
	// Instance that owns the slot; the reconciler's apply never overwrites
	// it once present (server-side-apply semantics).
	DeviceUsage map[string]string `json:"deviceUsage,omitempty"`
	// ConfigUsage maps virtual-device id to its on-wire usage-record
	// encoding, for configuration-level allocations that reserve several
	// slots of this Instance together under one identifier. Empty until
	// the first such allocation.
	ConfigUsage map[string]string `json:"configUsage,omitempty"`
	// Properties are the discovered device's own properties merged with
	// the configuration's BrokerProperties (device-first).
	Properties map[string]string `json:"properties,omitempty"`
	// Mounts and DeviceNodeSpecs are surfaced verbatim from the discovered
	// device for Allocate to emit.
	Mounts          []Mount          `json:"mounts,omitempty"`
	DeviceNodeSpecs []DeviceNodeSpec `json:"deviceNodeSpecs,omitempty"`
	// ContainerEdits is copied down from the owning Configuration's
	// ContainerEdits on every apply, so the Device-Plugin Instance pool can
	// write the configuration-level CDI tier without fetching the
	// Configuration itself.
	ContainerEdits *ContainerEditSet `json:"containerEdits,omitempty"`
}

// Mount describes a bind mount to attach on Allocate.
type Mount struct {
	HostPath      string   `json:"hostPath"`
	ContainerPath string   `json:"containerPath"`
	ReadOnly      bool     `json:"readOnly,omitempty"`
	Options       []string `json:"options,omitempty"`
}

// DeviceNodeSpec describes a host device node to expose on Allocate.
type DeviceNodeSpec struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	Permissions   string `json:"permissions,omitempty"`
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// InstanceList is a list of Instances.
type InstanceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Instance `json:"items"`
}

// FinalizerName is added by the agent to a Configuration so the agent's
// tombstone handling runs before the object disappears.
const FinalizerName = "agent.akri.sh/cleanup"
