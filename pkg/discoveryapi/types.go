// Package discoveryapi defines the two wire protocols a Discovery Handler
// speaks with the agent. Both are internal to this system, as opposed to
// the kubelet-facing device-plugin protocol, which reuses the published
// k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1 package verbatim:
//
//   - the Registration protocol, served by the agent's Registration
//     Endpoint and called by Discovery Handlers to announce themselves;
//   - the Discovery protocol, served by Discovery Handlers and called by
//     the agent's Discovery Request to stream device lists.
//
// Message types here are plain structs (see pkg/rpc for the codec that
// lets grpc transport them without a protobuf compiler).
package discoveryapi

// EndpointKind tags how a handler's endpoint is reached.
type EndpointKind string

const (
	EndpointUds     EndpointKind = "Uds"
	EndpointNetwork EndpointKind = "Network"
)

// RegisterRequest is sent once by a Discovery Handler to announce itself.
type RegisterRequest struct {
	Name         string       `json:"name"`
	Endpoint     string       `json:"endpoint"`
	EndpointKind EndpointKind `json:"endpointKind"`
	Shared       bool         `json:"shared"`
}

// RegisterResponse is empty; registration is fire-and-forget.
type RegisterResponse struct{}

// PropertyValue is a discriminated union: exactly one of Literal or
// SecretRef is set.
type PropertyValue struct {
	Literal   []byte     `json:"literal,omitempty"`
	SecretRef *SecretRef `json:"secretRef,omitempty"`
}

// SecretRef names a key within a namespaced Secret.
type SecretRef struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
}

// DiscoverRequest is sent once at stream open.
type DiscoverRequest struct {
	DiscoveryDetails    string                   `json:"discoveryDetails"`
	DiscoveryProperties map[string]PropertyValue `json:"discoveryProperties,omitempty"`
}

// Device is one device in a handler's response.
type Device struct {
	ID              string            `json:"id"`
	Properties      map[string]string `json:"properties,omitempty"`
	Mounts          []Mount           `json:"mounts,omitempty"`
	DeviceNodeSpecs []DeviceNodeSpec  `json:"deviceNodeSpecs,omitempty"`
}

// Mount mirrors v0.Mount on the wire.
type Mount struct {
	HostPath      string   `json:"hostPath"`
	ContainerPath string   `json:"containerPath"`
	ReadOnly      bool     `json:"readOnly,omitempty"`
	Options       []string `json:"options,omitempty"`
}

// DeviceNodeSpec mirrors v0.DeviceNodeSpec on the wire.
type DeviceNodeSpec struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	Permissions   string `json:"permissions,omitempty"`
}

// DiscoverResponse is one message in the Discover response stream.
type DiscoverResponse struct {
	Devices []Device `json:"devices"`
}
