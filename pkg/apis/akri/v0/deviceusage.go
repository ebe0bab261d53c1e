package v0

import (
	"fmt"
	"strings"
)

// UsageState is the kind of a DeviceUsage record.
type UsageState int

const (
	// UsageFree means the slot is available.
	UsageFree UsageState = iota
	// UsageInstanceReserved means a single-device allocation holds the
	// slot on Node.
	UsageInstanceReserved
	// UsageConfigurationReserved means a multi-device "virtual device"
	// identified by VdevID holds the slot on Node.
	UsageConfigurationReserved
)

// DeviceUsage is the decoded form of a slot's on-wire usage-record string.
type DeviceUsage struct {
	State  UsageState
	Node   string
	VdevID string
}

// Free reports whether the slot is unreserved.
func (u DeviceUsage) Free() bool { return u.State == UsageFree }

// Encode renders u in its on-wire string form: empty string for Free,
// "<node>" for Instance-reserved, "C:<vdev-id>:<node>" for
// Configuration-reserved.
func (u DeviceUsage) Encode() string {
	switch u.State {
	case UsageFree:
		return ""
	case UsageInstanceReserved:
		return u.Node
	case UsageConfigurationReserved:
		return fmt.Sprintf("C:%s:%s", u.VdevID, u.Node)
	default:
		return ""
	}
}

// DecodeDeviceUsage parses a slot's on-wire usage-record string. A
// non-empty record with an empty node is malformed.
func DecodeDeviceUsage(s string) (DeviceUsage, error) {
	if s == "" {
		return DeviceUsage{State: UsageFree}, nil
	}
	if rest, ok := strings.CutPrefix(s, "C:"); ok {
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			return DeviceUsage{}, fmt.Errorf("malformed configuration-reserved usage record %q", s)
		}
		vdevID, node := parts[0], parts[1]
		if node == "" {
			return DeviceUsage{}, fmt.Errorf("malformed usage record %q: empty node", s)
		}
		return DeviceUsage{State: UsageConfigurationReserved, VdevID: vdevID, Node: node}, nil
	}
	return DeviceUsage{State: UsageInstanceReserved, Node: s}, nil
}

// FreeUsage returns the canonical encoding of a free slot.
func FreeUsage() DeviceUsage { return DeviceUsage{State: UsageFree} }

// InstanceReserved returns an Instance-reserved usage record for node.
func InstanceReserved(node string) DeviceUsage {
	return DeviceUsage{State: UsageInstanceReserved, Node: node}
}

// ConfigurationReserved returns a Configuration-reserved usage record.
func ConfigurationReserved(vdevID, node string) DeviceUsage {
	return DeviceUsage{State: UsageConfigurationReserved, VdevID: vdevID, Node: node}
}
