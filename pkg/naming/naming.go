// Package naming derives the stable identifiers shared between the
// Configuration Reconciler (which creates Instance objects) and the
// Device-Plugin Instance pool (which serves them), so both sides agree on
// an Instance's object name and CDI identifier without importing each
// other.
package naming

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// CDIName returns the content-addressed CDI identifier for a discovered
// device within a configuration: akri.sh/<config>=<id>.
func CDIName(configName, deviceID string) string {
	return fmt.Sprintf("akri.sh/%s=%s", configName, deviceID)
}

// DeviceIDFromCDI extracts the discovered device id from a CDI name
// produced by CDIName.
func DeviceIDFromCDI(cdiName string) string {
	if idx := strings.LastIndex(cdiName, "="); idx >= 0 {
		return cdiName[idx+1:]
	}
	return cdiName
}

// InstanceObjectName derives the cluster object name for an Instance from
// its configuration and CDI name. It is a pure function of its inputs so
// any component can compute it without a round-trip to the cluster API.
func InstanceObjectName(configName, cdiName string) string {
	h := fnv.New32a()
	h.Write([]byte(cdiName))
	return fmt.Sprintf("%s-%08x", configName, h.Sum32())
}
