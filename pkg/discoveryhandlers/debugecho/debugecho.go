// Package debugecho implements a Discovery Handler that echoes back a
// fixed, operator-supplied list of fake devices, for exercising the rest
// of the agent without real hardware.
package debugecho

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/example/akri-agent/pkg/discoveryapi"
)

const (
	// PollInterval is how often the device list is re-emitted.
	PollInterval = 10 * time.Second

	// Offline is the marker substring checked for in AvailabilityCheckPath.
	Offline = "OFFLINE"

	// DescriptionLabel is the property key each echoed device carries,
	// set to its own description string.
	DescriptionLabel = "DEBUG_ECHO_DESCRIPTION"

	// Name is the handler name this package registers under.
	Name = "debugEcho"
)

// AvailabilityCheckPath's contents control whether any device is
// reported. Writing Offline into it mimics every described device going
// offline at once; restoring an empty file brings them back. A var, not
// a const, so tests can point it at a scratch file.
var AvailabilityCheckPath = "/tmp/debug-echo-availability.txt"

// Details is the discoveryDetails payload this handler expects.
type Details struct {
	// Descriptions is one fake device id per entry.
	Descriptions []string `json:"descriptions"`
}

// Handler implements discovery.EmbeddedHandler.
type Handler struct{}

// New returns a Handler.
func New() *Handler { return &Handler{} }

// Discover parses req.DiscoveryDetails once and re-emits the resulting
// device list every PollInterval until ctx is cancelled. Availability is
// all-or-nothing: AvailabilityCheckPath containing Offline means zero
// devices, regardless of how many are described.
func (h *Handler) Discover(ctx context.Context, req *discoveryapi.DiscoverRequest, emit func(*discoveryapi.DiscoverResponse) error) error {
	var details Details
	if err := json.Unmarshal([]byte(req.DiscoveryDetails), &details); err != nil {
		return fmt.Errorf("parsing debug-echo discovery details: %w", err)
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		if err := emit(&discoveryapi.DiscoverResponse{Devices: discoverOnce(details)}); err != nil {
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

func discoverOnce(details Details) []discoveryapi.Device {
	if isOffline() {
		return nil
	}
	devices := make([]discoveryapi.Device, 0, len(details.Descriptions))
	for _, desc := range details.Descriptions {
		devices = append(devices, discoveryapi.Device{
			ID:         desc,
			Properties: map[string]string{DescriptionLabel: desc},
		})
	}
	return devices
}

func isOffline() bool {
	data, err := os.ReadFile(AvailabilityCheckPath)
	if err != nil {
		return false
	}
	return strings.Contains(string(data), Offline)
}
