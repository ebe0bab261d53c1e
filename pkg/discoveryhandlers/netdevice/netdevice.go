// Package netdevice implements a Discovery Handler that enumerates host
// network interfaces via netlink, plus, optionally, the SR-IOV virtual
// functions found under one PF's sysfs directory.
//
// It only looks: it reports existing interfaces as discoverable devices
// and never creates, configures or moves an interface, leaving interface
// manipulation (MTU, namespace moves) up to the broker container that
// ultimately gets the slot, using the properties surfaced on Allocate.
package netdevice

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/example/akri-agent/pkg/discoveryapi"
)

// PollInterval is how often the host's interface list is re-scanned.
const PollInterval = 15 * time.Second

// Name is the handler name this package registers under.
const Name = "netdevice"

// Details is the discoveryDetails payload this handler expects.
type Details struct {
	// Kinds restricts discovery to netlink link types (e.g. "device",
	// "dummy", "veth", "macvlan", "ipvlan"). Empty means no restriction.
	Kinds []string `json:"kinds,omitempty"`
	// NamePrefixes restricts discovery to interfaces whose name starts
	// with one of these prefixes (e.g. "eth", "enp"). Empty means no
	// restriction.
	NamePrefixes []string `json:"namePrefixes,omitempty"`
	// SriovParent, if set, additionally reports every SR-IOV virtual
	// function of that PF that has a network interface, as a device in its
	// own right. Whether a VF is already in use is not checked.
	SriovParent string `json:"sriovParent,omitempty"`
}

// Handler implements discovery.EmbeddedHandler.
type Handler struct {
	// listLinks is overridden in tests; defaults to netlink.LinkList.
	listLinks func() ([]netlink.Link, error)
}

// New returns a Handler backed by the real netlink link list.
func New() *Handler {
	return &Handler{listLinks: netlink.LinkList}
}

// Discover parses req.DiscoveryDetails once and re-scans host interfaces
// every PollInterval until ctx is cancelled.
func (h *Handler) Discover(ctx context.Context, req *discoveryapi.DiscoverRequest, emit func(*discoveryapi.DiscoverResponse) error) error {
	var details Details
	if req.DiscoveryDetails != "" {
		if err := json.Unmarshal([]byte(req.DiscoveryDetails), &details); err != nil {
			return fmt.Errorf("parsing netdevice discovery details: %w", err)
		}
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		devices, err := h.scan(details)
		if err != nil {
			return fmt.Errorf("scanning host interfaces: %w", err)
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

func (h *Handler) scan(details Details) ([]discoveryapi.Device, error) {
	links, err := h.listLinks()
	if err != nil {
		return nil, err
	}

	var devices []discoveryapi.Device
	for _, link := range links {
		attrs := link.Attrs()
		if !matchesFilters(attrs.Name, link.Type(), details) {
			continue
		}
		devices = append(devices, discoveryapi.Device{
			ID: attrs.Name,
			Properties: map[string]string{
				"NETDEVICE_KIND": link.Type(),
				"NETDEVICE_MTU":  strconv.Itoa(attrs.MTU),
			},
		})
	}

	if details.SriovParent != "" {
		vfs, err := availableVFs(details.SriovParent)
		if err != nil {
			return nil, fmt.Errorf("listing VFs of %s: %w", details.SriovParent, err)
		}
		for _, vf := range vfs {
			devices = append(devices, discoveryapi.Device{
				ID: vf,
				Properties: map[string]string{
					"NETDEVICE_KIND":   "sriov-vf",
					"NETDEVICE_PARENT": details.SriovParent,
				},
			})
		}
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func matchesFilters(name, kind string, details Details) bool {
	if len(details.Kinds) > 0 && !containsString(details.Kinds, kind) {
		return false
	}
	if len(details.NamePrefixes) == 0 {
		return true
	}
	for _, prefix := range details.NamePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// availableVFs lists the network interface names of every virtual
// function currently bound under pfName's sysfs device directory.
func availableVFs(pfName string) ([]string, error) {
	deviceDir := filepath.Join("/sys/class/net", pfName, "device")
	entries, err := os.ReadDir(deviceDir)
	if err != nil {
		return nil, err
	}

	var vfs []string
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "virtfn") {
			continue
		}
		netEntries, err := os.ReadDir(filepath.Join(deviceDir, entry.Name(), "net"))
		if err != nil {
			continue
		}
		for _, netEntry := range netEntries {
			vfs = append(vfs, netEntry.Name())
		}
	}
	return vfs, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
