package netdevice

import (
	"context"
	"testing"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/example/akri-agent/pkg/discoveryapi"
)

func TestScanFiltersByKindAndPrefix(t *testing.T) {
	h := &Handler{listLinks: func() ([]netlink.Link, error) {
		return []netlink.Link{
			&netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "eth0", MTU: 1500}},
			&netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "dm0", MTU: 1500}},
			&netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "lo", MTU: 65536}},
		}, nil
	}}

	devices, err := h.scan(Details{Kinds: []string{"device"}, NamePrefixes: []string{"eth"}})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "eth0" {
		t.Fatalf("expected only eth0, got %+v", devices)
	}
	if devices[0].Properties["NETDEVICE_KIND"] != "device" {
		t.Fatalf("expected kind property, got %v", devices[0].Properties)
	}
}

func TestScanWithNoFiltersReturnsEverything(t *testing.T) {
	h := &Handler{listLinks: func() ([]netlink.Link, error) {
		return []netlink.Link{
			&netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "eth0"}},
			&netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "dm0"}},
		}, nil
	}}

	devices, err := h.scan(Details{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
}

func TestDiscoverEmitsOnce(t *testing.T) {
	h := &Handler{listLinks: func() ([]netlink.Link, error) {
		return []netlink.Link{&netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "eth0"}}}, nil
	}}
	req := &discoveryapi.DiscoverRequest{DiscoveryDetails: `{"namePrefixes":["eth"]}`}

	ctx, cancel := context.WithCancel(context.Background())
	emitted := make(chan *discoveryapi.DiscoverResponse, 1)
	go h.Discover(ctx, req, func(resp *discoveryapi.DiscoverResponse) error {
		select {
		case emitted <- resp:
		default:
		}
		return nil
	})

	select {
	case resp := <-emitted:
		if len(resp.Devices) != 1 || resp.Devices[0].ID != "eth0" {
			t.Fatalf("expected eth0, got %+v", resp.Devices)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for discovery emission")
	}
	cancel()
}
