package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/example/akri-agent/pkg/discoveryapi"
	"github.com/example/akri-agent/pkg/registry"
)

type fakeHandler struct {
	responses chan *discoveryapi.DiscoverResponse
}

func (h *fakeHandler) Discover(ctx context.Context, req *discoveryapi.DiscoverRequest, emit func(*discoveryapi.DiscoverResponse) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case resp, ok := <-h.responses:
			if !ok {
				return nil
			}
			if err := emit(resp); err != nil {
				return err
			}
		}
	}
}

func waitForDevices(t *testing.T, r *Request, want int, timeout time.Duration) map[string]discoveryapi.Device {
	t.Helper()
	sub, unsub := r.Subscribe()
	defer unsub()

	deadline := time.After(timeout)
	for {
		devices := r.Devices()
		if len(devices) == want {
			return devices
		}
		select {
		case <-sub:
		case <-deadline:
			t.Fatalf("timed out waiting for %d devices, have %d", want, len(devices))
		}
	}
}

func TestRequestEmbeddedPublishAndBrokerOverlay(t *testing.T) {
	reg := registry.New()
	reg.RegisterEmbedded("debug-echo")

	h := &fakeHandler{responses: make(chan *discoveryapi.DiscoverResponse, 2)}
	lookup := func(name string) (EmbeddedHandler, bool) {
		if name == "debug-echo" {
			return h, true
		}
		return nil, false
	}

	r := NewRequest("cfg-a", "debug-echo", reg, lookup, "", nil, map[string]string{"shared": "1"})
	defer r.Cancel()

	h.responses <- &discoveryapi.DiscoverResponse{Devices: []discoveryapi.Device{
		{ID: "dev-1", Properties: map[string]string{"own": "x"}},
	}}

	devices := waitForDevices(t, r, 1, 2*time.Second)
	dev, ok := devices["dev-1"]
	if !ok {
		t.Fatalf("expected dev-1 in %v", devices)
	}
	if dev.Properties["shared"] != "1" || dev.Properties["own"] != "x" {
		t.Fatalf("expected merged properties, got %v", dev.Properties)
	}

	r.UpdateBrokerProperties(map[string]string{"shared": "2"})
	devices = r.Devices()
	if devices["dev-1"].Properties["shared"] != "2" {
		t.Fatalf("expected overlay update to apply without stream restart, got %v", devices["dev-1"].Properties)
	}
}

func TestRequestDropsIdenticalDeviceSet(t *testing.T) {
	reg := registry.New()
	reg.RegisterEmbedded("debug-echo")

	h := &fakeHandler{responses: make(chan *discoveryapi.DiscoverResponse, 4)}
	lookup := func(name string) (EmbeddedHandler, bool) { return h, true }

	r := NewRequest("cfg-a", "debug-echo", reg, lookup, "", nil, nil)
	defer r.Cancel()

	msg := &discoveryapi.DiscoverResponse{Devices: []discoveryapi.Device{{ID: "dev-1"}}}
	h.responses <- msg
	waitForDevices(t, r, 1, 2*time.Second)

	sub, unsub := r.Subscribe()
	defer unsub()

	h.responses <- msg
	select {
	case <-sub:
		t.Fatalf("expected no notification for an identical device set")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRequestWaitsForMissingHandler(t *testing.T) {
	reg := registry.New()

	h := &fakeHandler{responses: make(chan *discoveryapi.DiscoverResponse, 1)}
	lookup := func(name string) (EmbeddedHandler, bool) { return h, true }

	r := NewRequest("cfg-a", "debug-echo", reg, lookup, "", nil, nil)
	defer r.Cancel()

	select {
	case <-r.Done():
		t.Fatalf("request exited before handler was ever registered")
	case <-time.After(100 * time.Millisecond):
	}

	reg.RegisterEmbedded("debug-echo")
	h.responses <- &discoveryapi.DiscoverResponse{Devices: []discoveryapi.Device{{ID: "dev-1"}}}
	waitForDevices(t, r, 1, 2*time.Second)
}

func TestRequestCancelStopsGoroutine(t *testing.T) {
	reg := registry.New()
	reg.RegisterEmbedded("debug-echo")
	h := &fakeHandler{responses: make(chan *discoveryapi.DiscoverResponse)}
	lookup := func(name string) (EmbeddedHandler, bool) { return h, true }

	r := NewRequest("cfg-a", "debug-echo", reg, lookup, "", nil, nil)
	r.Cancel()

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Done() to close after Cancel()")
	}
}
