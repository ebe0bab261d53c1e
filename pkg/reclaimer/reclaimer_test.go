package reclaimer

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	podresourcesapi "k8s.io/kubelet/pkg/apis/podresources/v1"
)

type fakePodResourcesServer struct {
	podresourcesapi.UnimplementedPodResourcesListerServer
	mu     sync.Mutex
	devIDs []string
}

func (s *fakePodResourcesServer) setDeviceIDs(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devIDs = ids
}

func (s *fakePodResourcesServer) List(ctx context.Context, req *podresourcesapi.ListPodResourcesRequest) (*podresourcesapi.ListPodResourcesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var devices []*podresourcesapi.ContainerDevices
	if len(s.devIDs) > 0 {
		devices = append(devices, &podresourcesapi.ContainerDevices{
			ResourceName: "akri.sh/widgets",
			DeviceIds:    append([]string(nil), s.devIDs...),
		})
	}
	return &podresourcesapi.ListPodResourcesResponse{
		PodResources: []*podresourcesapi.PodResources{
			{
				Name:      "pod-a",
				Namespace: "default",
				Containers: []*podresourcesapi.ContainerResources{
					{Name: "ctr", Devices: devices},
				},
			},
		},
	}, nil
}

func startFakePodResources(t *testing.T) (*fakePodResourcesServer, string) {
	t.Helper()
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "kubelet.sock")

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	fake := &fakePodResourcesServer{}
	podresourcesapi.RegisterPodResourcesListerServer(srv, fake)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return fake, socketPath
}

type fakeSource struct {
	mu     sync.Mutex
	owners map[string]string
	freed  []string
}

func (s *fakeSource) ReservedSlotOwners() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.owners))
	for k, v := range s.owners {
		out[k] = v
	}
	return out
}

func (s *fakeSource) FreeSlot(instanceName, slotID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[slotID]; !ok {
		return false
	}
	delete(s.owners, slotID)
	s.freed = append(s.freed, slotID)
	return true
}

func (s *fakeSource) freedSlots() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.freed...)
}

func TestReclaimerLeavesStillAllocatedSlotAlone(t *testing.T) {
	srv, socketPath := startFakePodResources(t)
	srv.setDeviceIDs([]string{"widgets-1-0"})

	source := &fakeSource{owners: map[string]string{"widgets-1-0": "widgets-1"}}
	r := New(source, socketPath)

	if err := r.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(source.freedSlots()) != 0 {
		t.Fatalf("expected no slots freed while still allocated, got %v", source.freedSlots())
	}
}

func TestReclaimerReclaimsAfterGraceWindow(t *testing.T) {
	srv, socketPath := startFakePodResources(t)
	srv.setDeviceIDs(nil) // nothing allocated: widgets-1-0 is immediately stale

	source := &fakeSource{owners: map[string]string{"widgets-1-0": "widgets-1"}}
	r := New(source, socketPath)
	r.staleSince = make(map[string]time.Time)

	if err := r.poll(context.Background()); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if len(source.freedSlots()) != 0 {
		t.Fatalf("slot should not be freed before its grace window elapses, got %v", source.freedSlots())
	}

	r.mu.Lock()
	r.staleSince["widgets-1-0"] = time.Now().Add(-SlotGrace - time.Second)
	r.mu.Unlock()

	if err := r.poll(context.Background()); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	freed := source.freedSlots()
	if len(freed) != 1 || freed[0] != "widgets-1-0" {
		t.Fatalf("expected widgets-1-0 to be reclaimed, got %v", freed)
	}
}

func TestReclaimerClearsStalenessOnReappearance(t *testing.T) {
	srv, socketPath := startFakePodResources(t)
	srv.setDeviceIDs(nil)

	source := &fakeSource{owners: map[string]string{"widgets-1-0": "widgets-1"}}
	r := New(source, socketPath)

	if err := r.poll(context.Background()); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	r.mu.Lock()
	if _, tracked := r.staleSince["widgets-1-0"]; !tracked {
		r.mu.Unlock()
		t.Fatalf("expected slot to be tracked as stale after first miss")
	}
	r.mu.Unlock()

	srv.setDeviceIDs([]string{"widgets-1-0"})
	if err := r.poll(context.Background()); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	r.mu.Lock()
	_, stillTracked := r.staleSince["widgets-1-0"]
	r.mu.Unlock()
	if stillTracked {
		t.Fatalf("expected staleness to clear once the slot reappeared in pod-resources")
	}
	if len(source.freedSlots()) != 0 {
		t.Fatalf("slot reappeared, should never have been freed, got %v", source.freedSlots())
	}
}

