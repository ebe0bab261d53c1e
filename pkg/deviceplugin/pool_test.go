package deviceplugin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	cdispec "tags.cncf.io/container-device-interface/specs-go"

	v0 "github.com/example/akri-agent/pkg/apis/akri/v0"
)

func newTestPool(t *testing.T) (*Pool, string) {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := v0.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme: %v", err)
	}

	inst := &v0.Instance{
		ObjectMeta: metav1.ObjectMeta{Name: "widgets-1", Namespace: "default"},
		Spec: v0.InstanceSpec{
			ConfigurationName: "widgets",
			CdiName:           "akri.sh/widgets=dev-1",
			Capacity:          2,
			Nodes:             []string{"node-a"},
			Properties:        map[string]string{"foo": "bar"},
		},
	}
	c := fake.NewClientBuilder().WithScheme(scheme).WithObjects(inst).Build()

	cdiDir := t.TempDir()
	socketDir := t.TempDir()
	p := NewPool(c, "node-a", "default", socketDir, "/nonexistent/kubelet.sock", NewCDIWriter(cdiDir))
	return p, cdiDir
}

func TestPoolReconcileStartsInstanceWritesCDIAndPersistsUsage(t *testing.T) {
	p, cdiDir := newTestPool(t)

	result, err := p.Reconcile(context.Background(), ctrl.Request{NamespacedName: types.NamespacedName{Name: "widgets-1", Namespace: "default"}})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.RequeueAfter != pollInterval {
		t.Fatalf("RequeueAfter = %v, want %v", result.RequeueAfter, pollInterval)
	}

	p.mu.Lock()
	_, ok := p.running["widgets-1"]
	p.mu.Unlock()
	if !ok {
		t.Fatalf("expected widgets-1 to be tracked as running")
	}

	data, err := os.ReadFile(filepath.Join(cdiDir, "akri.sh-widgets.json"))
	if err != nil {
		t.Fatalf("reading CDI spec: %v", err)
	}
	var spec cdispec.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		t.Fatalf("unmarshaling CDI spec: %v", err)
	}
	if len(spec.Devices) != 1 || spec.Devices[0].Name != "dev-1" {
		t.Fatalf("expected one CDI device dev-1, got %+v", spec.Devices)
	}

	got := &v0.Instance{}
	if err := p.Get(context.Background(), types.NamespacedName{Name: "widgets-1", Namespace: "default"}, got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Spec.DeviceUsage) != 2 {
		t.Fatalf("expected 2 persisted slot usage entries, got %v", got.Spec.DeviceUsage)
	}
	for slotID, usage := range got.Spec.DeviceUsage {
		if usage != "" {
			t.Fatalf("expected slot %s to be Free on first reconcile, got %q", slotID, usage)
		}
	}
}

func TestPoolReconcileNodeRemovedWaitsOutGraceWindow(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()
	reqKey := ctrl.Request{NamespacedName: types.NamespacedName{Name: "widgets-1", Namespace: "default"}}

	if _, err := p.Reconcile(ctx, reqKey); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}

	got := &v0.Instance{}
	if err := p.Get(ctx, reqKey.NamespacedName, got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.Spec.Nodes = nil
	if err := p.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}

	result, err := p.Reconcile(ctx, reqKey)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if result.RequeueAfter != offlineRecheckInterval {
		t.Fatalf("RequeueAfter = %v, want %v (still inside grace window)", result.RequeueAfter, offlineRecheckInterval)
	}

	p.mu.Lock()
	_, ok := p.running["widgets-1"]
	p.mu.Unlock()
	if !ok {
		t.Fatalf("expected instance to still be tracked while its grace window elapses")
	}
}

func TestPoolReconcileAbsentUntrackedInstanceIsNoop(t *testing.T) {
	p, _ := newTestPool(t)
	result, err := p.Reconcile(context.Background(), ctrl.Request{NamespacedName: types.NamespacedName{Name: "does-not-exist", Namespace: "default"}})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.RequeueAfter != 0 {
		t.Fatalf("expected zero-value result for an instance this pool never tracked, got %+v", result)
	}
}

