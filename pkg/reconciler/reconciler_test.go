package reconciler

import (
	"context"
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	v0 "github.com/example/akri-agent/pkg/apis/akri/v0"
	"github.com/example/akri-agent/pkg/discovery"
	"github.com/example/akri-agent/pkg/discoveryapi"
	"github.com/example/akri-agent/pkg/naming"
	"github.com/example/akri-agent/pkg/registry"
)

type fakeHandler struct {
	resp *discoveryapi.DiscoverResponse
}

func (h *fakeHandler) Discover(ctx context.Context, req *discoveryapi.DiscoverRequest, emit func(*discoveryapi.DiscoverResponse) error) error {
	if err := emit(h.resp); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func newScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := v0.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme: %v", err)
	}
	return scheme
}

func TestReconcileCreatesInstanceFromDiscoveredDevice(t *testing.T) {
	scheme := newScheme(t)
	cfg := &v0.Configuration{
		ObjectMeta: metav1.ObjectMeta{Name: "widgets", Namespace: "default", Generation: 1, UID: "cfg-uid-1", Finalizers: []string{v0.FinalizerName}},
		Spec: v0.ConfigurationSpec{
			DiscoveryHandlerName: "debug-echo",
			Capacity:             2,
			ContainerEdits: &v0.ContainerEditSet{
				Hooks: []v0.Hook{{HookName: "createRuntime", Path: "/usr/bin/widget-setup"}},
			},
		},
	}
	c := fake.NewClientBuilder().WithScheme(scheme).WithObjects(cfg).Build()

	reg := registry.New()
	reg.RegisterEmbedded("debug-echo")
	handler := &fakeHandler{resp: &discoveryapi.DiscoverResponse{Devices: []discoveryapi.Device{
		{ID: "dev-1", Properties: map[string]string{"foo": "bar"}},
	}}}
	lookup := func(name string) (discovery.EmbeddedHandler, bool) { return handler, true }

	r := NewReconciler(c, k8sfake.NewSimpleClientset(), "node-a", "default", reg, lookup)
	r.SuccessInterval = time.Second
	defer func() {
		r.mu.Lock()
		for _, t := range r.tracked {
			t.req.Cancel()
		}
		r.mu.Unlock()
	}()

	var result ctrl.Result
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		result, err = r.Reconcile(context.Background(), ctrl.Request{NamespacedName: types.NamespacedName{Name: "widgets", Namespace: "default"}})
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}

		list := &v0.InstanceList{}
		if err := c.List(context.Background(), list, client.InNamespace("default")); err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(list.Items) == 1 && list.Items[0].Spec.CdiName == naming.CDIName("widgets", "dev-1") {
			if list.Items[0].Spec.Properties["foo"] != "bar" {
				t.Fatalf("expected discovered property to propagate, got %v", list.Items[0].Spec.Properties)
			}
			owners := list.Items[0].OwnerReferences
			if len(owners) != 1 || owners[0].Name != "widgets" || owners[0].UID != "cfg-uid-1" || owners[0].Controller == nil || !*owners[0].Controller {
				t.Fatalf("expected a controller owner reference to the Configuration, got %+v", owners)
			}
			if edits := list.Items[0].Spec.ContainerEdits; edits == nil || len(edits.Hooks) != 1 || edits.Hooks[0].HookName != "createRuntime" {
				t.Fatalf("expected the configuration's ContainerEdits to be copied onto the instance, got %+v", edits)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected instance widgets/dev-1 to be created, got result %+v", result)
}

func TestReconcileDeleteRemovesNodeAndFinalizer(t *testing.T) {
	scheme := newScheme(t)
	now := metav1.NewTime(time.Unix(0, 0))
	cfg := &v0.Configuration{
		ObjectMeta: metav1.ObjectMeta{
			Name: "widgets", Namespace: "default",
			Finalizers:        []string{v0.FinalizerName},
			DeletionTimestamp: &now,
		},
		Spec: v0.ConfigurationSpec{DiscoveryHandlerName: "debug-echo"},
	}
	inst := &v0.Instance{
		ObjectMeta: metav1.ObjectMeta{Name: "widgets-1", Namespace: "default"},
		Spec: v0.InstanceSpec{
			ConfigurationName: "widgets",
			CdiName:           naming.CDIName("widgets", "dev-1"),
			Nodes:             []string{"node-a"},
		},
	}
	c := fake.NewClientBuilder().WithScheme(scheme).WithObjects(cfg, inst).Build()

	reg := registry.New()
	lookup := func(name string) (discovery.EmbeddedHandler, bool) { return nil, false }
	r := NewReconciler(c, k8sfake.NewSimpleClientset(), "node-a", "default", reg, lookup)

	if _, err := r.Reconcile(context.Background(), ctrl.Request{NamespacedName: types.NamespacedName{Name: "widgets", Namespace: "default"}}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	got := &v0.Instance{}
	err := c.Get(context.Background(), types.NamespacedName{Name: "widgets-1", Namespace: "default"}, got)
	if err == nil {
		t.Fatalf("expected instance to be deleted once its last node is removed, got %+v", got)
	}

	gotCfg := &v0.Configuration{}
	if err := c.Get(context.Background(), types.NamespacedName{Name: "widgets", Namespace: "default"}, gotCfg); err == nil {
		if hasFinalizer(gotCfg, v0.FinalizerName) {
			t.Fatalf("expected finalizer to be removed")
		}
	}
}
