// Package reconciler implements the Configuration Reconciler: it watches
// Configuration objects, keeps one Discovery Request alive per
// Configuration, and materializes each discovered device into an Instance
// object carrying this node's name.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/example/akri-agent/pkg/agenterrors"
	v0 "github.com/example/akri-agent/pkg/apis/akri/v0"
	"github.com/example/akri-agent/pkg/discovery"
	"github.com/example/akri-agent/pkg/discoveryapi"
	"github.com/example/akri-agent/pkg/naming"
	"github.com/example/akri-agent/pkg/registry"
	"github.com/example/akri-agent/pkg/secrets"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 2 * time.Minute
)

// trackedRequest pairs a running Discovery Request with the Configuration
// generation and broker properties it was built from, so Reconcile can
// tell whether it needs to be torn down and rebuilt.
type trackedRequest struct {
	req              *discovery.Request
	handlerName      string
	generation       int64
	everResolved     bool
	brokerProperties map[string]string
}

// Reconciler reconciles Configuration objects into per-node Instance
// objects, sourcing devices from the Discovery Handler Registry.
type Reconciler struct {
	client.Client

	NodeName        string
	Namespace       string
	Registry        *registry.Registry
	Embedded        discovery.EmbeddedLookup
	Secrets         *secrets.Resolver
	SuccessInterval time.Duration

	backoff *backoffTracker

	mu       sync.Mutex
	tracked  map[string]*trackedRequest
}

// NewReconciler builds a Reconciler. kubeClient is used for secret
// resolution; client.Client (embedded, set by the caller via the struct
// literal or SetupWithManager's manager client) is used for Configuration
// and Instance CRUD.
func NewReconciler(c client.Client, kubeClient kubernetes.Interface, nodeName, namespace string, reg *registry.Registry, embedded discovery.EmbeddedLookup) *Reconciler {
	return &Reconciler{
		Client:          c,
		NodeName:        nodeName,
		Namespace:       namespace,
		Registry:        reg,
		Embedded:        embedded,
		Secrets:         secrets.NewResolver(kubeClient),
		SuccessInterval: 10 * time.Second,
		backoff:         newBackoffTracker(initialBackoff, maxBackoff),
		tracked:         make(map[string]*trackedRequest),
	}
}

// Reconcile implements reconcile.Reconciler.
func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	name := req.Name

	cfg := &v0.Configuration{}
	if err := r.Get(ctx, req.NamespacedName, cfg); err != nil {
		if apierrors.IsNotFound(err) {
			r.teardown(name)
			r.backoff.Reset(name)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{RequeueAfter: r.backoff.Next(name)}, nil
	}

	if !cfg.DeletionTimestamp.IsZero() {
		return r.reconcileDelete(ctx, cfg)
	}

	if !hasFinalizer(cfg, v0.FinalizerName) {
		cfg.Finalizers = append(cfg.Finalizers, v0.FinalizerName)
		if err := r.Update(ctx, cfg); err != nil {
			klog.Warningf("reconciler: adding finalizer to %s: %v", name, err)
			return ctrl.Result{RequeueAfter: r.backoff.Next(name)}, nil
		}
		return ctrl.Result{Requeue: true}, nil
	}

	tracked, err := r.ensureRequest(ctx, cfg)
	if err != nil {
		klog.Warningf("reconciler: %s: %v", name, err)
		if agenterrors.KindOf(err) == agenterrors.InvalidDiscoveryDetails {
			// Non-retriable until the Configuration itself changes; still
			// requeue, slowly, in case the referenced secret shows up.
			return ctrl.Result{RequeueAfter: maxBackoff}, nil
		}
		return ctrl.Result{RequeueAfter: r.backoff.Next(name)}, nil
	}

	devices := tracked.req.Devices()
	if err := r.applyInstances(ctx, cfg, devices); err != nil {
		klog.Warningf("reconciler: applying instances for %s: %v", name, err)
		return ctrl.Result{RequeueAfter: r.backoff.Next(name)}, nil
	}

	r.backoff.Reset(name)
	return ctrl.Result{RequeueAfter: r.SuccessInterval}, nil
}

func (r *Reconciler) reconcileDelete(ctx context.Context, cfg *v0.Configuration) (ctrl.Result, error) {
	name := cfg.Name
	r.teardown(name)

	if err := r.removeNodeFromInstances(ctx, cfg); err != nil {
		klog.Warningf("reconciler: removing node from instances of %s: %v", name, err)
		return ctrl.Result{RequeueAfter: r.backoff.Next(name)}, nil
	}

	if hasFinalizer(cfg, v0.FinalizerName) {
		cfg.Finalizers = removeFinalizer(cfg.Finalizers, v0.FinalizerName)
		if err := r.Update(ctx, cfg); err != nil && !apierrors.IsNotFound(err) {
			klog.Warningf("reconciler: removing finalizer from %s: %v", name, err)
			return ctrl.Result{RequeueAfter: r.backoff.Next(name)}, nil
		}
	}

	r.backoff.Reset(name)
	return ctrl.Result{}, nil
}

// ensureRequest returns the live Discovery Request for cfg, creating or
// replacing it if the handler name or generation has changed since the
// last reconcile. A broker-properties change alone is pushed into the
// existing request without replacing it.
func (r *Reconciler) ensureRequest(ctx context.Context, cfg *v0.Configuration) (*trackedRequest, error) {
	r.mu.Lock()
	existing, ok := r.tracked[cfg.Name]
	r.mu.Unlock()

	if ok && existing.handlerName == cfg.Spec.DiscoveryHandlerName && existing.generation == cfg.Generation {
		if !mapsEqual(existing.brokerProperties, cfg.Spec.BrokerProperties) {
			existing.req.UpdateBrokerProperties(cfg.Spec.BrokerProperties)
			existing.brokerProperties = cfg.Spec.BrokerProperties
		}
		return existing, nil
	}

	firstResolution := !ok || !existing.everResolved
	resolved, err := r.Secrets.Resolve(ctx, cfg.Spec.DiscoveryProperties, firstResolution)
	if err != nil {
		return nil, err
	}

	if ok {
		existing.req.Cancel()
	}

	req := discovery.NewRequest(cfg.Name, cfg.Spec.DiscoveryHandlerName, r.Registry, r.Embedded, cfg.Spec.DiscoveryDetails, resolved, cfg.Spec.BrokerProperties)
	tracked := &trackedRequest{
		req:              req,
		handlerName:      cfg.Spec.DiscoveryHandlerName,
		generation:       cfg.Generation,
		everResolved:     true,
		brokerProperties: cfg.Spec.BrokerProperties,
	}

	r.mu.Lock()
	r.tracked[cfg.Name] = tracked
	r.mu.Unlock()

	return tracked, nil
}

func (r *Reconciler) teardown(name string) {
	r.mu.Lock()
	tracked, ok := r.tracked[name]
	if ok {
		delete(r.tracked, name)
	}
	r.mu.Unlock()

	if ok {
		tracked.req.Cancel()
	}
}

// applyInstances ensures one Instance per currently discovered device,
// each carrying this node in its Nodes list, and removes this node from
// Instances for devices that disappeared.
func (r *Reconciler) applyInstances(ctx context.Context, cfg *v0.Configuration, devices map[string]discoveryapi.Device) error {
	seen := make(map[string]struct{}, len(devices))
	for id, dev := range devices {
		cdiName := naming.CDIName(cfg.Name, id)
		seen[cdiName] = struct{}{}
		if err := r.applyInstance(ctx, cfg, cdiName, dev); err != nil {
			return fmt.Errorf("instance %s: %w", cdiName, err)
		}
	}
	return r.pruneStaleInstances(ctx, cfg, seen)
}

func (r *Reconciler) applyInstance(ctx context.Context, cfg *v0.Configuration, cdiName string, dev discoveryapi.Device) error {
	instanceName := naming.InstanceObjectName(cfg.Name, cdiName)

	inst := &v0.Instance{}
	err := r.Get(ctx, types.NamespacedName{Name: instanceName, Namespace: cfg.Namespace}, inst)
	if apierrors.IsNotFound(err) {
		inst = &v0.Instance{
			ObjectMeta: metav1.ObjectMeta{
				Name:            instanceName,
				Namespace:       cfg.Namespace,
				OwnerReferences: []metav1.OwnerReference{*metav1.NewControllerRef(cfg, v0.SchemeGroupVersion.WithKind("Configuration"))},
			},
			Spec: v0.InstanceSpec{
				ConfigurationName: cfg.Name,
				CdiName:           cdiName,
				Capacity:          cfg.Spec.Capacity,
				Shared:            dev.Properties != nil && dev.Properties["akri.sh/shared"] == "true",
				Nodes:             []string{r.NodeName},
				Properties:        dev.Properties,
				Mounts:            convertMounts(dev.Mounts),
				DeviceNodeSpecs:   convertDeviceNodeSpecs(dev.DeviceNodeSpecs),
				ContainerEdits:    cfg.Spec.ContainerEdits,
			},
		}
		return r.Create(ctx, inst)
	}
	if err != nil {
		return agenterrors.New(agenterrors.ApiTransient, "getting instance", err)
	}

	inst.Spec.Properties = dev.Properties
	inst.Spec.Mounts = convertMounts(dev.Mounts)
	inst.Spec.DeviceNodeSpecs = convertDeviceNodeSpecs(dev.DeviceNodeSpecs)
	inst.Spec.Capacity = cfg.Spec.Capacity
	inst.Spec.ContainerEdits = cfg.Spec.ContainerEdits
	if !containsString(inst.Spec.Nodes, r.NodeName) {
		inst.Spec.Nodes = append(inst.Spec.Nodes, r.NodeName)
	}
	// DeviceUsage is never touched here: it belongs to the Device-Plugin
	// Instance that owns each slot.
	if err := r.Update(ctx, inst); err != nil {
		if apierrors.IsConflict(err) {
			return agenterrors.New(agenterrors.ApiConflict, "updating instance", err)
		}
		return agenterrors.New(agenterrors.ApiTransient, "updating instance", err)
	}
	return nil
}

func (r *Reconciler) pruneStaleInstances(ctx context.Context, cfg *v0.Configuration, seen map[string]struct{}) error {
	list := &v0.InstanceList{}
	if err := r.List(ctx, list, client.InNamespace(cfg.Namespace)); err != nil {
		return agenterrors.New(agenterrors.ApiTransient, "listing instances", err)
	}

	for i := range list.Items {
		inst := &list.Items[i]
		if inst.Spec.ConfigurationName != cfg.Name {
			continue
		}
		if _, ok := seen[inst.Spec.CdiName]; ok {
			continue
		}
		if err := r.removeNode(ctx, inst); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) removeNodeFromInstances(ctx context.Context, cfg *v0.Configuration) error {
	list := &v0.InstanceList{}
	if err := r.List(ctx, list, client.InNamespace(cfg.Namespace)); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return agenterrors.New(agenterrors.ApiTransient, "listing instances", err)
	}
	for i := range list.Items {
		inst := &list.Items[i]
		if inst.Spec.ConfigurationName != cfg.Name {
			continue
		}
		if err := r.removeNode(ctx, inst); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) removeNode(ctx context.Context, inst *v0.Instance) error {
	inst.Spec.Nodes = removeString(inst.Spec.Nodes, r.NodeName)
	if len(inst.Spec.Nodes) == 0 {
		if err := r.Delete(ctx, inst); err != nil && !apierrors.IsNotFound(err) {
			return agenterrors.New(agenterrors.ApiTransient, "deleting instance", err)
		}
		return nil
	}
	if err := r.Update(ctx, inst); err != nil && !apierrors.IsNotFound(err) {
		if apierrors.IsConflict(err) {
			return agenterrors.New(agenterrors.ApiConflict, "updating instance", err)
		}
		return agenterrors.New(agenterrors.ApiTransient, "updating instance", err)
	}
	return nil
}

// SetupWithManager registers the Reconciler to watch Configuration objects.
func (r *Reconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&v0.Configuration{}).
		Complete(r)
}

func convertMounts(in []discoveryapi.Mount) []v0.Mount {
	if in == nil {
		return nil
	}
	out := make([]v0.Mount, len(in))
	for i, m := range in {
		out[i] = v0.Mount{HostPath: m.HostPath, ContainerPath: m.ContainerPath, ReadOnly: m.ReadOnly, Options: m.Options}
	}
	return out
}

func convertDeviceNodeSpecs(in []discoveryapi.DeviceNodeSpec) []v0.DeviceNodeSpec {
	if in == nil {
		return nil
	}
	out := make([]v0.DeviceNodeSpec, len(in))
	for i, d := range in {
		out[i] = v0.DeviceNodeSpec{HostPath: d.HostPath, ContainerPath: d.ContainerPath, Permissions: d.Permissions}
	}
	return out
}

func hasFinalizer(cfg *v0.Configuration, name string) bool {
	return containsString(cfg.Finalizers, name)
}

func removeFinalizer(finalizers []string, name string) []string {
	return removeString(finalizers, name)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
