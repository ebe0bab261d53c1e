// Package secrets resolves Configuration discovery_properties secret
// references to literal bytes before they are sent to a Discovery Handler.
// Resolution failure is reported as InvalidDiscoveryDetails on first
// resolution and UnavailableDiscoveryHandler thereafter, on the theory that
// a secret missing on first reconcile is almost always a configuration
// mistake, while one that vanishes mid-stream (rotated out from under a
// running discovery) looks like transient handler unavailability.
package secrets

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/example/akri-agent/pkg/agenterrors"
	"github.com/example/akri-agent/pkg/apis/akri/v0"
	"github.com/example/akri-agent/pkg/discoveryapi"
)

// Resolver resolves DiscoveryProperty secret references via the cluster API.
type Resolver struct {
	client kubernetes.Interface
}

// NewResolver builds a Resolver backed by client.
func NewResolver(client kubernetes.Interface) *Resolver {
	return &Resolver{client: client}
}

// Resolve expands props into a discoveryapi wire map, fetching the
// referenced Secret for every SecretRef entry. firstResolution selects
// which error Kind is used on failure.
func (r *Resolver) Resolve(ctx context.Context, props []v0.DiscoveryProperty, firstResolution bool) (map[string]discoveryapi.PropertyValue, error) {
	out := make(map[string]discoveryapi.PropertyValue, len(props))
	for _, p := range props {
		if p.SecretRef == nil {
			out[p.Name] = discoveryapi.PropertyValue{Literal: []byte(p.Literal)}
			continue
		}
		secret, err := r.client.CoreV1().Secrets(p.SecretRef.Namespace).Get(ctx, p.SecretRef.Name, metav1.GetOptions{})
		if err != nil {
			return nil, resolutionError(firstResolution, p, err)
		}
		value, ok := secret.Data[p.SecretRef.Key]
		if !ok {
			return nil, resolutionError(firstResolution, p, fmt.Errorf("key %q not present in secret %s/%s", p.SecretRef.Key, p.SecretRef.Namespace, p.SecretRef.Name))
		}
		out[p.Name] = discoveryapi.PropertyValue{Literal: value}
	}
	return out, nil
}

func resolutionError(firstResolution bool, p v0.DiscoveryProperty, err error) error {
	msg := fmt.Sprintf("resolving discovery property %q from secret %s/%s", p.Name, p.SecretRef.Namespace, p.SecretRef.Name)
	if firstResolution {
		return agenterrors.New(agenterrors.InvalidDiscoveryDetails, msg, err)
	}
	return agenterrors.New(agenterrors.UnavailableDiscoveryHandler, msg, err)
}
