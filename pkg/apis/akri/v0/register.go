package v0

import (
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// GroupName is the API group served by the (external, not implemented here)
// cluster-side CRD.
const GroupName = "akri.sh"

// SchemeGroupVersion is the group/version used by this package's types.
var SchemeGroupVersion = schema.GroupVersion{Group: GroupName, Version: "v0"}

// Resource returns a GroupResource for the given resource name.
func Resource(resource string) schema.GroupResource {
	return SchemeGroupVersion.WithResource(resource).GroupResource()
}

var (
	// SchemeBuilder collects functions that add types to a Scheme.
	SchemeBuilder = runtime.NewSchemeBuilder(addKnownTypes)
	// AddToScheme applies SchemeBuilder to a runtime.Scheme.
	AddToScheme = SchemeBuilder.AddToScheme
)

func addKnownTypes(scheme *runtime.Scheme) error {
	scheme.AddKnownTypes(SchemeGroupVersion,
		&Configuration{},
		&ConfigurationList{},
		&Instance{},
		&InstanceList{},
	)
	return nil
}
