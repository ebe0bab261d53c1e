// Code generated by hand in the style of deepcopy-gen. DO NOT re-run
// deepcopy-gen over this file without reconciling the two.

package v0

import (
	runtime "k8s.io/apimachinery/pkg/runtime"
)

// DeepCopyInto copies all properties of this object into another object of
// the same type that is provided as a pointer.
func (in *Configuration) DeepCopyInto(out *Configuration) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	in.Spec.DeepCopyInto(&out.Spec)
}

// DeepCopy creates a new Configuration by deep-copying this one.
func (in *Configuration) DeepCopy() *Configuration {
	if in == nil {
		return nil
	}
	out := new(Configuration)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject implements runtime.Object.
func (in *Configuration) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto copies all properties into out.
func (in *ConfigurationSpec) DeepCopyInto(out *ConfigurationSpec) {
	*out = *in
	if in.DiscoveryProperties != nil {
		out.DiscoveryProperties = make([]DiscoveryProperty, len(in.DiscoveryProperties))
		for i := range in.DiscoveryProperties {
			in.DiscoveryProperties[i].DeepCopyInto(&out.DiscoveryProperties[i])
		}
	}
	if in.BrokerProperties != nil {
		out.BrokerProperties = make(map[string]string, len(in.BrokerProperties))
		for k, v := range in.BrokerProperties {
			out.BrokerProperties[k] = v
		}
	}
	if in.ContainerEdits != nil {
		out.ContainerEdits = in.ContainerEdits.DeepCopy()
	}
}

// DeepCopyInto copies all properties into out.
func (in *ContainerEditSet) DeepCopyInto(out *ContainerEditSet) {
	*out = *in
	if in.Annotations != nil {
		out.Annotations = make(map[string]string, len(in.Annotations))
		for k, v := range in.Annotations {
			out.Annotations[k] = v
		}
	}
	if in.Mounts != nil {
		out.Mounts = make([]Mount, len(in.Mounts))
		copy(out.Mounts, in.Mounts)
	}
	if in.DeviceNodeSpecs != nil {
		out.DeviceNodeSpecs = make([]DeviceNodeSpec, len(in.DeviceNodeSpecs))
		copy(out.DeviceNodeSpecs, in.DeviceNodeSpecs)
	}
	if in.Hooks != nil {
		out.Hooks = make([]Hook, len(in.Hooks))
		for i := range in.Hooks {
			in.Hooks[i].DeepCopyInto(&out.Hooks[i])
		}
	}
}

// DeepCopy creates a new ContainerEditSet by deep-copying this one.
func (in *ContainerEditSet) DeepCopy() *ContainerEditSet {
	if in == nil {
		return nil
	}
	out := new(ContainerEditSet)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyInto copies all properties into out.
func (in *Hook) DeepCopyInto(out *Hook) {
	*out = *in
	if in.Args != nil {
		out.Args = make([]string, len(in.Args))
		copy(out.Args, in.Args)
	}
	if in.Env != nil {
		out.Env = make([]string, len(in.Env))
		copy(out.Env, in.Env)
	}
}

// DeepCopy creates a new ConfigurationSpec by deep-copying this one.
func (in *ConfigurationSpec) DeepCopy() *ConfigurationSpec {
	if in == nil {
		return nil
	}
	out := new(ConfigurationSpec)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyInto copies all properties into out.
func (in *DiscoveryProperty) DeepCopyInto(out *DiscoveryProperty) {
	*out = *in
	if in.SecretRef != nil {
		out.SecretRef = new(DiscoverySecretRef)
		*out.SecretRef = *in.SecretRef
	}
}

// DeepCopyInto copies all properties of this object into another object of
// the same type that is provided as a pointer.
func (in *ConfigurationList) DeepCopyInto(out *ConfigurationList) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		out.Items = make([]Configuration, len(in.Items))
		for i := range in.Items {
			in.Items[i].DeepCopyInto(&out.Items[i])
		}
	}
}

// DeepCopy creates a new ConfigurationList by deep-copying this one.
func (in *ConfigurationList) DeepCopy() *ConfigurationList {
	if in == nil {
		return nil
	}
	out := new(ConfigurationList)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject implements runtime.Object.
func (in *ConfigurationList) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto copies all properties of this object into another object of
// the same type that is provided as a pointer.
func (in *Instance) DeepCopyInto(out *Instance) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	in.Spec.DeepCopyInto(&out.Spec)
}

// DeepCopy creates a new Instance by deep-copying this one.
func (in *Instance) DeepCopy() *Instance {
	if in == nil {
		return nil
	}
	out := new(Instance)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject implements runtime.Object.
func (in *Instance) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto copies all properties into out.
func (in *InstanceSpec) DeepCopyInto(out *InstanceSpec) {
	*out = *in
	if in.Nodes != nil {
		out.Nodes = make([]string, len(in.Nodes))
		copy(out.Nodes, in.Nodes)
	}
	if in.DeviceUsage != nil {
		out.DeviceUsage = make(map[string]string, len(in.DeviceUsage))
		for k, v := range in.DeviceUsage {
			out.DeviceUsage[k] = v
		}
	}
	if in.ConfigUsage != nil {
		out.ConfigUsage = make(map[string]string, len(in.ConfigUsage))
		for k, v := range in.ConfigUsage {
			out.ConfigUsage[k] = v
		}
	}
	if in.Properties != nil {
		out.Properties = make(map[string]string, len(in.Properties))
		for k, v := range in.Properties {
			out.Properties[k] = v
		}
	}
	if in.Mounts != nil {
		out.Mounts = make([]Mount, len(in.Mounts))
		copy(out.Mounts, in.Mounts)
	}
	if in.DeviceNodeSpecs != nil {
		out.DeviceNodeSpecs = make([]DeviceNodeSpec, len(in.DeviceNodeSpecs))
		copy(out.DeviceNodeSpecs, in.DeviceNodeSpecs)
	}
	if in.ContainerEdits != nil {
		out.ContainerEdits = in.ContainerEdits.DeepCopy()
	}
}

// DeepCopy creates a new InstanceSpec by deep-copying this one.
func (in *InstanceSpec) DeepCopy() *InstanceSpec {
	if in == nil {
		return nil
	}
	out := new(InstanceSpec)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyInto copies all properties of this object into another object of
// the same type that is provided as a pointer.
func (in *InstanceList) DeepCopyInto(out *InstanceList) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		out.Items = make([]Instance, len(in.Items))
		for i := range in.Items {
			in.Items[i].DeepCopyInto(&out.Items[i])
		}
	}
}

// DeepCopy creates a new InstanceList by deep-copying this one.
func (in *InstanceList) DeepCopy() *InstanceList {
	if in == nil {
		return nil
	}
	out := new(InstanceList)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject implements runtime.Object.
func (in *InstanceList) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}
