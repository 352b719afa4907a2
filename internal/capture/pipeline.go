package capture

import "fmt"

// BindingKind says how an output resource is bound at a draw.
type BindingKind int

const (
	ColorTarget BindingKind = iota
	DepthTarget
	ReadWrite
)

func (k BindingKind) String() string {
	switch k {
	case ColorTarget:
		return "color"
	case DepthTarget:
		return "depth"
	case ReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("BindingKind(%d)", int(k))
	}
}

// ShaderStage indexes the read-write bindings of a pipeline.
type ShaderStage int

const (
	StageVertex ShaderStage = iota
	StageHull
	StageDomain
	StageGeometry
	StagePixel
	StageCompute
	StageTask
	StageMesh

	StageCount
)

// Binding is one output bound at the current event.
type Binding struct {
	Resource    ResourceID
	Subresource Subresource
	Kind        BindingKind
	Stage       ShaderStage
}

// Key returns the identity under which snapshots of b are compared.
// Read-write resources are read whole, so their subresource is zero.
func (b Binding) Key() ResourceKey {
	if b.Kind == ReadWrite {
		return ResourceKey{Resource: b.Resource}
	}
	return ResourceKey{Resource: b.Resource, Subresource: b.Subresource}
}

// PipelineState is the output binding state at the current event.
type PipelineState struct {
	ColorTargets []Binding
	DepthTarget  Binding
	ReadWrite    [StageCount][]Binding
}

// Outputs enumerates the non-null outputs: color targets in slot order, the
// depth target, then read-write resources per stage. A key bound more than
// once keeps its first position but takes the last binding, so a target that
// is also bound read-write is read as a whole buffer.
func (p *PipelineState) Outputs() []Binding {
	if p == nil {
		return nil
	}
	var out []Binding
	index := make(map[ResourceKey]int)
	add := func(b Binding, kind BindingKind, stage ShaderStage) {
		if b.Resource == NullResource {
			return
		}
		b.Kind = kind
		b.Stage = stage
		if i, ok := index[b.Key()]; ok {
			out[i] = b
			return
		}
		index[b.Key()] = len(out)
		out = append(out, b)
	}

	for _, b := range p.ColorTargets {
		add(b, ColorTarget, StagePixel)
	}
	add(p.DepthTarget, DepthTarget, StagePixel)
	for stage := ShaderStage(0); stage < StageCount; stage++ {
		for _, b := range p.ReadWrite[stage] {
			add(b, ReadWrite, stage)
		}
	}
	return out
}
