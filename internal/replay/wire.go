package replay

import (
	"fmt"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/blackwell-systems/flakefinder/internal/capture"
)

// The replay protocol carries its payloads in protobuf well-known types so
// that backends in any language can implement it without generated stubs.
// Resource IDs travel as decimal strings because structpb numbers are
// float64.

const (
	fieldActions      = "actions"
	fieldEventID      = "event_id"
	fieldName         = "name"
	fieldFlags        = "flags"
	fieldChildren     = "children"
	fieldForce        = "force"
	fieldPath         = "path"
	fieldSize         = "size"
	fieldUpload       = "upload"
	fieldResource     = "resource"
	fieldMip          = "mip"
	fieldSlice        = "slice"
	fieldStage        = "stage"
	fieldOffset       = "offset"
	fieldLength       = "length"
	fieldColorTargets = "color_targets"
	fieldDepthTarget  = "depth_target"
	fieldReadWrite    = "read_write"
	fieldReplayable   = "local_replay_supported"
)

func formatResource(id capture.ResourceID) string {
	return strconv.FormatUint(uint64(id), 10)
}

func parseResource(v *structpb.Value) (capture.ResourceID, error) {
	if v == nil {
		return capture.NullResource, nil
	}
	s := v.GetStringValue()
	if s == "" {
		return capture.NullResource, nil
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid resource id %q: %w", s, err)
	}
	return capture.ResourceID(id), nil
}

func actionValue(a *capture.Action) map[string]any {
	names := a.Flags.Names()
	flags := make([]any, len(names))
	for i, n := range names {
		flags[i] = n
	}
	children := make([]any, len(a.Children))
	for i, c := range a.Children {
		children[i] = actionValue(c)
	}
	return map[string]any{
		fieldEventID:  float64(a.EventID),
		fieldName:     a.Name,
		fieldFlags:    flags,
		fieldChildren: children,
	}
}

// EncodeActions converts an action tree into its wire form.
func EncodeActions(roots []*capture.Action) (*structpb.Struct, error) {
	list := make([]any, 0, len(roots))
	for _, a := range roots {
		if a == nil {
			continue
		}
		list = append(list, actionValue(a))
	}
	return structpb.NewStruct(map[string]any{fieldActions: list})
}

// DecodeActions converts the wire form produced by EncodeActions back into
// an action tree.
func DecodeActions(s *structpb.Struct) ([]*capture.Action, error) {
	return decodeActionList(s.GetFields()[fieldActions].GetListValue())
}

func decodeActionList(l *structpb.ListValue) ([]*capture.Action, error) {
	var out []*capture.Action
	for _, v := range l.GetValues() {
		fields := v.GetStructValue().GetFields()
		if fields == nil {
			return nil, fmt.Errorf("action is not an object")
		}

		var names []string
		for _, f := range fields[fieldFlags].GetListValue().GetValues() {
			names = append(names, f.GetStringValue())
		}
		flags, err := capture.ParseActionFlags(names)
		if err != nil {
			return nil, err
		}

		children, err := decodeActionList(fields[fieldChildren].GetListValue())
		if err != nil {
			return nil, err
		}

		out = append(out, &capture.Action{
			EventID:  capture.EventID(fields[fieldEventID].GetNumberValue()),
			Name:     fields[fieldName].GetStringValue(),
			Flags:    flags,
			Children: children,
		})
	}
	return out, nil
}

func bindingValue(b capture.Binding) map[string]any {
	return map[string]any{
		fieldResource: formatResource(b.Resource),
		fieldMip:      float64(b.Subresource.Mip),
		fieldSlice:    float64(b.Subresource.Slice),
		fieldStage:    float64(b.Stage),
	}
}

func decodeBinding(v *structpb.Value) (capture.Binding, error) {
	fields := v.GetStructValue().GetFields()
	id, err := parseResource(fields[fieldResource])
	if err != nil {
		return capture.Binding{}, err
	}
	return capture.Binding{
		Resource: id,
		Subresource: capture.Subresource{
			Mip:   uint32(fields[fieldMip].GetNumberValue()),
			Slice: uint32(fields[fieldSlice].GetNumberValue()),
		},
		Stage: capture.ShaderStage(fields[fieldStage].GetNumberValue()),
	}, nil
}

// EncodePipelineState converts pipeline bindings into their wire form.
// Read-write bindings are flattened into one list tagged by stage.
func EncodePipelineState(p *capture.PipelineState) (*structpb.Struct, error) {
	colors := make([]any, len(p.ColorTargets))
	for i, b := range p.ColorTargets {
		colors[i] = bindingValue(b)
	}
	var rw []any
	for stage := capture.ShaderStage(0); stage < capture.StageCount; stage++ {
		for _, b := range p.ReadWrite[stage] {
			b.Stage = stage
			rw = append(rw, bindingValue(b))
		}
	}
	return structpb.NewStruct(map[string]any{
		fieldColorTargets: colors,
		fieldDepthTarget:  bindingValue(p.DepthTarget),
		fieldReadWrite:    rw,
	})
}

// DecodePipelineState converts the wire form produced by EncodePipelineState
// back into pipeline bindings.
func DecodePipelineState(s *structpb.Struct) (*capture.PipelineState, error) {
	fields := s.GetFields()
	p := &capture.PipelineState{}

	for _, v := range fields[fieldColorTargets].GetListValue().GetValues() {
		b, err := decodeBinding(v)
		if err != nil {
			return nil, fmt.Errorf("color target: %w", err)
		}
		p.ColorTargets = append(p.ColorTargets, b)
	}

	if v, ok := fields[fieldDepthTarget]; ok {
		b, err := decodeBinding(v)
		if err != nil {
			return nil, fmt.Errorf("depth target: %w", err)
		}
		p.DepthTarget = b
	}

	for _, v := range fields[fieldReadWrite].GetListValue().GetValues() {
		b, err := decodeBinding(v)
		if err != nil {
			return nil, fmt.Errorf("read-write resource: %w", err)
		}
		if b.Stage < 0 || b.Stage >= capture.StageCount {
			return nil, fmt.Errorf("read-write resource %d: invalid shader stage %d", b.Resource, b.Stage)
		}
		p.ReadWrite[b.Stage] = append(p.ReadWrite[b.Stage], b)
	}
	return p, nil
}

func eventRequest(eid capture.EventID, force bool) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		fieldEventID: float64(eid),
		fieldForce:   force,
	})
}

func textureRequest(id capture.ResourceID, sub capture.Subresource) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		fieldResource: formatResource(id),
		fieldMip:      float64(sub.Mip),
		fieldSlice:    float64(sub.Slice),
	})
}

func bufferRequest(id capture.ResourceID, offset, length uint64) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		fieldResource: formatResource(id),
		fieldOffset:   strconv.FormatUint(offset, 10),
		fieldLength:   strconv.FormatUint(length, 10),
	})
}

func parseUint(v *structpb.Value) (uint64, error) {
	s := v.GetStringValue()
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
