package vectorstore

import "github.com/qdrant/go-client/qdrant"

// payloadToMap converts a qdrant payload into plain Go values.
func payloadToMap(in map[string]*qdrant.Value) map[string]any {
	if in == nil {
		return nil
	}
	var out = make(map[string]any, len(in))
	for k, v := range in {
		out[k] = valueToAny(v)
	}
	return out
}

func valueToAny(v *qdrant.Value) any {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	case *qdrant.Value_IntegerValue:
		return k.IntegerValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_ListValue:
		var list = k.ListValue.GetValues()
		var out = make([]any, len(list))
		for i, item := range list {
			out[i] = valueToAny(item)
		}
		return out
	case *qdrant.Value_StructValue:
		return payloadToMap(k.StructValue.GetFields())
	default: // Includes Value_NullValue.
		return nil
	}
}
