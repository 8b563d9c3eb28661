package models

// Request is a protocol-neutral view of an inbound request. Field names are
// defined by the protocol (http uses method, path, query, headers, body).
type Request map[string]interface{}

// Clone returns a deep copy so callers cannot mutate shared state
func (r Request) Clone() Request {
	if r == nil {
		return nil
	}
	return Request(CloneValue(map[string]interface{}(r)).(map[string]interface{}))
}

// CloneValue deep copies JSON-shaped values (maps, slices and scalars)
func CloneValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		clone := make(map[string]interface{}, len(v))
		for key, item := range v {
			clone[key] = CloneValue(item)
		}
		return clone
	case Request:
		return Request(CloneValue(map[string]interface{}(v)).(map[string]interface{}))
	case []interface{}:
		clone := make([]interface{}, len(v))
		for i, item := range v {
			clone[i] = CloneValue(item)
		}
		return clone
	case map[string]string:
		clone := make(map[string]string, len(v))
		for key, item := range v {
			clone[key] = item
		}
		return clone
	case []string:
		clone := make([]string, len(v))
		copy(clone, v)
		return clone
	default:
		return v
	}
}
