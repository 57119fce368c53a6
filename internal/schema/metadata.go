package schema

const (
	MetaReason   = "reason"
	MetaProgress = "progress"
	MetaHolder   = "held_by"
	MetaResource = "resource"
	MetaCount    = "count"
)

// GetMetaString extracts a string from a metadata map. Returns "" if missing/not string.
func GetMetaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	val, ok := meta[key]
	if !ok {
		return ""
	}
	str, ok := val.(string)
	if !ok {
		return ""
	}
	return str
}

// MergeMeta shallow-merges src into dst, overwriting existing keys.
// dst may be nil; the merged map is returned.
func MergeMeta(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
