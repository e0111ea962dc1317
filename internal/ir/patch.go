package ir

// Diff returns the patch that turns before into after: changed or added keys
// map to their new value, removed keys map to Null. A Null for a key that
// before does not hold changes nothing.
func Diff(before, after Object) Object {
	patch := Object{}
	for k, v := range after {
		old, ok := before[k]
		if !ok && isNull(v) {
			continue
		}
		if !ok || !Equal(old, v) {
			patch[k] = CloneValue(v)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			patch[k] = Null{}
		}
	}
	return patch
}

// ApplyPatch returns a copy of attrs with patch applied. Null removes a key.
func ApplyPatch(attrs, patch Object) Object {
	out := attrs.Clone()
	for k, v := range patch {
		if isNull(v) {
			delete(out, k)
			continue
		}
		out[k] = CloneValue(v)
	}
	return out
}

func isNull(v Value) bool {
	_, null := v.(Null)
	return null || v == nil
}
